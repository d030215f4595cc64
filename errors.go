package picprog

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind attributes a failed action to one class of the error taxonomy.
type ErrorKind int

// Error kinds, in the order they are reported.
const (
	KindNone ErrorKind = iota
	KindHandshake
	KindTimeout
	KindShortRead
	KindWriteRejected
	KindReadFailure
	KindFormat
	KindOddLength
	KindVerifyMismatch
	KindRange
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindHandshake:
		return "handshake error"
	case KindTimeout:
		return "timeout"
	case KindShortRead:
		return "short read"
	case KindWriteRejected:
		return "write rejected"
	case KindReadFailure:
		return "read failure"
	case KindFormat:
		return "format error"
	case KindOddLength:
		return "odd length"
	case KindVerifyMismatch:
		return "verify mismatch"
	case KindRange:
		return "address out of range"
	default:
		return "error"
	}
}

// HandshakeError is returned by Connect when the bridge does not answer the
// connect byte with 'K'.
type HandshakeError struct {
	Reply []byte
	Err   error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %v", e.Err)
	}
	return fmt.Sprintf("handshake failed: got %q, expected 'K'", e.Reply)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError indicates that nothing was received within the timeout window,
// or that the link did not accept outgoing bytes.
type TimeoutError struct {
	Op   string
	Want int
	Err  error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: timeout (%d bytes expected): %v", e.Op, e.Want, e.Err)
	}
	return fmt.Sprintf("%s: timeout, no response (%d bytes expected)", e.Op, e.Want)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ShortReadError indicates that some, but not all, of the expected bytes
// arrived before the timeout. The link is most likely desynchronised.
type ShortReadError struct {
	Op   string
	Want int
	Got  int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("%s: short read, got %d of %d bytes", e.Op, e.Got, e.Want)
}

// WriteRejectedError is returned when a command expecting 'K' receives
// another reply byte.
type WriteRejectedError struct {
	Op      string
	Address uint16
	Reply   byte
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("%s at %04X rejected: reply %q (%s)", e.Op, e.Address, e.Reply, ReplyString(e.Reply))
}

// ReadFailureError is returned by ReadBlock when the requested words could not
// be received in full.
type ReadFailureError struct {
	Address uint16
	Want    int
	Got     int
	Err     error
}

func (e *ReadFailureError) Error() string {
	return fmt.Sprintf("read at %04X failed: got %d of %d bytes: %v", e.Address, e.Got, e.Want, e.Err)
}

func (e *ReadFailureError) Unwrap() error { return e.Err }

// FormatError reports malformed HEX input.
type FormatError struct {
	Source string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("invalid hex data in %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("invalid hex data: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// OddLengthError is returned when a write payload does not contain a whole
// number of 16-bit words.
type OddLengthError struct {
	Length int
}

func (e *OddLengthError) Error() string {
	return fmt.Sprintf("write data must be a whole number of 16-bit words, got %d hex digits", e.Length)
}

// RangeError is returned when a write or read would run past the last word
// address.
type RangeError struct {
	Address uint16
	Count   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%d words at %04X run past FFFF", e.Count, e.Address)
}

// VerifyMismatchError reports the first address whose device contents differ
// from the expected data.
type VerifyMismatchError struct {
	Address  uint16
	Expected uint16
	Actual   uint16
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("mismatch at %04X, expected %04X read %04X", e.Address, e.Expected, e.Actual)
}

// KindOf returns the taxonomy kind of err. Protocol-level kinds take precedence
// over the transport errors they wrap.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		verify   *VerifyMismatchError
		read     *ReadFailureError
		rejected *WriteRejectedError
		hs       *HandshakeError
		format   *FormatError
		odd      *OddLengthError
		rng      *RangeError
		short    *ShortReadError
		timeout  *TimeoutError
	)
	switch {
	case errors.As(err, &verify):
		return KindVerifyMismatch
	case errors.As(err, &read):
		return KindReadFailure
	case errors.As(err, &rejected):
		return KindWriteRejected
	case errors.As(err, &hs):
		return KindHandshake
	case errors.As(err, &format):
		return KindFormat
	case errors.As(err, &odd):
		return KindOddLength
	case errors.As(err, &rng):
		return KindRange
	case errors.As(err, &short):
		return KindShortRead
	case errors.As(err, &timeout):
		return KindTimeout
	}
	return KindOther
}
