package picprog

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds every blocking receive on the host side.
const DefaultTimeout = 5 * time.Second

// Transport moves raw bytes between host and bridge. It is the only component
// touching the link; calls are strictly sequential.
type Transport interface {
	// Connect performs the handshake, sending OpConnect (or OpConnectLVP) and
	// expecting ReplyOK.
	Connect(lvp bool) error
	// Disconnect sends OpDisconnect and releases the link. No reply is read.
	Disconnect() error
	Send(b []byte) error
	// RecvExact returns exactly n bytes or fails with a *TimeoutError (nothing
	// received) or a *ShortReadError (partial data).
	RecvExact(n int) ([]byte, error)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// RecvTimeout reads exactly n bytes from r, giving up once timeout has elapsed
// since the call started. If r supports read deadlines they are used;
// otherwise r must return periodically (as a serial port with a read timeout
// does) so the deadline can be checked. On a short read the bytes received are
// returned along with a *ShortReadError.
func RecvTimeout(r io.Reader, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(timeout)

	d, hasDeadline := r.(readDeadliner)
	if hasDeadline {
		err := d.SetReadDeadline(deadline)
		switch {
		case err == nil:
			defer d.SetReadDeadline(time.Time{})
		case errors.Is(err, os.ErrNoDeadline):
			hasDeadline = false
		default:
			// A closed connection refuses deadlines.
			return nil, &TimeoutError{Op: "recv", Want: n, Err: err}
		}
	}

	got := 0
	var cause error
	for got < n && time.Now().Before(deadline) {
		m, err := r.Read(buf[got:])
		got += m
		if err == nil {
			continue
		}
		if isTimeout(err) {
			break
		}
		// Serial ports report an expired inter-byte timeout as EOF.
		if err == io.EOF && !hasDeadline {
			continue
		}
		cause = err
		break
	}

	switch {
	case got == n:
		return buf, nil
	case got == 0:
		return nil, &TimeoutError{Op: "recv", Want: n, Err: cause}
	default:
		return buf[:got], &ShortReadError{Op: "recv", Want: n, Got: got}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type streamTransport struct {
	rw      io.ReadWriter
	timeout time.Duration
}

// NewStreamTransport creates a transport over an already open byte stream,
// such as a net.Conn or a serial port.
func NewStreamTransport(rw io.ReadWriter, timeout time.Duration) Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &streamTransport{rw: rw, timeout: timeout}
}

func (t *streamTransport) Connect(lvp bool) error {
	op := byte(OpConnect)
	if lvp {
		op = OpConnectLVP
	}
	if err := t.Send([]byte{op}); err != nil {
		return &HandshakeError{Err: err}
	}
	reply, err := t.RecvExact(1)
	if err != nil {
		return &HandshakeError{Err: err}
	}
	if reply[0] != ReplyOK {
		return &HandshakeError{Reply: reply}
	}
	return nil
}

func (t *streamTransport) Disconnect() error {
	return t.Send([]byte{OpDisconnect})
}

func (t *streamTransport) Send(b []byte) error {
	if d, ok := t.rw.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(t.timeout)); err == nil {
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	pkgLog.Debugf("tx % X", b)
	n, err := t.rw.Write(b)
	if err != nil {
		return &TimeoutError{Op: "send", Want: len(b), Err: err}
	}
	if n != len(b) {
		return &TimeoutError{Op: "send", Want: len(b), Err: io.ErrShortWrite}
	}
	return nil
}

func (t *streamTransport) RecvExact(n int) ([]byte, error) {
	b, err := RecvTimeout(t.rw, n, t.timeout)
	if err != nil {
		pkgLog.Debugf("rx % X (%d of %d bytes): %v", b, len(b), n, err)
		return b, err
	}
	pkgLog.Debugf("rx % X", b)
	return b, nil
}
