// Package picprog programs PIC microcontrollers through a serial bridge that
// drives the target's In-Circuit Serial Programming pins.
//
// The package contains three layers. Transport moves raw bytes over the
// serial link and owns timeouts and the connect handshake. Client encodes the
// bridge commands (write, read, erase row, bulk erase) as frames on top of a
// Transport. Programmer runs a Plan of user actions (wipe, erase row, flash,
// verify, write, read, dump) against a Client, chunking memory into rows of
// the device profile.
//
// The bridge side of the protocol lives in the bridge subdirectory, and the
// command line tools in cmd/picprog and cmd/picbridge.
package picprog

import (
	"encoding/binary"
	"fmt"
)

// Command bytes sent from host to bridge.
const (
	OpConnect    = 's'
	OpConnectLVP = 'l'
	OpDisconnect = 'x'
	OpWrite      = 'w'
	OpRead       = 'r'
	OpEraseRow   = 'e'
	OpBulkErase  = 'b'
)

// Reply bytes sent from bridge to host.
const (
	ReplyOK          = 'K'
	ReplyArgTimeout  = 'A'
	ReplyDataTimeout = 'D'
	ReplyUnknown     = 'U'
)

// BulkEraseAddress is the conventional address argument of the bulk erase
// command. The bridge passes it to the device unchanged.
const BulkEraseAddress = 0x80FF

// ReplyString returns the string representation of a bridge reply byte.
func ReplyString(code byte) string {
	switch code {
	case ReplyOK:
		return "success"
	case ReplyArgTimeout:
		return "argument timeout"
	case ReplyDataTimeout:
		return "data timeout"
	case ReplyUnknown:
		return "unknown command"
	default:
		return "invalid reply"
	}
}

// Frame is one host to bridge command. Multi-byte fields are big-endian on
// the wire.
type Frame struct {
	Opcode  byte
	Address uint16
	// Length is the word count for read and write frames.
	Length  uint16
	Payload []uint16
}

// Bytes returns the encoded frame.
func (f Frame) Bytes() []byte {
	b := []byte{f.Opcode}
	switch f.Opcode {
	case OpWrite:
		b = binary.BigEndian.AppendUint16(b, f.Address)
		b = binary.BigEndian.AppendUint16(b, uint16(len(f.Payload)))
		for _, w := range f.Payload {
			b = binary.BigEndian.AppendUint16(b, w)
		}
	case OpRead:
		b = binary.BigEndian.AppendUint16(b, f.Address)
		b = binary.BigEndian.AppendUint16(b, f.Length)
	case OpEraseRow, OpBulkErase:
		b = binary.BigEndian.AppendUint16(b, f.Address)
	}
	return b
}

// ResponseLength returns the number of bytes the bridge replies with.
func (f Frame) ResponseLength() int {
	switch f.Opcode {
	case OpRead:
		return 2 * int(f.Length)
	case OpWrite, OpEraseRow, OpBulkErase, OpConnect, OpConnectLVP:
		return 1
	default:
		return 0
	}
}

func (f Frame) String() string {
	switch f.Opcode {
	case OpWrite:
		return fmt.Sprintf("write %04X+%d", f.Address, len(f.Payload))
	case OpRead:
		return fmt.Sprintf("read %04X+%d", f.Address, f.Length)
	case OpEraseRow:
		return fmt.Sprintf("erase row %04X", f.Address)
	case OpBulkErase:
		return fmt.Sprintf("bulk erase %04X", f.Address)
	default:
		return fmt.Sprintf("command %q", f.Opcode)
	}
}

// NewWriteFrame returns the frame writing words starting at address.
func NewWriteFrame(address uint16, words []uint16) Frame {
	return Frame{Opcode: OpWrite, Address: address, Length: uint16(len(words)), Payload: words}
}

// NewReadFrame returns the frame reading length words starting at address.
func NewReadFrame(address, length uint16) Frame {
	return Frame{Opcode: OpRead, Address: address, Length: length}
}

// NewEraseRowFrame returns the frame erasing the row containing address.
func NewEraseRowFrame(address uint16) Frame {
	return Frame{Opcode: OpEraseRow, Address: address}
}

// NewBulkEraseFrame returns the bulk erase frame.
func NewBulkEraseFrame(address uint16) Frame {
	return Frame{Opcode: OpBulkErase, Address: address}
}

// ParseFrame decodes a complete frame as produced by Frame.Bytes.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	f := Frame{Opcode: b[0]}
	args := b[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%q frame truncated: %d of %d argument bytes", f.Opcode, len(args), n)
		}
		return nil
	}
	switch f.Opcode {
	case OpRead, OpWrite:
		if err := need(4); err != nil {
			return f, err
		}
		f.Address = binary.BigEndian.Uint16(args)
		f.Length = binary.BigEndian.Uint16(args[2:])
		if f.Opcode == OpWrite {
			if err := need(4 + 2*int(f.Length)); err != nil {
				return f, err
			}
			f.Payload = BytesToWords(args[4 : 4+2*int(f.Length)])
		}
	case OpEraseRow, OpBulkErase:
		if err := need(2); err != nil {
			return f, err
		}
		f.Address = binary.BigEndian.Uint16(args)
	}
	return f, nil
}

// BytesToWords converts big-endian byte pairs to words. A trailing odd byte is
// ignored.
func BytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return words
}

// WordsToBytes converts words to big-endian byte pairs.
func WordsToBytes(words []uint16) []byte {
	b := make([]byte, 0, 2*len(words))
	for _, w := range words {
		b = binary.BigEndian.AppendUint16(b, w)
	}
	return b
}
