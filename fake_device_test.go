package picprog

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// fakeDevice is a Transport emulating a bridge with an attached target. It
// stores written words, answers reads from them and records every frame.
// Writes only touch the words they carry.
type fakeDevice struct {
	mem     *Memory
	rowSize uint16
	frames  []Frame
	pending []byte

	connects    int
	disconnects int
	lvp         bool

	// handshakeReply overrides the reply to the connect byte.
	handshakeReply byte
	// reject replies with the given byte instead of 'K' for an opcode.
	reject map[byte]byte
	// corrupt overrides the value read back at an address.
	corrupt map[uint16]uint16
	// truncate limits the number of bytes returned for reads.
	truncate int
}

func newFakeDevice(rowSize uint16) *fakeDevice {
	return &fakeDevice{
		mem:     NewMemory(),
		rowSize: rowSize,
		reject:  map[byte]byte{},
		corrupt: map[uint16]uint16{},
	}
}

func (d *fakeDevice) Connect(lvp bool) error {
	d.connects++
	d.lvp = lvp
	if d.handshakeReply != 0 && d.handshakeReply != ReplyOK {
		return &HandshakeError{Reply: []byte{d.handshakeReply}}
	}
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.disconnects++
	return nil
}

func (d *fakeDevice) Send(b []byte) error {
	f, err := ParseFrame(b)
	if err != nil {
		return err
	}
	d.frames = append(d.frames, f)

	if reply, ok := d.reject[f.Opcode]; ok {
		d.pending = append(d.pending, reply)
		return nil
	}

	switch f.Opcode {
	case OpWrite:
		d.mem.SetRange(f.Address, f.Payload)
		d.pending = append(d.pending, ReplyOK)
	case OpEraseRow:
		d.eraseRow(f.Address)
		d.pending = append(d.pending, ReplyOK)
	case OpBulkErase:
		d.mem = NewMemory()
		d.pending = append(d.pending, ReplyOK)
	case OpRead:
		var resp []byte
		for i := uint16(0); i < f.Length; i++ {
			addr := f.Address + i
			w := d.mem.Get(addr)
			if c, ok := d.corrupt[addr]; ok {
				w = c
			}
			resp = binary.BigEndian.AppendUint16(resp, w)
		}
		if d.truncate > 0 && d.truncate < len(resp) {
			resp = resp[:d.truncate]
		}
		d.pending = append(d.pending, resp...)
	default:
		d.pending = append(d.pending, ReplyUnknown)
	}
	return nil
}

func (d *fakeDevice) eraseRow(addr uint16) {
	base := addr - addr%d.rowSize
	for i := uint16(0); i < d.rowSize; i++ {
		if d.mem.Has(base + i) {
			d.mem.Set(base+i, ErasedWord)
		}
	}
}

func (d *fakeDevice) RecvExact(n int) ([]byte, error) {
	if len(d.pending) == 0 {
		return nil, &TimeoutError{Op: "recv", Want: n}
	}
	if len(d.pending) < n {
		got := d.pending
		d.pending = nil
		return got, &ShortReadError{Op: "recv", Want: n, Got: len(got)}
	}
	b := d.pending[:n:n]
	d.pending = d.pending[n:]
	return b, nil
}

func (d *fakeDevice) count(op byte) int {
	n := 0
	for _, f := range d.frames {
		if f.Opcode == op {
			n++
		}
	}
	return n
}

// frameTrace summarises frames as "op addr len" for comparisons.
func frameTrace(frames []Frame) string {
	var lines []string
	for _, f := range frames {
		n := int(f.Length)
		if f.Opcode == OpWrite {
			n = len(f.Payload)
		}
		lines = append(lines, fmt.Sprintf("%c %04X %d", f.Opcode, f.Address, n))
	}
	return strings.Join(lines, "\n")
}

// hexRecord formats one Intel HEX record with its checksum.
func hexRecord(addr uint16, recordType byte, data ...byte) string {
	sum := byte(len(data)) + byte(addr>>8) + byte(addr) + recordType
	for _, b := range data {
		sum += b
	}
	return fmt.Sprintf(":%02X%04X%02X%X%02X", len(data), addr, recordType, data, -sum)
}
