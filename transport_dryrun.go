package picprog

import (
	"fmt"
)

// dryRunTransport stands in for the serial link. Every frame is answered on
// the canonical success path: 'K' for write and erase commands, erased words
// for reads. No I/O takes place.
type dryRunTransport struct {
	name    string
	pending []byte
	frames  []Frame
}

// NewDryRunTransport returns a simulated transport for dry runs. name is only
// used in log messages.
func NewDryRunTransport(name string) Transport {
	return &dryRunTransport{name: name}
}

func (t *dryRunTransport) Connect(lvp bool) error {
	mode := "HVP"
	if lvp {
		mode = "LVP"
	}
	pkgLog.Infof("[dry run] pretending to connect (%s) to %s", mode, t.name)
	return nil
}

func (t *dryRunTransport) Disconnect() error {
	pkgLog.Infof("[dry run] disconnected")
	return nil
}

func (t *dryRunTransport) Send(b []byte) error {
	f, err := ParseFrame(b)
	if err != nil {
		return &TimeoutError{Op: "send", Want: len(b), Err: err}
	}
	t.frames = append(t.frames, f)

	switch f.Opcode {
	case OpRead:
		words := make([]uint16, f.Length)
		for i := range words {
			words[i] = ErasedWord
		}
		t.pending = append(t.pending, WordsToBytes(words)...)
	case OpWrite, OpEraseRow, OpBulkErase, OpConnect, OpConnectLVP:
		t.pending = append(t.pending, ReplyOK)
	case OpDisconnect:
	default:
		t.pending = append(t.pending, ReplyUnknown)
	}
	return nil
}

func (t *dryRunTransport) RecvExact(n int) ([]byte, error) {
	if len(t.pending) == 0 {
		return nil, &TimeoutError{Op: "recv", Want: n}
	}
	if len(t.pending) < n {
		got := t.pending
		t.pending = nil
		return got, &ShortReadError{Op: "recv", Want: n, Got: len(got)}
	}
	b := t.pending[:n:n]
	t.pending = t.pending[n:]
	return b, nil
}

func (t *dryRunTransport) String() string {
	return fmt.Sprintf("dry run (%d frames)", len(t.frames))
}
