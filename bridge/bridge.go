// Package bridge implements the device side of the picprog protocol. A Bridge
// reads commands from the serial link and turns each one into the ICSP pin
// sequence of a PIC target, replying to the host when the sequence is done.
package bridge

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/amrbekhit/picprog"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

// Default timings.
const (
	DefaultArgTimeout   = time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Mode is the programming state of the target.
type Mode int

const (
	Disconnected Mode = iota
	ProgrammingHV
	ProgrammingLVP
)

func (m Mode) String() string {
	switch m {
	case Disconnected:
		return "disconnected"
	case ProgrammingHV:
		return "programming (HV)"
	case ProgrammingLVP:
		return "programming (LVP)"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the sequencer state visible between commands.
type State struct {
	Mode Mode
	PC   uint16
}

// Pins are the lines wired to the target. HVEnable is active low: driving it
// low applies the programming voltage to MCLR.
type Pins struct {
	Data     gpio.PinIO
	Clock    gpio.PinIO
	HVEnable gpio.PinOut
	Supply   gpio.PinOut
}

// Options holds bridge options.
type Options struct {
	// ArgTimeout bounds the reception of command arguments and write data.
	ArgTimeout time.Duration
	// PollInterval is how often Serve checks for cancellation while idle.
	PollInterval time.Duration
	// Sleep implements the hardware delays. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Bridge executes host commands on the target pins. It is not safe for
// concurrent use; Serve handles one command at a time.
type Bridge struct {
	link    io.ReadWriter
	pins    Pins
	options Options
	state   State
	err     error
}

// New creates a bridge reading commands from link.
func New(link io.ReadWriter, pins Pins, options Options) *Bridge {
	b := new(Bridge)

	b.link = link
	b.pins = pins
	b.options = options
	if b.options.ArgTimeout <= 0 {
		b.options.ArgTimeout = DefaultArgTimeout
	}
	if b.options.PollInterval <= 0 {
		b.options.PollInterval = DefaultPollInterval
	}
	if b.options.Sleep == nil {
		b.options.Sleep = time.Sleep
	}

	return b
}

// State returns the current sequencer state.
func (b *Bridge) State() State {
	return b.state
}

// Serve handles commands until ctx is cancelled, the link is closed or a pin
// fails. Cancellation is checked between commands only. A closed link ends
// Serve without error.
func (b *Bridge) Serve(ctx context.Context) error {
	pkgLog.Infof("bridge ready")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd, err := picprog.RecvTimeout(b.link, 1, b.options.PollInterval)
		if err != nil {
			var timeout *picprog.TimeoutError
			if errors.As(err, &timeout) && timeout.Err == nil {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				pkgLog.Infof("link closed")
				return nil
			}
			return errors.Wrap(err, "failed to read command")
		}

		if err := b.Handle(cmd[0]); err != nil {
			return err
		}
	}
}

// Close releases the target if a programming session is still open.
func (b *Bridge) Close() error {
	if b.state.Mode == Disconnected {
		return nil
	}
	b.exitProgramming()
	return b.takeErr()
}

// Handle executes one command whose opcode has already been received. The
// arguments are read from the link. It returns an error only when the link or
// a pin fails; protocol errors are answered with a reply byte.
func (b *Bridge) Handle(cmd byte) error {
	switch cmd {
	case picprog.OpConnect:
		b.enterHV()
		b.reply(picprog.ReplyOK)
	case picprog.OpConnectLVP:
		b.enterLVP()
		b.reply(picprog.ReplyOK)
	case picprog.OpDisconnect:
		b.exitProgramming()
	case picprog.OpRead:
		b.handleRead()
	case picprog.OpWrite:
		b.handleWrite()
	case picprog.OpEraseRow:
		b.handleErase(cmdRowErase, "row")
	case picprog.OpBulkErase:
		b.handleErase(cmdBulkErase, "bulk")
	default:
		pkgLog.Warnf("unknown command %02X", cmd)
		b.reply(picprog.ReplyUnknown)
	}
	return b.takeErr()
}

// args receives n argument bytes, replying code if they do not arrive in
// time.
func (b *Bridge) args(n int, code byte) ([]byte, bool) {
	data, err := picprog.RecvTimeout(b.link, n, b.options.ArgTimeout)
	if err != nil {
		pkgLog.Warnf("argument timeout: got %d of %d bytes", len(data), n)
		b.reply(code)
		return nil, false
	}
	return data, true
}

func (b *Bridge) handleRead() {
	args, ok := b.args(4, picprog.ReplyArgTimeout)
	if !ok {
		return
	}
	address, length := be16(args), be16(args[2:])
	pkgLog.Debugf("read %04X+%d", address, length)

	b.loadPC(address)
	for i := uint16(0); i < length && b.err == nil; i++ {
		word := b.readWord()
		b.send([]byte{byte(word >> 8), byte(word)})
	}
}

func (b *Bridge) handleWrite() {
	args, ok := b.args(4, picprog.ReplyArgTimeout)
	if !ok {
		return
	}
	address, length := be16(args), be16(args[2:])
	if length == 0 {
		b.reply(picprog.ReplyOK)
		return
	}
	data, ok := b.args(2*int(length), picprog.ReplyDataTimeout)
	if !ok {
		return
	}
	words := picprog.BytesToWords(data)
	pkgLog.Debugf("write %04X+%d", address, length)

	b.loadPC(address)
	b.command(cmdRowErase)
	b.options.Sleep(tErase)
	for i, w := range words {
		if i == len(words)-1 {
			b.command(cmdLoadLatch)
		} else {
			b.command(cmdLoadLatchInc)
			b.state.PC++
		}
		b.payload(w)
	}
	b.command(cmdBeginWrite)
	b.options.Sleep(tWrite)
	b.reply(picprog.ReplyOK)
}

func (b *Bridge) handleErase(cmd byte, label string) {
	args, ok := b.args(2, picprog.ReplyArgTimeout)
	if !ok {
		return
	}
	address := be16(args)
	pkgLog.Debugf("%s erase %04X", label, address)

	b.loadPC(address)
	b.command(cmd)
	b.options.Sleep(tErase)
	b.reply(picprog.ReplyOK)
}

func (b *Bridge) reply(code byte) {
	b.send([]byte{code})
}

func (b *Bridge) send(p []byte) {
	if b.err != nil {
		return
	}
	if _, err := b.link.Write(p); err != nil {
		b.err = errors.Wrap(err, "failed to send reply")
	}
}

// takeErr returns and clears the first failure of the last command.
func (b *Bridge) takeErr() error {
	err := b.err
	b.err = nil
	return err
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
