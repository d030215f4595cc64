package bridge

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

// ICSP commands of the 8-bit command set.
const (
	cmdLoadPC       = 0x80
	cmdReadInc      = 0xFE
	cmdLoadLatchInc = 0x02
	cmdLoadLatch    = 0x00
	cmdBeginWrite   = 0xE0
	cmdRowErase     = 0xF0
	cmdBulkErase    = 0x18
)

// Hardware delays.
const (
	tEnter = 260 * time.Microsecond
	tLVP   = time.Millisecond
	tDly   = time.Microsecond
	tErase = 3 * time.Millisecond
	tWrite = 5 * time.Millisecond
)

// lvpKey is clocked in after power up to enter low-voltage programming.
const lvpKey = "MCHP"

// A payload is 24 bits: 7 start bits, 16 data bits and a stop bit, all sent
// MSb first. Start and stop bits are zero.
const (
	payloadBits = 24
	startBits   = 7
	dataBits    = 16
)

func (b *Bridge) out(p gpio.PinOut, l gpio.Level) {
	if b.err != nil {
		return
	}
	if err := p.Out(l); err != nil {
		b.err = errors.Wrapf(err, "failed to drive %s %s", p, l)
	}
}

func (b *Bridge) release(p gpio.PinIO) {
	if b.err != nil {
		return
	}
	if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
		b.err = errors.Wrapf(err, "failed to release %s", p)
	}
}

func (b *Bridge) enterHV() {
	pkgLog.Infof("entering programming mode (HV)")
	b.out(b.pins.Data, gpio.Low)
	b.out(b.pins.Clock, gpio.Low)
	b.options.Sleep(tEnter)
	b.out(b.pins.HVEnable, gpio.Low)
	b.options.Sleep(tEnter)
	b.out(b.pins.Supply, gpio.High)
	if b.err == nil {
		b.state = State{Mode: ProgrammingHV}
	}
}

func (b *Bridge) enterLVP() {
	pkgLog.Infof("entering programming mode (LVP)")
	b.out(b.pins.Data, gpio.Low)
	b.out(b.pins.Clock, gpio.Low)
	b.options.Sleep(tEnter)
	b.out(b.pins.HVEnable, gpio.High)
	b.out(b.pins.Supply, gpio.High)
	b.options.Sleep(tLVP)
	for i := 0; i < len(lvpKey); i++ {
		b.writeBits(uint32(lvpKey[i]), 8)
	}
	if b.err == nil {
		b.state = State{Mode: ProgrammingLVP}
	}
}

func (b *Bridge) exitProgramming() {
	pkgLog.Infof("leaving programming mode")
	b.out(b.pins.HVEnable, gpio.High)
	b.options.Sleep(tEnter)
	b.out(b.pins.Supply, gpio.Low)
	b.release(b.pins.Data)
	b.release(b.pins.Clock)
	b.state = State{Mode: Disconnected}
}

// writeBits clocks out the low n bits of v, MSb first. The target latches data
// on the falling clock edge.
func (b *Bridge) writeBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		b.out(b.pins.Data, v>>uint(i)&1 == 1)
		b.out(b.pins.Clock, gpio.High)
		b.out(b.pins.Clock, gpio.Low)
	}
}

func (b *Bridge) command(cmd byte) {
	b.writeBits(uint32(cmd), 8)
	b.options.Sleep(tDly)
}

func (b *Bridge) payload(word uint16) {
	b.writeBits(uint32(word)<<1, payloadBits)
	b.options.Sleep(tDly)
}

func (b *Bridge) loadPC(address uint16) {
	b.command(cmdLoadPC)
	b.payload(address)
	b.state.PC = address
}

// readWord reads the word at PC and increments PC.
func (b *Bridge) readWord() uint16 {
	b.command(cmdReadInc)
	if b.err != nil {
		return 0
	}
	if err := b.pins.Data.In(gpio.Float, gpio.NoEdge); err != nil {
		b.err = errors.Wrapf(err, "failed to release %s", b.pins.Data)
		return 0
	}
	var word uint16
	for i := 0; i < payloadBits; i++ {
		b.out(b.pins.Clock, gpio.High)
		if i >= startBits && i < startBits+dataBits {
			word <<= 1
			if b.pins.Data.Read() {
				word |= 1
			}
		}
		b.out(b.pins.Clock, gpio.Low)
	}
	b.out(b.pins.Data, gpio.Low)
	b.options.Sleep(tDly)
	b.state.PC++
	return word
}
