package bridge

import (
	"fmt"
	"time"

	"github.com/amrbekhit/picprog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// simPin is a gpiotest.Pin reporting level changes to a simulated target.
type simPin struct {
	*gpiotest.Pin
	onOut func(gpio.Level)
	onIn  func()
	read  func() gpio.Level
	fail  error
}

func newSimPin(name string, num int) *simPin {
	return &simPin{Pin: &gpiotest.Pin{N: name, Num: num}}
}

func (p *simPin) Out(l gpio.Level) error {
	if p.fail != nil {
		return p.fail
	}
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	if p.onOut != nil {
		p.onOut(l)
	}
	return nil
}

func (p *simPin) In(pull gpio.Pull, edge gpio.Edge) error {
	if err := p.Pin.In(pull, edge); err != nil {
		return err
	}
	if p.onIn != nil {
		p.onIn()
	}
	return nil
}

func (p *simPin) Read() gpio.Level {
	if p.read != nil {
		return p.read()
	}
	return p.Pin.Read()
}

type targetMode int

const (
	targetOff targetMode = iota
	targetAwaitKey
	targetProgramming
)

type targetPhase int

const (
	phaseCommand targetPhase = iota
	phasePayload
	phaseOutput
)

// simTarget decodes the ICSP bit stream of a PIC with the 8-bit command set.
type simTarget struct {
	data, clock, hv, supply *simPin

	rowSize uint16
	flash   *picprog.Memory
	latches map[uint16]uint16
	pc      uint16

	mode  targetMode
	lvp   bool
	phase targetPhase
	cmd   byte
	shift uint32
	nbits int

	out    uint32
	outBit int
	level  gpio.Level

	// trace records decoded commands ("cmd F0") and, through sleep, delays.
	trace []string
	// badFrames counts payloads with non-zero start or stop bits.
	badFrames int
}

func newSimTarget(rowSize uint16) *simTarget {
	t := &simTarget{
		data:    newSimPin("PGD", 1),
		clock:   newSimPin("PGC", 2),
		hv:      newSimPin("HV", 3),
		supply:  newSimPin("VDD", 4),
		rowSize: rowSize,
		flash:   picprog.NewMemory(),
		latches: map[uint16]uint16{},
	}
	t.clock.onOut = t.onClock
	t.supply.onOut = t.onSupply
	t.data.read = func() gpio.Level { return t.level }
	return t
}

func (t *simTarget) pins() Pins {
	return Pins{Data: t.data, Clock: t.clock, HVEnable: t.hv, Supply: t.supply}
}

func (t *simTarget) sleep(d time.Duration) {
	t.trace = append(t.trace, fmt.Sprintf("sleep %v", d))
}

func (t *simTarget) onSupply(l gpio.Level) {
	if !l {
		t.mode = targetOff
		t.latches = map[uint16]uint16{}
		t.pc = 0
		return
	}
	t.phase, t.nbits, t.shift = phaseCommand, 0, 0
	if t.hv.Pin.Read() == gpio.Low {
		t.mode, t.lvp = targetProgramming, false
		t.trace = append(t.trace, "enter HV")
		return
	}
	t.mode = targetAwaitKey
}

func (t *simTarget) onClock(l gpio.Level) {
	if t.mode == targetOff {
		return
	}
	if t.phase == phaseOutput {
		if l {
			t.level = t.out>>uint(payloadBits-1-t.outBit)&1 == 1
			return
		}
		t.outBit++
		if t.outBit == payloadBits {
			t.phase = phaseCommand
			t.pc++
		}
		return
	}
	if l {
		return
	}
	// Falling edge: latch the level driven by the bridge.
	t.shift <<= 1
	if t.data.Pin.Read() {
		t.shift |= 1
	}
	t.nbits++
	t.decode()
}

func (t *simTarget) decode() {
	if t.mode == targetAwaitKey {
		if t.nbits < 32 {
			return
		}
		if t.shift == uint32('M')<<24|uint32('C')<<16|uint32('H')<<8|uint32('P') {
			t.mode, t.lvp = targetProgramming, true
			t.trace = append(t.trace, "enter LVP")
		}
		t.nbits, t.shift = 0, 0
		return
	}

	switch t.phase {
	case phaseCommand:
		if t.nbits < 8 {
			return
		}
		cmd := byte(t.shift)
		t.nbits, t.shift = 0, 0
		t.execute(cmd)
	case phasePayload:
		if t.nbits < payloadBits {
			return
		}
		frame := t.shift
		t.nbits, t.shift = 0, 0
		t.phase = phaseCommand
		if frame&1 != 0 || frame>>(dataBits+1) != 0 {
			t.badFrames++
		}
		t.load(uint16(frame >> 1))
	}
}

func (t *simTarget) execute(cmd byte) {
	t.trace = append(t.trace, fmt.Sprintf("cmd %02X", cmd))
	switch cmd {
	case cmdLoadPC, cmdLoadLatch, cmdLoadLatchInc:
		t.cmd = cmd
		t.phase = phasePayload
	case cmdReadInc:
		t.out = uint32(t.flash.Get(t.pc)) << 1
		t.outBit = 0
		t.phase = phaseOutput
	case cmdBeginWrite:
		for addr, w := range t.latches {
			t.flash.Set(addr, w)
		}
		t.latches = map[uint16]uint16{}
	case cmdRowErase:
		if t.pc >= 0x8000 {
			return
		}
		base := t.pc - t.pc%t.rowSize
		for i := uint16(0); i < t.rowSize; i++ {
			if t.flash.Has(base + i) {
				t.flash.Set(base+i, picprog.ErasedWord)
			}
		}
	case cmdBulkErase:
		t.flash = picprog.NewMemory()
	}
}

func (t *simTarget) load(word uint16) {
	switch t.cmd {
	case cmdLoadPC:
		t.pc = word
	case cmdLoadLatch:
		t.latches[t.pc] = word
	case cmdLoadLatchInc:
		t.latches[t.pc] = word
		t.pc++
	}
}
