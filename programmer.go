package picprog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Options holds programming options.
type Options struct {
	// Config includes the config words of the HEX file in flash and verify.
	Config bool
	// LVP selects low-voltage programming mode entry.
	LVP bool
	// DryRun marks a run over a simulated transport. Read-back comparisons are
	// still issued on the wire but reported as simulated successes.
	DryRun bool
	// ReadOutput receives the output of read actions. Defaults to os.Stdout.
	ReadOutput io.Writer
}

// Programmer runs plans against a device through a Client.
type Programmer struct {
	client  *Client
	profile DeviceProfile
	options Options
}

// NewProgrammer creates a programmer for the device described by profile.
func NewProgrammer(client *Client, profile DeviceProfile, options Options) *Programmer {
	prog := new(Programmer)

	prog.client = client
	prog.profile = profile
	prog.options = options
	if prog.options.ReadOutput == nil {
		prog.options.ReadOutput = os.Stdout
	}

	return prog
}

type progError struct {
	Address uint16
	Err     error
}

func (e *progError) Error() string {
	return fmt.Sprintf("error at %04X: %v", e.Address, e.Err)
}

func (e *progError) Unwrap() error { return e.Err }

// Result is the outcome of one action.
type Result struct {
	Action Action
	Err    error
	Kind   ErrorKind
}

// Report collects the outcome of a run.
type Report struct {
	// Handshake is set when the connection could not be established; no
	// action was run in that case.
	Handshake error
	Results   []Result
}

// Failed reports whether the connection or any action failed.
func (r *Report) Failed() bool {
	return r.Err() != nil
}

// Err returns nil if the run succeeded, otherwise an error listing the failed
// actions.
func (r *Report) Err() error {
	if r.Handshake != nil {
		return r.Handshake
	}
	var failed []string
	var first error
	for _, res := range r.Results {
		if res.Err == nil {
			continue
		}
		if first == nil {
			first = res.Err
		}
		failed = append(failed, fmt.Sprintf("%s (%s)", res.Action.Kind, res.Kind))
	}
	if first == nil {
		return nil
	}
	return errors.Wrapf(first, "failed actions: %s", strings.Join(failed, ", "))
}

// Image is a HEX file split into the memory regions of a profile.
type Image struct {
	Program *Memory
	Config  *Memory
}

// SplitImage separates mem into program and config words. Words in neither
// region are dropped.
func (p *Programmer) SplitImage(mem *Memory) Image {
	img := Image{
		Program: mem.Filter(func(addr, _ uint16) bool { return !p.profile.InConfig(addr) && p.profile.InProgram(addr) }),
		Config:  mem.Filter(func(addr, _ uint16) bool { return p.profile.InConfig(addr) }),
	}
	if dropped := mem.Len() - img.Program.Len() - img.Config.Len(); dropped > 0 {
		pkgLog.Warnf("ignoring %d words outside program and config memory", dropped)
	}
	pkgLog.Debugf("loaded %d program words and %d config words", img.Program.Len(), img.Config.Len())
	return img
}

// prepare loads every input of the plan. It fails before any device I/O takes
// place if a HEX file, write payload or address range is invalid, returning
// the failing action.
func (p *Programmer) prepare(actions []Action) (map[string]Image, Action, error) {
	images := make(map[string]Image)
	for _, a := range actions {
		switch a.Kind {
		case ActionFlash, ActionVerify:
			if _, ok := images[a.HexFile]; ok {
				continue
			}
			mem, err := LoadHexFile(a.HexFile)
			if err != nil {
				return nil, a, err
			}
			images[a.HexFile] = p.SplitImage(mem)
		case ActionWrite:
			if len(a.Data)%2 != 0 {
				return nil, a, &OddLengthError{Length: 2 * len(a.Data)}
			}
			if err := checkRange(a.Address, len(a.Data)/2); err != nil {
				return nil, a, err
			}
		case ActionRead:
			if err := checkRange(a.Address, int(a.Length)); err != nil {
				return nil, a, err
			}
		}
	}
	return images, Action{}, nil
}

func checkRange(address uint16, count int) error {
	if uint32(address)+uint32(count) > 0x10000 {
		return &RangeError{Address: address, Count: count}
	}
	return nil
}

// Run executes the plan. Inputs are validated first; a failure there or in
// the handshake stops the run before any action. A failed action does not
// prevent the following ones from running.
func (p *Programmer) Run(plan *Plan) *Report {
	report := new(Report)
	actions := plan.Actions()

	images, failed, err := p.prepare(actions)
	if err != nil {
		pkgLog.Errorf("%s failed (%s): %v", failed, KindOf(err), err)
		report.Results = append(report.Results, Result{Action: failed, Err: err, Kind: KindOf(err)})
		return report
	}

	if err := p.client.Connect(p.options.LVP); err != nil {
		report.Handshake = err
		return report
	}
	defer func() {
		if err := p.client.Disconnect(); err != nil {
			pkgLog.Warnf("disconnect failed: %v", err)
		}
	}()

	for _, a := range actions {
		err := p.runAction(a, images)
		kind := KindOf(err)
		if err != nil {
			pkgLog.Warnf("%s failed (%s): %v", a, kind, err)
		}
		report.Results = append(report.Results, Result{Action: a, Err: err, Kind: kind})
	}
	return report
}

func (p *Programmer) runAction(a Action, images map[string]Image) error {
	switch a.Kind {
	case ActionWipe:
		return p.Wipe()
	case ActionEraseRow:
		return p.EraseRow(a.Address)
	case ActionFlash:
		return p.Flash(images[a.HexFile])
	case ActionVerify:
		return p.Verify(images[a.HexFile])
	case ActionWrite:
		return p.Write(a.Address, a.Data)
	case ActionRead:
		return p.Read(a.Address, a.Length)
	case ActionDump:
		return p.Dump(a.Output)
	}
	return fmt.Errorf("unknown action %v", a.Kind)
}

func (p *Programmer) ok() string {
	if p.options.DryRun {
		return "OK (simulated)"
	}
	return "OK"
}

// Wipe bulk erases the device.
func (p *Programmer) Wipe() error {
	pkgLog.Infof("wiping device flash memory...")
	if err := p.client.BulkErase(BulkEraseAddress); err != nil {
		return err
	}
	pkgLog.Infof("wipe %s", p.ok())
	return nil
}

// EraseRow erases the row containing address. The address is sent as given.
func (p *Programmer) EraseRow(address uint16) error {
	pkgLog.Infof("erasing row at %04X...", address)
	if err := p.client.EraseRow(address); err != nil {
		return &progError{Address: address, Err: err}
	}
	pkgLog.Infof("erase %04X %s", address, p.ok())
	return nil
}

// writeChunks writes each chunk and reads it back before moving on to the
// next. It stops at the first failure.
func (p *Programmer) writeChunks(chunks []chunk, label string) error {
	for _, c := range chunks {
		pkgLog.Infof("writing %s %04X (%d words)...", label, c.Address, len(c.Words))
		if err := p.client.WriteBlock(c.Address, c.Words); err != nil {
			return &progError{Address: c.Address, Err: err}
		}
		if err := p.checkChunk(c, label); err != nil {
			return err
		}
	}
	return nil
}

// checkChunk reads c back from the device and compares it word by word. The
// comparison is skipped on dry runs.
func (p *Programmer) checkChunk(c chunk, label string) error {
	data, err := p.client.ReadBlock(c.Address, uint16(len(c.Words)))
	if err != nil {
		return &progError{Address: c.Address, Err: err}
	}
	if !p.options.DryRun {
		for i := range data {
			if data[i] != c.Words[i] {
				return &VerifyMismatchError{Address: c.Address + uint16(i), Expected: c.Words[i], Actual: data[i]}
			}
		}
	}
	pkgLog.Infof("verify %s %04X %s", label, c.Address, p.ok())
	return nil
}

func (p *Programmer) verifyChunks(chunks []chunk, label string) error {
	pkgLog.Infof("verifying %d %s blocks...", len(chunks), label)
	for _, c := range chunks {
		if err := p.checkChunk(c, label); err != nil {
			return err
		}
	}
	return nil
}

// Flash programs the program rows of img, then its config words if enabled.
// Rows are written whole, padded with ErasedWord. Every block is read back
// right after it is written and flashing stops at the first failure.
func (p *Programmer) Flash(img Image) error {
	rows := rowChunks(img.Program, p.profile.FlashWrite)
	pkgLog.Infof("flashing %d program blocks...", len(rows))
	if err := p.writeChunks(rows, "program"); err != nil {
		return errors.Wrap(err, "failed to write flash")
	}

	if p.options.Config && img.Config.Len() > 0 {
		runs := runChunks(img.Config, p.profile.FlashWrite)
		pkgLog.Infof("writing %d configuration words...", img.Config.Len())
		if err := p.writeChunks(runs, "config"); err != nil {
			return errors.Wrap(err, "failed to write config")
		}
	}
	pkgLog.Infof("flash complete")
	return nil
}

// Verify reads back the rows of img and compares them word by word, stopping
// at the first difference.
func (p *Programmer) Verify(img Image) error {
	if err := p.verifyChunks(rowChunks(img.Program, p.profile.FlashWrite), "program flash"); err != nil {
		return errors.Wrap(err, "failed to verify flash")
	}
	if p.options.Config && img.Config.Len() > 0 {
		if err := p.verifyChunks(runChunks(img.Config, p.profile.FlashWrite), "configuration"); err != nil {
			return errors.Wrap(err, "failed to verify config")
		}
	}
	pkgLog.Infof("verify complete")
	return nil
}

// Write writes big-endian word data at address in row-sized pieces and reads
// it back.
func (p *Programmer) Write(address uint16, data []byte) error {
	if len(data)%2 != 0 {
		return &OddLengthError{Length: 2 * len(data)}
	}
	if err := checkRange(address, len(data)/2); err != nil {
		return err
	}
	chunks := splitChunks(address, BytesToWords(data), p.profile.FlashWrite)
	pkgLog.Infof("writing %X (%d words) to %04X...", data, len(data)/2, address)
	return p.writeChunks(chunks, "data")
}

// Read prints length words starting at address to the read output, 8 words
// per line.
func (p *Programmer) Read(address, length uint16) error {
	if err := checkRange(address, int(length)); err != nil {
		return err
	}
	pkgLog.Infof("reading %d words from %04X...", length, address)
	for _, s := range readSpans(uint32(address), uint32(length), p.profile.FlashWrite) {
		words, err := p.client.ReadBlock(s.Address, s.Length)
		if err != nil {
			return &progError{Address: s.Address, Err: err}
		}
		for i := 0; i < len(words); i += 8 {
			end := i + 8
			if end > len(words) {
				end = len(words)
			}
			line := make([]string, 0, 8)
			for _, w := range words[i:end] {
				line = append(line, fmt.Sprintf("%04X", w))
			}
			fmt.Fprintf(p.options.ReadOutput, "0x%04X: %s\n", s.Address+uint16(i), strings.Join(line, " "))
		}
	}
	return nil
}

// ReadImage reads program memory and the config range into a memory image.
func (p *Programmer) ReadImage() (*Memory, error) {
	mem := NewMemory()
	spans := readSpans(0, p.profile.RomSize, p.profile.FlashWrite)
	if p.profile.HasConfig {
		spans = append(spans, readSpans(uint32(p.profile.ConfigStart), uint32(p.profile.ConfigLen()), p.profile.FlashWrite)...)
	}
	for _, s := range spans {
		pkgLog.Debugf("reading %04X...", s.Address)
		words, err := p.client.ReadBlock(s.Address, s.Length)
		if err != nil {
			return nil, &progError{Address: s.Address, Err: err}
		}
		mem.SetRange(s.Address, words)
	}
	return mem, nil
}

// Dump reads the device and saves it to fileName. Erased program words are
// left out; config words are always written.
func (p *Programmer) Dump(fileName string) error {
	pkgLog.Infof("dumping flash (0000-%04X) and config to %s...", p.profile.RomSize, fileName)
	mem, err := p.ReadImage()
	if err != nil {
		return errors.Wrap(err, "failed to read device")
	}

	filtered := 0
	for addr, word := range mem.All() {
		if word == ErasedWord && !p.profile.InConfig(addr) {
			filtered++
		}
	}
	if err := SaveHexFile(fileName, mem, p.profile, HexOptions{KeepConfig: true}); err != nil {
		return errors.Wrapf(err, "failed to save %s", fileName)
	}
	pkgLog.Infof("dump complete, filtered %d empty words", filtered)
	return nil
}
