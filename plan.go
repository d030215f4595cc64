package picprog

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ActionKind identifies a user-requested action. The numeric order is the
// order in which a Plan executes them.
type ActionKind int

// Actions in execution order.
const (
	ActionWipe ActionKind = iota
	ActionEraseRow
	ActionFlash
	ActionVerify
	ActionWrite
	ActionRead
	ActionDump
)

func (k ActionKind) String() string {
	switch k {
	case ActionWipe:
		return "wipe"
	case ActionEraseRow:
		return "erase-row"
	case ActionFlash:
		return "flash"
	case ActionVerify:
		return "verify"
	case ActionWrite:
		return "write"
	case ActionRead:
		return "read"
	case ActionDump:
		return "dump"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one step of a Plan with its operands.
type Action struct {
	Kind ActionKind
	// HexFile is the input of flash and verify.
	HexFile string
	// Address is the start word address of erase-row, write and read.
	Address uint16
	// Length is the number of words to read.
	Length uint16
	// Data is the write payload, big-endian words.
	Data []byte
	// Output is the dump file.
	Output string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionEraseRow:
		return fmt.Sprintf("erase-row %04X", a.Address)
	case ActionFlash, ActionVerify:
		return fmt.Sprintf("%s %s", a.Kind, a.HexFile)
	case ActionWrite:
		return fmt.Sprintf("write %04X (%d bytes)", a.Address, len(a.Data))
	case ActionRead:
		return fmt.Sprintf("read %04X+%d", a.Address, a.Length)
	case ActionDump:
		return fmt.Sprintf("dump %s", a.Output)
	default:
		return a.Kind.String()
	}
}

// NewWipeAction erases the whole device.
func NewWipeAction() Action { return Action{Kind: ActionWipe} }

// NewEraseRowAction erases the row containing address.
func NewEraseRowAction(address uint16) Action {
	return Action{Kind: ActionEraseRow, Address: address}
}

// NewFlashAction programs the contents of a HEX file.
func NewFlashAction(hexFile string) Action { return Action{Kind: ActionFlash, HexFile: hexFile} }

// NewVerifyAction compares the device against a HEX file.
func NewVerifyAction(hexFile string) Action { return Action{Kind: ActionVerify, HexFile: hexFile} }

// NewWriteAction writes raw big-endian word data at address.
func NewWriteAction(address uint16, data []byte) Action {
	return Action{Kind: ActionWrite, Address: address, Data: data}
}

// NewReadAction prints length words starting at address.
func NewReadAction(address, length uint16) Action {
	return Action{Kind: ActionRead, Address: address, Length: length}
}

// NewDumpAction saves program and config memory to a HEX file.
func NewDumpAction(output string) Action { return Action{Kind: ActionDump, Output: output} }

// Plan is a set of actions executed in a fixed order (wipe, erase-row, flash,
// verify, write, read, dump) regardless of the order they were added in.
// Actions of the same kind keep their relative order.
type Plan struct {
	actions []Action
}

// NewPlan creates a plan holding the given actions.
func NewPlan(actions ...Action) *Plan {
	p := new(Plan)
	for _, a := range actions {
		p.Add(a)
	}
	return p
}

// Add appends an action to the plan.
func (p *Plan) Add(a Action) {
	p.actions = append(p.actions, a)
}

// Len returns the number of actions.
func (p *Plan) Len() int {
	return len(p.actions)
}

// Actions returns the actions in execution order.
func (p *Plan) Actions() []Action {
	sorted := append([]Action(nil), p.actions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })
	return sorted
}

// Has reports whether the plan contains an action of the given kind.
func (p *Plan) Has(kind ActionKind) bool {
	for _, a := range p.actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// ParseAddress parses a word address given in hex, with or without a 0x
// prefix.
func ParseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return uint16(n), nil
}

// ParseWriteData decodes a hex string into write payload bytes. The payload
// must hold a whole number of 16-bit words; otherwise an *OddLengthError is
// returned before any hex decoding is attempted.
func ParseWriteData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s)%4 != 0 {
		return nil, &OddLengthError{Length: len(s)}
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, &FormatError{Source: "write data", Err: err}
	}
	return data, nil
}
