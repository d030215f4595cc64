package picprog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

const (
	recordData     = 0x00
	recordEOF      = 0x01
	recordExtended = 0x04

	eofLine = ":00000001FF"

	// Data bytes per emitted record, 8 words.
	hexLineLength = 16
)

// HexOptions controls which words WriteHex emits.
type HexOptions struct {
	// KeepConfig emits words in the profile's config range even when they hold
	// ErasedWord, so the dump records their presence.
	KeepConfig bool
}

// ParseHex decodes Intel HEX text into a word-addressed memory image. Each
// word is built little-endian from two consecutive data bytes at an even byte
// address. Records other than data, EOF and extended linear address are
// ignored; parsing stops at the EOF record.
func ParseHex(r io.Reader) (*Memory, error) {
	filtered, err := filterRecords(r)
	if err != nil {
		return nil, &FormatError{Err: err}
	}

	hex := gohex.NewMemory()
	if err := hex.ParseIntelHex(strings.NewReader(filtered)); err != nil {
		return nil, &FormatError{Err: err}
	}

	mem := NewMemory()
	for _, segment := range hex.GetDataSegments() {
		if segment.Address&1 == 1 || len(segment.Data)&1 == 1 {
			return nil, &FormatError{Err: fmt.Errorf("misaligned word data at byte address %X length %d", segment.Address, len(segment.Data))}
		}
		first := segment.Address / 2
		last := first + uint32(len(segment.Data)/2) - 1
		if last > 0xFFFF {
			return nil, &FormatError{Err: fmt.Errorf("word address %X out of range", last)}
		}
		for i := 0; i < len(segment.Data); i += 2 {
			mem.Set(uint16(first)+uint16(i/2), binary.LittleEndian.Uint16(segment.Data[i:]))
		}
		pkgLog.Debugf("loaded hex segment at word %04X length %v", first, len(segment.Data)/2)
	}
	return mem, nil
}

// LoadHexFile parses the named HEX file.
func LoadHexFile(fileName string) (*Memory, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, &FormatError{Source: fileName, Err: err}
	}
	defer file.Close()

	mem, err := ParseHex(file)
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Source = fileName
		}
		return nil, err
	}
	return mem, nil
}

// filterRecords passes through the record types the decoder understands and
// truncates the input after the first EOF record, appending one if missing.
// Data records must start on an even byte address.
func filterRecords(r io.Reader) (string, error) {
	var out strings.Builder
	scanner := bufio.NewScanner(r)
	lineNum := 0
	var base uint32
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] != ':' || len(line) < 11 {
			return "", fmt.Errorf("line %d: malformed record %q", lineNum, line)
		}
		recordType, err := strconv.ParseUint(line[7:9], 16, 8)
		if err != nil {
			return "", errors.Wrapf(err, "line %d: invalid record type", lineNum)
		}
		switch recordType {
		case recordExtended:
			if len(line) < 13 {
				return "", fmt.Errorf("line %d: short extended address record", lineNum)
			}
			upper, err := strconv.ParseUint(line[9:13], 16, 16)
			if err != nil {
				return "", errors.Wrapf(err, "line %d: invalid extended address", lineNum)
			}
			base = uint32(upper) << 16
			out.WriteString(line)
			out.WriteByte('\n')
		case recordData:
			offset, err := strconv.ParseUint(line[3:7], 16, 16)
			if err != nil {
				return "", errors.Wrapf(err, "line %d: invalid address", lineNum)
			}
			if addr := base + uint32(offset); addr&1 == 1 {
				return "", fmt.Errorf("line %d: data at odd byte address %X", lineNum, addr)
			}
			out.WriteString(line)
			out.WriteByte('\n')
		case recordEOF:
			out.WriteString(line)
			out.WriteByte('\n')
			return out.String(), nil
		default:
			pkgLog.Debugf("ignoring record type %02X on line %d", recordType, lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	out.WriteString(eofLine)
	out.WriteByte('\n')
	return out.String(), nil
}

// WriteHex encodes mem as Intel HEX. Words equal to ErasedWord are omitted
// unless opts.KeepConfig is set and the word lies in the profile's config
// range. Output is in ascending address order, at most 8 words per record,
// with an extended linear address record whenever the upper 16 bits of the
// byte address change, and a single EOF record.
func WriteHex(w io.Writer, mem *Memory, profile DeviceProfile, opts HexOptions) error {
	hex := gohex.NewMemory()

	var (
		runStart uint16
		run      []byte
		next     uint32
	)
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		if err := hex.AddBinary(uint32(runStart)*2, run); err != nil {
			return err
		}
		run = nil
		return nil
	}

	for addr, word := range mem.All() {
		if word == ErasedWord && !(opts.KeepConfig && profile.InConfig(addr)) {
			continue
		}
		if len(run) > 0 && uint32(addr) != next {
			if err := flush(); err != nil {
				return err
			}
		}
		if len(run) == 0 {
			runStart = addr
		}
		run = binary.LittleEndian.AppendUint16(run, word)
		next = uint32(addr) + 1
	}
	if err := flush(); err != nil {
		return err
	}

	return hex.DumpIntelHex(w, hexLineLength)
}

// SaveHexFile writes mem to the named file, see WriteHex.
func SaveHexFile(fileName string, mem *Memory, profile DeviceProfile, opts HexOptions) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	if err := WriteHex(file, mem, profile, opts); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
