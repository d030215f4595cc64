package picprog

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultFlashWrite is the row size used when no device profile is given.
const DefaultFlashWrite = 32

// DeviceProfile describes the memory layout of a target device. Sizes are in
// words; the config range is inclusive.
type DeviceProfile struct {
	Name        string
	RomSize     uint32
	FlashWrite  uint32
	ConfigStart uint16
	ConfigEnd   uint16
	// HasConfig is false when the profile defines no CONFIG range.
	HasConfig bool
}

// DefaultProfile is sufficient for commands that do not need the memory map.
func DefaultProfile() DeviceProfile {
	return DeviceProfile{Name: "default", FlashWrite: DefaultFlashWrite}
}

// InConfig reports whether addr lies in the configuration range.
func (p DeviceProfile) InConfig(addr uint16) bool {
	return p.HasConfig && addr >= p.ConfigStart && addr <= p.ConfigEnd
}

// InProgram reports whether addr lies in program memory.
func (p DeviceProfile) InProgram(addr uint16) bool {
	return uint32(addr) < p.RomSize
}

// ConfigLen returns the number of words in the configuration range.
func (p DeviceProfile) ConfigLen() int {
	if !p.HasConfig {
		return 0
	}
	return int(p.ConfigEnd) - int(p.ConfigStart) + 1
}

// Validate checks the profile for values the programmer cannot work with.
func (p DeviceProfile) Validate() error {
	if p.FlashWrite == 0 || p.FlashWrite > 0xFFFF {
		return fmt.Errorf("profile %q: invalid FLASH_WRITE %d", p.Name, p.FlashWrite)
	}
	if p.RomSize > 0x10000 {
		return fmt.Errorf("profile %q: ROMSIZE %#x exceeds the 16-bit word address space", p.Name, p.RomSize)
	}
	if p.HasConfig && p.ConfigEnd < p.ConfigStart {
		return fmt.Errorf("profile %q: CONFIG range %04X-%04X is reversed", p.Name, p.ConfigStart, p.ConfigEnd)
	}
	return nil
}

func (p DeviceProfile) String() string {
	if !p.HasConfig {
		return fmt.Sprintf("%s (rom %#x words, row %d words, no config)", p.Name, p.RomSize, p.FlashWrite)
	}
	return fmt.Sprintf("%s (rom %#x words, row %d words, config %04X-%04X)",
		p.Name, p.RomSize, p.FlashWrite, p.ConfigStart, p.ConfigEnd)
}

// LoadProfile parses a device profile file. The file holds one section per
// device, each a flat map of ROMSIZE, FLASH_WRITE and CONFIG:
//
//	PIC16F18446:
//	  ROMSIZE: 0x4000
//	  FLASH_WRITE: 32
//	  CONFIG: 8007 - 800B
//
// If name is empty the file must contain exactly one section.
func LoadProfile(r io.Reader, name string) (DeviceProfile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return DeviceProfile{}, err
	}

	sections := map[string]map[string]string{}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return DeviceProfile{}, errors.Wrap(err, "failed to parse profile")
	}
	if len(sections) == 0 {
		return DeviceProfile{}, errors.New("no device sections found")
	}

	if name == "" {
		if len(sections) > 1 {
			names := make([]string, 0, len(sections))
			for n := range sections {
				names = append(names, n)
			}
			sort.Strings(names)
			return DeviceProfile{}, fmt.Errorf("multiple devices found (%s), select one", strings.Join(names, ", "))
		}
		for n := range sections {
			name = n
		}
	}

	keys, ok := sections[name]
	if !ok {
		return DeviceProfile{}, fmt.Errorf("device %q not found", name)
	}
	return parseProfileSection(name, keys)
}

// LoadProfileFile is LoadProfile on a file.
func LoadProfileFile(path, name string) (DeviceProfile, error) {
	file, err := os.Open(path)
	if err != nil {
		return DeviceProfile{}, err
	}
	defer file.Close()
	return LoadProfile(file, name)
}

func parseProfileSection(name string, keys map[string]string) (DeviceProfile, error) {
	p := DeviceProfile{Name: name, FlashWrite: DefaultFlashWrite}

	if v, ok := keys["ROMSIZE"]; ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return p, errors.Wrapf(err, "device %s: invalid ROMSIZE", name)
		}
		p.RomSize = uint32(n)
	}
	if v, ok := keys["FLASH_WRITE"]; ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return p, errors.Wrapf(err, "device %s: invalid FLASH_WRITE", name)
		}
		p.FlashWrite = uint32(n)
	}
	if v, ok := keys["CONFIG"]; ok && strings.TrimSpace(v) != "" {
		start, end, err := parseConfigRange(v)
		if err != nil {
			return p, errors.Wrapf(err, "device %s: invalid CONFIG", name)
		}
		p.ConfigStart, p.ConfigEnd, p.HasConfig = start, end, true
	}

	return p, p.Validate()
}

func parseConfigRange(s string) (uint16, uint16, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected 'start - end', got %q", s)
	}
	var bounds [2]uint16
	for i, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(strings.TrimPrefix(part, "0x"), "0X")
		n, err := strconv.ParseUint(part, 16, 16)
		if err != nil {
			return 0, 0, err
		}
		bounds[i] = uint16(n)
	}
	return bounds[0], bounds[1], nil
}
