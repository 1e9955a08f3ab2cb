package mtd

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"

	"github.com/spf13/afero"
)

// DefaultProcMTD is where the kernel publishes the partition table.
const DefaultProcMTD = "/proc/mtd"

var procLine = regexp.MustCompile(`^mtd(\d+): ([0-9a-fA-F]+) ([0-9a-fA-F]+) "(.*)"$`)

// ReadTable parses /proc/mtd:
//
//	dev:    size   erasesize  name
//	mtd0: 00080000 00020000 "u-boot"
func ReadTable(fs afero.Fs, path string) ([]Info, error) {
	if path == "" {
		path = DefaultProcMTD
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var infos []Info
	scanner := bufio.NewScanner(f)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		m := procLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		size, err := strconv.ParseInt(m[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad size %q: %w", path, m[2], err)
		}
		esz, err := strconv.ParseInt(m[3], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad erase size %q: %w", path, m[3], err)
		}
		infos = append(infos, Info{Index: idx, Name: m[4], Size: size, EraseSize: esz})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return infos, nil
}

// LookupName returns the index of the partition called name.
func LookupName(infos []Info, name string) (int, error) {
	for _, in := range infos {
		if in.Name == name {
			return in.Index, nil
		}
	}
	return -1, fmt.Errorf("%w: no partition named %q", ErrNotFound, name)
}

// System is the Provider backed by the running kernel.
type System struct {
	Fs      afero.Fs
	ProcMTD string
	DevDir  string
}

// NewSystem returns a provider reading the real /proc/mtd and /dev.
func NewSystem() *System {
	return &System{Fs: afero.NewOsFs(), ProcMTD: DefaultProcMTD, DevDir: "/dev"}
}

func (s *System) Devices() ([]Info, error) {
	return ReadTable(s.Fs, s.ProcMTD)
}

func (s *System) Lookup(name string) (int, error) {
	infos, err := s.Devices()
	if err != nil {
		return -1, err
	}
	return LookupName(infos, name)
}

func (s *System) Open(index int) (Device, error) {
	return Open(DevicePath(s.DevDir, index))
}
