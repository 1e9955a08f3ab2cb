package nandsim

import (
	"fmt"

	"flashinst/mtd"
)

// Spec names one simulated partition. An empty Path keeps it in memory.
type Spec struct {
	Name    string
	Path    string
	Options Options
}

// Bank exposes a set of simulated partitions as an mtd.Provider. Indexes
// follow the order of the specs, like mtdN numbering.
type Bank struct {
	specs []Spec
	mem   map[int]*Device
}

// NewBank validates specs and creates the in-memory devices up front so
// their contents survive across Open/Close.
func NewBank(specs ...Spec) (*Bank, error) {
	b := &Bank{specs: specs, mem: make(map[int]*Device)}
	for i, s := range specs {
		if err := s.Options.Geometry.Validate(); err != nil {
			return nil, fmt.Errorf("sim device %q: %w", s.Name, err)
		}
		if s.Path != "" {
			continue
		}
		d, err := NewMem(s.Options)
		if err != nil {
			return nil, fmt.Errorf("sim device %q: %w", s.Name, err)
		}
		b.mem[i] = d
	}
	return b, nil
}

// Device returns the in-memory device at index, or nil.
func (b *Bank) Device(index int) *Device {
	return b.mem[index]
}

func (b *Bank) Devices() ([]mtd.Info, error) {
	infos := make([]mtd.Info, 0, len(b.specs))
	for i, s := range b.specs {
		infos = append(infos, mtd.Info{
			Index:     i,
			Name:      s.Name,
			Size:      s.Options.Geometry.Size,
			EraseSize: s.Options.Geometry.EraseSize,
		})
	}
	return infos, nil
}

func (b *Bank) Lookup(name string) (int, error) {
	infos, _ := b.Devices()
	return mtd.LookupName(infos, name)
}

func (b *Bank) Open(index int) (mtd.Device, error) {
	if index < 0 || index >= len(b.specs) {
		return nil, fmt.Errorf("%w: mtd%d", mtd.ErrNotFound, index)
	}
	if d, ok := b.mem[index]; ok {
		return memHandle{d}, nil
	}
	s := b.specs[index]
	return Open(s.Path, s.Options)
}

// memHandle keeps the shared in-memory device alive when a caller closes it.
type memHandle struct {
	*Device
}

func (memHandle) Close() error { return nil }
