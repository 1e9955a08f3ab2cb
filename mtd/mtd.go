// Package mtd describes raw flash devices exposed by the kernel as MTD
// character devices and the operations the installer needs from them.
package mtd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"
)

// Type is the flash technology reported by MEMGETINFO.
type Type uint8

// Values match MTD_* in mtd-abi.h.
const (
	Absent    Type = 0
	RAM       Type = 1
	ROM       Type = 2
	NOR       Type = 3
	NAND      Type = 4
	DataFlash Type = 6
	UBIVolume Type = 7
	MLCNAND   Type = 8
)

// IsNAND reports whether the device needs bad-block handling.
func (t Type) IsNAND() bool {
	return t == NAND || t == MLCNAND
}

func (t Type) String() string {
	switch t {
	case Absent:
		return "absent"
	case RAM:
		return "ram"
	case ROM:
		return "rom"
	case NOR:
		return "nor"
	case NAND:
		return "nand"
	case DataFlash:
		return "dataflash"
	case UBIVolume:
		return "ubi"
	case MLCNAND:
		return "mlc-nand"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType is the inverse of Type.String for the values accepted in config files.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nand":
		return NAND, nil
	case "mlc-nand", "mlcnand":
		return MLCNAND, nil
	case "nor":
		return NOR, nil
	case "dataflash":
		return DataFlash, nil
	}
	return Absent, fmt.Errorf("unknown flash type %q", s)
}

// Geometry is the read-only shape of a device.
type Geometry struct {
	Type      Type
	Size      int64
	EraseSize int64
	MinIOSize int64
	OOBSize   int64
}

// Blocks returns the number of erase blocks on the device.
func (g Geometry) Blocks() int64 {
	if g.EraseSize == 0 {
		return 0
	}
	return g.Size / g.EraseSize
}

// BlockOffset returns the byte offset of erase block b.
func (g Geometry) BlockOffset(b int64) int64 {
	return b * g.EraseSize
}

// Validate checks the invariants the write engine relies on.
func (g Geometry) Validate() error {
	if g.EraseSize <= 0 || g.MinIOSize <= 0 {
		return fmt.Errorf("invalid geometry: erase size %d, min io size %d", g.EraseSize, g.MinIOSize)
	}
	if g.EraseSize%g.MinIOSize != 0 {
		return fmt.Errorf("invalid geometry: erase size %d is not a multiple of min io size %d", g.EraseSize, g.MinIOSize)
	}
	if g.Size <= 0 || g.Size%g.EraseSize != 0 {
		return fmt.Errorf("invalid geometry: size %d is not a multiple of erase size %d", g.Size, g.EraseSize)
	}
	return nil
}

// Device is the block-level capability the installer drives.
//
// Block indexes are erase-block numbers. Write programs data at offset
// bytes into the given block; offset and len(data) must be multiples of
// the minimum I/O size. WriteAt is a plain sequential write used for NOR.
type Device interface {
	Geometry() Geometry
	IsBad(block int64) (bool, error)
	MarkBad(block int64) error
	Erase(block int64) error
	Write(block, offset int64, data []byte) error
	io.WriterAt
	io.Closer
}

// Info describes one entry of the system partition table.
type Info struct {
	Index     int
	Name      string
	Size      int64
	EraseSize int64
}

// Provider resolves and opens devices.
type Provider interface {
	Lookup(name string) (int, error)
	Open(index int) (Device, error)
	Devices() ([]Info, error)
}

var (
	// ErrUnsupported is returned when MTD access is not available on this platform.
	ErrUnsupported = errors.New("mtd: not supported on this platform")
	// ErrNotFound is returned when a partition name or index cannot be resolved.
	ErrNotFound = errors.New("mtd: no such device")
)

// IsIOError reports whether err is a recoverable device I/O error, the only
// class of failure the bad-block remediation handles.
func IsIOError(err error) bool {
	return errors.Is(err, syscall.EIO)
}

// ParseDeviceIndex accepts "/dev/mtd3", "mtd3" or "3".
func ParseDeviceIndex(s string) (int, error) {
	name := strings.TrimSpace(s)
	name = strings.TrimPrefix(name, "/dev/")
	name = strings.TrimPrefix(name, "mtd")
	if name == "" {
		return -1, fmt.Errorf("%w: %q", ErrNotFound, s)
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return -1, fmt.Errorf("%w: %q", ErrNotFound, s)
	}
	return n, nil
}

// DevicePath returns the character device path for index under devDir.
func DevicePath(devDir string, index int) string {
	if devDir == "" {
		devDir = "/dev"
	}
	return fmt.Sprintf("%s/mtd%d", strings.TrimRight(devDir, "/"), index)
}
