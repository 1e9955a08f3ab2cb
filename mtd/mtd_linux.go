//go:build linux

package mtd

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// file is an MTD character device driven through mtd-abi ioctls.
type file struct {
	f    *os.File
	path string
	geo  Geometry
}

// Open opens an MTD character device read-write and queries its geometry.
func Open(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	m := &file{f: f, path: path}

	var info unix.MtdInfo
	if err := m.ioctl(unix.MEMGETINFO, unsafe.Pointer(&info)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: MEMGETINFO: %w", path, err)
	}
	m.geo = Geometry{
		Type:      Type(info.Type),
		Size:      int64(info.Size),
		EraseSize: int64(info.Erasesize),
		MinIOSize: int64(info.Writesize),
		OOBSize:   int64(info.Oobsize),
	}
	return m, nil
}

func (m *file) ioctl(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

func (m *file) Geometry() Geometry { return m.geo }

func (m *file) IsBad(block int64) (bool, error) {
	off := m.geo.BlockOffset(block)
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), uintptr(unix.MEMGETBADBLOCK), uintptr(unsafe.Pointer(&off)))
	if errno != 0 {
		return false, fmt.Errorf("%s: MEMGETBADBLOCK block %d: %w", m.path, block, os.NewSyscallError("ioctl", errno))
	}
	return r == 1, nil
}

func (m *file) MarkBad(block int64) error {
	off := m.geo.BlockOffset(block)
	if err := m.ioctl(unix.MEMSETBADBLOCK, unsafe.Pointer(&off)); err != nil {
		return fmt.Errorf("%s: MEMSETBADBLOCK block %d: %w", m.path, block, err)
	}
	return nil
}

func (m *file) Erase(block int64) error {
	ei := unix.EraseInfo64{
		Start:  uint64(m.geo.BlockOffset(block)),
		Length: uint64(m.geo.EraseSize),
	}
	if err := m.ioctl(unix.MEMERASE64, unsafe.Pointer(&ei)); err != nil {
		return fmt.Errorf("%s: MEMERASE64 block %d: %w", m.path, block, err)
	}
	return nil
}

func (m *file) Write(block, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	req := unix.MtdWriteReq{
		Start: uint64(m.geo.BlockOffset(block) + offset),
		Len:   uint64(len(data)),
		Data:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Mode:  unix.MTD_OPS_PLACE_OOB,
	}
	err := m.ioctl(unix.MEMWRITE, unsafe.Pointer(&req))
	runtime.KeepAlive(data)
	if err != nil {
		return fmt.Errorf("%s: MEMWRITE block %d: %w", m.path, block, err)
	}
	return nil
}

func (m *file) WriteAt(p []byte, off int64) (int, error) {
	return m.f.WriteAt(p, off)
}

func (m *file) Close() error {
	return m.f.Close()
}
