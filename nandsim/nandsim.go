// Package nandsim emulates an MTD flash device in memory or in a mapped file.
//
// Erased flash reads as 0xFF and programming can only clear bits. The
// bad-block table lives in a bitset and, for file-backed devices, is saved
// next to the image as "<image>.bbt". Faults can be injected per block to
// exercise the installer's recovery paths.
package nandsim

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"

	"flashinst/mtd"
)

var (
	// ErrNeedsErase is returned when a program would have to set a bit.
	ErrNeedsErase = errors.New("nandsim: write requires erase")
	// ErrUnaligned is returned for programs not aligned to the minimum I/O size.
	ErrUnaligned = errors.New("nandsim: unaligned write")
	// ErrBadBlock is returned when a block marked bad is programmed or erased.
	ErrBadBlock = errors.New("nandsim: access to bad block")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("nandsim: device closed")
)

// OpKind identifies an operation in the device log.
type OpKind int

const (
	OpIsBad OpKind = iota
	OpMarkBad
	OpErase
	OpWrite
	OpWriteAt
)

func (k OpKind) String() string {
	switch k {
	case OpIsBad:
		return "is-bad"
	case OpMarkBad:
		return "mark-bad"
	case OpErase:
		return "erase"
	case OpWrite:
		return "write"
	case OpWriteAt:
		return "write-at"
	}
	return "unknown"
}

// Op is one logged device call. Block is the byte offset for OpWriteAt.
type Op struct {
	Kind  OpKind
	Block int64
	Len   int
}

// Options configures a simulated device.
type Options struct {
	Geometry  mtd.Geometry
	BadBlocks []int64
}

type fault struct {
	writes    int
	writeErr  error
	erases    int
	eraseErr  error
	badQuery  bool
	markBadKO bool
}

// Device is a simulated flash chip. It implements mtd.Device.
type Device struct {
	mu sync.Mutex

	geo  mtd.Geometry
	data []byte

	file    *os.File
	mm      mmap.MMap
	bbtPath string

	bad    *bitset.BitSet
	faults map[int64]*fault

	ops      []Op
	programs int
	erases   int
	closed   bool
}

// NewMem returns an erased in-memory device.
func NewMem(opts Options) (*Device, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	d := newDevice(opts)
	d.data = make([]byte, opts.Geometry.Size)
	fill(d.data, 0xFF)
	return d, nil
}

// Create writes a new erased image at path and maps it.
func Create(path string, opts Options) (*Device, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create flash image %q: %w", path, err)
	}
	if err := f.Truncate(opts.Geometry.Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate flash image %q to %d: %w", path, opts.Geometry.Size, err)
	}
	d, err := mapFile(f, path, opts)
	if err != nil {
		return nil, err
	}
	fill(d.data, 0xFF)
	os.Remove(d.bbtPath)
	return d, nil
}

// Open maps an existing image created by Create.
func Open(path string, opts Options) (*Device, error) {
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open flash image %q: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash image %q: %w", path, err)
	}
	if st.Size() != opts.Geometry.Size {
		f.Close()
		return nil, fmt.Errorf("flash image %q is %d bytes, geometry says %d", path, st.Size(), opts.Geometry.Size)
	}
	d, err := mapFile(f, path, opts)
	if err != nil {
		return nil, err
	}
	if err := d.loadBBT(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(opts Options) *Device {
	d := &Device{
		geo:    opts.Geometry,
		bad:    bitset.New(uint(opts.Geometry.Blocks())),
		faults: make(map[int64]*fault),
	}
	for _, b := range opts.BadBlocks {
		if b >= 0 && b < opts.Geometry.Blocks() {
			d.bad.Set(uint(b))
		}
	}
	return d
}

func mapFile(f *os.File, path string, opts Options) (*Device, error) {
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map flash image %q: %w", path, err)
	}
	d := newDevice(opts)
	d.file = f
	d.mm = mm
	d.data = mm
	d.bbtPath = path + ".bbt"
	return d, nil
}

func (d *Device) loadBBT() error {
	b, err := os.ReadFile(d.bbtPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bad block table: %w", err)
	}
	var saved bitset.BitSet
	if err := saved.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("decode bad block table %q: %w", d.bbtPath, err)
	}
	d.bad.InPlaceUnion(&saved)
	return nil
}

func (d *Device) saveBBT() error {
	if d.bbtPath == "" {
		return nil
	}
	b, err := d.bad.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(d.bbtPath, b, 0o644)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func eio(op string, block int64) error {
	return fmt.Errorf("nandsim: %s block %d: %w", op, block, syscall.EIO)
}

func (d *Device) fault(block int64) *fault {
	f, ok := d.faults[block]
	if !ok {
		f = &fault{}
		d.faults[block] = f
	}
	return f
}

func (d *Device) checkBlock(block int64) error {
	if d.closed {
		return ErrClosed
	}
	if block < 0 || block >= d.geo.Blocks() {
		return fmt.Errorf("nandsim: block %d out of range [0, %d): %w", block, d.geo.Blocks(), syscall.EINVAL)
	}
	return nil
}

func (d *Device) Geometry() mtd.Geometry { return d.geo }

func (d *Device) IsBad(block int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: OpIsBad, Block: block})
	if err := d.checkBlock(block); err != nil {
		return false, err
	}
	if f, ok := d.faults[block]; ok && f.badQuery {
		return false, fmt.Errorf("nandsim: bad block query %d: %w", block, syscall.EINVAL)
	}
	return d.bad.Test(uint(block)), nil
}

func (d *Device) MarkBad(block int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: OpMarkBad, Block: block})
	if err := d.checkBlock(block); err != nil {
		return err
	}
	if f, ok := d.faults[block]; ok && f.markBadKO {
		return fmt.Errorf("nandsim: mark bad %d: %w", block, syscall.EROFS)
	}
	d.bad.Set(uint(block))
	return d.saveBBT()
}

func (d *Device) Erase(block int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: OpErase, Block: block})
	if err := d.checkBlock(block); err != nil {
		return err
	}
	if f, ok := d.faults[block]; ok {
		if f.eraseErr != nil {
			return f.eraseErr
		}
		if f.erases > 0 {
			f.erases--
			return eio("erase", block)
		}
	}
	if d.bad.Test(uint(block)) {
		return fmt.Errorf("%w: erase %d", ErrBadBlock, block)
	}
	d.erases++
	off := d.geo.BlockOffset(block)
	fill(d.data[off:off+d.geo.EraseSize], 0xFF)
	return nil
}

func (d *Device) Write(block, offset int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: OpWrite, Block: block, Len: len(data)})
	if err := d.checkBlock(block); err != nil {
		return err
	}
	if offset%d.geo.MinIOSize != 0 || int64(len(data))%d.geo.MinIOSize != 0 || offset+int64(len(data)) > d.geo.EraseSize {
		return fmt.Errorf("%w: block %d offset %d len %d (min io %d)", ErrUnaligned, block, offset, len(data), d.geo.MinIOSize)
	}
	if f, ok := d.faults[block]; ok {
		if f.writeErr != nil {
			return f.writeErr
		}
		if f.writes > 0 {
			f.writes--
			return eio("write", block)
		}
	}
	if d.bad.Test(uint(block)) {
		return fmt.Errorf("%w: write %d", ErrBadBlock, block)
	}
	if err := d.program(d.geo.BlockOffset(block)+offset, data); err != nil {
		return err
	}
	d.programs++
	return nil
}

func (d *Device) program(off int64, p []byte) error {
	dst := d.data[off : off+int64(len(p))]
	for i := range p {
		if dst[i]&p[i] != p[i] {
			return fmt.Errorf("%w at %d", ErrNeedsErase, off+int64(i))
		}
	}
	copy(dst, p)
	return nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: OpWriteAt, Block: off, Len: len(p)})
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > d.geo.Size {
		return 0, fmt.Errorf("nandsim: write at %d len %d beyond %d: %w", off, len(p), d.geo.Size, syscall.ENOSPC)
	}
	if err := d.program(off, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes a file-backed image and releases the mapping.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.mm == nil {
		return nil
	}
	flushErr := d.mm.Flush()
	unmapErr := d.mm.Unmap()
	closeErr := d.file.Close()
	d.data = nil
	return errors.Join(flushErr, unmapErr, closeErr, d.saveBBT())
}

// Fault injection.

// FailWrite makes the next n programs of block fail with EIO.
func (d *Device) FailWrite(block int64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).writes = n
}

// FailWriteWith makes every program of block fail with err.
func (d *Device) FailWriteWith(block int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).writeErr = err
}

// FailErase makes the next n erases of block fail with EIO.
func (d *Device) FailErase(block int64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).erases = n
}

// FailEraseWith makes every erase of block fail with err.
func (d *Device) FailEraseWith(block int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).eraseErr = err
}

// FailBadQuery makes IsBad on block return an error.
func (d *Device) FailBadQuery(block int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).badQuery = true
}

// FailMarkBad makes MarkBad on block return an error.
func (d *Device) FailMarkBad(block int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault(block).markBadKO = true
}

// Inspection.

// Ops returns a copy of the operation log.
func (d *Device) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

// ResetOps clears the operation log and counters.
func (d *Device) ResetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
	d.programs = 0
	d.erases = 0
}

// Programs returns the number of successful page programs.
func (d *Device) Programs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs
}

// Erases returns the number of successful block erases.
func (d *Device) Erases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erases
}

// BadBlocks lists the blocks currently marked bad.
func (d *Device) BadBlocks() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for i, ok := d.bad.NextSet(0); ok; i, ok = d.bad.NextSet(i + 1) {
		out = append(out, int64(i))
	}
	return out
}

// ReadBlock returns a copy of erase block b.
func (d *Device) ReadBlock(b int64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := d.geo.BlockOffset(b)
	return append([]byte(nil), d.data[off:off+d.geo.EraseSize]...)
}

// ReadAt copies device contents into p.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if off >= d.geo.Size {
		return 0, fmt.Errorf("nandsim: read at %d beyond %d: %w", off, d.geo.Size, syscall.EINVAL)
	}
	return copy(p, d.data[off:]), nil
}
