// Package flash streams images onto raw flash partitions.
//
// NAND partitions are erased up front, then filled one erase block at a
// time. Bad blocks are skipped, blocks that fail to program are retired,
// and blocks whose content would be all 0xFF are left untouched. NOR
// partitions are erased over the image range and written sequentially.
package flash

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"flashinst/mtd"
)

// Kind tells which write path a session took.
type Kind int

const (
	KindNOR Kind = iota
	KindNAND
)

func (k Kind) String() string {
	if k == KindNAND {
		return "nand"
	}
	return "nor"
}

// Event is something that happened to one erase block.
type Event int

const (
	Erased Event = iota
	Programmed
	SkippedErased
	Bad
	MarkedBad
)

func (e Event) String() string {
	switch e {
	case Erased:
		return "erased"
	case Programmed:
		return "programmed"
	case SkippedErased:
		return "skipped"
	case Bad:
		return "bad"
	case MarkedBad:
		return "marked-bad"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type BlockEvent struct {
	Event Event
	Block int64
}

// Image is a payload to write. Size must be exact and not negative; Offset
// only applies to NOR.
type Image struct {
	Name   string
	R      io.Reader
	Size   int64
	Offset int64
}

type Options struct {
	Log       *zap.Logger
	ChunkSize int
	// Observe receives per-block events in the order they happen.
	Observe func(BlockEvent)
	// Progress receives byte counts as the image is consumed.
	Progress func(done, total int64)
}

// Result summarises a finished or aborted write.
type Result struct {
	Kind  Kind
	Bytes int64
	// NAND only.
	Programmed int
	Skipped    int
	Bad        int
	Retired    int
	// NextBlock is the block the next buffer would have gone to.
	NextBlock int64
}

type target interface {
	write(img Image, c Copier) (Result, error)
}

func selectTarget(dev mtd.Device, geo mtd.Geometry, opts Options) target {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if geo.Type.IsNAND() {
		return &nandTarget{dev: dev, geo: geo, log: log.With(zap.String("path", "nand")), obs: opts.Observe}
	}
	return &norTarget{dev: dev, geo: geo, log: log.With(zap.String("path", "nor")), obs: opts.Observe}
}

// Write copies img onto dev, choosing the NAND or NOR path from the device type.
func Write(dev mtd.Device, img Image, opts Options) (Result, error) {
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return Result{}, err
	}
	if img.Size < 0 {
		return Result{}, fmt.Errorf("%w: %s has size %d", ErrBadSize, img.Name, img.Size)
	}
	if img.R == nil && img.Size != 0 {
		return Result{}, fmt.Errorf("image %s: no reader", img.Name)
	}
	t := selectTarget(dev, geo, opts)
	return t.write(img, Copier{ChunkSize: opts.ChunkSize, Progress: opts.Progress})
}
