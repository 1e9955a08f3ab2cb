package flash

import (
	"fmt"

	"go.uber.org/zap"

	"flashinst/mtd"
)

type norTarget struct {
	dev mtd.Device
	geo mtd.Geometry
	log *zap.Logger
	obs func(BlockEvent)
}

// write erases the blocks covering [Offset, Offset+Size) and then writes the
// image sequentially starting at Offset. NOR has no bad blocks.
func (t *norTarget) write(img Image, c Copier) (Result, error) {
	res := Result{Kind: KindNOR}
	if img.Offset < 0 || img.Size < 0 || img.Offset+img.Size > t.geo.Size {
		return res, fmt.Errorf("%w: %s needs [%d, %d), device has %d", ErrImageTooLarge, img.Name, img.Offset, img.Offset+img.Size, t.geo.Size)
	}

	es := t.geo.EraseSize
	first := img.Offset / es
	last := (img.Offset + img.Size + es - 1) / es
	t.log.Debug("erasing sectors", zap.Int64("first", first), zap.Int64("last", last-1))
	for b := first; b < last; b++ {
		if err := t.dev.Erase(b); err != nil {
			return res, fmt.Errorf("%w: sector %d: %w", ErrErase, b, err)
		}
		if t.obs != nil {
			t.obs(BlockEvent{Event: Erased, Block: b})
		}
	}

	pos := img.Offset
	err := c.Copy(img.R, img.Size, func(p []byte) error {
		if len(p) == 0 {
			return nil
		}
		n, err := t.dev.WriteAt(p, pos)
		pos += int64(n)
		res.Bytes += int64(n)
		if err != nil {
			return fmt.Errorf("%w: offset %d: %w", ErrWrite, pos, err)
		}
		if t.obs != nil {
			t.obs(BlockEvent{Event: Programmed, Block: (pos - 1) / es})
		}
		return nil
	})
	res.NextBlock = (pos + es - 1) / es
	return res, err
}
