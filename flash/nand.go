package flash

import (
	"fmt"

	"go.uber.org/zap"

	"flashinst/mtd"
)

// nandTarget carries what the bad-block aware path needs.
type nandTarget struct {
	dev mtd.Device
	geo mtd.Geometry
	log *zap.Logger
	obs func(BlockEvent)
}

func (t *nandTarget) write(img Image, c Copier) (Result, error) {
	res := Result{Kind: KindNAND}
	if img.Size == 0 {
		t.log.Debug("empty image, nothing to do", zap.String("image", img.Name))
		return res, nil
	}
	if img.Size < 0 {
		return res, fmt.Errorf("%w: %s has size %d", ErrBadSize, img.Name, img.Size)
	}
	if img.Size > t.geo.Size {
		return res, fmt.Errorf("%w: %s is %d bytes, device has %d", ErrImageTooLarge, img.Name, img.Size, t.geo.Size)
	}

	if err := t.eraseAll(&res); err != nil {
		return res, err
	}

	s := newSession(t, &res)
	defer s.release()

	if err := c.Copy(img.R, img.Size, s.WriteChunk); err != nil {
		res.NextBlock = s.block
		return res, err
	}
	res.NextBlock = s.block
	return res, nil
}

// eraseAll erases every good block of the partition. Blocks that fail to
// erase with an I/O error are retired on the spot.
func (t *nandTarget) eraseAll(res *Result) error {
	blocks := t.geo.Blocks()
	t.log.Debug("erasing partition", zap.Int64("blocks", blocks))
	for b := int64(0); b < blocks; b++ {
		bad, err := t.dev.IsBad(b)
		if err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrBadBlockQuery, b, err)
		}
		if bad {
			t.emit(Bad, b)
			continue
		}
		err = t.dev.Erase(b)
		if err == nil {
			t.emit(Erased, b)
			continue
		}
		if !mtd.IsIOError(err) {
			return fmt.Errorf("%w: block %d: %w", ErrErase, b, err)
		}
		t.log.Warn("erase failed, marking block bad",
			zap.Int64("block", b),
			zap.String("offset", fmt.Sprintf("0x%08x", t.geo.BlockOffset(b))),
			zap.Error(err))
		if err := t.dev.MarkBad(b); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrMarkBad, b, err)
		}
		res.Retired++
		t.emit(MarkedBad, b)
	}
	return nil
}

func (t *nandTarget) emit(ev Event, b int64) {
	if t.obs != nil {
		t.obs(BlockEvent{Event: ev, Block: b})
	}
}

// session buffers incoming chunks into erase-block sized units and commits
// each unit to the next good block.
type session struct {
	t     *nandTarget
	res   *Result
	buf   *Buffer
	block int64
	err   error
}

func newSession(t *nandTarget, res *Result) *session {
	return &session{
		t:   t,
		res: res,
		buf: NewBuffer(int(t.geo.EraseSize), int(t.geo.MinIOSize)),
	}
}

func (s *session) release() { s.buf = nil }

// WriteChunk accepts the next piece of the image. An empty chunk ends the
// stream and flushes whatever is buffered, padded to the minimum I/O size.
// After a failure every further call returns ErrSessionAborted.
func (s *session) WriteChunk(p []byte) error {
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrSessionAborted, s.err)
	}
	if s.buf == nil {
		return ErrSessionAborted
	}
	if len(p) == 0 {
		return s.flush()
	}
	for len(p) > 0 {
		n := s.buf.Append(p)
		p = p[n:]
		s.res.Bytes += int64(n)
		if !s.buf.Full() {
			continue
		}
		if err := s.commit(); err != nil {
			s.err = err
			return err
		}
		s.buf.Reset()
		s.block++
	}
	return nil
}

func (s *session) flush() error {
	if s.buf.Len() == 0 {
		return nil
	}
	s.buf.Pad(int(s.t.geo.MinIOSize), ErasedByte)
	if err := s.commit(); err != nil {
		s.err = err
		return err
	}
	s.buf.Reset()
	return nil
}

// commit programs the buffer into the first good block at or after the
// current position. Blocks that fail to program with an I/O error are
// erased, marked bad and skipped.
func (s *session) commit() error {
	geo := s.t.geo
	log := s.t.log
	blocks := geo.Blocks()

	for {
		for {
			if s.block >= blocks {
				return fmt.Errorf("%w: needed block %d, device has %d", ErrNoSpace, s.block, blocks)
			}
			bad, err := s.t.dev.IsBad(s.block)
			if err != nil {
				log.Error("bad block query failed", zap.Int64("block", s.block), zap.Error(err))
				return fmt.Errorf("%w: block %d: %w", ErrBadBlockQuery, s.block, err)
			}
			if !bad {
				break
			}
			log.Debug("skipping bad block", zap.Int64("block", s.block))
			s.record(Bad)
			s.block++
		}

		// Erased flash already holds 0xFF; programming it is wasted wear.
		if s.buf.Filled(ErasedByte) {
			s.record(SkippedErased)
			return nil
		}

		s.buf.Pad(int(geo.MinIOSize), ErasedByte)
		err := s.t.dev.Write(s.block, 0, s.buf.Bytes())
		if err == nil {
			s.record(Programmed)
			return nil
		}
		if !mtd.IsIOError(err) {
			log.Error("write failed", zap.Int64("block", s.block), zap.Error(err))
			return fmt.Errorf("%w: block %d: %w", ErrWrite, s.block, err)
		}

		off := fmt.Sprintf("0x%08x", geo.BlockOffset(s.block))
		log.Warn("write failed, retiring block", zap.Int64("block", s.block), zap.String("offset", off), zap.Error(err))
		if err := s.t.dev.Erase(s.block); err != nil {
			if !mtd.IsIOError(err) {
				return fmt.Errorf("%w: block %d: %w", ErrErase, s.block, err)
			}
			log.Debug("erase of failed block also failed", zap.Int64("block", s.block), zap.Error(err))
		}
		log.Debug("marking block bad", zap.Int64("block", s.block), zap.String("offset", off))
		if err := s.t.dev.MarkBad(s.block); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrMarkBad, s.block, err)
		}
		s.record(MarkedBad)
		s.block++
	}
}

func (s *session) record(ev Event) {
	switch ev {
	case Programmed:
		s.res.Programmed++
	case SkippedErased:
		s.res.Skipped++
	case Bad:
		s.res.Bad++
	case MarkedBad:
		s.res.Retired++
	}
	s.t.emit(ev, s.block)
}
