package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"flashinst/flash"
	"flashinst/tui"
)

// blockTracker records what happened to every erase block of the target.
// It lives here, not in the UI, which only renders the lines it produces.
type blockTracker struct {
	mu         sync.Mutex
	blocks     uint
	eraseSize  int64
	erased     *bitset.BitSet
	programmed *bitset.BitSet
	skipped    *bitset.BitSet
	bad        *bitset.BitSet
	retired    *bitset.BitSet
	current    int64
	done       int64
	total      int64
	start      time.Time
	op         string
}

func newBlockTracker(blocks, eraseSize int64) *blockTracker {
	n := uint(blocks)
	return &blockTracker{
		blocks:     n,
		eraseSize:  eraseSize,
		erased:     bitset.New(n),
		programmed: bitset.New(n),
		skipped:    bitset.New(n),
		bad:        bitset.New(n),
		retired:    bitset.New(n),
		start:      time.Now(),
		op:         "Resolve target",
	}
}

func (bt *blockTracker) observe(ev flash.BlockEvent) {
	if ev.Block < 0 || uint(ev.Block) >= bt.blocks {
		return
	}
	b := uint(ev.Block)
	bt.mu.Lock()
	defer bt.mu.Unlock()
	switch ev.Event {
	case flash.Erased:
		bt.erased.Set(b)
	case flash.Programmed:
		bt.programmed.Set(b)
	case flash.SkippedErased:
		bt.skipped.Set(b)
	case flash.Bad:
		bt.bad.Set(b)
	case flash.MarkedBad:
		bt.retired.Set(b)
	}
	bt.current = ev.Block
}

func (bt *blockTracker) progress(done, total int64) {
	bt.mu.Lock()
	bt.done, bt.total = done, total
	bt.mu.Unlock()
}

func (bt *blockTracker) setOp(op string) {
	bt.mu.Lock()
	bt.op = op
	bt.mu.Unlock()
}

type blockCounts struct {
	Erased, Programmed, Skipped, Bad, Retired uint
}

func (bt *blockTracker) counts() blockCounts {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return blockCounts{
		Erased:     bt.erased.Count(),
		Programmed: bt.programmed.Count(),
		Skipped:    bt.skipped.Count(),
		Bad:        bt.bad.Union(bt.retired).Count(),
		Retired:    bt.retired.Count(),
	}
}

func (bt *blockTracker) glyph(b uint) rune {
	switch {
	case bt.retired.Test(b):
		return tui.GlyphRetired
	case bt.bad.Test(b):
		return tui.GlyphBad
	case bt.programmed.Test(b):
		return tui.GlyphProgrammed
	case bt.skipped.Test(b):
		return tui.GlyphSkipped
	case bt.erased.Test(b):
		return tui.GlyphErased
	}
	return tui.GlyphPending
}

// mapLines renders one glyph per block into rows of width w, scrolling so
// the current block stays visible.
func (bt *blockTracker) mapLines(w, rows int) []string {
	if w <= 0 || rows <= 0 || bt.blocks == 0 {
		return nil
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	cells := int64(w * rows)
	total := int64(bt.blocks)
	start := int64(0)
	if total > cells {
		if bt.current >= cells-1 {
			start = bt.current - (cells - 1)
		}
		if start+cells > total {
			start = total - cells
		}
	}

	var lines []string
	for r := 0; r < rows; r++ {
		var b strings.Builder
		for c := 0; c < w; c++ {
			abs := start + int64(r*w+c)
			if abs >= total {
				break
			}
			b.WriteRune(bt.glyph(uint(abs)))
		}
		if b.Len() == 0 {
			break
		}
		lines = append(lines, b.String())
	}
	return lines
}

func (bt *blockTracker) statusLines() []string {
	c := bt.counts()
	bt.mu.Lock()
	defer bt.mu.Unlock()

	elapsed := time.Since(bt.start).Truncate(time.Second)
	var rate float64
	if s := time.Since(bt.start).Seconds(); s > 0 {
		rate = float64(bt.done) / s
	}
	eta := "—"
	if rate > 0 && bt.total > 0 {
		eta = time.Duration(float64(bt.total-bt.done) / rate * float64(time.Second)).Truncate(time.Second).String()
	}
	return []string{
		fmt.Sprintf("Block: %06d   Offset: 0x%08x", bt.current, bt.current*bt.eraseSize),
		fmt.Sprintf("Written: %s / %s", human(bt.done), human(bt.total)),
		fmt.Sprintf("Programmed: %d   Skipped: %d   Bad: %d   Retired: %d", c.Programmed, c.Skipped, c.Bad, c.Retired),
		fmt.Sprintf("Elapsed: %s   Rate: %s/s   ETA: %s", elapsed, human(int64(rate)), eta),
		"Current op: " + bt.op,
	}
}

// refresh pushes the tracker state into ui and redraws.
func (bt *blockTracker) refresh(ui *tui.UI) {
	if ui == nil {
		return
	}
	w, _ := ui.Size()
	ui.SetBlockMap(bt.mapLines(w, ui.MapRows()))
	ui.SetStatusLines(bt.statusLines())
	ui.LayoutAndDraw()
}

// stopReader ends the image stream once the user asked to stop. The write
// session then unwinds after the block in flight.
type stopReader struct {
	r    io.Reader
	stop <-chan struct{}
}

func (s stopReader) Read(p []byte) (int, error) {
	select {
	case <-s.stop:
		return 0, tui.ErrInterrupted
	default:
	}
	return s.r.Read(p)
}
