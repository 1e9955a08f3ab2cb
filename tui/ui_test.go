package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, w, h int) (*UI, tcell.SimulationScreen) {
	t.Helper()
	s := tcell.NewSimulationScreen("UTF-8")
	u, err := NewUIWithScreen(s)
	require.NoError(t, err)
	s.SetSize(w, h)
	t.Cleanup(u.Close)
	return u, s
}

func row(s tcell.SimulationScreen, y int) string {
	cells, w, _ := s.GetContents()
	var b strings.Builder
	for x := 0; x < w; x++ {
		c := cells[y*w+x]
		if len(c.Runes) == 0 {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(c.Runes[0])
	}
	return strings.TrimRight(b.String(), " ")
}

func TestLayout(t *testing.T) {
	u, s := newSim(t, 40, 16)

	u.SetTitle("flashinst")
	u.SetSummaryLines([]string{"Target: rootfs"})
	u.SetLegend(Legend())
	u.SetBlockMap([]string{"X██▒░░", "░░░░░░"})
	u.SetPhases([]string{"Erase", "Write"})
	u.SetPhaseDone("erase")
	u.SetStatusLines([]string{"Blocks: 2 / 12"})
	u.LayoutAndDraw()

	assert.Contains(t, row(s, 0), "flashinst")
	assert.Equal(t, "Target: rootfs", row(s, 1))
	assert.Equal(t, "X██▒░░", row(s, 3))
	assert.Equal(t, "░░░░░░", row(s, 4))
	assert.Contains(t, row(s, 5), "Phase")
	assert.Equal(t, "[✓]Erase [ ]Write", row(s, 6))
	assert.Contains(t, row(s, 7), "Status")
	assert.Equal(t, "Blocks: 2 / 12", row(s, 8))

	cells, w, _ := s.GetContents()
	fg, _, _ := cells[3*w].Style.Decompose()
	assert.Equal(t, tcell.ColorRed, fg)
}

func TestMapRows(t *testing.T) {
	u, _ := newSim(t, 40, 20)
	u.SetTitle("x")
	u.SetSummaryLines([]string{"a", "b"})
	assert.Equal(t, 20-3-reserved, u.MapRows())

	u.SetSummaryLines(make([]string, 30))
	assert.Equal(t, 1, u.MapRows())
}

func TestStopKey(t *testing.T) {
	u, s := newSim(t, 20, 10)
	assert.False(t, u.IsStopped())

	s.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	require.Eventually(t, u.IsStopped, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, WaitWithStop(u, time.Minute), ErrInterrupted)

	u.RequestStop()
}

func TestRequestStopAfterClose(t *testing.T) {
	u, _ := newSim(t, 20, 10)
	u.Close()
	assert.NotPanics(t, u.RequestStop)
	assert.True(t, u.IsStopped())
	w, h := u.Size()
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestWaitWithStopTimesOut(t *testing.T) {
	u, _ := newSim(t, 20, 10)
	assert.NoError(t, WaitWithStop(u, 10*time.Millisecond))
}
