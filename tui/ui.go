// Package tui draws a full-screen progress view: a title, summary and legend
// lines, a block map, a phase checklist and status lines. It knows nothing
// about what is being tracked; callers hand it ready-made lines.
package tui

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// ErrInterrupted is returned when the user asks to stop.
var ErrInterrupted = errors.New("interrupted")

// reserved is the number of rows kept below the map for phases and status.
const reserved = 7

type UI struct {
	mu       sync.Mutex
	s        tcell.Screen
	stopChan chan struct{}
	once     sync.Once
	restore  bool

	title        string
	phases       []string
	phaseDoneMap map[string]bool
	summaryLines []string
	legendLines  []string
	statusLines  []string
	mapLines     []string
}

// NewUI takes over the terminal.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	u, err := NewUIWithScreen(s)
	if err != nil {
		return nil, err
	}
	u.restore = true
	return u, nil
}

// NewUIWithScreen runs the UI on an existing screen, such as a simulation
// screen in tests.
func NewUIWithScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	u := &UI{
		s:            s,
		stopChan:     make(chan struct{}),
		phaseDoneMap: make(map[string]bool),
	}
	go u.eventLoop()
	return u, nil
}

// Close gives the terminal back.
func (u *UI) Close() {
	u.once.Do(func() { close(u.stopChan) })
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.s.Fini()
	u.s = nil
	if u.restore {
		fmt.Print("\033[?1049l\033[?25h")
	}
}

// RequestStop can be called any number of times.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
		u.mu.Lock()
		if u.s != nil {
			u.s.PostEvent(tcell.NewEventInterrupt(nil))
		}
		u.mu.Unlock()
	})
}

func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Stopped is closed once a stop was requested.
func (u *UI) Stopped() <-chan struct{} { return u.stopChan }

func (u *UI) Size() (width, height int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return 0, 0
	}
	return u.s.Size()
}

// MapRows returns how many rows the block map may use on the current screen.
func (u *UI) MapRows() int {
	_, h := u.Size()
	u.mu.Lock()
	used := len(u.summaryLines) + len(u.legendLines)
	if u.title != "" {
		used++
	}
	u.mu.Unlock()
	if rows := h - used - reserved; rows > 1 {
		return rows
	}
	return 1
}

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		if x+i >= w {
			break
		}
		s.SetContent(x+i, y, r, nil, style)
	}
}

// LayoutAndDraw redraws everything.
func (u *UI) LayoutAndDraw() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	s := u.s
	s.Clear()
	w, h := s.Size()
	plain := tcell.StyleDefault
	y := 0

	if u.title != "" {
		putStr(s, 0, y, strings.Repeat("═", w), plain)
		putStr(s, (w-len([]rune(u.title)))/2, y, u.title, plain.Bold(true))
		y++
	}
	for _, line := range append(append([]string(nil), u.summaryLines...), u.legendLines...) {
		if y >= h {
			break
		}
		putStr(s, 0, y, line, plain)
		y++
	}

	if len(u.mapLines) > 0 {
		rows := h - y - reserved
		if rows < 1 {
			rows = 1
		}
		if rows > len(u.mapLines) {
			rows = len(u.mapLines)
		}
		for i := 0; i < rows && y < h; i++ {
			drawMapLine(s, y, u.mapLines[i])
			y++
		}
	}

	if len(u.phases) > 0 && y < h {
		putStr(s, 0, y, strings.Repeat("─", w), plain)
		putStr(s, 2, y, " Phase ", plain)
		y++
		var b strings.Builder
		for i, p := range u.phases {
			if i > 0 {
				b.WriteByte(' ')
			}
			mark := ' '
			if u.phaseDoneMap[strings.ToLower(p)] {
				mark = '✓'
			}
			fmt.Fprintf(&b, "[%c]%s", mark, p)
		}
		putStr(s, 0, y, b.String(), plain)
		y++
	}

	if len(u.statusLines) > 0 && y < h {
		putStr(s, 0, y, strings.Repeat("─", w), plain)
		putStr(s, 2, y, " Status ", plain)
		y++
		for _, line := range u.statusLines {
			if y >= h {
				break
			}
			putStr(s, 0, y, line, plain)
			y++
		}
	}

	s.Show()
}

// drawMapLine colours the block glyphs so bad blocks stand out.
func drawMapLine(s tcell.Screen, y int, line string) {
	w, _ := s.Size()
	x := 0
	for _, r := range line {
		if x >= w {
			break
		}
		st := tcell.StyleDefault
		switch r {
		case GlyphBad, GlyphRetired:
			st = st.Foreground(tcell.ColorRed)
		case GlyphSkipped:
			st = st.Foreground(tcell.ColorTeal)
		case GlyphProgrammed:
			st = st.Foreground(tcell.ColorGreen)
		}
		s.SetContent(x, y, r, nil, st)
		x++
	}
}

// Map glyphs, one per erase block.
const (
	GlyphProgrammed = '█'
	GlyphSkipped    = '▒'
	GlyphErased     = '·'
	GlyphBad        = 'X'
	GlyphRetired    = '!'
	GlyphPending    = '░'
)

// Legend describes the map glyphs.
func Legend() []string {
	return []string{fmt.Sprintf("%c programmed  %c skipped (erased)  %c erased  %c bad  %c retired  %c pending",
		GlyphProgrammed, GlyphSkipped, GlyphErased, GlyphBad, GlyphRetired, GlyphPending)}
}

func (u *UI) SetPhaseDone(p string) {
	u.mu.Lock()
	u.phaseDoneMap[strings.ToLower(p)] = true
	u.mu.Unlock()
}

func (u *UI) SetPhases(labels []string) {
	u.mu.Lock()
	u.phases = append([]string(nil), labels...)
	u.mu.Unlock()
}

func (u *UI) SetTitle(t string) {
	u.mu.Lock()
	u.title = t
	u.mu.Unlock()
}

func (u *UI) SetSummaryLines(lines []string) {
	u.mu.Lock()
	u.summaryLines = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) SetLegend(lines []string) {
	u.mu.Lock()
	u.legendLines = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) SetStatusLines(lines []string) {
	u.mu.Lock()
	u.statusLines = append([]string(nil), lines...)
	u.mu.Unlock()
}

// SetBlockMap sets the rows of the block map. The UI only renders them.
func (u *UI) SetBlockMap(lines []string) {
	u.mu.Lock()
	u.mapLines = append([]string(nil), lines...)
	u.mu.Unlock()
}

func (u *UI) eventLoop() {
	for {
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case *tcell.EventInterrupt:
			if u.IsStopped() {
				return
			}
		case nil:
			return
		}
	}
}
