package terminal

import (
	"sync"

	"github.com/tuzig/vt10x"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// screen wraps a vt10x terminal emulator so detectors see the rendered
// visible content instead of the raw byte stream. Cursor movement, line
// redraws, and ANSI styling are resolved by the emulator, which keeps the
// detection patterns tolerant of partial chunks.
type screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func newScreen(cols, rows int) *screen {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return &screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw PTY output into the emulator.
func (s *screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
}

// Resize updates the emulated terminal dimensions.
func (s *screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// Lines returns the visible content, one string per terminal row. Empty
// cells render as spaces so column positions stay meaningful.
func (s *screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, s.rows)
	for row := 0; row < s.rows; row++ {
		chars := make([]rune, 0, s.cols)
		for col := 0; col < s.cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}
