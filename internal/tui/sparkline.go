package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var sparkLevels = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// Sparkline is a one-line scrolling chart scaled to the visible window's
// maximum.
type Sparkline struct {
	Width int
	Label string
	Style lipgloss.Style

	data []float64
}

func NewSparkline(width int, label string, style lipgloss.Style) Sparkline {
	return Sparkline{Width: width, Label: label, Style: style, data: make([]float64, 0, width)}
}

func (s *Sparkline) Push(v float64) {
	if v < 0 {
		v = 0
	}
	s.data = append(s.data, v)
	if len(s.data) > s.Width {
		s.data = s.data[len(s.data)-s.Width:]
	}
}

// Last returns the most recent value, or zero when empty.
func (s Sparkline) Last() float64 {
	if len(s.data) == 0 {
		return 0
	}
	return s.data[len(s.data)-1]
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}
	var max float64
	for _, v := range s.data {
		if v > max {
			max = v
		}
	}

	var graph strings.Builder
	for _, v := range s.data {
		if max == 0 {
			graph.WriteString(sparkLevels[0])
			continue
		}
		idx := int(v / max * float64(len(sparkLevels)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkLevels) {
			idx = len(sparkLevels) - 1
		}
		graph.WriteString(sparkLevels[idx])
	}
	if pad := s.Width - len(s.data); pad > 0 {
		graph.WriteString(strings.Repeat(" ", pad))
	}

	return s.Style.Render(s.Label) + "\n" + s.Style.Render(graph.String())
}
