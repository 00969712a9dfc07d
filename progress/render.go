package progress

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/robertmeta/podcaster/model"
)

const (
	barWidth   = 30
	labelWidth = 40
)

var (
	labelStyle = lipgloss.NewStyle().Width(labelWidth).MaxWidth(labelWidth)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// TerminalRenderer redraws every bar in place using ANSI cursor movement.
type TerminalRenderer struct {
	w     io.Writer
	bar   progress.Model
	lines int
}

// NewTerminalRenderer creates a renderer for an interactive terminal.
func NewTerminalRenderer(w io.Writer) *TerminalRenderer {
	return &TerminalRenderer{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
	}
}

// Render implements Renderer.
func (t *TerminalRenderer) Render(bars []BarState, final bool) {
	var sb strings.Builder
	if t.lines > 0 {
		fmt.Fprintf(&sb, "\033[%dA", t.lines)
	}
	for _, b := range bars {
		sb.WriteString("\033[2K")
		sb.WriteString(labelStyle.Render(b.Label))
		sb.WriteString(" ")
		sb.WriteString(t.bar.ViewAs(b.Percent()))
		sb.WriteString(" ")
		sb.WriteString(status(b))
		sb.WriteString("\n")
	}
	t.lines = len(bars)
	if final {
		t.lines = 0
	}
	io.WriteString(t.w, sb.String())
}

// LineRenderer prints one line per indicator once it finishes. It suits logs
// and pipes where cursor movement is meaningless.
type LineRenderer struct {
	w       io.Writer
	printed map[int64]bool
}

// NewLineRenderer creates a renderer for non-interactive output.
func NewLineRenderer(w io.Writer) *LineRenderer {
	return &LineRenderer{w: w, printed: make(map[int64]bool)}
}

// Render implements Renderer.
func (l *LineRenderer) Render(bars []BarState, final bool) {
	for _, b := range bars {
		if !b.Done || l.printed[b.ID] {
			continue
		}
		l.printed[b.ID] = true
		fmt.Fprintf(l.w, "%s %s\n", b.Label, status(b))
	}
}

func status(b BarState) string {
	switch {
	case b.Done && b.Err != nil:
		return errStyle.Render("failed: " + b.Err.Error())
	case b.Done:
		return okStyle.Render("done " + model.HumanSizeString(b.Current))
	case b.Total > 1:
		return model.HumanSizeString(b.Current) + "/" + model.HumanSizeString(b.Total)
	default:
		return model.HumanSizeString(b.Current)
	}
}
