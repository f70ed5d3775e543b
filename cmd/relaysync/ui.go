package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/steveyegge/relaysync/internal/transfer"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("8"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// row renders one "label value" line of a status box.
func row(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// progressPrinter redraws a single progress line on a terminal and prints
// nothing otherwise.
type progressPrinter struct {
	out     io.Writer
	enabled bool
	mu      sync.Mutex
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{out: os.Stderr, enabled: isTerminal(os.Stderr)}
}

func (p *progressPrinter) report(pr transfer.Progress) {
	if !p.enabled {
		return
	}
	verb := "Uploading"
	if pr.Download {
		verb = "Downloading"
	}
	width := 30
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 60 {
		width = min(50, w-40)
	}
	filled := 0
	if pr.Total > 0 {
		filled = pr.Completed * width / pr.Total
	}
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '#'
		} else {
			bar[i] = '.'
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%s [%s] %d/%d chunks", verb, bar, pr.Completed, pr.Total)
	if pr.Completed >= pr.Total {
		fmt.Fprintln(p.out)
	}
}
