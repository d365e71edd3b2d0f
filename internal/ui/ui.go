// Package ui renders CLI output. Styling is applied only when writing to a
// terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes styled output to one writer.
type Printer struct {
	w     io.Writer
	color bool

	title   lipgloss.Style
	label   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
	added   lipgloss.Style
	removed lipgloss.Style
}

// NewPrinter returns a printer for w, styled when w is a terminal and
// NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	return NewPrinterWithColor(w, IsTerminal(w) && os.Getenv("NO_COLOR") == "")
}

// NewPrinterWithColor returns a printer with styling forced on or off.
func NewPrinterWithColor(w io.Writer, color bool) *Printer {
	p := &Printer{w: w, color: color}
	p.title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	p.label = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	p.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	p.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	p.fail = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	p.muted = lipgloss.NewStyle().Faint(true)
	p.added = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	p.removed = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	return p
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Title prints a heading.
func (p *Printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(p.title, fmt.Sprintf(format, args...)))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(p.ok, "✓ ")+fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(p.warn, "! ")+fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(p.fail, "✗ ")+fmt.Sprintf(format, args...))
}

// Field is one label/value pair of a Fields block.
type Field struct {
	Label string
	Value string
}

// Fields prints aligned label/value pairs, indented by two spaces.
func (p *Printer) Fields(fields []Field) {
	width := 0
	for _, f := range fields {
		if len(f.Label) > width {
			width = len(f.Label)
		}
	}
	for _, f := range fields {
		label := f.Label + ":" + strings.Repeat(" ", width-len(f.Label))
		fmt.Fprintf(p.w, "  %s %s\n", p.render(p.label, label), f.Value)
	}
}

// Muted prints a de-emphasized line.
func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(p.muted, fmt.Sprintf(format, args...)))
}

// Status colors a state word: good states green, bad red, others yellow.
func (p *Printer) Status(word string, good, bad bool) string {
	switch {
	case good:
		return p.render(p.ok, word)
	case bad:
		return p.render(p.fail, word)
	default:
		return p.render(p.warn, word)
	}
}

// DiffLine prints one line of an indented wire diff, colored by the
// operation it names: inserts green, removals red, replacements yellow.
func (p *Printer) DiffLine(line string) {
	switch {
	case strings.Contains(line, `"o": "+"`):
		line = p.render(p.added, line)
	case strings.Contains(line, `"o": "-"`):
		line = p.render(p.removed, line)
	case strings.Contains(line, `"o": "r"`):
		line = p.render(p.warn, line)
	}
	fmt.Fprintln(p.w, line)
}
