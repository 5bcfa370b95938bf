// Package ui styles command line output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Color palette
var (
	Green = lipgloss.Color("10") // success, active
	Red   = lipgloss.Color("9")  // error, missing
	Grey  = lipgloss.Color("8")  // muted text
	Blue  = lipgloss.Color("4")  // roles
	White = lipgloss.Color("15") // header text
)

// Status indicators
const (
	ActiveIcon   = "●"
	InactiveIcon = " "
	SuccessIcon  = "✓"
	FailIcon     = "✗"
)

// Styles are text styles bound to one output.
type Styles struct {
	renderer *lipgloss.Renderer

	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Role    lipgloss.Style
	Active  lipgloss.Style
}

// NewStyles creates styles for w. Colour is used only when w is a terminal
// and NO_COLOR / IOAI_COLOR do not turn it off.
func NewStyles(w io.Writer) *Styles {
	r := lipgloss.NewRenderer(w)
	if !ColorEnabled(w) {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Styles{
		renderer: r,
		Title:    r.NewStyle().Bold(true).Foreground(White),
		Success:  r.NewStyle().Foreground(Green),
		Error:    r.NewStyle().Foreground(Red),
		Muted:    r.NewStyle().Foreground(Grey),
		Role:     r.NewStyle().Bold(true).Foreground(Blue),
		Active:   r.NewStyle().Bold(true).Foreground(Green),
	}
}

// Colored reports whether these styles emit escape codes.
func (s *Styles) Colored() bool {
	return s.renderer.ColorProfile() != termenv.Ascii
}

// ColorEnabled reports whether w should receive ANSI colour.
func ColorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if !ParseBoolDefault(os.Getenv("IOAI_COLOR"), true) {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}
