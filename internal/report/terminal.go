package report

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// palette holds the colours of the console report. A disabled palette
// prints plain text.
type palette struct {
	title   *color.Color
	label   *color.Color
	value   *color.Color
	dim     *color.Color
	success *color.Color
	warn    *color.Color
	failure *color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		title:   color.New(color.FgCyan, color.Bold),
		label:   color.New(color.Bold),
		value:   color.New(color.FgCyan),
		dim:     color.New(color.Faint),
		success: color.New(color.FgGreen, color.Bold),
		warn:    color.New(color.FgYellow, color.Bold),
		failure: color.New(color.FgRed, color.Bold),
	}
	for _, c := range []*color.Color{p.title, p.label, p.value, p.dim, p.success, p.warn, p.failure} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// supportsColors checks the environment for colour opt-outs.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}
