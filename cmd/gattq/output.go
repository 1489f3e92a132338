package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// printer writes command output, colored only when w is a terminal.
type printer struct {
	w       io.Writer
	name    *color.Color
	value   *color.Color
	warning *color.Color
	muted   *color.Color
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{
		w:       w,
		name:    color.New(color.FgCyan, color.Bold),
		value:   color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		muted:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.name, p.value, p.warning, p.muted} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// commandPrinter builds the printer of cmd's output stream.
func commandPrinter(cmd *cobra.Command) *printer {
	out := cmd.OutOrStdout()
	noColor, _ := cmd.Flags().GetBool("no-color")
	return newPrinter(out, !noColor && isTerminal(out))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Name(s string) string    { return p.name.Sprint(s) }
func (p *printer) Value(s string) string   { return p.value.Sprint(s) }
func (p *printer) Warning(s string) string { return p.warning.Sprint(s) }
func (p *printer) Muted(s string) string   { return p.muted.Sprint(s) }
