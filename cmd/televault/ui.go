package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/and161185/televault/internal/errs"
)

var (
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "1", Dark: "1"}).Bold(true)
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "2"}).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "3"})
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "8", Dark: "8"})
)

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, styleError.Render("✘ "+err.Error()))
	if h := errs.Hint(err); h != "" {
		fmt.Fprintln(w, styleMuted.Render("  hint: "+h))
	}
}

func printOK(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styleSuccess.Render("✔ ")+fmt.Sprintf(format, args...))
}

func printWarn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styleWarning.Render("⚠ "+fmt.Sprintf(format, args...)))
}
