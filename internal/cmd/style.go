package cmd

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"clarvis/internal/session"
)

// newOutput returns a styled writer for w. Anything that is not a terminal
// gets plain ASCII.
func newOutput(w io.Writer) *termenv.Output {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return termenv.NewOutput(f)
	}
	return termenv.NewOutput(w, termenv.WithProfile(termenv.Ascii))
}

// terminalWidth returns the column count of w, or 0 when unknown.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func statusLabel(out *termenv.Output, st session.Status) string {
	s := out.String(string(st))
	switch st {
	case session.StatusRunning:
		s = s.Foreground(out.Color("2"))
	case session.StatusWaitingPermission:
		s = s.Foreground(out.Color("3"))
	case session.StatusError:
		s = s.Foreground(out.Color("1"))
	default:
		s = s.Faint()
	}
	return s.String()
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d/time.Hour)) + "h ago"
	default:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d ago"
	}
}
