package cli

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

func timeSinceHuman(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

// stdoutIsTerminal reports whether stdout is an interactive terminal,
// used to decide whether doctor's diagnostic output gets ANSI color.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
