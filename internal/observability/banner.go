package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func PrintBanner(w io.Writer, name string) {
	banner := `
   _____ __                       _
  / ___// /____  ____ _      __(_)_______
  \__ \/ __/ _ \/ __ \ | /| / / / ___/ _ \
 ___/ / /_/  __/ /_/ / |/ |/ / (__  )  __/
/____/\__/\___/ .___/|__/|__/_/____/\___/
             /_/
`
	tagline := fmt.Sprintf(">> %s: describe it, refine it, run it step by step <<", name)

	width := termWidth()
	color := IsTerminal()
	for _, l := range append(strings.Split(banner, "\n"), tagline, "") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		if color {
			fmt.Fprintf(w, "%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
		} else {
			fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", padding), l)
		}
	}
}

// Exitf prints a highlighted shutdown line.
func Exitf(w io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if IsTerminal() {
		msg = colorNeonMag + msg + colorReset
	}
	fmt.Fprintln(w, msg)
}
