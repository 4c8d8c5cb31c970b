package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// messages receives the human-readable progress lines. Machine-readable
// output goes to the command's stdout instead.
var messages io.Writer = os.Stderr

// colorEnabled is false under --no-color or a non-empty NO_COLOR.
func colorEnabled() bool {
	return !noColor && os.Getenv("NO_COLOR") == ""
}

func colorize(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + colorReset
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(messages, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any) { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any) { printLine(colorCyan, "→", format, args...) }

// printStatus writes an indented "label: value" line to messages.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(messages, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printField writes an indented "key = value" line to w.
func printField(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, key), value)
}
