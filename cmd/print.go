package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// useColor reports whether w is a terminal. Pipes and files get plain text.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func paint(w io.Writer, color, s string) string {
	if !useColor(w) {
		return s
	}
	return color + s + colorReset
}

func printHeader(w io.Writer, title string) {
	rule := "========================================"
	fmt.Fprintln(w, paint(w, colorBold+colorCyan, rule))
	fmt.Fprintln(w, paint(w, colorBold+colorCyan, "       "+title))
	fmt.Fprintln(w, paint(w, colorBold+colorCyan, rule))
	fmt.Fprintln(w)
}

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, colorGreen, "[OK]"), msg)
}

func printInfo(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, colorBlue, "[INFO]"), msg)
}

func printWarn(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, colorYellow, "[WARN]"), msg)
}

func printError(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, colorRed, "[ERROR]"), msg)
}

func printStep(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", paint(w, colorCyan, ">>>"), msg)
}
