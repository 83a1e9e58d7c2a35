// Command llm-meter runs the control server and inspects metric records.
//
// Usage:
//
//	llm-meter serve  [-c config.yaml] [-a :8787] [-d]
//	llm-meter check  [-c config.yaml] --model M [--provider P] [--context ID] [--cost USD | --prompt TEXT]
//	llm-meter report FILE [--context ID] [--since DURATION] [--json]
//	llm-meter version
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

var (
	// Version is set at build time with -ldflags "-X main.Version=...".
	Version = "v0.1.0"

	// Colors
	colorGreen  = "\033[38;2;23;128;68m"
	colorYellow = "\033[1;33m"
	colorCyan   = "\033[0;36m"
	colorRed    = "\033[0;31m"
	colorBlue   = "\033[0;34m"
	colorBold   = "\033[1m"
	colorReset  = "\033[0m"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "check":
		return runCheck(args[1:], stdout, stderr)
	case "report":
		return runReport(args[1:], stdout, stderr)
	case "version", "-v", "--version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
		printHelp(stderr)
		return 2
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "llm-meter %s\n", Version)
	fmt.Fprintf(w, "Runtime: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "LLM call metering and control")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: llm-meter COMMAND [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Run the control server")
	fmt.Fprintln(w, "  check      Evaluate one call against the policy")
	fmt.Fprintln(w, "  report     Summarize a JSONL or SQLite metric log")
	fmt.Fprintln(w, "  version    Print version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'llm-meter COMMAND --help' for command options.")
}
