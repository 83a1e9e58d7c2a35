package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// SetupLogger configures the global zerolog logger. The returned closer
// releases the log file when Output is a path.
func SetupLogger(cfg LoggerConfig) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer
		closer io.Closer = io.NopCloser(nil)
		isTTY  bool
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
		isTTY = term.IsTerminal(int(os.Stderr.Fd()))
	case "stdout":
		out = os.Stdout
		isTTY = term.IsTerminal(int(os.Stdout.Fd()))
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    !isTTY,
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}
