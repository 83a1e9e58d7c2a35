package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/config"
	"github.com/compresr/llm-meter/internal/controlserver"
	"github.com/compresr/llm-meter/internal/meter"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// runServe runs the control server until SIGINT or SIGTERM. SIGHUP reloads
// the policy without dropping spend or throttle windows.
func runServe(args []string, stdout, stderr io.Writer) int {
	var (
		configFlag string
		addrFlag   string
		envFiles   []string
		debugFlag  bool
	)

	for i := 0; i < len(args); {
		switch args[i] {
		case "-h", "--help":
			printServeHelp(stdout)
			return 0
		case "-c", "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "Error: --config requires a value")
				return 2
			}
			configFlag = args[i+1]
			i += 2
		case "-a", "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "Error: --addr requires a value")
				return 2
			}
			addrFlag = args[i+1]
			i += 2
		case "-e", "--env":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "Error: --env requires a value")
				return 2
			}
			envFiles = append(envFiles, args[i+1])
			i += 2
		case "-d", "--debug":
			debugFlag = true
			i++
		default:
			fmt.Fprintf(stderr, "Error: unknown option: %s\n", args[i])
			return 2
		}
	}

	config.LoadEnvFiles(envFiles...)
	cfg, err := loadConfig(configFlag)
	if err != nil {
		printError(stderr, err.Error())
		return 1
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if debugFlag {
		cfg.Logging.Level = "debug"
	}
	if cfg.Control.Mode != config.ControlLocal {
		printError(stderr, fmt.Sprintf("serve requires control.mode %q, got %q", config.ControlLocal, cfg.Control.Mode))
		return 1
	}

	logCloser, err := monitoring.SetupLogger(cfg.Logging)
	if err != nil {
		printError(stderr, err.Error())
		return 1
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := meter.Setup(ctx, cfg)
	if err != nil {
		printError(stderr, err.Error())
		return 1
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("runtime close failed")
		}
	}()

	srv, err := controlserver.New(cfg.Server, rt)
	if err != nil {
		printError(stderr, err.Error())
		return 1
	}
	controlserver.Version = Version

	go reloadOnHangup(ctx, cfg, rt)

	printHeader(stdout, "llm-meter control server")
	printInfo(stdout, "listening on "+cfg.Server.Addr)
	printInfo(stdout, fmt.Sprintf("store: %s, fail mode: %s", cfg.Store.Backend, cfg.Control.Client.FailMode))
	if cfg.Server.APIKey == "" {
		printWarn(stdout, "server.api_key is not set; /v1 routes are unauthenticated")
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		printError(stderr, err.Error())
		return 1
	}
	printSuccess(stdout, "stopped")
	return 0
}

// reloadOnHangup re-reads the policy on SIGHUP. A policy that fails to
// load leaves the active one in place.
func reloadOnHangup(ctx context.Context, cfg *config.Config, rt *meter.Runtime) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			policy, err := cfg.LoadPolicy()
			if err != nil {
				log.Error().Err(err).Msg("policy reload failed, keeping active policy")
				continue
			}
			rt.Evaluator.SetPolicy(policy)
			log.Info().Msg("policy reloaded")
		}
	}
}

// loadConfig loads path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printServeHelp(w io.Writer) {
	fmt.Fprintln(w, "Run the control server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: llm-meter serve [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -c, --config FILE    Config file (default: built-in defaults)")
	fmt.Fprintln(w, "  -a, --addr ADDR      Listen address (overrides server.addr)")
	fmt.Fprintln(w, "  -e, --env FILE       Load environment from FILE (repeatable, default .env)")
	fmt.Fprintln(w, "  -d, --debug          Enable debug logging")
	fmt.Fprintln(w, "  -h, --help           Show this help")
}
