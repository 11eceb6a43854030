// Package main implements the streamview server binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/streamview/streamview/internal/app"
	"github.com/streamview/streamview/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds command line overrides. Empty values keep the file and
// environment configuration.
type flags struct {
	configFile string
	httpAddr   string
	grpcAddr   string
	dataDir    string
	logLevel   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "streamview: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("streamview", flag.ContinueOnError)
	var f flags
	fs.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&f.httpAddr, "http", "", "HTTP and WebSocket listen address")
	fs.StringVar(&f.grpcAddr, "grpc", "", "gRPC listen address")
	fs.StringVar(&f.dataDir, "data-dir", "", "Base directory for snapshots and the manifest")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	showVersion := fs.Bool("version", false, "Show version information")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "streamview - streaming tables and live views\n\n")
		fmt.Fprintf(fs.Output(), "Usage: streamview [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nEnvironment variables %s* override the configuration file;\n", config.EnvPrefix)
		fmt.Fprintf(fs.Output(), "flags override both.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *showVersion {
		fmt.Printf("streamview version %s (commit: %s)\n", version, commit)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		return err
	}
	return application.WaitForShutdown(ctx)
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Text output is colored only when w
// is a terminal.
func newLogger(w *os.File, c config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	}
	var out io.Writer = w
	noColor := !isatty.IsTerminal(w.Fd()) && !isatty.IsCygwinTerminal(w.Fd())
	if !noColor {
		out = colorable.NewColorable(w)
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})), nil
}
