package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/modoterra/dicewatch/internal/buildinfo"
	"github.com/modoterra/dicewatch/pkg/config"
)

func main() {
	flags := pflag.NewFlagSet("dicewatchd", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultFile, "path to dicewatch.yaml")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flags.Bool("log-json", false, "log as JSON")
	showVersion := flags.Bool("version", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("dicewatchd %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	logger, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath, flags.Changed("config"), logger)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	logger.Info("starting dicewatchd", "version", buildinfo.Version, "url", cfg.URL, "output", cfg.OutputDir)
	runErr := d.Run(ctx)
	d.Shutdown()
	if runErr != nil {
		logger.Error("daemon error", "err", runErr)
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// loadConfig reads the config file, falling back to defaults when the
// default file is absent, then applies environment overrides and
// validates.
func loadConfig(path string, explicit bool, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		logger.Info("config loaded", "path", cfg.FilePath)
	case !explicit && errors.Is(err, fs.ErrNotExist):
		logger.Info("no config file, using defaults", "path", path)
		cfg = config.Default()
	default:
		return nil, err
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return cfg, nil
}
