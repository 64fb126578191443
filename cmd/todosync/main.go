package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/localsync/internal/app"
	"github.com/steveyegge/localsync/internal/config"
	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/logging"
)

// Global flag values.
var (
	flagConfigDir string
	flagDataDir   string
	flagFormat    string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Offline-first todo list with background sync",
	Long: `todosync keeps a todo list on local storage and replays every change to a
remote authority when one is reachable.

Changes are always written locally first. Commands that modify the list try
to sync immediately when a remote is configured; if the remote cannot be
reached the change stays queued and is replayed by the next sync or by a
running daemon.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch flagFormat {
		case formatTable, formatJSON, formatYAML:
			return nil
		default:
			return fmt.Errorf("unknown format %q (want table, json or yaml)", flagFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config", "", "directory holding config.yaml (default: the data directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: .todosync)")
	rootCmd.PersistentFlags().StringVarP(&flagFormat, "format", "f", formatTable, "output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "also log to stderr when logging to a file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "todos", Title: "Todo commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves config.yaml and applies the directory flags.
func loadConfig() (*config.Config, error) {
	dir := flagConfigDir
	if dir == "" {
		dir = flagDataDir
	}
	if dir == "" {
		dir = config.Default().Storage.Dir
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.Storage.Dir = flagDataDir
	}
	return cfg, nil
}

// openApp builds an app from the resolved config. Callers must Close it.
// Quiet apps drop log output unless a log file or --verbose is set, so
// one-shot commands only print their result. Overrides run after the
// config file and flags are applied.
func openApp(quiet bool, overrides ...func(*config.Config)) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	var opts []app.Option
	switch {
	case flagVerbose:
		opts = append(opts, app.WithLogger(logging.New(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Verbose:    true,
		})))
	case quiet && cfg.Log.File == "":
		opts = append(opts, app.WithLogger(logging.Discard()))
	}
	return app.New(cfg, opts...)
}

// mustOpenApp is openApp for Run functions.
func mustOpenApp(quiet bool, overrides ...func(*config.Config)) *app.App {
	a, err := openApp(quiet, overrides...)
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	return a
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// closeApp closes a and reports, but does not fail on, shutdown errors.
func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// syncNow drains the queue before a one-shot command exits. A kick that is
// already running makes TriggerSync report busy, so wait for it.
func syncNow(ctx context.Context, a *app.App) error {
	if a.Authority == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*a.Config.Sync.Timeout)
	defer cancel()

	if !a.Monitor.Check(ctx) {
		return engine.ErrOffline
	}
	for {
		out, err := a.Engine.TriggerSync(ctx)
		switch {
		case err != nil:
			return err
		case out == engine.OutcomeOffline:
			return engine.ErrOffline
		case out == engine.OutcomeSynced && a.Queue.Len() == 0:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// syncAfterChange runs syncNow and downgrades failures to a warning: the
// change is already stored locally and stays queued.
func syncAfterChange(ctx context.Context, a *app.App) {
	err := syncNow(ctx, a)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOffline):
		fmt.Fprintf(os.Stderr, "%s Offline: change saved locally and queued\n", renderWarn("!"))
	default:
		fmt.Fprintf(os.Stderr, "%s Change saved locally, sync failed: %v\n", renderWarn("!"), err)
	}
}
