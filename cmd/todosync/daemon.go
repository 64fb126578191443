package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/localsync/internal/config"
	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/notify"
	"github.com/steveyegge/localsync/internal/storage"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the background",
	Long: `Run the sync engine until interrupted.

The daemon polls the remote for connectivity, replays queued changes as soon
as the remote is reachable, retries failed attempts with exponential backoff
and reloads the list when another todosync process changes the data directory.

When --feed is set (or feed.addr in config.yaml) a WebSocket status feed is
served:
  ws://<addr>/ws       sync state, records summary and notifications
  http://<addr>/health
  http://<addr>/metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		feed, _ := cmd.Flags().GetString("feed")
		a := mustOpenApp(false, func(cfg *config.Config) {
			if feed != "" {
				cfg.Feed.Addr = feed
			}
		})

		a.Engine.Subscribe(func(st engine.State) {
			switch st.Phase {
			case engine.PhaseSynced:
				a.Logger.Printf("%s synced (%d pending)", renderPass("✓"), len(st.PendingOps))
			case engine.PhaseError:
				a.Logger.Printf("%s sync error: %v", renderFail("✗"), st.SyncError)
			}
		})
		a.Notifier.Subscribe(func(n *notify.Notification) {
			if n != nil {
				a.Logger.Printf("[%s] %s", n.Level, n.Message)
			}
		})

		if err := a.Start(); err != nil {
			closeApp(a)
			fatalf("Error: failed to start: %v\n", err)
		}

		fmt.Printf("Sync daemon started (data: %s, remote: %s)\n", a.Config.Storage.Dir, remoteLabel(a.Config.Remote.URL))
		if a.Feed != nil {
			fmt.Printf("Status feed: ws://%s/ws\n", a.Feed.Addr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := a.Watch(gctx)
			if errors.Is(err, storage.ErrWatchUnsupported) {
				a.Logger.Printf("external change watch unavailable for %s storage", a.Config.Storage.Backend)
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
		err := g.Wait()

		fmt.Println("\nShutting down sync daemon...")
		if closeErr := a.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", closeErr)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().String("feed", "", "serve the status feed on this address (overrides feed.addr)")

	rootCmd.AddCommand(daemonCmd)
}

func remoteLabel(url string) string {
	if url == "" {
		return "none, offline only"
	}
	return url
}
