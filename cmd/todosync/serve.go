package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/storage"
	"golang.org/x/sync/errgroup"
)

// authorityNamespace is the storage key of the served snapshot.
const authorityNamespace = "authority"

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run a reference remote authority over HTTP",
	Long: `Run a remote authority that other todosync instances can sync against.

The authority keeps one snapshot in a SQLite database and applies operations
last-writer-wins per record. Replayed operations are recognised by id and
acknowledged without effect.

Endpoints:
  GET  /health      liveness probe
  GET  /snapshot    current snapshot
  POST /operations  apply one operation

Example usage:
  todosync serve                        # listen on :8091
  todosync serve --addr 127.0.0.1:9000  # custom address
  todosync --data-dir /tmp/a add hi     # in another shell, with remote.url set`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		dbPath, _ := cmd.Flags().GetString("db")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("Error: %v\n", err)
		}
		if dbPath == "" {
			dbPath = filepath.Join(cfg.Storage.Dir, "authority.db")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			fatalf("Error: failed to create data directory: %v\n", err)
		}

		logger := log.New(os.Stderr, "[serve] ", log.LstdFlags)

		backend, err := storage.OpenSQLite(dbPath)
		if err != nil {
			fatalf("Error: failed to open authority database: %v\n", err)
		}

		store := storage.New(backend, storage.Options{
			Namespace: authorityNamespace,
			Logger:    log.New(os.Stderr, "[authority] ", log.LstdFlags),
		})
		ledger := remote.NewLedger(remote.LedgerOptions{Store: store, Logger: logger})

		server := &http.Server{
			Addr:              addr,
			Handler:           remote.NewHandler(ledger, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return server.Shutdown(shutdownCtx)
		})

		snap, _ := ledger.Fetch(ctx)
		fmt.Printf("Authority listening on http://%s (%d todos, %s)\n", addr, len(snap.Records), dbPath)
		fmt.Println("\nPress Ctrl+C to stop...")

		err = g.Wait()
		fmt.Println("\nShutting down authority...")
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Error saving authority state: %v\n", closeErr)
		}
		if closeErr := backend.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Error closing authority database: %v\n", closeErr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Authority stopped (%d operations applied)\n", ledger.Applied())
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8091", "address to listen on")
	serveCmd.Flags().String("db", "", "authority database (default: <data-dir>/authority.db)")

	rootCmd.AddCommand(serveCmd)
}
