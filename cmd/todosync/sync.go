package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/localsync/internal/app"
	"github.com/steveyegge/localsync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay pending changes and reconcile with the remote",
	Long: `Replay every queued change to the remote in order, then fetch the remote
snapshot and reconcile it with the local list.

Exits non-zero when no remote is configured, the remote is unreachable or the
attempt fails. Queued changes are kept on failure.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(true)
		defer closeApp(a)

		if a.Authority == nil {
			fmt.Fprintln(os.Stderr, "Error: no remote configured (set remote.url)")
			closeApp(a)
			os.Exit(1)
		}

		pending := a.Queue.Len()
		start := time.Now()
		if err := syncNow(cmd.Context(), a); err != nil {
			msg := err.Error()
			if errors.Is(err, engine.ErrOffline) {
				msg = "remote unreachable"
			}
			fmt.Fprintf(os.Stderr, "%s Sync failed: %s (%d changes still queued)\n", renderFail("✗"), msg, a.Queue.Len())
			closeApp(a)
			os.Exit(1)
		}
		fmt.Printf("%s Synced %d changes, %d todos (%s)\n",
			renderPass("✓"), pending, len(a.Todos.List()), time.Since(start).Round(time.Millisecond))
	},
}

// statusView is the structured form of the status command.
type statusView struct {
	Remote     string `json:"remote" yaml:"remote"`
	Online     bool   `json:"online" yaml:"online"`
	Pending    int    `json:"pending" yaml:"pending"`
	Todos      int    `json:"todos" yaml:"todos"`
	Completed  int    `json:"completed" yaml:"completed"`
	Backend    string `json:"backend" yaml:"backend"`
	DataDir    string `json:"dataDir" yaml:"data_dir"`
	MemoryOnly bool   `json:"memoryOnly" yaml:"memory_only"`
	Strategy   string `json:"strategy" yaml:"strategy"`
	Storage    string `json:"storageError,omitempty" yaml:"storage_error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, pending changes and storage state",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(true)
		defer closeApp(a)

		v := buildStatus(cmd.Context(), a)
		if ok, err := writeStructured(os.Stdout, v); ok {
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			return
		}

		remote := v.Remote
		conn := renderMuted("offline only")
		if remote != "" {
			conn = renderPass("online")
			if !v.Online {
				conn = renderFail("unreachable")
			}
		} else {
			remote = "-"
		}
		fmt.Printf("%-10s %s (%s)\n", "Remote:", remote, conn)

		pending := fmt.Sprintf("%d", v.Pending)
		if v.Pending > 0 {
			pending = renderWarn(pending)
		}
		fmt.Printf("%-10s %s\n", "Pending:", pending)
		fmt.Printf("%-10s %d (%d done)\n", "Todos:", v.Todos, v.Completed)

		storage := fmt.Sprintf("%s at %s", v.Backend, v.DataDir)
		if v.MemoryOnly {
			storage += " " + renderWarn("(memory only)")
		}
		fmt.Printf("%-10s %s\n", "Storage:", storage)
		fmt.Printf("%-10s %s\n", "Strategy:", v.Strategy)
		if v.Storage != "" {
			fmt.Printf("%-10s %s\n", "Warning:", renderWarn(v.Storage))
		}
	},
}

func buildStatus(ctx context.Context, a *app.App) statusView {
	v := statusView{
		Remote:     a.Config.Remote.URL,
		Pending:    a.Queue.Len(),
		Backend:    a.Config.Storage.Backend,
		DataDir:    a.Config.Storage.Dir,
		MemoryOnly: a.Store.MemoryOnly(),
		Strategy:   a.Config.Sync.Strategy,
	}
	if a.Authority != nil {
		v.Online = a.Monitor.Check(ctx)
	}
	for _, r := range a.Todos.List() {
		v.Todos++
		if r.Completed {
			v.Completed++
		}
	}
	if err := a.Engine.Status().StorageError; err != nil {
		v.Storage, _ = app.StorageMessage(err)
	}
	return v
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}
