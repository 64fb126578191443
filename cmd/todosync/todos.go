package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/steveyegge/localsync/internal/app"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/todos"
)

var addCmd = &cobra.Command{
	Use:     "add <text>...",
	GroupID: "todos",
	Short:   "Add a todo",
	Long: `Add a todo. All arguments are joined into the todo text.

Examples:
  todosync add buy milk
  todosync add --estimate 1.5 --parent 3 write tests`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fields := schema.Fields{Text: strings.Join(args, " ")}
		if cmd.Flags().Changed("estimate") {
			h, _ := cmd.Flags().GetFloat64("estimate")
			fields.EstimatedHours = &h
		}
		if cmd.Flags().Changed("parent") {
			p, _ := cmd.Flags().GetInt64("parent")
			fields.ParentID = &p
		}

		a := mustOpenApp(true)
		defer closeApp(a)

		rec, err := a.Todos.Add(fields)
		if err != nil {
			exitTodoError(a, err)
		}
		syncAfterChange(cmd.Context(), a)
		if err := printRecord(os.Stdout, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	},
}

var toggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	GroupID: "todos",
	Short:   "Flip a todo between open and done",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustParseID(args[0])

		a := mustOpenApp(true)
		defer closeApp(a)

		rec, err := a.Todos.Toggle(id)
		if err != nil {
			exitTodoError(a, err)
		}
		syncAfterChange(cmd.Context(), a)
		if err := printRecord(os.Stdout, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	GroupID: "todos",
	Short:   "Remove a todo",
	Long:    `Remove a todo. Its children are kept and become top-level todos.`,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustParseID(args[0])

		a := mustOpenApp(true)
		defer closeApp(a)

		if err := a.Todos.Remove(id); err != nil {
			exitTodoError(a, err)
		}
		syncAfterChange(cmd.Context(), a)
		if flagFormat == formatTable {
			fmt.Printf("%s Removed #%d\n", renderPass("✓"), id)
		}
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "todos",
	Short:   "Change a todo's text, estimate or parent",
	Long: `Change a todo. Only the flags given are changed.

Examples:
  todosync edit 4 --text "buy oat milk"
  todosync edit 4 --estimate 2
  todosync edit 4 --no-estimate --no-parent`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustParseID(args[0])

		var patch schema.Patch
		flags := cmd.Flags()
		if flags.Changed("text") {
			text, _ := flags.GetString("text")
			patch.Text = &text
		}
		if flags.Changed("estimate") {
			h, _ := flags.GetFloat64("estimate")
			patch.EstimatedHours = &h
		}
		if flags.Changed("parent") {
			p, _ := flags.GetInt64("parent")
			patch.ParentID = &p
		}
		patch.ClearEstimate, _ = flags.GetBool("no-estimate")
		patch.ClearParent, _ = flags.GetBool("no-parent")

		a := mustOpenApp(true)
		defer closeApp(a)

		rec, err := a.Todos.Update(id, patch)
		if err != nil {
			exitTodoError(a, err)
		}
		syncAfterChange(cmd.Context(), a)
		if err := printRecord(os.Stdout, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "todos",
	Short:   "List todos",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(true)
		defer closeApp(a)

		records := a.Todos.List()
		open, _ := cmd.Flags().GetBool("open")
		if open {
			kept := records[:0]
			for _, r := range records {
				if !r.Completed {
					kept = append(kept, r)
				}
			}
			records = kept
		}
		if err := printRecords(os.Stdout, records); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var treeCmd = &cobra.Command{
	Use:     "tree",
	GroupID: "todos",
	Short:   "Show todos as a tree with progress",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(true)
		defer closeApp(a)

		if err := printTree(os.Stdout, a.Todos.Tree()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "todos",
	Short:   "Delete every local todo and pending change",
	Long: `Delete every local todo and discard all pending changes. The remote is
not modified.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			fmt.Fprintln(os.Stderr, "Error: clear deletes all local data; pass --yes to confirm")
			os.Exit(1)
		}

		a := mustOpenApp(true)
		defer closeApp(a)

		if err := a.Todos.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("%s Cleared local data\n", renderPass("✓"))
	},
}

func init() {
	addCmd.Flags().Float64P("estimate", "e", 0, "estimated hours")
	addCmd.Flags().Int64P("parent", "p", 0, "parent todo id")

	editCmd.Flags().StringP("text", "t", "", "new text")
	editCmd.Flags().Float64P("estimate", "e", 0, "estimated hours")
	editCmd.Flags().Int64P("parent", "p", 0, "parent todo id")
	editCmd.Flags().Bool("no-estimate", false, "remove the estimate")
	editCmd.Flags().Bool("no-parent", false, "make the todo top-level")
	editCmd.MarkFlagsMutuallyExclusive("estimate", "no-estimate")
	editCmd.MarkFlagsMutuallyExclusive("parent", "no-parent")

	listCmd.Flags().Bool("open", false, "only show todos that are not done")
	clearCmd.Flags().Bool("yes", false, "confirm deleting all local data")

	rootCmd.AddCommand(addCmd, toggleCmd, rmCmd, editCmd, listCmd, treeCmd, clearCmd)
}

func mustParseID(s string) int64 {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		fatalf("Error: invalid todo id %q\n", s)
	}
	return id
}

// exitTodoError closes a and exits with a message for a failed mutation.
func exitTodoError(a *app.App, err error) {
	_ = a.Close()
	if errors.Is(err, todos.ErrNotFound) || errors.Is(err, todos.ErrInvalid) {
		fatalf("Error: %v\n", err)
	}
	fatalf("Error: failed to save change: %v\n", err)
}
