package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/tree"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Strikethrough(true)
)

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// writeStructured encodes v as JSON or YAML. It reports false for the
// table format so the caller renders its own view.
func writeStructured(w io.Writer, v any) (bool, error) {
	switch flagFormat {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// recordView is the structured form of one record. YAML would otherwise
// flatten the embedded Fields using Go field names.
type recordView struct {
	ID             int64    `json:"id" yaml:"id"`
	Text           string   `json:"text" yaml:"text"`
	Completed      bool     `json:"completed" yaml:"completed"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty" yaml:"estimated_hours,omitempty"`
	ParentID       *int64   `json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	CreatedAt      string   `json:"createdAt" yaml:"created_at"`
	UpdatedAt      string   `json:"updatedAt" yaml:"updated_at"`
}

func newRecordView(r schema.Record) recordView {
	return recordView{
		ID:             r.ID,
		Text:           r.Text,
		Completed:      r.Completed,
		EstimatedHours: r.EstimatedHours,
		ParentID:       r.ParentID,
		CreatedAt:      r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:      r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func recordViews(records []schema.Record) []recordView {
	out := make([]recordView, len(records))
	for i, r := range records {
		out[i] = newRecordView(r)
	}
	return out
}

// printRecords writes records in the selected format.
func printRecords(w io.Writer, records []schema.Record) error {
	if ok, err := writeStructured(w, recordViews(records)); ok {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, renderMuted("No todos."))
		return nil
	}

	idW := len("ID")
	for _, r := range records {
		idW = max(idW, len(strconv.FormatInt(r.ID, 10)))
	}
	idCol := lipgloss.NewStyle().Width(idW + 2)
	stateCol := lipgloss.NewStyle().Width(4)
	estCol := lipgloss.NewStyle().Width(8)

	fmt.Fprintln(w, headerStyle.Render(
		idCol.Render("ID")+stateCol.Render("")+estCol.Render("EST")+"TEXT"))
	for _, r := range records {
		fmt.Fprintln(w, idCol.Render(strconv.FormatInt(r.ID, 10))+
			stateCol.Render(checkbox(r.Completed))+
			estCol.Render(formatHours(r.EstimatedHours))+
			renderText(r))
	}
	return nil
}

// printRecord writes a single record.
func printRecord(w io.Writer, r schema.Record) error {
	if ok, err := writeStructured(w, newRecordView(r)); ok {
		return err
	}
	fmt.Fprintf(w, "%s #%d %s\n", checkbox(r.Completed), r.ID, renderText(r))
	return nil
}

type nodeView struct {
	recordView `yaml:",inline"`
	Depth      int         `json:"depth" yaml:"depth"`
	Progress   *progress   `json:"progress,omitempty" yaml:"progress,omitempty"`
	Children   []*nodeView `json:"children,omitempty" yaml:"children,omitempty"`
}

type progress struct {
	Completed int `json:"completed" yaml:"completed"`
	Total     int `json:"total" yaml:"total"`
	Percent   int `json:"percent" yaml:"percent"`
}

func newNodeViews(nodes []*tree.Node) []*nodeView {
	out := make([]*nodeView, 0, len(nodes))
	for _, n := range nodes {
		v := &nodeView{recordView: newRecordView(n.Record), Depth: n.Depth, Children: newNodeViews(n.Children)}
		if n.Progress.Total > 0 {
			v.Progress = &progress{Completed: n.Progress.Completed, Total: n.Progress.Total, Percent: n.Progress.Percent()}
		}
		out = append(out, v)
	}
	return out
}

// printTree writes the record forest with progress for parents.
func printTree(w io.Writer, forest []*tree.Node) error {
	if ok, err := writeStructured(w, newNodeViews(forest)); ok {
		return err
	}
	if len(forest) == 0 {
		fmt.Fprintln(w, renderMuted("No todos."))
		return nil
	}
	tree.Walk(forest, func(n *tree.Node) {
		line := strings.Repeat("  ", n.Depth) + checkbox(n.Record.Completed) + " " + renderText(n.Record) +
			" " + renderMuted(fmt.Sprintf("#%d", n.Record.ID))
		if n.Progress.Total > 0 {
			line += " " + renderAccent(fmt.Sprintf("[%d/%d %d%%]", n.Progress.Completed, n.Progress.Total, n.Progress.Percent()))
		}
		fmt.Fprintln(w, line)
	})
	return nil
}

func checkbox(done bool) string {
	if done {
		return renderPass("[x]")
	}
	return "[ ]"
}

func renderText(r schema.Record) string {
	if r.Completed {
		return doneStyle.Render(r.Text)
	}
	return r.Text
}

func formatHours(h *float64) string {
	if h == nil {
		return "-"
	}
	return strconv.FormatFloat(*h, 'f', -1, 64) + "h"
}
