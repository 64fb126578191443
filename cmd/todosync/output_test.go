package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/tree"
	"gopkg.in/yaml.v3"
)

func withFormat(t *testing.T, format string) {
	t.Helper()
	prev := flagFormat
	flagFormat = format
	t.Cleanup(func() { flagFormat = prev })
}

func sampleRecords() []schema.Record {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	hours := 1.5
	parent := int64(1)
	return []schema.Record{
		{ID: 1, Fields: schema.Fields{Text: "plan"}, CreatedAt: at, UpdatedAt: at},
		{ID: 2, Fields: schema.Fields{Text: "write", EstimatedHours: &hours, ParentID: &parent}, Completed: true, CreatedAt: at, UpdatedAt: at},
	}
}

func TestPrintRecords_JSON(t *testing.T) {
	withFormat(t, formatJSON)

	var buf bytes.Buffer
	if err := printRecords(&buf, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 2 || got[1]["parentId"] != float64(1) || got[1]["estimatedHours"] != 1.5 {
		t.Errorf("records = %v", got)
	}
	if _, ok := got[0]["parentId"]; ok {
		t.Error("root record has parentId")
	}
}

func TestPrintTree_YAML(t *testing.T) {
	withFormat(t, formatYAML)

	var buf bytes.Buffer
	if err := printTree(&buf, tree.Build(sampleRecords())); err != nil {
		t.Fatal(err)
	}
	var got []struct {
		ID       int64 `yaml:"id"`
		Progress struct {
			Completed int `yaml:"completed"`
			Total     int `yaml:"total"`
		} `yaml:"progress"`
		Children []struct {
			Text  string `yaml:"text"`
			Depth int    `yaml:"depth"`
		} `yaml:"children"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("roots = %+v", got)
	}
	if got[0].Progress.Completed != 1 || got[0].Progress.Total != 1 {
		t.Errorf("progress = %+v, want 1/1", got[0].Progress)
	}
	if len(got[0].Children) != 1 || got[0].Children[0].Text != "write" || got[0].Children[0].Depth != 1 {
		t.Errorf("children = %+v", got[0].Children)
	}
}

func TestPrintRecords_Table(t *testing.T) {
	withFormat(t, formatTable)

	var buf bytes.Buffer
	if err := printRecords(&buf, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"ID", "plan", "write", "1.5h"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printRecords(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No todos.") {
		t.Errorf("empty table = %q", buf.String())
	}
}

func TestMustParseID(t *testing.T) {
	for in, want := range map[string]int64{"7": 7, "#12": 12} {
		if got := mustParseID(in); got != want {
			t.Errorf("mustParseID(%q) = %d, want %d", in, got, want)
		}
	}
}
