package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "todosync.log")
	l := New(Config{File: path, MaxSizeMB: 1, MaxBackups: 1})
	defer l.Close()

	l.Printf("base line")
	l.For("sync").Printf("Sync completed")

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	out := string(data)
	for _, want := range []string{"base line", "[sync] ", "Sync completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNew_Stderr(t *testing.T) {
	l := New(Config{})
	if l.Writer() != os.Stderr {
		t.Error("empty File should log to stderr")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFor_Prefix(t *testing.T) {
	l := Discard()
	if got := l.For("storage").Prefix(); got != "[storage] " {
		t.Errorf("Prefix() = %q", got)
	}
}
