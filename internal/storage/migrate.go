package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/localsync/internal/schema"
)

// envelope mirrors schema.Snapshot with optional fields so legacy
// documents can be told apart from current ones.
type envelope struct {
	Version      *int             `json:"version"`
	Records      *[]schema.Record `json:"todos"`
	NextID       *int64           `json:"nextId"`
	LastModified *time.Time       `json:"lastModified"`
}

// Decode parses a persisted document. It accepts three layouts:
//
//   - a bare JSON array of records (oldest legacy form)
//   - an object without "version" (legacy wrapper)
//   - a current versioned snapshot
//
// now stamps LastModified on legacy documents. The result is normalised.
// migrated reports whether the input was a legacy layout.
func Decode(data []byte, now time.Time) (snap schema.Snapshot, migrated bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return schema.Snapshot{}, false, fmt.Errorf("%w: empty document", ErrCorrupted)
	}

	if trimmed[0] == '[' {
		var records []schema.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return schema.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		snap = schema.Snapshot{
			Version:      schema.CurrentVersion,
			Records:      records,
			LastModified: now,
		}
		snap.Normalize()
		return snap, true, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return schema.Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	snap = schema.Snapshot{Version: schema.CurrentVersion, NextID: 1}
	if env.Records != nil {
		snap.Records = *env.Records
	}
	if env.NextID != nil {
		snap.NextID = *env.NextID
	}

	if env.Version == nil {
		snap.LastModified = now
		migrated = true
	} else {
		snap.Version = *env.Version
		if env.LastModified != nil {
			snap.LastModified = *env.LastModified
		}
	}

	snap.Normalize()
	return snap, migrated, nil
}

// Encode renders a snapshot in the current layout.
func Encode(snap schema.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode snapshot: %v", ErrCorrupted, err)
	}
	return data, nil
}
