package schema

import "time"

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

// Snapshot is a complete, self-consistent copy of the record collection
// plus its metadata. Records are kept in insertion order.
type Snapshot struct {
	Version      int       `json:"version"`
	Records      []Record  `json:"todos"`
	NextID       int64     `json:"nextId"`
	LastModified time.Time `json:"lastModified"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot(now time.Time) Snapshot {
	return Snapshot{
		Version:      CurrentVersion,
		Records:      []Record{},
		NextID:       1,
		LastModified: now,
	}
}

// MaxID returns the largest record id, or 0 for an empty snapshot.
func (s Snapshot) MaxID() int64 {
	var max int64
	for _, r := range s.Records {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}

// Normalize enforces the snapshot invariants: Records is non-nil and
// NextID is at least 1 and strictly greater than every id present.
func (s *Snapshot) Normalize() {
	if s.Records == nil {
		s.Records = []Record{}
	}
	if s.NextID < 1 {
		s.NextID = 1
	}
	if max := s.MaxID(); s.NextID <= max {
		s.NextID = max + 1
	}
}

// Find returns the index of the record with the given id, or -1.
func (s Snapshot) Find(id int64) int {
	for i, r := range s.Records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether a record with the given id is present.
func (s Snapshot) Has(id int64) bool {
	return s.Find(id) >= 0
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Records = make([]Record, len(s.Records))
	for i, r := range s.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// Tail returns a copy of s keeping only the last n records in insertion
// order. NextID is preserved so ids are never reused.
func (s Snapshot) Tail(n int) Snapshot {
	out := s.Clone()
	if n < 0 {
		n = 0
	}
	if len(out.Records) > n {
		out.Records = out.Records[len(out.Records)-n:]
	}
	return out
}
