// Package conflict reconciles a local snapshot with the remote authority's.
//
// Two strategies exist. ResolveSnapshots is whole-snapshot last-writer-wins
// on LastModified. Merge resolves each record independently with
// ResolveRecord and unions the rest.
package conflict

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/localsync/internal/schema"
)

// Winner names the side chosen by ResolveSnapshots.
type Winner int

const (
	Local Winner = iota
	Remote
)

func (w Winner) String() string {
	if w == Remote {
		return "remote"
	}
	return "local"
}

// ResolveSnapshots returns remote only when its LastModified is strictly
// later than local's. Ties keep local.
func ResolveSnapshots(local, remote schema.Snapshot) (schema.Snapshot, Winner) {
	if remote.LastModified.After(local.LastModified) {
		return remote, Remote
	}
	return local, Local
}

// ResolveRecord picks between two versions of the same record. When both
// carry UpdatedAt the strictly later one wins; otherwise the strictly higher
// Version wins. Ties go to remote.
func ResolveRecord(local, remote schema.Record) schema.Record {
	if local.UpdatedAt.IsZero() || remote.UpdatedAt.IsZero() {
		if local.Version > remote.Version {
			return local
		}
		return remote
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}

// Merge combines local and remote record by record. Records present on one
// side only are kept. The result is ordered by id; NextID and LastModified
// take the larger of the two sides. changed reports whether the result
// differs from local.
func Merge(local, remote schema.Snapshot) (merged schema.Snapshot, changed bool) {
	byID := make(map[int64]schema.Record, len(remote.Records)+len(local.Records))
	for _, r := range remote.Records {
		byID[r.ID] = r
	}
	for _, l := range local.Records {
		if r, ok := byID[l.ID]; ok {
			byID[l.ID] = ResolveRecord(l, r)
			continue
		}
		byID[l.ID] = l
	}

	merged = schema.Snapshot{
		Version:      schema.CurrentVersion,
		Records:      make([]schema.Record, 0, len(byID)),
		NextID:       max(local.NextID, remote.NextID),
		LastModified: local.LastModified,
	}
	if remote.LastModified.After(merged.LastModified) {
		merged.LastModified = remote.LastModified
	}
	for _, r := range byID {
		merged.Records = append(merged.Records, r.Clone())
	}
	sort.Slice(merged.Records, func(i, j int) bool {
		return merged.Records[i].ID < merged.Records[j].ID
	})
	merged.Normalize()

	return merged, !sameRecords(local.Records, merged.Records)
}

// sameRecords compares record sets independent of order.
func sameRecords(a, b []schema.Record) bool {
	if len(a) != len(b) {
		return false
	}
	idx := make(map[int64]schema.Record, len(a))
	for _, r := range a {
		idx[r.ID] = r
	}
	for _, r := range b {
		other, ok := idx[r.ID]
		if !ok || !cmp.Equal(r, other) {
			return false
		}
	}
	return true
}
