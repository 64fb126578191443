// Package tree provides parent-linked views over a flat record list.
//
// All walks are iterative and track visited ids, so malformed data with
// parent cycles terminates instead of recursing forever.
package tree

import "github.com/steveyegge/localsync/internal/schema"

// Progress counts completed records among a record's descendants.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent returns completion as 0..100, or 0 when there are no descendants.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// Children returns the direct children of parentID in list order.
func Children(records []schema.Record, parentID int64) []schema.Record {
	var out []schema.Record
	for _, r := range records {
		if r.ParentID != nil && *r.ParentID == parentID {
			out = append(out, r)
		}
	}
	return out
}

// HasChildren reports whether any record names id as its parent.
func HasChildren(records []schema.Record, id int64) bool {
	for _, r := range records {
		if r.ParentID != nil && *r.ParentID == id {
			return true
		}
	}
	return false
}

// Descendants returns every record below id, breadth first.
func Descendants(records []schema.Record, id int64) []schema.Record {
	byParent := indexByParent(records)
	seen := map[int64]bool{id: true}

	var out []schema.Record
	work := []int64{id}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		for _, child := range byParent[cur] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			out = append(out, child)
			work = append(work, child.ID)
		}
	}
	return out
}

// Depth returns the number of ancestors of id. A record whose parent is
// missing is treated as a root. Walking stops at the first repeated id.
func Depth(records []schema.Record, id int64) int {
	byID := indexByID(records)
	seen := map[int64]bool{id: true}

	depth := 0
	cur, ok := byID[id]
	for ok && cur.ParentID != nil {
		pid := *cur.ParentID
		if seen[pid] {
			break
		}
		parent, found := byID[pid]
		if !found {
			break
		}
		seen[pid] = true
		depth++
		cur, ok = parent, true
	}
	return depth
}

// ProgressOf counts completed descendants of id.
func ProgressOf(records []schema.Record, id int64) Progress {
	var p Progress
	for _, d := range Descendants(records, id) {
		p.Total++
		if d.Completed {
			p.Completed++
		}
	}
	return p
}

// Roots returns records with no parent, or whose parent is not present.
func Roots(records []schema.Record) []schema.Record {
	byID := indexByID(records)
	var out []schema.Record
	for _, r := range records {
		if r.ParentID == nil {
			out = append(out, r)
			continue
		}
		if _, ok := byID[*r.ParentID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Node is a record with its resolved children, used for rendering.
type Node struct {
	Record   schema.Record `json:"record"`
	Depth    int           `json:"depth"`
	Progress Progress      `json:"progress"`
	Children []*Node       `json:"children,omitempty"`
}

// Build arranges records into a forest rooted at Roots. Records that are
// only reachable through a cycle are not included.
func Build(records []schema.Record) []*Node {
	byParent := indexByParent(records)
	seen := make(map[int64]bool, len(records))

	type item struct {
		node  *Node
		depth int
	}

	var forest []*Node
	var work []item
	for _, r := range Roots(records) {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		n := &Node{Record: r}
		forest = append(forest, n)
		work = append(work, item{node: n})
	}

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		it.node.Depth = it.depth
		it.node.Progress = ProgressOf(records, it.node.Record.ID)
		for _, child := range byParent[it.node.Record.ID] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			cn := &Node{Record: child}
			it.node.Children = append(it.node.Children, cn)
			work = append(work, item{node: cn, depth: it.depth + 1})
		}
	}
	return forest
}

// Walk visits nodes depth first in child order.
func Walk(forest []*Node, fn func(*Node)) {
	stack := make([]*Node, 0, len(forest))
	for i := len(forest) - 1; i >= 0; i-- {
		stack = append(stack, forest[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

func indexByID(records []schema.Record) map[int64]schema.Record {
	m := make(map[int64]schema.Record, len(records))
	for _, r := range records {
		m[r.ID] = r
	}
	return m
}

func indexByParent(records []schema.Record) map[int64][]schema.Record {
	m := make(map[int64][]schema.Record)
	for _, r := range records {
		if r.ParentID != nil {
			m[*r.ParentID] = append(m[*r.ParentID], r)
		}
	}
	return m
}
