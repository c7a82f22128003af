// Package tree rebuilds a threaded reply structure from a flat comment list.
// Reply depth is caller-controlled, so nothing here recurses: nodes live in
// an arena and children are referenced by index.
package tree

import (
	"bytes"
	"encoding/json"
	"sort"

	"threadmod/api/internal/query"
	"threadmod/api/internal/store"
)

type Node struct {
	Comment store.Comment
	// Orphaned marks a root whose parent is missing, belongs to another
	// thread, or would close a cycle.
	Orphaned bool
	Depth    int
	Children []int
}

type Tree struct {
	ThreadID string
	Nodes    []Node
	Roots    []int
}

// Build links comments of one thread into a forest. Comments from other
// threads are dropped. Runs in two passes over the input.
func Build(threadID string, comments []store.Comment) *Tree {
	t := &Tree{ThreadID: threadID, Nodes: make([]Node, 0, len(comments))}
	index := make(map[string]int, len(comments))
	for _, c := range comments {
		if c.ThreadID != threadID {
			continue
		}
		if _, dup := index[c.ID]; dup {
			continue
		}
		index[c.ID] = len(t.Nodes)
		t.Nodes = append(t.Nodes, Node{Comment: c})
	}

	parents := make([]int, len(t.Nodes))
	for i := range t.Nodes {
		parents[i] = -1
		pid := t.Nodes[i].Comment.ParentID
		if pid == nil {
			continue
		}
		p, ok := index[*pid]
		if !ok || p == i {
			t.Nodes[i].Orphaned = true
			continue
		}
		parents[i] = p
	}
	breakCycles(t.Nodes, parents)

	for i := range t.Nodes {
		if p := parents[i]; p >= 0 {
			t.Nodes[p].Children = append(t.Nodes[p].Children, i)
		} else {
			t.Roots = append(t.Roots, i)
		}
	}

	t.sortSiblings(t.Roots)
	for i := range t.Nodes {
		t.sortSiblings(t.Nodes[i].Children)
	}
	t.assignDepths()
	return t
}

// breakCycles detaches one member of every parent cycle and marks it as an
// orphan root. Each node is visited a bounded number of times.
func breakCycles(nodes []Node, parents []int) {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make([]int, len(nodes))
	for start := range nodes {
		if state[start] != unvisited {
			continue
		}
		path := []int{}
		cur := start
		for cur >= 0 && state[cur] == unvisited {
			state[cur] = inProgress
			path = append(path, cur)
			cur = parents[cur]
		}
		if cur >= 0 && state[cur] == inProgress {
			// cur is on the current path: the walk closed a loop
			parents[cur] = -1
			nodes[cur].Orphaned = true
		}
		for _, n := range path {
			state[n] = done
		}
	}
}

func (t *Tree) sortSiblings(ids []int) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := t.Nodes[ids[i]].Comment, t.Nodes[ids[j]].Comment
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return query.CompareIDs(a.ID, b.ID) < 0
	})
}

func (t *Tree) assignDepths() {
	stack := make([]int, 0, len(t.Roots))
	for _, r := range t.Roots {
		t.Nodes[r].Depth = 0
		stack = append(stack, r)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range t.Nodes[n].Children {
			t.Nodes[c].Depth = t.Nodes[n].Depth + 1
			stack = append(stack, c)
		}
	}
}

// Flatten returns comment ids in display order: each node, then its
// replies, siblings oldest first.
func (t *Tree) Flatten() []string {
	out := make([]string, 0, len(t.Nodes))
	stack := make([]int, 0, len(t.Roots))
	for i := len(t.Roots) - 1; i >= 0; i-- {
		stack = append(stack, t.Roots[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, t.Nodes[n].Comment.ID)
		children := t.Nodes[n].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out
}

// Len is the number of comments in the tree.
func (t *Tree) Len() int { return len(t.Nodes) }

// MaxDepth is the deepest reply level, 0 for a flat thread.
func (t *Tree) MaxDepth() int {
	deepest := 0
	for _, n := range t.Nodes {
		deepest = max(deepest, n.Depth)
	}
	return deepest
}

type nodeJSON struct {
	store.Comment
	Orphaned bool `json:"orphaned,omitempty"`
	Depth    int  `json:"depth"`
}

// MarshalJSON writes {"thread_id", "count", "roots": [...]} where every
// node carries its replies nested under "replies". Nesting is emitted with
// an explicit stack. json.Marshal rejects documents nested deeper than
// 10000 levels, so deep threads must be written with this method directly.
func (t *Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"thread_id":`)
	id, _ := json.Marshal(t.ThreadID)
	buf.Write(id)
	buf.WriteString(`,"count":`)
	count, _ := json.Marshal(len(t.Nodes))
	buf.Write(count)
	buf.WriteString(`,"roots":`)
	if err := t.writeForest(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// frame tracks progress through one sibling list.
type frame struct {
	siblings []int
	next     int
}

func (t *Tree) writeForest(buf *bytes.Buffer) error {
	buf.WriteByte('[')
	stack := []frame{{siblings: t.Roots}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.siblings) {
			stack = stack[:len(stack)-1]
			buf.WriteByte(']')
			if len(stack) > 0 {
				// close the parent node object
				buf.WriteByte('}')
			}
			continue
		}
		if top.next > 0 {
			buf.WriteByte(',')
		}
		n := &t.Nodes[top.siblings[top.next]]
		top.next++

		obj, err := json.Marshal(nodeJSON{Comment: n.Comment, Orphaned: n.Orphaned, Depth: n.Depth})
		if err != nil {
			return err
		}
		// reopen the object to append the replies array
		buf.Write(obj[:len(obj)-1])
		buf.WriteString(`,"replies":[`)
		stack = append(stack, frame{siblings: n.Children})
	}
	return nil
}
