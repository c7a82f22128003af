package tree

import (
	"bytes"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"threadmod/api/internal/store"
)

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func c(id, thread string, parent *string, minute int) store.Comment {
	return store.Comment{
		ID:        id,
		ThreadID:  thread,
		ParentID:  parent,
		Content:   "c" + id,
		Status:    store.StatusApproved,
		CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
	}
}

func ref(id string) *string { return &id }

type shape struct {
	ID       string
	Orphaned bool
	Depth    int
	Children []shape
}

// shapeOf renders the tree for comparison; test inputs are shallow.
func shapeOf(t *Tree, ids []int) []shape {
	out := make([]shape, 0, len(ids))
	for _, i := range ids {
		n := t.Nodes[i]
		out = append(out, shape{ID: n.Comment.ID, Orphaned: n.Orphaned, Depth: n.Depth, Children: shapeOf(t, n.Children)})
	}
	return out
}

func TestBuildNestsReplies(t *testing.T) {
	// input order is irrelevant
	comments := []store.Comment{
		c("B", "T", ref("A"), 2),
		c("C", "T", nil, 3),
		c("A", "T", nil, 1),
	}
	tr := Build("T", comments)
	got := shapeOf(tr, tr.Roots)
	want := []shape{
		{ID: "A", Children: []shape{{ID: "B", Depth: 1, Children: []shape{}}}},
		{ID: "C", Children: []shape{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildMarksOrphans(t *testing.T) {
	comments := []store.Comment{
		c("1", "T", nil, 0),
		c("2", "T", ref("missing"), 1),
		c("3", "T", ref("x1"), 2), // parent lives in another thread
		c("x1", "X", nil, 0),
		c("4", "T", ref("4"), 3),
	}
	tr := Build("T", comments)
	got := shapeOf(tr, tr.Roots)
	want := []shape{
		{ID: "1", Children: []shape{}},
		{ID: "2", Orphaned: true, Children: []shape{}},
		{ID: "3", Orphaned: true, Children: []shape{}},
		{ID: "4", Orphaned: true, Children: []shape{}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("orphans mismatch (-want +got):\n%s", diff)
	}
	if tr.Len() != 4 {
		t.Fatalf("Len() = %d, want comments of thread T only", tr.Len())
	}
}

func TestBuildBreaksCycles(t *testing.T) {
	comments := []store.Comment{
		c("1", "T", ref("3"), 0),
		c("2", "T", ref("1"), 1),
		c("3", "T", ref("2"), 2),
		c("4", "T", ref("2"), 3),
	}
	tr := Build("T", comments)
	if len(tr.Roots) != 1 {
		t.Fatalf("roots = %d, want exactly one detached cycle member", len(tr.Roots))
	}
	root := tr.Nodes[tr.Roots[0]]
	if !root.Orphaned {
		t.Fatal("detached cycle member should be marked orphaned")
	}
	if got := len(tr.Flatten()); got != 4 {
		t.Fatalf("Flatten() visited %d nodes, want 4", got)
	}
}

func TestSiblingsTieBreakOnNumericID(t *testing.T) {
	comments := []store.Comment{
		c("10", "T", nil, 0),
		c("9", "T", nil, 0),
		c("2", "T", nil, -1),
	}
	if diff := cmp.Diff([]string{"2", "9", "10"}, Build("T", comments).Flatten()); diff != "" {
		t.Fatalf("root order mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenIsPreOrder(t *testing.T) {
	comments := []store.Comment{
		c("1", "T", nil, 0),
		c("2", "T", ref("1"), 1),
		c("3", "T", ref("2"), 2),
		c("4", "T", ref("1"), 3),
		c("5", "T", nil, 4),
	}
	tr := Build("T", comments)
	if diff := cmp.Diff([]string{"1", "2", "3", "4", "5"}, tr.Flatten()); diff != "" {
		t.Fatalf("Flatten() mismatch (-want +got):\n%s", diff)
	}
	if tr.MaxDepth() != 2 {
		t.Fatalf("MaxDepth() = %d, want 2", tr.MaxDepth())
	}
}

func TestDeepChainDoesNotRecurse(t *testing.T) {
	const depth = 100000
	comments := make([]store.Comment, 0, depth)
	for i := range depth {
		var parent *string
		if i > 0 {
			parent = ref(strconv.Itoa(i - 1))
		}
		comments = append(comments, c(strconv.Itoa(i), "T", parent, i))
	}
	tr := Build("T", comments)
	if tr.MaxDepth() != depth-1 {
		t.Fatalf("MaxDepth() = %d, want %d", tr.MaxDepth(), depth-1)
	}
	flat := tr.Flatten()
	if len(flat) != depth || flat[depth-1] != strconv.Itoa(depth-1) {
		t.Fatalf("Flatten() returned %d ids", len(flat))
	}
	// encoding/json caps nesting when validating Marshaler output, so call
	// the method directly
	data, err := tr.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	if got := bytes.Count(data, []byte(`"replies":[`)); got != depth {
		t.Fatalf("replies arrays = %d, want %d", got, depth)
	}
	if !bytes.HasSuffix(data, []byte("]}")) {
		t.Fatalf("unterminated document: ...%s", data[len(data)-20:])
	}
}

func TestMarshalJSONNestsReplies(t *testing.T) {
	comments := []store.Comment{
		c("1", "T", nil, 0),
		c("2", "T", ref("1"), 1),
		c("3", "T", ref("gone"), 2),
	}
	data, err := json.Marshal(Build("T", comments))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	type jsonNode struct {
		ID       string     `json:"id"`
		ParentID *string    `json:"parent_id"`
		Orphaned bool       `json:"orphaned"`
		Depth    int        `json:"depth"`
		Replies  []jsonNode `json:"replies"`
	}
	var got struct {
		ThreadID string     `json:"thread_id"`
		Count    int        `json:"count"`
		Roots    []jsonNode `json:"roots"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	if got.ThreadID != "T" || got.Count != 3 {
		t.Fatalf("header = %q / %d", got.ThreadID, got.Count)
	}
	want := []jsonNode{
		{ID: "1", Replies: []jsonNode{{ID: "2", ParentID: ref("1"), Depth: 1, Replies: []jsonNode{}}}},
		{ID: "3", ParentID: ref("gone"), Orphaned: true, Replies: []jsonNode{}},
	}
	if diff := cmp.Diff(want, got.Roots); diff != "" {
		t.Fatalf("json mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyTree(t *testing.T) {
	tr := Build("T", nil)
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"thread_id":"T","count":0,"roots":[]}` {
		t.Fatalf("Marshal() = %s", data)
	}
	if len(tr.Flatten()) != 0 {
		t.Fatal("Flatten() of empty tree should be empty")
	}
}
