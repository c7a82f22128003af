package query

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"threadmod/api/internal/store"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func comment(id int, thread, status, content string, offset time.Duration) store.Record {
	return store.Record{
		"id":           strconv.Itoa(id),
		"thread_id":    thread,
		"parent_id":    nil,
		"author_name":  "Anonymous",
		"content":      content,
		"status":       status,
		"needs_review": false,
		"created_at":   base.Add(offset),
		"version":      int64(1),
	}
}

func ids(items []store.Record) []string {
	out := make([]string, 0, len(items))
	for _, rec := range items {
		out = append(out, rec.ID())
	}
	return out
}

func mustParse(t *testing.T, raw string) Spec {
	t.Helper()
	params, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery(%q) error = %v", raw, err)
	}
	spec, err := Parse(store.CommentEntity, params)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", raw, err)
	}
	return spec
}

func TestParseRejectsInvalidInput(t *testing.T) {
	cases := []string{
		"email=a@example.com",
		"status[regex]=x",
		"status__between=a",
		"[eq]=x",
		"version=abc",
		"status=spam",
		"version[like]=1",
		"status[gt]=pending",
		"limit=0",
		"limit=-3",
		"limit=101",
		"page=abc",
		"includeTotal=maybe",
		"sort=nope",
		"sort=created_at&order=sideways",
		"sort=created_at&order=asc,desc",
		"only=newest",
		"by=created_at",
		"only=latest&by=nope",
		"created_at[gte]=yesterday",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			params, _ := url.ParseQuery(raw)
			if _, err := Parse(store.CommentEntity, params); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("Parse(%q) error = %v, want ErrValidation", raw, err)
			}
		})
	}
}

func TestParseOperatorSyntaxes(t *testing.T) {
	bracket := mustParse(t, "version[gte]=2")
	dunder := mustParse(t, "version__gte=2")
	if diff := cmp.Diff(bracket.Predicates, dunder.Predicates); diff != "" {
		t.Fatalf("bracket and dunder syntax differ (-bracket +dunder):\n%s", diff)
	}
	want := []Predicate{{Field: "version", Op: OpGte, Values: []any{int64(2)}}}
	if diff := cmp.Diff(want, bracket.Predicates); diff != "" {
		t.Fatalf("predicates mismatch (-want +got):\n%s", diff)
	}
	if bracket.Page != 1 || bracket.Limit != DefaultLimit {
		t.Fatalf("defaults = page %d limit %d", bracket.Page, bracket.Limit)
	}
}

func TestLikeIsCaseInsensitiveSubstring(t *testing.T) {
	items := []store.Record{
		comment(1, "1", "approved", "hello world", 0),
		comment(2, "1", "approved", "goodbye", time.Second),
		comment(3, "1", "approved", "Say HELLO", 2*time.Second),
	}
	got := mustParse(t, "content[like]=hello").Apply(store.CommentEntity, items)
	if diff := cmp.Diff([]string{"1", "3"}, ids(got.Items)); diff != "" {
		t.Fatalf("like mismatch (-want +got):\n%s", diff)
	}
}

func TestOperators(t *testing.T) {
	items := []store.Record{
		comment(1, "1", "pending", "a", 0),
		comment(2, "1", "approved", "b", time.Minute),
		comment(3, "2", "rejected", "c", 2*time.Minute),
		comment(4, "2", "approved", "d", 3*time.Minute),
	}
	items[2]["parent_id"] = "1"

	cases := []struct {
		query string
		want  []string
	}{
		{"status=approved", []string{"2", "4"}},
		{"status[ne]=approved", []string{"1", "3"}},
		{"status[in]=pending,rejected", []string{"1", "3"}},
		{"thread_id=2&status=approved", []string{"4"}},
		{"created_at[gt]=" + url.QueryEscape(base.Add(time.Minute).Format(time.RFC3339)), []string{"3", "4"}},
		{"created_at[lte]=" + url.QueryEscape(base.Add(time.Minute).Format(time.RFC3339)), []string{"1", "2"}},
		{"parent_id=null", []string{"1", "2", "4"}},
		{"parent_id[ne]=null", []string{"3"}},
		{"id[in]=4,1", []string{"1", "4"}},
		{"needs_review=true", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			got := mustParse(t, tc.query).Apply(store.CommentEntity, items)
			if diff := cmp.Diff(tc.want, ids(got.Items)); diff != "" {
				t.Fatalf("Apply(%q) mismatch (-want +got):\n%s", tc.query, diff)
			}
		})
	}
}

func TestFilteredIsSubsetOfUnfiltered(t *testing.T) {
	items := make([]store.Record, 0, 30)
	statuses := []string{"pending", "approved", "rejected", "deleted"}
	for i := 1; i <= 30; i++ {
		items = append(items, comment(i, strconv.Itoa(i%3), statuses[i%4], fmt.Sprintf("msg %d", i), time.Duration(i)*time.Second))
	}
	all := mustParse(t, "limit=100").Apply(store.CommentEntity, items)
	universe := make(map[string]bool, len(all.Items))
	for _, id := range ids(all.Items) {
		universe[id] = true
	}
	for _, q := range []string{"status=approved", "thread_id[in]=0,2", "content[like]=1", "version[gte]=1&status[ne]=deleted"} {
		got := mustParse(t, q+"&limit=100").Apply(store.CommentEntity, items)
		for _, id := range ids(got.Items) {
			if !universe[id] {
				t.Fatalf("%q returned %s outside the unfiltered result", q, id)
			}
		}
	}
}

func TestPaginationWithTotal(t *testing.T) {
	items := make([]store.Record, 0, 25)
	for i := 25; i >= 1; i-- {
		items = append(items, comment(i, "1", "approved", "x", time.Duration(i)*time.Second))
	}
	got := mustParse(t, "page=2&limit=10&includeTotal=true").Apply(store.CommentEntity, items)

	want := make([]string, 0, 10)
	for i := 11; i <= 20; i++ {
		want = append(want, strconv.Itoa(i))
	}
	if diff := cmp.Diff(want, ids(got.Items)); diff != "" {
		t.Fatalf("page 2 mismatch (-want +got):\n%s", diff)
	}
	if got.Total != 25 || got.TotalPages != 3 || !got.HasTotal {
		t.Fatalf("total = %d totalPages = %d hasTotal = %v", got.Total, got.TotalPages, got.HasTotal)
	}

	past := mustParse(t, "page=9&limit=10").Apply(store.CommentEntity, items)
	if len(past.Items) != 0 || past.HasTotal {
		t.Fatalf("page past the end = %v (hasTotal %v)", ids(past.Items), past.HasTotal)
	}

	huge := mustParse(t, "page="+strconv.Itoa(math.MaxInt)+"&limit=10&includeTotal=true").Apply(store.CommentEntity, items)
	if len(huge.Items) != 0 || huge.Page != math.MaxInt || huge.Total != 25 {
		t.Fatalf("page MaxInt = %v (page %d total %d)", ids(huge.Items), huge.Page, huge.Total)
	}
}

func TestSortTieBreaksOnNumericID(t *testing.T) {
	items := []store.Record{
		comment(10, "1", "approved", "x", 0),
		comment(9, "1", "approved", "x", 0),
		comment(2, "1", "approved", "x", time.Second),
	}
	got := mustParse(t, "").Apply(store.CommentEntity, items)
	if diff := cmp.Diff([]string{"9", "10", "2"}, ids(got.Items)); diff != "" {
		t.Fatalf("default order mismatch (-want +got):\n%s", diff)
	}

	got = mustParse(t, "sort=created_at&order=desc").Apply(store.CommentEntity, items)
	if diff := cmp.Diff([]string{"2", "9", "10"}, ids(got.Items)); diff != "" {
		t.Fatalf("desc order mismatch (-want +got):\n%s", diff)
	}

	got = mustParse(t, "sort=status,id&order=asc,desc").Apply(store.CommentEntity, items)
	if diff := cmp.Diff([]string{"10", "9", "2"}, ids(got.Items)); diff != "" {
		t.Fatalf("multi-key order mismatch (-want +got):\n%s", diff)
	}
}

func TestOnlyLatestAndOldest(t *testing.T) {
	items := []store.Record{
		comment(1, "1", "approved", "x", time.Minute),
		comment(2, "1", "approved", "x", 2*time.Minute),
		comment(3, "1", "pending", "x", 2*time.Minute),
		comment(4, "1", "approved", "x", 0),
	}
	cases := []struct {
		query string
		want  []string
	}{
		{"only=latest", []string{"3"}},
		{"only=oldest", []string{"4"}},
		{"only=latest&status=approved", []string{"2"}},
		{"only=latest&by=id", []string{"4"}},
		{"only=oldest&status=rejected", []string{}},
		{"only=latest&limit=50&page=3", []string{"3"}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			got := mustParse(t, tc.query).Apply(store.CommentEntity, items)
			if diff := cmp.Diff(tc.want, ids(got.Items)); diff != "" {
				t.Fatalf("Apply(%q) mismatch (-want +got):\n%s", tc.query, diff)
			}
		})
	}
}

func TestPushdownOnlyEquality(t *testing.T) {
	spec := mustParse(t, "thread_id=7&status=approved&version[gt]=1&content[like]=hi&created_at="+url.QueryEscape(base.Format(time.RFC3339))+"&parent_id=null")
	want := map[string]any{"thread_id": "7", "status": "approved"}
	if diff := cmp.Diff(want, spec.Pushdown(store.CommentEntity)); diff != "" {
		t.Fatalf("pushdown mismatch (-want +got):\n%s", diff)
	}
}

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := mustParse(t, "status=approved&thread_id=1&version[in]=1,2")
	b := mustParse(t, "version[in]=2,1&thread_id=1&status=approved&page=1&limit=10")
	if a.Signature("comment") != b.Signature("comment") {
		t.Fatal("equivalent queries produced different signatures")
	}

	c := mustParse(t, "status=approved&thread_id=1&version[in]=1,2&page=2")
	if a.Signature("comment") == c.Signature("comment") {
		t.Fatal("different pages share a signature")
	}
	if a.Signature("comment") == a.Signature("thread") {
		t.Fatal("different entities share a signature")
	}
	d := mustParse(t, "sort=created_at&order=desc")
	e := mustParse(t, "sort=created_at")
	if d.Signature("comment") == e.Signature("comment") {
		t.Fatal("sort direction ignored by signature")
	}
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},
		{"10", "10", 0},
		{"b", "a", 1},
		{"10", "9x", -1},
	}
	for _, tc := range cases {
		if got := CompareIDs(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareIDs(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
