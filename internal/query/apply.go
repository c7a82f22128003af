package query

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"threadmod/api/internal/store"
)

// Pushdown returns the equality predicates the record store can evaluate
// itself. Everything else, including these, is re-checked in memory.
func (s Spec) Pushdown(e *store.Entity) map[string]any {
	equals := make(map[string]any)
	for _, p := range s.Predicates {
		if p.Op != OpEq || len(p.Values) != 1 || p.Values[0] == nil {
			continue
		}
		if _, seen := equals[p.Field]; seen {
			continue
		}
		f, err := e.Field(p.Field)
		if err != nil {
			continue
		}
		switch f.Type {
		case store.FieldString, store.FieldEnum, store.FieldInteger, store.FieldBool:
			equals[p.Field] = p.Values[0]
		}
	}
	return equals
}

// Match reports whether rec satisfies every predicate.
func (s Spec) Match(rec store.Record) bool {
	for _, p := range s.Predicates {
		if !p.Match(rec[p.Field]) {
			return false
		}
	}
	return true
}

func (p Predicate) Match(value any) bool {
	switch p.Op {
	case OpEq:
		return compare(value, p.Values[0]) == 0 && (value == nil) == (p.Values[0] == nil)
	case OpNe:
		return compare(value, p.Values[0]) != 0 || (value == nil) != (p.Values[0] == nil)
	case OpIn:
		for _, want := range p.Values {
			if compare(value, want) == 0 && (value == nil) == (want == nil) {
				return true
			}
		}
		return false
	case OpLike:
		s, ok := value.(string)
		if !ok {
			return false
		}
		needle, _ := p.Values[0].(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	}

	// ordering operators never match a missing value
	if value == nil || p.Values[0] == nil {
		return false
	}
	c := compare(value, p.Values[0])
	switch p.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// SortRecords orders records by the sort keys, falling back to the entity's time
// field, and always breaks ties on id.
func (s Spec) SortRecords(e *store.Entity, items []store.Record) {
	keys := s.Sort
	if len(keys) == 0 && e.TimeField != "" {
		keys = []SortKey{{Field: e.TimeField, Dir: Asc}}
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, k := range keys {
			c := compareField(k.Field, items[i], items[j])
			if c == 0 {
				continue
			}
			if k.Dir == Desc {
				return c > 0
			}
			return c < 0
		}
		return CompareIDs(items[i].ID(), items[j].ID()) < 0
	})
}

// Apply filters, sorts and pages a raw store listing.
func (s Spec) Apply(e *store.Entity, items []store.Record) Result {
	matched := make([]store.Record, 0, len(items))
	for _, rec := range items {
		if s.Match(rec) {
			matched = append(matched, rec)
		}
	}

	if s.Only != "" {
		return s.applyOnly(matched)
	}

	s.SortRecords(e, matched)
	if s.Unpaged {
		return Result{Items: matched, Page: 1, Limit: len(matched), Total: len(matched), TotalPages: 1, HasTotal: true}
	}

	res := Result{Page: s.Page, Limit: s.Limit, Items: []store.Record{}}
	// compare page counts first so a huge page number cannot overflow the offset
	pages := (len(matched) + s.Limit - 1) / s.Limit
	if s.Page-1 < pages {
		offset := (s.Page - 1) * s.Limit
		end := min(offset+s.Limit, len(matched))
		res.Items = matched[offset:end]
	}
	if s.IncludeTotal {
		res.HasTotal = true
		res.Total = len(matched)
		res.TotalPages = pages
	}
	return res
}

func (s Spec) applyOnly(matched []store.Record) Result {
	res := Result{Page: 1, Limit: 1, Items: []store.Record{}}
	var best store.Record
	for _, rec := range matched {
		if best == nil {
			best = rec
			continue
		}
		c := compareField(s.By, rec, best)
		if c == 0 {
			c = CompareIDs(rec.ID(), best.ID())
		}
		if (s.Only == OnlyLatest && c > 0) || (s.Only == OnlyOldest && c < 0) {
			best = rec
		}
	}
	if best != nil {
		res.Items = append(res.Items, best)
	}
	if s.IncludeTotal {
		res.HasTotal = true
		res.Total = len(res.Items)
		res.TotalPages = len(res.Items)
	}
	return res
}

// CompareIDs orders ids numerically when both are integers, else lexically.
func CompareIDs(a, b string) int {
	an, aErr := strconv.ParseInt(a, 10, 64)
	bn, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func compareField(field string, a, b store.Record) int {
	if field == store.FieldID {
		return CompareIDs(a.ID(), b.ID())
	}
	return compare(a[field], b[field])
}

// compare orders canonical values. nil sorts before everything else.
func compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(canonical(a), canonical(b))
}
