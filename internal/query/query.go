// Package query turns operator-suffixed request parameters into predicates,
// evaluates them against flat records, and applies ordering and pagination
// on top of whatever listing the record store returns.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"threadmod/api/internal/store"
)

type Operator string

const (
	OpEq   Operator = "eq"
	OpNe   Operator = "ne"
	OpGt   Operator = "gt"
	OpGte  Operator = "gte"
	OpLt   Operator = "lt"
	OpLte  Operator = "lte"
	OpIn   Operator = "in"
	OpLike Operator = "like"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {}, OpIn: {}, OpLike: {},
}

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type Only string

const (
	OnlyLatest Only = "latest"
	OnlyOldest Only = "oldest"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Reserved parameter names that never become predicates.
const (
	ParamPage         = "page"
	ParamLimit        = "limit"
	ParamSort         = "sort"
	ParamOrder        = "order"
	ParamIncludeTotal = "includeTotal"
	ParamOnly         = "only"
	ParamBy           = "by"
)

var reserved = []string{ParamPage, ParamLimit, ParamSort, ParamOrder, ParamIncludeTotal, ParamOnly, ParamBy}

type Predicate struct {
	Field string
	Op    Operator
	// Values holds one canonical value, or the member list for OpIn.
	Values []any
}

type SortKey struct {
	Field string
	Dir   Direction
}

// Spec is a fully validated query against one entity.
type Spec struct {
	Predicates   []Predicate
	Sort         []SortKey
	Page         int
	Limit        int
	IncludeTotal bool
	Only         Only
	By           string
	// Unpaged returns every match; used internally for trees and statistics.
	Unpaged bool
}

// Result is one page of matches.
type Result struct {
	Items      []store.Record
	Page       int
	Limit      int
	Total      int
	TotalPages int
	HasTotal   bool
}

// NewSpec returns an unfiltered spec with default pagination.
func NewSpec() Spec {
	return Spec{Page: 1, Limit: DefaultLimit}
}

// Where appends a predicate whose values are already canonical.
func (s Spec) Where(field string, op Operator, values ...any) Spec {
	s.Predicates = append(slices.Clone(s.Predicates), Predicate{Field: field, Op: op, Values: values})
	return s
}

// Parse validates request parameters against the entity whitelist.
func Parse(e *store.Entity, params url.Values) (Spec, error) {
	spec := NewSpec()

	var err error
	if spec.Page, err = positiveInt(params, ParamPage, 1); err != nil {
		return Spec{}, err
	}
	if spec.Limit, err = positiveInt(params, ParamLimit, DefaultLimit); err != nil {
		return Spec{}, err
	}
	if spec.Limit > MaxLimit {
		return Spec{}, store.Validationf("limit must not exceed %d", MaxLimit)
	}
	if raw := params.Get(ParamIncludeTotal); raw != "" {
		spec.IncludeTotal, err = strconv.ParseBool(raw)
		if err != nil {
			return Spec{}, store.Validationf("includeTotal must be a boolean")
		}
	}
	if spec.Sort, err = parseSort(e, params.Get(ParamSort), params.Get(ParamOrder)); err != nil {
		return Spec{}, err
	}
	if err := parseOnly(e, params, &spec); err != nil {
		return Spec{}, err
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		if !slices.Contains(reserved, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		field, op, err := splitKey(key)
		if err != nil {
			return Spec{}, err
		}
		for _, raw := range params[key] {
			p, err := buildPredicate(e, field, op, raw)
			if err != nil {
				return Spec{}, err
			}
			spec.Predicates = append(spec.Predicates, p)
		}
	}
	return spec, nil
}

// splitKey accepts "field", "field[op]" and "field__op".
func splitKey(key string) (string, Operator, error) {
	field, op := key, OpEq
	if open := strings.IndexByte(key, '['); open >= 0 {
		if !strings.HasSuffix(key, "]") || open == 0 {
			return "", "", store.Validationf("malformed filter key %q", key)
		}
		field, op = key[:open], Operator(key[open+1:len(key)-1])
	} else if idx := strings.LastIndex(key, "__"); idx > 0 {
		field, op = key[:idx], Operator(key[idx+2:])
	}
	if _, ok := operators[op]; !ok {
		return "", "", store.Validationf("unknown operator %q in %q", op, key)
	}
	return field, op, nil
}

func buildPredicate(e *store.Entity, field string, op Operator, raw string) (Predicate, error) {
	f, err := e.Field(field)
	if err != nil {
		return Predicate{}, err
	}
	switch op {
	case OpLike:
		if f.Type != store.FieldString {
			return Predicate{}, store.Validationf("operator like requires a string field, %q is %s", field, f.Type)
		}
		return Predicate{Field: field, Op: op, Values: []any{raw}}, nil
	case OpGt, OpGte, OpLt, OpLte:
		if f.Type == store.FieldEnum || f.Type == store.FieldBool {
			return Predicate{}, store.Validationf("operator %s is not supported on %s field %q", op, f.Type, field)
		}
	case OpIn:
		parts := strings.Split(raw, ",")
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			v, err := e.ParseValue(field, strings.TrimSpace(part))
			if err != nil {
				return Predicate{}, err
			}
			values = append(values, v)
		}
		return Predicate{Field: field, Op: op, Values: values}, nil
	}
	v, err := e.ParseValue(field, raw)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Field: field, Op: op, Values: []any{v}}, nil
}

func parseSort(e *store.Entity, sortParam, orderParam string) ([]SortKey, error) {
	fields := splitList(sortParam)
	dirs := splitList(orderParam)
	if len(dirs) > len(fields) {
		return nil, store.Validationf("order has more entries than sort")
	}
	keys := make([]SortKey, 0, len(fields))
	for i, field := range fields {
		if _, err := e.Field(field); err != nil {
			return nil, err
		}
		dir := Asc
		if i < len(dirs) {
			switch Direction(strings.ToLower(dirs[i])) {
			case Asc:
			case Desc:
				dir = Desc
			default:
				return nil, store.Validationf("invalid sort direction %q", dirs[i])
			}
		}
		keys = append(keys, SortKey{Field: field, Dir: dir})
	}
	return keys, nil
}

func parseOnly(e *store.Entity, params url.Values, spec *Spec) error {
	raw := params.Get(ParamOnly)
	by := params.Get(ParamBy)
	if raw == "" {
		if by != "" {
			return store.Validationf("by requires only=latest|oldest")
		}
		return nil
	}
	switch Only(raw) {
	case OnlyLatest, OnlyOldest:
		spec.Only = Only(raw)
	default:
		return store.Validationf("only must be latest or oldest")
	}
	if by == "" {
		by = e.TimeField
		if by == "" {
			by = store.FieldID
		}
	}
	if _, err := e.Field(by); err != nil {
		return err
	}
	spec.By = by
	return nil
}

func positiveInt(params url.Values, key string, fallback int) (int, error) {
	raw := params.Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, store.Validationf("%s must be a positive integer", key)
	}
	return n, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Signature is the canonical cache key for a spec: predicate order does not
// matter, defaults are filled in, and sort order is kept because it changes
// the result.
func (s Spec) Signature(entity string) string {
	preds := make([]string, 0, len(s.Predicates))
	for _, p := range s.Predicates {
		values := make([]string, 0, len(p.Values))
		for _, v := range p.Values {
			values = append(values, canonical(v))
		}
		if p.Op == OpIn {
			sort.Strings(values)
		}
		preds = append(preds, fmt.Sprintf("%s|%s|%s", p.Field, p.Op, strings.Join(values, ",")))
	}
	sort.Strings(preds)

	keys := make([]string, 0, len(s.Sort))
	for _, k := range s.Sort {
		keys = append(keys, k.Field+":"+string(k.Dir))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "entity=%s;where=%s;sort=%s;", entity, strings.Join(preds, "&"), strings.Join(keys, ","))
	switch {
	case s.Unpaged:
		b.WriteString("unpaged")
	case s.Only != "":
		fmt.Fprintf(&b, "only=%s;by=%s", s.Only, s.By)
	default:
		fmt.Fprintf(&b, "page=%d;limit=%d;total=%t", s.Page, s.Limit, s.IncludeTotal)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		return strconv.Quote(t)
	default:
		return fmt.Sprint(t)
	}
}
