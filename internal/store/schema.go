package store

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

type FieldType int

const (
	FieldString FieldType = iota + 1
	FieldInteger
	FieldEnum
	FieldTimestamp
	FieldBool
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInteger:
		return "integer"
	case FieldEnum:
		return "enum"
	case FieldTimestamp:
		return "timestamp"
	case FieldBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Field is one whitelisted attribute of an entity.
type Field struct {
	Name     string
	Type     FieldType
	Enum     []string
	Nullable bool
	// ReadOnly fields are assigned by the adapter and rejected in caller input.
	ReadOnly bool
	MaxLen   int
}

// Record is a flat field map. Inside the process values are canonical:
// string, int64, bool, time.Time or nil. Backends see the wire form produced
// by Entity.Encode where timestamps are RFC 3339 strings.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

func (r Record) Version() int64 {
	v, _ := r[FieldVersion].(int64)
	return v
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldCreatedAt = "created_at"
)

// Entity declares a collection and its field whitelist.
type Entity struct {
	Name       string
	Collection string
	// TimeField is the default ordering field for sorting and only=latest.
	TimeField string
	// Scope names the owning field; creation timestamps strictly increase
	// among records sharing its value.
	Scope  string
	fields map[string]Field
	order  []string
}

func NewEntity(name, collection, timeField string, fields ...Field) *Entity {
	e := &Entity{
		Name:       name,
		Collection: collection,
		TimeField:  timeField,
		fields:     make(map[string]Field, len(fields)+3),
	}
	base := []Field{
		{Name: FieldID, Type: FieldString, ReadOnly: true},
		{Name: FieldVersion, Type: FieldInteger, ReadOnly: true},
		{Name: FieldCreatedAt, Type: FieldTimestamp, ReadOnly: true},
	}
	for _, f := range append(base, fields...) {
		e.fields[f.Name] = f
		e.order = append(e.order, f.Name)
	}
	return e
}

// WithScope sets Scope and returns e.
func (e *Entity) WithScope(field string) *Entity {
	e.Scope = field
	return e
}

func (e *Entity) Field(name string) (Field, error) {
	f, ok := e.fields[name]
	if !ok {
		return Field{}, Validationf("unknown field %q for %s", name, e.Name)
	}
	return f, nil
}

func (e *Entity) FieldNames() []string {
	return slices.Clone(e.order)
}

// Coerce converts caller-supplied input to the canonical type of the field.
func (e *Entity) Coerce(name string, value any) (any, error) {
	f, err := e.Field(name)
	if err != nil {
		return nil, err
	}
	if value == nil {
		if f.Nullable {
			return nil, nil
		}
		return nil, Validationf("field %q cannot be null", name)
	}
	switch f.Type {
	case FieldString, FieldEnum:
		s, ok := value.(string)
		if !ok {
			return nil, Validationf("field %q must be a string", name)
		}
		if f.Type == FieldEnum && !slices.Contains(f.Enum, s) {
			return nil, Validationf("field %q must be one of %s", name, strings.Join(f.Enum, ", "))
		}
		if f.MaxLen > 0 && len([]rune(s)) > f.MaxLen {
			return nil, Validationf("field %q exceeds %d characters", name, f.MaxLen)
		}
		return s, nil
	case FieldInteger:
		n, ok := toInt64(value)
		if !ok {
			return nil, Validationf("field %q must be an integer", name)
		}
		return n, nil
	case FieldTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, Validationf("field %q must be an RFC 3339 timestamp", name)
			}
			return ts.UTC(), nil
		}
		return nil, Validationf("field %q must be a timestamp", name)
	case FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, Validationf("field %q must be a boolean", name)
		}
		return b, nil
	}
	return nil, Validationf("field %q has unsupported type", name)
}

// ParseValue parses a query-string literal into the canonical field type.
func (e *Entity) ParseValue(name, raw string) (any, error) {
	f, err := e.Field(name)
	if err != nil {
		return nil, err
	}
	if f.Nullable && raw == "null" {
		return nil, nil
	}
	switch f.Type {
	case FieldInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, Validationf("field %q expects an integer, got %q", name, raw)
		}
		return n, nil
	case FieldBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, Validationf("field %q expects a boolean, got %q", name, raw)
		}
		return b, nil
	case FieldEnum:
		if !slices.Contains(f.Enum, raw) {
			return nil, Validationf("field %q must be one of %s", name, strings.Join(f.Enum, ", "))
		}
		return raw, nil
	case FieldTimestamp:
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, Validationf("field %q expects an RFC 3339 timestamp, got %q", name, raw)
		}
		return ts.UTC(), nil
	default:
		return raw, nil
	}
}

// Writable validates a caller field map for create or update. Read-only and
// unknown fields are rejected before anything reaches a backend.
func (e *Entity) Writable(fields map[string]any) (Record, error) {
	out := make(Record, len(fields))
	for name, value := range fields {
		f, err := e.Field(name)
		if err != nil {
			return nil, err
		}
		if f.ReadOnly {
			return nil, Validationf("field %q is read-only", name)
		}
		v, err := e.Coerce(name, value)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Encode produces the wire form handed to backends and caches.
func (e *Entity) Encode(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		if ts, ok := v.(time.Time); ok {
			out[k] = ts.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}

// Decode turns a wire record (typically JSON-decoded) back into canonical
// form. Fields outside the whitelist are dropped: the remote store is
// schema-agnostic and may carry attributes this core does not own.
func (e *Entity) Decode(raw Record) (Record, error) {
	out := make(Record, len(e.fields))
	for name, f := range e.fields {
		v, ok := raw[name]
		if !ok || v == nil {
			// a record written outside this service starts at version 1 so
			// version checks still apply to it
			if name == FieldVersion {
				out[name] = int64(1)
			} else if f.Type == FieldBool {
				out[name] = false
			} else if f.Type == FieldInteger {
				out[name] = int64(0)
			} else {
				out[name] = nil
			}
			continue
		}
		switch f.Type {
		case FieldString, FieldEnum:
			switch s := v.(type) {
			case string:
				out[name] = s
			default:
				// ids assigned by numeric sequences come back as numbers
				n, ok := toInt64(v)
				if !ok {
					return nil, fmt.Errorf("decode %s.%s: unexpected %T", e.Name, name, v)
				}
				out[name] = strconv.FormatInt(n, 10)
			}
		case FieldInteger:
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("decode %s.%s: unexpected %T", e.Name, name, v)
			}
			out[name] = n
		case FieldTimestamp:
			switch ts := v.(type) {
			case time.Time:
				out[name] = ts.UTC()
			case string:
				parsed, err := time.Parse(time.RFC3339Nano, ts)
				if err != nil {
					return nil, fmt.Errorf("decode %s.%s: %w", e.Name, name, err)
				}
				out[name] = parsed.UTC()
			default:
				return nil, fmt.Errorf("decode %s.%s: unexpected %T", e.Name, name, v)
			}
		case FieldBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("decode %s.%s: unexpected %T", e.Name, name, v)
			}
			out[name] = b
		}
	}
	return out, nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
