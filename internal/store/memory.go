package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-process RecordStore used for development and tests.
// Ids are decimal sequences per collection, mirroring an auto-increment
// backend.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
	seq         map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Record),
		seq:         make(map[string]int64),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[collection]++
	id := strconv.FormatInt(s.seq[collection], 10)
	stored := rec.Clone()
	stored[FieldID] = id

	items, ok := s.collections[collection]
	if !ok {
		items = make(map[string]Record)
		s.collections[collection] = items
	}
	items[id] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, NotFoundf("%s %s", collection, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Replace(ctx context.Context, collection, id string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.collections[collection]
	if _, ok := items[id]; !ok {
		return NotFoundf("%s %s", collection, id)
	}
	stored := rec.Clone()
	stored[FieldID] = id
	items[id] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.collections[collection]
	if _, ok := items[id]; !ok {
		return NotFoundf("%s %s", collection, id)
	}
	delete(items, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string, equals map[string]any) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Record, 0, len(s.collections[collection]))
	for _, rec := range s.collections[collection] {
		if matchesEquals(rec, equals) {
			items = append(items, rec.Clone())
		}
	}
	// map iteration order is random; hand back insertion order like a table scan
	sort.Slice(items, func(i, j int) bool {
		a, _ := strconv.ParseInt(items[i].ID(), 10, 64)
		b, _ := strconv.ParseInt(items[j].ID(), 10, 64)
		return a < b
	})
	return items, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len reports the number of records in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func matchesEquals(rec Record, equals map[string]any) bool {
	for field, want := range equals {
		if !equalValues(rec[field], want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if an, ok := toInt64(a); ok {
		bn, ok := toInt64(b)
		return ok && an == bn
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && (a == nil) == (b == nil)
}
