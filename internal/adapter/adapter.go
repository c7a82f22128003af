// Package adapter relays create/read/update/delete calls to the remote
// record store. It enforces the field whitelist, assigns surrogate versions
// for optimistic concurrency, bounds every call with a timeout, and serves
// reads through the query cache.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threadmod/api/internal/cache"
	"threadmod/api/internal/metrics"
	"threadmod/api/internal/query"
	"threadmod/api/internal/store"
)

const (
	DefaultTimeout = 10 * time.Second
	stripes        = 64
	// minimum step between creation timestamps in one scope
	tick = time.Microsecond
)

type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
	// Now replaces time.Now, mainly for tests.
	Now func() time.Time
}

type Adapter struct {
	backend store.RecordStore
	cache   cache.Cache
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	locks [stripes]sync.Mutex

	clockMu sync.Mutex
	last    map[string]time.Time
}

func New(backend store.RecordStore, c cache.Cache, opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Adapter{
		backend: backend,
		cache:   c,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     opts.Now,
		last:    make(map[string]time.Time),
	}
}

// Create validates fields and inserts a new record at version 1.
func (a *Adapter) Create(ctx context.Context, e *store.Entity, fields map[string]any) (store.Record, error) {
	rec, err := e.Writable(fields)
	if err != nil {
		return nil, err
	}
	created, err := a.stamp(ctx, e, rec)
	if err != nil {
		return nil, err
	}
	rec[store.FieldVersion] = int64(1)
	rec[store.FieldCreatedAt] = created
	for _, name := range e.FieldNames() {
		if _, ok := rec[name]; !ok && name != store.FieldID {
			f, _ := e.Field(name)
			if f.Type == store.FieldBool {
				rec[name] = false
			} else if f.Nullable {
				rec[name] = nil
			}
		}
	}

	var raw store.Record
	err = a.call(ctx, "insert", func(ctx context.Context) error {
		var err error
		raw, err = a.backend.Insert(ctx, e.Collection, e.Encode(rec))
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err := e.Decode(raw)
	if err != nil {
		return nil, store.Unavailable("decode inserted record", err)
	}
	a.Invalidate(ctx, e)
	return out, nil
}

// GetByID reads through the cache.
func (a *Adapter) GetByID(ctx context.Context, e *store.Entity, id string) (store.Record, error) {
	key := "id:" + id
	payload, gen, hit := a.lookup(ctx, e.Name, key)
	if hit {
		var raw store.Record
		if err := json.Unmarshal(payload, &raw); err == nil {
			if rec, err := e.Decode(raw); err == nil {
				return rec, nil
			}
		}
	}

	rec, err := a.GetFresh(ctx, e, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(e.Encode(rec)); err == nil {
		a.store(ctx, e.Name, key, gen, data)
	}
	return rec, nil
}

// GetFresh reads straight from the record store, bypassing the cache.
func (a *Adapter) GetFresh(ctx context.Context, e *store.Entity, id string) (store.Record, error) {
	var raw store.Record
	err := a.call(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = a.backend.Get(ctx, e.Collection, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	rec, err := e.Decode(raw)
	if err != nil {
		return nil, store.Unavailable("decode record", err)
	}
	return rec, nil
}

type cachedResult struct {
	Items      []store.Record `json:"items"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
	HasTotal   bool           `json:"has_total"`
}

// Query lists records matching spec. Equality predicates the store can
// evaluate are pushed down; the rest run over the returned listing.
func (a *Adapter) Query(ctx context.Context, e *store.Entity, spec query.Spec) (query.Result, error) {
	key := "q:" + spec.Signature(e.Name)
	payload, gen, hit := a.lookup(ctx, e.Name, key)
	if hit {
		if res, err := decodeResult(e, payload); err == nil {
			return res, nil
		}
	}

	var raw []store.Record
	err := a.call(ctx, "list", func(ctx context.Context) error {
		var err error
		raw, err = a.backend.List(ctx, e.Collection, spec.Pushdown(e))
		return err
	})
	if err != nil {
		return query.Result{}, err
	}
	items := make([]store.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := e.Decode(r)
		if err != nil {
			a.logger.Warn().Err(err).Str("collection", e.Collection).Msg("skipping undecodable record")
			continue
		}
		items = append(items, rec)
	}

	res := spec.Apply(e, items)
	if data, err := encodeResult(e, res); err == nil {
		a.store(ctx, e.Name, key, gen, data)
	}
	return res, nil
}

// Update merges fields into the record. A non-zero expected version must
// match the stored one or the call fails with ErrConflict. Writers of the
// same id are serialized so the check and the write happen together.
func (a *Adapter) Update(ctx context.Context, e *store.Entity, id string, fields map[string]any, expected int64) (store.Record, error) {
	changes, err := e.Writable(fields)
	if err != nil {
		return nil, err
	}

	mu := a.lock(e.Collection, id)
	mu.Lock()
	defer mu.Unlock()

	current, err := a.GetFresh(ctx, e, id)
	if err != nil {
		return nil, err
	}
	if expected != 0 && current.Version() != expected {
		return nil, store.Conflictf("%s %s is at version %d, expected %d", e.Name, id, current.Version(), expected)
	}

	next := current.Clone()
	for k, v := range changes {
		next[k] = v
	}
	next[store.FieldVersion] = current.Version() + 1

	err = a.call(ctx, "replace", func(ctx context.Context) error {
		return a.backend.Replace(ctx, e.Collection, id, e.Encode(next))
	})
	if err != nil {
		return nil, err
	}
	a.Invalidate(ctx, e)
	return next, nil
}

func (a *Adapter) Delete(ctx context.Context, e *store.Entity, id string) error {
	mu := a.lock(e.Collection, id)
	mu.Lock()
	defer mu.Unlock()

	err := a.call(ctx, "delete", func(ctx context.Context) error {
		return a.backend.Delete(ctx, e.Collection, id)
	})
	if err != nil {
		return err
	}
	a.Invalidate(ctx, e)
	return nil
}

// Invalidate drops every cached result for the entity. A failure is logged:
// the mutation has already been applied and must still be reported.
func (a *Adapter) Invalidate(ctx context.Context, e *store.Entity) {
	metrics.CacheInvalidations.WithLabelValues(e.Name).Inc()
	if err := a.cache.Invalidate(context.WithoutCancel(ctx), e.Name); err != nil {
		a.logger.Error().Err(err).Str("namespace", e.Name).Msg("cache invalidation failed")
	}
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.call(ctx, "ping", a.backend.Ping)
}

// call runs fn under the store timeout and folds transport failures into
// ErrUnavailable. There is no retry.
func (a *Adapter) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrValidation):
		return err
	case errors.Is(err, store.ErrUnavailable):
	default:
		err = store.Unavailable(op, err)
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	a.logger.Warn().Err(err).Str("op", op).Msg("record store unavailable")
	return err
}

func (a *Adapter) lock(collection, id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(collection))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return &a.locks[h.Sum32()%stripes]
}

func (a *Adapter) lookup(ctx context.Context, ns, key string) ([]byte, uint64, bool) {
	payload, gen, hit, err := a.cache.Get(ctx, ns, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(ns, "error").Inc()
		a.logger.Warn().Err(err).Str("namespace", ns).Msg("cache read failed")
		return nil, gen, false
	case hit:
		metrics.CacheLookups.WithLabelValues(ns, "hit").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(ns, "miss").Inc()
	}
	return payload, gen, hit
}

func (a *Adapter) store(ctx context.Context, ns, key string, gen uint64, data []byte) {
	if err := a.cache.Set(ctx, ns, key, gen, data); err != nil {
		a.logger.Warn().Err(err).Str("namespace", ns).Msg("cache write failed")
	}
}

// stamp returns the creation time for rec: the current time, nudged forward
// when needed so it is strictly later than anything created before it in the
// same scope. The first create in a scope seeds from the store.
func (a *Adapter) stamp(ctx context.Context, e *store.Entity, rec store.Record) (time.Time, error) {
	now := a.now().UTC()
	if e.Scope == "" {
		return now, nil
	}
	scope, _ := rec[e.Scope].(string)
	key := e.Collection + "/" + scope

	a.clockMu.Lock()
	last, seen := a.last[key]
	a.clockMu.Unlock()

	if !seen {
		var raw []store.Record
		err := a.call(ctx, "list", func(ctx context.Context) error {
			var err error
			raw, err = a.backend.List(ctx, e.Collection, map[string]any{e.Scope: scope})
			return err
		})
		if err != nil {
			return time.Time{}, err
		}
		for _, r := range raw {
			if existing, err := e.Decode(r); err == nil {
				if ts, ok := existing[store.FieldCreatedAt].(time.Time); ok && ts.After(last) {
					last = ts
				}
			}
		}
	}

	a.clockMu.Lock()
	defer a.clockMu.Unlock()
	if prev, ok := a.last[key]; ok && prev.After(last) {
		last = prev
	}
	if !now.After(last) {
		now = last.Add(tick)
	}
	a.last[key] = now
	return now, nil
}

func encodeResult(e *store.Entity, res query.Result) ([]byte, error) {
	out := cachedResult{
		Items:      make([]store.Record, 0, len(res.Items)),
		Page:       res.Page,
		Limit:      res.Limit,
		Total:      res.Total,
		TotalPages: res.TotalPages,
		HasTotal:   res.HasTotal,
	}
	for _, rec := range res.Items {
		out.Items = append(out.Items, e.Encode(rec))
	}
	return json.Marshal(out)
}

func decodeResult(e *store.Entity, payload []byte) (query.Result, error) {
	var cached cachedResult
	if err := json.Unmarshal(payload, &cached); err != nil {
		return query.Result{}, err
	}
	res := query.Result{
		Items:      make([]store.Record, 0, len(cached.Items)),
		Page:       cached.Page,
		Limit:      cached.Limit,
		Total:      cached.Total,
		TotalPages: cached.TotalPages,
		HasTotal:   cached.HasTotal,
	}
	for _, raw := range cached.Items {
		rec, err := e.Decode(raw)
		if err != nil {
			return query.Result{}, err
		}
		res.Items = append(res.Items, rec)
	}
	return res, nil
}
