// Package cache holds query results keyed by a canonical signature and
// grouped into per-entity namespaces that are invalidated as a whole.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a cached page is served.
const DefaultTTL = 300 * time.Second

var ErrClosed = errors.New("cache closed")

// Cache is shared by every request. Get reports the namespace generation it
// observed; Set stores under that generation so a result computed before an
// invalidation can never be served after it.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (value []byte, gen uint64, hit bool, err error)
	Set(ctx context.Context, namespace, key string, gen uint64, value []byte) error
	Invalidate(ctx context.Context, namespace string) error
	Clear(ctx context.Context) error
	Close() error
}
