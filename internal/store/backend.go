package store

import "context"

// RecordStore is the remote, schema-agnostic record service. It persists
// flat records per named collection and filters listings by field equality
// only; everything richer is layered on top by the query engine.
//
// Records crossing this boundary are in wire form (see Entity.Encode).
// Implementations return ErrNotFound for missing ids and never retry.
type RecordStore interface {
	// Insert stores rec and returns it with the assigned id.
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	// Replace overwrites every field of an existing record.
	Replace(ctx context.Context, collection, id string, rec Record) error
	Delete(ctx context.Context, collection, id string) error
	// List returns every record whose fields equal all values in equals.
	List(ctx context.Context, collection string, equals map[string]any) ([]Record, error)
	Ping(ctx context.Context) error
}
