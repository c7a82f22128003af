package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// PostgresStore keeps records as JSONB documents in a single table keyed by
// collection. Equality listings use JSONB containment, which is the only
// filtering pushed to the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	data, err := marshalData(rec)
	if err != nil {
		return nil, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO records (collection, data)
		VALUES ($1, $2::jsonb)
		RETURNING id
	`, collection, data).Scan(&id)
	if err != nil {
		return nil, Unavailable("insert record", err)
	}
	out := rec.Clone()
	out[FieldID] = strconv.FormatInt(id, 10)
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Record, error) {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, NotFoundf("%s %s", collection, id)
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE collection=$1 AND id=$2`, collection, numericID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("%s %s", collection, id)
	}
	if err != nil {
		return nil, Unavailable("get record", err)
	}
	return unmarshalData(id, data)
}

func (s *PostgresStore) Replace(ctx context.Context, collection, id string, rec Record) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return NotFoundf("%s %s", collection, id)
	}
	data, err := marshalData(rec)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE records SET data=$3::jsonb WHERE collection=$1 AND id=$2`, collection, numericID, data)
	if err != nil {
		return Unavailable("replace record", err)
	}
	return requireAffected(result, collection, id)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	numericID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return NotFoundf("%s %s", collection, id)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection=$1 AND id=$2`, collection, numericID)
	if err != nil {
		return Unavailable("delete record", err)
	}
	return requireAffected(result, collection, id)
}

func (s *PostgresStore) List(ctx context.Context, collection string, equals map[string]any) ([]Record, error) {
	filter := []byte(`{}`)
	if len(equals) > 0 {
		var err error
		filter, err = json.Marshal(equals)
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data
		FROM records
		WHERE collection=$1 AND data @> $2::jsonb
		ORDER BY id
	`, collection, filter)
	if err != nil {
		return nil, Unavailable("list records", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, Unavailable("scan record", err)
		}
		rec, err := unmarshalData(strconv.FormatInt(id, 10), data)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("iterate records", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return Unavailable("ping", err)
	}
	return nil
}

func marshalData(rec Record) ([]byte, error) {
	body := rec.Clone()
	delete(body, FieldID)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func unmarshalData(id string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	if rec == nil {
		rec = Record{}
	}
	rec[FieldID] = id
	return rec, nil
}

func requireAffected(result sql.Result, collection, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Unavailable("rows affected", err)
	}
	if affected == 0 {
		return NotFoundf("%s %s", collection, id)
	}
	return nil
}
