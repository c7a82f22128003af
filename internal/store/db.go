package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Open connects to Postgres. The initial ping is retried so the service can
// start alongside its database; request-path calls are never retried here.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("database not ready, retrying")
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
