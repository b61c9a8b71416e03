// Package postgres builds the shared connection pool and instruments every
// query with spans, structured logs and a metrics hook.
package postgres

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool parses databaseURL, installs the logging query tracer around
// otelpgx and verifies the pool with a ping.
func NewPool(ctx context.Context, databaseURL string, tc TracerConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	var otelOpts []otelpgx.Option
	if tc.LogArgs {
		otelOpts = append(otelOpts, otelpgx.WithIncludeQueryParameters())
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(otelOpts...), tc)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
