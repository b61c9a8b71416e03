package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

// GetScript retrieves a script, history included.
func (s *Store) GetScript(ctx context.Context, tenantID, id string) (*dialog.Script, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetScript", "SELECT")
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM scripts WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		spanError(span, err)
		return nil, false, fmt.Errorf("select script: %w", err)
	}
	var sc dialog.Script
	if err := json.Unmarshal(doc, &sc); err != nil {
		spanError(span, err)
		return nil, false, fmt.Errorf("unmarshal script %s: %w", id, err)
	}
	return &sc, true, nil
}

// PutScript inserts or replaces a script. The selection columns are kept
// next to the document so Default-style lookups need not decode every row.
func (s *Store) PutScript(ctx context.Context, sc *dialog.Script) error {
	ctx, span := startSpan(ctx, "pgstore.PutScript", "UPSERT")
	defer span.End()

	doc, err := json.Marshal(sc)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("marshal script: %w", err)
	}
	var publishedAt *time.Time
	if !sc.PublishedAt.IsZero() {
		publishedAt = &sc.PublishedAt
	}
	updatedAt := sc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO scripts (tenant_id, id, name, published, active, priority, published_at, doc, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
			name         = EXCLUDED.name,
			published    = EXCLUDED.published,
			active       = EXCLUDED.active,
			priority     = EXCLUDED.priority,
			published_at = EXCLUDED.published_at,
			doc          = EXCLUDED.doc,
			updated_at   = EXCLUDED.updated_at`,
		sc.TenantID, sc.ID, sc.Name, sc.Published, sc.Active, sc.Priority, publishedAt, doc, updatedAt,
	)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("upsert script: %w", err)
	}
	return nil
}

// ListScripts returns the tenant's scripts ordered by ID.
func (s *Store) ListScripts(ctx context.Context, tenantID string) ([]*dialog.Script, error) {
	ctx, span := startSpan(ctx, "pgstore.ListScripts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT doc FROM scripts WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()

	var out []*dialog.Script
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			spanError(span, err)
			return nil, fmt.Errorf("scan script: %w", err)
		}
		var sc dialog.Script
		if err := json.Unmarshal(doc, &sc); err != nil {
			spanError(span, err)
			return nil, fmt.Errorf("unmarshal script: %w", err)
		}
		out = append(out, &sc)
	}
	if err := rows.Err(); err != nil {
		spanError(span, err)
		return nil, fmt.Errorf("iterate scripts: %w", err)
	}
	return out, nil
}
