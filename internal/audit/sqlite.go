package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	contact    TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	step       TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_session ON audit_log (tenant_id, session_id, at);
`

// SQLite appends entries to a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path with WAL
// journaling and a busy timeout, and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record inserts the entry.
func (s *SQLite) Record(ctx context.Context, e Entry) error {
	fill(&e)
	data := []byte("{}")
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal audit data: %w", err)
		}
		data = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, session_id, contact, kind, step, message, data, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.SessionID, e.Contact, string(e.Kind), e.Step, e.Message, string(data), e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Session returns a session's entries, oldest first.
func (s *SQLite) Session(ctx context.Context, tenantID, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, contact, kind, step, message, data, at
		 FROM audit_log WHERE tenant_id = ? AND session_id = ? ORDER BY at, id`,
		tenantID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			data string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Contact, &kind, &e.Step, &e.Message, &data, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.At = time.Unix(0, at).UTC()
		if data != "{}" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal audit data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
