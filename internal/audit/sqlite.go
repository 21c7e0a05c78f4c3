package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends audit records to a local SQLite table. The table is
// append-only by convention; this package exposes no update or delete.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink migrates the audit table on an open database handle.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteSink opens (or creates) the audit database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit database: %w", err)
	}
	sink, err := NewSQLiteSink(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sink, db, nil
}

func (s *SQLiteSink) migrate() error {
	// operation is TEXT on purpose: it is a label from model output, not a
	// reference into any table, and must never fail identifier validation.
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		role TEXT NOT NULL,
		decision TEXT NOT NULL,
		operation TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrating audit table: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *SQLiteSink) Append(ctx context.Context, rec Record) error {
	query := `INSERT INTO audit_records (
		id, actor, role, decision, operation, origin, sensitive, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sensitive := 0
	if rec.Sensitive {
		sensitive = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Actor, rec.Role, string(rec.Decision), rec.Operation,
		rec.Origin, sensitive, rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}
