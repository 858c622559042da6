// Package spool keeps audit entries on local disk when the Redis queue is
// unreachable, so the audit worker can replay them later.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // driver: sqlite

	"github.com/stemsi/exstem-proctor/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_spool (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    TEXT    NOT NULL,
	created_at TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Item is a spooled entry with its local row id.
type Item struct {
	ID    int64
	Entry model.AuditEntry
}

// Spool is a SQLite-backed FIFO of audit entries.
type Spool struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the spool database at path.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// one writer; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping spool: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Audit spool ready")

	return &Spool{db: db, log: log.With().Str("component", "audit_spool").Logger()}, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Put appends an entry.
func (s *Spool) Put(ctx context.Context, e model.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO audit_spool (payload) VALUES (?)`, string(payload)); err != nil {
		return fmt.Errorf("spool audit entry: %w", err)
	}
	return nil
}

// Peek returns up to limit of the oldest entries without removing them.
// Rows that no longer decode are dropped.
func (s *Spool) Peek(ctx context.Context, limit int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM audit_spool ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	defer rows.Close()

	var items []Item
	var broken []int64
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			s.log.Error().Err(err).Int64("spool_id", id).Msg("Dropping undecodable spooled entry")
			broken = append(broken, id)
			continue
		}
		items = append(items, Item{ID: id, Entry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spool: %w", err)
	}
	rows.Close()

	if len(broken) > 0 {
		if err := s.Delete(ctx, broken); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Delete removes entries by id.
func (s *Spool) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_spool WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete spooled entries: %w", err)
	}
	return nil
}

// Len returns the number of spooled entries.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}
