package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore is an optional durable backing for audit entries,
// for deployments that want the append-only log to survive a process
// restart without standing up Postgres. It persists the same AuditEntry
// shape AuditStore holds in memory and preserves the hash chain.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore opens (and migrates) a SQLite-backed audit store.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id      TEXT PRIMARY KEY,
		sequence      INTEGER NOT NULL,
		timestamp     DATETIME NOT NULL,
		entry_type    TEXT NOT NULL,
		subject       TEXT NOT NULL,
		action        TEXT NOT NULL,
		payload       JSON NOT NULL,
		payload_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL,
		metadata      JSON
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_subject ON audit_entries(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_sequence ON audit_entries(sequence);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append persists one chained entry. Callers are expected to have
// already computed entry.EntryHash/PreviousHash via AuditStore — this
// type is a durability sink, not a second source of chain truth.
func (s *SQLiteAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite audit store: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, sequence, timestamp, entry_type, subject, action,
			payload, payload_hash, previous_hash, entry_hash, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Sequence, entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.EntryType, entry.Subject, entry.Action,
		string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlite audit store: insert failed: %w", err)
	}
	return nil
}

// LoadAll reads every entry back in sequence order. AuditStore has no
// method that takes these entries back into an in-memory store.
func (s *SQLiteAuditStore) LoadAll(ctx context.Context) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, sequence, timestamp, entry_type, subject, action,
		       payload, payload_hash, previous_hash, entry_hash, metadata
		FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			timestamp string
			payload   string
			metaJSON  sql.NullString
		)
		if err := rows.Scan(&e.EntryID, &e.Sequence, &timestamp, &e.EntryType, &e.Subject, &e.Action,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash, &metaJSON); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		e.Payload = json.RawMessage(payload)
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			var meta map[string]string
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				e.Metadata = meta
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count returns the number of persisted entries.
func (s *SQLiteAuditStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}
