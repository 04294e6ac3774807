package store

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteAuditStore_AppendAndLoadAll(t *testing.T) {
	db := openTestDB(t)
	s, err := NewSQLiteAuditStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	mem := NewAuditStore()
	entry, err := mem.Append(EntryTypeAudit, "tenant:t1", "do_thing", map[string]string{"k": "v"}, map[string]string{"actor_id": "a1"})
	if err != nil {
		t.Fatalf("append to mem store: %v", err)
	}

	if err := s.Append(context.Background(), entry); err != nil {
		t.Fatalf("append to sqlite: %v", err)
	}

	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(loaded))
	}
	if loaded[0].EntryHash != entry.EntryHash {
		t.Errorf("expected hash %q, got %q", entry.EntryHash, loaded[0].EntryHash)
	}
	if loaded[0].Metadata["actor_id"] != "a1" {
		t.Errorf("expected actor_id metadata to round-trip, got %v", loaded[0].Metadata)
	}

	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}
