package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T, sessionID string) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "ptyrelay-test.db")
	j, err := Open(context.Background(), path, sessionID, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return j, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesFileAndRunsMigrations(t *testing.T) {
	j, path := openTestJournal(t, "s-1")
	defer j.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected journal file at %q: %v", path, err)
	}
	assertTableExists(t, j.conn, "_meta")
	assertTableExists(t, j.conn, "events")

	var version string
	if err := j.conn.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != "2" {
		t.Fatalf("schema_version = %q, want 2", version)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "", "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordAndList(t *testing.T) {
	j, path := openTestJournal(t, "s-1")

	j.Record(Event{Kind: KindSessionStart, FD: -1, Detail: "/dev/pts/9"})
	j.Record(Event{Kind: KindClientConnected, ClientID: 1, FD: 7, Addr: "@"})
	j.Record(Event{Kind: KindClientDropped, ClientID: 1, FD: 7, Bytes: 8192, Detail: "short write"})
	j.Record(Event{Kind: KindSessionStart, SessionID: "other", FD: -1})

	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if j.Written() != 4 {
		t.Fatalf("Written() = %d, want 4", j.Written())
	}

	reopened, err := Open(context.Background(), path, "s-2", nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	events, err := reopened.List(context.Background(), "s-1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(events))
	}
	wantKinds := []Kind{KindSessionStart, KindClientConnected, KindClientDropped}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] {
			t.Errorf("events[%d].Kind = %q, want %q", i, ev.Kind, wantKinds[i])
		}
		if ev.ID == "" {
			t.Errorf("events[%d].ID is empty", i)
		}
		if ev.CreatedAt.IsZero() {
			t.Errorf("events[%d].CreatedAt is zero", i)
		}
	}
	if events[2].Bytes != 8192 || events[2].Detail != "short write" || events[2].FD != 7 {
		t.Errorf("dropped event = %+v", events[2])
	}

	limited, err := reopened.List(context.Background(), "s-1", 1)
	if err != nil {
		t.Fatalf("List(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(List(limit=1)) = %d, want 1", len(limited))
	}

	sessions, err := reopened.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(Sessions()) = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if s.SessionID == "s-1" && (s.Events != 3 || s.Clients != 1 || s.Dropped != 1) {
			t.Errorf("summary for s-1 = %+v", s)
		}
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	j, _ := openTestJournal(t, "")
	if j.SessionID() == "" {
		t.Fatal("expected generated session ID")
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j.Record(Event{Kind: KindSessionEnd})
	if j.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", j.Dropped())
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestListOrdersBySubSecondTime(t *testing.T) {
	j, path := openTestJournal(t, "s-1")

	first := time.Date(2026, 1, 1, 0, 0, 0, 100_000_000, time.UTC)
	second := first.Add(500 * time.Microsecond)
	j.Record(Event{Kind: KindSessionStart, FD: -1, Detail: "first", CreatedAt: first})
	j.Record(Event{Kind: KindSessionEnd, FD: -1, Detail: "second", CreatedAt: second})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(context.Background(), path, "s-2", nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	events, err := reopened.List(context.Background(), "s-1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(events))
	}
	if events[0].Detail != "first" || events[1].Detail != "second" {
		t.Fatalf("List() order = %q, %q; want first, second", events[0].Detail, events[1].Detail)
	}
	if !events[0].CreatedAt.Equal(first) || !events[1].CreatedAt.Equal(second) {
		t.Errorf("CreatedAt = %v, %v; want %v, %v", events[0].CreatedAt, events[1].CreatedAt, first, second)
	}

	sessions, err := reopened.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(Sessions()) = %d, want 1", len(sessions))
	}
	if !sessions[0].FirstSeen.Equal(first) || !sessions[0].LastSeen.Equal(second) {
		t.Errorf("summary = %+v, want FirstSeen %v LastSeen %v", sessions[0], first, second)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	j, path := openTestJournal(t, "s-1")
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(context.Background(), path, "s-2", nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	var version string
	if err := reopened.conn.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != "2" {
		t.Fatalf("schema_version = %q, want 2", version)
	}
}
