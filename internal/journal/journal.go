package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const queueSize = 1024

// Journal persists session events to sqlite. Record never blocks: events
// are handed to a background writer and dropped when its queue is full.
type Journal struct {
	conn      *sql.DB
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
}

// Open opens (creating if needed) the journal database at path and starts
// its writer. Events recorded without a session ID are attributed to
// sessionID; an empty sessionID gets a fresh UUID.
func Open(ctx context.Context, path, sessionID string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %q: %w", path, err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	j := &Journal{
		conn:      conn,
		sessionID: sessionID,
		logger:    logger,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// SessionID returns the ID attached to events recorded without one.
func (j *Journal) SessionID() string { return j.sessionID }

// Record queues ev for writing. Missing ID, session ID and timestamp are
// filled in.
func (j *Journal) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SessionID == "" {
		ev.SessionID = j.sessionID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full
// or the journal was closed.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Written returns how many events reached the database.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Close flushes queued events and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.conn.Close()
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for ev := range j.queue {
		if err := j.insert(context.Background(), ev); err != nil {
			j.logger.Warn("journal write failed", "kind", ev.Kind, "error", err)
			continue
		}
		j.written.Add(1)
	}
}

func (j *Journal) insert(ctx context.Context, ev Event) error {
	_, err := j.conn.ExecContext(ctx, `
INSERT INTO events (
	id, session_id, kind, client_id, fd, addr, bytes, detail, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		ev.ID,
		ev.SessionID,
		string(ev.Kind),
		int64(ev.ClientID),
		ev.FD,
		ev.Addr,
		ev.Bytes,
		ev.Detail,
		formatTimestamp(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// timestampLayout is fixed width so created_at sorts as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
