package journal

import (
	"context"
	"fmt"
	"time"
)

// Kind names what happened.
type Kind string

const (
	KindSessionStart      Kind = "session_start"
	KindSessionEnd        Kind = "session_end"
	KindClientConnected   Kind = "client_connected"
	KindClientLeft        Kind = "client_disconnected"
	KindClientDropped     Kind = "client_dropped"
	KindAcceptFailed      Kind = "accept_failed"
	KindLogMirrorFailed   Kind = "log_mirror_failed"
	KindInputMirrorFailed Kind = "input_mirror_failed"
	KindMasterWriteFailed Kind = "master_write_failed"
)

// Event is one journal row. FD is -1 when no descriptor is involved.
type Event struct {
	ID        string
	SessionID string
	Kind      Kind
	ClientID  uint64
	FD        int
	Addr      string
	Bytes     int
	Detail    string
	CreatedAt time.Time
}

// SessionSummary aggregates the events of one session.
type SessionSummary struct {
	SessionID string
	Events    int
	Clients   int
	Dropped   int
	FirstSeen time.Time
	LastSeen  time.Time
}

// List returns the events of sessionID oldest first. limit <= 0 means no limit.
func (j *Journal) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.conn.QueryContext(ctx, `
SELECT id, session_id, kind, client_id, fd, addr, bytes, detail, created_at
FROM events
WHERE session_id = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, createdAtRaw string
		var clientID int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &clientID, &ev.FD, &ev.Addr, &ev.Bytes, &ev.Detail, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.ClientID = uint64(clientID)
		if ev.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// Sessions summarizes every session in the journal, most recent first.
func (j *Journal) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := j.conn.QueryContext(ctx, `
SELECT
	session_id,
	COUNT(1),
	SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
	SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END),
	MIN(created_at),
	MAX(created_at)
FROM events
GROUP BY session_id
ORDER BY MAX(created_at) DESC
`, string(KindClientConnected), string(KindClientDropped))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var firstRaw, lastRaw string
		if err := rows.Scan(&s.SessionID, &s.Events, &s.Clients, &s.Dropped, &firstRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if s.FirstSeen, err = parseTimestamp(firstRaw); err != nil {
			return nil, err
		}
		if s.LastSeen, err = parseTimestamp(lastRaw); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}
