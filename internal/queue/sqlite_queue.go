// Package queue provides a WAL-mode SQLite-backed queue of decoded trace
// events pending confirmation by the collector. It adds Dequeue and Ack
// operations to support at-least-once delivery semantics: tuples are
// persisted on Enqueue and are not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The decode
// session's pipeline goroutine calls Enqueue while a separate forwarding
// goroutine calls Dequeue and Ack; because the pool is limited to a single
// connection, these calls are serialised through it rather than running
// concurrently.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the tuple is returned again by the next
// Dequeue call after restart, ensuring every decoded tuple reaches the
// collector even when the transport is temporarily unavailable.
package queue

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/doki-nordic/svtrace/internal/decode"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed queue of decoded tuples. It is
// safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL journal mode.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	// Seed the depth counter from existing undelivered rows so that Depth()
	// reflects the correct value immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS event_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL,
    time        INTEGER NOT NULL,
    kind        INTEGER NOT NULL,
    tag         INTEGER NOT NULL,
    param       INTEGER NOT NULL,
    payload_b64 TEXT    NOT NULL DEFAULT '',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_queue_pending
    ON event_queue (delivered, id);
`

// Enqueue persists one decoded tuple, scoped to sessionID, with delivered =
// 0. It remains in subsequent Dequeue results until Ack is called for its
// ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, sessionID string, ev decode.Event) error {
	payload := base64.StdEncoding.EncodeToString(ev.Payload)

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO event_queue (session_id, time, kind, tag, param, payload_b64)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID,
		ev.Time,
		uint8(ev.Kind),
		ev.Tag,
		ev.Param(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingEvent is an unacknowledged decoded tuple returned by Dequeue.
// ID is the database primary key used to acknowledge the tuple via Ack.
type PendingEvent struct {
	ID        int64
	SessionID string
	Event     decode.Event
}

// Dequeue returns up to n unacknowledged tuples in insertion order (oldest
// first). It does not mark tuples as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the
// database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, time, kind, tag, param, payload_b64
		 FROM   event_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var events []PendingEvent
	for rows.Next() {
		var (
			pe         PendingEvent
			kind, tag  uint8
			param      uint32
			payloadB64 string
		)
		if err := rows.Scan(&pe.ID, &pe.SessionID, &pe.Event.Time, &kind, &tag, &param, &payloadB64); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		pe.Event.Kind = decode.EventKind(kind)
		pe.Event.Tag = tag
		pe.Event.Word1 = param

		// A malformed value produces a nil payload rather than an error so
		// that one bad row does not block the queue.
		if decoded, err := base64.StdEncoding.DecodeString(payloadB64); err == nil {
			pe.Event.Payload = decoded
		}

		events = append(events, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return events, nil
}

// Ack marks the tuples identified by ids as delivered. Acknowledged tuples
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose delivered
// column transitions from 0 to 1 (already-acked IDs are skipped).
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) tuples. It reads from
// an atomic counter that is updated by Enqueue and Ack, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
