package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of counter-increment rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending counter increments even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// counterDelta is one pending increment accumulated in memory before being
// folded into a single UPSERT per (session_id, kind) pair on flush.
type counterDelta struct {
	sessionID string
	kind      uint8
	delta     int64
}

// Store is the PostgreSQL-backed storage layer for the svtrace collector.
//
// Event-counter increments are batched: callers record individual tuples via
// IncrementCounter, which accumulates deltas in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations (sessions, audit
// entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         map[[2]any]*counterDelta
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make(map[[2]any]*counterDelta, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// counter increments, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// IncrementCounter records one decoded tuple of the given kind for sessionID,
// accumulating it in memory.
//
// If the internal buffer reaches batchSize distinct (session_id, kind) pairs
// after appending, Flush is called synchronously before returning so that
// the caller observes back-pressure rather than unbounded memory growth.
func (s *Store) IncrementCounter(ctx context.Context, sessionID string, kind uint8) error {
	s.mu.Lock()
	key := [2]any{sessionID, kind}
	if d, ok := s.batch[key]; ok {
		d.delta++
	} else {
		s.batch[key] = &counterDelta{sessionID: sessionID, kind: kind, delta: 1}
	}
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current counter-delta buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip, upserting each (session_id,
// kind) row with its accumulated delta added to the existing count.
//
// Flush is safe to call concurrently: a map swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toApply := s.batch
	s.batch = make(map[[2]any]*counterDelta, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO event_counters (session_id, kind, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, kind) DO UPDATE SET
			count = event_counters.count + EXCLUDED.count`

	b := &pgx.Batch{}
	for _, d := range toApply {
		b.Queue(query, d.sessionID, d.kind, d.delta)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toApply {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec counter: %w", err)
		}
	}
	return nil
}

// ListSessionCounters returns every event_counters row for sessionID.
func (s *Store) ListSessionCounters(ctx context.Context, sessionID string) ([]EventCounter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, kind, count
		FROM   event_counters
		WHERE  session_id = $1
		ORDER  BY kind`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session counters: %w", err)
	}
	defer rows.Close()

	var counters []EventCounter
	for rows.Next() {
		var c EventCounter
		if err := rows.Scan(&c.SessionID, &c.Kind, &c.Count); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// --- Session CRUD ---

// UpsertSession inserts a new session or, on session_id conflict, updates all
// mutable fields. It returns the effective session_id that is persisted in
// the database, which on a clean insert equals s.SessionID.
func (s *Store) UpsertSession(ctx context.Context, sess Session) (string, error) {
	var effectiveID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions
			(session_id, hostname, agent_version, started_at, last_seen, ended_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			ended_at  = EXCLUDED.ended_at,
			status    = EXCLUDED.status
		RETURNING session_id`,
		sess.SessionID,
		sess.Hostname,
		nullableStr(sess.AgentVersion),
		sess.StartedAt,
		sess.LastSeen,
		sess.EndedAt,
		string(sess.Status),
	).Scan(&effectiveID)
	if err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	return effectiveID, nil
}

// GetSession returns the session with the given UUID, or nil and no error
// when no such session exists.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, hostname, agent_version, started_at, last_seen, ended_at, status
		FROM   sessions
		WHERE  session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// ListSessions returns paginated sessions that fall within [q.From, q.To) on
// the started_at column.
//
// Optional filters: q.Hostname (exact match), q.Status (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by started_at DESC, session_id ASC.
func (s *Store) ListSessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE started_at >= $1 AND started_at < $2"
	argIdx := 5

	if q.Hostname != "" {
		where += fmt.Sprintf(" AND hostname = $%d", argIdx)
		args = append(args, q.Hostname)
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT session_id, hostname, agent_version, started_at, last_seen, ended_at, status
		FROM   sessions
		%s
		ORDER  BY started_at DESC, session_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry mirrored
// from the agent's local hash chain.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.SessionID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for sessionID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, session_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  session_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		sessionID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.SessionID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session row from s. AgentVersion may be SQL NULL.
func scanSession(s scanner) (*Session, error) {
	var sess Session
	var agentVersion *string
	var status string
	err := s.Scan(
		&sess.SessionID, &sess.Hostname,
		&agentVersion,
		&sess.StartedAt, &sess.LastSeen, &sess.EndedAt,
		&status,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if agentVersion != nil {
		sess.AgentVersion = *agentVersion
	}
	return &sess, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
