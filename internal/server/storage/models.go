// Package storage provides the PostgreSQL-backed persistence layer for the
// svtrace collector. It exposes typed model structs for the three database
// tables (sessions, event_counters, audit_entries) and a Store that wraps a
// pgxpool connection pool with a batched counter-upsert path.
package storage

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the liveness state of a decode session as seen by
// the collector.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusEnded    SessionStatus = "ENDED"
	SessionStatusDegraded SessionStatus = "DEGRADED"
)

// Session maps to the `sessions` table.
//
// LastSeen is nil when the session has never delivered an event past
// registration. EndedAt is nil while the session is still active.
type Session struct {
	SessionID    string        `json:"session_id"`
	Hostname     string        `json:"hostname"`
	AgentVersion string        `json:"agent_version,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	LastSeen     *time.Time    `json:"last_seen,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Status       SessionStatus `json:"status"`
}

// EventCounter maps to the `event_counters` table: one row per (session_id,
// kind) pair, holding a running total of how many decoded tuples of that
// EventKind the session has delivered. Counters are used instead of storing
// every tuple verbatim — the full tuple stream already survives durably in
// the agent's local queue and is available for replay; PostgreSQL only needs
// enough to drive the dashboard's per-session summary view.
type EventCounter struct {
	SessionID string `json:"session_id"`
	Kind      uint8  `json:"kind"`
	Count     int64  `json:"count"`
}

// AuditEntry maps to the `audit_entries` table.
//
// EventHash is a SHA-256 hex digest. PrevHash holds the previous entry's
// EventHash when the writer chains entries (64 zeros for a genesis entry).
// The collector does not chain: it sets EventHash to the digest of Payload
// and leaves PrevHash empty.
// Payload holds the defect record as a JSONB value; the collector writes its
// kind, param and time, which is not the internal/audit entry shape.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	SessionID   string          `json:"session_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SessionQuery carries the filter and pagination parameters for ListSessions.
//
// From and To are mandatory and bracket the started_at column, enabling
// PostgreSQL partition pruning on larger deployments. Limit defaults to 100
// when ≤ 0. An empty Hostname matches all sessions.
type SessionQuery struct {
	Hostname string
	Status   *SessionStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
