package rest

import (
	"context"
	"time"

	"github.com/doki-nordic/svtrace/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// ListSessions returns sessions matching the given filter and pagination
	// params, most recently started first.
	ListSessions(ctx context.Context, q storage.SessionQuery) ([]storage.Session, error)

	// GetSession returns a single session by ID, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*storage.Session, error)

	// ListSessionCounters returns the per-EventKind delivered-tuple totals for
	// a session.
	ListSessionCounters(ctx context.Context, sessionID string) ([]storage.EventCounter, error)

	// QueryAuditEntries returns audit entries for sessionID within [from, to).
	QueryAuditEntries(ctx context.Context, sessionID string, from, to time.Time) ([]storage.AuditEntry, error)
}
