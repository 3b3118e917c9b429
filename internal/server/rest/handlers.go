package rest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/doki-nordic/svtrace/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListSessions responds to GET /api/v1/sessions.
//
// Supported query parameters:
//
//	hostname – exact hostname filter (optional)
//	status   – one of ACTIVE, ENDED, DEGRADED (optional)
//	from     – RFC3339 start of the started_at window (required)
//	to       – RFC3339 end of the started_at window (required)
//	limit    – maximum number of results (default 100, max 1000)
//	offset   – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Session objects on success.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	sq := storage.SessionQuery{
		Hostname: q.Get("hostname"),
		From:     from,
		To:       to,
	}

	if st := q.Get("status"); st != "" {
		switch storage.SessionStatus(st) {
		case storage.SessionStatusActive, storage.SessionStatusEnded, storage.SessionStatusDegraded:
			status := storage.SessionStatus(st)
			sq.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "'status' must be one of ACTIVE, ENDED, DEGRADED")
			return
		}
	}

	limit, offset, ok := parsePagination(w, q)
	if !ok {
		return
	}
	sq.Limit = limit
	sq.Offset = offset

	sessions, err := s.store.ListSessions(r.Context(), sq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	// Ensure we always return a JSON array, not null.
	if sessions == nil {
		sessions = []storage.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleGetSession responds to GET /api/v1/sessions/{sessionID}.
//
// Returns HTTP 404 if no session with the given ID exists, HTTP 200 with the
// Session object otherwise.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sess)
}

// handleGetSessionCounters responds to GET /api/v1/sessions/{sessionID}/counters.
//
// Returns HTTP 200 with a JSON array of per-EventKind delivered-tuple totals
// for the session, one entry per kind the session has produced at least once.
func (s *Server) handleGetSessionCounters(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	counters, err := s.store.ListSessionCounters(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list session counters")
		return
	}

	if counters == nil {
		counters = []storage.EventCounter{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(counters)
}

// handleGetSessionAudit responds to GET /api/v1/sessions/{sessionID}/audit.
//
// Supported query parameters:
//
//	from – RFC3339 start of the created_at window (required)
//	to   – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of AuditEntry objects, in
// sequence_num order, on success.
func (s *Server) handleGetSessionAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	from, to, ok := parseWindow(w, r.URL.Query())
	if !ok {
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}

// parseWindow extracts and validates the required "from"/"to" RFC3339 query
// parameters shared by the sessions and audit endpoints. It writes an error
// response and returns ok=false on any validation failure.
func parseWindow(w http.ResponseWriter, q url.Values) (from, to time.Time, ok bool) {
	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// parsePagination extracts and validates the optional "limit"/"offset" query
// parameters shared by list endpoints.
func parsePagination(w http.ResponseWriter, q url.Values) (limit, offset int, ok bool) {
	if limitStr := q.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return 0, 0, false
		}
		if l > 1000 {
			l = 1000
		}
		limit = l
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil || o < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return 0, 0, false
		}
		offset = o
	}
	return limit, offset, true
}
