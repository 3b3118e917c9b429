// Package session is the svtrace-decode orchestrator. It wires together the
// acquisition source, the decode pipeline, the local durable queue, the
// gRPC transport to the collector, and the tamper-evident defect audit log,
// managing their lifecycle through a shared context.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/doki-nordic/svtrace/internal/audit"
	"github.com/doki-nordic/svtrace/internal/decode"
	"github.com/doki-nordic/svtrace/internal/sink"
	"github.com/doki-nordic/svtrace/internal/source"
	"github.com/doki-nordic/svtrace/internal/transport"
)

// Queue is the local durable queue of decoded tuples awaiting collector
// confirmation.
type Queue interface {
	Enqueue(ctx context.Context, sessionID string, ev decode.Event) error
	Depth() int
	Close() error
}

// Transport forwards queued tuples to the collector and learns the
// server-assigned session identity.
type Transport interface {
	Register(ctx context.Context, hostname, agentVersion string) (*transport.RegisterSessionResponse, error)
	Run(ctx context.Context) error
	Close() error
}

// AuditLogger appends one hash-chained entry per recovered decode defect.
type AuditLogger interface {
	AppendDefect(d decode.Defect) (audit.Entry, error)
	Close() error
}

// Session drives one decode pipeline run from source to collector,
// supervising the queue, transport, and audit log goroutines.
type Session struct {
	hostname     string
	agentVersion string

	source source.Source
	sink   sink.Sink
	queue  Queue
	trans  Transport
	audit  AuditLogger
	logger *slog.Logger

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.RWMutex
	sessionID   string
	running     bool
	lastDefectAt time.Time
}

// Option is a functional option for Session construction.
type Option func(*Session)

// WithAudit registers the defect audit logger. Omitting it disables defect
// mirroring (tests may want this).
func WithAudit(a AuditLogger) Option {
	return func(s *Session) { s.audit = a }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New creates a Session from its required collaborators: the byte source to
// decode, the Sink that receives dispatched events, the local durable queue,
// and the collector transport client.
func New(hostname, agentVersion string, src source.Source, sk sink.Sink, q Queue, t Transport, opts ...Option) *Session {
	s := &Session{
		hostname:     hostname,
		agentVersion: agentVersion,
		source:       src,
		sink:         sk,
		queue:        q,
		trans:        t,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run registers with the collector, then drives the decode pipeline and the
// transport forwarding loop concurrently until the pipeline reaches
// end-of-stream, ctx is cancelled, or an unrecoverable error occurs. Run
// blocks until both goroutines have exited.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	resp, err := s.trans.Register(ctx, s.hostname, s.agentVersion)
	if err != nil {
		return fmt.Errorf("session: register with collector: %w", err)
	}
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.mu.Unlock()

	s.logger.Info("session registered",
		slog.String("session_id", resp.SessionID),
		slog.String("hostname", s.hostname),
	)

	decoder, err := decode.NewDecoder(s.source, s.source.Size())
	if err != nil {
		return fmt.Errorf("session: new decoder: %w", err)
	}

	// The transport runs its own reconnect-and-drain loop for as long as the
	// context lives; it exits only on cancellation.
	s.wg.Add(1)
	transportErr := make(chan error, 1)
	go func() {
		defer s.wg.Done()
		transportErr <- s.trans.Run(ctx)
	}()

	dispatch := func(ev decode.Event) error { return s.dispatch(ctx, ev) }
	decodeErr := decoder.Run(ctx, dispatch, s.onDefect)
	cancel() // stop the transport loop once decoding ends

	s.wg.Wait()
	if decodeErr != nil && !errors.Is(decodeErr, io.EOF) && !errors.Is(decodeErr, context.Canceled) {
		return fmt.Errorf("session: decode pipeline: %w", decodeErr)
	}
	if err := <-transportErr; err != nil {
		s.logger.Warn("session: transport loop returned error", slog.Any("error", err))
	}
	return nil
}

// dispatch is decode.Decoder.Run's per-tuple callback: it feeds the sink,
// then durably enqueues the tuple before it can be forwarded.
func (s *Session) dispatch(ctx context.Context, ev decode.Event) error {
	sink.Dispatch(s.sink, ev)

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	if err := s.queue.Enqueue(ctx, sessionID, ev); err != nil {
		return fmt.Errorf("session: enqueue: %w", err)
	}
	return nil
}

// onDefect appends a hash-chained audit entry for every recovered decode
// defect. Errors are logged but never abort the session: a failed audit
// append must not stop trace delivery.
func (s *Session) onDefect(d decode.Defect) {
	s.mu.Lock()
	s.lastDefectAt = time.Now()
	s.mu.Unlock()

	s.logger.Warn("recovered decode defect",
		slog.String("kind", d.Kind.String()),
		slog.Uint64("time", d.Time),
		slog.Int("count", int(d.Count)),
	)

	if s.audit == nil {
		return
	}
	if _, err := s.audit.AppendDefect(d); err != nil {
		s.logger.Error("failed to append defect audit entry", slog.Any("error", err))
	}
}

// Stop cancels the running session and waits for its goroutines to exit. It
// is safe to call Stop before Run or after Run has already returned.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.trans != nil {
		if err := s.trans.Close(); err != nil {
			s.logger.Warn("error closing transport", slog.Any("error", err))
		}
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Warn("error closing queue", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	SessionID    string  `json:"session_id,omitempty"`
	UptimeS      float64 `json:"uptime_s"`
	QueueDepth   int     `json:"queue_depth"`
	LastDefectAt string  `json:"last_defect_at,omitempty"`
}

// Health returns a snapshot of the current session health state.
func (s *Session) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:    "ok",
		SessionID: s.sessionID,
		UptimeS:   time.Since(s.startTime).Seconds(),
	}
	if s.queue != nil {
		h.QueueDepth = s.queue.Depth()
	}
	if !s.lastDefectAt.IsZero() {
		h.LastDefectAt = s.lastDefectAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the session's
// health status as a JSON object and HTTP 200.
func (s *Session) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
