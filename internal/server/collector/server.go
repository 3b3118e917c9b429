// Package collector implements the svtrace-collectord gRPC service.
//
// The Server type satisfies transport.CollectorServer and wires together the
// storage layer (PostgreSQL) and the WebSocket broadcaster for real-time
// tuple fan-out to live-viewer clients.
//
// Lifecycle
//
//	srv := collector.NewServer(store, broadcaster, logger)
//	grpcSrv := grpc.NewServer(grpc.Creds(creds))
//	transport.RegisterCollectorServer(grpcSrv, srv)
//	grpcSrv.Serve(listener)
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/doki-nordic/svtrace/internal/decode"
	"github.com/doki-nordic/svtrace/internal/server/storage"
	ws "github.com/doki-nordic/svtrace/internal/server/websocket"
	"github.com/doki-nordic/svtrace/internal/transport"
)

// defectKinds are the EventKinds that represent a recovered decode defect
// (spec.md §9's "promotion of TODO: report error to an explicit,
// tamper-evident trail"). Every tuple of one of these kinds is mirrored into
// the audit_entries table in addition to its event_counters increment.
var defectKinds = map[uint8]bool{
	uint8(decode.EventInternalCorrupted): true,
	uint8(decode.EventInternalOverflow):  true,
	uint8(decode.EventOverflow):          true,
}

// Store is the subset of storage.Store methods used by the collector server.
// Defined as an interface so tests can substitute a fake.
type Store interface {
	UpsertSession(ctx context.Context, s storage.Session) (string, error)
	IncrementCounter(ctx context.Context, sessionID string, kind uint8) error
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}

// Server implements transport.CollectorServer.
type Server struct {
	store       Store
	broadcaster *ws.Broadcaster
	logger      *slog.Logger

	mu       sync.Mutex
	seqBySID map[string]int64
}

// NewServer creates a Server wired to store and broadcaster.
func NewServer(store Store, broadcaster *ws.Broadcaster, logger *slog.Logger) *Server {
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		seqBySID:    make(map[string]int64),
	}
}

// RegisterSession handles the RegisterSession RPC.
//
// It upserts the session record in PostgreSQL and returns a freshly
// generated session ID UUID that the agent must embed in every subsequent
// DecodedEventMessage.
func (s *Server) RegisterSession(ctx context.Context, req *transport.RegisterSessionRequest) (*transport.RegisterSessionResponse, error) {
	if req.Hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "hostname is required")
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	sess := storage.Session{
		SessionID:    sessionID,
		Hostname:     req.Hostname,
		AgentVersion: req.AgentVersion,
		StartedAt:    now,
		LastSeen:     &now,
		Status:       storage.SessionStatusActive,
	}

	if _, err := s.store.UpsertSession(ctx, sess); err != nil {
		s.logger.Error("collector: UpsertSession failed",
			slog.String("hostname", req.Hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register session: %v", err)
	}

	s.logger.Info("session registered",
		slog.String("hostname", req.Hostname),
		slog.String("session_id", sessionID),
		slog.String("agent_version", req.AgentVersion),
	)

	return &transport.RegisterSessionResponse{
		SessionID:    sessionID,
		ServerTimeUs: time.Now().UnixMicro(),
	}, nil
}

// StreamEvents handles the bidirectional StreamEvents RPC.
//
// For each incoming DecodedEventMessage the handler:
//  1. Validates the required fields.
//  2. Increments the session's per-kind counter in PostgreSQL.
//  3. Mirrors recovered-defect tuples into the audit_entries table.
//  4. Publishes the tuple to the WebSocket Broadcaster for real-time fan-out
//     to connected live-viewer clients.
func (s *Server) StreamEvents(stream transport.CollectorStreamEventsServer) error {
	ctx := stream.Context()
	var accepted int64

	for {
		m, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return stream.SendAndClose(&transport.StreamSummary{EventsAccepted: accepted})
			}
			if err == context.Canceled || err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled || status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("collector: StreamEvents stream closed", slog.Any("reason", err))
				return nil
			}
			s.logger.Error("collector: StreamEvents transport error", slog.Any("error", err))
			return err
		}

		if err := s.handleEvent(ctx, m); err != nil {
			if sendErr := stream.Send(&transport.StreamAck{Accepted: false, Error: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}
		accepted++
		if err := stream.Send(&transport.StreamAck{Accepted: true}); err != nil {
			return err
		}
	}
}

// handleEvent processes a single DecodedEventMessage received from the
// stream.
func (s *Server) handleEvent(ctx context.Context, m *transport.DecodedEventMessage) error {
	if m.SessionID == "" {
		return status.Error(codes.InvalidArgument, "session_id is required")
	}

	if err := s.store.IncrementCounter(ctx, m.SessionID, m.Kind); err != nil {
		s.logger.Error("collector: IncrementCounter failed",
			slog.String("session_id", m.SessionID),
			slog.Any("error", err),
		)
		return status.Errorf(codes.Internal, "increment counter: %v", err)
	}

	if defectKinds[m.Kind] {
		if err := s.mirrorDefect(ctx, m); err != nil {
			s.logger.Error("collector: mirror defect failed",
				slog.String("session_id", m.SessionID),
				slog.Any("error", err),
			)
			return status.Errorf(codes.Internal, "mirror defect: %v", err)
		}
	}

	s.broadcaster.Publish(ws.PublishedEvent{
		SessionID: m.SessionID,
		Time:      m.Time,
		Kind:      m.Kind,
		Tag:       m.Tag,
		Param:     m.Param,
	})

	return nil
}

// defectRecord is the JSON shape persisted to audit_entries.payload for a
// mirrored defect tuple.
type defectRecord struct {
	Kind  uint8  `json:"kind"`
	Param uint32 `json:"param"`
	Time  uint64 `json:"time"`
}

// mirrorDefect inserts one audit_entries row for a recovered-defect tuple.
//
// Unlike internal/audit.Logger's local hash chain (which the agent maintains
// against its own append-only log), the collector does not attempt to
// reconstruct that chain over an unordered gRPC stream from potentially many
// concurrent sessions: EventHash here is a plain SHA-256 digest of the
// entry's payload, and PrevHash is left empty. Chain integrity verification
// remains the agent-local audit log's responsibility; this table exists so
// the REST API can list which sessions hit which defects and when.
func (s *Server) mirrorDefect(ctx context.Context, m *transport.DecodedEventMessage) error {
	payload, err := json.Marshal(defectRecord{Kind: m.Kind, Param: m.Param, Time: m.Time})
	if err != nil {
		return fmt.Errorf("marshal defect record: %w", err)
	}

	sum := sha256.Sum256(payload)

	s.mu.Lock()
	s.seqBySID[m.SessionID]++
	seq := s.seqBySID[m.SessionID]
	s.mu.Unlock()

	entry := storage.AuditEntry{
		EntryID:     uuid.NewString(),
		SessionID:   m.SessionID,
		SequenceNum: seq,
		EventHash:   hex.EncodeToString(sum[:]),
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	return s.store.InsertAuditEntry(ctx, entry)
}
