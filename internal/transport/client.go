package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/doki-nordic/svtrace/internal/decode"
	"github.com/doki-nordic/svtrace/internal/queue"
)

// Client is a reconnecting gRPC client that drains a local queue.SQLiteQueue
// of decoded tuples onto a collector's StreamEvents RPC. It never drops a
// tuple on a transient network failure: the drain loop acks a queue entry
// only once the collector has returned an accepting StreamAck for it.
type Client struct {
	addr      string
	tlsConfig *tls.Config
	q         *queue.SQLiteQueue
	logger    *slog.Logger

	batchSize int

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream CollectorStreamEventsClient
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBatchSize overrides the maximum number of queue rows fetched by each
// Dequeue call of the drain loop. Default is 64.
func WithBatchSize(n int) Option {
	return func(c *Client) { c.batchSize = n }
}

// NewClient builds a Client that dials addr with mutual TLS using the
// certificate, key, and CA material referenced by certPath/keyPath/caPath.
// The session ID each queued tuple belongs to travels with the tuple itself
// (queue.PendingEvent.SessionID) rather than living on the Client, since a
// single local queue may span a Register-assigned session ID that changes
// across agent restarts.
func NewClient(addr, certPath, keyPath, caPath string, q *queue.SQLiteQueue, opts ...Option) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load client keypair: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("transport: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: no valid certificates found in %q", caPath)
	}

	c := &Client{
		addr:      addr,
		q:         q,
		logger:    slog.Default(),
		batchSize: 64,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run drains the queue onto the collector until ctx is cancelled,
// reconnecting with exponential backoff whenever the stream breaks. Run
// returns nil only when ctx is cancelled; any other return is a programming
// error in the caller's use of the queue.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the caller controls lifetime via ctx

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			c.logger.Warn("transport: stream broken, reconnecting", "error", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		b.Reset()
	}
}

// runOnce dials once, opens a StreamEvents call, and drains the queue until
// either the stream errors or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := grpc.NewClient(c.addr, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsConfig)))
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	stream, err := collectorStreamEvents(ctx, conn)
	if err != nil {
		return fmt.Errorf("transport: open stream: %w", err)
	}

	c.mu.Lock()
	c.conn, c.stream = conn, stream
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pending, err := c.q.Dequeue(ctx, c.batchSize)
		if err != nil {
			return fmt.Errorf("transport: dequeue: %w", err)
		}
		if len(pending) == 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		acked := make([]int64, 0, len(pending))
		for _, pe := range pending {
			if err := stream.Send(toWireMessage(pe.SessionID, pe.Event)); err != nil {
				return fmt.Errorf("transport: send: %w", err)
			}
			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("transport: recv ack: %w", err)
			}
			if !ack.Accepted {
				c.logger.Error("transport: collector rejected event", "session_id", pe.SessionID, "id", pe.ID, "error", ack.Error)
				continue
			}
			acked = append(acked, pe.ID)
		}

		if len(acked) > 0 {
			if err := c.q.Ack(ctx, acked); err != nil {
				return fmt.Errorf("transport: ack queue: %w", err)
			}
		}
	}
}

// Register calls the collector's RegisterSession RPC once, independent of
// the queue-draining stream. It is used by session startup to learn the
// server-assigned session identity before any events are enqueued.
func (c *Client) Register(ctx context.Context, hostname, agentVersion string) (*RegisterSessionResponse, error) {
	conn, err := grpc.NewClient(c.addr, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	resp, err := collectorRegisterSession(ctx, conn, &RegisterSessionRequest{
		Hostname:     hostname,
		AgentVersion: agentVersion,
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
			return nil, fmt.Errorf("transport: collector unavailable: %w", err)
		}
		return nil, fmt.Errorf("transport: register session: %w", err)
	}
	return resp, nil
}

// Close releases the current connection, if any. Run will redial on its
// next iteration if it is still executing.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.stream = nil, nil
	return err
}

func toWireMessage(sessionID string, ev decode.Event) *DecodedEventMessage {
	return &DecodedEventMessage{
		SessionID: sessionID,
		Time:      ev.Time,
		Kind:      uint8(ev.Kind),
		Tag:       ev.Tag,
		Param:     ev.Param(),
		Payload:   ev.Payload,
	}
}
