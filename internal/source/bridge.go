package source

import (
	"context"
	"io"
)

// BridgedSource turns a push-style live feed (bytes arriving from a serial
// port, SWO channel, or network socket as they are captured) into the
// pull-style io.Reader the decode pipeline expects, via an unbuffered
// in-memory io.Pipe. Size always reports 0: a live feed has no known total length, so the
// overflow detector falls back to its 1 MiB queue cap (spec.md §4.2).
type BridgedSource struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

// NewBridgedSource returns a ready-to-use bridge. Feed bytes in with Write;
// the decode pipeline reads them out via Read. Cancelling ctx makes a pending
// or later Read return ctx.Err() and a Write return io.ErrClosedPipe; Close
// makes Read return io.EOF.
func NewBridgedSource(ctx context.Context) *BridgedSource {
	pr, pw := io.Pipe()
	b := &BridgedSource{pr: pr, pw: pw}
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return b
}

func (b *BridgedSource) Read(p []byte) (int, error) { return b.pr.Read(p) }

func (b *BridgedSource) Size() int64 { return 0 }

// Write feeds newly captured bytes into the pipe. It blocks until the
// decode pipeline's Read call drains them, providing natural backpressure.
func (b *BridgedSource) Write(p []byte) (int, error) { return b.pw.Write(p) }

// Close signals end-of-stream to the decode pipeline; its next Read returns
// io.EOF.
func (b *BridgedSource) Close() error { return b.pw.Close() }
