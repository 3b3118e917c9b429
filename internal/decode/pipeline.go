package decode

import (
	"context"
	"fmt"
	"io"
)

// Decoder drives the four-stage pull pipeline to completion against one
// byte source, yielding released (time, kind, param, payload) tuples as
// Event values (spec.md §2).
type Decoder struct {
	framer    *Framer
	overflow  *OverflowDetector
	timestamp *TimestampReconstructor
	buffer    *BufferCombiner
}

// NewDecoder builds the full pipeline over r. fileSize, when known, sizes
// the overflow detector's lookahead queue (0 for a live, size-less feed).
func NewDecoder(r io.Reader, fileSize int64) (*Decoder, error) {
	framer, err := NewFramer(r)
	if err != nil {
		return nil, fmt.Errorf("decode: new decoder: %w", err)
	}
	overflow := NewOverflowDetector(framer, fileSize)
	timestamp := NewTimestampReconstructor(overflow)
	buffer := NewBufferCombiner(timestamp)
	return &Decoder{framer: framer, overflow: overflow, timestamp: timestamp, buffer: buffer}, nil
}

// Next pulls one fully-assembled event through the whole pipeline. It
// returns io.EOF once the source is exhausted and every assembled payload
// has been released.
func (d *Decoder) Next() (Event, error) {
	return d.buffer.Next()
}

// Header returns the verbatim header lines recorded by the framer.
func (d *Decoder) Header() []string { return d.framer.HeaderLines }

// Footer returns the verbatim footer lines recorded by the framer (empty
// for a non-seekable source, which never attempts footer detection).
func (d *Decoder) Footer() []string { return d.framer.FooterLines }

// Run drives the pipeline to completion, delivering each released event to
// sink via dispatch and each recovered defect to onDefect (may be nil).
// Run returns on a clean end-of-stream, a cooperative cancellation via ctx,
// or the first non-EOF pipeline error.
func (d *Decoder) Run(ctx context.Context, dispatch func(Event) error, onDefect func(Defect)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode: run: %w", err)
		}

		if onDefect != nil {
			if defect, ok := DefectFromEvent(ev); ok {
				onDefect(defect)
			}
		}

		if dispatch != nil {
			if err := dispatch(ev); err != nil {
				return fmt.Errorf("decode: dispatch: %w", err)
			}
		}
	}
}
