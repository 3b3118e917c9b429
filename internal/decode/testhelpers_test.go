package decode_test

import (
	"encoding/binary"
	"io"

	"github.com/doki-nordic/svtrace/internal/decode"
)

// frameBytes encodes one 8-byte wire frame: word0 = tag<<24 | (low24 &
// 0xFFFFFF), word1 = param, both little-endian, matching the layout
// internal/decode/frame.go reads.
func frameBytes(tag byte, low24 uint32, word1 uint32) []byte {
	word0 := uint32(tag)<<24 | (low24 & 0x00FFFFFF)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], word0)
	binary.LittleEndian.PutUint32(buf[4:8], word1)
	return buf
}

// fakeFrameSource feeds a canned slice of Frames to an OverflowDetector,
// standing in for a real Framer.
type fakeFrameSource struct {
	frames []decode.Frame
	i      int
}

func (f *fakeFrameSource) Next() (decode.Frame, error) {
	if f.i >= len(f.frames) {
		return decode.Frame{}, io.EOF
	}
	fr := f.frames[f.i]
	f.i++
	return fr, nil
}

// fakeEventSource feeds a canned slice of Events to a TimestampReconstructor
// or BufferCombiner, standing in for an upstream pipeline stage.
type fakeEventSource struct {
	events []decode.Event
	i      int
}

func (f *fakeEventSource) Next() (decode.Event, error) {
	if f.i >= len(f.events) {
		return decode.Event{}, io.EOF
	}
	ev := f.events[f.i]
	f.i++
	return ev, nil
}
