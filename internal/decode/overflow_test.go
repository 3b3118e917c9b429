package decode_test

import (
	"io"
	"testing"

	"github.com/doki-nordic/svtrace/internal/decode"
)

func cycleEvent(counter uint32) decode.Event {
	return decode.Event{Kind: decode.EventCycle, Word1: (counter << 1) | 1}
}

func TestOverflowDetector_PassesThroughUncheckedEvents(t *testing.T) {
	src := &fakeFrameSource{frames: []decode.Frame{
		{Event: decode.Event{Kind: decode.EventThreadStart, Word1: 7}},
		{Event: decode.Event{Kind: decode.EventFormat}},
	}}
	d := decode.NewOverflowDetector(src, 0)

	first, err := d.Next()
	if err != nil || first.Kind != decode.EventThreadStart {
		t.Fatalf("first = %+v, err = %v, want EventThreadStart", first, err)
	}
	second, err := d.Next()
	if err != nil || second.Kind != decode.EventFormat {
		t.Fatalf("second = %+v, err = %v, want EventFormat", second, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("third Next() err = %v, want io.EOF", err)
	}
}

func TestOverflowDetector_GapInsertsInternalOverflow(t *testing.T) {
	// First CYCLE establishes savedCounter=1 with no defect (1 is not >1).
	// Second CYCLE jumps to 5 where only +2 (to 3) was expected: a gap of 2.
	src := &fakeFrameSource{frames: []decode.Frame{
		{Event: cycleEvent(1)},
		{Event: cycleEvent(5)},
	}}
	d := decode.NewOverflowDetector(src, 0)

	first, err := d.Next()
	if err != nil || first.Kind != decode.EventCycle || first.Param() != (1<<1)|1 {
		t.Fatalf("first = %+v, err = %v, want first CYCLE passed through unchanged", first, err)
	}

	defect, err := d.Next()
	if err != nil {
		t.Fatalf("Next (defect): %v", err)
	}
	if defect.Kind != decode.EventInternalOverflow {
		t.Fatalf("Kind = %v, want EventInternalOverflow", defect.Kind)
	}
	if defect.Aux != 2 {
		t.Fatalf("Aux (lost count) = %d, want 2", defect.Aux)
	}

	second, err := d.Next()
	if err != nil || second.Kind != decode.EventCycle || second.Param() != (5<<1)|1 {
		t.Fatalf("second = %+v, err = %v, want the triggering CYCLE released after its defect", second, err)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("final Next() err = %v, want io.EOF", err)
	}
}

func TestOverflowDetector_FirstCounterAboveOneSynthesizesResetAndOverflow(t *testing.T) {
	// A first-ever counter reading greater than 1 means an overflow already
	// happened before the capture started observing resets.
	src := &fakeFrameSource{frames: []decode.Frame{
		{Event: cycleEvent(3)},
	}}
	d := decode.NewOverflowDetector(src, 0)

	first, err := d.Next()
	if err != nil || first.Kind != decode.EventSystemReset {
		t.Fatalf("first = %+v, err = %v, want EventSystemReset", first, err)
	}
	second, err := d.Next()
	if err != nil || second.Kind != decode.EventOverflow {
		t.Fatalf("second = %+v, err = %v, want EventOverflow", second, err)
	}
	third, err := d.Next()
	if err != nil || third.Kind != decode.EventCycle || third.Param() != (3<<1)|1 {
		t.Fatalf("third = %+v, err = %v, want the triggering CYCLE", third, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("final Next() err = %v, want io.EOF", err)
	}
}

func TestOverflowDetector_PassThroughEventAheadOfResetDoesNotCorruptBaseline(t *testing.T) {
	// A pass-through event (e.g. THREAD_START) queued ahead of an explicit
	// SYSTEM_RESET must not throw off updateIdx: the reset's baseline has to
	// survive the pass-through event's release so the next CYCLE is checked
	// against it rather than spuriously re-triggering a synthesized reset.
	// fileSize=8 gives queueCapMax=2, which forces THREAD_START out of the
	// queue (and updateIdx decremented) before the CYCLE event is filled,
	// exercising the bug window that a fully-drained-before-release queue
	// would mask.
	src := &fakeFrameSource{frames: []decode.Frame{
		{Event: decode.Event{Kind: decode.EventThreadStart, Word1: 7}},
		{Event: decode.Event{Kind: decode.EventSystemReset}},
		{Event: cycleEvent(3)}, // reset sets savedCounter=1; +2 expected lands exactly on 3: no defect
	}}
	d := decode.NewOverflowDetector(src, 8)

	first, err := d.Next()
	if err != nil || first.Kind != decode.EventThreadStart {
		t.Fatalf("first = %+v, err = %v, want EventThreadStart", first, err)
	}

	second, err := d.Next()
	if err != nil || second.Kind != decode.EventSystemReset {
		t.Fatalf("second = %+v, err = %v, want the real EventSystemReset (not a spurious synthesized one)", second, err)
	}

	third, err := d.Next()
	if err != nil || third.Kind != decode.EventCycle {
		t.Fatalf("third = %+v, err = %v, want EventCycle with no defect in between", third, err)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("final Next() err = %v, want io.EOF", err)
	}
}

func TestOverflowDetector_ExplicitSystemResetEstablishesBaseline(t *testing.T) {
	src := &fakeFrameSource{frames: []decode.Frame{
		{Event: decode.Event{Kind: decode.EventSystemReset}},
		{Event: cycleEvent(3)}, // reset sets savedCounter=1; +2 expected lands exactly on 3: no defect
	}}
	d := decode.NewOverflowDetector(src, 0)

	reset, err := d.Next()
	if err != nil || reset.Kind != decode.EventSystemReset {
		t.Fatalf("reset = %+v, err = %v, want EventSystemReset", reset, err)
	}
	cycle, err := d.Next()
	if err != nil || cycle.Kind != decode.EventCycle {
		t.Fatalf("cycle = %+v, err = %v, want EventCycle with no defect in between", cycle, err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("final Next() err = %v, want io.EOF", err)
	}
}
