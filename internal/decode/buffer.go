package decode

import "encoding/binary"

// bufState is the per-accumulator lifecycle named in spec.md §3: EMPTY,
// RUNNING, DONE.
type bufState uint8

const (
	bufEmpty bufState = iota
	bufRunning
	bufDone
)

// contextState holds the two parallel accumulators tracked per ContextID
// (spec.md §3): the generic buffer family and the thread-info family.
type contextState struct {
	buffer      []byte
	bufferState bufState

	threadInfo      []byte
	threadInfoState bufState
}

// defaultBufferCap and defaultThreadInfoCap are the resource caps named in
// spec.md §5 (generic buffer ≤ ~64 KiB, thread-info ≤ ~100 bytes); an
// assembly that would exceed its cap is a ResourceCap defect, handled the
// same way as a ProtocolViolation (INTERNAL_CORRUPTED + reset).
const (
	defaultBufferCap     = 64 * 1024
	defaultThreadInfoCap = 100
)

// timedEventSource is the minimal pull interface the buffer combiner needs
// from the timestamp reconstructor.
type timedEventSource interface {
	Next() (Event, error)
}

// BufferCombiner is the fourth and final decode stage: it reassembles
// variable-length side-band buffers multiplexed across execution contexts
// and releases the fully-formed (time, kind, param, payload) tuple (spec.md
// §4.4).
type BufferCombiner struct {
	src timedEventSource

	contexts map[ContextID]*contextState

	currentThread ContextID
	irqStack      []ContextID
	currentCtx    ContextID

	bufferCap     int
	threadInfoCap int

	// pending holds synthesized defect/reset records queued ahead of the
	// event that triggered them, preserving "defect position, not physical
	// position" ordering (spec.md §5).
	pending []Event
}

// NewBufferCombiner wraps src with the default resource caps.
func NewBufferCombiner(src timedEventSource) *BufferCombiner {
	return &BufferCombiner{
		src:           src,
		contexts:      make(map[ContextID]*contextState),
		currentThread: unknownContext,
		currentCtx:    unknownContext,
		bufferCap:     defaultBufferCap,
		threadInfoCap: defaultThreadInfoCap,
	}
}

// state returns (creating lazily) the contextState for id.
func (c *BufferCombiner) state(id ContextID) *contextState {
	st, ok := c.contexts[id]
	if !ok {
		st = &contextState{}
		c.contexts[id] = st
	}
	return st
}

// Next returns the next fully-assembled (time, kind, param, payload) tuple.
func (c *BufferCombiner) Next() (Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}

		ev, err := c.src.Next()
		if err != nil {
			return Event{}, err
		}

		if out, ok := c.step(ev); ok {
			return out, nil
		}
		// step may have only updated state (e.g. BEGIN/NEXT, THREAD_INFO
		// fragments) with nothing to release yet; loop to pull the next
		// upstream event (or drain c.pending first).
	}
}

// step advances the context/assembly state machines for one event and
// reports the event to release, if any, this call.
func (c *BufferCombiner) step(ev Event) (Event, bool) {
	switch ev.Kind {
	case EventThreadStart:
		tid := ev.Param()
		c.currentThread = threadContext(tid)
		c.irqStack = c.irqStack[:0]
		c.currentCtx = c.currentThread
		return ev, true

	case EventISREnter:
		depth := len(c.irqStack)
		ctx := irqContext(ev.Tag, depth)
		c.irqStack = append(c.irqStack, ctx)
		c.currentCtx = ctx
		return ev, true

	case EventISRExit:
		if len(c.irqStack) > 0 {
			c.irqStack = c.irqStack[:len(c.irqStack)-1]
		}
		if len(c.irqStack) > 0 {
			c.currentCtx = c.irqStack[len(c.irqStack)-1]
		} else {
			c.currentCtx = c.currentThread
		}
		return ev, true

	case EventSystemReset, EventOverflow, EventInternalOverflow, EventInternalCorrupted:
		c.contexts = make(map[ContextID]*contextState)
		c.currentThread = unknownContext
		c.currentCtx = unknownContext
		c.irqStack = c.irqStack[:0]
		return ev, true

	case EventBufferBegin:
		c.bufferBegin(ev)
		return Event{}, false

	case EventBufferNext:
		if ok := c.bufferNext(ev); !ok {
			return c.popPending()
		}
		return Event{}, false

	case EventBufferEnd:
		if ok := c.bufferEnd(ev); !ok {
			return c.popPending()
		}
		return Event{}, false

	case EventBufferBeginEnd:
		c.bufferBeginEnd(ev)
		return Event{}, false

	case EventThreadInfoBegin, EventThreadInfoNext:
		c.threadInfoFragment(ev)
		return Event{}, false

	case EventThreadInfoEnd:
		return c.threadInfoEnd(ev)

	case EventFormat, EventPrintf, EventPrint, EventResName, EventUser:
		return c.deliverPayload(ev)

	default:
		return ev, true
	}
}

// popPending returns the first queued defect produced by this step call, if
// any; it is used after a helper returns false to mean "a defect was
// queued instead of the original event".
func (c *BufferCombiner) popPending() (Event, bool) {
	if len(c.pending) == 0 {
		return Event{}, false
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, true
}

func (c *BufferCombiner) corrupt(st *contextState, t uint64) {
	st.buffer = nil
	st.bufferState = bufEmpty
	c.pending = append(c.pending, Event{Kind: EventInternalCorrupted, Time: t})
}

// appendChunk4_3 appends param (4 bytes LE) and the low 3 bytes of the
// event word (LE) to buf, used by BUFFER_BEGIN and BUFFER_NEXT.
func appendChunk4_3(buf []byte, ev Event) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], ev.Param())
	buf = append(buf, tmp[:]...)
	low24 := ev.Low24()
	buf = append(buf, byte(low24), byte(low24>>8), byte(low24>>16))
	return buf
}

func (c *BufferCombiner) bufferBegin(ev Event) {
	st := c.state(c.currentCtx)
	// A BEGIN while RUNNING or DONE restarts the buffer rather than raising
	// a defect (spec.md §4.4 state table): clear and start fresh either way.
	// No warning is emitted for the discarded contents.
	st.buffer = appendChunk4_3(nil, ev)
	st.bufferState = bufRunning
}

func (c *BufferCombiner) bufferNext(ev Event) bool {
	st := c.state(c.currentCtx)
	if st.bufferState != bufRunning {
		c.corrupt(st, ev.Time)
		return false
	}
	next := appendChunk4_3(st.buffer, ev)
	if len(next) > c.bufferCap {
		c.corrupt(st, ev.Time)
		return false
	}
	st.buffer = next
	return true
}

// bufferEndChunk builds the final 6-byte chunk (param LE4 + low-16-of-
// additional LE2) and the chunk length (top byte of the 24-bit additional
// field, clamped 0..6), per spec.md §4.4.
func bufferEndChunk(ev Event) (chunk [6]byte, chunkLen int) {
	binary.LittleEndian.PutUint32(chunk[0:4], ev.Param())
	low24 := ev.Low24()
	chunk[4] = byte(low24)
	chunk[5] = byte(low24 >> 8)
	chunkLen = int(byte(low24 >> 16))
	if chunkLen > 6 {
		chunkLen = 6
	}
	return chunk, chunkLen
}

func (c *BufferCombiner) bufferEnd(ev Event) bool {
	st := c.state(c.currentCtx)
	if st.bufferState != bufRunning {
		c.corrupt(st, ev.Time)
		return false
	}
	chunk, chunkLen := bufferEndChunk(ev)
	next := append(st.buffer, chunk[:chunkLen]...)
	if len(next) > c.bufferCap {
		c.corrupt(st, ev.Time)
		return false
	}
	st.buffer = next
	st.bufferState = bufDone
	return true
}

func (c *BufferCombiner) bufferBeginEnd(ev Event) {
	st := c.state(c.currentCtx)
	chunk, chunkLen := bufferEndChunk(ev)
	st.buffer = append([]byte{}, chunk[:chunkLen]...)
	st.bufferState = bufDone
}

// threadInfoFragment appends the 3-byte additional field to the thread-info
// accumulator keyed on the thread id carried in param, not currentCtx
// (spec.md §4.4).
func (c *BufferCombiner) threadInfoFragment(ev Event) {
	ctx := threadContext(ev.Param())
	st := c.state(ctx)
	low24 := ev.Low24()
	next := append(st.threadInfo, byte(low24), byte(low24>>8), byte(low24>>16))
	if len(next) > c.threadInfoCap {
		st.threadInfo = nil
		st.threadInfoState = bufEmpty
		c.pending = append(c.pending, Event{Kind: EventInternalCorrupted, Time: ev.Time})
		return
	}
	st.threadInfo = next
	st.threadInfoState = bufRunning
}

func (c *BufferCombiner) threadInfoEnd(ev Event) (Event, bool) {
	ctx := threadContext(ev.Param())
	st := c.state(ctx)
	low24 := ev.Low24()
	payload := append(st.threadInfo, byte(low24), byte(low24>>8), byte(low24>>16))
	st.threadInfo = nil
	st.threadInfoState = bufEmpty
	ev.Payload = payload
	return ev, true
}

// deliverPayload swaps currentCtx's generic buffer into ev's payload and
// clears the accumulator, per spec.md §4.4's "payload delivery" rule. The
// buffer is delivered whatever its state: a RUNNING (unterminated) buffer
// is released as it stands. The thread-info accumulator is not inspected,
// so a DONE thread-info buffer at this point is neither warned about nor
// reported.
func (c *BufferCombiner) deliverPayload(ev Event) (Event, bool) {
	st := c.state(c.currentCtx)
	// EV_PRINTF/EV_PRINT with an empty assembled payload is ambiguous in
	// the source tracer; preserved here as specified: released with a
	// zero-length payload rather than suppressed or treated as an error.
	ev.Payload = st.buffer
	st.buffer = nil
	st.bufferState = bufEmpty
	return ev, true
}
