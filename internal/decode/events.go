// Package decode implements the four-stage RTT trace decode pipeline:
// framing/resynchronization, ring-buffer overflow detection, 24-bit
// timestamp reconstruction, and side-band buffer reassembly. Each stage is a
// pure state machine advanced by a single "read next event" call; there is
// no shared mutable state between stages other than the producer/consumer
// relationship itself.
package decode

// EventKind is the closed set of semantic event kinds the decode pipeline
// can produce. It is total over every wire tag in 0x01..0xFF (see tagKind)
// plus two synthetic kinds produced only by the pipeline itself.
type EventKind uint8

const (
	// EventInvalid is the zero value and never appears on a released Event;
	// its presence indicates a bug in the tag table.
	EventInvalid EventKind = iota

	// Shape C (additional-parameter) events, tags 0x01-0x0B.
	EventCycle
	EventThreadPriority
	EventThreadInfoBegin
	EventThreadInfoNext
	EventThreadInfoEnd
	EventFormat
	EventBufferBegin
	EventBufferNext
	EventBufferEnd
	EventBufferBeginEnd
	EventResName

	// EventUser covers the reserved user-defined tag range 0x0C-0x0F (shape
	// C, no timestamp, carried through to the sink as an opaque user event).
	EventUser

	// Shape B (timestamped) events, tags 0x11-0x1F.
	EventSystemReset
	EventOverflow
	EventIdle
	EventThreadStart
	EventThreadStop
	EventThreadCreate
	EventThreadSuspend
	EventThreadResume
	EventThreadReady
	EventThreadPend
	EventSysCall
	EventSysEndCall
	EventISRExit
	EventPrintf
	EventPrint

	// EventMarkStart, EventMark and EventMarkStop are part of the closed
	// taxonomy named by the data model but are not bound to any tag in the
	// frozen wire table (§6): no byte value currently classifies to them.
	// They are kept so that a dispatch switch over EventKind stays
	// exhaustive and so a future tag allocation has a named home.
	EventMarkStart
	EventMark
	EventMarkStop

	// Shape A event, tags 0x80-0xFF (isr number in the low 7 bits of Tag).
	EventISREnter

	// eventSync is internal: it marks the 8-byte sync sentinel tag (0x78)
	// so the framer's tag table stays total, but a valid sync is consumed
	// silently and never becomes a released Event.
	eventSync

	// Synthetic kinds produced by the pipeline itself, never read off the
	// wire directly.
	EventInternalCorrupted
	EventInternalOverflow
)

// String renders a short diagnostic name for defect logging and tests.
func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "UNKNOWN"
}

var eventKindNames = [...]string{
	EventInvalid:            "INVALID",
	EventCycle:               "CYCLE",
	EventThreadPriority:      "THREAD_PRIORITY",
	EventThreadInfoBegin:     "THREAD_INFO_BEGIN",
	EventThreadInfoNext:      "THREAD_INFO_NEXT",
	EventThreadInfoEnd:       "THREAD_INFO_END",
	EventFormat:              "FORMAT",
	EventBufferBegin:         "BUFFER_BEGIN",
	EventBufferNext:          "BUFFER_NEXT",
	EventBufferEnd:           "BUFFER_END",
	EventBufferBeginEnd:      "BUFFER_BEGIN_END",
	EventResName:             "RES_NAME",
	EventUser:                "USER",
	EventSystemReset:         "SYSTEM_RESET",
	EventOverflow:            "OVERFLOW",
	EventIdle:                "IDLE",
	EventThreadStart:         "THREAD_START",
	EventThreadStop:          "THREAD_STOP",
	EventThreadCreate:        "THREAD_CREATE",
	EventThreadSuspend:       "THREAD_SUSPEND",
	EventThreadResume:        "THREAD_RESUME",
	EventThreadReady:         "THREAD_READY",
	EventThreadPend:          "THREAD_PEND",
	EventSysCall:             "SYS_CALL",
	EventSysEndCall:          "SYS_END_CALL",
	EventISRExit:             "ISR_EXIT",
	EventPrintf:              "PRINTF",
	EventPrint:               "PRINT",
	EventMarkStart:           "MARK_START",
	EventMark:                "MARK",
	EventMarkStop:            "MARK_STOP",
	EventISREnter:            "ISR_ENTER",
	eventSync:                "SYNC",
	EventInternalCorrupted:   "INTERNAL_CORRUPTED",
	EventInternalOverflow:    "INTERNAL_OVERFLOW",
}

// syncPattern is the 8-byte sync sentinel used to realign after corruption
// (glossary: Sync sentinel).
var syncPattern = [8]byte{0x79, 0x7E, 0x7C, 0x78, 0x7B, 0x7A, 0x7D, 0x7F}

// syncWord0/syncWord1 are the little-endian 32-bit halves of syncPattern,
// matching the EV_SYNC_FIRST|SYNC_ADDITIONAL / SYNC_PARAM pair named in
// spec.md §4.1.
const (
	syncWord0 uint32 = 0x787C7E79
	syncWord1 uint32 = 0x7F7D7A7B
)

// tagKind is the dense, total lookup table from wire tag byte (the
// classified high byte described in spec.md §3/§6) to EventKind. Totality
// over 0x00..0xFF lets the framer reject corruption with a single table
// lookup rather than a chain of range checks (spec.md §9).
var tagKind [256]EventKind

func init() {
	named := map[byte]EventKind{
		0x01: EventCycle,
		0x02: EventThreadPriority,
		0x03: EventThreadInfoBegin,
		0x04: EventThreadInfoNext,
		0x05: EventThreadInfoEnd,
		0x06: EventFormat,
		0x07: EventBufferBegin,
		0x08: EventBufferNext,
		0x09: EventBufferEnd,
		0x0A: EventBufferBeginEnd,
		0x0B: EventResName,
		0x11: EventSystemReset,
		0x12: EventOverflow,
		0x13: EventIdle,
		0x14: EventThreadStart,
		0x15: EventThreadStop,
		0x16: EventThreadCreate,
		0x17: EventThreadSuspend,
		0x18: EventThreadResume,
		0x19: EventThreadReady,
		0x1A: EventThreadPend,
		0x1B: EventSysCall,
		0x1C: EventSysEndCall,
		0x1D: EventISRExit,
		0x1E: EventPrintf,
		0x1F: EventPrint,
		0x78: eventSync,
	}
	for tag, kind := range named {
		tagKind[tag] = kind
	}
	// Reserved user range: shape C, tags 0x0C-0x0F.
	for tag := 0x0C; tag <= 0x0F; tag++ {
		tagKind[tag] = EventUser
	}
	// ISR-enter: shape A, the full 0x80-0xFF range.
	for tag := 0x80; tag <= 0xFF; tag++ {
		tagKind[tag] = EventISREnter
	}
	// Every other tag (0x00, 0x10, 0x20-0x77, 0x79-0x7F) stays EventInvalid,
	// i.e. corruption, by the total function's zero value.
}

// carriesTimestamp reports whether tag's low 24 bits of word0 hold a 24-bit
// timestamp (true) or a 24-bit "additional" payload field with the
// timestamp carried over from the previous event (false), per spec.md §4.3.
func carriesTimestamp(tag byte) bool {
	return tag >= 0x10
}

// isISREnter reports whether tag classifies as the shape-A ISR-enter event.
func isISREnter(tag byte) bool {
	return tag&0x80 != 0
}

// isrNumber extracts the 7-bit ISR number from an ISR-enter tag.
func isrNumber(tag byte) uint8 {
	return tag & 0x7F
}

// ContextID identifies the execution context (thread or interrupt-stack
// depth) an event is attributed to, per spec.md §3.
type ContextID uint64

const (
	contextThreadBit = uint64(1) << 33
	contextIRQBit    = uint64(1) << 32

	// unknownContext is the sentinel context before any THREAD_START or
	// ISR_ENTER has been observed.
	unknownContext ContextID = 0
)

// threadContext builds the ContextID for a running thread.
func threadContext(tid uint32) ContextID {
	return ContextID(contextThreadBit | uint64(tid))
}

// irqContext builds the ContextID for an interrupt at a given nesting
// depth, keyed on the raw ISR tag bits so that distinct ISR numbers (or the
// same ISR re-entering at a deeper stack level) get distinct buffers.
func irqContext(tag byte, depth int) ContextID {
	return ContextID(contextIRQBit | (uint64(tag&0x7F) << 24) | uint64(depth))
}

// Event is the single record type threaded through all four pipeline
// stages, progressively enriched: the framer sets Kind/Tag/Word0/Word1/Aux;
// the timestamp reconstructor sets Time; the buffer combiner sets Payload.
type Event struct {
	Kind  EventKind
	Tag   byte   // wire tag byte; zero for a purely synthetic event
	Word0 uint32 // raw word 0, as read from the wire
	Word1 uint32 // raw word 1 ("param" in spec.md §3)
	Aux   uint32 // skipped_bytes (INTERNAL_CORRUPTED) or lost_count (*OVERFLOW)

	Time    uint64 // AbsoluteTime once stage 3 has run
	Payload []byte // reassembled side-band buffer, set by stage 4
}

// Low24 returns the low 24 bits of Word0: a timestamp for tags >= 0x10, or
// a 24-bit "additional" payload field for shape-C events below that.
func (e Event) Low24() uint32 { return e.Word0 & 0x00FFFFFF }

// Param returns Word1, called "param" throughout spec.md §3.
func (e Event) Param() uint32 { return e.Word1 }

// ISRNumber returns the 7-bit interrupt number carried by an ISR_ENTER
// event's tag byte.
func (e Event) ISRNumber() uint8 { return isrNumber(e.Tag) }

// IsSynthetic reports whether Event is of one of the two pipeline-only
// kinds, INTERNAL_CORRUPTED or INTERNAL_OVERFLOW. A SYSTEM_RESET or
// OVERFLOW synthesized by the overflow detector reports false.
func (e Event) IsSynthetic() bool {
	switch e.Kind {
	case EventInternalCorrupted, EventInternalOverflow:
		return true
	default:
		return false
	}
}
