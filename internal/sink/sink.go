// Package sink defines the semantic operations the decode core invokes on
// its external collaborator (spec.md §6) and the dispatch table that routes
// a decoded event to the matching Sink method.
package sink

import "github.com/doki-nordic/svtrace/internal/decode"

// Sink is the external collaborator that converts normalized events into
// the final SystemView-compatible output (spec.md §6, GLOSSARY). The core
// never writes a wire format itself; it only calls these operations.
type Sink interface {
	OnTaskCreate(tid uint32)
	OnTaskStartExec(tid uint32)
	OnTaskStopExec(tid uint32)
	OnTaskStartReady(tid uint32)
	OnTaskStopReady(tid uint32)
	OnIdle()
	RecordEnterISR(isr uint8)
	RecordExitISR()
	RecordVoid(id uint32)
	RecordEndCall(id uint32)
	RecordU32(id uint32, value uint32)
	SendTaskInfo(id uint32, prio uint32, stackBase, stackSize uint32, name string)
	Print(text string)
	Error(text string)
}

// Dispatch routes one decoded event to the matching Sink operation per the
// fixed EventKind → Sink-method table named in spec.md §6. The defect kinds
// (INTERNAL_CORRUPTED, INTERNAL_OVERFLOW, OVERFLOW) are reported through
// Sink.Error with the text of decode.DefectFromEvent. Kinds with no case
// below (SYSTEM_RESET, BUFFER_*, THREAD_INFO_BEGIN/NEXT, the MARK kinds)
// produce no call.
func Dispatch(s Sink, ev decode.Event) {
	switch ev.Kind {
	case decode.EventThreadCreate:
		s.OnTaskCreate(ev.Param())
	case decode.EventThreadStart, decode.EventThreadResume:
		s.OnTaskStartExec(ev.Param())
	case decode.EventThreadStop, decode.EventThreadSuspend:
		s.OnTaskStopExec(ev.Param())
	case decode.EventThreadReady:
		s.OnTaskStartReady(ev.Param())
	case decode.EventThreadPend:
		s.OnTaskStopReady(ev.Param())
	case decode.EventIdle:
		s.OnIdle()
	case decode.EventISREnter:
		s.RecordEnterISR(ev.ISRNumber())
	case decode.EventISRExit:
		s.RecordExitISR()
	case decode.EventSysCall:
		s.RecordVoid(ev.Param())
	case decode.EventSysEndCall:
		s.RecordEndCall(ev.Param())
	case decode.EventCycle, decode.EventThreadPriority:
		s.RecordU32(ev.Param(), ev.Low24())
	case decode.EventThreadInfoEnd:
		s.SendTaskInfo(ev.Param(), uint32(taskInfoField(ev.Payload, 0)),
			taskInfoField(ev.Payload, 1), taskInfoField(ev.Payload, 2), taskInfoName(ev.Payload))
	case decode.EventFormat, decode.EventPrintf, decode.EventPrint, decode.EventResName, decode.EventUser:
		s.Print(string(ev.Payload))
	case decode.EventInternalCorrupted, decode.EventInternalOverflow, decode.EventOverflow:
		if defect, ok := decode.DefectFromEvent(ev); ok {
			s.Error(defect.Error())
		}
	}
}

// taskInfoField extracts the idx'th little-endian uint32 word from a
// THREAD_INFO payload (prio, stackBase, stackSize occupy words 0..2 ahead
// of the NUL-terminated name).
func taskInfoField(payload []byte, idx int) uint32 {
	off := idx * 4
	if off+4 > len(payload) {
		return 0
	}
	return uint32(payload[off]) | uint32(payload[off+1])<<8 | uint32(payload[off+2])<<16 | uint32(payload[off+3])<<24
}

// taskInfoName extracts the NUL-terminated name following the three fixed
// uint32 fields in a THREAD_INFO payload.
func taskInfoName(payload []byte) string {
	const fixedFieldsLen = 12
	if len(payload) <= fixedFieldsLen {
		return ""
	}
	rest := payload[fixedFieldsLen:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i])
		}
	}
	return string(rest)
}
