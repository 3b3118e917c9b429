package sink

import "log/slog"

// LogSink is a minimal Sink that writes every dispatched operation as a
// structured slog record. It is not the SystemView-compatible writer named
// in spec.md §6 — that remains an out-of-scope external collaborator — but
// it gives cmd/svtrace-decode something real to dispatch into so the binary
// is runnable standalone, the way a deployment would plug in its own sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) OnTaskCreate(tid uint32)     { s.logger.Debug("task create", slog.Uint64("tid", uint64(tid))) }
func (s *LogSink) OnTaskStartExec(tid uint32)  { s.logger.Debug("task start exec", slog.Uint64("tid", uint64(tid))) }
func (s *LogSink) OnTaskStopExec(tid uint32)   { s.logger.Debug("task stop exec", slog.Uint64("tid", uint64(tid))) }
func (s *LogSink) OnTaskStartReady(tid uint32) { s.logger.Debug("task start ready", slog.Uint64("tid", uint64(tid))) }
func (s *LogSink) OnTaskStopReady(tid uint32)  { s.logger.Debug("task stop ready", slog.Uint64("tid", uint64(tid))) }
func (s *LogSink) OnIdle()                     { s.logger.Debug("idle") }

func (s *LogSink) RecordEnterISR(isr uint8) {
	s.logger.Debug("isr enter", slog.Uint64("isr", uint64(isr)))
}
func (s *LogSink) RecordExitISR() { s.logger.Debug("isr exit") }
func (s *LogSink) RecordVoid(id uint32) {
	s.logger.Debug("syscall enter", slog.Uint64("id", uint64(id)))
}
func (s *LogSink) RecordEndCall(id uint32) {
	s.logger.Debug("syscall exit", slog.Uint64("id", uint64(id)))
}
func (s *LogSink) RecordU32(id uint32, value uint32) {
	s.logger.Debug("event", slog.Uint64("id", uint64(id)), slog.Uint64("value", uint64(value)))
}
func (s *LogSink) SendTaskInfo(id uint32, prio uint32, stackBase, stackSize uint32, name string) {
	s.logger.Info("task info",
		slog.Uint64("tid", uint64(id)),
		slog.Uint64("prio", uint64(prio)),
		slog.Uint64("stack_base", uint64(stackBase)),
		slog.Uint64("stack_size", uint64(stackSize)),
		slog.String("name", name),
	)
}
func (s *LogSink) Print(text string) { s.logger.Info("print", slog.String("text", text)) }
func (s *LogSink) Error(text string) { s.logger.Warn("recovered defect", slog.String("text", text)) }
