package sink

// Call records one invocation made through Dispatch, keyed by method name,
// for use in tests that assert on dispatch order and arguments.
type Call struct {
	Method string
	Args   []any
}

// Recorder is a pass-through capture Sink: it records every call it
// receives without interpreting them, so tests can compare its Calls slice
// against an expected sequence.
type Recorder struct {
	Calls []Call
}

func (r *Recorder) record(method string, args ...any) {
	r.Calls = append(r.Calls, Call{Method: method, Args: args})
}

func (r *Recorder) OnTaskCreate(tid uint32)     { r.record("OnTaskCreate", tid) }
func (r *Recorder) OnTaskStartExec(tid uint32)  { r.record("OnTaskStartExec", tid) }
func (r *Recorder) OnTaskStopExec(tid uint32)   { r.record("OnTaskStopExec", tid) }
func (r *Recorder) OnTaskStartReady(tid uint32) { r.record("OnTaskStartReady", tid) }
func (r *Recorder) OnTaskStopReady(tid uint32)  { r.record("OnTaskStopReady", tid) }
func (r *Recorder) OnIdle()                     { r.record("OnIdle") }
func (r *Recorder) RecordEnterISR(isr uint8)    { r.record("RecordEnterISR", isr) }
func (r *Recorder) RecordExitISR()              { r.record("RecordExitISR") }
func (r *Recorder) RecordVoid(id uint32)        { r.record("RecordVoid", id) }
func (r *Recorder) RecordEndCall(id uint32)     { r.record("RecordEndCall", id) }
func (r *Recorder) RecordU32(id uint32, value uint32) {
	r.record("RecordU32", id, value)
}
func (r *Recorder) SendTaskInfo(id uint32, prio uint32, stackBase, stackSize uint32, name string) {
	r.record("SendTaskInfo", id, prio, stackBase, stackSize, name)
}
func (r *Recorder) Print(text string) { r.record("Print", text) }
func (r *Recorder) Error(text string) { r.record("Error", text) }

var _ Sink = (*Recorder)(nil)
