package decode

const timestampWrap = 0x0100_0000 // 2^24, spec.md §4.3

// eventSource is the minimal pull interface the timestamp reconstructor
// needs from the overflow detector.
type eventSource interface {
	Next() (Event, error)
}

// TimestampReconstructor is the third decode stage: it turns each event's
// 24-bit rolling timestamp field into a monotonically non-decreasing
// 64-bit AbsoluteTime, rebasing on SYSTEM_RESET (spec.md §4.3).
type TimestampReconstructor struct {
	src eventSource

	currentTime uint64
	resetBase   uint64
	seenReset   bool
}

// NewTimestampReconstructor wraps src.
func NewTimestampReconstructor(src eventSource) *TimestampReconstructor {
	return &TimestampReconstructor{src: src}
}

// Next returns the next event with Time populated.
func (r *TimestampReconstructor) Next() (Event, error) {
	ev, err := r.src.Next()
	if err != nil {
		return Event{}, err
	}

	switch ev.Kind {
	case EventSystemReset:
		// A first reset with no earlier timestamped event starts the
		// timeline at zero; there is no prior session to rebase past. Any
		// other reset folds the just-finished session's final time into
		// resetBase so the timeline never moves backwards.
		if r.seenReset || r.currentTime != 0 {
			r.resetBase += r.currentTime + 1
		}
		r.seenReset = true
		r.currentTime = 0
		ev.Time = r.resetBase
		return ev, nil

	case EventInternalOverflow, EventOverflow:
		// Time is not adjusted; these events inherit the most recent
		// timestamp (spec.md §4.3 edge case).
		ev.Time = r.resetBase + r.currentTime
		return ev, nil
	}

	if carriesTimestamp(ev.Tag) || isISREnter(ev.Tag) {
		now := ev.Low24()
		old := uint32(r.currentTime & 0x00FFFFFF)
		if now < old {
			r.currentTime += timestampWrap
		}
		r.currentTime = (r.currentTime &^ 0x00FFFFFF) | uint64(now)
	}
	ev.Time = r.resetBase + r.currentTime
	return ev, nil
}
