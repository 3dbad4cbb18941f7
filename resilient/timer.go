package resilient

import "time"

// timerHandle is an owned timer handle whose Cancel is idempotent, per
// design note §9 ("timers are not objects to be leaked"). Replacing a
// handle (cancel the old, arm the new) is the caller's responsibility --
// see cancelFailureTimerLocked/cancelReconnectTimerLocked, which always
// cancel before assigning a replacement.
type timerHandle struct {
	timer *time.Timer
}

func newTimerHandle(d time.Duration, fire func()) *timerHandle {
	return &timerHandle{timer: time.AfterFunc(d, fire)}
}

func (h *timerHandle) Cancel() {
	if h == nil {
		return
	}
	h.timer.Stop()
}
