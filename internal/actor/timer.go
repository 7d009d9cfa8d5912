package actor

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer. Cancelling after the callback has
// fired is a no-op, so holders never need to know whether they raced the
// deadline.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// After schedules fn to run once after d. The callback runs on its own
// goroutine; callers that need single-threaded handling should have fn send
// a message to the owning actor's mailbox instead of touching state.
func After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.done {
			t.mu.Unlock()
			return
		}
		t.done = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the timer if it has not fired yet. It reports whether the
// callback was prevented from running.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}
