package debounce

import (
	"sync"
	"time"
)

// Task runs at most one pending function after a quiescence delay.
// Scheduling again before the delay elapses cancels the pending run and
// restarts the window, so only the last scheduled function executes.
// The zero value is ready to use.
type Task struct {
	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	pending    func()
}

// Schedule arms the task to run fn after the delay, replacing any pending
// run. The generation counter guards against a timer that already fired but
// whose callback has not yet acquired the lock.
func (t *Task) Schedule(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	t.pending = fn
	scheduled := t.generation
	t.timer = time.AfterFunc(delay, func() {
		t.run(scheduled)
	})
}

func (t *Task) run(scheduled uint64) {
	t.mu.Lock()
	if scheduled != t.generation || t.pending == nil {
		t.mu.Unlock()
		return
	}
	fn := t.pending
	t.pending = nil
	t.mu.Unlock()

	fn()
}

// Cancel drops any pending run.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.pending = nil
}

// Flush executes the pending function immediately instead of waiting out the
// remaining delay. No-op when nothing is pending.
func (t *Task) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	fn := t.pending
	t.pending = nil
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Pending reports whether a run is scheduled and has not executed yet.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}
