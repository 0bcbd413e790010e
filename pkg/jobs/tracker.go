package jobs

import (
	"sync"
	"time"
)

type graceEntry struct {
	timer *time.Timer
}

// Tracker is the in-flight set. A job is in-flight while it is running,
// while an archive of it is being streamed, or while a post-delivery grace
// timer is pending for it. Every deletion of a
// job directory goes through WhenIdle so the check and the delete happen
// under the same lock.
type Tracker struct {
	mu      sync.Mutex
	running    map[string]struct{}
	delivering map[string]int
	grace      map[string]*graceEntry
}

func NewTracker() *Tracker {
	return &Tracker{
		running:    make(map[string]struct{}),
		delivering: make(map[string]int),
		grace:      make(map[string]*graceEntry),
	}
}

func (t *Tracker) MarkRunning(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[id] = struct{}{}
}

func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, id)
}

func (t *Tracker) Running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[id]
	return ok
}

// Deliver marks id in-flight until the returned func is called. Concurrent
// deliveries of the same id are counted.
func (t *Tracker) Deliver(id string) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivering[id]++
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.delivering[id]--; t.delivering[id] <= 0 {
				delete(t.delivering, id)
			}
		})
	}
}

func (t *Tracker) InFlight(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight(id)
}

func (t *Tracker) inFlight(id string) bool {
	if _, ok := t.running[id]; ok {
		return true
	}
	if t.delivering[id] > 0 {
		return true
	}
	_, ok := t.grace[id]
	return ok
}

// RunningCount is the size of the running part of the set.
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// WhenIdle runs fn only if id is not in-flight, holding the lock for the
// duration of fn. It reports whether fn ran.
func (t *Tracker) WhenIdle(id string, fn func() error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight(id) {
		return false, nil
	}
	return true, fn()
}

// Grace marks id in-flight for delay and then calls fn. Scheduling again for
// the same id replaces the pending timer.
func (t *Tracker) Grace(id string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.grace[id]; ok {
		old.timer.Stop()
	}
	entry := &graceEntry{}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.grace[id] != entry {
			t.mu.Unlock()
			return
		}
		delete(t.grace, id)
		t.mu.Unlock()
		fn()
	})
	t.grace[id] = entry
}

func (t *Tracker) GracePending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.grace[id]
	return ok
}

// Stop cancels every pending grace timer without running it.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.grace {
		entry.timer.Stop()
		delete(t.grace, id)
	}
}
