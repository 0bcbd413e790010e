package jobs

import (
	"errors"
	"path/filepath"
	"sync"
	"time"
)

// Ledger keeps a snapshot of every admitted job so that callers who were
// queued can look the outcome up by id. Finished entries are pruned by age.
type Ledger struct {
	mu      sync.RWMutex
	root    string
	records map[string]*Record
	now     func() time.Time
}

func NewLedger(root string) *Ledger {
	return &Ledger{
		root:    root,
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// record returns the entry for id, creating it if needed. The queue may
// report a start or finish before the submission itself has been recorded.
func (l *Ledger) record(id string, status Status) *Record {
	rec, ok := l.records[id]
	if !ok {
		rec = &Record{
			Id:         id,
			Status:     status,
			EnqueuedAt: l.now(),
			Dir:        filepath.Join(l.root, id),
		}
		l.records[id] = rec
	}
	return rec
}

func (l *Ledger) Submitted(id string, queued bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Running
	if queued {
		status = Queued
	}
	l.record(id, status)
}

func (l *Ledger) Started(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.record(id, Running)
	if rec.Status.Finished() {
		return
	}
	now := l.now()
	rec.Status = Running
	rec.StartedAt = &now
}

func (l *Ledger) Finished(id string, files []Artifact, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.record(id, Running)
	now := l.now()
	rec.FinishedAt = &now
	switch {
	case err == nil:
		rec.Status = Completed
		rec.Files = files
	case errors.Is(err, ErrQueueTimeout):
		rec.Status = TimedOut
		rec.Error = err.Error()
	default:
		rec.Status = Failed
		rec.Error = err.Error()
	}
}

// Get returns a copy of the record for id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	cp := *rec
	cp.Files = append([]Artifact(nil), rec.Files...)
	return cp, true
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Prune drops finished records older than maxAge and returns how many were
// removed. Queued and running records are never pruned.
func (l *Ledger) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, rec := range l.records {
		if rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}
