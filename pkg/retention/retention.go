package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/golang/glog"
)

// Pruner drops stale entries from an in-memory index and reports how many
// it removed.
type Pruner func() int

type Config struct {
	Root     string
	MaxAge   time.Duration
	Interval time.Duration
}

type Stats struct {
	LastSweep        time.Time
	LastDuration     time.Duration
	TotalDeleted     int64
	TotalSkipped     int64
	TotalPruned      int64
	LastSweepDeleted int
}

// Manager periodically deletes job directories older than MaxAge. Deletion
// goes through the tracker so a job that is in-flight at delete time is
// always skipped, whatever the listing said.
type Manager struct {
	config  Config
	tracker *jobs.Tracker
	pruners []Pruner
	readDir func(string) ([]os.DirEntry, error)
	remove  func(string) error
	now     func() time.Time
	onSweep func(deleted int)

	mu    sync.RWMutex
	stats Stats
}

func NewManager(config Config, tracker *jobs.Tracker, pruners ...Pruner) *Manager {
	return &Manager{
		config:  config,
		tracker: tracker,
		pruners: pruners,
		readDir: os.ReadDir,
		remove:  os.RemoveAll,
		now:     time.Now,
	}
}

// OnSweep registers a callback invoked with the number of directories
// deleted by each sweep.
func (m *Manager) OnSweep(fn func(deleted int)) {
	m.onSweep = fn
}

// Run sweeps every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	glog.Infof("retention manager started (max age %s, interval %s)", m.config.MaxAge, m.config.Interval)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			glog.Info("retention manager stopped")
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one cleanup cycle and returns the number of deleted directories.
func (m *Manager) Sweep() int {
	start := m.now()
	entries, err := m.readDir(m.config.Root)
	if err != nil {
		glog.Errorf("failed to list job directories: %v", err)
		return 0
	}

	deleted, skipped := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(m.config.Root, id)
		info, err := entry.Info()
		if err != nil {
			glog.Warningf("cannot stat job directory %s: %v", id, err)
			continue
		}
		if start.Sub(info.ModTime()) <= m.config.MaxAge {
			continue
		}
		ran, err := m.tracker.WhenIdle(id, func() error { return m.remove(path) })
		switch {
		case !ran:
			glog.V(2).Infof("skipping in-flight job directory %s", id)
			skipped++
		case err != nil:
			glog.Warningf("failed to remove expired job directory %s: %v", id, err)
		default:
			glog.Infof("removed expired job directory %s", id)
			deleted++
		}
	}

	pruned := 0
	for _, prune := range m.pruners {
		pruned += prune()
	}

	if deleted > 0 {
		glog.Infof("retention sweep removed %d expired job directories", deleted)
	}
	m.mu.Lock()
	m.stats.LastSweep = start
	m.stats.LastDuration = m.now().Sub(start)
	m.stats.LastSweepDeleted = deleted
	m.stats.TotalDeleted += int64(deleted)
	m.stats.TotalSkipped += int64(skipped)
	m.stats.TotalPruned += int64(pruned)
	m.mu.Unlock()

	if m.onSweep != nil {
		m.onSweep(deleted)
	}
	return deleted
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
