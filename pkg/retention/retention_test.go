package retention

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/codemug/certgate/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJobDir(t *testing.T, root, id string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server-cert.pem"), []byte("pem"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, stamp, stamp))
	return dir
}

func TestSweep_RemovesExpired(t *testing.T) {
	root := t.TempDir()
	old := makeJobDir(t, root, jobs.NewId(), 2*time.Hour)
	fresh := makeJobDir(t, root, jobs.NewId(), time.Minute)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray"), []byte("x"), 0o644))

	m := NewManager(Config{Root: root, MaxAge: time.Hour, Interval: time.Hour}, jobs.NewTracker())
	var reported int
	m.OnSweep(func(deleted int) { reported = deleted })

	assert.Equal(t, 1, m.Sweep())
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.FileExists(t, filepath.Join(root, "stray"))
	assert.Equal(t, 1, reported)
	assert.Equal(t, int64(1), m.Stats().TotalDeleted)
}

func TestSweep_SkipsInFlight(t *testing.T) {
	root := t.TempDir()
	tracker := jobs.NewTracker()
	runningId, graceId := jobs.NewId(), jobs.NewId()
	running := makeJobDir(t, root, runningId, 2*time.Hour)
	grace := makeJobDir(t, root, graceId, 2*time.Hour)
	tracker.MarkRunning(runningId)
	tracker.Grace(graceId, time.Hour, func() {})
	defer tracker.Stop()

	m := NewManager(Config{Root: root, MaxAge: time.Hour, Interval: time.Hour}, tracker)
	assert.Equal(t, 0, m.Sweep())
	assert.DirExists(t, running)
	assert.DirExists(t, grace)
	assert.Equal(t, int64(2), m.Stats().TotalSkipped)

	tracker.Release(runningId)
	assert.Equal(t, 1, m.Sweep())
	assert.NoDirExists(t, running)
}

// A job that becomes in-flight after the listing must survive the sweep.
func TestSweep_RechecksAtDeleteTime(t *testing.T) {
	root := t.TempDir()
	tracker := jobs.NewTracker()
	claimed, idle := jobs.NewId(), jobs.NewId()
	claimedDir := makeJobDir(t, root, claimed, 2*time.Hour)
	idleDir := makeJobDir(t, root, idle, 2*time.Hour)

	m := NewManager(Config{Root: root, MaxAge: time.Hour, Interval: time.Hour}, tracker)
	m.readDir = func(dir string) ([]os.DirEntry, error) {
		entries, err := os.ReadDir(dir)
		tracker.MarkRunning(claimed)
		return entries, err
	}
	var mu sync.Mutex
	var removed []string
	m.remove = func(path string) error {
		mu.Lock()
		removed = append(removed, filepath.Base(path))
		mu.Unlock()
		return os.RemoveAll(path)
	}

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, []string{idle}, removed)
	assert.DirExists(t, claimedDir)
	assert.NoDirExists(t, idleDir)
}

func TestSweep_RemoveFailureIsContained(t *testing.T) {
	root := t.TempDir()
	makeJobDir(t, root, jobs.NewId(), 2*time.Hour)
	m := NewManager(Config{Root: root, MaxAge: time.Hour, Interval: time.Hour}, jobs.NewTracker())
	m.remove = func(string) error { return os.ErrPermission }
	assert.Equal(t, 0, m.Sweep())
}

func TestSweep_MissingRoot(t *testing.T) {
	m := NewManager(Config{Root: filepath.Join(t.TempDir(), "gone"), MaxAge: time.Hour, Interval: time.Hour}, jobs.NewTracker())
	assert.Equal(t, 0, m.Sweep())
}

func TestSweep_PrunesRateWindows(t *testing.T) {
	limiter := ratelimit.NewLimiter(10, time.Millisecond)
	limiter.Admit("a")
	time.Sleep(10 * time.Millisecond)

	m := NewManager(Config{Root: t.TempDir(), MaxAge: time.Hour, Interval: time.Hour}, jobs.NewTracker(),
		func() int { return limiter.Prune(5) })
	m.Sweep()
	assert.Equal(t, 0, limiter.Len())
	assert.Equal(t, int64(1), m.Stats().TotalPruned)
}

func TestRun_StopsOnCancel(t *testing.T) {
	root := t.TempDir()
	old := makeJobDir(t, root, jobs.NewId(), 2*time.Hour)
	m := NewManager(Config{Root: root, MaxAge: time.Hour, Interval: 10 * time.Millisecond}, jobs.NewTracker())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
