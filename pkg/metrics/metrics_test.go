package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/codemug/certgate/pkg/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return New(
		func() queue.Stats { return queue.Stats{Running: 2, Queued: 5, MaxConcurrent: 3} },
		func() (int, error) { return 7, nil },
	)
}

func TestMetrics_JobLifecycle(t *testing.T) {
	m := newTestMetrics()
	m.Submitted("a", false)
	m.Submitted("b", true)
	m.Submitted("c", true)
	m.Started("a")
	m.Finished("a", nil, nil)
	m.Finished("b", nil, jobs.ErrQueueTimeout)
	m.Started("c")
	m.Finished("c", nil, errors.New("exit status 1"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("immediate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("failed")))
	assert.Empty(t, m.started)
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics()
	m.Rejected("busy")
	m.Rejected("busy")
	m.Delivered("ok")
	m.RetentionSwept(3)
	m.GraceCleanup("a", true)
	m.GraceCleanup("b", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejections.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retentionDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.graceDeleted))
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics()
	m.Rejected("rate_limited")

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "certgate_slots_occupied 2")
	assert.Contains(t, text, "certgate_queue_length 5")
	assert.Contains(t, text, "certgate_job_directories 7")
	assert.Contains(t, text, `certgate_admission_rejections_total{reason="rate_limited"} 1`)
}
