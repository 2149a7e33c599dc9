package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/types"
)

func TestQueueObserver(t *testing.T) {
	r := NewRecorder()
	task := &types.Task{
		AnomalyType: types.AnomalyTestFailure,
		Priority:    types.PriorityCritical,
		Source:      types.SourceTestMonitor,
	}

	r.TaskEnqueued(task)
	r.TaskEnqueued(task)
	r.TaskArchived(task, types.ArchiveDropped)
	r.QueueDepth(3, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.tasksEnqueued.WithLabelValues(
		string(types.AnomalyTestFailure), string(types.PriorityCritical), string(types.SourceTestMonitor))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksArchived.WithLabelValues(string(types.ArchiveDropped))))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queuePending))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.queueDepth))
}

func TestObserveAnalysisAndAdvisory(t *testing.T) {
	r := NewRecorder()
	r.ObserveAnalysis("warning", []string{"phase_stuck", "silence"}, 3*time.Millisecond)
	r.ObserveAnalysis("healthy", nil, time.Millisecond)
	r.ObserveAdvisory(AdvisoryEnqueued)
	r.ObserveHealthCheck(false, 4)
	r.LogEntry()

	assert.Equal(t, 1.0, testutil.ToFloat64(r.analyses.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.issues.WithLabelValues("silence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.advisoryCalls.WithLabelValues(AdvisoryEnqueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.healthChecks.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.healthFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.logEntries))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.TaskEnqueued(&types.Task{})
		r.TaskArchived(nil, types.ArchiveExpired)
		r.QueueDepth(1, 1)
		r.LogEntry()
		r.ObserveAnalysis("healthy", nil, 0)
		r.ObserveAdvisory(AdvisoryError)
		r.ObserveHealthCheck(true, 0)
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder()
		NewRecorder()
	})
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.QueueDepth(2, 2)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "overseer_queue_pending 2")
}
