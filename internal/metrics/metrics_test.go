package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.TaskFinished("dc1", "new-net", "done", 10*time.Millisecond)
	c.TaskFinished("dc1", "new-net", "done", 20*time.Millisecond)
	c.TaskFinished("dc1", "new-vm", "error", time.Millisecond)
	c.QueueDepth("dc1", 3)
	c.SubmissionRejected("dc1")
	c.RollbackAction("vm", "success")
	c.Deployment("failure")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasks.WithLabelValues("dc1", "new-net", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("dc1", "new-vm", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("dc1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("dc1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rollback.WithLabelValues("vm", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deployments.WithLabelValues("failure")))

	count, err := testutil.GatherAndCount(reg, "nfvo_task_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()

	var c *Collector
	require.NotPanics(t, func() {
		c.TaskFinished("w", "op", "done", time.Second)
		c.QueueDepth("w", 1)
		c.SubmissionRejected("w")
		c.RollbackAction("vm", "failed")
		c.Deployment("success")
	})
}

func TestNewCollectorWithoutRegisterer(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	})
}
