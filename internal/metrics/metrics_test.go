package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("leader-primary", "primary-leader")
	require.NotNil(t, c)
	assert.NotNil(t, c.tasksDispatched)
	assert.NotNil(t, c.tasksCompleted)
	assert.NotNil(t, c.tasksFailed)
	assert.NotNil(t, c.taskLatency)
	assert.NotNil(t, c.queueDepth)
	assert.NotNil(t, c.inFlight)
}

func TestCollector_RecordMethodsDoNotPanic(t *testing.T) {
	c := NewCollector("worker-1", "worker")

	assert.NotPanics(t, func() {
		c.RecordDispatch()
		c.RecordCompleted(0.5)
		c.RecordFailed()
		c.RecordHeartbeatMiss()
		c.RecordElectionTriggered()
		c.RecordStallRecovery()
		c.UpdateQueueStats(3, 1)
	})
}

func TestCollector_MultipleInstancesDoNotConflict(t *testing.T) {
	// Each collector owns its own registry, so two nodes in the same
	// process (as in integration tests) never hit a duplicate-metric
	// registration panic.
	assert.NotPanics(t, func() {
		NewCollector("leader-primary", "primary-leader")
		NewCollector("leader-backup-1", "backup-leader")
	})
}

func TestCollector_HandlerServesExpositionFormat(t *testing.T) {
	c := NewCollector("leader-primary", "primary-leader")
	c.RecordDispatch()
	c.RecordCompleted(1.2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetcoord_tasks_dispatched_total")
	assert.Contains(t, rec.Body.String(), "fleetcoord_tasks_completed_total")
}

func TestCollector_ConcurrentUpdates(t *testing.T) {
	c := NewCollector("worker-1", "worker")
	done := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordDispatch()
			c.RecordCompleted(0.1)
			c.UpdateQueueStats(1, 1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
