package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflux/fleetcoord/pkg/types"
)

func TestTaskCompletesAfterWorkerFailureMidTask(t *testing.T) {
	page := startSlowPage(t, "<html><body><p>still here</p></body></html>", 200*time.Millisecond)
	fl := buildFleet(t, types.FleetCrawler, 1, 2)

	n := fl.leaders["leader-primary"].n
	ids := n.CreateTasks(types.TaskKindPageExtract, []types.TaskPayload{{URL: page.URL}})
	require.Len(t, ids, 1)

	var assignedWorker string
	require.Eventually(t, func() bool {
		task, ok := n.GetTask(ids[0])
		if ok && task.Status == types.TaskProcessing && task.AssignedWorker != "" {
			assignedWorker = task.AssignedWorker
			return true
		}
		return false
	}, 150*time.Millisecond, 5*time.Millisecond)

	fl.workers[assignedWorker].kill()

	assert.Eventually(t, func() bool {
		task, ok := n.GetTask(ids[0])
		return ok && task.Status == types.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
