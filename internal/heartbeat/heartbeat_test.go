package heartbeat

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(types.FleetCrawler, "leader-primary", []types.NodeConfig{
		{ID: "leader-primary", Host: "127.0.0.1", Port: 8300, Role: types.RolePrimaryLeader, Priority: 0},
		{ID: "leader-backup-1", Host: "127.0.0.1", Port: 8301, Role: types.RoleBackupLeader, Priority: 1},
		{ID: "worker-1", Host: "127.0.0.1", Port: 8401, Role: types.RoleWorker},
	})
	require.NoError(t, err)
	return reg
}

func noStats() (int, int, int) { return 0, 0, 0 }

func TestReceiveHeartbeat_ClearsMissedBeatsAndFiresRecovery(t *testing.T) {
	reg := testRegistry(t)
	tunables := config.DefaultTunables(types.FleetCrawler)
	tunables.HeartbeatTimeout = 10 * time.Millisecond
	tunables.MaxMissedBeats = 1

	var mu sync.Mutex
	var events []types.NodeStatus
	onStatus := func(id string, status types.NodeStatus) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, status)
	}

	svc := New("leader-primary", types.RolePrimaryLeader, reg, tunables, testLogger(), noStats, onStatus, nil, "leader-primary", nil)

	svc.ReceiveHeartbeat(types.HeartbeatMessage{NodeID: "worker-1", NodeType: types.RoleWorker, Status: types.NodeOnline})
	time.Sleep(20 * time.Millisecond)
	svc.checkForFailures()
	assert.True(t, svc.IsFailed("worker-1"))

	svc.ReceiveHeartbeat(types.HeartbeatMessage{NodeID: "worker-1", NodeType: types.RoleWorker, Status: types.NodeOnline})
	assert.False(t, svc.IsFailed("worker-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, types.NodeOffline, events[0])
	assert.Equal(t, types.NodeOnline, events[1])
}

func TestCheckForFailures_RequiresConsecutiveMisses(t *testing.T) {
	reg := testRegistry(t)
	tunables := config.DefaultTunables(types.FleetCrawler)
	tunables.HeartbeatTimeout = 5 * time.Millisecond
	tunables.MaxMissedBeats = 3

	svc := New("leader-primary", types.RolePrimaryLeader, reg, tunables, testLogger(), noStats, nil, nil, "leader-primary", nil)
	svc.ReceiveHeartbeat(types.HeartbeatMessage{NodeID: "worker-1", NodeType: types.RoleWorker, Status: types.NodeOnline})

	time.Sleep(10 * time.Millisecond)
	svc.checkForFailures()
	assert.False(t, svc.IsFailed("worker-1"), "one missed window must not fail the peer")

	svc.checkForFailures()
	assert.False(t, svc.IsFailed("worker-1"), "two missed windows must not fail the peer")

	svc.checkForFailures()
	assert.True(t, svc.IsFailed("worker-1"), "three missed windows must fail the peer")
}

func TestReceiveHeartbeat_AdoptsLeaderChange(t *testing.T) {
	reg := testRegistry(t)
	tunables := config.DefaultTunables(types.FleetCrawler)

	var gotLeader string
	onLeaderChange := func(id string) { gotLeader = id }

	svc := New("worker-1", types.RoleWorker, reg, tunables, testLogger(), noStats, nil, onLeaderChange, "leader-primary", nil)
	svc.ReceiveHeartbeat(types.HeartbeatMessage{
		NodeID: "leader-backup-1", NodeType: types.RoleBackupLeader,
		Status: types.NodeOnline, LeaderID: "leader-backup-1",
	})

	assert.Equal(t, "leader-backup-1", svc.LeaderID())
	assert.Equal(t, "leader-backup-1", gotLeader)
}

func TestRecipients_WorkerOnlyTargetsCurrentLeader(t *testing.T) {
	reg := testRegistry(t)
	tunables := config.DefaultTunables(types.FleetCrawler)
	svc := New("worker-1", types.RoleWorker, reg, tunables, testLogger(), noStats, nil, nil, "leader-backup-1", nil)

	recipients := svc.recipients()
	require.Len(t, recipients, 1)
	assert.Equal(t, "leader-backup-1", recipients[0].ID)
}

func TestRecipients_LeaderTargetsEveryoneElse(t *testing.T) {
	reg := testRegistry(t)
	tunables := config.DefaultTunables(types.FleetCrawler)
	svc := New("leader-primary", types.RolePrimaryLeader, reg, tunables, testLogger(), noStats, nil, nil, "leader-primary", nil)

	recipients := svc.recipients()
	assert.Len(t, recipients, 2)
}
