// Package integration spins up whole fleets, in process, over real
// loopback listeners, and drives them through the scenarios described
// as testable properties for the coordination core: dispatch, worker
// failure, follower redirect, and both levels of leader failover.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/internal/engine"
	"github.com/coreflux/fleetcoord/internal/heartbeat"
	"github.com/coreflux/fleetcoord/internal/httpclient"
	"github.com/coreflux/fleetcoord/internal/leader"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/internal/statemanager"
	"github.com/coreflux/fleetcoord/internal/worker"
	"github.com/coreflux/fleetcoord/pkg/types"
)

// testTunables shrinks every timing constant so a 45-second failover
// window in the documented behaviour becomes a couple of seconds here.
func testTunables(fleet types.Fleet) config.Tunables {
	t := config.DefaultTunables(fleet)
	t.DispatchPeriod = 20 * time.Millisecond
	t.StallThreshold = 300 * time.Millisecond
	t.HeartbeatInterval = 40 * time.Millisecond
	t.HeartbeatTimeout = 120 * time.Millisecond
	t.MaxMissedBeats = 2
	t.ElectionCooldown = 0
	t.ElectionDelayMin = 10 * time.Millisecond
	t.ElectionDelayMax = 30 * time.Millisecond
	t.ClientWaitDeadline = 3 * time.Second
	t.StateSyncInterval = 40 * time.Millisecond
	t.StateSyncRetryDelay = 60 * time.Millisecond
	return t
}

// leaderHandle is a running leader node plus everything needed to stop it
// independently of the rest of the fleet, for failure-injection tests.
type leaderHandle struct {
	id  string
	n   *leader.Node
	hb  *heartbeat.Service
	ln  net.Listener
	srv *http.Server
}

func (h *leaderHandle) kill() {
	_ = h.ln.Close()
	h.hb.Stop()
	h.n.Stop()
}

type workerHandle struct {
	id  string
	w   *worker.Node
	hb  *heartbeat.Service
	ln  net.Listener
	srv *http.Server
}

func (h *workerHandle) kill() {
	_ = h.ln.Close()
	h.hb.Stop()
	h.w.Shutdown()
}

// testFleet is a fully wired set of leader and worker nodes sharing one
// node registry, each listening on its own ephemeral loopback port.
type testFleet struct {
	fleet   types.Fleet
	nodes   []types.NodeConfig
	leaders map[string]*leaderHandle
	workers map[string]*workerHandle
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func portOf(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// buildFleet starts leaderCount leaders (priority 0 = primary, rising
// thereafter) and workerCount workers for the given fleet kind, all
// wired against the same shared node registry.
func buildFleet(t *testing.T, fleetKind types.Fleet, leaderCount, workerCount int) *testFleet {
	t.Helper()
	tunables := testTunables(fleetKind)

	leaderIDs := []string{"leader-primary", "leader-backup-1", "leader-backup-2"}
	leaderLns := make(map[string]net.Listener)
	var nodes []types.NodeConfig
	for i := 0; i < leaderCount; i++ {
		id := leaderIDs[i]
		ln := listen(t)
		leaderLns[id] = ln
		role := types.RoleBackupLeader
		if i == 0 {
			role = types.RolePrimaryLeader
		}
		nodes = append(nodes, types.NodeConfig{ID: id, Host: "127.0.0.1", Port: portOf(ln), Role: role, Priority: i})
	}

	workerLns := make(map[string]net.Listener)
	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		ln := listen(t)
		workerLns[id] = ln
		nodes = append(nodes, types.NodeConfig{ID: id, Host: "127.0.0.1", Port: portOf(ln), Role: types.RoleWorker})
	}

	fl := &testFleet{
		fleet:   fleetKind,
		nodes:   nodes,
		leaders: make(map[string]*leaderHandle),
		workers: make(map[string]*workerHandle),
	}

	for i := 0; i < leaderCount; i++ {
		id := leaderIDs[i]
		fl.leaders[id] = startLeader(t, fleetKind, nodes, id, i == 0, tunables, leaderLns[id])
	}
	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		fl.workers[id] = startWorker(t, fleetKind, nodes, id, tunables, workerLns[id])
	}

	t.Cleanup(func() {
		for _, h := range fl.leaders {
			if h.ln != nil {
				h.kill()
			}
		}
		for _, h := range fl.workers {
			if h.ln != nil {
				h.kill()
			}
		}
	})

	return fl
}

func startLeader(t *testing.T, fleetKind types.Fleet, nodes []types.NodeConfig, id string, isPrimary bool, tunables config.Tunables, ln net.Listener) *leaderHandle {
	t.Helper()
	reg, err := registry.New(fleetKind, id, nodes)
	require.NoError(t, err)

	role := types.RoleBackupLeader
	if isPrimary {
		role = types.RolePrimaryLeader
	}
	state := statemanager.New(isPrimary, tunables.DedupeCompletedURLs)

	var selector leader.WorkerSelector
	if fleetKind == types.FleetSummariser {
		selector = leader.LeastLoadedSelector{}
	} else {
		selector = leader.RandomSelector{}
	}

	primary, _ := reg.Primary()

	var n *leader.Node
	logger := slog.Default()
	statsFunc := func() (total, pending, completed int) {
		if n == nil {
			return 0, 0, 0
		}
		for _, tk := range n.AllTasks() {
			total++
			switch tk.Status {
			case types.TaskPending, types.TaskProcessing:
				pending++
			case types.TaskCompleted:
				completed++
			}
		}
		return total, pending, completed
	}
	hb := heartbeat.New(id, role, reg, tunables, logger, statsFunc,
		func(peerID string, status types.NodeStatus) {
			if n != nil {
				n.OnPeerStatusChange(peerID, status)
			}
		},
		func(newLeaderID string) {
			if n != nil {
				n.OnLeaderChange(newLeaderID)
			}
		},
		primary.ID, nil)
	n = leader.New(id, fleetKind, reg, state, hb, tunables, logger, selector, isPrimary, nil)

	hb.Start()
	n.Start()

	publicPath, allowLookup := "/crawl", false
	if fleetKind == types.FleetSummariser {
		publicPath, allowLookup = "/summarize", true
	}
	srv := &http.Server{Handler: leader.NewServer(n, tunables, publicPath, allowLookup)}
	go func() { _ = srv.Serve(ln) }()

	return &leaderHandle{id: id, n: n, hb: hb, ln: ln, srv: srv}
}

func startWorker(t *testing.T, fleetKind types.Fleet, nodes []types.NodeConfig, id string, tunables config.Tunables, ln net.Listener) *workerHandle {
	t.Helper()
	reg, err := registry.New(fleetKind, id, nodes)
	require.NoError(t, err)

	var eng engine.Engine
	if fleetKind == types.FleetSummariser {
		eng = engine.NewSummariser(3)
	} else {
		eng = engine.NewExtractor()
	}

	primary, _ := reg.Primary()
	logger := slog.Default()
	w := worker.New(id, reg, eng, logger, primary.ID)
	hb := heartbeat.New(id, types.RoleWorker, reg, tunables, logger, w.Stats, nil, w.SetLeaderID, primary.ID, nil)
	hb.Start()

	srv := &http.Server{Handler: worker.NewServer(w, hb.ReceiveHeartbeat)}
	go func() { _ = srv.Serve(ln) }()

	return &workerHandle{id: id, w: w, hb: hb, ln: ln, srv: srv}
}

func (fl *testFleet) addressOf(id string) string {
	for _, n := range fl.nodes {
		if n.ID == id {
			return n.Address()
		}
	}
	return ""
}

func postJSON(t *testing.T, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var out map[string]interface{}
	status, err := httpclient.PostJSON(context.Background(), url, 5*time.Second, body, &out)
	require.NoError(t, err)
	return status, out
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	var out map[string]interface{}
	status, err := httpclient.GetJSON(context.Background(), url, 5*time.Second, &out)
	require.NoError(t, err)
	return status, out
}

// startPage serves a fixed HTML body for the extractor engine to fetch.
func startPage(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return startSlowPage(t, body, 0)
}

// startSlowPage serves a fixed HTML body after a delay, wide enough for a
// test to observe a task still in the processing state before it
// finishes.
func startSlowPage(t *testing.T, body string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustPort(t *testing.T, s string) int {
	t.Helper()
	p, err := strconv.Atoi(s)
	require.NoError(t, err)
	return p
}
