// Package leader implements the leader-node half of the fleet: the
// public client API, task dispatch, worker selection, stall recovery,
// pull-based state replication, and the priority-based leader-selection
// protocol. A Node runs in one of two modes, active or follower, and
// switches between them as elections resolve and leader-change
// announcements arrive.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/internal/heartbeat"
	"github.com/coreflux/fleetcoord/internal/httpclient"
	"github.com/coreflux/fleetcoord/internal/metrics"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/internal/statemanager"
	"github.com/coreflux/fleetcoord/pkg/types"
)

const (
	dispatchCallTimeout = 5 * time.Second
	stateCallTimeout    = 5 * time.Second
	changeCallTimeout   = 3 * time.Second
)

// ErrNotActiveLeader is returned by operations that require this node to
// currently be the active leader, called while it is a follower.
var ErrNotActiveLeader = errors.New("leader: not the active leader")

// ErrNoWorkerAvailable is returned when dispatch has a pending task but
// no online worker to hand it to; the task is requeued and retried on
// the next dispatch tick rather than treated as a failure.
var ErrNoWorkerAvailable = errors.New("leader: no worker available")

// Node is one leader's runtime state. It owns no network listener
// itself; server.go wires its methods onto an echo router.
type Node struct {
	selfID   string
	fleet    types.Fleet
	reg      *registry.Registry
	state    *statemanager.StateManager
	hb       *heartbeat.Service
	tunables  config.Tunables
	logger    *slog.Logger
	selector  WorkerSelector
	collector *metrics.Collector

	mu                  sync.Mutex
	isActiveLeader      bool
	primaryFailed       bool
	selectionInProgress bool
	lastSelectionTime   time.Time
	workerStatus        map[string]types.NodeStatus
	assignments         map[string]map[string]bool // worker id -> task ids

	dispatchStop chan struct{}
	syncStop     chan struct{}
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// New constructs a leader Node. isPrimary selects the initial mode: the
// primary starts active without contest; a backup starts as a follower.
// collector may be nil, in which case dispatch/completion/failure/
// election/stall-recovery events are simply not reported.
func New(selfID string, fleet types.Fleet, reg *registry.Registry, state *statemanager.StateManager, hb *heartbeat.Service, tunables config.Tunables, logger *slog.Logger, selector WorkerSelector, isPrimary bool, collector *metrics.Collector) *Node {
	n := &Node{
		selfID:       selfID,
		fleet:        fleet,
		reg:          reg,
		state:        state,
		hb:           hb,
		tunables:     tunables,
		logger:       logger,
		selector:     selector,
		collector:    collector,
		workerStatus: make(map[string]types.NodeStatus),
		assignments:  make(map[string]map[string]bool),
		shutdownCh:   make(chan struct{}),
	}
	for _, w := range reg.Workers() {
		n.workerStatus[w.ID] = types.NodeOnline
		n.assignments[w.ID] = make(map[string]bool)
	}
	n.isActiveLeader = isPrimary
	if isPrimary {
		state.BecomeLeader()
	}
	return n
}

// Start launches the background loop appropriate to this node's current
// mode: the dispatch/stall loop if active, the state-sync loop if a
// follower.
func (n *Node) Start() {
	n.mu.Lock()
	active := n.isActiveLeader
	n.mu.Unlock()
	if active {
		n.startDispatchLoop()
	} else {
		n.startSyncLoop()
	}
}

// Stop halts whichever background loop is running and waits for it to
// exit.
func (n *Node) Stop() {
	close(n.shutdownCh)
	n.stopDispatchLoop()
	n.stopSyncLoop()
	n.wg.Wait()
}

// IsActiveLeader reports whether this node currently believes itself to
// be the active leader.
func (n *Node) IsActiveLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isActiveLeader
}

// CurrentLeaderID returns this node's current belief about who is
// active, tracked by the shared heartbeat service.
func (n *Node) CurrentLeaderID() string {
	return n.hb.LeaderID()
}

// WorkerStatuses returns a snapshot of cached worker liveness, used by
// /health.
func (n *Node) WorkerStatuses() map[string]types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]types.NodeStatus, len(n.workerStatus))
	for k, v := range n.workerStatus {
		out[k] = v
	}
	return out
}

// --- task creation & client-facing wait -----------------------------------

// CreateTasks inserts one task per payload via the state manager
// (honouring completion de-duplication), attempts an immediate dispatch
// pass, and returns the resulting task ids in input order. A
// deduplicated submission's id is that of the already-completed task.
func (n *Node) CreateTasks(kind types.TaskKind, payloads []types.TaskPayload) []string {
	ids := make([]string, len(payloads))
	for i, p := range payloads {
		now := types.NowSeconds()
		task := types.Task{
			TaskID:    uuid.NewString(),
			Kind:      kind,
			Payload:   p,
			Status:    types.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ids[i] = n.state.AddTask(task)
	}
	n.tryDispatchNow()
	return ids
}

// WaitForTasks polls every task in ids once per second until all reach a
// terminal status or the context's deadline elapses, then returns the
// current copy of each (terminal or not).
func (n *Node) WaitForTasks(ctx context.Context, ids []string) []types.Task {
	for {
		tasks := make([]types.Task, len(ids))
		allDone := true
		for i, id := range ids {
			t, _ := n.state.GetTask(id)
			tasks[i] = t
			if t.Status != types.TaskCompleted && t.Status != types.TaskFailed {
				allDone = false
			}
		}
		if allDone {
			return tasks
		}
		select {
		case <-ctx.Done():
			return tasks
		case <-time.After(time.Second):
		}
	}
}

// GetTask returns a copy of one task, for GET /task/{id}.
func (n *Node) GetTask(id string) (types.Task, bool) {
	return n.state.GetTask(id)
}

// AllTasks returns every task this node knows about, for GET /tasks.
func (n *Node) AllTasks() []types.Task {
	return n.state.AllTasks()
}

// ExportState returns the replication snapshot for GET /state.
func (n *Node) ExportState() types.ExportedState {
	return n.state.ExportState()
}

// --- dispatch & stall recovery ---------------------------------------------

func (n *Node) startDispatchLoop() {
	n.mu.Lock()
	if n.dispatchStop != nil {
		n.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	n.dispatchStop = stop
	n.mu.Unlock()

	n.wg.Add(1)
	go n.dispatchLoop(stop)
}

func (n *Node) stopDispatchLoop() {
	n.mu.Lock()
	stop := n.dispatchStop
	n.dispatchStop = nil
	n.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (n *Node) dispatchLoop(stop chan struct{}) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.tunables.DispatchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.dispatchOne()
			n.recoverStalled()
		}
	}
}

// tryDispatchNow dispatches queued tasks until the queue is empty, no
// online worker is available, or a send to a worker fails; a task that
// cannot be placed is requeued and left for the next dispatch tick.
func (n *Node) tryDispatchNow() {
	for n.dispatchOne() {
	}
}

func (n *Node) dispatchOne() bool {
	task, ok := n.state.GetNextTask()
	if !ok {
		return false
	}

	workerID, ok := n.selector.Select(n.onlineWorkerIDs(), n.assignmentCounts())
	if !ok {
		n.logger.Debug("dispatch deferred", "task", task.TaskID, "reason", ErrNoWorkerAvailable)
		if err := n.state.Requeue(task.TaskID); err != nil {
			n.logger.Error("requeue after no worker available failed", "task", task.TaskID, "error", err)
		}
		return false
	}

	if err := n.sendTask(workerID, task); err != nil {
		n.logger.Warn("dispatch failed, requeueing", "task", task.TaskID, "worker", workerID, "error", err)
		if err := n.state.Requeue(task.TaskID); err != nil {
			n.logger.Error("requeue after dispatch failure failed", "task", task.TaskID, "error", err)
		}
		return false
	}

	if err := n.state.AssignTask(task.TaskID, workerID); err != nil {
		n.logger.Error("assign after successful dispatch failed", "task", task.TaskID, "error", err)
	}
	n.recordAssignment(workerID, task.TaskID)
	if n.collector != nil {
		n.collector.RecordDispatch()
	}
	return true
}

func (n *Node) sendTask(workerID string, task types.Task) error {
	worker, ok := n.reg.ByID(workerID)
	if !ok {
		return fmt.Errorf("leader: worker %q not in registry", workerID)
	}
	status, err := httpclient.PostJSON(context.Background(), worker.Address()+"/task", dispatchCallTimeout, task, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("leader: worker %q returned status %d", workerID, status)
	}
	return nil
}

func (n *Node) recoverStalled() {
	now := types.NowSeconds()
	stalled := n.state.StalledTasks(now, n.tunables.StallThreshold.Seconds())
	for _, id := range stalled {
		n.logger.Warn("task stalled, requeueing", "task", id)
		n.clearAssignmentByTask(id)
		if err := n.state.Requeue(id); err != nil {
			n.logger.Error("requeue stalled task failed", "task", id, "error", err)
		}
		if n.collector != nil {
			n.collector.RecordStallRecovery()
		}
	}
}

func (n *Node) onlineWorkerIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, w := range n.reg.Workers() {
		if n.workerStatus[w.ID] == types.NodeOnline {
			out = append(out, w.ID)
		}
	}
	return out
}

func (n *Node) assignmentCounts() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int, len(n.assignments))
	for id, set := range n.assignments {
		out[id] = len(set)
	}
	return out
}

func (n *Node) recordAssignment(workerID, taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.assignments[workerID] == nil {
		n.assignments[workerID] = make(map[string]bool)
	}
	n.assignments[workerID][taskID] = true
}

func (n *Node) clearAssignment(workerID, taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.assignments[workerID], taskID)
}

func (n *Node) clearAssignmentByTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, set := range n.assignments {
		delete(set, taskID)
	}
}

// takeWorkerAssignments empties and returns every task id currently
// assigned to a worker, used by worker-failure handling.
func (n *Node) takeWorkerAssignments(workerID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.assignments[workerID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	n.assignments[workerID] = make(map[string]bool)
	return ids
}

// --- worker completion/failure reporting -----------------------------------

// TaskCompleted marks a task completed with the given result and clears
// its worker assignment. A result shaped like a failure ({"status":
// "failed", "error": "..."}) is treated as a call to TaskFailed instead,
// per the normalised completion contract both fleets' workers rely on.
func (n *Node) TaskCompleted(taskID, workerID string, result map[string]interface{}) error {
	if status, _ := result["status"].(string); status == "failed" {
		errMsg, _ := result["error"].(string)
		return n.TaskFailed(taskID, workerID, errMsg)
	}
	n.clearAssignment(workerID, taskID)
	task, _ := n.state.GetTask(taskID)
	if err := n.state.UpdateTask(taskID, types.TaskCompleted, result); err != nil {
		return err
	}
	if n.collector != nil {
		n.collector.RecordCompleted(types.NowSeconds() - task.CreatedAt)
	}
	return nil
}

// TaskFailed marks a task failed with the given error string and clears
// its worker assignment.
func (n *Node) TaskFailed(taskID, workerID, errMsg string) error {
	n.clearAssignment(workerID, taskID)
	if err := n.state.UpdateTask(taskID, types.TaskFailed, map[string]interface{}{"error": errMsg}); err != nil {
		return err
	}
	if n.collector != nil {
		n.collector.RecordFailed()
	}
	return nil
}

// --- heartbeat-driven callbacks ---------------------------------------------

// OnPeerStatusChange is registered with the heartbeat service as its
// StatusCallback. A worker going offline triggers reassignment of its
// in-flight tasks; the primary leader going offline (observed by a
// backup) arms the election timer.
func (n *Node) OnPeerStatusChange(peerID string, status types.NodeStatus) {
	peer, ok := n.reg.ByID(peerID)
	if !ok {
		return
	}

	if peer.Role == types.RoleWorker {
		n.mu.Lock()
		n.workerStatus[peerID] = status
		n.mu.Unlock()
		if status == types.NodeOffline {
			n.requeueWorkerTasks(peerID)
		}
		return
	}

	primary, ok := n.reg.Primary()
	if !ok || peer.ID != primary.ID || peer.ID == n.selfID {
		return
	}
	if status == types.NodeOffline {
		n.mu.Lock()
		n.primaryFailed = true
		n.mu.Unlock()
		n.maybeStartSelection()
	}
}

func (n *Node) requeueWorkerTasks(workerID string) {
	ids := n.takeWorkerAssignments(workerID)
	for _, id := range ids {
		n.logger.Warn("worker failed, requeueing its tasks", "worker", workerID, "task", id)
		if err := n.state.Requeue(id); err != nil {
			n.logger.Error("requeue after worker failure failed", "task", id, "error", err)
		}
	}
}

// OnLeaderChange is registered with the heartbeat service as its
// LeaderChangeCallback, and is also called directly by the
// /leader-change HTTP handler. It applies the new leader belief: become
// active if the announced id is self, otherwise become (or remain) a
// follower.
func (n *Node) OnLeaderChange(newLeaderID string) {
	n.hb.SetLeaderID(newLeaderID)
	if newLeaderID == n.selfID {
		n.becomeLeader()
	} else {
		n.becomeFollower()
	}
}

func (n *Node) becomeLeader() {
	n.mu.Lock()
	if n.isActiveLeader {
		n.mu.Unlock()
		return
	}
	n.isActiveLeader = true
	n.primaryFailed = false
	n.mu.Unlock()

	n.state.BecomeLeader()
	n.hb.SetLeaderID(n.selfID)
	n.stopSyncLoop()
	n.startDispatchLoop()
	n.logger.Info("became active leader")
}

func (n *Node) becomeFollower() {
	n.mu.Lock()
	if !n.isActiveLeader {
		n.mu.Unlock()
		return
	}
	n.isActiveLeader = false
	n.mu.Unlock()

	n.state.BecomeFollower()
	n.stopDispatchLoop()
	n.startSyncLoop()
	n.logger.Info("became follower")
}

// --- state-sync loop (follower) --------------------------------------------

func (n *Node) startSyncLoop() {
	n.mu.Lock()
	if n.syncStop != nil {
		n.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	n.syncStop = stop
	n.mu.Unlock()

	n.wg.Add(1)
	go n.syncLoop(stop)
}

func (n *Node) stopSyncLoop() {
	n.mu.Lock()
	stop := n.syncStop
	n.syncStop = nil
	n.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (n *Node) syncLoop(stop chan struct{}) {
	defer n.wg.Done()
	for {
		wait := n.tunables.StateSyncInterval
		if !n.pullState() {
			wait = n.tunables.StateSyncRetryDelay
		}
		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

func (n *Node) pullState() bool {
	leaderID := n.hb.LeaderID()
	if leaderID == "" || leaderID == n.selfID {
		return true
	}
	peer, ok := n.reg.ByID(leaderID)
	if !ok {
		return false
	}

	var snap types.ExportedState
	status, err := httpclient.GetJSON(context.Background(), peer.Address()+"/state", stateCallTimeout, &snap)
	if err != nil || status != 200 {
		n.logger.Debug("state pull failed", "leader", leaderID, "status", status, "error", err)
		return false
	}
	n.state.ImportState(snap)
	return true
}

// --- leader-selection protocol ----------------------------------------------

func (n *Node) maybeStartSelection() {
	n.mu.Lock()
	if n.isActiveLeader || !n.primaryFailed || n.selectionInProgress {
		n.mu.Unlock()
		return
	}
	if time.Since(n.lastSelectionTime) <= n.tunables.ElectionCooldown {
		n.mu.Unlock()
		return
	}
	n.selectionInProgress = true
	n.mu.Unlock()

	if n.collector != nil {
		n.collector.RecordElectionTriggered()
	}

	minDelay := n.tunables.ElectionDelayMin
	span := n.tunables.ElectionDelayMax - n.tunables.ElectionDelayMin
	delay := minDelay
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}

	n.wg.Add(1)
	go n.runElectionTimer(delay)
}

func (n *Node) runElectionTimer(delay time.Duration) {
	defer n.wg.Done()
	select {
	case <-time.After(delay):
	case <-n.shutdownCh:
		return
	}
	n.resolveElection()
}

func (n *Node) resolveElection() {
	defer func() {
		n.mu.Lock()
		n.selectionInProgress = false
		n.lastSelectionTime = time.Now()
		n.mu.Unlock()
	}()

	primary, havePrimary := n.reg.Primary()
	if havePrimary && n.hb.IsOnline(primary.ID) {
		n.mu.Lock()
		n.primaryFailed = false
		n.mu.Unlock()
		n.logger.Info("election aborted, primary recovered")
		return
	}

	self, ok := n.reg.Self()
	if !ok {
		return
	}
	backups := n.reg.Backups()
	if !n.winsSelection(self, backups) {
		n.logger.Info("election lost to a lower-priority backup")
		return
	}

	n.logger.Info("election won, becoming active leader")
	n.becomeLeader()
	n.announceVictory()
}

// winsSelection implements the priority rule: the alive backup with the
// lowest declared priority wins. backup-1 (priority 1) always wins if
// alive; backup-2 (priority 2) wins only when backup-1 is unreachable.
func (n *Node) winsSelection(self types.NodeConfig, backups []types.NodeConfig) bool {
	var lowest *types.NodeConfig
	for i := range backups {
		b := backups[i]
		alive := b.ID == self.ID || n.hb.IsOnline(b.ID)
		if !alive {
			continue
		}
		if lowest == nil || b.Priority < lowest.Priority {
			lowest = &backups[i]
		}
	}
	return lowest != nil && lowest.ID == self.ID
}

// announceVictory broadcasts the new leader id to every other configured
// node: other leaders learn it via /leader-change (which also flips
// their own active/follower mode), workers via the dedicated
// /election/victory notification.
func (n *Node) announceVictory() {
	body := map[string]string{"leader_id": n.selfID}
	for _, peer := range n.reg.AllExceptSelf() {
		path := "/leader-change"
		if peer.Role == types.RoleWorker {
			path = "/election/victory"
		}
		status, err := httpclient.PostJSON(context.Background(), peer.Address()+path, changeCallTimeout, body, nil)
		if err != nil || status >= 300 {
			n.logger.Warn("leader-change announcement failed", "peer", peer.ID, "path", path, "status", status, "error", err)
		}
	}
}
