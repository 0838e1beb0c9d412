// Package worker implements the worker-node half of the fleet: an HTTP
// server that accepts task assignments from whichever node is currently
// leader, runs each one in its own goroutine through an engine.Engine,
// and reports the outcome back to the leader it believes is active.
// Unlike a fixed-size worker pool, a worker node here accepts as many
// concurrent tasks as the leader chooses to assign it. The in-progress
// count is reported on every heartbeat; the leader's worker-selector does
// not read it and balances on the leader's own per-worker assignment
// counts instead.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coreflux/fleetcoord/internal/engine"
	"github.com/coreflux/fleetcoord/internal/httpclient"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/pkg/types"
)

const reportTimeout = 5 * time.Second

// Node is one worker's runtime state: which tasks it currently has in
// flight, and who it believes the active leader is.
type Node struct {
	selfID string
	reg    *registry.Registry
	eng    engine.Engine
	logger *slog.Logger

	mu         sync.Mutex
	leaderID   string
	inFlight   map[string]context.CancelFunc
	completed  int
	failedTask int
}

// New builds a worker Node. initialLeaderID is this node's starting
// belief about the active leader, normally the configured primary.
func New(selfID string, reg *registry.Registry, eng engine.Engine, logger *slog.Logger, initialLeaderID string) *Node {
	return &Node{
		selfID:   selfID,
		reg:      reg,
		eng:      eng,
		logger:   logger,
		leaderID: initialLeaderID,
		inFlight: make(map[string]context.CancelFunc),
	}
}

// LeaderID returns this node's current belief about the active leader.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// SetLeaderID updates this node's belief about the active leader. Called
// whenever a heartbeat reports a different leader_id, a
// /election/victory notification arrives, or at startup from config.
func (n *Node) SetLeaderID(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID != id {
		n.logger.Info("worker adopting new leader", "leader", id)
	}
	n.leaderID = id
}

// InFlightCount returns how many tasks this node is currently executing.
// It is the same figure Stats reports as pending.
func (n *Node) InFlightCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inFlight)
}

// Stats reports the counters a worker's heartbeat carries. A worker has
// no pending queue of its own, so pending is the number of tasks in
// flight; completed is the running completed count; total is the sum of
// the two (failed tasks are not counted).
func (n *Node) Stats() (total, pending, completed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inFlight) + n.completed, len(n.inFlight), n.completed
}

// Shutdown cancels every in-flight task's context without waiting for it
// to report an outcome, standing in for a process kill: a task that was
// mid-flight on this worker never reports completion or failure, and the
// leader's stall detector is what eventually notices and recovers it.
func (n *Node) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, cancel := range n.inFlight {
		cancel()
	}
}

// Accept starts executing task in its own goroutine and returns
// immediately; the assignment HTTP handler replies as soon as the
// goroutine is launched rather than waiting for completion.
func (n *Node) Accept(task types.Task) {
	ctx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	n.inFlight[task.TaskID] = cancel
	n.mu.Unlock()

	go n.run(ctx, task)
}

func (n *Node) run(ctx context.Context, task types.Task) {
	defer func() {
		n.mu.Lock()
		delete(n.inFlight, task.TaskID)
		n.mu.Unlock()
	}()

	input := engine.Input{
		URL:      task.Payload.URL,
		MaxDepth: task.Payload.MaxDepth,
		Timeout:  task.Payload.Timeout,
		Formats:  task.Payload.Formats,
		Text:     task.Payload.Text,
		Title:    task.Payload.Title,
		Source:   task.Payload.Source,
	}

	result, err := n.eng.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown cancelled this task's context: the process is
			// going away, so there is no one left to report to. The
			// leader's stall detector is what notices this task never
			// finished and reassigns it.
			return
		}
		n.logger.Warn("task execution failed", "task", task.TaskID, "error", err)
		n.mu.Lock()
		n.failedTask++
		n.mu.Unlock()
		n.reportFailure(task.TaskID, err)
		return
	}

	n.mu.Lock()
	n.completed++
	n.mu.Unlock()
	n.reportCompletion(task.TaskID, result)
}

func (n *Node) reportCompletion(taskID string, result map[string]interface{}) {
	body := map[string]interface{}{
		"task_id": taskID,
		"worker":  n.selfID,
		"result":  result,
	}
	n.postToLeader("/worker/task_completed", body)
}

func (n *Node) reportFailure(taskID string, taskErr error) {
	body := map[string]interface{}{
		"task_id": taskID,
		"worker":  n.selfID,
		"error":   taskErr.Error(),
	}
	n.postToLeader("/worker/task_failed", body)
}

func (n *Node) postToLeader(path string, body interface{}) {
	leaderID := n.LeaderID()
	if leaderID == "" {
		n.logger.Error("no known leader to report task outcome to", "path", path)
		return
	}
	leader, ok := n.reg.ByID(leaderID)
	if !ok {
		n.logger.Error("leader id not in registry", "leader", leaderID)
		return
	}

	status, err := httpclient.PostJSON(context.Background(), leader.Address()+path, reportTimeout, body, nil)
	if err != nil || status != 200 {
		n.logger.Warn("report to leader failed", "path", path, "leader", leaderID, "status", status, "error", err)
	}
}
