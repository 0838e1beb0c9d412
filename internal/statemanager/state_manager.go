// Package statemanager implements the in-memory task table, dispatch
// queue, and completed-URL set that backs every leader node. Every
// operation is guarded by a single exclusive lock and every mutating
// operation bumps a version counter used for replication staleness
// checks.
package statemanager

import (
	"errors"
	"sync"

	"github.com/coreflux/fleetcoord/pkg/types"
)

// ErrTaskNotFound is returned by operations addressing a task id the
// state manager has never seen.
var ErrTaskNotFound = errors.New("statemanager: task not found")

// StateManager holds one node's view of the task table. dedupeByURL
// toggles the completed-URL short-circuit used by the summariser fleet
// and skipped by the crawler fleet; it is a constructor-time policy, not
// a runtime flag.
type StateManager struct {
	mu sync.Mutex

	isLeader     bool
	dedupeByURL  bool
	tasks        map[string]*types.Task
	queue        []string
	completedURL map[string]string // url -> task id
	version      uint64
}

// New constructs a StateManager. isLeader controls whether add_task also
// pushes onto the dispatch queue, and whether import_state rebuilds that
// queue; dedupeByURL controls the completed-URL short-circuit.
func New(isLeader bool, dedupeByURL bool) *StateManager {
	return &StateManager{
		isLeader:     isLeader,
		dedupeByURL:  dedupeByURL,
		tasks:        make(map[string]*types.Task),
		completedURL: make(map[string]string),
	}
}

// AddTask inserts a task, unless deduplication is enabled and the task's
// URL already has a completed task, in which case the existing task's id
// is returned instead and the table is left unchanged. Returns the id
// the caller should track.
func (s *StateManager) AddTask(task types.Task) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedupeByURL && task.Payload.URL != "" {
		if existingID, ok := s.completedURL[task.Payload.URL]; ok {
			return existingID
		}
	}

	if _, exists := s.tasks[task.TaskID]; exists {
		return task.TaskID
	}

	t := task
	s.tasks[t.TaskID] = &t
	if s.isLeader {
		s.queue = append(s.queue, t.TaskID)
	}
	s.version++
	return t.TaskID
}

// GetNextTask pops one id from the dispatch queue, marks it processing,
// and returns a copy. Only meaningful on the active leader; returns
// false if the queue is empty.
func (s *StateManager) GetNextTask() (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isLeader || len(s.queue) == 0 {
		return types.Task{}, false
	}

	id := s.queue[0]
	s.queue = s.queue[1:]

	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	t.Status = types.TaskProcessing
	t.UpdatedAt = types.NowSeconds()
	s.version++
	return *t, true
}

// UpdateTask mutates a task's status and, if given, its result. Any
// status other than processing clears the assigned worker. On a
// transition to completed with deduplication enabled and a non-empty
// URL, the URL is recorded in the completed set.
func (s *StateManager) UpdateTask(id string, status types.TaskStatus, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	t.Status = status
	if status != types.TaskProcessing {
		t.AssignedWorker = ""
	}
	t.UpdatedAt = types.NowSeconds()
	if result != nil {
		t.Result = result
	}
	if status == types.TaskCompleted && s.dedupeByURL && t.Payload.URL != "" {
		s.completedURL[t.Payload.URL] = id
	}
	s.version++
	return nil
}

// AssignTask sets a task's assigned worker and marks it processing.
func (s *StateManager) AssignTask(id string, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.AssignedWorker = workerID
	t.Status = types.TaskProcessing
	t.UpdatedAt = types.NowSeconds()
	s.version++
	return nil
}

// Requeue resets a processing task back to pending, clears its worker
// assignment, and reinserts it at the back of the dispatch queue. Used
// by stall recovery and worker-failure handling.
func (s *StateManager) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = types.TaskPending
	t.AssignedWorker = ""
	t.UpdatedAt = types.NowSeconds()
	if s.isLeader {
		s.queue = append(s.queue, id)
	}
	s.version++
	return nil
}

// GetTask returns a copy of one task by id.
func (s *StateManager) GetTask(id string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// AllTasks returns a copy of every task known to this node.
func (s *StateManager) AllTasks() []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// StalledTasks returns the ids of every processing task whose
// UpdatedAt is older than thresholdSeconds relative to now.
func (s *StateManager) StalledTasks(nowSeconds, thresholdSeconds float64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, t := range s.tasks {
		if t.Status == types.TaskProcessing && nowSeconds-t.UpdatedAt > thresholdSeconds {
			out = append(out, id)
		}
	}
	return out
}

// Version returns the current state version.
func (s *StateManager) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ExportState snapshots the task table and completed-URL set for
// replication.
func (s *StateManager) ExportState() types.ExportedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}
	urls := make([]string, 0, len(s.completedURL))
	for url := range s.completedURL {
		urls = append(urls, url)
	}
	return types.ExportedState{
		Version:       s.version,
		Timestamp:     types.NowSeconds(),
		Tasks:         tasks,
		CompletedURLs: urls,
	}
}

// ImportState replaces the local task table and completed-URL set with
// an exported snapshot, provided its version is strictly newer. If this
// node is the active leader, the dispatch queue is rebuilt from every
// task now pending. Returns false (without mutating state) when the
// incoming version is not newer.
func (s *StateManager) ImportState(snap types.ExportedState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Version <= s.version {
		return false
	}

	s.tasks = make(map[string]*types.Task, len(snap.Tasks))
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		s.tasks[t.TaskID] = &t
	}

	s.completedURL = make(map[string]string, len(snap.CompletedURLs))
	if s.dedupeByURL {
		for _, url := range snap.CompletedURLs {
			for _, t := range s.tasks {
				if t.Payload.URL == url && t.Status == types.TaskCompleted {
					s.completedURL[url] = t.TaskID
					break
				}
			}
		}
	}

	s.version = snap.Version

	if s.isLeader {
		s.rebuildQueueLocked()
	}
	return true
}

// BecomeLeader promotes this state manager to active-leader role,
// rebuilding the dispatch queue from every currently pending task. A
// no-op if already leader.
func (s *StateManager) BecomeLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLeader {
		return
	}
	s.isLeader = true
	s.rebuildQueueLocked()
}

// BecomeFollower demotes this state manager to follower role. A no-op
// if already a follower.
func (s *StateManager) BecomeFollower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLeader = false
}

// IsLeader reports whether this state manager currently believes it is
// the active leader's state store.
func (s *StateManager) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// Stats returns simple task counters, used by the heartbeat service.
func (s *StateManager) Stats() (total, pendingOrProcessing, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		total++
		switch t.Status {
		case types.TaskPending, types.TaskProcessing:
			pendingOrProcessing++
		case types.TaskCompleted:
			completed++
		}
	}
	return total, pendingOrProcessing, completed
}

func (s *StateManager) rebuildQueueLocked() {
	s.queue = s.queue[:0]
	for id, t := range s.tasks {
		if t.Status == types.TaskPending {
			s.queue = append(s.queue, id)
		}
	}
}
