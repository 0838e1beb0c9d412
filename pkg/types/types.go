// Package types defines the shapes shared across every node in the fleet:
// node roles, task kinds and status, and the task record itself. Nothing
// in here owns a lock or talks to the network; it is pure data.
package types

import (
	"strconv"
	"time"
)

// Role is the closed set of node roles a fleet member can hold.
type Role string

const (
	RolePrimaryLeader Role = "primary-leader"
	RoleBackupLeader  Role = "backup-leader"
	RoleWorker        Role = "worker"
)

// Fleet identifies which of the two parallel deployments a node belongs
// to. The coordination core is identical across both; only the task kind,
// worker-selection strategy, and completion de-duplication policy differ.
type Fleet string

const (
	FleetCrawler    Fleet = "crawler"
	FleetSummariser Fleet = "summariser"
)

// TaskKind distinguishes what a worker does with a task's payload. Both
// fleets use the same Task shape; only Kind and the populated Payload
// fields differ.
type TaskKind string

const (
	TaskKindPageExtract TaskKind = "page-extract"
	TaskKindSummarise   TaskKind = "summarise"
)

// TaskStatus is the task lifecycle. Valid transitions are
// pending -> processing -> {completed, failed}, plus the recovery edge
// processing -> pending on stall or worker loss.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPayload carries the variant-specific fields for either task kind.
// A page-extract task populates URL/MaxDepth/Timeout/Formats; a
// summarise task populates Text/Title/Source and, when given, URL.
// Unused fields are omitted on the wire.
type TaskPayload struct {
	URL      string   `json:"url,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
	Timeout  int      `json:"timeout,omitempty"`
	Formats  []string `json:"formats,omitempty"`

	Text   string `json:"text,omitempty"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Task is a unit of work tracked by the state manager from creation
// through a terminal status.
type Task struct {
	TaskID         string                 `json:"task_id"`
	Kind           TaskKind               `json:"kind"`
	Payload        TaskPayload            `json:"payload"`
	Status         TaskStatus             `json:"status"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	CreatedAt      float64                `json:"created_at"`
	UpdatedAt      float64                `json:"updated_at"`
	Result         map[string]interface{} `json:"result,omitempty"`
}

// URL returns the task's dedup key, the payload URL. A task takes part
// in de-duplication only when it has a non-empty URL and the state
// manager was built with de-duplication on (by default, the summariser
// fleet only).
func (t *Task) URL() string {
	return t.Payload.URL
}

// NowSeconds returns the current wall-clock time as the float64 seconds
// value every timestamp field on Task and HeartbeatMessage uses.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NowTimeUTC returns the current time in UTC, for formatting the
// ISO-8601 timestamps that appear in external-facing result objects.
func NowTimeUTC() time.Time {
	return time.Now().UTC()
}

// NodeConfig is the immutable, boot-time description of one fleet
// member. It never changes at runtime; components that need to resolve a
// peer's address look it up through a Registry built from a slice of
// these rather than holding a reference to the peer itself.
type NodeConfig struct {
	ID        string `yaml:"id" json:"id"`
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Role      Role   `yaml:"role" json:"role"`
	Priority  int    `yaml:"priority" json:"priority"` // leaders only; 0 = primary
	FocusArea string `yaml:"focus_area,omitempty" json:"focus_area,omitempty"`
}

// Address returns the node's base URL, e.g. "http://127.0.0.1:8100".
func (n NodeConfig) Address() string {
	return "http://" + n.Host + ":" + strconv.Itoa(n.Port)
}

// NodeStatus is the liveness state a heartbeat table entry or a
// heartbeat message reports for a peer.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// HeartbeatMessage is the body of POST /heartbeat.
type HeartbeatMessage struct {
	NodeID         string     `json:"node_id"`
	NodeType       Role       `json:"node_type"`
	Status         NodeStatus `json:"status"`
	Timestamp      float64    `json:"timestamp"`
	LeaderID       string     `json:"leader_id,omitempty"`
	TasksCount     int        `json:"tasks_count"`
	PendingTasks   int        `json:"pending_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
}

// ExportedState is the wire shape of StateManager.ExportState, and the
// body a follower decodes on a successful GET /state pull.
type ExportedState struct {
	Version       uint64   `json:"version"`
	Timestamp     float64  `json:"timestamp"`
	Tasks         []Task   `json:"tasks"`
	CompletedURLs []string `json:"completed_urls"`
}
