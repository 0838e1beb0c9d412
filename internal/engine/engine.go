// Package engine defines the contract a worker node calls into to
// actually perform a task, and ships stand-in implementations for the
// two out-of-scope external collaborators (a page extractor and a
// summariser). Both fleets dispatch through the same Engine interface,
// so the worker's HTTP handling and goroutine-per-task execution code is
// identical regardless of which fleet it belongs to.
package engine

import "context"

// Engine performs one task and returns the result fields the leader's
// aggregated response pulls from, or an error if execution failed.
type Engine interface {
	Run(ctx context.Context, task Input) (map[string]interface{}, error)
}

// Input is the subset of a task's payload an engine needs; it mirrors
// types.TaskPayload rather than taking a types.Task, so an engine never
// sees the coordination core's task bookkeeping (status, assignment,
// timestamps).
type Input struct {
	URL      string
	MaxDepth int
	Timeout  int
	Formats  []string

	Text   string
	Title  string
	Source string
}
