// Package registry provides a read-only, injectable lookup of the fixed
// set of nodes configured for a fleet. It exists so no component needs a
// process-wide singleton to resolve a peer's address: a Registry is built
// once at boot and passed by reference into every component that needs
// one, which keeps fleets of arbitrary port sets constructible in tests.
package registry

import (
	"fmt"

	"github.com/coreflux/fleetcoord/pkg/types"
)

// Registry is the boot-time, read-only node set for one fleet. It is safe
// for concurrent use by many goroutines because nothing in it is ever
// mutated after construction.
type Registry struct {
	fleet    types.Fleet
	self     string
	byID     map[string]types.NodeConfig
	leaders  []types.NodeConfig // ordered by Priority ascending
	workers  []types.NodeConfig
	ordered  []types.NodeConfig
}

// New builds a Registry from a fixed node list. selfID identifies which
// node is asking, used by AllExceptSelf; it need not be present in nodes.
func New(fleet types.Fleet, selfID string, nodes []types.NodeConfig) (*Registry, error) {
	r := &Registry{
		fleet: fleet,
		self:  selfID,
		byID:  make(map[string]types.NodeConfig, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := r.byID[n.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate node id %q", n.ID)
		}
		r.byID[n.ID] = n
		r.ordered = append(r.ordered, n)
		switch n.Role {
		case types.RolePrimaryLeader, types.RoleBackupLeader:
			r.leaders = append(r.leaders, n)
		case types.RoleWorker:
			r.workers = append(r.workers, n)
		default:
			return nil, fmt.Errorf("registry: node %q has unknown role %q", n.ID, n.Role)
		}
	}
	for i := 0; i < len(r.leaders); i++ {
		for j := i + 1; j < len(r.leaders); j++ {
			if r.leaders[j].Priority < r.leaders[i].Priority {
				r.leaders[i], r.leaders[j] = r.leaders[j], r.leaders[i]
			}
		}
	}
	return r, nil
}

// Self returns the calling node's own configuration.
func (r *Registry) Self() (types.NodeConfig, bool) {
	n, ok := r.byID[r.self]
	return n, ok
}

// SelfID returns the calling node's id, as supplied to New.
func (r *Registry) SelfID() string { return r.self }

// Fleet returns which fleet this registry was built for.
func (r *Registry) Fleet() types.Fleet { return r.fleet }

// ByID resolves a single node by id.
func (r *Registry) ByID(id string) (types.NodeConfig, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// Leaders returns all configured leaders, ordered by priority ascending
// (primary first). The returned slice is a copy; callers may not mutate
// the registry through it.
func (r *Registry) Leaders() []types.NodeConfig {
	out := make([]types.NodeConfig, len(r.leaders))
	copy(out, r.leaders)
	return out
}

// Primary returns the configured primary leader (priority 0).
func (r *Registry) Primary() (types.NodeConfig, bool) {
	if len(r.leaders) == 0 {
		return types.NodeConfig{}, false
	}
	return r.leaders[0], true
}

// Backups returns the configured backup leaders in priority order
// (backup-1 before backup-2).
func (r *Registry) Backups() []types.NodeConfig {
	if len(r.leaders) <= 1 {
		return nil
	}
	out := make([]types.NodeConfig, len(r.leaders)-1)
	copy(out, r.leaders[1:])
	return out
}

// Workers returns every configured worker, in declaration order.
func (r *Registry) Workers() []types.NodeConfig {
	out := make([]types.NodeConfig, len(r.workers))
	copy(out, r.workers)
	return out
}

// All returns every configured node, in declaration order.
func (r *Registry) All() []types.NodeConfig {
	out := make([]types.NodeConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// AllExceptSelf returns every configured node other than the calling
// node, in declaration order. Used when broadcasting heartbeats or
// leader-change announcements.
func (r *Registry) AllExceptSelf() []types.NodeConfig {
	out := make([]types.NodeConfig, 0, len(r.ordered))
	for _, n := range r.ordered {
		if n.ID != r.self {
			out = append(out, n)
		}
	}
	return out
}
