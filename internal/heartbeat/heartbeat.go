// Package heartbeat implements the liveness-tracking service that runs on
// every fleet node: emitting periodic heartbeats to peers, receiving
// theirs, and declaring a peer failed only after it has been silent for
// several consecutive timeout windows. The hysteresis (MaxMissedBeats)
// is the system's only tolerance for transient network blips.
package heartbeat

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/internal/httpclient"
	"github.com/coreflux/fleetcoord/internal/metrics"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/pkg/types"
)

const sendTimeout = 3 * time.Second

// StatsFunc reports the counters a heartbeat message carries: total
// tasks known, tasks pending or processing, and tasks completed.
type StatsFunc func() (total, pending, completed int)

// StatusCallback fires when a peer's liveness flips. The service
// guarantees that, for a given peer, successive calls strictly alternate
// offline/online; a recovery callback may race a completion callback
// from elsewhere in the system and callers must tolerate either order.
type StatusCallback func(peerID string, status types.NodeStatus)

// LeaderChangeCallback fires when a heartbeat from a leader reports a
// current_leader_id different from the local view.
type LeaderChangeCallback func(newLeaderID string)

type peerRecord struct {
	lastReceived time.Time
	status       types.NodeStatus
	role         types.Role
	leaderID     string
	missedBeats  int
	failed       bool
}

// Service tracks peer liveness and emits this node's own heartbeats. It
// is constructed once per node and started with Start.
type Service struct {
	selfID   string
	selfRole types.Role
	reg      *registry.Registry
	tunables config.Tunables
	logger   *slog.Logger

	stats        StatsFunc
	onStatus     StatusCallback
	onLeaderChg  LeaderChangeCallback
	collector    *metrics.Collector

	mu       sync.Mutex
	peers    map[string]*peerRecord
	leaderID string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New builds a heartbeat Service for one node. initialLeaderID is the
// node's starting belief about who the active leader is (normally the
// configured primary). collector may be nil, in which case missed-beat
// counting is simply not reported.
func New(selfID string, selfRole types.Role, reg *registry.Registry, tunables config.Tunables, logger *slog.Logger, stats StatsFunc, onStatus StatusCallback, onLeaderChange LeaderChangeCallback, initialLeaderID string, collector *metrics.Collector) *Service {
	return &Service{
		selfID:      selfID,
		selfRole:    selfRole,
		reg:         reg,
		tunables:    tunables,
		logger:      logger,
		stats:       stats,
		onStatus:    onStatus,
		onLeaderChg: onLeaderChange,
		collector:   collector,
		peers:       make(map[string]*peerRecord),
		leaderID:    initialLeaderID,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background emit-and-check loop. Safe to call once;
// a second call is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the background loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// LeaderID returns this node's current belief about the active leader.
func (s *Service) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// SetLeaderID updates this node's belief about the active leader,
// e.g. after winning or observing an election.
func (s *Service) SetLeaderID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		jitter := time.Duration(rand.Int63n(int64(100*time.Millisecond))) - 50*time.Millisecond
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.tunables.HeartbeatInterval + jitter):
		}
		s.sendHeartbeats()
		s.checkForFailures()
	}
}

// recipients returns who this node sends heartbeats to: a worker sends
// only to the node it believes is the active leader; a leader sends to
// every other configured node.
func (s *Service) recipients() []types.NodeConfig {
	if s.selfRole == types.RoleWorker {
		leaderID := s.LeaderID()
		if leaderID == "" {
			return nil
		}
		n, ok := s.reg.ByID(leaderID)
		if !ok {
			return nil
		}
		return []types.NodeConfig{n}
	}
	return s.reg.AllExceptSelf()
}

func (s *Service) sendHeartbeats() {
	total, pending, completed := 0, 0, 0
	if s.stats != nil {
		total, pending, completed = s.stats()
	}
	msg := types.HeartbeatMessage{
		NodeID:         s.selfID,
		NodeType:       s.selfRole,
		Status:         types.NodeOnline,
		Timestamp:      types.NowSeconds(),
		LeaderID:       s.LeaderID(),
		TasksCount:     total,
		PendingTasks:   pending,
		CompletedTasks: completed,
	}

	for _, peer := range s.recipients() {
		url := peer.Address() + "/heartbeat"
		status, err := httpclient.PostJSON(context.Background(), url, sendTimeout, msg, nil)
		if err != nil || status != 200 {
			s.logger.Debug("heartbeat send failed", "peer", peer.ID, "status", status, "error", err)
			continue
		}
	}
}

// ReceiveHeartbeat records an inbound heartbeat from a peer, clearing its
// missed-beat counter and firing a recovery callback if it had been
// marked failed. If the peer is a leader reporting a different
// current_leader_id, this node adopts it.
func (s *Service) ReceiveHeartbeat(msg types.HeartbeatMessage) {
	s.mu.Lock()
	rec, known := s.peers[msg.NodeID]
	if !known {
		rec = &peerRecord{}
		s.peers[msg.NodeID] = rec
	}
	wasFailed := rec.failed
	rec.lastReceived = time.Now()
	rec.status = msg.Status
	rec.role = msg.NodeType
	rec.leaderID = msg.LeaderID
	rec.missedBeats = 0
	rec.failed = false

	leaderChanged := false
	newLeader := ""
	if msg.NodeType == types.RolePrimaryLeader || msg.NodeType == types.RoleBackupLeader {
		if msg.LeaderID != "" && msg.LeaderID != s.leaderID {
			newLeader = msg.LeaderID
			leaderChanged = true
			s.leaderID = msg.LeaderID
		}
	}
	s.mu.Unlock()

	if wasFailed {
		s.logger.Info("peer recovered", "peer", msg.NodeID)
		if s.onStatus != nil {
			s.onStatus(msg.NodeID, types.NodeOnline)
		}
	}
	if leaderChanged && s.onLeaderChg != nil {
		s.onLeaderChg(newLeader)
	}
}

// checkForFailures is the liveness sweep: any tracked peer silent for
// longer than HeartbeatTimeout accrues a missed beat; after
// MaxMissedBeats consecutive misses it is declared failed exactly once.
func (s *Service) checkForFailures() {
	now := time.Now()
	var justFailed []string

	s.mu.Lock()
	for id, rec := range s.peers {
		if rec.failed {
			continue
		}
		if now.Sub(rec.lastReceived) > s.tunables.HeartbeatTimeout {
			rec.missedBeats++
			if s.collector != nil {
				s.collector.RecordHeartbeatMiss()
			}
			if rec.missedBeats >= s.tunables.MaxMissedBeats {
				rec.failed = true
				rec.missedBeats = 0
				justFailed = append(justFailed, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range justFailed {
		s.logger.Warn("peer considered failed", "peer", id)
		if s.onStatus != nil {
			s.onStatus(id, types.NodeOffline)
		}
	}
}

// IsFailed reports whether a peer is currently in the failed set.
func (s *Service) IsFailed(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[peerID]
	return ok && rec.failed
}

// IsOnline reports whether a peer has ever been seen and is not
// currently failed. Unknown peers are not considered online.
func (s *Service) IsOnline(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[peerID]
	return ok && !rec.failed
}
