// Package config loads the YAML configuration that describes a fleet
// deployment: which fleet it is, the fixed node set, which node this
// process is, and the tunable constants the heartbeat/election/dispatch
// logic runs on. Individual fields may be overridden by environment
// variable, matching the env-var-overridable-ports pattern the original
// deployment scripts for this system used.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreflux/fleetcoord/pkg/types"
)

// Tunables holds every timing constant the coordination core runs on.
// Defaults match the documented behaviour; tests shrink most of these to
// keep scenario tests fast.
type Tunables struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxMissedBeats      int           `yaml:"max_missed_beats"`
	StallThreshold      time.Duration `yaml:"stall_threshold"`
	DispatchPeriod      time.Duration `yaml:"dispatch_period"`
	ElectionCooldown    time.Duration `yaml:"election_cooldown"`
	ElectionDelayMin    time.Duration `yaml:"election_delay_min"`
	ElectionDelayMax    time.Duration `yaml:"election_delay_max"`
	ClientWaitDeadline  time.Duration `yaml:"client_wait_deadline"`
	StateSyncInterval   time.Duration `yaml:"state_sync_interval"`
	StateSyncRetryDelay time.Duration `yaml:"state_sync_retry_delay"`
	DedupeCompletedURLs bool          `yaml:"dedupe_completed_urls"`
}

// DefaultTunables returns the constants the functional spec documents.
func DefaultTunables(fleet types.Fleet) Tunables {
	return Tunables{
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		MaxMissedBeats:      3,
		StallThreshold:      60 * time.Second,
		DispatchPeriod:      1 * time.Second,
		ElectionCooldown:    60 * time.Second,
		ElectionDelayMin:    5 * time.Second,
		ElectionDelayMax:    10 * time.Second,
		ClientWaitDeadline:  60 * time.Second,
		StateSyncInterval:   5 * time.Second,
		StateSyncRetryDelay: 10 * time.Second,
		DedupeCompletedURLs: fleet == types.FleetSummariser,
	}
}

// MetricsConfig is parsed from the YAML file (Port may also come from
// FLEETCOORD_METRICS_PORT). Every node serves /metrics on its own router
// regardless of Enabled, and Port does not open a separate listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the full YAML-backed configuration for one fleet node
// process.
type Config struct {
	Fleet    types.Fleet          `yaml:"fleet"`
	SelfID   string               `yaml:"self_id"`
	Nodes    []types.NodeConfig   `yaml:"nodes"`
	Tunables Tunables             `yaml:"tunables"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Log      LogConfig            `yaml:"log"`
}

// Load reads and parses a YAML config file, applies environment variable
// overrides, and fills in any zero-valued tunable with its documented
// default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	fillTunableDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the config describes a usable fleet: a known
// self id present in the node list, and at least one node.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: no nodes configured")
	}
	found := false
	for _, n := range c.Nodes {
		if n.ID == c.SelfID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: self_id %q not present in nodes", c.SelfID)
	}
	return nil
}

// applyEnvOverrides lets a container deployment move a node without
// editing the shared YAML file: FLEETCOORD_SELF_ID selects which node
// this process is, and FLEETCOORD_<NODE_ID>_PORT (with dashes mapped to
// underscores) overrides that node's configured port.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETCOORD_SELF_ID"); v != "" {
		cfg.SelfID = v
	}
	for i := range cfg.Nodes {
		envKey := "FLEETCOORD_" + envSafe(cfg.Nodes[i].ID) + "_PORT"
		if v := os.Getenv(envKey); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				cfg.Nodes[i].Port = port
			}
		}
	}
	if v := os.Getenv("FLEETCOORD_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

func envSafe(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c == '-' {
			c = '_'
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func fillTunableDefaults(cfg *Config) {
	defaults := DefaultTunables(cfg.Fleet)
	t := &cfg.Tunables
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if t.MaxMissedBeats == 0 {
		t.MaxMissedBeats = defaults.MaxMissedBeats
	}
	if t.StallThreshold == 0 {
		t.StallThreshold = defaults.StallThreshold
	}
	if t.DispatchPeriod == 0 {
		t.DispatchPeriod = defaults.DispatchPeriod
	}
	if t.ElectionCooldown == 0 {
		t.ElectionCooldown = defaults.ElectionCooldown
	}
	if t.ElectionDelayMin == 0 {
		t.ElectionDelayMin = defaults.ElectionDelayMin
	}
	if t.ElectionDelayMax == 0 {
		t.ElectionDelayMax = defaults.ElectionDelayMax
	}
	if t.ClientWaitDeadline == 0 {
		t.ClientWaitDeadline = defaults.ClientWaitDeadline
	}
	if t.StateSyncInterval == 0 {
		t.StateSyncInterval = defaults.StateSyncInterval
	}
	if t.StateSyncRetryDelay == 0 {
		t.StateSyncRetryDelay = defaults.StateSyncRetryDelay
	}
	if cfg.Fleet == "" {
		cfg.Fleet = types.FleetCrawler
	}
	// DedupeCompletedURLs is false by default for every fleet except the
	// summariser, so a zero value is ambiguous between "YAML omitted the
	// key" and "YAML explicitly disabled it". Treat it like every other
	// tunable above and backfill from the fleet's documented default.
	if !t.DedupeCompletedURLs {
		t.DedupeCompletedURLs = defaults.DedupeCompletedURLs
	}
}
