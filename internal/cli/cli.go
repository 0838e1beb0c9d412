// Package cli builds the fleetcoord command tree: run (start a node),
// status (query a running node's health), and dispatch (submit a
// one-off request to a leader), on top of github.com/spf13/cobra.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/internal/engine"
	"github.com/coreflux/fleetcoord/internal/heartbeat"
	"github.com/coreflux/fleetcoord/internal/httpclient"
	"github.com/coreflux/fleetcoord/internal/leader"
	"github.com/coreflux/fleetcoord/internal/logging"
	"github.com/coreflux/fleetcoord/internal/metrics"
	"github.com/coreflux/fleetcoord/internal/registry"
	"github.com/coreflux/fleetcoord/internal/statemanager"
	"github.com/coreflux/fleetcoord/internal/worker"
	"github.com/coreflux/fleetcoord/pkg/types"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetcoord",
		Short: "fleetcoord: a leaderful crawl/summarise task fleet",
		Long: `fleetcoord coordinates a fixed fleet of leader and worker nodes:
- one primary leader, two backup leaders on standby
- a pool of workers executing page-extract or summarise tasks
- priority-based leader selection on primary failure`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/node.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDispatchCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start this node",
		Long:  "Load the config file, determine this node's role from self_id, and run it until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configFile)
		},
	}
	return cmd
}

// runningNode is the handle runNode uses to perform an orderly shutdown:
// stop accepting connections first, then stop background loops.
type runningNode struct {
	srv  *echo.Echo
	stop func()
}

func runNode(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	reg, err := registry.New(cfg.Fleet, cfg.SelfID, cfg.Nodes)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	self, ok := reg.Self()
	if !ok {
		return fmt.Errorf("cli: self_id %q not in node set", cfg.SelfID)
	}

	logger := logging.New(cfg.Log, cfg.SelfID, string(self.Role))
	collector := metrics.NewCollector(cfg.SelfID, string(self.Role))

	var node *runningNode
	switch self.Role {
	case types.RoleWorker:
		node = runWorkerNode(cfg, reg, self, logger, collector)
	case types.RolePrimaryLeader, types.RoleBackupLeader:
		node = runLeaderNode(cfg, reg, self, logger, collector)
	default:
		return fmt.Errorf("cli: unknown role %q for self_id %q", self.Role, cfg.SelfID)
	}

	logger.Info("node started", "address", self.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := node.srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	node.stop()
	logger.Info("node stopped")
	return nil
}

func runWorkerNode(cfg *config.Config, reg *registry.Registry, self types.NodeConfig, logger *slog.Logger, collector *metrics.Collector) *runningNode {
	var eng engine.Engine
	if cfg.Fleet == types.FleetSummariser {
		eng = engine.NewSummariser(3)
	} else {
		eng = engine.NewExtractor()
	}

	primaryID := ""
	if primary, ok := reg.Primary(); ok {
		primaryID = primary.ID
	}

	w := worker.New(cfg.SelfID, reg, eng, logger, primaryID)
	hb := heartbeat.New(cfg.SelfID, types.RoleWorker, reg, cfg.Tunables, logger, w.Stats, nil, w.SetLeaderID, primaryID, collector)
	hb.Start()

	srv := worker.NewServer(w, hb.ReceiveHeartbeat)
	mountMetrics(srv, collector)
	stopSampler := startMetricsSampler(collector, func() (int, int) {
		_, pending, _ := w.Stats()
		return 0, pending
	})

	listen(srv, self, logger)

	return &runningNode{srv: srv, stop: func() {
		close(stopSampler)
		hb.Stop()
	}}
}

func runLeaderNode(cfg *config.Config, reg *registry.Registry, self types.NodeConfig, logger *slog.Logger, collector *metrics.Collector) *runningNode {
	isPrimary := self.Role == types.RolePrimaryLeader
	state := statemanager.New(isPrimary, cfg.Tunables.DedupeCompletedURLs)

	var selector leader.WorkerSelector
	if cfg.Fleet == types.FleetSummariser {
		selector = leader.LeastLoadedSelector{}
	} else {
		selector = leader.RandomSelector{}
	}

	primaryID := ""
	if primary, ok := reg.Primary(); ok {
		primaryID = primary.ID
	}

	// n is wired into the heartbeat callbacks below before it exists;
	// the callbacks only ever fire after hb.Start(), by which point n
	// has been assigned.
	var n *leader.Node
	statsFunc := func() (total, pending, completed int) {
		if n == nil {
			return 0, 0, 0
		}
		for _, t := range n.AllTasks() {
			total++
			switch t.Status {
			case types.TaskPending, types.TaskProcessing:
				pending++
			case types.TaskCompleted:
				completed++
			}
		}
		return total, pending, completed
	}
	onPeerStatus := func(peerID string, status types.NodeStatus) {
		if n != nil {
			n.OnPeerStatusChange(peerID, status)
		}
	}
	onLeaderChange := func(newLeaderID string) {
		if n != nil {
			n.OnLeaderChange(newLeaderID)
		}
	}

	hb := heartbeat.New(cfg.SelfID, self.Role, reg, cfg.Tunables, logger, statsFunc, onPeerStatus, onLeaderChange, primaryID, collector)
	n = leader.New(cfg.SelfID, cfg.Fleet, reg, state, hb, cfg.Tunables, logger, selector, isPrimary, collector)

	hb.Start()
	n.Start()

	publicPath := "/summarize"
	allowTaskLookup := true
	if cfg.Fleet == types.FleetCrawler {
		publicPath = "/crawl"
		allowTaskLookup = false
	}

	srv := leader.NewServer(n, cfg.Tunables, publicPath, allowTaskLookup)
	mountMetrics(srv, collector)
	stopSampler := startMetricsSampler(collector, func() (int, int) {
		pending, processing := 0, 0
		for _, t := range n.AllTasks() {
			switch t.Status {
			case types.TaskPending:
				pending++
			case types.TaskProcessing:
				processing++
			}
		}
		return pending, processing
	})

	listen(srv, self, logger)

	return &runningNode{srv: srv, stop: func() {
		close(stopSampler)
		n.Stop()
		hb.Stop()
	}}
}

// listen starts e serving on self's configured port in the background.
func listen(e *echo.Echo, self types.NodeConfig, logger *slog.Logger) {
	addr := fmt.Sprintf(":%d", self.Port)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()
}

// mountMetrics exposes collector's Prometheus handler on the same router
// as every other endpoint this node serves.
func mountMetrics(e *echo.Echo, collector *metrics.Collector) {
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))
}

// startMetricsSampler polls sample every two seconds and pushes the
// result into the collector's queue-depth/in-flight gauges, returning a
// channel that stops the loop when closed.
func startMetricsSampler(collector *metrics.Collector, sample func() (pending, inFlight int)) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				pending, inFlight := sample()
				collector.UpdateQueueStats(pending, inFlight)
			}
		}
	}()
	return stop
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node's health",
		Long:  "Load the config file to find this node's own address, then GET /health and print it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(configFile)
		},
	}
	return cmd
}

func showStatus(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	reg, err := registry.New(cfg.Fleet, cfg.SelfID, cfg.Nodes)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	self, ok := reg.Self()
	if !ok {
		return fmt.Errorf("cli: self_id %q not in node set", cfg.SelfID)
	}

	var health map[string]interface{}
	status, err := httpclient.GetJSON(context.Background(), self.Address()+"/health", 5*time.Second, &health)
	if err != nil {
		return fmt.Errorf("cli: query %s: %w", self.Address(), err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("cli: %s returned status %d", self.Address(), status)
	}

	fmt.Printf("\n=== fleetcoord node status: %s ===\n", cfg.SelfID)
	fmt.Printf("  fleet:   %s\n", cfg.Fleet)
	fmt.Printf("  address: %s\n", self.Address())
	for _, key := range []string{"status", "node_id", "is_leader", "current_leader", "leader_id", "in_flight", "completed", "task_total"} {
		if v, ok := health[key]; ok {
			fmt.Printf("  %-15s %v\n", key+":", v)
		}
	}
	if ws, ok := health["worker_statuses"]; ok {
		fmt.Println("  worker_statuses:")
		encoded, _ := json.MarshalIndent(ws, "    ", "  ")
		fmt.Printf("    %s\n", encoded)
	}
	fmt.Println()
	return nil
}

func buildDispatchCommand() *cobra.Command {
	var text, url, title, source string
	var maxDepth int
	var async bool

	cmd := &cobra.Command{
		Use:   "dispatch [urls...]",
		Short: "Submit a one-off crawl or summarise request",
		Long:  "Submit a request to this config's own leader address. For a crawl fleet, pass one or more URLs as positional args. For a summariser fleet, use --text.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(configFile, args, text, url, title, source, maxDepth, async)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to summarise (summariser fleet)")
	cmd.Flags().StringVar(&url, "url", "", "source url for the submitted text (summariser fleet)")
	cmd.Flags().StringVar(&title, "title", "", "source title (summariser fleet)")
	cmd.Flags().StringVar(&source, "source", "", "source label (summariser fleet)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 2, "crawl depth (crawler fleet)")
	cmd.Flags().BoolVar(&async, "async", false, "return immediately with a task id (summariser fleet)")

	return cmd
}

func dispatch(path string, urls []string, text, url, title, source string, maxDepth int, async bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	reg, err := registry.New(cfg.Fleet, cfg.SelfID, cfg.Nodes)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	self, ok := reg.Self()
	if !ok {
		return fmt.Errorf("cli: self_id %q not in node set", cfg.SelfID)
	}

	var body interface{}
	targetPath := "/summarize"
	if cfg.Fleet == types.FleetCrawler {
		targetPath = "/crawl"
		if len(urls) == 0 {
			return fmt.Errorf("cli: crawl dispatch requires at least one url argument")
		}
		body = map[string]interface{}{"urls": urls, "max_depth": maxDepth}
	} else {
		if text == "" {
			return fmt.Errorf("cli: summarise dispatch requires --text")
		}
		body = map[string]interface{}{"text": text, "url": url, "title": title, "source": source}
	}

	target := self.Address() + targetPath
	if async && cfg.Fleet == types.FleetSummariser {
		target += "?async=true"
	}

	var result map[string]interface{}
	status, err := httpclient.PostJSON(context.Background(), target, 65*time.Second, body, &result)
	if err != nil {
		return fmt.Errorf("cli: dispatch to %s: %w", target, err)
	}
	if status == http.StatusTemporaryRedirect {
		fmt.Println("redirected: this node is not the active leader")
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("cli: %s returned status %d", target, status)
	}

	encoded, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(encoded))
	return nil
}
