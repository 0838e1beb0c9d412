package leader

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coreflux/fleetcoord/internal/config"
	"github.com/coreflux/fleetcoord/pkg/types"
)

// NewServer wires every public and internal leader endpoint onto a
// fresh echo instance. publicPath is "/crawl" or "/summarize" depending
// on fleet; allowTaskLookup enables GET /task/:id (summariser fleet
// only).
func NewServer(n *Node, tunables config.Tunables, publicPath string, allowTaskLookup bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.POST(publicPath, n.handlePublicSubmit(publicPath, tunables))
	e.GET("/tasks", n.handleListTasks)
	e.GET("/state", n.handleExportState)
	e.GET("/health", n.handleHealth)

	e.POST("/heartbeat", n.handleHeartbeat)
	e.POST("/worker/task_completed", n.handleTaskCompleted)
	e.POST("/worker/task_failed", n.handleTaskFailed)
	e.POST("/leader-change", n.handleLeaderChange)

	if allowTaskLookup {
		e.GET("/task/:id", n.handleGetTask)
	}

	return e
}

// handlePublicSubmit implements both POST /crawl (one task per URL) and
// POST /summarize (one task for the submitted text); the only
// difference is how the request body maps to task payloads.
func (n *Node) handlePublicSubmit(path string, tunables config.Tunables) echo.HandlerFunc {
	isCrawl := n.fleet == types.FleetCrawler
	return func(c echo.Context) error {
		if !n.IsActiveLeader() {
			leaderID := n.CurrentLeaderID()
			if leaderID == "" {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no active leader known"})
			}
			peer, ok := n.reg.ByID(leaderID)
			if !ok {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no active leader known"})
			}
			c.Response().Header().Set("Location", peer.Address()+path)
			return c.NoContent(http.StatusTemporaryRedirect)
		}

		var payloads []types.TaskPayload
		var kind types.TaskKind

		if isCrawl {
			var req struct {
				URLs     []string `json:"urls"`
				MaxDepth int      `json:"max_depth"`
				Timeout  int      `json:"timeout"`
				Formats  []string `json:"formats"`
			}
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			kind = types.TaskKindPageExtract
			for _, u := range req.URLs {
				payloads = append(payloads, types.TaskPayload{
					URL: u, MaxDepth: req.MaxDepth, Timeout: req.Timeout, Formats: req.Formats,
				})
			}
		} else {
			var req struct {
				Text   string `json:"text"`
				URL    string `json:"url"`
				Title  string `json:"title"`
				Source string `json:"source"`
			}
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			kind = types.TaskKindSummarise
			payloads = []types.TaskPayload{{Text: req.Text, URL: req.URL, Title: req.Title, Source: req.Source}}
		}

		ids := n.CreateTasks(kind, payloads)

		if !isCrawl && c.QueryParam("async") == "true" {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"task_id": ids[0],
				"status":  "processing",
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), tunables.ClientWaitDeadline)
		defer cancel()
		tasks := n.WaitForTasks(ctx, ids)

		results := make([]map[string]interface{}, len(tasks))
		for i, t := range tasks {
			results[i] = resultEntry(t)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"results":   results,
			"timestamp": types.NowTimeUTC().Format("2006-01-02T15:04:05Z"),
		})
	}
}

// resultEntry pulls the aggregated-response fields from a task's result,
// defaulting missing fields to empty strings/lists so an unfinished or
// failed task still produces a well-shaped entry.
func resultEntry(t types.Task) map[string]interface{} {
	out := map[string]interface{}{
		"url":       t.Payload.URL,
		"timestamp": "",
		"markdown":  "",
		"summary":   "",
		"map":       []string{},
	}
	for k, v := range t.Result {
		out[k] = v
	}
	if t.Status == types.TaskFailed {
		out["error"] = t.Result["error"]
	}
	return out
}

func (n *Node) handleListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": n.AllTasks()})
}

func (n *Node) handleExportState(c echo.Context) error {
	if !n.IsActiveLeader() {
		return c.JSON(http.StatusForbidden, map[string]string{"error": ErrNotActiveLeader.Error()})
	}
	return c.JSON(http.StatusOK, n.ExportState())
}

func (n *Node) handleGetTask(c echo.Context) error {
	id := c.Param("id")
	task, ok := n.GetTask(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	return c.JSON(http.StatusOK, task)
}

func (n *Node) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"node_id":         n.selfID,
		"is_leader":       n.IsActiveLeader(),
		"current_leader":  n.CurrentLeaderID(),
		"worker_statuses": n.WorkerStatuses(),
	})
}

func (n *Node) handleHeartbeat(c echo.Context) error {
	var msg types.HeartbeatMessage
	if err := c.Bind(&msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	n.hb.ReceiveHeartbeat(msg)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (n *Node) handleTaskCompleted(c echo.Context) error {
	var body struct {
		TaskID string                 `json:"task_id"`
		Worker string                 `json:"worker"`
		Result map[string]interface{} `json:"result"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := n.TaskCompleted(body.TaskID, body.Worker, body.Result); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (n *Node) handleTaskFailed(c echo.Context) error {
	var body struct {
		TaskID string `json:"task_id"`
		Worker string `json:"worker"`
		Error  string `json:"error"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := n.TaskFailed(body.TaskID, body.Worker, body.Error); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (n *Node) handleLeaderChange(c echo.Context) error {
	var body struct {
		LeaderID string `json:"leader_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	previous := n.CurrentLeaderID()
	n.OnLeaderChange(body.LeaderID)
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged", "previous_leader": previous})
}
