package worker

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coreflux/fleetcoord/pkg/types"
)

// NewServer wires the worker's four HTTP endpoints onto a fresh echo
// instance: task assignment, heartbeat receipt, election-victory
// notification, and a plain health probe.
func NewServer(n *Node, onHeartbeat func(types.HeartbeatMessage)) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.POST("/task", n.handleTask)
	e.POST("/heartbeat", func(c echo.Context) error {
		var msg types.HeartbeatMessage
		if err := c.Bind(&msg); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if onHeartbeat != nil {
			onHeartbeat(msg)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/election/victory", n.handleElectionVictory)
	e.GET("/health", n.handleHealth)

	return e
}

func (n *Node) handleTask(c echo.Context) error {
	var task types.Task
	if err := c.Bind(&task); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	n.Accept(task)
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": task.TaskID, "status": "accepted"})
}

func (n *Node) handleElectionVictory(c echo.Context) error {
	var body struct {
		LeaderID string `json:"leader_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	n.SetLeaderID(body.LeaderID)
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (n *Node) handleHealth(c echo.Context) error {
	total, pending, completed := n.Stats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"current_leader": n.LeaderID(),
		"node_id":        n.selfID,
		"role":           types.RoleWorker,
		"leader_id":      n.LeaderID(),
		"in_flight":      pending,
		"completed":      completed,
		"task_total":     total,
	})
}
