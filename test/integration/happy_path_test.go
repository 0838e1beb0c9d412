package integration

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflux/fleetcoord/pkg/types"
)

func TestSingleURLHappyPath(t *testing.T) {
	page := startPage(t, "<html><body><p>hello fleet</p></body></html>")
	fl := buildFleet(t, types.FleetCrawler, 1, 3)

	status, body := postJSON(t, fl.addressOf("leader-primary")+"/crawl", map[string]interface{}{
		"urls": []string{page.URL},
	})
	require.Equal(t, http.StatusOK, status)

	results, ok := body["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 1)

	entry := results[0].(map[string]interface{})
	assert.Equal(t, page.URL, entry["url"])
	assert.NotEmpty(t, entry["markdown"])

	tasks := fl.leaders["leader-primary"].n.AllTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskCompleted, tasks[0].Status)
}
