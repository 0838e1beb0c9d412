package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "fleetcoord", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[strings.Fields(c.Use)[0]] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["dispatch"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/node.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildDispatchCommand(t *testing.T) {
	cmd := buildDispatchCommand()
	assert.Contains(t, cmd.Use, "dispatch")
	assert.NotNil(t, cmd.Flags().Lookup("text"))
	assert.NotNil(t, cmd.Flags().Lookup("async"))
}

func portOf(t *testing.T, url string) int {
	t.Helper()
	idx := strings.LastIndex(url, ":")
	require.GreaterOrEqual(t, idx, 0)
	port, err := strconv.Atoi(url[idx+1:])
	require.NoError(t, err)
	return port
}

func writeConfig(t *testing.T, fleet string, selfID string, port int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := "fleet: " + fleet + "\n" +
		"self_id: " + selfID + "\n" +
		"nodes:\n" +
		"  - id: " + selfID + "\n" +
		"    host: 127.0.0.1\n" +
		"    port: " + strconv.Itoa(port) + "\n" +
		"    role: primary-leader\n" +
		"    priority: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestShowStatus_PrintsHealthFromRunningNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"node_id":        "leader-primary",
			"is_leader":      true,
			"current_leader": "leader-primary",
		})
	}))
	defer srv.Close()

	path := writeConfig(t, "crawler", "leader-primary", portOf(t, srv.URL))
	assert.NoError(t, showStatus(path))
}

func TestShowStatus_ErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := writeConfig(t, "crawler", "leader-primary", portOf(t, srv.URL))
	assert.Error(t, showStatus(path))
}

func TestDispatch_CrawlRequiresURLs(t *testing.T) {
	path := writeConfig(t, "crawler", "leader-primary", 0)
	err := dispatch(path, nil, "", "", "", "", 2, false)
	assert.Error(t, err)
}

func TestDispatch_SummariseRequiresText(t *testing.T) {
	path := writeConfig(t, "summariser", "leader-primary", 0)
	err := dispatch(path, nil, "", "", "", "", 2, false)
	assert.Error(t, err)
}

func TestDispatch_CrawlPostsURLsAndPrintsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crawl", r.URL.Path)
		var body struct {
			URLs []string `json:"urls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"https://example.com"}, body.URLs)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	}))
	defer srv.Close()

	path := writeConfig(t, "crawler", "leader-primary", portOf(t, srv.URL))
	err := dispatch(path, []string{"https://example.com"}, "", "", "", "", 2, false)
	assert.NoError(t, err)
}

func TestDispatch_FollowsRedirectToActiveLeader(t *testing.T) {
	active := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crawl", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": []interface{}{}})
	}))
	defer active.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", active.URL+"/crawl")
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	path := writeConfig(t, "crawler", "leader-primary", portOf(t, follower.URL))
	err := dispatch(path, []string{"https://example.com"}, "", "", "", "", 2, false)
	assert.NoError(t, err)
}
