package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_RunExtractsTextAndLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>Hello there</p><a href="/next">next</a></body></html>`))
	}))
	defer server.Close()

	e := NewExtractor()
	result, err := e.Run(context.Background(), Input{URL: server.URL, MaxDepth: 2})
	require.NoError(t, err)

	assert.Equal(t, server.URL, result["url"])
	assert.Contains(t, result["markdown"], "Hello there")

	links, ok := result["map"].([]string)
	require.True(t, ok)
	require.Len(t, links, 1)
	assert.Contains(t, links[0], "/next")
}

func TestExtractor_RunErrorsOnHTTPFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	e := NewExtractor()
	_, err := e.Run(context.Background(), Input{URL: server.URL})
	assert.Error(t, err)
}

func TestExtractor_RunOmitsMarkdownWhenFormatNotRequested(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>Text</p></body></html>`))
	}))
	defer server.Close()

	e := NewExtractor()
	result, err := e.Run(context.Background(), Input{URL: server.URL, Formats: []string{"map"}})
	require.NoError(t, err)
	_, hasMarkdown := result["markdown"]
	assert.False(t, hasMarkdown)
}

func TestSummariser_RunPicksLongestSentences(t *testing.T) {
	s := NewSummariser(2)
	text := "Short one. This is a considerably longer sentence with many more words in it. Mid length sentence here now."

	result, err := s.Run(context.Background(), Input{Text: text, URL: "https://example.com/a"})
	require.NoError(t, err)

	summary, ok := result["summary"].(string)
	require.True(t, ok)
	assert.Contains(t, summary, "considerably longer sentence")
	assert.NotContains(t, summary, "Short one")
	assert.Equal(t, "https://example.com/a", result["url"])
}

func TestSummariser_RunKeepsAllSentencesWhenFewerThanMax(t *testing.T) {
	s := NewSummariser(5)
	text := "One. Two. Three."

	result, err := s.Run(context.Background(), Input{Text: text})
	require.NoError(t, err)
	summary := result["summary"].(string)
	assert.Contains(t, summary, "One")
	assert.Contains(t, summary, "Two")
	assert.Contains(t, summary, "Three")
}

func TestSummariser_RunRejectsEmptyText(t *testing.T) {
	s := NewSummariser(3)
	_, err := s.Run(context.Background(), Input{Text: "   "})
	assert.Error(t, err)
}
