package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/coreflux/fleetcoord/pkg/types"
)

// Extractor is the page-extract fleet's stand-in for the out-of-scope
// page-fetching/rendering engine: it fetches a URL over plain HTTP and
// reduces the response body to a Markdown-ish text body plus the list of
// same-host links it found, bounded by the requested crawl depth. A real
// deployment would substitute a headless-rendering engine behind this
// same Engine interface.
type Extractor struct {
	client *http.Client
}

// NewExtractor builds a page extractor. Each Run bounds its fetch by the
// task's Timeout in seconds (30 when unset); the caller's context
// deadline still applies.
func NewExtractor() *Extractor {
	return &Extractor{client: &http.Client{}}
}

func (e *Extractor) Run(ctx context.Context, in Input) (map[string]interface{}, error) {
	timeout := 30 * time.Second
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("extractor: build request for %s: %w", in.URL, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor: fetch %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("extractor: %s returned status %d", in.URL, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extractor: parse %s: %w", in.URL, err)
	}

	maxDepth := in.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}

	text := extractText(doc)
	links := extractSameHostLinks(doc, in.URL, maxDepth)

	result := map[string]interface{}{
		"url":       in.URL,
		"timestamp": isoTimestamp(),
		"map":       links,
	}
	if containsFormat(in.Formats, "markdown") || len(in.Formats) == 0 {
		result["markdown"] = text
	}
	return result, nil
}

func containsFormat(formats []string, want string) bool {
	for _, f := range formats {
		if f == want {
			return true
		}
	}
	return false
}

// extractText walks the parse tree and concatenates visible text nodes,
// separating block-level elements with blank lines so the output reads
// roughly like Markdown even though no heading/emphasis syntax is
// reconstructed.
func extractText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				b.WriteString(trimmed)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// extractSameHostLinks collects up to maxDepth*10 same-host anchor
// targets, a crude stand-in for depth-bounded link discovery.
func extractSameHostLinks(n *html.Node, pageURL string, maxDepth int) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	limit := maxDepth * 10
	var links []string
	seen := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(links) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				resolved, err := base.Parse(attr.Val)
				if err != nil || resolved.Host != base.Host {
					continue
				}
				s := resolved.String()
				if !seen[s] {
					seen[s] = true
					links = append(links, s)
				}
			}
		}
		for c := n.FirstChild; c != nil && len(links) < limit; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return links
}

func isoTimestamp() string {
	return types.NowTimeUTC().Format("2006-01-02T15:04:05Z")
}
