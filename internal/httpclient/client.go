// Package httpclient provides the small JSON-over-HTTP helpers every
// peer-to-peer call in this system uses: heartbeats, task dispatch,
// completion/failure reports, state pulls, and leader-change
// announcements. Every call here is best-effort with a short, fixed
// timeout and is never retried by the caller — retry is the heartbeat
// hysteresis's and the stall detector's job, not this package's.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PostJSON POSTs body as JSON to url with the given timeout and decodes
// the response body into out (if out is non-nil). It returns the HTTP
// status code alongside any transport error so callers can distinguish a
// non-200 response from a failed call.
func PostJSON(ctx context.Context, url string, timeout time.Duration, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("httpclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return 0, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpclient: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("httpclient: decode response from %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

// GetJSON GETs url with the given timeout and decodes a 200 response
// into out.
func GetJSON(ctx context.Context, url string, timeout time.Duration, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("httpclient: build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpclient: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("httpclient: decode response from %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}
