// Package graph is a thin client for the Microsoft Graph REST API. It
// handles bearer authentication, per-call timeouts, retry on throttling
// and decoding of Graph error envelopes into *APIError values.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request timeouts for the three classes of Graph calls.
const (
	LookupTimeout  = 10 * time.Second
	ListTimeout    = 30 * time.Second
	ContentTimeout = 60 * time.Second
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
		maxRetries: 3,
	}
}

// GetJSON issues a GET against path and decodes the JSON response into result.
func (c *Client) GetJSON(ctx context.Context, token, path string, query url.Values, timeout time.Duration, result any) error {
	body, err := c.get(ctx, token, path, query, timeout, "application/json")
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// GetRaw issues a GET against path and returns the response body verbatim.
func (c *Client) GetRaw(ctx context.Context, token, path string, query url.Values, timeout time.Duration) ([]byte, error) {
	return c.get(ctx, token, path, query, timeout, "*/*")
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, timeout time.Duration, accept string) ([]byte, error) {
	target := c.baseURL + path
	if encoded := EncodeQuery(query); encoded != "" {
		target += "?" + encoded
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, resp, err := c.attempt(ctx, token, target, timeout, accept)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = newAPIError(resp.StatusCode, body)
			wait := retryAfterDuration(resp, attempt)
			c.logger.Warn("graph throttled", "path", path, "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := newAPIError(resp.StatusCode, body)
			c.logger.Debug("graph request failed", "path", path, "status", resp.StatusCode, "code", apiErr.Code)
			return nil, apiErr
		}
		return body, nil
	}
	return nil, fmt.Errorf("max retries (%d) exceeded on %s: %w", c.maxRetries, path, lastErr)
}

func (c *Client) attempt(ctx context.Context, token, target string, timeout time.Duration, accept string) ([]byte, *http.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return body, resp, nil
}

// EncodeQuery renders OData query options. Keys are emitted verbatim so
// "$select" stays readable, values are escaped with %20 for spaces.
func EncodeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		for _, value := range query[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(strings.ReplaceAll(url.QueryEscape(value), "+", "%20"))
		}
	}
	return b.String()
}

// PathEscape escapes a single path segment such as a mailbox address or an
// item id.
func PathEscape(segment string) string {
	return url.PathEscape(segment)
}

func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
