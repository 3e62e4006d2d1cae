// Package adapters holds the per-module glue that re-fetches a module's data
// from the remote API and hands it to the page for re-rendering.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "tabsync/pkg/logx"
)

const maxErrorBody = 512

// StatusError reports a non-2xx API response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.Path, e.Code, e.Body)
}

// Fetcher loads a JSON collection.
type Fetcher interface {
	FetchJSON(ctx context.Context, path string) ([]json.RawMessage, error)
}

// Client reads JSON collections from the remote API.
type Client struct {
	base *url.URL
	hc   *http.Client
	log  logx.Logger
}

// NewClient builds a client for baseURL. A nil hc gets a client with timeout.
func NewClient(baseURL string, hc *http.Client, timeout time.Duration, log logx.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q: scheme and host required", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{base: u, hc: hc, log: log.Comp("api")}, nil
}

// HTTP exposes the underlying client so page writes share its transport.
func (c *Client) HTTP() *http.Client { return c.hc }

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// FetchJSON GETs path and returns the elements of the JSON array it answers
// with. An object of the form {"data": [...]} is unwrapped.
func (c *Client) FetchJSON(ctx context.Context, path string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", path, err)
	}
	items, err := decodeCollection(b)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	c.log.Trace("fetched", logx.String("path", path), logx.Int("items", len(items)), logx.Duration("took", time.Since(start)))
	return items, nil
}

func decodeCollection(b []byte) ([]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return []json.RawMessage{}, nil
	}
	if b[0] == '{' {
		var wrapped struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return nil, fmt.Errorf("decode collection: %w", err)
		}
		if wrapped.Data == nil {
			return nil, fmt.Errorf("decode collection: object without data array")
		}
		return wrapped.Data, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}
