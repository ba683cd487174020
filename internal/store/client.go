// Package store is a client for the remote time-series store that keeps
// every packet the vehicle uploaded.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

var ErrStoreRequest = errors.New("store request failed")

// Row is one stored packet.
type Row struct {
	Timestamp int64
	Data      []byte
}

// Client talks to the store's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for baseURL. A nil hc gets a client with a
// bounded timeout.
func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse store url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store url %q: scheme must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: strings.TrimRight(u.String(), "/"), http: hc}, nil
}

// NewestTable returns the most recently created recording table.
func (c *Client) NewestTable(ctx context.Context) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.get(ctx, "/newest-timestamp-table", &out); err != nil {
		return "", err
	}
	if out.Response == "" {
		return "", fmt.Errorf("%w: empty table name", ErrStoreRequest)
	}
	return out.Response, nil
}

// FirstTimestamp returns the earliest timestamp stored in table.
func (c *Client) FirstTimestamp(ctx context.Context, table string) (int64, error) {
	var out struct {
		Response json.Number `json:"response"`
	}
	if err := c.get(ctx, "/get-first-timestamp/"+url.PathEscape(table), &out); err != nil {
		return 0, err
	}
	ts, err := parseTimestamp(out.Response)
	if err != nil {
		return 0, fmt.Errorf("%w: first timestamp: %v", ErrStoreRequest, err)
	}
	return ts, nil
}

// NewRows returns rows of table newer than since, oldest first.
func (c *Client) NewRows(ctx context.Context, table string, since int64) ([]Row, error) {
	var out struct {
		Response []struct {
			Timestamp json.Number `json:"timestamp"`
			Payload   struct {
				Data []int `json:"data"`
			} `json:"payload"`
		} `json:"response"`
	}
	path := "/get-new-rows/" + url.PathEscape(table) + "/" + strconv.FormatInt(since, 10)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(out.Response))
	for i, r := range out.Response {
		ts, err := parseTimestamp(r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d timestamp: %v", ErrStoreRequest, i, err)
		}
		data := make([]byte, len(r.Payload.Data))
		for j, v := range r.Payload.Data {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: row %d byte %d out of range: %d", ErrStoreRequest, i, j, v)
			}
			data[j] = byte(v)
		}
		rows = append(rows, Row{Timestamp: ts, Data: data})
	}
	return rows, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrStoreRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: GET %s: status %d", ErrStoreRequest, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrStoreRequest, path, err)
	}
	return nil
}

func parseTimestamp(n json.Number) (int64, error) {
	if n == "" {
		return 0, errors.New("missing")
	}
	if ts, err := n.Int64(); err == nil {
		return ts, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
