// Package carto talks to a CARTO SQL API endpoint.
package carto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular"
)

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint *url.URL
}

func New(logger *slog.Logger, client *http.Client, endpoint string) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse sql api url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, client: client, endpoint: u}, nil
}

type response struct {
	Rows      []tabular.Row `json:"rows"`
	TotalRows int           `json:"total_rows"`
	Error     []string      `json:"error"`
}

// Query runs sql through GET <endpoint>?q=<sql>.
func (c *Client) Query(ctx context.Context, sql string) ([]tabular.Row, error) {
	u := *c.endpoint
	params := u.Query()
	params.Set("q", sql)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency("sql_api", dur.Seconds())
	c.logger.DebugContext(ctx, "sql api done", "status", resp.StatusCode, "duration", dur.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		var r response
		if json.Unmarshal(b, &r) == nil && len(r.Error) > 0 {
			return nil, fmt.Errorf("sql api status %d: %s", resp.StatusCode, strings.Join(r.Error, "; "))
		}
		return nil, fmt.Errorf("sql api status %d: %s", resp.StatusCode, string(b))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode sql api response: %w", err)
	}
	if r.Rows == nil {
		r.Rows = []tabular.Row{}
	}
	return r.Rows, nil
}
