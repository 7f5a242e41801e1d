package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/datawell/conduit/internal/pipeline"
)

const (
	httpJSONKind        = "http_json"
	httpDefaultPageSize = 500
)

// HTTPJSON pulls records from a paginated JSON API. The connection's
// auth bag carries {"base_url": ..., "token": ...}; the stream config
// carries {"path": ..., "page_size": ...}. The endpoint is expected to
// honor cursor/limit query params and answer with
// {"records": [...], "next_cursor": "...", "more": true}.
type HTTPJSON struct {
	client *http.Client
}

func NewHTTPJSON() *HTTPJSON {
	return &HTTPJSON{client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPJSON) Kind() string {
	return httpJSONKind
}

type httpJSONAuth struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

type httpJSONStreamConfig struct {
	Path     string `json:"path"`
	PageSize int    `json:"page_size"`
}

type httpJSONPage struct {
	Records    []Record `json:"records"`
	NextCursor *string  `json:"next_cursor"`
	More       bool     `json:"more"`
}

func (c *HTTPJSON) Fetch(ctx context.Context, req SyncRequest) (SyncResult, error) {
	var auth httpJSONAuth
	if err := json.Unmarshal(req.Connection.AuthData, &auth); err != nil || auth.BaseURL == "" {
		return SyncResult{}, Failf(pipeline.ErrorClassClient, "connection %s has no usable base_url", req.Connection.ID)
	}
	var cfg httpJSONStreamConfig
	if len(req.Stream.Config) > 0 {
		if err := json.Unmarshal(req.Stream.Config, &cfg); err != nil {
			return SyncResult{}, Failf(pipeline.ErrorClassClient, "stream %s has malformed config", req.Stream.StreamName)
		}
	}
	if cfg.Path == "" {
		cfg.Path = "/streams/" + url.PathEscape(req.Stream.StreamName)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = httpDefaultPageSize
	}

	endpoint, err := url.Parse(auth.BaseURL + cfg.Path)
	if err != nil {
		return SyncResult{}, Failf(pipeline.ErrorClassClient, "bad endpoint for stream %s: %v", req.Stream.StreamName, err)
	}
	q := endpoint.Query()
	q.Set("limit", strconv.Itoa(cfg.PageSize))
	if req.Cursor != nil && *req.Cursor != "" {
		q.Set("cursor", *req.Cursor)
	}
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SyncResult{}, Failf(pipeline.ErrorClassClient, "build request: %v", err)
	}
	if auth.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SyncResult{}, &Failure{Class: pipeline.ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SyncResult{}, Failf(classForStatus(resp.StatusCode), "%s answered %s", endpoint.Host, resp.Status)
	}

	var page httpJSONPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return SyncResult{}, Failf(pipeline.ErrorClassServer, "decode page: %v", err)
	}
	return SyncResult{Records: page.Records, NextCursor: page.NextCursor, More: page.More}, nil
}

func classForStatus(status int) pipeline.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeline.ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return pipeline.ErrorClassRateLimit
	case status >= 500:
		return pipeline.ErrorClassServer
	default:
		return pipeline.ErrorClassClient
	}
}

var _ Connector = (*HTTPJSON)(nil)
