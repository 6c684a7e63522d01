package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tableAPIBase = "/api/now/table"

// Record is one row of a ServiceNow table. ServiceNow returns every field as
// a string or a reference object; keeping the raw map avoids guessing the
// schema of arbitrary tables.
type Record map[string]any

// StringField returns the named field if it is a plain string value.
func (r Record) StringField(name string) string {
	if v, ok := r[name].(string); ok {
		return v
	}
	return ""
}

// APIError is a non-2xx answer from the ServiceNow REST API.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("servicenow: %s (status %d): %s", e.Message, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("servicenow: %s (status %d)", e.Message, e.StatusCode)
}

// Client talks to one ServiceNow instance's Table API.
type Client struct {
	base *url.URL
	http *http.Client
	auth AuthConfig
}

// NewClient builds a client from the given config.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid servicenow config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.InstanceURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid instance URL %q: %w", cfg.InstanceURL, err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("instance URL must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		auth: cfg.Auth(),
	}, nil
}

// InstanceURL returns the configured instance base URL.
func (c *Client) InstanceURL() string { return c.base.String() }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth.Type == AuthTypeBasic && c.auth.Basic != nil {
		req.SetBasicAuth(c.auth.Basic.Username, c.auth.Basic.Password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", u.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Detail  string `json:"detail"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&envelope); err == nil {
			if envelope.Error.Message != "" {
				apiErr.Message = envelope.Error.Message
			}
			apiErr.Detail = envelope.Error.Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// CreateRecord inserts one row into the named table and returns it.
func (c *Client) CreateRecord(ctx context.Context, table string, fields map[string]any) (Record, error) {
	var env struct {
		Result Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", tableAPIBase, table), nil, fields, &env); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// GetRecord fetches one row by sys_id.
func (c *Client) GetRecord(ctx context.Context, table, sysID string) (Record, error) {
	var env struct {
		Result Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", tableAPIBase, table, url.PathEscape(sysID)), nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// UpdateRecord patches one row by sys_id and returns the updated row.
func (c *Client) UpdateRecord(ctx context.Context, table, sysID string, fields map[string]any) (Record, error) {
	var env struct {
		Result Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("%s/%s/%s", tableAPIBase, table, url.PathEscape(sysID)), nil, fields, &env); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// ListRecords queries the named table with a sysparm encoded query.
func (c *Client) ListRecords(ctx context.Context, table, query string, limit int) ([]Record, error) {
	q := url.Values{}
	if query != "" {
		q.Set("sysparm_query", query)
	}
	if limit > 0 {
		q.Set("sysparm_limit", strconv.Itoa(limit))
	}
	var env struct {
		Result []Record `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s", tableAPIBase, table), q, nil, &env); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// isSysID reports whether s looks like a 32-char ServiceNow sys_id.
func isSysID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// resolveIncident finds an incident by sys_id or by its INC number.
func (c *Client) resolveIncident(ctx context.Context, idOrNumber string) (Record, error) {
	if isSysID(idOrNumber) {
		return c.GetRecord(ctx, "incident", idOrNumber)
	}
	recs, err := c.ListRecords(ctx, "incident", "number="+idOrNumber, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("incident %s not found", idOrNumber)}
	}
	return recs[0], nil
}
