// Package client talks to a logbook server: it ingests and queries records
// over HTTP and provides a slog.Handler that ships application logs.
package client

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
)

// Record mirrors the server's record shape.
type Record struct {
	Level      string          `json:"level"`
	Message    string          `json:"message"`
	ResourceID string          `json:"resourceId"`
	Timestamp  string          `json:"timestamp"`
	TraceID    string          `json:"traceId"`
	SpanID     string          `json:"spanId"`
	Commit     string          `json:"commit"`
	Metadata   json.RawMessage `json:"metadata"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("logbook: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest sends one record, or several as a single all-or-nothing batch.
func (c *Client) Ingest(ctx context.Context, records ...Record) error {
	var (
		data []byte
		err  error
	)
	switch len(records) {
	case 0:
		return nil
	case 1:
		data, err = json.Marshal(records[0])
	default:
		data, err = json.Marshal(records)
	}
	if err != nil {
		return err
	}
	return c.ingestRaw(ctx, data)
}

func (c *Client) ingestRaw(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/logs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Query returns matching records, newest first. params uses the server's
// filter parameter names (level, message, resourceId, timestamp_start, ...).
func (c *Client) Query(ctx context.Context, params url.Values) ([]Record, error) {
	u := c.baseURL + "/api/logs"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return records, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
