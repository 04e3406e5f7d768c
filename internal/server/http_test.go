package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coffersTech/logbook/internal/metrics"
	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/service"
	"github.com/coffersTech/logbook/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	store, err := storage.Open(afero.NewMemMapFs(), "/data/records.json")
	require.NoError(t, err)

	s := NewIngestServer(service.New(store), opts)
	s.now = func() time.Time { return time.Date(2023, 9, 15, 9, 0, 0, 0, time.UTC) }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func record(level, msg, resource, ts string) string {
	return fmt.Sprintf(`{"level":%q,"message":%q,"resourceId":%q,"timestamp":%q,"traceId":"abc-xyz-123","spanId":"span-456","commit":"5e5342f","metadata":{"parentResourceId":"server-0987"}}`,
		level, msg, resource, ts)
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestIngestAndQuery(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := post(t, ts.URL+"/api/logs", record("error", "Failed to connect", "server-1234", "2023-09-15T08:00:00Z"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.JSONEq(t, record("error", "Failed to connect", "server-1234", "2023-09-15T08:00:00Z"), string(body))

	resp, body = post(t, ts.URL+"/api/logs", "["+
		record("info", "ok", "server-9999", "2023-09-15T08:30:00Z")+","+
		record("error", "Failed to connect", "server-9999", "2023-09-15T07:00:00Z")+"]")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = get(t, ts.URL+"/api/logs?message=fail&resourceId=SERVER-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.LogRecord
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "server-1234", got[0].ResourceID)

	resp, body = get(t, ts.URL+"/api/logs?timestamp_start=not-a-date")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 3)
	assert.Equal(t, "ok", got[0].Message)
}

func TestQueryEmptyIsArray(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, body := get(t, ts.URL+"/api/logs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestIngestErrors(t *testing.T) {
	ts := newTestServer(t, Options{MaxBodyBytes: 512})

	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"invalid json", `{"level":`, http.StatusBadRequest, "invalid JSON"},
		{"unknown level", record("critical", "m", "r", "2023-09-15T08:00:00Z"), http.StatusBadRequest, "error, warn, info, debug"},
		{"missing span", `{"level":"info","message":"m","resourceId":"r","timestamp":"2023-09-15T08:00:00Z","traceId":"t","commit":"c","metadata":{}}`, http.StatusBadRequest, "spanId"},
		{"empty batch", `[]`, http.StatusBadRequest, "at least one"},
		{"too large", record("info", strings.Repeat("x", 600), "r", "2023-09-15T08:00:00Z"), http.StatusRequestEntityTooLarge, "512"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+"/api/logs", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e map[string]string
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Contains(t, e["error"], tt.want)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/api/logs", "/api/stats", "/api/histogram", "/healthz"} {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

func TestStatsHistogramContext(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, r := range []string{
		record("info", "a", "api", "2023-09-15T08:10:00Z"),
		record("error", "b", "api", "2023-09-15T08:40:00Z"),
		record("error", "c", "db", "2023-09-15T08:41:00Z"),
	} {
		resp, _ := post(t, ts.URL+"/api/logs", r)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := get(t, ts.URL+"/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		TotalLogs int            `json:"total_logs"`
		LevelDist map[string]int `json:"level_dist"`
		DiskUsage int64          `json:"disk_usage"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 3, stats.TotalLogs)
	assert.Equal(t, 2, stats.LevelDist["error"])
	assert.Positive(t, stats.DiskUsage)

	// Defaults cover the hour before the pinned clock.
	resp, body = get(t, ts.URL+"/api/histogram?interval=30m")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var points []struct {
		Time  time.Time `json:"time"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &points))
	require.Len(t, points, 2)
	assert.Equal(t, 1, points[0].Count)
	assert.Equal(t, 2, points[1].Count)

	resp, _ = get(t, ts.URL+"/api/histogram?interval=soon")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/histogram?start=2023-09-15T09:00:00Z&end=2023-09-15T08:00:00Z")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get(t, ts.URL+"/api/context?timestamp=2023-09-15T08:39:00Z&limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ctx struct {
		Pre    []model.LogRecord `json:"pre"`
		Anchor *model.LogRecord  `json:"anchor"`
		Post   []model.LogRecord `json:"post"`
	}
	require.NoError(t, json.Unmarshal(body, &ctx))
	require.NotNil(t, ctx.Anchor)
	assert.Equal(t, "b", ctx.Anchor.Message)
	require.Len(t, ctx.Pre, 1)
	require.Len(t, ctx.Post, 1)

	resp, _ = get(t, ts.URL+"/api/context")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	ts := newTestServer(t, Options{Metrics: m.Handler()})

	resp, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "logbook_ingested_records_total")
}

type brokenStore struct{}

func (brokenStore) Load() (model.Collection, error) {
	return nil, &storage.StoreError{Op: "read", Path: "/data/records.json", Err: errors.New("input/output error")}
}

func (brokenStore) Append(...model.LogRecord) error {
	return &storage.StoreError{Op: "rename", Path: "/data/records.json", Err: errors.New("no space left on device")}
}

func (brokenStore) Stat() (storage.Info, error) {
	return storage.Info{}, &storage.StoreError{Op: "stat", Path: "/data/records.json", Err: errors.New("input/output error")}
}

// statlessStore loads fine but fails Stat with an error that is not a
// StoreError.
type statlessStore struct{}

func (statlessStore) Load() (model.Collection, error) { return model.Collection{}, nil }
func (statlessStore) Append(...model.LogRecord) error { return nil }
func (statlessStore) Stat() (storage.Info, error) {
	return storage.Info{}, errors.New("stat unsupported")
}

func TestStoreFailureIs500(t *testing.T) {
	s := NewIngestServer(service.New(brokenStore{}), Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := post(t, ts.URL+"/api/logs", record("info", "m", "r", "2023-09-15T08:00:00Z"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "no space left")

	resp, _ = get(t, ts.URL+"/api/logs")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, body = get(t, ts.URL+"/api/stats")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"storage failure"}`, string(body))
}

func TestUnclassifiedFailureIs500(t *testing.T) {
	s := NewIngestServer(service.New(statlessStore{}), Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/stats")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"internal error"}`, string(body))
}
