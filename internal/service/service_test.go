package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coffersTech/logbook/internal/engine"
	"github.com/coffersTech/logbook/internal/metrics"
	"github.com/coffersTech/logbook/internal/model"
	"github.com/coffersTech/logbook/internal/storage"
	"github.com/coffersTech/logbook/internal/validator"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storePath = "/data/records.json"

func newService(t *testing.T, fs afero.Fs, opts ...Option) (*Service, *storage.FileStore) {
	t.Helper()
	store, err := storage.Open(fs, storePath)
	require.NoError(t, err)
	return New(store, opts...), store
}

func body(level, msg, resource, ts string) []byte {
	return []byte(fmt.Sprintf(`{
		"level": %q,
		"message": %q,
		"resourceId": %q,
		"timestamp": %q,
		"traceId": "abc-xyz-123",
		"spanId": "span-456",
		"commit": "5e5342f",
		"metadata": {"parentResourceId": "server-0987"}
	}`, level, msg, resource, ts))
}

func TestIngestThenQuery(t *testing.T) {
	svc, _ := newService(t, afero.NewMemMapFs())

	rec, err := svc.Ingest(body("error", "Failed to connect", "server-1234", "2023-09-15T08:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, model.LevelError, rec.Level)

	got, err := svc.Query(engine.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])
	assert.JSONEq(t, `{"parentResourceId": "server-0987"}`, string(got[0].Metadata))
}

func TestQueryOrdersNewestFirst(t *testing.T) {
	svc, _ := newService(t, afero.NewMemMapFs())

	_, err := svc.Ingest(body("info", "older", "a", "2023-09-15T08:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Ingest(body("info", "newer", "a", "2023-09-15T09:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Ingest(body("info", "oldest", "a", "2023-09-14T09:00:00Z"))
	require.NoError(t, err)

	got, err := svc.Query(engine.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "newer", got[0].Message)
	assert.Equal(t, "older", got[1].Message)
	assert.Equal(t, "oldest", got[2].Message)
}

func TestQueryEmptyIsNotNil(t *testing.T) {
	svc, _ := newService(t, afero.NewMemMapFs())

	got, err := svc.Query(engine.FilterFromValues(url.Values{"level": {"error"}}))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestConcurrentIngestLosesNothing(t *testing.T) {
	svc, store := newService(t, afero.NewMemMapFs())

	_, err := svc.Ingest(body("info", "seed", "a", "2023-09-15T08:00:00Z"))
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Ingest(body("info", fmt.Sprintf("msg-%d", i), "a", "2023-09-15T08:00:00Z"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	coll, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, coll, n+1)
}

func TestIngestRejectsUnknownLevel(t *testing.T) {
	m := metrics.New()
	svc, store := newService(t, afero.NewMemMapFs(), WithMetrics(m))

	_, err := svc.Ingest(body("critical", "boom", "a", "2023-09-15T08:00:00Z"))
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.Contains(t, err.Error(), "error, warn, info, debug")

	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "level", verr.Field)

	coll, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, coll)

	expected := `
# HELP logbook_ingest_failures_total Ingest requests that did not persist, by reason.
# TYPE logbook_ingest_failures_total counter
logbook_ingest_failures_total{reason="store"} 0
logbook_ingest_failures_total{reason="validation"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "logbook_ingest_failures_total"))
}

func TestIngestMissingSpanID(t *testing.T) {
	svc, _ := newService(t, afero.NewMemMapFs())

	_, err := svc.Ingest([]byte(`{
		"level": "info",
		"message": "m",
		"resourceId": "r",
		"timestamp": "2023-09-15T08:00:00Z",
		"traceId": "t",
		"commit": "c",
		"metadata": {}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spanId")
}

func TestCorruptImageThenIngest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	require.NoError(t, afero.WriteFile(fs, storePath, []byte(`{"logs": [{"level": "inf`), 0o644))

	svc, _ := newService(t, fs)

	got, err := svc.Query(engine.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = svc.Ingest(body("warn", "after reset", "a", "2023-09-15T08:00:00Z"))
	require.NoError(t, err)

	got, err = svc.Query(engine.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "after reset", got[0].Message)
}

func TestIngestBatchAllOrNothing(t *testing.T) {
	svc, store := newService(t, afero.NewMemMapFs())

	batch := fmt.Sprintf("[%s, %s]",
		body("info", "one", "a", "2023-09-15T08:00:00Z"),
		body("fatal", "two", "a", "2023-09-15T08:00:00Z"))
	_, err := svc.IngestBatch([]byte(batch))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1")

	coll, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, coll)

	batch = fmt.Sprintf("[%s, %s]",
		body("info", "one", "a", "2023-09-15T08:00:00Z"),
		body("warn", "two", "a", "2023-09-15T09:00:00Z"))
	records, err := svc.IngestBatch([]byte(batch))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	got, err := svc.Query(engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, "two", got[0].Message)
}

type failingStore struct{ err error }

func (f failingStore) Load() (model.Collection, error) { return nil, f.err }
func (f failingStore) Append(...model.LogRecord) error { return f.err }
func (f failingStore) Stat() (storage.Info, error)     { return storage.Info{}, f.err }

func TestStoreFailuresSurface(t *testing.T) {
	storeErr := &storage.StoreError{Op: "rename", Path: storePath, Err: errors.New("disk full")}
	svc := New(failingStore{err: storeErr})

	_, err := svc.Ingest(body("info", "m", "a", "2023-09-15T08:00:00Z"))
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.False(t, IsClientError(err))

	_, err = svc.Query(engine.Filter{})
	assert.True(t, IsStoreError(err))

	_, err = svc.Stats()
	assert.Error(t, err)
}

func TestStatsAndHistogram(t *testing.T) {
	svc, store := newService(t, afero.NewMemMapFs())
	for _, b := range [][]byte{
		body("info", "a", "api", "2023-09-15T08:00:00Z"),
		body("error", "b", "api", "2023-09-15T08:00:30Z"),
		body("error", "c", "db", "2023-09-15T08:05:00Z"),
	} {
		_, err := svc.Ingest(b)
		require.NoError(t, err)
	}

	stats, err := svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalLogs)
	assert.Equal(t, 2, stats.LevelDist["error"])

	info, err := store.Stat()
	require.NoError(t, err)
	assert.Positive(t, stats.DiskUsage)
	assert.Equal(t, info.Size, stats.DiskUsage)

	start, _ := model.ParseTimestamp("2023-09-15T08:00:00Z")
	end, _ := model.ParseTimestamp("2023-09-15T09:00:00Z")
	points, err := svc.Histogram(engine.Filter{}, start.Time(), end.Time(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, 1, points[1].Count)
}
