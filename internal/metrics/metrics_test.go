package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IngestSucceeded(3)
	m.IngestFailed(ReasonValidation)
	m.IngestFailed(ReasonValidation)
	m.CorruptionRecovered("/data/records.json", errors.New("bad"))
	m.SetStored(42)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingested))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures.WithLabelValues(ReasonValidation)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.failures.WithLabelValues(ReasonStore)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.stored))
}

func TestObserveSaveSkipsFailures(t *testing.T) {
	m := New()
	m.ObserveSave(10*time.Millisecond, nil)
	m.ObserveSave(10*time.Millisecond, errors.New("disk full"))

	assert.Equal(t, 1, testutil.CollectAndCount(m.saveSeconds))
	n, err := testutil.GatherAndCount(m.registry, "logbook_store_save_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.IngestSucceeded(1)
	m.ObserveQuery(time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "logbook_ingested_records_total 1")
	assert.Contains(t, string(body), `logbook_ingest_failures_total{reason="store"} 0`)
	assert.Contains(t, string(body), "logbook_query_duration_seconds_count 1")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IngestSucceeded(1)
		m.IngestFailed(ReasonStore)
		m.CorruptionRecovered("", nil)
		m.ObserveSave(time.Second, nil)
		m.ObserveQuery(time.Second)
		m.SetStored(1)
	})
	assert.Nil(t, m.Registry())
}
