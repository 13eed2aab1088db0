package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecorders(t *testing.T) {
	m := New()

	m.Received("update")
	m.Received("update")
	m.Received("")
	m.Sent("update", true)
	m.Sent("start", false)
	m.Dropped("no_connection")
	m.HandlerError("sync")
	m.IntegrityFault()
	m.CoProcessorHop()
	m.LockStuck()
	m.SetConnections(3)
	m.SetProcessors(2, 1)
	m.SetActiveTasks(4)
	m.ObserveHandle("update", time.Now())
	m.ObserveLockWait(time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("update", "diff")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("start", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryDropped.WithLabelValues("no_connection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityFaults))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoProcessorHops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksStuck))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Processors.WithLabelValues("coprocessor")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveTasks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HandleDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("update")
		m.Sent("update", true)
		m.Dropped("x")
		m.HandlerError("x")
		m.IntegrityFault()
		m.CoProcessorHop()
		m.LockStuck()
		m.SetConnections(1)
		m.SetProcessors(1, 1)
		m.SetActiveTasks(1)
		m.ObserveHandle("x", time.Now())
		m.ObserveLockWait(time.Second)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.IntegrityFault()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "taskhub_integrity_hash_mismatches_total 1"))
}
