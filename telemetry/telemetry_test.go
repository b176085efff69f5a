package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{ n int }

func (f fakeStats) LocalCount() int { return f.n }

type fakeTracker struct {
	refs    int
	pending int64
}

func (f fakeTracker) Len() int       { return f.refs }
func (f fakeTracker) Pending() int64 { return f.pending }

type fakeMembers map[string]int

func (f fakeMembers) StatusCounts() map[string]int { return f }

func TestDisabledTelemetryIsNoop(t *testing.T) {
	saved := registry
	registry = nil
	defer func() { registry = saved }()

	InitializeTelemetry("n1", false)

	assert.Nil(t, GetMetricsHandler())
	assert.IsType(t, NoopStat{}, NewCounter("x_total", "x"))
	assert.IsType(t, NoopStat{}, NewGaugeVec("x", "x", []string{"a"}).With("b"))

	// Collecting into no-op metrics must not panic
	NewMetricsCollector(fakeStats{n: 3}, nil, nil, time.Second).Collect()
}

func TestCollectorExportsGauges(t *testing.T) {
	saved := registry
	defer func() { registry = saved }()

	InitializeTelemetry("10.0.0.1:11111", true)
	InitMetrics()

	mc := NewMetricsCollector(
		fakeStats{n: 7},
		fakeTracker{refs: 4, pending: 2},
		fakeMembers{"ALIVE": 3, "SUSPECT": 1},
		time.Hour,
	)
	mc.Start()
	mc.Stop()

	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `shedder_local_activations{node="10.0.0.1:11111"} 7`)
	assert.Contains(t, text, `shedder_tracked_activations{node="10.0.0.1:11111"} 4`)
	assert.Contains(t, text, `shedder_pending_evictions{node="10.0.0.1:11111"} 2`)
	assert.Contains(t, text, `shedder_cluster_nodes{node="10.0.0.1:11111",status="ALIVE"} 3`)
}
