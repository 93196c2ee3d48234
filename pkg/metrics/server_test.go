package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

type stubResolver struct {
	stats gps.ResolverStats
	perf  *logx.PerformanceLogger
}

func (s stubResolver) Stats() gps.ResolverStats             { return s.stats }
func (s stubResolver) Performance() *logx.PerformanceLogger { return s.perf }

type stubQueue struct{ pending int }

func (s stubQueue) Stats() gps.QueueStats {
	return gps.QueueStats{Submitted: 7, Persisted: 5, Duplicates: 2}
}
func (s stubQueue) Pending() int { return s.pending }

type stubWatch struct{}

func (stubWatch) State() gps.WatchState { return gps.WatchWatching }
func (stubWatch) Mode() gps.WatchMode   { return gps.ModePolling }
func (stubWatch) Updates() int64        { return 11 }
func (stubWatch) Corrections() int64    { return 1 }

type stubNetwork struct{}

func (stubNetwork) Online() bool       { return false }
func (stubNetwork) Transitions() int64 { return 4 }

func scrape(t *testing.T, s *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExportComponentStats(t *testing.T) {
	perf := logx.NewPerformanceLogger(nil)
	perf.StartOperation(context.Background(), "device_fix").Complete(nil)
	perf.StartOperation(context.Background(), "device_fix").Complete(errors.New("timeout"))

	s := NewServer(Sources{
		Resolver: stubResolver{stats: gps.ResolverStats{
			Resolves: 3, DeviceWins: 2, IPWins: 1,
			LastSource: "device", LastResolvedAt: time.Unix(1700000000, 0),
		}, perf: perf},
		Queue:   stubQueue{pending: 9},
		Watch:   stubWatch{},
		Network: stubNetwork{},
	}, nil)

	body := scrape(t, s)
	assert.Contains(t, body, `vesseltrack_resolver_events_total{event="device_win"} 2`)
	assert.Contains(t, body, `vesseltrack_resolver_events_total{event="ip_win"} 1`)
	assert.Contains(t, body, `vesseltrack_resolver_last_success_timestamp_seconds{source="device"} 1.7e+09`)
	assert.Contains(t, body, `vesseltrack_queue_events_total{event="duplicate"} 2`)
	assert.Contains(t, body, `vesseltrack_queue_pending 9`)
	assert.Contains(t, body, `vesseltrack_watch_state{mode="polling",state="watching"} 1`)
	assert.Contains(t, body, `vesseltrack_watch_updates_total 11`)
	assert.Contains(t, body, `vesseltrack_network_online 0`)
	assert.Contains(t, body, `vesseltrack_network_transitions_total 4`)
	assert.Contains(t, body, `vesseltrack_operation_count_total{operation="device_fix"} 2`)
	assert.Contains(t, body, `vesseltrack_operation_errors_total{operation="device_fix"} 1`)
	assert.Contains(t, body, "vesseltrack_daemon_uptime_seconds")
}

func TestMetricsWithoutSources(t *testing.T) {
	s := NewServer(Sources{}, nil)
	body := scrape(t, s)
	assert.Contains(t, body, "vesseltrack_daemon_uptime_seconds")
	assert.NotContains(t, body, "vesseltrack_resolver_events_total{")
}

func TestMetricsServersHaveSeparateRegistries(t *testing.T) {
	a := NewServer(Sources{}, nil)
	b := NewServer(Sources{}, nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(Sources{}, nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.NoError(t, s.Stop(context.Background()))
}
