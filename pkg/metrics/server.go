package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// ResolverSource is satisfied by *gps.Resolver
type ResolverSource interface {
	Stats() gps.ResolverStats
	Performance() *logx.PerformanceLogger
}

// QueueSource is satisfied by *gps.SubmissionQueue
type QueueSource interface {
	Stats() gps.QueueStats
	Pending() int
}

// WatchSource is satisfied by *gps.WatchController
type WatchSource interface {
	State() gps.WatchState
	Mode() gps.WatchMode
	Updates() int64
	Corrections() int64
}

// NetworkSource is satisfied by *netstatus.Monitor
type NetworkSource interface {
	Online() bool
	Transitions() int64
}

// Sources are the components exported; nil members are skipped
type Sources struct {
	Resolver  ResolverSource
	Queue     QueueSource
	Watch     WatchSource
	Network   NetworkSource
	IPLookups *logx.PerformanceLogger
}

// Server exposes Prometheus metrics for vesseltrackd
type Server struct {
	sources  Sources
	logger   *logx.Logger
	registry *prometheus.Registry
	started  time.Time

	mu     sync.Mutex
	server *http.Server

	resolverEvents *prometheus.GaugeVec
	resolverLast   *prometheus.GaugeVec
	queueEvents    *prometheus.GaugeVec
	queuePending   prometheus.Gauge
	watchState     *prometheus.GaugeVec
	watchUpdates   prometheus.Gauge
	watchCorrects  prometheus.Gauge
	networkOnline  prometheus.Gauge
	networkFlaps   prometheus.Gauge
	operationAvg   *prometheus.GaugeVec
	operationCount *prometheus.GaugeVec
	operationErrs  *prometheus.GaugeVec
	daemonUptime   prometheus.Gauge
}

// NewServer creates a metrics server with its own registry
func NewServer(sources Sources, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Nop()
	}
	s := &Server{
		sources:  sources,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	s.registerMetrics()
	return s
}

// Registry returns the registry metrics are collected into
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) registerMetrics() {
	s.resolverEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_resolver_events_total",
			Help: "Resolver outcomes since start by event",
		},
		[]string{"event"},
	)
	s.resolverLast = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_resolver_last_success_timestamp_seconds",
			Help: "Unix time of the last successful resolve by source",
		},
		[]string{"source"},
	)
	s.queueEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_queue_events_total",
			Help: "Submission queue outcomes since start by event",
		},
		[]string{"event"},
	)
	s.queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_queue_pending",
		Help: "Records held in the offline queue",
	})
	s.watchState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_watch_state",
			Help: "Watch state (1 for the current state and mode)",
		},
		[]string{"state", "mode"},
	)
	s.watchUpdates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_watch_updates_total",
		Help: "Fixes delivered by the watch controller",
	})
	s.watchCorrects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_watch_corrections_total",
		Help: "Corrective resolves triggered by watch errors",
	})
	s.networkOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_network_online",
		Help: "Backend reachability (1=online)",
	})
	s.networkFlaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_network_transitions_total",
		Help: "Online/offline transitions",
	})
	s.operationAvg = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_operation_avg_seconds",
			Help: "Average duration of timed operations",
		},
		[]string{"operation"},
	)
	s.operationCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_operation_count_total",
			Help: "Executions of timed operations",
		},
		[]string{"operation"},
	)
	s.operationErrs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vesseltrack_operation_errors_total",
			Help: "Failed executions of timed operations",
		},
		[]string{"operation"},
	)
	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vesseltrack_daemon_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	s.registry.MustRegister(
		s.resolverEvents,
		s.resolverLast,
		s.queueEvents,
		s.queuePending,
		s.watchState,
		s.watchUpdates,
		s.watchCorrects,
		s.networkOnline,
		s.networkFlaps,
		s.operationAvg,
		s.operationCount,
		s.operationErrs,
		s.daemonUptime,
	)
}

// Handler refreshes metrics and serves them in the Prometheus format
func (s *Server) Handler() http.Handler {
	inner := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.UpdateMetrics()
		inner.ServeHTTP(w, r)
	})
}

// Start serves /metrics and /health on addr until Stop
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	s.mu.Lock()
	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("starting metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// UpdateMetrics copies current component stats into the gauges
func (s *Server) UpdateMetrics() {
	s.daemonUptime.Set(time.Since(s.started).Seconds())
	s.updateResolverMetrics()
	s.updateQueueMetrics()
	s.updateWatchMetrics()

	if n := s.sources.Network; n != nil {
		s.networkOnline.Set(boolFloat(n.Online()))
		s.networkFlaps.Set(float64(n.Transitions()))
	}
	if s.sources.IPLookups != nil {
		s.updateOperations(s.sources.IPLookups)
	}
}

func (s *Server) updateResolverMetrics() {
	r := s.sources.Resolver
	if r == nil {
		return
	}
	st := r.Stats()
	for event, v := range map[string]int64{
		"resolve":        st.Resolves,
		"device_attempt": st.DeviceAttempts,
		"device_win":     st.DeviceWins,
		"ip_win":         st.IPWins,
		"retry":          st.Retries,
		"fallback":       st.Fallbacks,
		"failure":        st.Failures,
	} {
		s.resolverEvents.WithLabelValues(event).Set(float64(v))
	}
	if st.LastSource != "" && !st.LastResolvedAt.IsZero() {
		s.resolverLast.WithLabelValues(st.LastSource).Set(float64(st.LastResolvedAt.Unix()))
	}
	if perf := r.Performance(); perf != nil {
		s.updateOperations(perf)
	}
}

func (s *Server) updateQueueMetrics() {
	q := s.sources.Queue
	if q == nil {
		return
	}
	st := q.Stats()
	for event, v := range map[string]int64{
		"submitted":        st.Submitted,
		"persisted":        st.Persisted,
		"duplicate":        st.Duplicates,
		"queued":           st.Queued,
		"evicted":          st.Evicted,
		"flushed":          st.Flushed,
		"flush_failure":    st.FlushFailures,
		"dropped_on_flush": st.DroppedOnFlush,
		"persist_failure":  st.PersistFailures,
		"zone_failure":     st.ZoneFailures,
		"vessel_update":    st.VesselUpdates,
	} {
		s.queueEvents.WithLabelValues(event).Set(float64(v))
	}
	s.queuePending.Set(float64(q.Pending()))
}

func (s *Server) updateWatchMetrics() {
	w := s.sources.Watch
	if w == nil {
		return
	}
	s.watchState.Reset()
	mode := string(w.Mode())
	if mode == "" {
		mode = "none"
	}
	s.watchState.WithLabelValues(string(w.State()), mode).Set(1)
	s.watchUpdates.Set(float64(w.Updates()))
	s.watchCorrects.Set(float64(w.Corrections()))
}

func (s *Server) updateOperations(perf *logx.PerformanceLogger) {
	for name, m := range perf.GetAllMetrics() {
		s.operationAvg.WithLabelValues(name).Set(m.AvgDuration.Seconds())
		s.operationCount.WithLabelValues(name).Set(float64(m.Count))
		s.operationErrs.WithLabelValues(name).Set(float64(m.ErrorCount))
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
