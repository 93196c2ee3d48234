package logx

import (
	"context"
	"sort"
	"sync"
	"time"
)

// recentWindow bounds the durations kept per operation for percentiles
const recentWindow = 64

// PerformanceLogger times named operations (provider lookups, device
// fixes, resolves) and keeps running statistics for the metrics exporter.
type PerformanceLogger struct {
	logger *Logger

	mu    sync.Mutex
	slow  time.Duration
	stats map[string]*opStats
}

type opStats struct {
	count    int64
	errors   int64
	inFlight int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
	last     time.Time
	recent   []time.Duration
	next     int
}

// PerformanceMetric is a point in time copy of one operation's statistics
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	InFlight      int64         `json:"in_flight"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	P95Duration   time.Duration `json:"p95_duration"`
	LastCompleted time.Time     `json:"last_completed"`
}

// Operation is one timed run; call Complete exactly once.
type Operation struct {
	pl      *PerformanceLogger
	ctx     context.Context
	name    string
	started time.Time
}

func NewPerformanceLogger(logger *Logger) *PerformanceLogger {
	if logger == nil {
		logger = Nop()
	}
	return &PerformanceLogger{
		logger: logger,
		slow:   2 * time.Second,
		stats:  make(map[string]*opStats),
	}
}

// SetSlowThreshold changes the duration above which successful
// operations are logged at info level
func (pl *PerformanceLogger) SetSlowThreshold(d time.Duration) {
	pl.mu.Lock()
	pl.slow = d
	pl.mu.Unlock()
}

func (pl *PerformanceLogger) StartOperation(ctx context.Context, name string) *Operation {
	pl.mu.Lock()
	st := pl.stats[name]
	if st == nil {
		st = &opStats{}
		pl.stats[name] = st
	}
	st.inFlight++
	pl.mu.Unlock()

	return &Operation{pl: pl, ctx: ctx, name: name, started: time.Now()}
}

// Complete records the outcome and returns how long the operation took
func (op *Operation) Complete(err error) time.Duration {
	elapsed := time.Since(op.started)
	pl := op.pl

	pl.mu.Lock()
	st := pl.stats[op.name]
	st.inFlight--
	st.count++
	st.total += elapsed
	st.last = time.Now()
	if st.count == 1 || elapsed < st.min {
		st.min = elapsed
	}
	if elapsed > st.max {
		st.max = elapsed
	}
	if err != nil {
		st.errors++
	}
	if len(st.recent) < recentWindow {
		st.recent = append(st.recent, elapsed)
	} else {
		st.recent[st.next] = elapsed
		st.next = (st.next + 1) % recentWindow
	}
	slow := pl.slow
	pl.mu.Unlock()

	fields := []interface{}{"operation", op.name, "duration", elapsed.String()}
	if op.ctx != nil && op.ctx.Err() != nil {
		fields = append(fields, "context", op.ctx.Err().Error())
	}
	switch {
	case err != nil:
		pl.logger.Debug("Operation failed", append(fields, "error", err.Error())...)
	case elapsed > slow:
		pl.logger.Info("Slow operation", fields...)
	default:
		pl.logger.Trace("Operation completed", fields...)
	}
	return elapsed
}

// GetMetric returns nil for operations that were never started
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	st, ok := pl.stats[name]
	if !ok {
		return nil
	}
	return st.snapshot(name)
}

func (pl *PerformanceLogger) GetAllMetrics() map[string]*PerformanceMetric {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make(map[string]*PerformanceMetric, len(pl.stats))
	for name, st := range pl.stats {
		out[name] = st.snapshot(name)
	}
	return out
}

func (st *opStats) snapshot(name string) *PerformanceMetric {
	m := &PerformanceMetric{
		Name:          name,
		Count:         st.count,
		ErrorCount:    st.errors,
		InFlight:      st.inFlight,
		MinDuration:   st.min,
		MaxDuration:   st.max,
		LastCompleted: st.last,
	}
	if st.count > 0 {
		m.AvgDuration = st.total / time.Duration(st.count)
		m.SuccessRate = float64(st.count-st.errors) / float64(st.count) * 100
	}
	if n := len(st.recent); n > 0 {
		sorted := append([]time.Duration(nil), st.recent...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		m.P95Duration = sorted[(n*95-1)/100]
	}
	return m
}
