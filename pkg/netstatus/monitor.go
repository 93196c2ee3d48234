// Package netstatus tracks whether the backend is reachable and notifies
// subscribers of online/offline transitions.
package netstatus

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Config holds probe settings
type Config struct {
	// ProbeURL receives a HEAD request; any response below 500 counts as online
	ProbeURL string `json:"probe_url" mapstructure:"probe_url"`
	// TCPTargets are dialed when ProbeURL is empty
	TCPTargets    []string      `json:"tcp_targets" mapstructure:"tcp_targets"`
	Interval      time.Duration `json:"interval" mapstructure:"interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	FailThreshold int           `json:"fail_threshold" mapstructure:"fail_threshold"` // consecutive failures before offline
}

// DefaultConfig returns standard probe settings
func DefaultConfig() *Config {
	return &Config{
		TCPTargets:    []string{"1.1.1.1:53", "8.8.8.8:53"},
		Interval:      15 * time.Second,
		ProbeTimeout:  3 * time.Second,
		FailThreshold: 2,
	}
}

// Monitor is a gps.NetworkStatus driven by periodic probes or manual Set
type Monitor struct {
	config *Config
	client *http.Client
	logger *logx.Logger

	mu          sync.RWMutex
	online      bool
	failures    int
	transitions int64
	lastProbe   time.Time
	subs        map[int]func(bool)
	nextID      int
}

// NewMonitor creates a monitor that starts in the online state
func NewMonitor(config *Config, logger *logx.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailThreshold <= 0 {
		config.FailThreshold = 1
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Monitor{
		config: config,
		client: &http.Client{Timeout: config.ProbeTimeout},
		logger: logger,
		online: true,
		subs:   make(map[int]func(bool)),
	}
}

// Online returns the current state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn for transitions and returns its removal function
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Set forces the state; subscribers are notified only on change
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if online {
		m.failures = 0
	}
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.transitions++
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	from, to := "offline", "online"
	if !online {
		from, to = to, from
	}
	m.logger.LogStateChange("network", from, to, "probe", nil)
	for _, fn := range subs {
		fn(online)
	}
}

// Transitions returns how many state changes occurred
func (m *Monitor) Transitions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transitions
}

// Check probes once and updates the state. Going offline needs
// FailThreshold consecutive failures.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.Probe(ctx)

	m.mu.Lock()
	m.lastProbe = time.Now()
	if err != nil {
		m.failures++
	}
	failures := m.failures
	m.mu.Unlock()

	if err == nil {
		m.Set(true)
		return true
	}
	m.logger.Debug("connectivity probe failed", "error", err, "consecutive_failures", failures)
	if failures >= m.config.FailThreshold {
		m.Set(false)
	}
	return false
}

// Probe performs one reachability check without changing state
func (m *Monitor) Probe(ctx context.Context) error {
	if m.config.ProbeURL != "" {
		return m.httpProbe(ctx)
	}
	if len(m.config.TCPTargets) == 0 {
		return nil
	}

	var lastErr error
	for _, target := range m.config.TCPTargets {
		if err := m.tcpProbe(ctx, target); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (m *Monitor) httpProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", m.config.ProbeURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s returned status %d", m.config.ProbeURL, resp.StatusCode)
	}
	return nil
}

func (m *Monitor) tcpProbe(ctx context.Context, target string) error {
	dialer := &net.Dialer{Timeout: m.config.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("tcp probe %s failed: %w", target, err)
	}
	return conn.Close()
}

// Run probes every Interval until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	if m.config.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	m.Check(ctx)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
