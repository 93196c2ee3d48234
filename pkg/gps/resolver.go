package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// IPResolver is the IP fallback path, satisfied by *IPLocationClient
type IPResolver interface {
	Resolve(ctx context.Context) (Sample, error)
}

// ResolverConfig holds the race and retry timings
type ResolverConfig struct {
	DeviceTimeout      time.Duration `json:"device_timeout" mapstructure:"device_timeout"`
	MaximumAge         time.Duration `json:"maximum_age" mapstructure:"maximum_age"`
	GracePeriod        time.Duration `json:"grace_period" mapstructure:"grace_period"`
	MaxRetryAttempts   int           `json:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	RetryDelay         time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	EnableHighAccuracy bool          `json:"enable_high_accuracy" mapstructure:"enable_high_accuracy"`
}

// DefaultResolverConfig returns the standard timings
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		DeviceTimeout:      8 * time.Second,
		MaximumAge:         60 * time.Second,
		GracePeriod:        5 * time.Second,
		MaxRetryAttempts:   2,
		RetryDelay:         2 * time.Second,
		EnableHighAccuracy: true,
	}
}

// ResolverStats counts resolve outcomes
type ResolverStats struct {
	Resolves       int64     `json:"resolves"`
	DeviceAttempts int64     `json:"device_attempts"`
	DeviceWins     int64     `json:"device_wins"`
	IPWins         int64     `json:"ip_wins"`
	Retries        int64     `json:"retries"`
	Fallbacks      int64     `json:"fallbacks"`
	Failures       int64     `json:"failures"`
	LastSource     string    `json:"last_source"`
	LastError      string    `json:"last_error,omitempty"`
	LastResolvedAt time.Time `json:"last_resolved_at"`
}

// Resolver produces a single fix by racing the device against a delayed IP
// fallback. Only device timeouts are retried.
type Resolver struct {
	device Device
	ip     IPResolver
	config *ResolverConfig
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	mu      sync.RWMutex
	stats   ResolverStats
	lastFix *Sample
}

// NewResolver creates a resolver. device may be nil when the platform has no
// positioning hardware.
func NewResolver(device Device, ip IPResolver, config *ResolverConfig, logger *logx.Logger) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &Resolver{
		device: device,
		ip:     ip,
		config: config,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger),
	}
}

// Resolve returns one fix. Callers only see an error once the device path and
// the IP fallback are both exhausted.
func (r *Resolver) Resolve(ctx context.Context) (Sample, error) {
	r.mu.Lock()
	r.stats.Resolves++
	r.mu.Unlock()

	op := r.perf.StartOperation(ctx, "resolve")
	sample, source, err := r.resolve(ctx, 0)
	op.Complete(err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
		return Sample{}, err
	}
	switch source {
	case "device":
		r.stats.DeviceWins++
	case "ip":
		r.stats.IPWins++
	}
	r.stats.LastSource = source
	r.stats.LastResolvedAt = time.Now()
	fix := sample
	r.lastFix = &fix
	return sample, nil
}

func (r *Resolver) resolve(ctx context.Context, retryCount int) (Sample, string, error) {
	if r.device == nil || !r.device.Supported() {
		r.logger.Debug("device geolocation not supported, using IP fallback")
		sample, err := r.ip.Resolve(ctx)
		if err != nil {
			return Sample{}, "", newLocationError(KindGeolocationNotSupported, 0,
				"geolocation is not supported on this device and IP lookup failed", err)
		}
		return sample, "ip", nil
	}

	sample, source, deviceErr := r.race(ctx)
	if deviceErr == nil {
		return sample, source, nil
	}
	if err := ctx.Err(); err != nil {
		return Sample{}, "", err
	}

	code := ClassifyDeviceError(deviceErr)
	policy := PolicyFor(code)

	if policy.Retryable && retryCount < r.config.MaxRetryAttempts {
		r.logger.Info("device fix timed out, retrying",
			"attempt", retryCount+1,
			"max_retries", r.config.MaxRetryAttempts,
			"delay", r.config.RetryDelay.String())
		r.mu.Lock()
		r.stats.Retries++
		r.mu.Unlock()

		timer := time.NewTimer(r.config.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Sample{}, "", ctx.Err()
		}
		return r.resolve(ctx, retryCount+1)
	}

	if !policy.Fallback {
		return Sample{}, "", newLocationError(policy.Kind, code, deviceErr.Error(), deviceErr)
	}

	r.logger.Info("device fix failed, falling back to IP location", "code", code.String(), "error", deviceErr)
	r.mu.Lock()
	r.stats.Fallbacks++
	r.mu.Unlock()

	sample, err := r.ip.Resolve(ctx)
	if err != nil {
		return Sample{}, "", newLocationError(KindGeolocationUnavailable, code,
			fmt.Sprintf("%v; all fallback methods failed", deviceErr),
			errors.Join(deviceErr, err))
	}
	return sample, "ip", nil
}

type raceResult struct {
	sample Sample
	err    error
}

// race runs one device fix against the IP chain started after the grace
// period. The first valid sample wins. A device failure settles the race, an
// IP failure does not.
func (r *Resolver) race(ctx context.Context) (Sample, string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var settled atomic.Bool
	deviceCh := make(chan raceResult, 1)
	ipCh := make(chan raceResult, 1)

	opts := PositionOptions{
		EnableHighAccuracy: r.config.EnableHighAccuracy,
		Timeout:            r.config.DeviceTimeout,
		MaximumAge:         r.config.MaximumAge,
	}

	r.mu.Lock()
	r.stats.DeviceAttempts++
	r.mu.Unlock()

	go func() {
		dctx, dcancel := context.WithTimeout(raceCtx, r.config.DeviceTimeout)
		defer dcancel()

		op := r.perf.StartOperation(dctx, "device_fix")
		sample, err := r.device.CurrentPosition(dctx, opts)
		if err == nil {
			if verr := sample.Validate(); verr != nil {
				err = NewDeviceError(CodePositionUnavailable, verr)
			}
		}
		var de *DeviceError
		if err != nil && !errors.As(err, &de) && errors.Is(err, context.DeadlineExceeded) {
			err = NewDeviceError(CodeTimeout, err)
		}
		op.Complete(err)
		if settled.Load() {
			return
		}
		deviceCh <- raceResult{sample: sample, err: err}
	}()

	go func() {
		timer := time.NewTimer(r.config.GracePeriod)
		defer timer.Stop()
		select {
		case <-raceCtx.Done():
			return
		case <-timer.C:
		}
		r.logger.Debug("grace period elapsed, starting IP fallback", "grace", r.config.GracePeriod.String())
		sample, err := r.ip.Resolve(raceCtx)
		if settled.Load() {
			return
		}
		ipCh <- raceResult{sample: sample, err: err}
	}()

	for {
		select {
		case res := <-deviceCh:
			settled.Store(true)
			if res.err != nil {
				return Sample{}, "", res.err
			}
			return res.sample, "device", nil
		case res := <-ipCh:
			if res.err != nil {
				r.logger.Debug("IP fallback failed during race, waiting for device", "error", res.err)
				ipCh = nil
				continue
			}
			settled.Store(true)
			return res.sample, "ip", nil
		case <-ctx.Done():
			settled.Store(true)
			return Sample{}, "", ctx.Err()
		}
	}
}

// Stats returns a snapshot of resolve counters
func (r *Resolver) Stats() ResolverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// LastFix returns the most recent successful fix
func (r *Resolver) LastFix() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastFix == nil {
		return Sample{}, false
	}
	return *r.lastFix, true
}

// Performance exposes resolve and device fix timings
func (r *Resolver) Performance() *logx.PerformanceLogger {
	return r.perf
}
