package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// GeolocatorConfig configures how sources are combined
type GeolocatorConfig struct {
	// HighAccuracyThreshold is the accuracy (meters) a fix must meet when
	// high accuracy is requested; coarser fixes are used only as a last resort
	HighAccuracyThreshold float64 `json:"high_accuracy_threshold" mapstructure:"high_accuracy_threshold"`
	// WatchInterval between fixes of a continuous watch; zero disables watching
	WatchInterval time.Duration `json:"watch_interval" mapstructure:"watch_interval"`
}

// DefaultGeolocatorConfig returns standard settings
func DefaultGeolocatorConfig() *GeolocatorConfig {
	return &GeolocatorConfig{
		HighAccuracyThreshold: 100,
		WatchInterval:         5 * time.Second,
	}
}

// Geolocator is the gps.Device backed by onboard sources in priority order
type Geolocator struct {
	sources []Source
	config  *GeolocatorConfig
	logger  *logx.Logger
	now     func() time.Time

	mu     sync.Mutex
	cached *gps.Sample
	health map[string]*SourceHealth
}

// NewGeolocator creates a geolocator over the given sources, highest priority first
func NewGeolocator(sources []Source, config *GeolocatorConfig, logger *logx.Logger) *Geolocator {
	if config == nil {
		config = DefaultGeolocatorConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	health := make(map[string]*SourceHealth, len(sources))
	for _, s := range sources {
		health[s.Name()] = &SourceHealth{}
	}
	return &Geolocator{
		sources: sources,
		config:  config,
		logger:  logger,
		now:     time.Now,
		health:  health,
	}
}

func (g *Geolocator) Supported() bool {
	return len(g.sources) > 0
}

func (g *Geolocator) WatchSupported() bool {
	return g.Supported() && g.config.WatchInterval > 0
}

// CurrentPosition returns a cached fix younger than MaximumAge, otherwise asks
// each source in turn within Timeout
func (g *Geolocator) CurrentPosition(ctx context.Context, opts gps.PositionOptions) (gps.Sample, error) {
	if !g.Supported() {
		return gps.Sample{}, gps.NewDeviceError(gps.CodePositionUnavailable, errors.New("no position sources"))
	}
	if cached, ok := g.fromCache(opts); ok {
		return cached, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		coarse *gps.Sample
		errs   []error
		codes  = make(map[gps.DeviceErrorCode]int)
	)
	for _, src := range g.sources {
		if ctx.Err() != nil {
			break
		}
		sample, err := src.Fix(ctx)
		g.recordHealth(src.Name(), err)
		if err != nil {
			codes[gps.ClassifyDeviceError(err)]++
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if opts.EnableHighAccuracy && !g.precise(sample) {
			g.logger.Debug("fix below high accuracy threshold", "source", src.Name(), "accuracy", sample.AccuracyMeters())
			if coarse == nil {
				s := sample
				coarse = &s
			}
			continue
		}
		g.store(sample)
		return sample, nil
	}

	if coarse != nil {
		g.store(*coarse)
		return *coarse, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return gps.Sample{}, gps.NewDeviceError(gps.CodeTimeout, errors.Join(append(errs, ctx.Err())...))
	}

	joined := errors.Join(errs...)
	switch {
	case codes[gps.CodePermissionDenied] == len(errs) && len(errs) > 0:
		return gps.Sample{}, gps.NewDeviceError(gps.CodePermissionDenied, joined)
	case codes[gps.CodeTimeout] > 0:
		return gps.Sample{}, gps.NewDeviceError(gps.CodeTimeout, joined)
	default:
		return gps.Sample{}, gps.NewDeviceError(gps.CodePositionUnavailable, joined)
	}
}

// WatchPosition polls the sources every WatchInterval. Errors are reported
// and the watch keeps running until stop is called. stop waits for the loop
// to exit unless a callback is running, so it may be called from onUpdate
// or onError.
func (g *Geolocator) WatchPosition(opts gps.PositionOptions, onUpdate func(gps.Sample), onError func(error)) (func(), error) {
	if !g.WatchSupported() {
		return nil, errors.New("continuous watch not supported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var inCallback atomic.Bool
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.config.WatchInterval)
		defer ticker.Stop()
		for {
			sample, err := g.CurrentPosition(ctx, opts)
			if ctx.Err() != nil {
				return
			}
			inCallback.Store(true)
			if err != nil {
				onError(err)
			} else {
				onUpdate(sample)
			}
			inCallback.Store(false)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			// a callback may be the caller; the loop exits once it returns
			if !inCallback.Load() {
				<-done
			}
		})
	}, nil
}

// QueryPermission is granted when any source may report a position, denied
// when every source capable of denial denies it
func (g *Geolocator) QueryPermission(ctx context.Context) (gps.PermissionState, error) {
	checked, denied := 0, 0
	for _, src := range g.sources {
		ps, ok := src.(PermissionSource)
		if !ok {
			if src.Available(ctx) {
				return gps.PermissionGranted, nil
			}
			continue
		}
		state, err := ps.Permission(ctx)
		if err != nil {
			g.logger.Debug("permission check failed", "source", src.Name(), "error", err)
			continue
		}
		checked++
		switch state {
		case gps.PermissionGranted:
			return gps.PermissionGranted, nil
		case gps.PermissionDenied:
			denied++
		}
	}
	if checked > 0 && denied == checked {
		return gps.PermissionDenied, nil
	}
	return gps.PermissionPrompt, nil
}

// Health returns a copy of per source health
func (g *Geolocator) Health() map[string]SourceHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]SourceHealth, len(g.health))
	for name, h := range g.health {
		out[name] = *h
	}
	return out
}

// Sources returns source names in priority order
func (g *Geolocator) Sources() []string {
	names := make([]string, len(g.sources))
	for i, s := range g.sources {
		names[i] = s.Name()
	}
	return names
}

func (g *Geolocator) precise(s gps.Sample) bool {
	return s.Accuracy != nil && *s.Accuracy <= g.config.HighAccuracyThreshold
}

func (g *Geolocator) fromCache(opts gps.PositionOptions) (gps.Sample, bool) {
	if opts.MaximumAge <= 0 {
		return gps.Sample{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached == nil || g.now().Sub(g.cached.Timestamp) > opts.MaximumAge {
		return gps.Sample{}, false
	}
	if opts.EnableHighAccuracy && !g.precise(*g.cached) {
		return gps.Sample{}, false
	}
	return *g.cached, true
}

func (g *Geolocator) store(s gps.Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = &s
}

func (g *Geolocator) recordHealth(name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.health[name]; ok {
		h.record(err)
	}
}
