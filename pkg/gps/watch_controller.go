package gps

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// WatchState is the controller lifecycle state
type WatchState string

const (
	WatchIdle     WatchState = "idle"
	WatchWatching WatchState = "watching"
)

// WatchMode is how fixes are produced while watching
type WatchMode string

const (
	ModeNone       WatchMode = ""
	ModeContinuous WatchMode = "continuous"
	ModePolling    WatchMode = "polling"
)

// Locator produces a single fix, satisfied by *Resolver
type Locator interface {
	Resolve(ctx context.Context) (Sample, error)
}

// Submitter accepts fixes for persistence, satisfied by *SubmissionQueue
type Submitter interface {
	Submit(ctx context.Context, sample Sample) error
	Flush(ctx context.Context, userID string) error
}

// WatchConfig configures continuous updates and the polling fallback
type WatchConfig struct {
	PollInterval       time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	EnableHighAccuracy bool          `json:"enable_high_accuracy" mapstructure:"enable_high_accuracy"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	MaximumAge         time.Duration `json:"maximum_age" mapstructure:"maximum_age"`
}

// DefaultWatchConfig returns the standard watch settings
func DefaultWatchConfig() *WatchConfig {
	return &WatchConfig{
		PollInterval:       30 * time.Second,
		EnableHighAccuracy: true,
		Timeout:            8 * time.Second,
		MaximumAge:         0,
	}
}

// submitBacklog bounds fixes waiting for the per-session submit loop
const submitBacklog = 64

// watchSession is the state of one Start..Stop cycle
type watchSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	active     atomic.Bool
	correcting atomic.Bool
	onUpdate   func(Sample)
	onError    func(error)

	// submits feeds submitLoop so fixes reach the queue in delivery order
	submitMu     sync.RWMutex
	submitClosed bool
	submits      chan Sample
}

func newWatchSession(ctx context.Context, onUpdate func(Sample), onError func(error)) *watchSession {
	sctx, cancel := context.WithCancel(ctx)
	s := &watchSession{
		ctx:      sctx,
		cancel:   cancel,
		onUpdate: onUpdate,
		onError:  onError,
		submits:  make(chan Sample, submitBacklog),
	}
	s.active.Store(true)
	return s
}

// enqueue hands a fix to submitLoop; false means the loop is draining and
// the caller must submit it itself
func (s *watchSession) enqueue(sample Sample) bool {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.submitClosed {
		return false
	}
	select {
	case s.submits <- sample:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// WatchController keeps producing fixes and hands each one to the submission
// queue. Only one watch is active at a time.
type WatchController struct {
	device   Device
	locator  Locator
	queue    Submitter
	network  NetworkStatus
	identity IdentityProvider
	config   *WatchConfig
	logger   *logx.Logger

	mu             sync.Mutex
	state          WatchState
	mode           WatchMode
	session        *watchSession
	stopWatch      func()
	unsubscribeNet func()
	updates        atomic.Int64
	corrections    atomic.Int64
}

// NewWatchController wires the controller. device, network and identity may be nil.
func NewWatchController(device Device, locator Locator, queue Submitter, network NetworkStatus,
	identity IdentityProvider, config *WatchConfig, logger *logx.Logger) *WatchController {
	if config == nil {
		config = DefaultWatchConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &WatchController{
		device:   device,
		locator:  locator,
		queue:    queue,
		network:  network,
		identity: identity,
		config:   config,
		logger:   logger,
		state:    WatchIdle,
	}
}

// Start begins watching, replacing any active watch. interval is used only
// when continuous updates are unavailable; zero selects the configured default.
func (w *WatchController) Start(ctx context.Context, onUpdate func(Sample), onError func(error), interval time.Duration) {
	if onUpdate == nil {
		onUpdate = func(Sample) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	if interval <= 0 {
		interval = w.config.PollInterval
	}
	s := newWatchSession(ctx, onUpdate, onError)

	w.mu.Lock()
	release := w.detachLocked("restart")
	w.session = s
	if w.network != nil {
		w.unsubscribeNet = w.network.Subscribe(func(online bool) { w.handleNetwork(s, online) })
	}
	if w.queue != nil {
		go w.submitLoop(s)
	}

	mode := ModePolling
	if w.device != nil && w.device.Supported() && w.device.WatchSupported() {
		stop, err := w.device.WatchPosition(PositionOptions{
			EnableHighAccuracy: w.config.EnableHighAccuracy,
			Timeout:            w.config.Timeout,
			MaximumAge:         w.config.MaximumAge,
		}, func(sample Sample) {
			w.deliver(s, sample)
		}, func(err error) {
			w.handleWatchError(s, err)
		})
		if err != nil {
			w.logger.Warn("continuous watch unavailable, falling back to polling", "error", err)
		} else {
			w.stopWatch = stop
			mode = ModeContinuous
		}
	}
	if mode == ModePolling {
		go w.poll(s, interval)
	}

	w.mode = mode
	w.state = WatchWatching
	w.logger.LogStateChange("watch_controller", string(WatchIdle), string(WatchWatching), "start",
		map[string]interface{}{"mode": string(mode), "interval": interval.String()})
	w.mu.Unlock()

	release()
}

// Stop cancels the watch or poll loop and removes network listeners. Calling
// it while idle does nothing. It is safe to call from onUpdate or onError.
func (w *WatchController) Stop() {
	w.mu.Lock()
	release := w.detachLocked("stop")
	w.mu.Unlock()

	release()
}

// detachLocked ends the current session under w.mu. The returned func
// releases the device watch and network listener and must run after w.mu
// is unlocked, since the device may wait for its own callbacks to return.
func (w *WatchController) detachLocked(reason string) func() {
	if w.state == WatchIdle {
		return func() {}
	}
	if w.session != nil {
		w.session.active.Store(false)
		w.session.cancel()
	}
	stopWatch, unsubscribe := w.stopWatch, w.unsubscribeNet
	w.session, w.stopWatch, w.unsubscribeNet = nil, nil, nil

	w.logger.LogStateChange("watch_controller", string(WatchWatching), string(WatchIdle), reason,
		map[string]interface{}{"mode": string(w.mode)})
	w.state = WatchIdle
	w.mode = ModeNone

	return func() {
		if stopWatch != nil {
			stopWatch()
		}
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

// State returns the lifecycle state
func (w *WatchController) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Mode returns how fixes are being produced
func (w *WatchController) Mode() WatchMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Updates is the number of fixes delivered since construction
func (w *WatchController) Updates() int64 {
	return w.updates.Load()
}

// Corrections is the number of corrective resolves triggered by watch errors
func (w *WatchController) Corrections() int64 {
	return w.corrections.Load()
}

func (w *WatchController) poll(s *watchSession, interval time.Duration) {
	w.resolveOnce(s)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			w.resolveOnce(s)
		}
	}
}

func (w *WatchController) resolveOnce(s *watchSession) {
	sample, err := w.locator.Resolve(s.ctx)
	if err != nil {
		if s.active.Load() {
			s.onError(err)
		}
		return
	}
	w.deliver(s, sample)
}

// deliver forwards a fix to the caller and, independently, to the queue.
// Fixes arriving after Stop are dropped.
func (w *WatchController) deliver(s *watchSession, sample Sample) {
	if !s.active.Load() {
		return
	}
	w.updates.Add(1)
	s.onUpdate(sample)

	if w.queue == nil {
		return
	}
	if !s.enqueue(sample) {
		w.submit(s, sample)
	}
}

// submitLoop submits a session's fixes one at a time in delivery order.
// After Stop it drains what was already enqueued and exits.
func (w *WatchController) submitLoop(s *watchSession) {
	for {
		select {
		case sample := <-s.submits:
			w.submit(s, sample)
		case <-s.ctx.Done():
			s.submitMu.Lock()
			s.submitClosed = true
			s.submitMu.Unlock()
			for {
				select {
				case sample := <-s.submits:
					w.submit(s, sample)
				default:
					return
				}
			}
		}
	}
}

func (w *WatchController) submit(s *watchSession, sample Sample) {
	if err := w.queue.Submit(context.WithoutCancel(s.ctx), sample); err != nil {
		w.logger.Warn("failed to submit watched location", "error", err)
	}
}

// handleWatchError reports the error and, for transient errors, runs a
// single corrective resolve. The subscription itself is left running.
func (w *WatchController) handleWatchError(s *watchSession, err error) {
	if !s.active.Load() {
		return
	}
	s.onError(err)

	code := ClassifyDeviceError(err)
	if code != CodeTimeout && code != CodePositionUnavailable {
		return
	}
	if !s.correcting.CompareAndSwap(false, true) {
		return
	}
	w.corrections.Add(1)
	w.logger.Debug("transient watch error, running corrective resolve", "code", code.String())

	go func() {
		defer s.correcting.Store(false)
		w.resolveOnce(s)
	}()
}

func (w *WatchController) handleNetwork(s *watchSession, online bool) {
	if !s.active.Load() {
		return
	}
	if !online {
		w.logger.Info("network offline, locations will be queued")
		return
	}
	w.logger.Info("network online, flushing queued locations")
	if w.queue == nil || w.identity == nil {
		return
	}
	go func() {
		ctx := context.WithoutCancel(s.ctx)
		userID, err := w.identity.CurrentUserID(ctx)
		if err != nil {
			w.logger.Warn("cannot flush queued locations without a user", "error", err)
			return
		}
		if err := w.queue.Flush(ctx, userID); err != nil {
			w.logger.Warn("flush after reconnect failed", "error", err)
		}
	}()
}
