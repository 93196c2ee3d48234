package gps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateRecorder struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
}

func (u *updateRecorder) onUpdate(s Sample) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.samples = append(u.samples, s)
}

func (u *updateRecorder) onError(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs = append(u.errs, err)
}

func (u *updateRecorder) counts() (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.samples), len(u.errs)
}

func newTestQueue(store *fakeStore, network *fakeNetwork) *SubmissionQueue {
	return NewSubmissionQueue(store, nil, network, StaticIdentity("user-1"), DefaultSubmissionConfig(), nil)
}

func TestWatchControllerContinuous(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	store := newFakeStore()
	network := newFakeNetwork(true)
	locator := &fakeLocator{sample: ipSample}
	w := NewWatchController(device, locator, newTestQueue(store, network), network, StaticIdentity("user-1"), nil, nil)

	rec := &updateRecorder{}
	w.Start(context.Background(), rec.onUpdate, rec.onError, time.Minute)
	assert.Equal(t, WatchWatching, w.State())
	assert.Equal(t, ModeContinuous, w.Mode())

	device.emit(Sample{Latitude: 1, Longitude: 2, Timestamp: time.Unix(100, 0)})
	device.emit(Sample{Latitude: 3, Longitude: 4, Timestamp: time.Unix(101, 0)})

	updates, _ := rec.counts()
	assert.Equal(t, 2, updates)
	assert.Eventually(t, func() bool { return len(store.Inserted()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), locator.calls.Load())

	w.Stop()
	assert.Equal(t, WatchIdle, w.State())
	assert.Equal(t, 1, device.Stops())
}

func TestWatchControllerTransientErrorCorrects(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	locator := &fakeLocator{sample: ipSample, block: make(chan struct{})}
	w := NewWatchController(device, locator, nil, nil, nil, nil, nil)

	rec := &updateRecorder{}
	w.Start(context.Background(), rec.onUpdate, rec.onError, time.Minute)
	defer w.Stop()

	device.fail(NewDeviceError(CodeTimeout, nil))
	device.fail(NewDeviceError(CodePositionUnavailable, nil))

	assert.Eventually(t, func() bool { return locator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(locator.block)

	assert.Eventually(t, func() bool {
		updates, _ := rec.counts()
		return updates == 1
	}, time.Second, 5*time.Millisecond)

	_, errs := rec.counts()
	assert.Equal(t, 2, errs)
	assert.Equal(t, int32(1), locator.calls.Load())
	assert.Equal(t, int64(1), w.Corrections())
	assert.Equal(t, 0, device.Stops())
}

func TestWatchControllerPermissionErrorNoCorrection(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	locator := &fakeLocator{sample: ipSample}
	w := NewWatchController(device, locator, nil, nil, nil, nil, nil)

	rec := &updateRecorder{}
	w.Start(context.Background(), rec.onUpdate, rec.onError, time.Minute)
	defer w.Stop()

	device.fail(NewDeviceError(CodePermissionDenied, nil))

	time.Sleep(50 * time.Millisecond)
	_, errs := rec.counts()
	assert.Equal(t, 1, errs)
	assert.Equal(t, int32(0), locator.calls.Load())
}

func TestWatchControllerPollingFallback(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: false}
	locator := &fakeLocator{sample: ipSample}
	w := NewWatchController(device, locator, nil, nil, nil, nil, nil)

	rec := &updateRecorder{}
	w.Start(context.Background(), rec.onUpdate, rec.onError, 20*time.Millisecond)
	assert.Equal(t, ModePolling, w.Mode())

	assert.Eventually(t, func() bool {
		updates, _ := rec.counts()
		return updates >= 3
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	time.Sleep(30 * time.Millisecond)
	after := locator.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, locator.calls.Load())
}

func TestWatchControllerPollsImmediately(t *testing.T) {
	locator := &fakeLocator{sample: ipSample}
	w := NewWatchController(nil, locator, nil, nil, nil, nil, nil)

	rec := &updateRecorder{}
	w.Start(context.Background(), rec.onUpdate, rec.onError, time.Hour)
	defer w.Stop()

	assert.Eventually(t, func() bool {
		updates, _ := rec.counts()
		return updates == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWatchControllerWatchStartFailureFallsBackToPolling(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true, watchErr: errBackend}
	locator := &fakeLocator{sample: ipSample}
	w := NewWatchController(device, locator, nil, nil, nil, nil, nil)

	w.Start(context.Background(), nil, nil, time.Hour)
	defer w.Stop()

	assert.Equal(t, ModePolling, w.Mode())
	assert.Eventually(t, func() bool { return locator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWatchControllerStopIsIdempotent(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	network := newFakeNetwork(true)
	w := NewWatchController(device, &fakeLocator{}, nil, network, nil, nil, nil)

	w.Stop()
	assert.Equal(t, WatchIdle, w.State())

	w.Start(context.Background(), nil, nil, 0)
	assert.Equal(t, 1, network.Subscribers())

	w.Stop()
	w.Stop()
	assert.Equal(t, 0, network.Subscribers())
	assert.Equal(t, 1, device.Stops())
}

func TestWatchControllerStartReplacesPriorWatch(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	network := newFakeNetwork(true)
	w := NewWatchController(device, &fakeLocator{}, nil, network, nil, nil, nil)

	first := &updateRecorder{}
	w.Start(context.Background(), first.onUpdate, nil, 0)
	second := &updateRecorder{}
	w.Start(context.Background(), second.onUpdate, nil, 0)
	defer w.Stop()

	assert.Equal(t, 1, device.Stops())
	assert.Equal(t, 1, network.Subscribers())

	device.emit(Sample{Latitude: 1, Longitude: 1})
	firstUpdates, _ := first.counts()
	secondUpdates, _ := second.counts()
	assert.Equal(t, 0, firstUpdates)
	assert.Equal(t, 1, secondUpdates)
}

func TestWatchControllerFlushesOnReconnect(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	store := newFakeStore()
	network := newFakeNetwork(false)
	queue := newTestQueue(store, network)
	w := NewWatchController(device, &fakeLocator{}, queue, network, StaticIdentity("user-2"), nil, nil)

	w.Start(context.Background(), nil, nil, 0)
	defer w.Stop()

	device.emit(Sample{Latitude: 1, Longitude: 2, Timestamp: time.Unix(100, 0)})
	device.emit(Sample{Latitude: 3, Longitude: 4, Timestamp: time.Unix(200, 0)})
	require.Eventually(t, func() bool { return queue.Pending() == 2 }, time.Second, 5*time.Millisecond)

	network.Set(false)
	assert.Empty(t, store.Batches())

	network.Set(true)
	require.Eventually(t, func() bool { return len(store.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	batch := store.Batches()[0]
	assert.Len(t, batch, 2)
	for _, rec := range batch {
		assert.Equal(t, "user-2", rec.UserID)
	}
	assert.Equal(t, 0, queue.Pending())
	assert.Empty(t, store.Inserted())
}

type orderedSubmitter struct {
	mu   sync.Mutex
	lats []float64
}

func (o *orderedSubmitter) Submit(_ context.Context, s Sample) error {
	if s.Latitude == 1 {
		time.Sleep(30 * time.Millisecond)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lats = append(o.lats, s.Latitude)
	return nil
}

func (o *orderedSubmitter) Flush(context.Context, string) error { return nil }

func (o *orderedSubmitter) submitted() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.lats...)
}

func TestWatchControllerSubmitsInDeliveryOrder(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	queue := &orderedSubmitter{}
	w := NewWatchController(device, &fakeLocator{}, queue, nil, nil, nil, nil)

	w.Start(context.Background(), nil, nil, 0)
	for i := 1; i <= 5; i++ {
		device.emit(Sample{Latitude: float64(i), Longitude: 1, Timestamp: time.Unix(int64(i), 0)})
	}
	require.Eventually(t, func() bool { return len(queue.submitted()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, queue.submitted())

	// enqueued fixes are still submitted after Stop
	device.emit(Sample{Latitude: 6, Longitude: 1, Timestamp: time.Unix(6, 0)})
	w.Stop()
	require.Eventually(t, func() bool { return len(queue.submitted()) == 6 }, time.Second, 5*time.Millisecond)
}

func TestWatchControllerStopFromUpdateCallback(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	network := newFakeNetwork(true)
	w := NewWatchController(device, &fakeLocator{}, nil, network, nil, nil, nil)

	w.Start(context.Background(), func(Sample) { w.Stop() }, nil, 0)
	device.emit(Sample{Latitude: 1, Longitude: 1})

	assert.Equal(t, WatchIdle, w.State())
	assert.Equal(t, 1, device.Stops())
	assert.Equal(t, 0, network.Subscribers())
}

func TestWatchControllerConcurrentStartKeepsOneWatch(t *testing.T) {
	device := &fakeDevice{supported: true, watchSupported: true}
	network := newFakeNetwork(true)
	w := NewWatchController(device, &fakeLocator{}, nil, network, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(context.Background(), nil, nil, 0)
		}()
	}
	wg.Wait()

	device.mu.Lock()
	live := device.watchStarts - device.watchStops
	device.mu.Unlock()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, network.Subscribers())

	w.Stop()
	assert.Equal(t, 0, network.Subscribers())
}
