package gps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		DeviceTimeout:      500 * time.Millisecond,
		MaximumAge:         60 * time.Second,
		GracePeriod:        time.Hour,
		MaxRetryAttempts:   2,
		RetryDelay:         time.Millisecond,
		EnableHighAccuracy: true,
	}
}

var ipSample = Sample{Latitude: 10.82, Longitude: 106.63, Accuracy: Float64(IPAccuracyMeters), Source: "ip:test"}

func TestResolverDeviceFixBeforeGraceSkipsIP(t *testing.T) {
	want := Sample{
		Latitude:  34.0522,
		Longitude: -118.2437,
		Accuracy:  Float64(15),
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return want, nil
	}}
	ip := &fakeIP{sample: ipSample}

	cfg := fastResolverConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	r := NewResolver(device, ip, cfg, nil)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), ip.calls.Load())

	last, ok := r.LastFix()
	require.True(t, ok)
	assert.Equal(t, want, last)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.DeviceWins)
	assert.Equal(t, "device", stats.LastSource)
}

func TestResolverDefaultOptions(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return Sample{Latitude: 1, Longitude: 1}, nil
	}}
	r := NewResolver(device, &fakeIP{sample: ipSample}, nil, nil)

	_, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PositionOptions{EnableHighAccuracy: true, Timeout: 8 * time.Second, MaximumAge: 60 * time.Second}, device.lastOpts)
}

func TestResolverRetriesTimeoutsThenFallsBack(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return Sample{}, NewDeviceError(CodeTimeout, nil)
	}}
	ip := &fakeIP{sample: ipSample}
	r := NewResolver(device, ip, fastResolverConfig(), nil)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ipSample, got)
	assert.Equal(t, 3, device.Calls())
	assert.Equal(t, int32(1), ip.calls.Load())

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(3), stats.DeviceAttempts)
	assert.Equal(t, int64(1), stats.Fallbacks)
	assert.Equal(t, int64(1), stats.IPWins)
}

func TestResolverRetriesIgnoredDeadline(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(ctx context.Context, _ int) (Sample, error) {
		<-ctx.Done()
		return Sample{}, ctx.Err()
	}}
	ip := &fakeIP{sample: ipSample}
	cfg := fastResolverConfig()
	cfg.DeviceTimeout = 20 * time.Millisecond
	r := NewResolver(device, ip, cfg, nil)

	_, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, device.Calls())
}

func TestResolverNonRetryableErrorsFallBackImmediately(t *testing.T) {
	for _, code := range []DeviceErrorCode{CodePermissionDenied, CodePositionUnavailable} {
		t.Run(code.String(), func(t *testing.T) {
			device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
				return Sample{}, NewDeviceError(code, nil)
			}}
			ip := &fakeIP{sample: ipSample}
			r := NewResolver(device, ip, fastResolverConfig(), nil)

			got, err := r.Resolve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, ipSample, got)
			assert.Equal(t, 1, device.Calls())
			assert.Equal(t, int32(1), ip.calls.Load())
			assert.Equal(t, int64(0), r.Stats().Retries)
		})
	}
}

func TestResolverInvalidDeviceFixFallsBack(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return Sample{Latitude: 95, Longitude: 0}, nil
	}}
	ip := &fakeIP{sample: ipSample}
	r := NewResolver(device, ip, fastResolverConfig(), nil)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ipSample, got)
	assert.Equal(t, 1, device.Calls())
}

func TestResolverAllPathsFail(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return Sample{}, NewDeviceError(CodeTimeout, errors.New("no satellites"))
	}}
	ip := &fakeIP{err: newLocationError(KindAllProvidersExhausted, 0, "all IP location providers failed", nil)}
	r := NewResolver(device, ip, fastResolverConfig(), nil)

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeolocationUnavailable)
	assert.ErrorIs(t, err, ErrDeviceTimeout)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Contains(t, err.Error(), "TIMEOUT")
	assert.Contains(t, err.Error(), "all fallback methods failed")

	var le *LocationError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, CodeTimeout, le.DeviceCode)
	assert.Contains(t, le.Actions(), ActionRetry)
	assert.Equal(t, int64(1), r.Stats().Failures)
}

func TestResolverWithoutDevice(t *testing.T) {
	t.Run("ip succeeds", func(t *testing.T) {
		ip := &fakeIP{sample: ipSample}
		r := NewResolver(nil, ip, fastResolverConfig(), nil)

		got, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ipSample, got)
	})

	t.Run("ip fails", func(t *testing.T) {
		device := &fakeDevice{supported: false}
		ip := &fakeIP{err: errBackend}
		r := NewResolver(device, ip, fastResolverConfig(), nil)

		_, err := r.Resolve(context.Background())
		assert.ErrorIs(t, err, ErrGeolocationNotSupported)
		assert.Equal(t, 0, device.Calls())
	})
}

func TestResolverIPWinsWhenDeviceSlow(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(ctx context.Context, _ int) (Sample, error) {
		<-ctx.Done()
		return Sample{}, ctx.Err()
	}}
	ip := &fakeIP{sample: ipSample}
	cfg := fastResolverConfig()
	cfg.DeviceTimeout = 5 * time.Second
	cfg.GracePeriod = 10 * time.Millisecond
	r := NewResolver(device, ip, cfg, nil)

	start := time.Now()
	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ipSample, got)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), r.Stats().IPWins)
	assert.Equal(t, 1, device.Calls())
}

func TestResolverIPFailureDoesNotSettleRace(t *testing.T) {
	want := Sample{Latitude: 57.7, Longitude: 11.97}
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		time.Sleep(100 * time.Millisecond)
		return want, nil
	}}
	ip := &fakeIP{err: errBackend}
	cfg := fastResolverConfig()
	cfg.GracePeriod = 10 * time.Millisecond
	r := NewResolver(device, ip, cfg, nil)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(1), ip.calls.Load())
}

func TestResolverHonoursContext(t *testing.T) {
	device := &fakeDevice{supported: true, fix: func(context.Context, int) (Sample, error) {
		return Sample{}, NewDeviceError(CodeTimeout, nil)
	}}
	cfg := fastResolverConfig()
	cfg.RetryDelay = time.Hour
	r := NewResolver(device, &fakeIP{sample: ipSample}, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, device.Calls())
}
