package gps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// PermissionStatus is the diagnostic report produced by PermissionProbe
type PermissionStatus struct {
	DeviceSupport         bool            `json:"device_support"`
	PermissionState       PermissionState `json:"permission_state"`
	HighAccuracyAvailable bool            `json:"high_accuracy_available"`
	Diagnostics           []string        `json:"diagnostics"`
}

// PermissionProbe checks device location capability and permission
type PermissionProbe struct {
	device       Device
	querier      PermissionQuerier
	probeTimeout time.Duration
	logger       *logx.Logger
}

// NewPermissionProbe creates a probe. querier may be nil when the platform has
// no permission API.
func NewPermissionProbe(device Device, querier PermissionQuerier, probeTimeout time.Duration, logger *logx.Logger) *PermissionProbe {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &PermissionProbe{
		device:       device,
		querier:      querier,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// CheckStatus never fails; problems end up in Diagnostics
func (p *PermissionProbe) CheckStatus(ctx context.Context) PermissionStatus {
	status := PermissionStatus{
		PermissionState: PermissionUnknown,
		Diagnostics:     []string{},
	}

	if p.device == nil || !p.device.Supported() {
		status.Diagnostics = append(status.Diagnostics, "geolocation API not available on this device")
		return status
	}
	status.DeviceSupport = true
	status.Diagnostics = append(status.Diagnostics, "geolocation API available")

	if p.querier == nil {
		status.Diagnostics = append(status.Diagnostics, "permission API not available, state unknown")
	} else if state, err := p.querier.QueryPermission(ctx); err != nil {
		status.Diagnostics = append(status.Diagnostics, fmt.Sprintf("permission query failed: %v", err))
	} else {
		switch state {
		case PermissionGranted, PermissionDenied, PermissionPrompt:
			status.PermissionState = state
		}
		status.Diagnostics = append(status.Diagnostics, fmt.Sprintf("permission state: %s", status.PermissionState))
	}

	if status.PermissionState == PermissionDenied {
		status.Diagnostics = append(status.Diagnostics, "skipping high accuracy test: permission denied")
		return status
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	_, err := p.device.CurrentPosition(probeCtx, PositionOptions{
		EnableHighAccuracy: true,
		Timeout:            p.probeTimeout,
		MaximumAge:         0,
	})
	if err == nil {
		status.HighAccuracyAvailable = true
		status.Diagnostics = append(status.Diagnostics, "high accuracy position available")
		return status
	}

	var de *DeviceError
	if errors.As(err, &de) && de.Code == CodePermissionDenied {
		status.PermissionState = PermissionDenied
	}
	status.Diagnostics = append(status.Diagnostics, fmt.Sprintf("high accuracy test failed: %v", err))
	p.logger.Debug("high accuracy probe failed", "error", err)
	return status
}

// Monitor forwards permission changes to fn when the querier supports
// notifications. The returned function unsubscribes; it is a no-op otherwise.
func (p *PermissionProbe) Monitor(fn func(PermissionState)) func() {
	notifier, ok := p.querier.(PermissionNotifier)
	if !ok {
		return func() {}
	}
	return notifier.OnPermissionChange(func(state PermissionState) {
		p.logger.Info("location permission changed", "state", string(state))
		fn(state)
	})
}
