// Package device provides onboard position sources (RUTOS GNSS, NMEA serial
// receivers and the Starlink dish) and combines them into a gps.Device.
package device

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
)

// Source is one onboard positioning source
type Source interface {
	Name() string
	Available(ctx context.Context) bool
	// Fix returns a position or a *gps.DeviceError
	Fix(ctx context.Context) (gps.Sample, error)
}

// PermissionSource is implemented by sources that can be denied location access
type PermissionSource interface {
	Permission(ctx context.Context) (gps.PermissionState, error)
}

// SourceHealth tracks the health of a source
type SourceHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessRate  float64   `json:"success_rate"`
	ErrorCount   int       `json:"error_count"`
	SuccessCount int       `json:"success_count"`
}

func (h *SourceHealth) record(err error) {
	if err != nil {
		h.ErrorCount++
		h.LastError = err.Error()
	} else {
		h.SuccessCount++
		h.LastSuccess = time.Now()
		h.Available = true
	}
	h.SuccessRate = float64(h.SuccessCount) / float64(h.SuccessCount+h.ErrorCount)
}

// Runner executes a command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the host
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// commandError maps a failed command to a device error code
func commandError(ctx context.Context, err error) *gps.DeviceError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return gps.NewDeviceError(gps.CodeTimeout, err)
	}
	return gps.NewDeviceError(gps.CodePositionUnavailable, err)
}
