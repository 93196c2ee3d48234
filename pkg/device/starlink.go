package device

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
	"github.com/markus-lassfolk/vesseltrack/pkg/starlink"
)

// LocationAPI is the part of the Starlink client used here
type LocationAPI interface {
	GetLocation(ctx context.Context) (*starlink.Location, error)
}

// StarlinkSource reads the dish position over gRPC
type StarlinkSource struct {
	api    LocationAPI
	logger *logx.Logger
}

// NewStarlinkSource creates a dish source
func NewStarlinkSource(api LocationAPI, logger *logx.Logger) *StarlinkSource {
	if logger == nil {
		logger = logx.Nop()
	}
	return &StarlinkSource{api: api, logger: logger}
}

func (s *StarlinkSource) Name() string { return "starlink" }

// Available reports whether the dish answers get_location, even if denied
func (s *StarlinkSource) Available(ctx context.Context) bool {
	_, err := s.Fix(ctx)
	return err == nil || gps.ClassifyDeviceError(err) == gps.CodePermissionDenied
}

// Fix returns the dish position
func (s *StarlinkSource) Fix(ctx context.Context) (gps.Sample, error) {
	loc, err := s.api.GetLocation(ctx)
	if err != nil {
		return gps.Sample{}, grpcDeviceError(ctx, err)
	}
	if !loc.Valid {
		return gps.Sample{}, gps.NewDeviceError(gps.CodePositionUnavailable, errors.New("dish reported no position"))
	}

	sample := gps.Sample{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Timestamp: loc.Timestamp.UTC(),
		Source:    s.Name(),
		Speed:     gps.Float64(loc.HorizontalSpeedMps),
	}
	if loc.SigmaM > 0 {
		sample.Accuracy = gps.Float64(loc.SigmaM)
	}
	return sample, nil
}

// Permission reports whether location access is enabled on the dish
func (s *StarlinkSource) Permission(ctx context.Context) (gps.PermissionState, error) {
	_, err := s.api.GetLocation(ctx)
	if err == nil {
		return gps.PermissionGranted, nil
	}
	if status.Code(err) == codes.PermissionDenied {
		return gps.PermissionDenied, nil
	}
	return gps.PermissionUnknown, fmt.Errorf("starlink permission check: %w", err)
}

func grpcDeviceError(ctx context.Context, err error) *gps.DeviceError {
	switch status.Code(err) {
	case codes.PermissionDenied:
		return gps.NewDeviceError(gps.CodePermissionDenied, err)
	case codes.DeadlineExceeded:
		return gps.NewDeviceError(gps.CodeTimeout, err)
	case codes.Unavailable:
		return gps.NewDeviceError(gps.CodePositionUnavailable, err)
	}
	return commandError(ctx, err)
}
