package gps

import (
	"context"
	"errors"
)

// Device is the platform geolocation API
type Device interface {
	// Supported reports whether any positioning capability exists
	Supported() bool
	// WatchSupported reports whether continuous updates can be subscribed to
	WatchSupported() bool
	// CurrentPosition requests a single fix. Failures are *DeviceError.
	CurrentPosition(ctx context.Context, opts PositionOptions) (Sample, error)
	// WatchPosition subscribes to continuous updates until stop is called.
	// The subscription keeps retrying on its own after errors.
	WatchPosition(opts PositionOptions, onUpdate func(Sample), onError func(error)) (stop func(), err error)
}

// PermissionState is the device location permission
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// PermissionQuerier reports the current permission state
type PermissionQuerier interface {
	QueryPermission(ctx context.Context) (PermissionState, error)
}

// PermissionNotifier is optionally implemented by a PermissionQuerier that can
// report changes
type PermissionNotifier interface {
	OnPermissionChange(fn func(PermissionState)) (unsubscribe func())
}

// Store is the backend data store
type Store interface {
	InsertLocation(ctx context.Context, rec Record) error
	InsertLocations(ctx context.Context, recs []Record) error
	UpdateVesselPosition(ctx context.Context, pos VesselPosition) error
	// DefaultVesselID returns the user's default vessel, ok=false when none is set
	DefaultVesselID(ctx context.Context, userID string) (id string, ok bool, err error)
	InsertVesselLocation(ctx context.Context, vesselID string, rec Record) error
}

// ZoneClassifier labels coordinates with a coarse region
type ZoneClassifier interface {
	Classify(ctx context.Context, lat, lon float64) (string, error)
}

// NetworkStatus is the online/offline signal
type NetworkStatus interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// IdentityProvider supplies the authenticated user
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// ErrNoIdentity is returned when no user is authenticated
var ErrNoIdentity = errors.New("no authenticated user")

// StaticIdentity is an IdentityProvider for a fixed user, as used by the
// daemon where one operator account owns the installation
type StaticIdentity string

func (s StaticIdentity) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoIdentity
	}
	return string(s), nil
}

// RecordPublisher is notified after a record has been persisted
type RecordPublisher interface {
	PublishRecord(rec Record, vesselID string) error
}
