package gps

import (
	"errors"
	"fmt"
)

// DeviceErrorCode is a device geolocation failure code
type DeviceErrorCode int

const (
	CodePermissionDenied    DeviceErrorCode = 1
	CodePositionUnavailable DeviceErrorCode = 2
	CodeTimeout             DeviceErrorCode = 3
)

func (c DeviceErrorCode) String() string {
	switch c {
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodePositionUnavailable:
		return "POSITION_UNAVAILABLE"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// DeviceError is returned by Device implementations
type DeviceError struct {
	Code    DeviceErrorCode
	Message string
	Err     error
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError builds a DeviceError wrapping cause
func NewDeviceError(code DeviceErrorCode, cause error) *DeviceError {
	de := &DeviceError{Code: code, Err: cause}
	if cause != nil {
		de.Message = cause.Error()
	}
	return de
}

// ErrorKind classifies location failures
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindDeviceTimeout
	KindDeviceUnavailable
	KindAllProvidersExhausted
	KindGeolocationNotSupported
	KindGeolocationUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceTimeout:
		return "device_timeout"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindAllProvidersExhausted:
		return "all_providers_exhausted"
	case KindGeolocationNotSupported:
		return "geolocation_not_supported"
	case KindGeolocationUnavailable:
		return "geolocation_unavailable"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is
var (
	ErrPermissionDenied        = errors.New("location permission denied")
	ErrDeviceTimeout           = errors.New("device location request timed out")
	ErrDeviceUnavailable       = errors.New("device position unavailable")
	ErrAllProvidersExhausted   = errors.New("all IP location providers exhausted")
	ErrGeolocationNotSupported = errors.New("geolocation not supported")
	ErrGeolocationUnavailable  = errors.New("geolocation unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindPermissionDenied:        ErrPermissionDenied,
	KindDeviceTimeout:           ErrDeviceTimeout,
	KindDeviceUnavailable:       ErrDeviceUnavailable,
	KindAllProvidersExhausted:   ErrAllProvidersExhausted,
	KindGeolocationNotSupported: ErrGeolocationNotSupported,
	KindGeolocationUnavailable:  ErrGeolocationUnavailable,
}

// ErrorPolicy says what the resolver does after a device failure
type ErrorPolicy struct {
	Kind      ErrorKind
	Retryable bool
	Fallback  bool
}

// devicePolicies is the closed table of device codes. Only timeouts retry.
var devicePolicies = map[DeviceErrorCode]ErrorPolicy{
	CodeTimeout:             {Kind: KindDeviceTimeout, Retryable: true, Fallback: true},
	CodePermissionDenied:    {Kind: KindPermissionDenied, Retryable: false, Fallback: true},
	CodePositionUnavailable: {Kind: KindDeviceUnavailable, Retryable: false, Fallback: true},
}

// PolicyFor returns the policy for a device code; unknown codes behave like
// an unavailable device
func PolicyFor(code DeviceErrorCode) ErrorPolicy {
	if p, ok := devicePolicies[code]; ok {
		return p
	}
	return devicePolicies[CodePositionUnavailable]
}

// ClassifyDeviceError maps any error from a Device to its code
func ClassifyDeviceError(err error) DeviceErrorCode {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodePositionUnavailable
}

// UI actions offered alongside a failure
const (
	ActionRetry              = "retry"
	ActionUseDefaultLocation = "use_default_location"
)

// LocationError is the error surfaced by the resolver and IP client
type LocationError struct {
	Kind       ErrorKind
	DeviceCode DeviceErrorCode // zero when no device error was involved
	Message    string
	Err        error
}

func (e *LocationError) Error() string {
	return e.Message
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel and any device-cause sentinel
func (e *LocationError) Is(target error) bool {
	if target == kindSentinels[e.Kind] {
		return true
	}
	if e.DeviceCode != 0 {
		return target == kindSentinels[PolicyFor(e.DeviceCode).Kind]
	}
	return false
}

// UserMessage returns a human-readable message that tells permission,
// hardware and timeout causes apart
func (e *LocationError) UserMessage() string {
	switch {
	case e.Kind == KindPermissionDenied || e.DeviceCode == CodePermissionDenied:
		return "Location access was denied. Enable location access for this device and try again."
	case e.Kind == KindDeviceTimeout || e.DeviceCode == CodeTimeout:
		return "Getting a position took too long. Check the antenna's sky view and try again."
	case e.Kind == KindDeviceUnavailable || e.DeviceCode == CodePositionUnavailable:
		return "The positioning hardware could not determine a position."
	case e.Kind == KindGeolocationNotSupported:
		return "This device has no positioning hardware and network location failed."
	default:
		return "Your location could not be determined."
	}
}

// Actions lists the UI actions that make sense for this failure
func (e *LocationError) Actions() []string {
	if e.Kind == KindPermissionDenied || e.DeviceCode == CodePermissionDenied {
		return []string{ActionUseDefaultLocation}
	}
	return []string{ActionRetry, ActionUseDefaultLocation}
}

func newLocationError(kind ErrorKind, code DeviceErrorCode, msg string, cause error) *LocationError {
	return &LocationError{Kind: kind, DeviceCode: code, Message: msg, Err: cause}
}
