// Package gps implements location acquisition and submission for vessel
// tracking: permission probing, IP fallback lookup, the racing resolver,
// continuous watch with polling fallback and the deduplicating submission queue.
package gps

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IPAccuracyMeters is reported for every IP-derived fix
const IPAccuracyMeters = 1000.0

// Sample is one resolved geographic position
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"` // meters
	Heading   *float64  `json:"heading,omitempty"`  // degrees from true north
	Speed     *float64  `json:"speed,omitempty"`    // meters per second
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Validate checks coordinate bounds
func (s Sample) Validate() error {
	if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", s.Latitude)
	}
	if math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", s.Longitude)
	}
	return nil
}

// AccuracyMeters returns the accuracy or -1 when unknown
func (s Sample) AccuracyMeters() float64 {
	if s.Accuracy == nil {
		return -1
	}
	return *s.Accuracy
}

// Float64 returns a pointer to v, used for the optional sample fields
func Float64(v float64) *float64 {
	return &v
}

// Record is a Sample persisted on behalf of a user. Records are never mutated
// after persistence.
type Record struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	Zone   *string `json:"zone"`
	Sample
}

// NewRecord builds a record with a fresh id
func NewRecord(sample Sample, userID string, zone *string) Record {
	return Record{
		ID:     uuid.NewString(),
		UserID: userID,
		Zone:   zone,
		Sample: sample,
	}
}

// ZoneName returns the zone or an empty string
func (r Record) ZoneName() string {
	if r.Zone == nil {
		return ""
	}
	return *r.Zone
}

// VesselPosition is the last-known position snapshot of a vessel
type VesselPosition struct {
	VesselID  string  `json:"vessel_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Zone      *string `json:"zone"`
}

// PositionOptions configures a device fix or watch
type PositionOptions struct {
	EnableHighAccuracy bool          `json:"enable_high_accuracy"`
	Timeout            time.Duration `json:"timeout"`
	MaximumAge         time.Duration `json:"maximum_age"`
}

// round6 rounds to 6 decimal places (~11 cm)
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// DedupKey fingerprints a sample by rounded coordinates and its timestamp at
// second resolution
func DedupKey(s Sample) string {
	return strconv.FormatFloat(round6(s.Latitude), 'f', 6, 64) + "," +
		strconv.FormatFloat(round6(s.Longitude), 'f', 6, 64) + "," +
		strconv.FormatInt(s.Timestamp.Unix(), 10)
}
