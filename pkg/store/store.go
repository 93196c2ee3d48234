// Package store persists location records and vessel positions.
//
// Two backends implement the same contract: SQLite for a single installation
// and DynamoDB for a shared cloud backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Driver names
const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

var (
	// ErrVesselNotFound is returned when a vessel id is unknown
	ErrVesselNotFound = errors.New("vessel not found")
	// ErrUnknownDriver is returned by Open for an unsupported driver
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Vessel is a registered vessel and its last known position
type Vessel struct {
	ID        string    `json:"id" dynamodbav:"vessel_id"`
	Name      string    `json:"name" dynamodbav:"name"`
	OwnerID   string    `json:"owner_id" dynamodbav:"owner_id"`
	Latitude  *float64  `json:"latitude,omitempty" dynamodbav:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty" dynamodbav:"longitude,omitempty"`
	Zone      *string   `json:"zone,omitempty" dynamodbav:"zone,omitempty"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Backend is a gps.Store with administration helpers
type Backend interface {
	gps.Store
	RegisterVessel(ctx context.Context, v Vessel) error
	SetDefaultVessel(ctx context.Context, userID, vesselID string) error
	GetVessel(ctx context.Context, vesselID string) (Vessel, error)
	RecentLocations(ctx context.Context, userID string, limit int) ([]gps.Record, error)
	Close() error
}

// DynamoDBConfig names the tables of the DynamoDB backend
type DynamoDBConfig struct {
	Region   string `json:"region" mapstructure:"region"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"` // local emulator
	// LocationsTable: partition user_id, sort sort_key
	LocationsTable string `json:"locations_table" mapstructure:"locations_table"`
	// VesselsTable: partition vessel_id
	VesselsTable string `json:"vessels_table" mapstructure:"vessels_table"`
	// UserVesselsTable: partition user_id
	UserVesselsTable string `json:"user_vessels_table" mapstructure:"user_vessels_table"`
	// VesselLocationsTable: partition vessel_id, sort sort_key
	VesselLocationsTable string `json:"vessel_locations_table" mapstructure:"vessel_locations_table"`
}

// Config selects and configures a backend
type Config struct {
	Driver     string         `json:"driver" mapstructure:"driver"`
	SQLitePath string         `json:"sqlite_path" mapstructure:"sqlite_path"`
	DynamoDB   DynamoDBConfig `json:"dynamodb" mapstructure:"dynamodb"`
}

// DefaultConfig returns a SQLite store under /var/lib/vesseltrack
func DefaultConfig() *Config {
	return &Config{
		Driver:     DriverSQLite,
		SQLitePath: "/var/lib/vesseltrack/vesseltrack.db",
		DynamoDB: DynamoDBConfig{
			Region:               "us-east-1",
			LocationsTable:       "vesseltrack-locations",
			VesselsTable:         "vesseltrack-vessels",
			UserVesselsTable:     "vesseltrack-user-vessels",
			VesselLocationsTable: "vesseltrack-vessel-locations",
		},
	}
}

// Open creates the configured backend
func Open(ctx context.Context, config *Config, logger *logx.Logger) (Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}

	switch config.Driver {
	case DriverSQLite, "":
		return OpenSQLite(config.SQLitePath, logger)
	case DriverDynamoDB:
		return OpenDynamoDB(ctx, config.DynamoDB, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
	}
}

// sortKey orders records by time within a partition; the id keeps keys unique
func sortKey(rec gps.Record) string {
	return rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + rec.ID
}
