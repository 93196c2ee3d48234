package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
)

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "vesseltrack.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(userID string, lat, lon float64, ts time.Time, zone *string) gps.Record {
	return gps.NewRecord(gps.Sample{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  gps.Float64(12),
		Timestamp: ts,
		Source:    "device",
	}, userID, zone)
}

func TestSQLiteLocations(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	zone := "Kattegat"

	require.NoError(t, s.InsertLocation(ctx, record("u1", 57.7, 11.9, base, &zone)))
	require.NoError(t, s.InsertLocations(ctx, []gps.Record{
		record("u1", 57.8, 11.8, base.Add(time.Minute), nil),
		record("u1", 57.9, 11.7, base.Add(2*time.Minute), nil),
		record("u2", 10, 10, base, nil),
	}))
	require.NoError(t, s.InsertLocations(ctx, nil))

	recs, err := s.RecentLocations(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 57.9, recs[0].Latitude)
	assert.Equal(t, 57.8, recs[1].Latitude)
	assert.Nil(t, recs[0].Zone)
	require.NotNil(t, recs[0].Accuracy)
	assert.Equal(t, 12.0, *recs[0].Accuracy)
	assert.Nil(t, recs[0].Heading)
	assert.True(t, recs[0].Timestamp.Equal(base.Add(2*time.Minute)))

	all, err := s.RecentLocations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Kattegat", all[2].ZoneName())
}

func TestSQLiteBatchIsAtomic(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	rec := record("u1", 1, 1, time.Now(), nil)

	err := s.InsertLocations(ctx, []gps.Record{record("u1", 2, 2, time.Now(), nil), rec, rec})
	require.Error(t, err)

	recs, err := s.RecentLocations(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLiteVessels(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, ok, err := s.DefaultVesselID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.SetDefaultVessel(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrVesselNotFound)

	require.NoError(t, s.RegisterVessel(ctx, Vessel{ID: "v1", Name: "Albatross", OwnerID: "u1"}))
	require.NoError(t, s.SetDefaultVessel(ctx, "u1", "v1"))

	id, ok, err := s.DefaultVesselID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", id)

	zone := "Zone-7"
	require.NoError(t, s.UpdateVesselPosition(ctx, gps.VesselPosition{VesselID: "v1", Latitude: 57.7, Longitude: 11.9, Zone: &zone}))
	v, err := s.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Albatross", v.Name)
	require.NotNil(t, v.Latitude)
	assert.Equal(t, 57.7, *v.Latitude)
	require.NotNil(t, v.Zone)
	assert.Equal(t, "Zone-7", *v.Zone)

	// a nil zone clears the previous one
	require.NoError(t, s.UpdateVesselPosition(ctx, gps.VesselPosition{VesselID: "v1", Latitude: 58, Longitude: 12}))
	v, err = s.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, v.Zone)

	// re-registering keeps the position
	require.NoError(t, s.RegisterVessel(ctx, Vessel{ID: "v1", Name: "Albatross II", OwnerID: "u1"}))
	v, err = s.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Albatross II", v.Name)
	assert.Equal(t, 58.0, *v.Latitude)

	assert.Error(t, s.RegisterVessel(ctx, Vessel{}))
}

func TestSQLiteVesselHistory(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.InsertVesselLocation(ctx, "v1", record("u1", 1, 1, base, nil)))
	require.NoError(t, s.InsertVesselLocation(ctx, "v1", record("u1", 2, 2, base.Add(time.Second), nil)))
	require.NoError(t, s.InsertVesselLocation(ctx, "v2", record("u1", 3, 3, base, nil)))

	hist, err := s.VesselHistory(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1.0, hist[0].Latitude)
	assert.Equal(t, 2.0, hist[1].Latitude)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, &Config{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, &Config{Driver: "postgres"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestSQLiteSatisfiesGpsStore(t *testing.T) {
	var _ gps.Store = openSQLite(t)
	var _ Backend = (*DynamoDBStore)(nil)
}
