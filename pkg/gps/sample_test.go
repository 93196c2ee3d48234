package gps

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleValidate(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"origin", 0, 0, false},
		{"bounds", 90, -180, false},
		{"other bounds", -90, 180, false},
		{"lat too high", 90.0001, 0, true},
		{"lon too low", 0, -180.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Sample{Latitude: tt.lat, Longitude: tt.lon}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDedupKeyPreservesSixDecimals(t *testing.T) {
	coords := [][2]float64{
		{34.0522, -118.2437},
		{59.329323, 18.068581},
		{-33.856784, 151.215297},
		{89.999999, -179.999999},
		{0.000001, 0},
	}

	for _, c := range coords {
		key := DedupKey(Sample{Latitude: c[0], Longitude: c[1], Timestamp: time.Unix(1700000000, 0)})
		parts := strings.Split(key, ",")
		require.Len(t, parts, 3)

		lat, err := strconv.ParseFloat(parts[0], 64)
		require.NoError(t, err)
		lon, err := strconv.ParseFloat(parts[1], 64)
		require.NoError(t, err)

		assert.Equal(t, round6(c[0]), lat)
		assert.Equal(t, round6(c[1]), lon)
		assert.Equal(t, "1700000000", parts[2])
	}
}

func TestDedupKeySecondResolution(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 100_000_000, time.UTC)
	a := Sample{Latitude: 10.1234561, Longitude: 20.9876541, Timestamp: base}
	b := Sample{Latitude: 10.1234564, Longitude: 20.9876544, Timestamp: base.Add(800 * time.Millisecond)}
	c := Sample{Latitude: 10.1234561, Longitude: 20.9876541, Timestamp: base.Add(time.Second)}

	assert.Equal(t, DedupKey(a), DedupKey(b))
	assert.NotEqual(t, DedupKey(a), DedupKey(c))
}

func TestNewRecord(t *testing.T) {
	zone := "Zone-7"
	rec := NewRecord(Sample{Latitude: 1, Longitude: 2}, "user-1", &zone)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "Zone-7", rec.ZoneName())
	assert.Equal(t, "", NewRecord(Sample{}, "u", nil).ZoneName())
	assert.NotEqual(t, rec.ID, NewRecord(Sample{}, "u", nil).ID)
}
