package starlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	raw := `{
		"apiVersion": "25",
		"getLocation": {
			"lla": {"lat": 59.8586, "lon": 17.6389, "alt": 21.5},
			"sigmaM": 4.2,
			"horizontalSpeedMps": 5.1,
			"source": "GNC_FUSED"
		}
	}`

	loc, err := ParseLocation([]byte(raw), now)
	require.NoError(t, err)
	assert.Equal(t, 59.8586, loc.Latitude)
	assert.Equal(t, 17.6389, loc.Longitude)
	assert.Equal(t, 4.2, loc.SigmaM)
	assert.Equal(t, 5.1, loc.HorizontalSpeedMps)
	assert.Equal(t, "GNC_FUSED", loc.Source)
	assert.True(t, loc.Valid)
	assert.Equal(t, now, loc.Timestamp)
}

func TestParseLocationEmpty(t *testing.T) {
	loc, err := ParseLocation([]byte(`{"getLocation":{}}`), time.Now())
	require.NoError(t, err)
	assert.False(t, loc.Valid)

	_, err = ParseLocation([]byte(`not json`), time.Now())
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	raw := `{"dishGetStatus":{"deviceInfo":{"id":"ut01"},"gpsStats":{"gpsValid":true,"gpsSats":12},"mobilityClass":"MOBILE"}}`

	status, err := ParseStatus([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "ut01", status.DishGetStatus.DeviceInfo.ID)
	assert.Equal(t, 12, status.DishGetStatus.GPSStats.GPSSats)
	assert.True(t, status.GPSUsable())

	status.DishGetStatus.GPSStats.InhibitGPS = true
	assert.False(t, status.GPSUsable())
}

func TestDefaultClientAddress(t *testing.T) {
	assert.Equal(t, "192.168.100.1:9200", DefaultClient(nil).Address())
}

func TestRequestBody(t *testing.T) {
	body, err := requestBody(MethodGetLocation)
	require.NoError(t, err)
	assert.JSONEq(t, `{"get_location":{}}`, string(body))

	_, err = requestBody("")
	assert.Error(t, err)
}

func TestCloseWithoutConnection(t *testing.T) {
	c := NewClient("10.0.0.1", 9201, 0, nil)
	assert.Equal(t, "10.0.0.1:9201", c.Address())
	assert.NoError(t, c.Close())
}
