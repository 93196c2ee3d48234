package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
)

func testSample() gps.Sample {
	return gps.Sample{
		Latitude:  57.708870,
		Longitude: 11.974560,
		Accuracy:  gps.Float64(12.5),
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Source:    "gpsctl",
	}
}

func TestOutputFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"minimal", []string{"57.708870,11.974560\n"}},
		{"csv", []string{"Source,Latitude,Longitude,Accuracy,Heading,Speed,Timestamp", "gpsctl,57.708870,11.974560,12.5,,,2024-05-01T12:00:00Z"}},
		{"json", []string{`"latitude": 57.70887`, `"source": "gpsctl"`}},
		{"standard", []string{"Position:", "Location: 57.708870, 11.974560", "Accuracy: 12.5 m", "Source: gpsctl"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, outputSample(&buf, tt.format, testSample(), "Position"))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestDescribeLocationError(t *testing.T) {
	err := describe(&gps.LocationError{Kind: gps.KindPermissionDenied, Message: "denied"})
	assert.Contains(t, err.Error(), "Location access was denied")
	assert.Contains(t, err.Error(), "use_default_location")

	plain := errors.New("boom")
	assert.Equal(t, plain, describe(plain))
}
