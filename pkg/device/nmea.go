package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

const (
	knotsToMps = 0.514444
	// typical user equivalent range error, used to turn HDOP into meters
	uereMeters = 5.0
)

// DefaultNMEADevices are the serial ports modems expose NMEA on
var DefaultNMEADevices = []string{"/dev/ttyUSB1", "/dev/ttyUSB2", "/dev/ttyACM0"}

// NMEASource reads NMEA sentences straight from a serial receiver
type NMEASource struct {
	devices []string
	run     Runner
	logger  *logx.Logger
	now     func() time.Time
}

// NewNMEASource creates a source for the given devices
func NewNMEASource(devices []string, run Runner, logger *logx.Logger) *NMEASource {
	if len(devices) == 0 {
		devices = DefaultNMEADevices
	}
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &NMEASource{devices: devices, run: run, logger: logger, now: time.Now}
}

func (n *NMEASource) Name() string { return "nmea" }

// Available reports whether any configured device node exists
func (n *NMEASource) Available(ctx context.Context) bool {
	for _, dev := range n.devices {
		if _, err := n.run(ctx, "test", "-c", dev); err == nil {
			return true
		}
	}
	return false
}

// Fix reads a short burst from each device until one yields a valid fix
func (n *NMEASource) Fix(ctx context.Context) (gps.Sample, error) {
	var lastErr error
	for _, dev := range n.devices {
		out, err := n.run(ctx, "timeout", "3", "cat", dev)
		if err != nil && len(out) == 0 {
			if ctx.Err() != nil {
				return gps.Sample{}, commandError(ctx, err)
			}
			lastErr = fmt.Errorf("%s: %w", dev, err)
			continue
		}

		fix := ParseNMEA(string(out))
		if fix == nil {
			lastErr = fmt.Errorf("%s: no valid NMEA fix", dev)
			continue
		}
		if fix.Timestamp.IsZero() {
			fix.Timestamp = n.now().UTC()
		}
		fix.Source = n.Name()
		return *fix, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no NMEA devices configured")
	}
	return gps.Sample{}, gps.NewDeviceError(gps.CodePositionUnavailable, lastErr)
}

// ParseNMEA combines GGA (position, HDOP) and RMC (speed, course) sentences
// into a sample. It returns nil when no valid fix is present.
func ParseNMEA(text string) *gps.Sample {
	var gga, rmc *nmeaFix
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.IndexByte(line, '*'); i >= 0 {
			line = line[:i]
		}
		switch {
		case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
			if f := parseGGA(line); f != nil {
				gga = f
			}
		case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
			if f := parseRMC(line); f != nil {
				rmc = f
			}
		}
	}

	var base *nmeaFix
	switch {
	case gga != nil:
		base = gga
	case rmc != nil:
		base = rmc
	default:
		return nil
	}

	sample := &gps.Sample{
		Latitude:  base.lat,
		Longitude: base.lon,
		Timestamp: base.timestamp,
	}
	if gga != nil && gga.hdop > 0 {
		sample.Accuracy = gps.Float64(gga.hdop * uereMeters)
	}
	if rmc != nil {
		sample.Speed = gps.Float64(rmc.speed)
		sample.Heading = gps.Float64(rmc.course)
		if !rmc.timestamp.IsZero() {
			sample.Timestamp = rmc.timestamp
		}
	}
	if sample.Validate() != nil {
		return nil
	}
	return sample
}

type nmeaFix struct {
	lat, lon      float64
	hdop          float64
	speed, course float64
	timestamp     time.Time
}

func parseGGA(sentence string) *nmeaFix {
	parts := strings.Split(sentence, ",")
	if len(parts) < 10 {
		return nil
	}
	if quality, err := strconv.Atoi(parts[6]); err != nil || quality == 0 {
		return nil
	}

	f := &nmeaFix{
		lat: parseCoordinate(parts[2], parts[3]),
		lon: parseCoordinate(parts[4], parts[5]),
	}
	if f.lat == 0 && f.lon == 0 {
		return nil
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		f.hdop = hdop
	}
	return f
}

func parseRMC(sentence string) *nmeaFix {
	parts := strings.Split(sentence, ",")
	if len(parts) < 10 || parts[2] != "A" {
		return nil
	}

	f := &nmeaFix{
		lat: parseCoordinate(parts[3], parts[4]),
		lon: parseCoordinate(parts[5], parts[6]),
	}
	if speed, err := strconv.ParseFloat(parts[7], 64); err == nil {
		f.speed = speed * knotsToMps
	}
	if course, err := strconv.ParseFloat(parts[8], 64); err == nil {
		f.course = course
	}
	f.timestamp = parseNMEADateTime(parts[1], parts[9])
	return f
}

// parseCoordinate converts NMEA DDMM.MMMM to decimal degrees
func parseCoordinate(coordStr, dirStr string) float64 {
	if coordStr == "" || dirStr == "" {
		return 0
	}
	coord, err := strconv.ParseFloat(coordStr, 64)
	if err != nil {
		return 0
	}

	degrees := math.Floor(coord / 100)
	decimal := degrees + (coord-degrees*100)/60
	if dirStr == "S" || dirStr == "W" {
		decimal = -decimal
	}
	return decimal
}

// parseNMEADateTime combines hhmmss(.ss) and ddmmyy into a UTC time
func parseNMEADateTime(timeStr, dateStr string) time.Time {
	if len(timeStr) < 6 || len(dateStr) != 6 {
		return time.Time{}
	}
	t, err := time.Parse("020106150405", dateStr+timeStr[:6])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
