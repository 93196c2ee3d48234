package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// GpsctlSource reads the RUTOS built-in GNSS receiver through gpsctl
type GpsctlSource struct {
	run    Runner
	logger *logx.Logger
	now    func() time.Time
}

// NewGpsctlSource creates a gpsctl source; run defaults to ExecRunner
func NewGpsctlSource(run Runner, logger *logx.Logger) *GpsctlSource {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &GpsctlSource{run: run, logger: logger, now: time.Now}
}

func (g *GpsctlSource) Name() string { return "gpsctl" }

// Available reports whether gpsctl answers a status query
func (g *GpsctlSource) Available(ctx context.Context) bool {
	_, err := g.run(ctx, "gpsctl", "-s")
	return err == nil
}

// Fix queries status, coordinates and the optional accuracy, speed and course
func (g *GpsctlSource) Fix(ctx context.Context) (gps.Sample, error) {
	out, err := g.run(ctx, "gpsctl", "-s")
	if err != nil {
		return gps.Sample{}, commandError(ctx, fmt.Errorf("gpsctl status check failed: %w", err))
	}
	if status := strings.TrimSpace(string(out)); status != "1" {
		return gps.Sample{}, gps.NewDeviceError(gps.CodePositionUnavailable,
			fmt.Errorf("GPS not active, status: %s", status))
	}

	lat, err := g.value(ctx, "-i")
	if err != nil {
		return gps.Sample{}, commandError(ctx, fmt.Errorf("gpsctl latitude: %w", err))
	}
	lon, err := g.value(ctx, "-x")
	if err != nil {
		return gps.Sample{}, commandError(ctx, fmt.Errorf("gpsctl longitude: %w", err))
	}
	// receiver is active but has no solution yet
	if lat == 0 && lon == 0 {
		return gps.Sample{}, gps.NewDeviceError(gps.CodeTimeout, errors.New("no satellite fix yet"))
	}

	sample := gps.Sample{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: g.now().UTC(),
		Source:    g.Name(),
	}
	if acc, err := g.value(ctx, "-u"); err == nil && acc > 0 {
		sample.Accuracy = gps.Float64(acc)
	}
	if speed, err := g.value(ctx, "-v"); err == nil {
		sample.Speed = gps.Float64(speed)
	}
	if course, err := g.value(ctx, "-c"); err == nil {
		sample.Heading = gps.Float64(course)
	}
	return sample, nil
}

func (g *GpsctlSource) value(ctx context.Context, flag string) (float64, error) {
	out, err := g.run(ctx, "gpsctl", flag)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}
