package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/config"
	"github.com/markus-lassfolk/vesseltrack/pkg/device"
	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
	"github.com/markus-lassfolk/vesseltrack/pkg/starlink"
	"github.com/markus-lassfolk/vesseltrack/pkg/zone"
)

var (
	// Local commands
	probe       = flag.Bool("probe", false, "Report device location support and permission")
	locate      = flag.Bool("locate", false, "Resolve one position (device with IP fallback)")
	ipOnly      = flag.Bool("ip", false, "Resolve one position from the IP provider chain only")
	importPorts = flag.String("import-ports", "", "Import a JSON port table into the zone database")

	// Daemon commands
	flush  = flag.Bool("flush", false, "Ask the daemon to flush its offline queue")
	status = flag.Bool("status", false, "Show daemon status")
	apiURL = flag.String("api", "http://localhost:8081", "Daemon API base URL")
	apiKey = flag.String("api-key", "", "Daemon API key")

	// Output and configuration
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv, minimal")
	configPath   = flag.String("config", "/etc/vesseltrack/vesseltrack.yaml", "Path to YAML configuration file")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "vesseltrackctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLoggerWithOutput(*logLevel, AppName, os.Stderr)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch {
	case *probe:
		err = handleProbe(ctx, logger)
	case *locate:
		err = handleLocate(ctx, logger)
	case *ipOnly:
		err = handleIP(ctx, logger)
	case *importPorts != "":
		err = handleImportPorts(logger)
	case *flush:
		err = handleFlush(ctx)
	case *status:
		err = handleStatus(ctx)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file does not exist. Local
// commands never submit, so the defaults are not validated for a user_id.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}

func newGeolocator(cfg *config.Config, logger *logx.Logger) *device.Geolocator {
	var sources []device.Source
	if cfg.Device.Gpsctl {
		sources = append(sources, device.NewGpsctlSource(nil, logger))
	}
	if len(cfg.Device.NMEADevices) > 0 {
		sources = append(sources, device.NewNMEASource(cfg.Device.NMEADevices, nil, logger))
	}
	if sl := cfg.Device.Starlink; sl.Enabled {
		sources = append(sources, device.NewStarlinkSource(starlink.NewClient(sl.Host, sl.Port, sl.Timeout, logger), logger))
	}
	return device.NewGeolocator(sources, &cfg.Device.Geolocator, logger)
}

func handleProbe(ctx context.Context, logger *logx.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	geo := newGeolocator(cfg, logger)
	st := gps.NewPermissionProbe(geo, geo, cfg.Device.PermissionProbeTimeout, logger).CheckStatus(ctx)

	if *outputFormat == "json" {
		return writeIndentedJSON(os.Stdout, st)
	}
	fmt.Printf("Device support: %t\n", st.DeviceSupport)
	fmt.Printf("Permission: %s\n", st.PermissionState)
	fmt.Printf("High accuracy: %t\n", st.HighAccuracyAvailable)
	for _, d := range st.Diagnostics {
		fmt.Printf("  - %s\n", d)
	}
	return nil
}

func handleLocate(ctx context.Context, logger *logx.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ipClient, err := gps.NewIPLocationClient(&cfg.IPLocation, logger)
	if err != nil {
		return err
	}
	resolver := gps.NewResolver(newGeolocator(cfg, logger), ipClient, &cfg.Resolver, logger)
	sample, err := resolver.Resolve(ctx)
	if err != nil {
		return describe(err)
	}
	return outputSample(os.Stdout, *outputFormat, sample, "Position")
}

func handleIP(ctx context.Context, logger *logx.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ipClient, err := gps.NewIPLocationClient(&cfg.IPLocation, logger)
	if err != nil {
		return err
	}
	sample, err := ipClient.Resolve(ctx)
	if err != nil {
		return describe(err)
	}
	return outputSample(os.Stdout, *outputFormat, sample, "IP position")
}

func handleImportPorts(logger *logx.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	classifier, err := zone.Open(&cfg.Zone, logger)
	if err != nil {
		return err
	}
	defer classifier.Close()

	n, err := classifier.ImportFile(*importPorts)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d ports into %s\n", n, cfg.Zone.DBPath)
	return nil
}

func handleFlush(ctx context.Context) error {
	var out struct {
		Flushed int `json:"flushed"`
	}
	if err := callAPI(ctx, http.MethodPost, "/api/locations/flush", &out); err != nil {
		return err
	}
	fmt.Printf("Flushed %d queued locations\n", out.Flushed)
	return nil
}

func handleStatus(ctx context.Context) error {
	var out map[string]interface{}
	if err := callAPI(ctx, http.MethodGet, "/api/status", &out); err != nil {
		return err
	}
	return writeIndentedJSON(os.Stdout, out)
}

func callAPI(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(*apiURL, "/")+path, nil)
	if err != nil {
		return err
	}
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// describe turns a location error into its user facing message and actions
func describe(err error) error {
	var locErr *gps.LocationError
	if errors.As(err, &locErr) {
		return fmt.Errorf("%s (%s; options: %s)", locErr.UserMessage(), locErr.Kind, strings.Join(locErr.Actions(), ", "))
	}
	return err
}

func outputSample(w io.Writer, format string, s gps.Sample, title string) error {
	switch format {
	case "json":
		return writeIndentedJSON(w, s)
	case "csv":
		return outputCSV(w, s)
	case "minimal":
		_, err := fmt.Fprintf(w, "%.6f,%.6f\n", s.Latitude, s.Longitude)
		return err
	default:
		return outputStandard(w, s, title)
	}
}

func writeIndentedJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputCSV(w io.Writer, s gps.Sample) error {
	writer := csv.NewWriter(w)
	rows := [][]string{
		{"Source", "Latitude", "Longitude", "Accuracy", "Heading", "Speed", "Timestamp"},
		{
			s.Source,
			strconv.FormatFloat(s.Latitude, 'f', 6, 64),
			strconv.FormatFloat(s.Longitude, 'f', 6, 64),
			optional(s.Accuracy, 1),
			optional(s.Heading, 1),
			optional(s.Speed, 2),
			s.Timestamp.Format(time.RFC3339),
		},
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func outputStandard(w io.Writer, s gps.Sample, title string) error {
	if title != "" {
		fmt.Fprintf(w, "%s:\n", title)
	}
	fmt.Fprintf(w, "  Location: %.6f, %.6f\n", s.Latitude, s.Longitude)
	if s.Accuracy != nil {
		fmt.Fprintf(w, "  Accuracy: %.1f m\n", *s.Accuracy)
	}
	if s.Heading != nil {
		fmt.Fprintf(w, "  Heading: %.1f deg\n", *s.Heading)
	}
	if s.Speed != nil {
		fmt.Fprintf(w, "  Speed: %.2f m/s\n", *s.Speed)
	}
	fmt.Fprintf(w, "  Source: %s\n", s.Source)
	_, err := fmt.Fprintf(w, "  Timestamp: %s\n", s.Timestamp.Format(time.RFC3339))
	return err
}

func optional(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
