package gps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Public IP location endpoints, tried after the backend proxy
const (
	IPAPIURL   = "https://ipapi.co/json/"
	IPInfoURL  = "https://ipinfo.io/json"
	ProxyRoute = "/api/location/ip"
)

// ErrMalformedLocation is returned when a provider response has no usable coordinates
var ErrMalformedLocation = errors.New("response has no parseable latitude/longitude")

// IPProvider is one IP based location service
type IPProvider interface {
	Name() string
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// IPLocationConfig configures the IP fallback chain
type IPLocationConfig struct {
	// BackendURL is the base URL of the application's backend. Empty skips the
	// proxy provider, which is how the backend itself builds its client.
	BackendURL      string        `json:"backend_url" mapstructure:"backend_url"`
	ProviderTimeout time.Duration `json:"provider_timeout" mapstructure:"provider_timeout"`
	// MinInterval paces requests to one provider; callers wait for a slot
	// within ProviderTimeout rather than skipping the provider
	MinInterval  time.Duration `json:"min_interval" mapstructure:"min_interval"`
	GoogleAPIKey string        `json:"google_api_key" mapstructure:"google_api_key"`
	IPAPIURL     string        `json:"ipapi_url" mapstructure:"ipapi_url"`
	IPInfoURL    string        `json:"ipinfo_url" mapstructure:"ipinfo_url"`
}

// DefaultIPLocationConfig returns the standard provider chain settings
func DefaultIPLocationConfig() *IPLocationConfig {
	return &IPLocationConfig{
		ProviderTimeout: 3 * time.Second,
		MinInterval:     200 * time.Millisecond,
		IPAPIURL:        IPAPIURL,
		IPInfoURL:       IPInfoURL,
	}
}

const providerBurst = 5

type limitedProvider struct {
	provider IPProvider
	limiter  *rate.Limiter
}

// IPLocationClient queries providers in priority order and returns the first
// parseable position. It never retries.
type IPLocationClient struct {
	providers []limitedProvider
	timeout   time.Duration
	logger    *logx.Logger
	perf      *logx.PerformanceLogger
	now       func() time.Time
}

// NewIPLocationClient builds the standard chain: backend proxy, ipapi.co,
// ipinfo.io and, when an API key is set, Google geolocation by IP.
func NewIPLocationClient(cfg *IPLocationConfig, logger *logx.Logger) (*IPLocationClient, error) {
	if cfg == nil {
		cfg = DefaultIPLocationConfig()
	}
	httpClient := &http.Client{}

	var providers []IPProvider
	if cfg.BackendURL != "" {
		providers = append(providers, NewHTTPProvider("backend_proxy",
			strings.TrimRight(cfg.BackendURL, "/")+ProxyRoute, httpClient))
	}
	if cfg.IPAPIURL != "" {
		providers = append(providers, NewHTTPProvider("ipapi", cfg.IPAPIURL, httpClient))
	}
	if cfg.IPInfoURL != "" {
		providers = append(providers, NewHTTPProvider("ipinfo", cfg.IPInfoURL, httpClient))
	}
	if cfg.GoogleAPIKey != "" {
		google, err := NewGoogleProvider(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google geolocation provider: %w", err)
		}
		providers = append(providers, google)
	}
	if len(providers) == 0 {
		return nil, errors.New("no IP location providers configured")
	}
	return NewIPLocationClientWithProviders(providers, cfg, logger), nil
}

// NewIPLocationClientWithProviders uses an explicit provider list, highest priority first
func NewIPLocationClientWithProviders(providers []IPProvider, cfg *IPLocationConfig, logger *logx.Logger) *IPLocationClient {
	if cfg == nil {
		cfg = DefaultIPLocationConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	limited := make([]limitedProvider, 0, len(providers))
	for _, p := range providers {
		limit := rate.Inf
		if cfg.MinInterval > 0 {
			limit = rate.Every(cfg.MinInterval)
		}
		limited = append(limited, limitedProvider{provider: p, limiter: rate.NewLimiter(limit, providerBurst)})
	}

	return &IPLocationClient{
		providers: limited,
		timeout:   timeout,
		logger:    logger,
		perf:      logx.NewPerformanceLogger(logger),
		now:       time.Now,
	}
}

// Providers returns provider names in priority order
func (c *IPLocationClient) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.provider.Name()
	}
	return names
}

// Performance exposes per provider timings
func (c *IPLocationClient) Performance() *logx.PerformanceLogger {
	return c.perf
}

// Resolve returns the first provider's position with fixed coarse accuracy
func (c *IPLocationClient) Resolve(ctx context.Context) (Sample, error) {
	var errs []error
	for _, lp := range c.providers {
		name := lp.provider.Name()
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		if err := lp.limiter.Wait(pctx); err != nil {
			cancel()
			c.logger.Debug("IP location provider slot not available in time", "provider", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: rate limited: %w", name, err))
			continue
		}
		op := c.perf.StartOperation(pctx, "ip_provider_"+name)
		lat, lon, err := lp.provider.Locate(pctx)
		op.Complete(err)
		cancel()

		if err != nil {
			if errors.Is(err, ErrMalformedLocation) {
				c.logger.Warn("IP location provider returned malformed data", "provider", name, "error", err)
			} else {
				c.logger.Debug("IP location provider failed", "provider", name, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		c.logger.Debug("IP location resolved", "provider", name, "latitude", lat, "longitude", lon)
		return Sample{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  Float64(IPAccuracyMeters),
			Timestamp: c.now().UTC(),
			Source:    "ip:" + name,
		}, nil
	}

	return Sample{}, newLocationError(KindAllProvidersExhausted, 0,
		"all IP location providers failed", errors.Join(errs...))
}

// HTTPProvider fetches a JSON document and normalises it with ParseIPLocation
type HTTPProvider struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider for a JSON endpoint
func NewHTTPProvider(name, url string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{name: name, url: url, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Locate(ctx context.Context) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vesseltrack/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return ParseIPLocation(body)
}

// GoogleProvider asks the Google Geolocation API to locate the caller's IP
type GoogleProvider struct {
	client *maps.Client
}

// NewGoogleProvider creates a provider using the given API key
func NewGoogleProvider(apiKey string, opts ...maps.ClientOption) (*GoogleProvider, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{client: client}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Locate(ctx context.Context) (float64, float64, error) {
	resp, err := p.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return 0, 0, fmt.Errorf("geolocate failed: %w", err)
	}
	if !inRange(resp.Location.Lat, resp.Location.Lng) {
		return 0, 0, ErrMalformedLocation
	}
	return resp.Location.Lat, resp.Location.Lng, nil
}

// ParseIPLocation extracts coordinates from the known provider shapes:
// {"latitude":x,"longitude":y}, {"lat":x,"lon"|"lng":y} and {"loc":"x,y"}.
// Values may be numbers or numeric strings.
func ParseIPLocation(body []byte) (float64, float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedLocation, err)
	}

	if lat, ok := toFloat(doc["latitude"]); ok {
		if lon, ok := toFloat(doc["longitude"]); ok && inRange(lat, lon) {
			return lat, lon, nil
		}
	}
	if lat, ok := toFloat(doc["lat"]); ok {
		lon, ok := toFloat(doc["lon"])
		if !ok {
			lon, ok = toFloat(doc["lng"])
		}
		if ok && inRange(lat, lon) {
			return lat, lon, nil
		}
	}
	if loc, ok := doc["loc"].(string); ok {
		parts := strings.Split(loc, ",")
		if len(parts) == 2 {
			lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			lon, errLon := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if errLat == nil && errLon == nil && inRange(lat, lon) {
				return lat, lon, nil
			}
		}
	}
	return 0, 0, ErrMalformedLocation
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func inRange(lat, lon float64) bool {
	return Sample{Latitude: lat, Longitude: lon}.Validate() == nil
}
