// Package config loads vesseltrackd configuration from YAML and the
// environment and reloads it when the file changes.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/markus-lassfolk/vesseltrack/pkg/api"
	"github.com/markus-lassfolk/vesseltrack/pkg/device"
	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
	"github.com/markus-lassfolk/vesseltrack/pkg/mqtt"
	"github.com/markus-lassfolk/vesseltrack/pkg/netstatus"
	"github.com/markus-lassfolk/vesseltrack/pkg/store"
	"github.com/markus-lassfolk/vesseltrack/pkg/zone"
)

// EnvPrefix is prepended to every environment override, e.g.
// VESSELTRACK_MQTT_BROKER for mqtt.broker
const EnvPrefix = "VESSELTRACK"

// StarlinkConfig configures the dish position source
type StarlinkConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeviceConfig selects the onboard position sources, highest priority first:
// gpsctl, NMEA serial devices, then the Starlink dish
type DeviceConfig struct {
	Geolocator             device.GeolocatorConfig `mapstructure:"geolocator"`
	Gpsctl                 bool                    `mapstructure:"gpsctl"`
	NMEADevices            []string                `mapstructure:"nmea_devices"`
	Starlink               StarlinkConfig          `mapstructure:"starlink"`
	PermissionProbeTimeout time.Duration           `mapstructure:"permission_probe_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the complete daemon configuration
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// UserID is the operator account records are attributed to
	UserID  string `mapstructure:"user_id"`
	PIDFile string `mapstructure:"pid_file"`

	Resolver   gps.ResolverConfig   `mapstructure:"resolver"`
	Watch      gps.WatchConfig      `mapstructure:"watch"`
	Submission gps.SubmissionConfig `mapstructure:"submission"`
	IPLocation gps.IPLocationConfig `mapstructure:"ip_location"`
	Device     DeviceConfig         `mapstructure:"device"`
	Network    netstatus.Config     `mapstructure:"network"`
	Zone       zone.Config          `mapstructure:"zone"`
	Store      store.Config         `mapstructure:"store"`
	MQTT       mqtt.Config          `mapstructure:"mqtt"`
	API        api.Config           `mapstructure:"api"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		PIDFile:    "/var/run/vesseltrackd.pid",
		Resolver:   *gps.DefaultResolverConfig(),
		Watch:      *gps.DefaultWatchConfig(),
		Submission: *gps.DefaultSubmissionConfig(),
		IPLocation: *gps.DefaultIPLocationConfig(),
		Device: DeviceConfig{
			Geolocator: *device.DefaultGeolocatorConfig(),
			Gpsctl:     true,
			Starlink: StarlinkConfig{
				Enabled: true,
				Host:    "192.168.100.1",
				Port:    9200,
				Timeout: 10 * time.Second,
			},
			PermissionProbeTimeout: 10 * time.Second,
		},
		Network: *netstatus.DefaultConfig(),
		Zone:    *zone.DefaultConfig(),
		Store:   *store.DefaultConfig(),
		MQTT:    *mqtt.DefaultConfig(),
		API:     *api.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true, Addr: ":9101"},
	}
}

// setDefaults registers every key so environment overrides work without a file
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("pid_file", d.PIDFile)

	v.SetDefault("resolver.device_timeout", d.Resolver.DeviceTimeout)
	v.SetDefault("resolver.maximum_age", d.Resolver.MaximumAge)
	v.SetDefault("resolver.grace_period", d.Resolver.GracePeriod)
	v.SetDefault("resolver.max_retry_attempts", d.Resolver.MaxRetryAttempts)
	v.SetDefault("resolver.retry_delay", d.Resolver.RetryDelay)
	v.SetDefault("resolver.enable_high_accuracy", d.Resolver.EnableHighAccuracy)

	v.SetDefault("watch.poll_interval", d.Watch.PollInterval)
	v.SetDefault("watch.enable_high_accuracy", d.Watch.EnableHighAccuracy)
	v.SetDefault("watch.timeout", d.Watch.Timeout)
	v.SetDefault("watch.maximum_age", d.Watch.MaximumAge)

	v.SetDefault("submission.vessel_history", d.Submission.VesselHistory)
	v.SetDefault("submission.max_queue_size", d.Submission.MaxQueueSize)

	v.SetDefault("ip_location.backend_url", d.IPLocation.BackendURL)
	v.SetDefault("ip_location.provider_timeout", d.IPLocation.ProviderTimeout)
	v.SetDefault("ip_location.min_interval", d.IPLocation.MinInterval)
	v.SetDefault("ip_location.google_api_key", d.IPLocation.GoogleAPIKey)
	v.SetDefault("ip_location.ipapi_url", d.IPLocation.IPAPIURL)
	v.SetDefault("ip_location.ipinfo_url", d.IPLocation.IPInfoURL)

	v.SetDefault("device.geolocator.high_accuracy_threshold", d.Device.Geolocator.HighAccuracyThreshold)
	v.SetDefault("device.geolocator.watch_interval", d.Device.Geolocator.WatchInterval)
	v.SetDefault("device.gpsctl", d.Device.Gpsctl)
	v.SetDefault("device.nmea_devices", d.Device.NMEADevices)
	v.SetDefault("device.starlink.enabled", d.Device.Starlink.Enabled)
	v.SetDefault("device.starlink.host", d.Device.Starlink.Host)
	v.SetDefault("device.starlink.port", d.Device.Starlink.Port)
	v.SetDefault("device.starlink.timeout", d.Device.Starlink.Timeout)
	v.SetDefault("device.permission_probe_timeout", d.Device.PermissionProbeTimeout)

	v.SetDefault("network.probe_url", d.Network.ProbeURL)
	v.SetDefault("network.tcp_targets", d.Network.TCPTargets)
	v.SetDefault("network.interval", d.Network.Interval)
	v.SetDefault("network.probe_timeout", d.Network.ProbeTimeout)
	v.SetDefault("network.fail_threshold", d.Network.FailThreshold)

	v.SetDefault("zone.db_path", d.Zone.DBPath)
	v.SetDefault("zone.max_distance_km", d.Zone.MaxDistanceKm)
	v.SetDefault("zone.cache_precision", d.Zone.CachePrecision)
	v.SetDefault("zone.seed_file", d.Zone.SeedFile)
	v.SetDefault("zone.cache_ttl", d.Zone.CacheTTL)
	v.SetDefault("zone.cache_max_entries", d.Zone.CacheMaxEntries)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.dynamodb.region", d.Store.DynamoDB.Region)
	v.SetDefault("store.dynamodb.endpoint", d.Store.DynamoDB.Endpoint)
	v.SetDefault("store.dynamodb.locations_table", d.Store.DynamoDB.LocationsTable)
	v.SetDefault("store.dynamodb.vessels_table", d.Store.DynamoDB.VesselsTable)
	v.SetDefault("store.dynamodb.user_vessels_table", d.Store.DynamoDB.UserVesselsTable)
	v.SetDefault("store.dynamodb.vessel_locations_table", d.Store.DynamoDB.VesselLocationsTable)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.retain", d.MQTT.Retain)
	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.publish_timeout", d.MQTT.PublishTimeout)
	v.SetDefault("mqtt.max_per_second", d.MQTT.MaxPerSecond)
	v.SetDefault("mqtt.max_queue_size", d.MQTT.MaxQueueSize)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.auth_key", d.API.AuthKey)
	v.SetDefault("api.cert_file", d.API.CertFile)
	v.SetDefault("api.key_file", d.API.KeyFile)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("log_level %q is not one of trace, debug, info, warn, error", c.LogLevel)
	}

	if strings.TrimSpace(c.UserID) == "" {
		add("user_id is required; records and reconnect flushes are attributed to it")
	}
	if c.Resolver.DeviceTimeout <= 0 {
		add("resolver.device_timeout must be positive")
	}
	if c.Resolver.GracePeriod < 0 {
		add("resolver.grace_period must not be negative")
	}
	if c.Resolver.MaxRetryAttempts < 0 {
		add("resolver.max_retry_attempts must not be negative")
	}
	if c.Watch.PollInterval <= 0 {
		add("watch.poll_interval must be positive")
	}
	if c.Submission.MaxQueueSize < 0 {
		add("submission.max_queue_size must not be negative")
	}
	if c.Network.ProbeURL == "" && len(c.Network.TCPTargets) == 0 {
		add("network needs a probe_url or at least one tcp_targets entry")
	}
	if c.Zone.MaxDistanceKm <= 0 {
		add("zone.max_distance_km must be positive")
	}
	if c.Zone.CachePrecision < 0 || c.Zone.CachePrecision > 6 {
		add("zone.cache_precision must be between 0 and 6")
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite driver")
		}
	case store.DriverDynamoDB:
		if c.Store.DynamoDB.LocationsTable == "" || c.Store.DynamoDB.VesselsTable == "" {
			add("store.dynamodb needs locations_table and vessels_table")
		}
	default:
		add("store.driver %q is not sqlite or dynamodb", c.Store.Driver)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		add("api.port %d is out of range", c.API.Port)
	}
	if (c.API.CertFile == "") != (c.API.KeyFile == "") {
		add("api.cert_file and api.key_file must be set together")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Loader owns a viper instance and the current configuration
type Loader struct {
	v      *viper.Viper
	path   string
	logger *logx.Logger

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader reads path (optional) and the environment. An invalid result is
// an error.
func NewLoader(path string, logger *logx.Logger) (*Loader, error) {
	if logger == nil {
		logger = logx.Nop()
	}
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	l := &Loader{v: v, path: path, logger: logger}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load is a one-shot NewLoader(path).Current()
func Load(path string) (*Config, error) {
	l, err := NewLoader(path, nil)
	if err != nil {
		return nil, err
	}
	return l.Current(), nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the active configuration
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after each successful reload
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch reloads the file whenever it changes. Without a file it does nothing.
func (l *Loader) Watch() {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("configuration file changed", "file", e.Name, "op", e.Op.String())
		if err := l.reload(); err != nil {
			l.logger.Warn("keeping previous configuration", "error", err)
		}
	})
	l.v.WatchConfig()
}

// reload decodes the already re-read viper state; invalid results are rejected
func (l *Loader) reload() error {
	cfg, err := l.decode()
	if err != nil {
		return err
	}

	l.mu.Lock()
	old := l.current
	l.current = cfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	if old != nil && old.LogLevel != cfg.LogLevel {
		l.logger.LogStateChange("config", old.LogLevel, cfg.LogLevel, "log_level", nil)
	}
	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}
