package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/vesseltrack/pkg/api"
	"github.com/markus-lassfolk/vesseltrack/pkg/config"
	"github.com/markus-lassfolk/vesseltrack/pkg/device"
	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
	"github.com/markus-lassfolk/vesseltrack/pkg/metrics"
	"github.com/markus-lassfolk/vesseltrack/pkg/mqtt"
	"github.com/markus-lassfolk/vesseltrack/pkg/netstatus"
	"github.com/markus-lassfolk/vesseltrack/pkg/pidfile"
	"github.com/markus-lassfolk/vesseltrack/pkg/starlink"
	"github.com/markus-lassfolk/vesseltrack/pkg/store"
	"github.com/markus-lassfolk/vesseltrack/pkg/zone"
)

var (
	configPath = flag.String("config", "/etc/vesseltrack/vesseltrack.yaml", "Path to YAML configuration file")
	pidPath    = flag.String("pid-file", "", "Override PID file path")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "vesseltrackd"
	AppVersion = "1.0.0"

	statusInterval  = time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	bootLogger := logx.NewLogger("info", AppName)
	loader, err := config.NewLoader(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	cfg := loader.Current()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pidPath != "" {
		cfg.PIDFile = *pidPath
	}

	logger := logx.NewLogger(cfg.LogLevel, AppName)
	if err := run(loader, cfg, logger); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(loader *config.Loader, cfg *config.Config, logger *logx.Logger) error {
	pidFile := pidfile.New(cfg.PIDFile)
	if err := pidFile.Create(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting vesseltrack daemon", "version", AppVersion, "pid", os.Getpid(), "pid_file", pidFile.Path())

	override := *logLevel
	loader.OnChange(func(c *config.Config) {
		if override == "" {
			logger.SetLevel(c.LogLevel)
		}
	})
	loader.Watch()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, &cfg.Store, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer backend.Close()

	var zones gps.ZoneClassifier
	classifier, err := zone.Open(&cfg.Zone, logger.WithComponent("zone"))
	if err != nil {
		logger.Warn("Zone classification disabled", "error", err, "db_path", cfg.Zone.DBPath)
	} else {
		defer classifier.Close()
		zones = classifier
	}

	monitor := netstatus.NewMonitor(&cfg.Network, logger.WithComponent("netstatus"))
	identity := gps.StaticIdentity(cfg.UserID)

	geo := device.NewGeolocator(buildSources(cfg, logger), &cfg.Device.Geolocator, logger.WithComponent("device"))
	ipClient, err := gps.NewIPLocationClient(&cfg.IPLocation, logger.WithComponent("ip_location"))
	if err != nil {
		return fmt.Errorf("failed to create IP location client: %w", err)
	}
	resolver := gps.NewResolver(geo, ipClient, &cfg.Resolver, logger.WithComponent("resolver"))
	probe := gps.NewPermissionProbe(geo, geo, cfg.Device.PermissionProbeTimeout, logger.WithComponent("permission"))

	queue := gps.NewSubmissionQueue(backend, zones, monitor, identity, &cfg.Submission, logger.WithComponent("submission"))
	watch := gps.NewWatchController(geo, resolver, queue, monitor, identity, &cfg.Watch, logger.WithComponent("watch"))

	mqttClient := mqtt.NewClient(&cfg.MQTT, logger.WithComponent("mqtt"))
	if cfg.MQTT.Enabled {
		if err := mqttClient.Connect(); err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err)
			// MQTT is optional
		}
		defer mqttClient.Disconnect()
		queue.SetPublisher(mqttClient)
	}

	// the proxy must not call itself, so it only uses the public providers
	proxyCfg := cfg.IPLocation
	proxyCfg.BackendURL = ""
	var proxy api.Locator
	if proxyClient, err := gps.NewIPLocationClient(&proxyCfg, logger.WithComponent("ip_proxy")); err != nil {
		logger.Warn("IP location proxy disabled", "error", err)
	} else {
		proxy = proxyClient
	}

	apiServer := api.NewServer(api.Deps{
		Resolver:   resolver,
		IPLocator:  proxy,
		Permission: probe,
		Queue:      queue,
		Watch:      watch,
		Stats:      resolver,
		Network:    monitor,
		Identity:   identity,
		History:    backend,
	}, &cfg.API, logger.WithComponent("api"))

	metricsServer := metrics.NewServer(metrics.Sources{
		Resolver:  resolver,
		Queue:     queue,
		Watch:     watch,
		Network:   monitor,
		IPLookups: ipClient.Performance(),
	}, logger.WithComponent("metrics"))

	status := probe.CheckStatus(ctx)
	logger.Info("Location capability", "device_support", status.DeviceSupport,
		"permission", status.PermissionState, "high_accuracy", status.HighAccuracyAvailable,
		"sources", geo.Sources())

	watch.Start(ctx,
		func(s gps.Sample) {
			logger.Debug("Position update", "latitude", s.Latitude, "longitude", s.Longitude, "source", s.Source)
		},
		func(err error) {
			logger.Warn("Position watch error", "error", err)
		}, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	if cfg.API.Enabled {
		g.Go(apiServer.Start)
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metricsServer.Start(cfg.Metrics.Addr) })
	}
	g.Go(func() error {
		publishStatus(gctx, mqttClient, watch, queue, resolver, monitor, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		watch.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Stop(sctx); err != nil {
			logger.Warn("API server shutdown failed", "error", err)
		}
		if err := metricsServer.Stop(sctx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
		if n := queue.Pending(); n > 0 && monitor.Online() {
			if err := queue.Flush(sctx, cfg.UserID); err != nil {
				logger.Warn("Final flush failed", "error", err, "pending", n)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("vesseltrack daemon stopped")
	return nil
}

func buildSources(cfg *config.Config, logger *logx.Logger) []device.Source {
	var sources []device.Source
	if cfg.Device.Gpsctl {
		sources = append(sources, device.NewGpsctlSource(nil, logger.WithComponent("gpsctl")))
	}
	if len(cfg.Device.NMEADevices) > 0 {
		sources = append(sources, device.NewNMEASource(cfg.Device.NMEADevices, nil, logger.WithComponent("nmea")))
	}
	if sl := cfg.Device.Starlink; sl.Enabled {
		client := starlink.NewClient(sl.Host, sl.Port, sl.Timeout, logger.WithComponent("starlink"))
		sources = append(sources, device.NewStarlinkSource(client, logger.WithComponent("starlink")))
	}
	return sources
}

// publishStatus mirrors watch and queue state to MQTT until ctx is done
func publishStatus(ctx context.Context, client *mqtt.Client, watch *gps.WatchController,
	queue *gps.SubmissionQueue, resolver *gps.Resolver, monitor *netstatus.Monitor, logger *logx.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := client.PublishWatchState(watch.State(), watch.Mode()); err != nil {
			logger.Debug("Failed to publish watch state", "error", err)
		}
		err := client.PublishStatus(map[string]interface{}{
			"version":  AppVersion,
			"online":   monitor.Online(),
			"pending":  queue.Pending(),
			"queue":    queue.Stats(),
			"resolver": resolver.Stats(),
		})
		if err != nil {
			logger.Debug("Failed to publish status", "error", err)
		}
	}
}
