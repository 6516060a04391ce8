// Package main implements the entry point for the vehiclestream collector.
// vehiclestream reads vehicle data from CAN, GPS and OBD-II interfaces,
// folds it into periodic snapshots and publishes them to MQTT, Meshtastic,
// NATS and Traccar.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/c360/vehiclestream/aggregator"
	"github.com/c360/vehiclestream/canbus"
	"github.com/c360/vehiclestream/config"
	inputcan "github.com/c360/vehiclestream/input/canbus"
	"github.com/c360/vehiclestream/metric"
	"github.com/c360/vehiclestream/output/mesh"
	"github.com/c360/vehiclestream/output/mqttpub"
	"github.com/c360/vehiclestream/output/natspub"
	"github.com/c360/vehiclestream/output/traccar"
	"github.com/c360/vehiclestream/pkg/buffer"
	"github.com/c360/vehiclestream/pkg/ratelimit"
	"github.com/c360/vehiclestream/service"
	"github.com/c360/vehiclestream/source/gps"
	"github.com/c360/vehiclestream/source/obd"
	"github.com/c360/vehiclestream/telemetry"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "vehiclestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags win over file settings for logging.
	if cliCfg.LogLevel != "" {
		cfg.General.LogLevel = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.General.LogFormat = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.General.LogLevel, cfg.General.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(logger); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	deviceID := cfg.General.DeviceID
	if deviceID == "" {
		deviceID = "veh-" + uuid.NewString()[:8]
		logger.Warn("no device_id configured, generated one for this run", "device_id", deviceID)
	}

	logger.Info("starting vehiclestream",
		"version", Version,
		"device_id", deviceID,
		"interval", cfg.General.ReportInterval.Std())

	registry := metric.NewMetricsRegistry()

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
		logger.Info("metrics server listening", "address", metricsServer.Address())
	}

	supervisor, err := assemble(cfg, deviceID, registry, logger)
	if err != nil {
		return err
	}

	if err := supervisor.Initialize(); err != nil {
		return fmt.Errorf("initialize components: %w", err)
	}

	return runWithSignalHandling(supervisor, cliCfg)
}

// assemble builds every enabled component and registers them with a
// supervisor in dependency order: sources first, sinks next, the
// aggregation loop last.
func assemble(
	cfg *config.Config,
	deviceID string,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*service.Supervisor, error) {
	supervisor := service.New(logger.With("component", "supervisor"), registry)

	var queue buffer.Buffer[telemetry.Sample]
	if cfg.CAN.Enabled {
		catalog := canbus.BuildCatalog(cfg.CAN.Signals, logger)
		listener, err := inputcan.NewListener(inputcan.ListenerDeps{
			Name:            "can-listener",
			Config:          cfg.CAN,
			Catalog:         catalog,
			QueueSize:       cfg.General.QueueSize,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "can-listener"),
		})
		if err != nil {
			return nil, fmt.Errorf("create can listener: %w", err)
		}
		if err := supervisor.Register(listener); err != nil {
			return nil, err
		}
		queue = listener.Samples()
	} else {
		var err error
		queue, err = buffer.NewCircularBuffer[telemetry.Sample](cfg.General.QueueSize)
		if err != nil {
			return nil, fmt.Errorf("create sample queue: %w", err)
		}
	}

	var position aggregator.PositionSource
	if cfg.GPS.Enabled {
		source := gps.New(gps.Deps{
			Port:            cfg.GPS.Port,
			Baud:            cfg.GPS.Baud,
			StaleAfter:      cfg.GPS.StaleAfter.Std(),
			MetricsRegistry: registry,
			Logger:          logger.With("component", "gps"),
		})
		if err := supervisor.Register(source); err != nil {
			return nil, err
		}
		position = source
	}

	var diagnostics aggregator.DiagnosticSource
	if cfg.OBD.Enabled {
		source := obd.New(obd.Deps{
			Port:            cfg.OBD.Port,
			Baud:            cfg.OBD.Baud,
			Commands:        cfg.OBD.Commands,
			QueryTimeout:    cfg.OBD.QueryTimeout.Std(),
			QueryDTCs:       cfg.OBD.QueryDTCs,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "obd"),
		})
		if err := supervisor.Register(source); err != nil {
			return nil, err
		}
		diagnostics = source
	}

	var sinks []aggregator.Sink
	if cfg.MQTT.Enabled {
		sink := mqttpub.New(mqttpub.Deps{
			Broker:          cfg.MQTT.Broker,
			Port:            cfg.MQTT.Port,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TLS:             cfg.MQTT.TLS,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			QoS:             cfg.MQTT.QoS,
			Timeout:         cfg.MQTT.Timeout.Std(),
			DeviceID:        deviceID,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "mqtt"),
		})
		if err := supervisor.Register(sink); err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.Mesh.Enabled {
		sink := mesh.New(mesh.Deps{
			Broker:          cfg.Mesh.Broker,
			Port:            cfg.Mesh.Port,
			Username:        cfg.Mesh.Username,
			Password:        cfg.Mesh.Password,
			TopicRoot:       cfg.Mesh.TopicRoot,
			Channel:         cfg.Mesh.Channel,
			MaxPayload:      cfg.Mesh.MaxPayload,
			DeviceID:        deviceID,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "mesh"),
		})
		if err := supervisor.Register(sink); err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	if cfg.NATS.Enabled {
		sink := natspub.New(natspub.Deps{
			URLs:            cfg.NATS.URLs,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			MaxReconnects:   cfg.NATS.MaxReconnects,
			ReconnectWait:   cfg.NATS.ReconnectWait.Std(),
			DeviceID:        deviceID,
			MetricsRegistry: registry,
			Logger:          logger.With("component", "nats"),
		})
		if err := supervisor.Register(sink); err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	var tracker aggregator.Sink
	var trackerLimiter *ratelimit.Limiter
	if cfg.Traccar.Enabled {
		sink := traccar.New(traccar.Deps{
			ServerURL:       cfg.Traccar.ServerURL,
			DeviceID:        deviceID,
			Timeout:         cfg.Traccar.Timeout.Std(),
			MetricsRegistry: registry,
			Logger:          logger.With("component", "traccar"),
		})
		if err := supervisor.Register(sink); err != nil {
			return nil, err
		}

		limiter, err := ratelimit.New(cfg.Traccar.ReportInterval.Std())
		if err != nil {
			return nil, fmt.Errorf("create traccar rate limiter: %w", err)
		}
		tracker = sink
		trackerLimiter = limiter
	}

	loop := aggregator.New(aggregator.Deps{
		Name:            "aggregator",
		DeviceID:        deviceID,
		Interval:        cfg.General.ReportInterval.Std(),
		Queue:           queue,
		Position:        position,
		Diagnostics:     diagnostics,
		Sinks:           sinks,
		Tracker:         tracker,
		TrackerLimiter:  trackerLimiter,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "aggregator"),
	})
	if err := supervisor.Register(loop); err != nil {
		return nil, err
	}

	return supervisor, nil
}

// runWithSignalHandling starts the supervisor and blocks until SIGINT or
// SIGTERM, then stops everything within the shutdown timeout.
func runWithSignalHandling(supervisor *service.Supervisor, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := supervisor.Start(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("vehiclestream started", "components", supervisor.Components())

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := supervisor.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("vehiclestream shutdown complete")
	return nil
}
