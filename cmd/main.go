package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/api"
	"outletscheduler/internal/cache/rediscache"
	"outletscheduler/internal/cache/sqlitecache"
	"outletscheduler/internal/clock"
	"outletscheduler/internal/config"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/decision"
	"outletscheduler/internal/ha"
	"outletscheduler/internal/logging"
	"outletscheduler/internal/mqttdevice"
	"outletscheduler/internal/override"
	"outletscheduler/internal/pgsource"
	"outletscheduler/internal/scheduler"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		bootstrap.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), bootstrap)
	if err != nil {
		bootstrap.Fatal("Invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "outletscheduler")
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Scheduler exited with errors", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shutting down gracefully...")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	ban, err := cfg.Ban()
	if err != nil {
		return err
	}
	fallback, err := cfg.Fallback(logger)
	if err != nil {
		return err
	}

	logger.Info("Starting outlet scheduler",
		zap.String("device_id", cfg.DeviceID),
		zap.String("timezone", loc.String()),
		zap.Stringer("ban_window", ban),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.Bool("dry_run", cfg.DryRun))
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no commands will be sent to the device")
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	var remote daylight.RemoteSource
	var eventLog override.Log
	if cfg.Remote.DSN != "" {
		db, err := openDB(ctx, cfg.Remote.DSN, cfg.Remote.Timeout.Std(), logger)
		if err != nil {
			return err
		}
		closers = append(closers, db)
		remote = pgsource.NewSunTimes(db, cfg.Remote.Table, cfg.Remote.Timeout.Std(), loc)
	} else {
		logger.Warn("No remote DSN configured, sun times come from cache or defaults")
	}

	if dsn := cfg.OverrideDSN(); dsn != "" {
		db, err := openDB(ctx, dsn, cfg.OverrideLog.Timeout.Std(), logger)
		if err != nil {
			return err
		}
		closers = append(closers, db)
		eventLog = pgsource.NewEventLog(db, cfg.OverrideLog.Table, cfg.OverrideLog.Timeout.Std(), loc)
	} else {
		logger.Warn("No override log configured, manual toggles are not detected")
	}

	cache, closer, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	device, closer, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	loop := scheduler.New(scheduler.Deps{
		Clock:            clock.NewRealClock(loc),
		Detector:         override.NewDetector(eventLog, cfg.InterruptionDelay.Std(), logger),
		Resolver:         daylight.NewResolver(cache, remote, fallback, cfg.ResolverOptions(), logger),
		Ban:              ban,
		Engine:           decision.NewEngine(ban, cfg.EngineConfig()),
		Actuator:         actuation.NewGateway(device, cfg.DeviceID, cfg.ReadOnly, logger),
		OverrideDeviceID: cfg.OverrideDeviceID(),
	}, logger)

	if cfg.DryRun {
		_, err := loop.Run(ctx, scheduler.SingleCycle)
		return err
	}

	if cfg.API.Port > 0 {
		server := api.NewServer(loop, logger, cfg.API.Port)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer server.Stop()
	}

	_, err = loop.Run(ctx, scheduler.Continuous)
	return err
}

func openDB(ctx context.Context, dsn string, timeout time.Duration, logger *zap.Logger) (*sql.DB, error) {
	db, err := pgsource.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := pgsource.Ping(ctx, db, timeout); err != nil {
		logger.Warn("Database not reachable yet, will retry every cycle", zap.Error(err))
	}
	return db, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (daylight.Cache, io.Closer, error) {
	switch cfg.Cache.Backend {
	case config.CacheSQLite:
		store, err := sqlitecache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite cache", zap.String("path", cfg.Cache.Path))
		return store, store, nil

	case config.CacheRedis:
		store, err := rediscache.Open(ctx, rediscache.Options{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			KeyPrefix: cfg.Cache.KeyPrefix,
			TTL:       cfg.Cache.TTL.Std(),
		})
		if err != nil {
			logger.Error("Redis cache unavailable, running without cache", zap.Error(err))
			return nil, nil, nil
		}
		logger.Info("Using Redis cache", zap.String("addr", cfg.Cache.RedisAddr))
		return store, store, nil

	default:
		logger.Warn("Cache disabled, every stale cycle asks the remote source")
		return nil, nil, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openDevice(cfg *config.Config, logger *zap.Logger) (actuation.Device, io.Closer, error) {
	switch cfg.Device.Kind {
	case config.DeviceMQTT:
		broker, err := mqttdevice.Dial(mqttdevice.BrokerOptions{
			URL:            cfg.Device.MQTTBroker,
			ClientID:       cfg.Device.MQTTClientID,
			Username:       cfg.Device.MQTTUsername,
			Password:       cfg.Device.MQTTPassword,
			ConnectTimeout: cfg.Device.Timeout.Std(),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		outlet := mqttdevice.NewOutlet(broker, cfg.Device.MQTTTopicPrefix, cfg.Device.Timeout.Std(), logger)
		return outlet, closerFunc(func() error {
			err := outlet.Close()
			broker.Disconnect()
			return err
		}), nil

	default:
		if cfg.Device.HAToken == "" {
			return nil, nil, errors.New("HA_TOKEN must be set for the homeassistant device")
		}
		client := ha.NewClient(cfg.Device.HAURL, cfg.Device.HAToken, cfg.Device.Timeout.Std(), logger)
		return client, closerFunc(client.Disconnect), nil
	}
}
