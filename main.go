package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/eddielth/simonair-bridge/command"
	"github.com/eddielth/simonair-bridge/config"
	"github.com/eddielth/simonair-bridge/device"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/metrics"
	"github.com/eddielth/simonair-bridge/mqtt"
	"github.com/eddielth/simonair-bridge/storage"
	"github.com/eddielth/simonair-bridge/telemetry"
	"github.com/eddielth/simonair-bridge/transformer"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	store, db, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	checker, err := deviceChecker(ctx, cfg, db)
	if err != nil {
		return err
	}

	transformers, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		return fmt.Errorf("init transformers: %w", err)
	}

	client, err := mqtt.NewClient(cfg.MQTT)
	if err != nil {
		return err
	}

	coordinator := command.NewCoordinator(client, checker, command.OptionsFromConfig(cfg.MQTT))

	hub := telemetry.NewHub(64)
	latest := telemetry.NewLatest()
	readings, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	go latest.Run(ctx, readings)

	ingestOpts := telemetry.OptionsFromConfig(cfg)
	ingestOpts.Transformer = transformers
	ingestor := telemetry.NewIngestor(checker, store, telemetry.Broadcasters{hub, telemetry.LogBroadcaster{}}, ingestOpts)

	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
	if err := client.Subscribe(topics.DataPattern(), cfg.MQTT.QoS, ingestor.HandleMessage); err != nil {
		return fmt.Errorf("subscribe telemetry: %w", err)
	}
	if err := client.Subscribe(topics.AckPattern(), cfg.MQTT.QoS, coordinator.HandleAck); err != nil {
		return fmt.Errorf("subscribe acks: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newMux(reg, client, coordinator, latest),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http listening on %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server: %v", err)
			}
		}()
	}

	if err := loader.Watch(func(newCfg *config.Config) error {
		if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
			return err
		}
		if err := transformers.Reload(newCfg.Transformers); err != nil {
			return err
		}
		logger.Info("logger level and transformers reloaded; other changes apply after restart")
		return nil
	}); err != nil {
		logger.Warn("config watch disabled: %v", err)
	}

	logger.Info("simonair bridge started, topic prefix %s", topics.Prefix)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown: %v", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown: %v", err)
		}
	}
	client.Disconnect()
	logger.Info("service stopped")
	return nil
}

// openStorage builds the storage fan-out. The returned database is nil when
// no SQL backend is configured.
func openStorage(ctx context.Context, cfg *config.Config) (*storage.Manager, storage.DatabaseStorage, error) {
	manager := storage.NewManager()

	if cfg.Storage.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		manager.AddBackend(fs)
	}

	var db storage.DatabaseStorage
	if cfg.Storage.Database.Enabled {
		var err error
		db, err = storage.NewDatabaseStorage(ctx, cfg.Storage.Database.Type, cfg.Storage.Database.DSN)
		if err != nil {
			manager.Close()
			return nil, nil, fmt.Errorf("init database storage: %w", err)
		}
		manager.AddBackend(db)
	}

	if manager.Len() == 0 {
		logger.Warn("no storage configured, writing readings to ./data")
		fs, err := storage.NewFileStorage("data")
		if err != nil {
			return nil, nil, err
		}
		manager.AddBackend(fs)
	}
	return manager, db, nil
}

// deviceChecker picks the registry: the database when there is one, else the
// static list from the configuration. Static devices are also registered in
// the database.
func deviceChecker(ctx context.Context, cfg *config.Config, db storage.DatabaseStorage) (*device.Checker, error) {
	var registry device.Registry
	switch {
	case db != nil:
		for _, id := range cfg.Devices.Static {
			if err := device.ValidateID(id, cfg.Devices.IDPrefix); err != nil {
				return nil, err
			}
			if err := db.RegisterDevice(ctx, device.Device{ID: id, Active: true}); err != nil {
				return nil, err
			}
		}
		registry = db
	case len(cfg.Devices.Static) > 0:
		registry = device.NewStatic(cfg.Devices.Static...)
	default:
		logger.Warn("no device registry configured, only device id format is checked")
		return device.NewChecker(cfg.Devices.IDPrefix, nil), nil
	}

	if cfg.Devices.CacheTTL > 0 {
		registry = device.NewCached(registry, cfg.Devices.CacheTTL)
	}
	return device.NewChecker(cfg.Devices.IDPrefix, registry), nil
}
