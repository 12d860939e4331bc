package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/viewbuilder/internal/config"
	"github.com/devrev/pairdb/viewbuilder/internal/gossip"
	"github.com/devrev/pairdb/viewbuilder/internal/health"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/proxy"
	"github.com/devrev/pairdb/viewbuilder/internal/server"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/diskmanager"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"github.com/devrev/pairdb/viewbuilder/internal/viewupdate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("tables", len(cfg.Tables)),
		zap.Int("registration_queue_size", cfg.ViewUpdate.RegistrationQueueSize))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	disk, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Storage.DiskCheckInterval,
		WarningThreshold:        cfg.Storage.WarningThreshold,
		ThrottleThreshold:       cfg.Storage.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Storage.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize disk manager", zap.Error(err))
	}

	// Open base tables and their view tables
	tables := table.NewRegistry()
	var baseTables []viewupdate.StagingTable
	for _, tc := range cfg.Tables {
		schemas := append([]*model.Schema{tc.Schema()}, tc.ViewSchemas()...)
		for i, schema := range schemas {
			tbl, err := table.Open(&table.Config{
				DataDir:       cfg.Storage.DataDir,
				Schema:        schema,
				DiskManager:   disk,
				BloomFilterFP: cfg.Storage.BloomFilterFP,
			}, logger)
			if err != nil {
				logger.Fatal("Failed to open table", zap.String("table", schema.Table.String()), zap.Error(err))
			}
			if err := tables.Add(tbl); err != nil {
				logger.Fatal("Failed to register table", zap.Error(err))
			}
			if i == 0 {
				baseTables = append(baseTables, tbl)
			}
		}
	}

	writerPool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "view-writer",
		MaxWorkers: cfg.ViewUpdate.WriterWorkers,
		QueueSize:  cfg.ViewUpdate.WriterQueueSize,
		Logger:     logger,
	})

	generator := viewupdate.NewGenerator(
		&viewupdate.Config{
			RegistrationQueueSize: cfg.ViewUpdate.RegistrationQueueSize,
			FailureRetryDelay:     cfg.ViewUpdate.FailureRetryDelay,
		},
		proxy.NewLocalViewWriter(tables, writerPool, m, logger),
		viewupdate.SSTableRowReaderFactory{},
		viewupdate.NewViewUpdatingConsumerFactory(cfg.ViewUpdate.RowBatchSize, m, logger),
		m,
		logger,
	)

	// Pick up staging files left behind by a previous run
	registered, err := viewupdate.Rescan(context.Background(), generator, baseTables, logger)
	if err != nil {
		logger.Fatal("Failed to scan staging directories", zap.Error(err))
	}
	logger.Info("Staging directories scanned", zap.Int("registered", registered))

	if err := generator.Start(); err != nil {
		logger.Fatal("Failed to start view update generator", zap.Error(err))
	}

	// Initialize gossip service if enabled
	var gossipSvc *gossip.Service
	var peers server.PeerSource
	var publisher health.StatusPublisher
	if cfg.Gossip.Enabled {
		gossipSvc, err = gossip.NewService(
			&gossip.Config{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			peers = gossipSvc
			publisher = gossipSvc
			logger.Info("Gossip service initialized")
		}
	}

	grpcServer := server.NewGRPCServer(cfg.Server.Host, cfg.Server.Port, 0, logger)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:     cfg.Server.NodeID,
		DataDir:    cfg.Storage.DataDir,
		Disk:       disk,
		Generator:  generator,
		GRPCHealth: grpcServer.Health(),
		Publisher:  publisher,
		Metrics:    m,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Start(ctx)

	adminCfg := &server.AdminServerConfig{
		NodeID:       cfg.Server.NodeID,
		Host:         cfg.Admin.Host,
		Port:         cfg.Admin.Port,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		RateLimit:    cfg.Admin.RateLimit,
		RateBurst:    cfg.Admin.RateBurst,
		MaxBodyBytes: cfg.Admin.MaxBodyBytes,
		MaxRows:      cfg.Admin.MaxRows,
		MetricsPath:  cfg.Metrics.Path,
		Tables:       tables,
		Generator:    generator,
		Health:       checker,
		Peers:        peers,
		Pool:         writerPool,
		Metrics:      m,
	}
	if cfg.Metrics.Enabled {
		adminCfg.Gatherer = reg
	}
	adminServer := server.NewAdminServer(adminCfg, logger)

	if err := grpcServer.Start(); err != nil {
		logger.Fatal("Failed to start gRPC server", zap.Error(err))
	}
	if err := adminServer.Start(); err != nil {
		logger.Fatal("Failed to start admin server", zap.Error(err))
	}

	logger.Info("View builder node started",
		zap.String("grpc_addr", grpcServer.Addr()),
		zap.String("admin_addr", adminServer.Addr()))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))

	checker.SetReadiness(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down admin server", zap.Error(err))
	}

	generator.Stop()
	cancel()
	grpcServer.Stop(cfg.Server.ShutdownTimeout)

	if gossipSvc != nil {
		if err := gossipSvc.Shutdown(); err != nil {
			logger.Error("Failed to leave gossip cluster", zap.Error(err))
		}
	}
	if err := writerPool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Failed to stop view writer pool", zap.Error(err))
	}

	logger.Info("View builder node stopped")
}

// initLogger builds the zap logger from the logging configuration
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
