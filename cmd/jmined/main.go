// Package main implements jmined, the Juno Cash mining integration
// daemon: it serves the node's miner RPC surface, supervises the p2pool
// sidecar, and optionally mines against a p2pool instance itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/junocash/jmined/internal/auxpow"
	"github.com/junocash/jmined/internal/chain"
	"github.com/junocash/jmined/internal/config"
	"github.com/junocash/jmined/internal/database"
	"github.com/junocash/jmined/internal/database/influx"
	"github.com/junocash/jmined/internal/database/postgres"
	"github.com/junocash/jmined/internal/database/redis"
	"github.com/junocash/jmined/internal/messaging"
	"github.com/junocash/jmined/internal/miner"
	"github.com/junocash/jmined/internal/minerdata"
	"github.com/junocash/jmined/internal/pool"
	"github.com/junocash/jmined/internal/process"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/internal/rpcserver"
	"github.com/junocash/jmined/pkg/log"
)

const snapshotRefreshInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jmined",
		"version", cfg.Version,
		"mining", cfg.MiningEnabled,
		"rpc_listen", cfg.RPCListenAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Node connection
	chainClient, err := chain.NewRPCClient(cfg.ChainRPCHost, cfg.ChainRPCPort,
		cfg.ChainRPCUser, cfg.ChainRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create chain RPC client")
		os.Exit(1)
	}
	defer chainClient.Close()

	// PoW engine. Fast mode falls back to light when the scratchpad
	// allocation fails (memory-constrained hosts).
	mode, _ := randomx.ParseMode(cfg.HashMode)
	engine, err := randomx.NewEngine(mode)
	if err != nil && mode == randomx.ModeFast {
		logger.WithError(err).Warn("fast mode unavailable, falling back to light")
		engine, err = randomx.NewEngine(randomx.ModeLight)
	}
	if err != nil {
		logger.WithError(err).Error("failed to initialize PoW engine")
		os.Exit(1)
	}

	// Storage backends (all optional)
	dbManager, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect storage backends")
		os.Exit(1)
	}
	defer func() {
		_ = dbManager.Close()
	}()
	dbManager.StartPeriodicTasks(ctx)

	var seedCache randomx.SeedCache
	var deduper miner.Deduper
	if dbManager.Redis != nil {
		seedCache = dbManager.Redis
		deduper = dbManager.Redis
	}
	var metrics miner.MetricsSink
	if dbManager.Influx != nil {
		metrics = dbManager.Influx
	}

	seeds := randomx.NewSeedManager(chainClient, seedCache)

	// Event sinks (all optional): kafka stream plus postgres history.
	var sinks []miner.EventPublisher
	if cfg.KafkaEnabled {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			_ = kafkaClient.Close()
		}()
		publisher := messaging.NewEventPublisher(kafkaClient, logger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	if dbManager.Shares != nil {
		sinks = append(sinks, database.NewEventRecorder(dbManager, logger))
	}
	var events miner.EventPublisher
	if len(sinks) > 0 {
		events = &eventFanout{sinks: sinks}
	}

	// Miner data service behind the RPC surface
	service := minerdata.NewService(chainClient, seeds, engine,
		auxpow.NewAggregator(nil), logger)
	if err := service.Refresh(ctx); err != nil {
		logger.WithError(err).Warn("initial snapshot refresh failed, will retry")
	}

	// Mining loop (optional)
	var coordinator *miner.Coordinator
	var poolClient *pool.Client
	if cfg.MiningEnabled {
		poolClient = pool.NewClient(cfg.PoolURL, cfg.PayoutAddress, logger)
		coordinator = miner.New(poolClient, engine, &miner.Config{
			Workers:          cfg.Workers,
			PollInterval:     cfg.PollInterval,
			StaleTimeout:     cfg.StaleTimeout,
			HashrateInterval: cfg.HashrateInterval,
		}, logger, events, deduper, metrics)

		go func() {
			if err := coordinator.Run(ctx); err != nil {
				logger.WithError(err).Error("mining coordinator stopped")
				cancel()
			}
		}()
	}

	// Tip notifications drive both snapshot refresh and template repolls.
	refresher := newRefresher(service, coordinator, logger)
	go refresher.run(ctx)

	notifier, err := chain.NewTipNotifier(cfg.ChainZMQAddr, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create ZMQ notifier")
		os.Exit(1)
	}
	if err := notifier.Connect(); err != nil {
		logger.WithError(err).Error("failed to connect ZMQ notifier")
		os.Exit(1)
	}
	defer func() {
		_ = notifier.Close()
	}()
	go func() {
		if err := notifier.Listen(ctx, refresher); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("ZMQ listener stopped")
		}
	}()

	// Sidecar status is polled lazily through /stats; the monitor caches
	// so RPC traffic cannot hammer the sidecar.
	var poolStatus *process.StatusMonitor
	if cfg.P2PoolBinaryPath != "" {
		poolStatus = process.NewStatusMonitor(cfg.P2PoolStratumAddr, logger)
	}

	// Miner RPC server
	server := rpcserver.New(&rpcserver.Config{
		ListenAddr:   cfg.RPCListenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, service, logger)
	if coordinator != nil {
		server.WithMinerStats(coordinator)
	}
	if poolClient != nil {
		server.WithPoolBreaker(poolClient)
	}
	if poolStatus != nil {
		server.WithPoolStatus(poolStatus)
	}
	server.WithHealthCheck(dbManager.Health)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("RPC server failed")
			cancel()
		}
	}()

	// P2Pool sidecar (optional)
	var supervisor *process.Supervisor
	if cfg.P2PoolBinaryPath != "" {
		supervisor = process.NewSupervisor(&process.Config{
			BinaryPath:  cfg.P2PoolBinaryPath,
			LogPath:     cfg.P2PoolLogPath,
			Host:        cfg.ChainRPCHost,
			RPCPort:     cfg.ChainRPCPort,
			RPCUser:     cfg.ChainRPCUser,
			RPCPassword: cfg.ChainRPCPassword,
			Wallet:      cfg.PayoutAddress,
			StratumAddr: cfg.P2PoolStratumAddr,
			LightMode:   cfg.P2PoolLightMode,
		}, logger)

		go func() {
			if err := supervisor.Start(ctx); err != nil {
				logger.WithError(err).Error("p2pool supervisor stopped")
			}
		}()
	}

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down after fatal error")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("RPC server shutdown failed")
	}
	if supervisor != nil {
		supervisor.Stop()
	}

	logger.Info("jmined stopped")
}

// databaseConfig translates enabled storage settings into backend configs.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}

	if cfg.PostgresEnabled {
		dbCfg.Postgres = &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDatabase,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisEnabled {
		dbCfg.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxEnabled {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbCfg
}

// eventFanout delivers each mining event to every configured sink.
type eventFanout struct {
	sinks []miner.EventPublisher
}

func (f *eventFanout) PublishTemplateSwitch(ctx context.Context, height int64, prevHash string, reason string) {
	for _, sink := range f.sinks {
		sink.PublishTemplateSwitch(ctx, height, prevHash, reason)
	}
}

func (f *eventFanout) PublishShare(ctx context.Context, share *miner.Share, status pool.ShareStatus, message string) {
	for _, sink := range f.sinks {
		sink.PublishShare(ctx, share, status, message)
	}
}

func (f *eventFanout) PublishHealth(ctx context.Context, state string, detail string) {
	for _, sink := range f.sinks {
		sink.PublishHealth(ctx, state, detail)
	}
}

// refresher coalesces tip and mempool notifications into snapshot
// refreshes. A cap-1 channel means a burst of transactions costs one
// rebuild, not one per notification.
type refresher struct {
	service     *minerdata.Service
	coordinator *miner.Coordinator // may be nil
	logger      *log.Logger
	kick        chan struct{}
}

func newRefresher(service *minerdata.Service, coordinator *miner.Coordinator,
	logger *log.Logger) *refresher {
	return &refresher{
		service:     service,
		coordinator: coordinator,
		logger:      logger.WithComponent("refresher"),
		kick:        make(chan struct{}, 1),
	}
}

// OnNewBlock implements chain.TipHandler.
func (r *refresher) OnNewBlock(hash chainhash.Hash) {
	r.logger.Debug("new block", "hash", hash.String())
	r.request()
	if r.coordinator != nil {
		r.coordinator.OnNewBlock(hash)
	}
}

// OnNewTx implements chain.TipHandler.
func (r *refresher) OnNewTx(_ chainhash.Hash) {
	r.request()
}

func (r *refresher) request() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *refresher) run(ctx context.Context) {
	ticker := time.NewTicker(snapshotRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		case <-ticker.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.service.Refresh(refreshCtx); err != nil {
			r.logger.WithError(err).Warn("snapshot refresh failed")
		}
		cancel()
	}
}
