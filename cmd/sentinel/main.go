// cmd/sentinel/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/api"
	"github.com/FairForge/sentinel/internal/backup"
	"github.com/FairForge/sentinel/internal/config"
	"github.com/FairForge/sentinel/internal/coordinator"
	"github.com/FairForge/sentinel/internal/decision"
	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/lease"
	"github.com/FairForge/sentinel/internal/notify"
	"github.com/FairForge/sentinel/internal/promote"
	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/replication"
	"github.com/FairForge/sentinel/internal/route"
	"github.com/FairForge/sentinel/internal/rto"
	"github.com/FairForge/sentinel/internal/store"
)

func main() {
	configPath := config.GetEnvOrDefault("SENTINEL_CONFIG", "/etc/sentinel/config.yaml")

	boot, _ := zap.NewProduction()
	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Fatal("configuration load failed", zap.String("path", configPath), zap.Error(err))
	}

	level := zap.NewAtomicLevel()
	if parsed, err := zap.ParseAtomicLevel(cfg.Server.LogLevel); err == nil {
		level = parsed
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	logger, err := zapCfg.Build()
	if err != nil {
		boot.Fatal("logger construction failed", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	_ = boot.Sync()

	if dump, err := cfg.Dump(); err == nil {
		logger.Debug("effective configuration", zap.String("config", dump))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores. Without a database the orchestrator still runs, but
	// failover history and the lease do not survive a restart.
	var (
		events  store.EventStore
		backups store.BackupStore
		leases  lease.Store
	)
	if cfg.Database.Host != "" {
		db, err := store.Open(cfg.Database)
		if err != nil {
			logger.Fatal("database connect failed", zap.Error(err))
		}
		defer func() { _ = db.Close() }()

		pg := store.NewPostgres(db)
		if err := pg.CreateTables(ctx); err != nil {
			logger.Fatal("event schema setup failed", zap.Error(err))
		}
		pgLeases := lease.NewPostgresStore(db)
		if err := pgLeases.CreateTables(ctx); err != nil {
			logger.Fatal("lease schema setup failed", zap.Error(err))
		}
		events, backups, leases = pg, pg, pgLeases
	} else {
		logger.Warn("no database configured, using in-memory stores")
		mem := store.NewMemory()
		events, backups = mem, mem
		leases = lease.NewMemoryStore()
	}

	registry, err := region.NewRegistry(cfg.RegionSet())
	if err != nil {
		logger.Fatal("invalid region topology", zap.Error(err))
	}

	// Probe every region health endpoint plus the critical dependent
	// services. Regions without explicit health endpoints fall back to
	// their service endpoint.
	var targets []health.Target
	for _, rc := range cfg.Regions {
		endpoints := rc.HealthEndpoints
		if len(endpoints) == 0 {
			endpoints = []string{rc.Endpoint}
		}
		for _, ep := range endpoints {
			targets = append(targets, health.Target{Region: rc.Name, Endpoint: ep})
		}
	}
	coordCfg := cfg.Coordinator
	for _, dep := range cfg.Dependencies {
		targets = append(targets, health.Target{Region: dep.Name, Endpoint: dep.Endpoint})
	}
	if len(coordCfg.CriticalDependencies) == 0 {
		for _, dep := range cfg.Dependencies {
			coordCfg.CriticalDependencies = append(coordCfg.CriticalDependencies, dep.Name)
		}
	}

	prober := health.NewProber(cfg.Probes, targets, logger)
	aggregator := health.NewAggregator(cfg.Health)

	tracker := replication.NewHTTPTracker(cfg.ControlAPI.BaseURL, cfg.ControlAPI.Timeout)
	var instances []replication.Instance
	for _, r := range registry.HotStandbys() {
		instances = append(instances, replication.Instance{Region: r.Name, InstanceID: r.DatabaseInstanceID})
	}
	monitor := replication.NewMonitor(cfg.Replication, tracker, instances, logger)

	engine := decision.NewEngine(cfg.Decision, decision.DefaultRules(cfg.Decision.DependencyThreshold), logger)
	promoter := promote.NewControlPlanePromoter(cfg.Promotion, cfg.ControlAPI.BaseURL, tracker, logger)
	router := route.NewControlPlaneRouter(cfg.Routing, logger)

	notifier, err := notify.NewNotifier(cfg.Notify.Delivery, cfg.Notify.Channels, logger)
	if err != nil {
		logger.Fatal("notifier setup failed", zap.Error(err))
	}

	rtoTracker, err := rto.NewTracker(cfg.Objectives)
	if err != nil {
		logger.Fatal("invalid recovery objectives", zap.Error(err))
	}

	var verifier *backup.Verifier
	deps := coordinator.Deps{
		Registry:    registry,
		Health:      aggregator,
		Replication: monitor,
		Engine:      engine,
		Leases:      leases,
		Events:      events,
		Promoter:    promoter,
		Router:      router,
		Tracker:     tracker,
		Checker:     coordinator.NewHTTPReadWriteChecker(cfg.ControlAPI.Timeout),
		Reattacher:  promoter,
		Notifier:    notifier,
		RTO:         rtoTracker,
	}
	if cfg.Backup.Enabled {
		source, err := backup.NewS3Source(cfg.Backup.S3, logger)
		if err != nil {
			logger.Fatal("backup source setup failed", zap.Error(err))
		}
		verifier = backup.NewVerifier(source, &backup.DirTarget{Dir: cfg.Backup.ScratchDir},
			backups, cfg.Backup.Verify, logger)
		verifier.SetAnnouncer(notifier, coordCfg.Environment)
		deps.Backups = verifier
	}

	coord, err := coordinator.New(coordCfg, deps, logger)
	if err != nil {
		logger.Fatal("coordinator setup failed", zap.Error(err))
	}

	server := api.NewServer(cfg.Server.Port, coordCfg.Environment, registry, engine,
		aggregator, leases, events, backups, rtoTracker, logger)

	// Hot reload is advisory: apply what can change at runtime and log
	// the rest. Topology and store changes take effect on restart.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if parsed, err := zap.ParseAtomicLevel(next.Server.LogLevel); err == nil {
			level.SetLevel(parsed.Level())
		}
		logger.Info("configuration reloaded",
			zap.String("log_level", next.Server.LogLevel),
			zap.Int("regions", len(next.Regions)))
	}, logger)
	if err != nil {
		logger.Fatal("config watcher setup failed", zap.Error(err))
	}
	go watcher.Run(ctx)

	prober.Start(ctx)
	coord.Feed(ctx, prober.Samples(), aggregator)
	monitor.Start(ctx)
	if verifier != nil {
		verifier.Start(ctx)
	}
	coord.Run(ctx)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("status server failed", zap.Error(err))
		}
	}()

	logger.Info("sentinel started",
		zap.String("environment", coordCfg.Environment),
		zap.String("primary", registry.Primary().Name),
		zap.Int("regions", len(cfg.Regions)),
		zap.Int("port", cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown error", zap.Error(err))
	}

	coord.Stop()
	monitor.Stop()
	prober.Stop()
	if verifier != nil {
		verifier.Stop()
	}
	notifier.Wait()
}
