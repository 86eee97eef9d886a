package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/audit"
	"github.com/platinummonkey/plugd/pkg/config"
	"github.com/platinummonkey/plugd/pkg/database"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/monitor"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/registry"
	"github.com/platinummonkey/plugd/pkg/source"
	"github.com/platinummonkey/plugd/pkg/storage"
)

var version = "dev"

func main() {
	port := flag.String("port", "", "Port to listen on (overrides PLUGD_PORT)")
	pluginsDir := flag.String("plugins-dir", "", "Installed plugins directory (overrides PLUGD_PLUGINS_DIR)")
	logLevel := flag.String("log-level", "", "Log level (overrides PLUGD_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *pluginsDir != "" {
		cfg.Lifecycle.PluginsDir = *pluginsDir
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	async.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("plugd stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Registry: PostgreSQL when configured, memory otherwise
	var (
		db  *sql.DB
		reg registry.Registry
	)
	if cfg.Database.PostgresURL != "" {
		db, err = database.OpenPostgres(ctx, database.PostgresConfig{
			URL:      cfg.Database.PostgresURL,
			MaxConns: cfg.Database.PostgresMaxConns,
			Timeout:  cfg.Database.PostgresTimeout,
		})
		if err != nil {
			return err
		}
		pgReg, err := registry.NewPostgresRegistry(db)
		if err != nil {
			return err
		}
		reg = pgReg
		logger.Info("Using PostgreSQL plugin registry")
	} else {
		reg = registry.NewMemoryRegistry()
		logger.Warn("PLUGD_POSTGRES_URL not set, plugin registry is in memory")
	}

	var redisClient *redis.Client
	if cfg.Database.RedisURL != "" {
		redisClient, err = database.OpenRedis(ctx, database.RedisConfig{
			URL:      cfg.Database.RedisURL,
			Password: cfg.Database.RedisPassword,
			DB:       cfg.Database.RedisDB,
			PoolSize: cfg.Database.RedisPoolSize,
		})
		if err != nil {
			return err
		}
	}

	// Audit: bounded memory store serves the API; the database or rotating
	// files keep the durable copy
	memoryAudit := audit.NewMemoryLogger(cfg.Monitor.AuditCapacity)
	var auditStore audit.Store = memoryAudit
	sinks := []audit.Logger{memoryAudit, audit.NewLogrusLogger(logger)}
	if db != nil {
		dbAudit, err := audit.NewDBLogger(db)
		if err != nil {
			return err
		}
		sinks = append(sinks, dbAudit)
		auditStore = dbAudit
	}
	if cfg.Monitor.AuditDir != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.Dir = cfg.Monitor.AuditDir
		fileAudit, err := audit.NewFileLogger(fileCfg, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, fileAudit)
	}
	auditLog := audit.NewMultiLogger(sinks...)
	if cfg.Monitor.AuditQueue > 0 {
		auditLog = audit.NewQueuedMultiLogger(cfg.Monitor.AuditQueue, sinks...)
	}

	archives, err := storage.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to create archive store: %w", err)
	}

	var fetcher source.Fetcher
	if cfg.MirrorDir != "" {
		fetcher = source.NewDirFetcher(cfg.MirrorDir)
		logger.Infof("Serving plugin sources from mirror %s", cfg.MirrorDir)
	} else {
		fetcher, err = source.NewGitHubFetcher(cfg.GitHub, logger)
		if err != nil {
			return err
		}
	}

	validatorOpts := []plugins.ValidatorOption{plugins.WithRepositoryPrefix(cfg.Validation.RepositoryPrefix)}
	if cfg.Validation.HostVersion != "" {
		validatorOpts = append(validatorOpts, plugins.WithHostVersion(cfg.Validation.HostVersion))
	}
	validator := plugins.NewValidator(logger, validatorOpts...)
	scanner := plugins.NewScanner(logger)
	perms := plugins.NewPermissionEngine(reg, 1024, time.Minute, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promRegistry)

	monitorOpts := []monitor.Option{monitor.WithMetrics(metrics)}
	if redisClient != nil {
		monitorOpts = append(monitorOpts, monitor.WithWindow(monitor.NewRedisWindow(redisClient, cfg.Monitor.Policy.Window, "")))
	}
	mon := monitor.New(reg, perms, auditLog, cfg.Monitor.Policy, logger, monitorOpts...)

	lifecycleOpts := []lifecycle.Option{lifecycle.WithAuditLogger(auditLog), lifecycle.WithMetrics(metrics)}
	if archives != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithArchiveStore(archives))
	}
	manager, err := lifecycle.New(reg, fetcher, validator, scanner, perms, mon, cfg.Lifecycle, logger, lifecycleOpts...)
	if err != nil {
		return err
	}
	manager.AddListener(mon)

	if err := manager.Recover(ctx); err != nil {
		logger.WithError(err).Warn("Recovery left some plugins unresolved")
	}

	watcher, err := monitor.NewIntegrityWatcher(reg, mon, cfg.Monitor.IntegrityDebounce, logger)
	if err != nil {
		return err
	}
	manager.AddListener(watcher)
	installed, err := reg.List(ctx, registry.ListFilter{Status: plugins.StatusInstalled})
	if err != nil {
		return err
	}
	for _, rec := range installed {
		if err := watcher.Watch(rec.ID, rec.InstallPath); err != nil {
			logger.WithError(err).Warnf("Failed to watch %s", rec.ID)
		}
	}
	watcher.Start()

	serverOpts := []api.Option{
		api.WithAudit(auditLog, auditStore),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithRouterMiddleware(observability.HTTPMetricsMiddleware(metrics)),
	}
	var (
		bridge  *monitor.Bridge
		buckets *monitor.TokenBucketLimiter
	)
	if cfg.Monitor.HostAPIURL != "" {
		var bridgeOpts []monitor.BridgeOption
		if rate := cfg.Monitor.BridgeRate; rate.CallsPerWindow > 0 {
			var limiter monitor.CallLimiter
			if redisClient != nil {
				limiter = monitor.NewRedisLimiter(redisClient, rate, "plugd:ratelimit")
			} else {
				buckets = monitor.NewTokenBucketLimiter(rate)
				limiter = buckets
			}
			bridgeOpts = append(bridgeOpts, monitor.WithCallLimiter(limiter, rate.Window, mon))
		}
		bridge = monitor.NewBridge(mon, hostForwarder(cfg.Monitor.HostAPIURL, 30*time.Second), cfg.Monitor.BridgeQueue, logger, bridgeOpts...)
		manager.AddListener(bridge)
		serverOpts = append(serverOpts, api.WithBridge(bridge))
	}
	apiServer := api.NewServer(manager, mon, reg, logger, serverOpts...)

	health := observability.NewHealthChecker(db, redisClient, version)
	health.AddCheck("plugins_dir", true, func(ctx context.Context) error {
		_, err := os.Stat(cfg.Lifecycle.PluginsDir)
		return err
	})
	if archives != nil {
		health.AddCheck("archives", false, archives.HealthCheck)
	}
	observability.RegisterHealthRoutes(apiServer.Router(), health)
	if cfg.Observability.MetricsEnabled {
		apiServer.Router().Handle("/metrics", observability.MetricsHandler(promRegistry)).Methods("GET")
	}

	scheduler, err := schedule(cfg, manager, auditStore, reg, metrics, logger)
	if err != nil {
		return err
	}
	laneIdle := cfg.Monitor.Policy.LaneIdle
	if laneIdle <= 0 {
		laneIdle = monitor.DefaultPolicy().LaneIdle
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", laneIdle), func() {
		evicted := mon.EvictIdle()
		if bridge != nil {
			evicted += bridge.EvictIdle(laneIdle)
		}
		if evicted > 0 {
			logger.Debugf("Closed %d idle plugin queues", evicted)
		}
	}); err != nil {
		return fmt.Errorf("invalid lane idle interval: %w", err)
	}
	if buckets != nil {
		every := fmt.Sprintf("@every %s", 2*cfg.Monitor.BridgeRate.Window)
		if _, err := scheduler.AddFunc(every, buckets.Cleanup); err != nil {
			return fmt.Errorf("invalid rate limit window: %w", err)
		}
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("lifecycle", func(ctx context.Context) error {
		return manager.Close(remaining(ctx))
	})
	if bridge != nil {
		shutdown.RegisterShutdownFunc("bridge", func(ctx context.Context) error {
			return bridge.Close(remaining(ctx))
		})
	}
	shutdown.RegisterShutdownFunc("integrity watcher", func(ctx context.Context) error {
		return watcher.Stop()
	})
	shutdown.RegisterShutdownFunc("monitor", func(ctx context.Context) error {
		return mon.Close(remaining(ctx))
	})
	shutdown.RegisterShutdownFunc("audit", func(ctx context.Context) error {
		return auditLog.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc("postgres", func(ctx context.Context) error {
			return db.Close()
		})
	}
	shutdown.RegisterShutdownFunc("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})

	serverErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.Infof("plugd %s listening on %s", version, cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- shutdown.WaitForShutdown()
	}()

	select {
	case err := <-serverErr:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if shutdownErr := shutdown.Shutdown(ctx); shutdownErr != nil {
			logger.WithError(shutdownErr).Error("Shutdown after server failure was incomplete")
		}
		return fmt.Errorf("server failed: %w", err)
	case err := <-shutdownDone:
		return err
	}
}

// schedule registers the periodic jobs. An empty spec disables a job.
func schedule(cfg *config.Config, manager *lifecycle.Manager, auditStore audit.Store, reg registry.Registry,
	metrics *observability.Metrics, logger *logrus.Logger) (*cron.Cron, error) {
	c := cron.New()
	timeout := cfg.Lifecycle.OperationTimeout
	if timeout <= 0 {
		timeout = lifecycle.DefaultOperationTimeout
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"update check", cfg.Schedule.UpdateCheck, func(ctx context.Context) error {
			results, err := manager.CheckUpdates(ctx)
			for _, r := range results {
				logger.Infof("Auto-update of %s: %s (%s)", r.PluginID, r.Outcome, r.Version)
			}
			return err
		}},
		{"staging cleanup", cfg.Schedule.StagingCleanup, func(ctx context.Context) error {
			removed, err := manager.CleanupStaging(cfg.Schedule.StagingMaxAge)
			if removed > 0 {
				logger.Infof("Removed %d stale staging directories", removed)
			}
			return err
		}},
		{"audit cleanup", cfg.Schedule.AuditCleanup, func(ctx context.Context) error {
			if cfg.Schedule.AuditRetention <= 0 {
				return nil
			}
			days := int(cfg.Schedule.AuditRetention / (24 * time.Hour))
			if days < 1 {
				days = 1
			}
			_, err := auditStore.Cleanup(ctx, audit.RetentionPolicy{RetentionDays: days})
			return err
		}},
		{"metrics refresh", cfg.Schedule.MetricsRefresh, func(ctx context.Context) error {
			records, err := reg.List(ctx, registry.ListFilter{})
			if err != nil {
				return err
			}
			metrics.ObservePlugins(records)
			return nil
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		_, err := c.AddFunc(job.spec, func() {
			defer observability.RecoverPanic(logger, "cron: "+job.name)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := job.run(ctx); err != nil {
				logger.WithError(err).Errorf("Scheduled %s failed", job.name)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule: %w", job.name, err)
		}
	}
	return c, nil
}

// remaining converts a shutdown context deadline into a close timeout
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return time.Second
}
