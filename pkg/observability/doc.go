// Package observability provides the process-level logging, Prometheus
// metrics, OpenTelemetry tracing, health probes and graceful shutdown used
// by the plugd server.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	observability.WithTraceContext(ctx, logger.WithField("plugin_id", id)).Info("installed")
//
// # Prometheus Metrics
//
// Metrics implements both lifecycle.Metrics and monitor.Metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	manager := lifecycle.New(..., lifecycle.WithMetrics(metrics))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("archive", false, archive.Ping)
//	observability.RegisterHealthRoutes(router, checker)
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "plugd",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
package observability
