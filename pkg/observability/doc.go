// Package observability provides logrus logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes the observability plumbing shared by the retriever,
// sandbox, instantiator and the registry server.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger, err := observability.NewLogger("info", "text", os.Stderr)
//	logger.WithField("package", "Calculator.Extension.Additor.1.0.0").Info("Package extracted")
//
// # Prometheus Metrics
//
// Register metrics on a caller-owned registry:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveInstantiation(observability.PathFast, nil)
//
// A nil *Metrics is valid and records nothing, so components accept it as an
// optional dependency.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(redisClient, feedDir, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	telemetry, err := observability.StartTelemetry(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "impromptu",
//		PackageRoot: cfg.Packages.Root,
//		Isolation:   cfg.Sandbox.Isolation,
//		Command:     "serve",
//	}, logger)
//	defer telemetry.Shutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
package observability
