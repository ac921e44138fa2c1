package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newServeCmd(a *app) *cobra.Command {
	var feedDir, port, reindex string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a package feed over HTTP",
		Long: `Serve the archives in a feed directory as an HTTP registry that other hosts
use as an http(s) source. Exposes /metrics and /health endpoints. The
listing is refreshed whenever an archive in the feed changes.

Examples:
  impromptu serve --feed ./feed --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()

			if feedDir != "" {
				a.cfg.Server.FeedDir = feedDir
			}
			if port != "" {
				a.cfg.Server.Port = port
			}
			if reindex != "" {
				a.cfg.Server.ReindexSchedule = reindex
			}
			if a.cfg.Server.FeedDir == "" {
				return errors.New("feed directory is required, set IMPROMPTU_FEED_DIR or pass --feed")
			}
			if err := os.MkdirAll(a.cfg.Server.FeedDir, 0755); err != nil {
				return err
			}

			if a.cfg.Registry.RedisURL != "" {
				var err error
				if a.redis, err = registry.NewRedisClient(ctx, a.cfg.Registry.RedisURL); err != nil {
					return err
				}
			}

			feed := registry.NewFileSystemSource(a.cfg.Server.FeedDir, a.logger)
			server := registry.NewServer(feed, a.metrics, a.logger)
			handler := a.serveHandler(server, cmd.Root().Version)

			httpServer := &http.Server{
				Addr:         a.cfg.Server.Addr(),
				Handler:      handler,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
				IdleTimeout:  a.cfg.Server.IdleTimeout,
			}

			shutdown := observability.NewShutdownManager(a.logger, httpServer, a.cfg.Server.ShutdownTimeout)
			if a.cfg.Server.Watch {
				stop, err := server.Watch()
				if err != nil {
					return err
				}
				shutdown.RegisterShutdownFunc(func(context.Context) error { return stop() })
			}
			if a.cfg.Server.ReindexSchedule != "" {
				scheduler := cron.New()
				if _, err := scheduler.AddFunc(a.cfg.Server.ReindexSchedule, func() {
					a.logger.Debug("Scheduled reindex of package feed")
					server.Invalidate()
				}); err != nil {
					return fmt.Errorf("invalid reindex schedule %q: %w", a.cfg.Server.ReindexSchedule, err)
				}
				scheduler.Start()
				shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
					select {
					case <-scheduler.Stop().Done():
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
			}
			shutdown.RegisterShutdownFunc(a.telemetry.Shutdown)

			serveErr := make(chan error, 1)
			go func() {
				defer observability.RecoverPanic(a.logger, "registry server")
				a.logger.WithField("addr", httpServer.Addr).WithField("feed", feed.Dir()).Info("Serving package feed")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			waitCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := <-serveErr; err != nil {
					a.logger.WithError(err).Error("Registry server failed")
					cancel()
				}
			}()

			if err := shutdown.WaitForShutdown(waitCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&feedDir, "feed", "", "feed directory (default $IMPROMPTU_FEED_DIR)")
	cmd.Flags().StringVar(&port, "port", "", "listen port (default $IMPROMPTU_PORT)")
	cmd.Flags().StringVar(&reindex, "reindex", "", "cron schedule refreshing the feed listing (default $IMPROMPTU_REINDEX_SCHEDULE)")
	return cmd
}

// serveHandler mounts the package API, health checks and metrics
func (a *app) serveHandler(server *registry.Server, versionString string) http.Handler {
	router := server.Router()
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(a.redis, a.cfg.Server.FeedDir, versionString))
	if a.cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(a.registry)).Methods(http.MethodGet)
	}
	return otelhttp.NewHandler(router, "impromptu.registry")
}
