package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/config"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/platinummonkey/impromptu/pkg/retriever"
	"github.com/platinummonkey/impromptu/pkg/sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// app carries what every command shares once the configuration is loaded
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	out      io.Writer
	registry *prometheus.Registry
	metrics  *observability.Metrics

	redis     *redis.Client
	telemetry *observability.Telemetry
}

// sources builds the configured package sources in order. Remote sources are
// wrapped with the index cache when it is enabled.
func (a *app) sources(ctx context.Context) ([]registry.Source, error) {
	if len(a.cfg.Packages.Sources) == 0 {
		return nil, errors.New("no package sources configured, set IMPROMPTU_SOURCES or pass --source")
	}

	var sources []registry.Source
	for _, spec := range a.cfg.Packages.Sources {
		var src registry.Source
		switch spec.Kind {
		case config.SourceFile:
			sources = append(sources, registry.NewFileSystemSource(spec.Location, a.logger))
			continue
		case config.SourceHTTP:
			src = registry.NewHTTPSource(spec.Location, &http.Client{Timeout: a.cfg.Registry.HTTPTimeout}, a.logger)
		case config.SourceS3:
			s3src, err := registry.NewS3Source(ctx, registry.S3Config{
				Bucket:       spec.Location,
				Prefix:       spec.Prefix,
				Region:       a.cfg.Registry.S3Region,
				Endpoint:     a.cfg.Registry.S3Endpoint,
				AccessKey:    a.cfg.Registry.S3AccessKey,
				SecretKey:    a.cfg.Registry.S3SecretKey,
				UsePathStyle: a.cfg.Registry.S3UsePathStyle,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			src = s3src
		default:
			return nil, fmt.Errorf("unsupported source kind %q", spec.Kind)
		}

		cached, err := a.cache(ctx, src)
		if err != nil {
			return nil, err
		}
		sources = append(sources, cached)
	}
	return sources, nil
}

func (a *app) cache(ctx context.Context, src registry.Source) (registry.Source, error) {
	if !a.cfg.Registry.CacheEnabled {
		return src, nil
	}
	if a.cfg.Registry.RedisURL != "" && a.redis == nil {
		client, err := registry.NewRedisClient(ctx, a.cfg.Registry.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
	}
	return registry.NewCachingSource(src, registry.CacheConfig{
		Size:    a.cfg.Registry.CacheSize,
		TTL:     a.cfg.Registry.CacheTTL,
		Redis:   a.redis,
		Metrics: a.metrics,
		Logger:  a.logger,
	}), nil
}

func (a *app) retriever(ctx context.Context) (*retriever.Retriever, error) {
	sources, err := a.sources(ctx)
	if err != nil {
		return nil, err
	}
	return retriever.New(sources, retriever.Options{
		PollInterval:      a.cfg.Packages.PollInterval,
		WaitBudget:        a.cfg.Packages.WaitBudget,
		StaleLockAge:      a.cfg.Packages.StaleLockAge,
		StopOnSourceError: a.cfg.Packages.StopOnSourceError,
		Logger:            a.logger,
		Metrics:           a.metrics,
	}), nil
}

func (a *app) discoverer() *sandbox.Discoverer {
	var inspector sandbox.Inspector
	if a.cfg.Sandbox.Isolation == config.IsolationWorker {
		inspector = &sandbox.WorkerInspector{HostDir: a.cfg.Sandbox.HostDir, Logger: a.logger}
	}
	return sandbox.NewDiscoverer(sandbox.Options{
		Inspector:      inspector,
		Workers:        a.cfg.Sandbox.Workers,
		HostDir:        a.cfg.Sandbox.HostDir,
		InspectTimeout: a.cfg.Sandbox.InspectTimeout,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.WithError(err).Warn("Telemetry was not flushed")
	}
}

// lookupCapability finds a registered capability by Module.Name
func lookupCapability(fullName string) (*capability.Descriptor, error) {
	i := strings.LastIndex(fullName, ".")
	if i <= 0 || i == len(fullName)-1 {
		return nil, fmt.Errorf("capability %q must be Module.Name", fullName)
	}
	module, name := fullName[:i], fullName[i+1:]
	for _, d := range capability.Module(module) {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", capability.ErrNotRegistered, fullName)
}
