package retriever

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("impromptu/retriever")

const (
	// DefaultPollInterval is how often a waiting caller checks for the directory
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultWaitBudget bounds how long Retrieve waits on another extractor
	DefaultWaitBudget = 30 * time.Second
)

// Options configures a Retriever
type Options struct {
	// PollInterval between directory checks while another extractor runs
	PollInterval time.Duration

	// WaitBudget bounds the extraction wait loop
	WaitBudget time.Duration

	// StaleLockAge is the age after which a marker is considered abandoned.
	// Defaults to twice WaitBudget; negative disables stale lock removal.
	StaleLockAge time.Duration

	// StopOnSourceError stops resolution at the first source that fails
	// with anything other than not-found
	StopOnSourceError bool

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.WaitBudget <= 0 {
		o.WaitBudget = DefaultWaitBudget
	}
	if o.StaleLockAge == 0 {
		o.StaleLockAge = 2 * o.WaitBudget
	}
	o.Logger = observability.OrDefault(o.Logger)
	return o
}

// Retriever resolves packages across sources and extracts them locally
type Retriever struct {
	sources []registry.Source
	opts    Options
	logger  *logrus.Logger
}

// New creates a retriever asking sources in the given order
func New(sources []registry.Source, opts Options) *Retriever {
	opts = opts.withDefaults()
	return &Retriever{
		sources: sources,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Sources returns the configured sources in resolution order
func (r *Retriever) Sources() []registry.Source {
	return r.sources
}

// Retrieve makes packageID available under root and returns its directory.
// A nil version resolves the latest version from the first source that has
// the package at all.
func (r *Retriever) Retrieve(ctx context.Context, root, packageID string, version *pluginkey.Version) (string, error) {
	if !pluginkey.IsValidIdentifier(packageID) {
		return "", &pluginkey.ValidationError{Field: pluginkey.FieldPackageID, Value: packageID}
	}
	if len(r.sources) == 0 {
		return "", ErrNoSources
	}

	requested := "latest"
	if version != nil {
		requested = version.Normalized()
	}

	ctx, span := tracer.Start(ctx, "retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("package.id", packageID),
		attribute.String("package.version", requested),
	)

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create package root: %w", err)
	}

	if version != nil {
		target := filepath.Join(root, pluginkey.DirName(packageID, version.Normalized()))
		if dirExists(target) {
			r.opts.Metrics.ObserveRetrieval(observability.RetrievalCached)
			return target, nil
		}
	}

	pkg, source, err := r.resolve(ctx, packageID, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.opts.Metrics.ObserveRetrieval(observability.RetrievalNotFound)
		} else {
			r.opts.Metrics.ObserveRetrieval(observability.RetrievalError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return "", err
	}

	dir, err := r.materialize(ctx, root, pkg, source)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.opts.Metrics.ObserveRetrieval(observability.RetrievalNotFound)
		} else {
			r.opts.Metrics.ObserveRetrieval(observability.RetrievalError)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return dir, nil
}

// resolve asks each source in order; the first one with a match wins
func (r *Retriever) resolve(ctx context.Context, id string, version *pluginkey.Version) (*registry.Package, registry.Source, error) {
	var sourceErrs []error

	for _, source := range r.sources {
		var (
			pkg *registry.Package
			err error
		)
		if version == nil {
			pkg, err = source.FindLatest(ctx, id)
		} else {
			pkg, err = source.Find(ctx, id, *version)
		}

		switch {
		case err == nil:
			r.logger.WithFields(logrus.Fields{
				"package": pkg.DirName(),
				"source":  source.Name(),
			}).Debug("Resolved package")
			return pkg, source, nil

		case errors.Is(err, registry.ErrNotFound):
			continue

		case ctx.Err() != nil:
			return nil, nil, ctx.Err()

		default:
			err = fmt.Errorf("source %s: %w", source.Name(), err)
			if r.opts.StopOnSourceError {
				return nil, nil, err
			}
			r.logger.WithError(err).WithField("package", id).Warn("Package source failed, trying next")
			sourceErrs = append(sourceErrs, err)
		}
	}

	if len(sourceErrs) > 0 {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", id, errors.Join(sourceErrs...))
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// materialize waits for or performs the extraction of pkg under root
func (r *Retriever) materialize(ctx context.Context, root string, pkg *registry.Package, source registry.Source) (string, error) {
	target := filepath.Join(root, pkg.DirName())
	lockPath := target + ".lock"
	logger := observability.WithTraceContext(ctx, r.logger).WithField("package", pkg.DirName())

	start := time.Now()
	waited := false

	for time.Since(start) < r.opts.WaitBudget {
		if dirExists(target) {
			if waited {
				r.opts.Metrics.ObserveExtractionWait(time.Since(start))
				r.opts.Metrics.ObserveRetrieval(observability.RetrievalWaited)
			} else {
				r.opts.Metrics.ObserveRetrieval(observability.RetrievalCached)
			}
			return target, nil
		}

		m, err := tryLock(lockPath)
		if err != nil {
			return "", err
		}

		if m == nil {
			waited = true
			if removed, err := removeStale(lockPath, r.opts.StaleLockAge); err != nil {
				logger.WithError(err).Warn("Failed to inspect lock marker")
			} else if removed {
				logger.Warn("Removed stale lock marker")
				continue
			}
			if err := sleep(ctx, r.opts.PollInterval); err != nil {
				return "", err
			}
			continue
		}

		extracted, err := r.extractLocked(ctx, root, target, pkg, source, m)
		if err == nil {
			if extracted {
				r.opts.Metrics.ObserveRetrieval(observability.RetrievalExtracted)
				logger.WithField("dir", target).Info("Extracted package")
			} else {
				r.opts.Metrics.ObserveRetrieval(observability.RetrievalCached)
			}
			return target, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		logger.WithError(err).Warn("Package extraction failed, retrying")
		if err := sleep(ctx, r.opts.PollInterval); err != nil {
			return "", err
		}
	}

	if dirExists(target) {
		return target, nil
	}
	return "", fmt.Errorf("%w: %s: %w", ErrNotFound, pkg.DirName(), ErrWaitBudgetExhausted)
}

// extractLocked runs with the marker held and always releases it. It reports
// false when another process finished the directory first.
func (r *Retriever) extractLocked(ctx context.Context, root, target string, pkg *registry.Package, source registry.Source, m *marker) (extracted bool, err error) {
	defer func() {
		if releaseErr := m.release(); releaseErr != nil {
			r.logger.WithError(releaseErr).WithField("marker", m.path).Warn("Failed to remove lock marker")
		}
	}()

	if dirExists(target) {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "retriever.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("package", pkg.DirName()),
		attribute.String("source", source.Name()),
	)

	// target only ever appears through the rename below, so failures clean
	// up staging and never touch target
	staging := filepath.Join(root, "."+pkg.DirName()+"."+uuid.NewString())
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		os.RemoveAll(staging)
	}()

	if err := os.MkdirAll(staging, 0755); err != nil {
		return false, fmt.Errorf("failed to create staging directory: %w", err)
	}

	stop := m.heartbeat(r.heartbeatInterval())
	err = source.Extract(ctx, pkg, staging)
	stop()
	if err != nil {
		return false, fmt.Errorf("failed to extract %s from %s: %w", pkg.DirName(), source.Name(), err)
	}

	if err := os.Rename(staging, target); err != nil {
		if dirExists(target) {
			observability.WithTraceContext(ctx, r.logger).WithField("package", pkg.DirName()).Debug("Package was extracted by another process first")
			return false, nil
		}
		return false, fmt.Errorf("failed to move %s into place: %w", pkg.DirName(), err)
	}

	return true, nil
}

// heartbeatInterval keeps a held marker well inside StaleLockAge
func (r *Retriever) heartbeatInterval() time.Duration {
	if r.opts.StaleLockAge <= 0 {
		return 0
	}
	return r.opts.StaleLockAge / 4
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
