package sandbox

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/platinummonkey/impromptu/pkg/async"
	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("impromptu/sandbox")

// DefaultInspectTimeout bounds the inspection of a single module file
const DefaultInspectTimeout = 30 * time.Second

// Options configures a Discoverer
type Options struct {
	// Inspector defaults to a StateInspector
	Inspector Inspector

	// Workers bounds concurrent inspections, default GOMAXPROCS
	Workers int

	// HostDir is searched for modules required outside any package module
	HostDir string

	InspectTimeout time.Duration

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Discoverer finds implementations of a capability in a directory of modules
type Discoverer struct {
	opts   Options
	logger *logrus.Logger
}

// NewDiscoverer creates a Discoverer
func NewDiscoverer(opts Options) *Discoverer {
	opts.Logger = observability.OrDefault(opts.Logger)
	if opts.Inspector == nil {
		opts.Inspector = &StateInspector{HostDir: opts.HostDir, Logger: opts.Logger}
	}
	if opts.Workers <= 0 {
		opts.Workers = goruntime.GOMAXPROCS(0)
	}
	if opts.InspectTimeout <= 0 {
		opts.InspectTimeout = DefaultInspectTimeout
	}
	return &Discoverer{opts: opts, logger: opts.Logger}
}

// Discover inspects every module file directly in dir, each in isolation,
// then loads the files exporting implementations of c into one package
// runtime. A file that fails to load contributes no types. A missing
// directory yields an empty package.
func (d *Discoverer) Discover(ctx context.Context, dir string, c *capability.Descriptor) (*Package, error) {
	if c == nil {
		return nil, errors.New("capability descriptor is required")
	}

	ctx, span := tracer.Start(ctx, "sandbox.Discover")
	defer span.End()
	span.SetAttributes(
		attribute.String("dir", dir),
		attribute.String("capability", c.FullName()),
	)

	files, err := listModules(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules in %s: %w", dir, err)
	}

	var candidates []moduleFile
	for _, mf := range files {
		if capability.IsModule(mf.Identity) {
			d.logger.WithField("path", mf.Path).Debug("Skipping package copy of a capability module")
			continue
		}
		candidates = append(candidates, mf)
	}

	reports, errs := async.Map(ctx, candidates, d.opts.Workers, "module inspection", d.opts.InspectTimeout,
		func(ctx context.Context, mf moduleFile) (*Report, error) {
			return d.opts.Inspector.Inspect(ctx, mf.Path, c)
		})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg := &Package{Dir: dir, Capability: c}

	var qualified []moduleFile
	for i, mf := range candidates {
		switch {
		case errs[i] != nil:
			d.opts.Metrics.ObserveModuleInspected(observability.InspectFailed)
			d.logger.WithError(errs[i]).WithField("path", mf.Path).Warn("Module failed inspection, skipping")
		case !reports[i].Qualified():
			d.opts.Metrics.ObserveModuleInspected(observability.InspectEmpty)
		default:
			d.opts.Metrics.ObserveModuleInspected(observability.InspectQualified)
			qualified = append(qualified, mf)
		}
	}

	if len(qualified) == 0 {
		d.logger.WithFields(logrus.Fields{
			"dir":        dir,
			"capability": c.FullName(),
			"modules":    len(candidates),
		}).Info("No implementations found")
		return pkg, nil
	}

	pkg.rt = newRuntime(dir, d.opts.HostDir, d.logger)
	for _, mf := range qualified {
		classes, err := pkg.rt.load(ctx, mf, c)
		if err != nil {
			d.logger.WithError(err).WithField("path", mf.Path).Warn("Module failed to load into package runtime, skipping")
			continue
		}
		pkg.addTypes(classes)
	}

	span.SetAttributes(attribute.Int("types", len(pkg.Types)))
	d.logger.WithFields(logrus.Fields{
		"dir":        dir,
		"capability": c.FullName(),
		"types":      len(pkg.Types),
	}).Debug("Discovered implementations")

	return pkg, nil
}
