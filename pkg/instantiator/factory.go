package instantiator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/platinummonkey/impromptu/pkg/async"
	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/platinummonkey/impromptu/pkg/sandbox"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("impromptu/instantiator")

const (
	// DefaultRootName is the directory under the user cache dir holding
	// extracted packages
	DefaultRootName = "ImpromptuPackages"

	// ModuleDir is the directory inside a package holding its modules
	ModuleDir = "impromptu"

	// DefaultPrepareWorkers bounds concurrent builds in Prepare
	DefaultPrepareWorkers = 4

	// DefaultPrepareTimeout bounds each build started by Prepare
	DefaultPrepareTimeout = 5 * time.Minute
)

// DefaultRoot returns the default package root
func DefaultRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, DefaultRootName)
}

// Retriever makes a package available locally and returns its directory
type Retriever interface {
	Retrieve(ctx context.Context, root, packageID string, version *pluginkey.Version) (string, error)
}

// Discoverer finds the types implementing a capability in a module directory
type Discoverer interface {
	Discover(ctx context.Context, dir string, c *capability.Descriptor) (*sandbox.Package, error)
}

// Options configures a Factory
type Options struct {
	// Root holds extracted packages, default DefaultRoot()
	Root string

	PrepareWorkers int
	PrepareTimeout time.Duration

	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Factory creates plugin instances implementing T by key. The package
// behind a key is retrieved and discovered once; afterwards every
// constructor of every type found in it is served from the table.
type Factory[T any] struct {
	retriever  Retriever
	discoverer Discoverer
	capability *capability.Descriptor
	root       string
	table      *Table[T]
	group      singleflight.Group
	prepare    Options

	mu       sync.Mutex
	packages []*sandbox.Package
	closed   bool

	logger  *logrus.Logger
	metrics *observability.Metrics
}

// New creates a factory for T, which must be a registered capability
func New[T any](r Retriever, d Discoverer, opts Options) (*Factory[T], error) {
	if r == nil || d == nil {
		return nil, errors.New("retriever and discoverer are required")
	}
	c, err := capability.Lookup[T]()
	if err != nil {
		return nil, err
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot()
	}
	if opts.PrepareWorkers <= 0 {
		opts.PrepareWorkers = DefaultPrepareWorkers
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = DefaultPrepareTimeout
	}
	return &Factory[T]{
		retriever:  r,
		discoverer: d,
		capability: c,
		root:       opts.Root,
		table:      NewTable[T](),
		prepare:    opts,
		logger:     observability.OrDefault(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// Capability returns the descriptor of T
func (f *Factory[T]) Capability() *capability.Descriptor {
	return f.capability
}

// Root returns the package root directory
func (f *Factory[T]) Root() string {
	return f.root
}

// Table returns the factory's instantiator table
func (f *Factory[T]) Table() *Table[T] {
	return f.table
}

// Instantiate constructs the type named by key with args. The first call for
// a package retrieves and discovers it; concurrent callers for the same key
// share that work. A failed build is not remembered.
func (f *Factory[T]) Instantiate(ctx context.Context, key pluginkey.Key, args ...interface{}) (T, error) {
	var zero T
	if key.IsZero() {
		return zero, errors.New("instantiate: zero key")
	}
	sig := SignatureHash(args...)

	inv, ok, err := f.table.Lookup(key, sig)
	if err != nil {
		f.metrics.ObserveInstantiation(observability.PathFast, err)
		return zero, err
	}
	if ok {
		v, err := inv(ctx, args...)
		f.metrics.ObserveInstantiation(observability.PathFast, err)
		return v, err
	}

	v, err := f.instantiateSlow(ctx, key, sig, args)
	f.metrics.ObserveInstantiation(observability.PathSlow, err)
	return v, err
}

func (f *Factory[T]) instantiateSlow(ctx context.Context, key pluginkey.Key, sig string, args []interface{}) (T, error) {
	var zero T

	if err := f.awaitBuild(ctx, key); err != nil {
		return zero, err
	}

	inv, ok, err := f.table.Lookup(key, sig)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, &UnknownSignatureError{Key: key, Signature: sig}
	}
	return inv(ctx, args...)
}

// awaitBuild joins or starts the build for key. The build outlives a
// cancelled caller so that other callers still get it.
func (f *Factory[T]) awaitBuild(ctx context.Context, key pluginkey.Key) error {
	buildCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key.String(), func() (interface{}, error) {
		return nil, f.build(buildCtx, key)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Prepare builds the packages behind keys ahead of their first Instantiate.
// Keys whose package is already built are skipped. Failures are joined.
func (f *Factory[T]) Prepare(ctx context.Context, keys ...pluginkey.Key) error {
	errs := async.Batch(ctx, keys, f.prepare.PrepareWorkers, "instantiator prepare", f.prepare.PrepareTimeout,
		func(ctx context.Context, key pluginkey.Key) error {
			if key.IsZero() || f.table.Built(key.PackageDirName()) {
				return nil
			}
			return f.awaitBuild(ctx, key)
		})
	return errors.Join(errs...)
}

// build retrieves and discovers key's package and merges its invokers
func (f *Factory[T]) build(ctx context.Context, key pluginkey.Key) (err error) {
	if f.table.Built(key.PackageDirName()) {
		return nil
	}

	ctx, span := tracer.Start(ctx, "instantiator.Build")
	defer span.End()
	span.SetAttributes(
		attribute.String("key", key.String()),
		attribute.String("capability", f.capability.FullName()),
	)

	logger := observability.WithTraceContext(ctx, f.logger).WithFields(logrus.Fields{
		"key":     key.String(),
		"package": key.PackageDirName(),
	})

	start := time.Now()
	stage := ""
	defer func() {
		f.metrics.ObserveBuild(stage, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WithError(err).Warn("Failed to build instantiators")
		}
	}()

	stage = StageRetrieve
	version := key.ParsedVersion()
	dir, err := f.retriever.Retrieve(ctx, f.root, key.PackageID(), &version)
	if err != nil {
		return &BuildError{Key: key, Stage: stage, Err: err}
	}

	stage = StageDiscover
	pkg, err := f.discoverer.Discover(ctx, filepath.Join(dir, ModuleDir), f.capability)
	if err != nil {
		return &BuildError{Key: key, Stage: stage, Err: err}
	}

	stage = StageCompile
	entries, err := f.compile(key, pkg)
	if err != nil {
		pkg.Close()
		return &BuildError{Key: key, Stage: stage, Err: err}
	}

	if err := f.keep(pkg); err != nil {
		return &BuildError{Key: key, Stage: stage, Err: err}
	}
	added := f.table.Merge(key.PackageDirName(), entries)
	stage = ""

	span.SetAttributes(attribute.Int("types", len(pkg.Types)))
	logger.WithFields(logrus.Fields{
		"types":      len(pkg.Types),
		"signatures": added,
		"duration":   time.Since(start),
	}).Info("Built instantiators")
	return nil
}

// compile creates one invoker per public constructor of every type in pkg
func (f *Factory[T]) compile(key pluginkey.Key, pkg *sandbox.Package) (map[pluginkey.Key]map[string]Invoker[T], error) {
	entries := make(map[pluginkey.Key]map[string]Invoker[T], len(pkg.Types))
	for _, t := range pkg.Types {
		typeKey, err := key.WithTypeName(t.FullName)
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", t.FullName, err)
		}
		bySig := make(map[string]Invoker[T], len(t.Constructors))
		for _, ctor := range t.Constructors {
			bySig[ctor.Signature] = f.invoker(ctor)
		}
		entries[typeKey] = bySig
	}
	return entries, nil
}

func (f *Factory[T]) invoker(ctor *sandbox.Constructor) Invoker[T] {
	return func(ctx context.Context, args ...interface{}) (T, error) {
		var zero T
		obj, err := ctor.New(ctx, args...)
		if err != nil {
			return zero, err
		}
		return capability.Bind[T](f.capability, obj)
	}
}

func (f *Factory[T]) keep(pkg *sandbox.Package) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		pkg.Close()
		return errors.New("factory is closed")
	}
	f.packages = append(f.packages, pkg)
	return nil
}

// Close releases every package runtime. Instances created by the factory
// stop working.
func (f *Factory[T]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, pkg := range f.packages {
		if err := pkg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.packages = nil
	return errors.Join(errs...)
}
