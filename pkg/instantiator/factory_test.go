package instantiator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/platinummonkey/impromptu/pkg/retriever"
	"github.com/platinummonkey/impromptu/pkg/sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type calculator interface {
	Calculate(ctx context.Context, a, b int) (int, error)
}

type calculatorPlugin struct {
	capability.Invoker
}

func (c calculatorPlugin) Calculate(ctx context.Context, a, b int) (int, error) {
	return capability.Result[int](c.Call(ctx, "Calculate", a, b))
}

var _ = capability.MustRegister[calculator]("Test.Calculator", "ICalculator", []string{"Calculate"},
	func(inv capability.Invoker) calculator { return calculatorPlugin{inv} })

const (
	additorPackage = "Calculator.Extension.Additor"
	additorType    = "Calculator.Extension.Additor"
	multiplierType = "Calculator.Extension.Additor.Multiplier"
)

const additorModule = `--! module: Calculator.Extension.Additor 1.0.0
local impromptu = require("impromptu")
local abstractions = require("Test.Calculator")

local Additor = impromptu.class("Calculator.Extension.Additor", abstractions.ICalculator)
Additor:constructor({}, function(self) self.bias = 0 end)
Additor:constructor({"int"}, function(self, bias) self.bias = bias end)

function Additor:Calculate(a, b)
  return a + b + self.bias
end

return { Additor = Additor }
`

const multiplierModule = `--! module: Calculator.Extension.Multiplier 1.0.0
local impromptu = require("impromptu")
local abstractions = require("Test.Calculator")

local Multiplier = impromptu.class("Calculator.Extension.Additor.Multiplier", abstractions.ICalculator)
Multiplier:constructor({}, function(self) end)

function Multiplier:Calculate(a, b)
  return a * b
end

return { Multiplier = Multiplier }
`

// countingRetriever counts Retrieve calls and can hold them until released
type countingRetriever struct {
	Retriever
	calls atomic.Int32
	gate  chan struct{}
}

func (r *countingRetriever) Retrieve(ctx context.Context, root, id string, version *pluginkey.Version) (string, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.Retriever.Retrieve(ctx, root, id, version)
}

type countingDiscoverer struct {
	Discoverer
	calls atomic.Int32
	err   error
}

func (d *countingDiscoverer) Discover(ctx context.Context, dir string, c *capability.Descriptor) (*sandbox.Package, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.Discoverer.Discover(ctx, dir, c)
}

type fixture struct {
	retriever  *countingRetriever
	discoverer *countingDiscoverer
	factory    *Factory[calculator]
	metrics    *observability.Metrics
	registry   *prometheus.Registry
}

func publishPackage(t *testing.T, feed *registry.FileSystemSource, id, version string, modules map[string]string) {
	t.Helper()
	payload := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(payload, ModuleDir), 0755))
	for name, src := range modules {
		require.NoError(t, os.WriteFile(filepath.Join(payload, ModuleDir, name), []byte(src), 0644))
	}
	_, err := feed.Publish(payload, id, pluginkey.MustParseVersion(version), registry.FormatTarGz)
	require.NoError(t, err)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	feed := registry.NewFileSystemSource(t.TempDir(), nil)
	publishPackage(t, feed, additorPackage, "1.0.0", map[string]string{
		"additor.lua":    additorModule,
		"multiplier.lua": multiplierModule,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	r := &countingRetriever{Retriever: retriever.New([]registry.Source{feed}, retriever.Options{
		PollInterval: 5 * time.Millisecond,
		WaitBudget:   5 * time.Second,
	})}
	d := &countingDiscoverer{Discoverer: sandbox.NewDiscoverer(sandbox.Options{})}

	f, err := New[calculator](r, d, Options{Root: t.TempDir(), Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return &fixture{retriever: r, discoverer: d, factory: f, metrics: metrics, registry: reg}
}

func TestInstantiate_Calculator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	calc, err := fx.factory.Instantiate(ctx, key)
	require.NoError(t, err)
	sum, err := calc.Calculate(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, sum)

	biased, err := fx.factory.Instantiate(ctx, key, 1)
	require.NoError(t, err)
	sum, err = biased.Calculate(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 16, sum)

	assert.Equal(t, int32(1), fx.retriever.calls.Load())
	assert.Equal(t, int32(1), fx.discoverer.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.InstantiationsTotal.WithLabelValues(observability.PathSlow, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.InstantiationsTotal.WithLabelValues(observability.PathFast, "ok")))
	assert.Equal(t, []string{"", "int"}, fx.factory.Table().Signatures(key))
}

func TestInstantiate_SiblingTypesArePopulated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.factory.Instantiate(ctx, pluginkey.MustNew(additorPackage, "1.0.0", additorType))
	require.NoError(t, err)

	multiplierKey := pluginkey.MustNew(additorPackage, "1.0.0", multiplierType)
	_, ok, err := fx.factory.Table().Lookup(multiplierKey, "")
	require.NoError(t, err)
	assert.True(t, ok)

	calc, err := fx.factory.Instantiate(ctx, multiplierKey)
	require.NoError(t, err)
	product, err := calc.Calculate(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 50, product)

	assert.Equal(t, int32(1), fx.retriever.calls.Load())
	assert.Len(t, fx.factory.Table().Keys(), 2)
}

func TestInstantiate_ConcurrentCallersConverge(t *testing.T) {
	fx := newFixture(t)
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	const callers = 1000
	var wg sync.WaitGroup
	errs := make([]error, callers)
	sums := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			calc, err := fx.factory.Instantiate(ctx, key)
			if err != nil {
				errs[i] = err
				return
			}
			sums[i], errs[i] = calc.Calculate(ctx, 10, 5)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 15, sums[i])
	}
	assert.Equal(t, int32(1), fx.retriever.calls.Load())
	assert.Equal(t, int32(1), fx.discoverer.calls.Load())
}

func TestInstantiate_UnknownSignature(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	_, err := fx.factory.Instantiate(ctx, key, "not an int")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSignature)
	var sigErr *UnknownSignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, key, sigErr.Key)
	assert.Equal(t, "string", sigErr.Signature)

	t.Run("known key", func(t *testing.T) {
		_, err := fx.factory.Instantiate(ctx, key, 1, 2)
		assert.ErrorIs(t, err, ErrUnknownSignature)
	})

	t.Run("type missing from built package", func(t *testing.T) {
		missing := pluginkey.MustNew(additorPackage, "1.0.0", "Calculator.Extension.Additor.Divider")
		_, err := fx.factory.Instantiate(ctx, missing)
		assert.ErrorIs(t, err, ErrUnknownSignature)
	})

	t.Run("nil argument", func(t *testing.T) {
		_, err := fx.factory.Instantiate(ctx, key, nil)
		assert.ErrorIs(t, err, ErrUnknownSignature)
	})

	assert.Equal(t, int32(1), fx.retriever.calls.Load())
}

func TestInstantiate_RetrievalFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	key := pluginkey.MustNew(additorPackage, "2.0.0", additorType)

	_, err := fx.factory.Instantiate(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.ErrorIs(t, err, ErrBuild)
	assert.ErrorIs(t, err, retriever.ErrNotFound)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, StageRetrieve, buildErr.Stage)
	assert.Equal(t, key, buildErr.Key)

	_, err = fx.factory.Instantiate(ctx, key)
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.Equal(t, int32(2), fx.retriever.calls.Load(), "failed builds are retried")
	assert.Equal(t, int32(0), fx.discoverer.calls.Load())
	assert.Equal(t, 0, fx.factory.Table().Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.BuildsTotal.WithLabelValues("failure", StageRetrieve)))
}

func TestInstantiate_BuildLogsCarryTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	fx := newFixture(t)

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	f, err := New[calculator](fx.retriever, fx.discoverer, Options{Root: t.TempDir(), Logger: logger})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Instantiate(context.Background(), pluginkey.MustNew(additorPackage, "2.0.0", additorType))
	require.ErrorIs(t, err, ErrRetrieval)

	var failure map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "Failed to build instantiators" {
			failure = entry
		}
	}
	require.NotNil(t, failure)
	assert.NotEmpty(t, failure["trace_id"])
	assert.NotEmpty(t, failure["span_id"])
}

func TestInstantiate_DiscoveryFailure(t *testing.T) {
	fx := newFixture(t)
	fx.discoverer.err = errors.New("boom")
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	_, err := fx.factory.Instantiate(context.Background(), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuild)
	assert.NotErrorIs(t, err, ErrRetrieval)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, StageDiscover, buildErr.Stage)

	fx.discoverer.err = nil
	calc, err := fx.factory.Instantiate(context.Background(), key)
	require.NoError(t, err)
	sum, err := calc.Calculate(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestInstantiate_CancelledCallerDoesNotAbortBuild(t *testing.T) {
	fx := newFixture(t)
	fx.retriever.gate = make(chan struct{})
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fx.factory.Instantiate(ctx, key)
		done <- err
	}()

	require.Eventually(t, func() bool { return fx.retriever.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(fx.retriever.gate)
	require.Eventually(t, func() bool { return fx.factory.Table().Len() == 2 }, 5*time.Second, 5*time.Millisecond)

	_, err := fx.factory.Instantiate(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.retriever.calls.Load())
}

func TestPrepare(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	additor := pluginkey.MustNew(additorPackage, "1.0.0", additorType)
	multiplier := pluginkey.MustNew(additorPackage, "1.0.0", multiplierType)

	require.NoError(t, fx.factory.Prepare(ctx, additor, multiplier))
	assert.True(t, fx.factory.Table().Built(additor.PackageDirName()))
	assert.Equal(t, 2, fx.factory.Table().Len())

	require.NoError(t, fx.factory.Prepare(ctx, additor))
	calls := fx.retriever.calls.Load()
	assert.LessOrEqual(t, calls, int32(2), "sibling keys may race to build once each")

	_, err := fx.factory.Instantiate(ctx, additor)
	require.NoError(t, err)
	assert.Equal(t, calls, fx.retriever.calls.Load())

	t.Run("failures are joined", func(t *testing.T) {
		err := fx.factory.Prepare(ctx,
			pluginkey.MustNew("Missing.One", "1.0.0", "Missing.One.Type"),
			pluginkey.MustNew("Missing.Two", "1.0.0", "Missing.Two.Type"),
		)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetrieval)
		assert.Contains(t, err.Error(), "Missing.One")
		assert.Contains(t, err.Error(), "Missing.Two")
	})
}

func TestInstantiate_ZeroKey(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.factory.Instantiate(context.Background(), pluginkey.Key{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	type unregistered interface{ Nothing() }

	d := sandbox.NewDiscoverer(sandbox.Options{})
	r := retriever.New(nil, retriever.Options{})

	_, err := New[unregistered](r, d, Options{})
	assert.ErrorIs(t, err, capability.ErrNotRegistered)

	_, err = New[calculator](nil, d, Options{})
	assert.Error(t, err)

	f, err := New[calculator](r, d, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRoot(), f.Root())
	assert.Equal(t, "Test.Calculator.ICalculator", f.Capability().FullName())
}

func TestClose(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	key := pluginkey.MustNew(additorPackage, "1.0.0", additorType)

	calc, err := fx.factory.Instantiate(ctx, key)
	require.NoError(t, err)
	require.NoError(t, fx.factory.Close())
	require.NoError(t, fx.factory.Close())

	_, err = calc.Calculate(ctx, 1, 2)
	assert.ErrorIs(t, err, sandbox.ErrRuntimeClosed)
}
