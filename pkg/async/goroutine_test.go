package async

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)
	t.Cleanup(func() { SetLogger(nil) })
	return &buf
}

func TestSafeGo(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"success", func(ctx context.Context) error { return nil }},
		{"error", func(ctx context.Context) error { return errors.New("boom") }},
		{"panic", func(ctx context.Context) error { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan struct{})
			SafeGo(context.Background(), time.Second, tt.name, func(ctx context.Context) error {
				defer close(done)
				return tt.fn(ctx)
			})
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("task did not run")
			}
		})
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	errCh := make(chan error, 1)
	SafeGo(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout not enforced")
	}
}

func TestSafeGo_LogsPanic(t *testing.T) {
	buf := captureLogs(t)
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "exploding", func(ctx context.Context) error {
		defer close(done)
		panic("kaboom")
	})
	<-done

	assert.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("kaboom"))
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPool(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test", time.Second)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return errors.New("task failed")
	}))
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("task panicked")
	}))

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), count.Load())
	assert.Len(t, pool.Errors(), 2)

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolShutDown)
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "stuck", time.Minute)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		return nil
	}))
	time.Sleep(10 * time.Millisecond)

	assert.Error(t, pool.Shutdown(20*time.Millisecond))
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var sum atomic.Int32

	errs := Batch(context.Background(), items, 2, "sum", time.Second, func(ctx context.Context, n int) error {
		sum.Add(int32(n))
		if n%3 == 0 {
			return fmt.Errorf("item %d", n)
		}
		return nil
	})

	assert.Equal(t, int32(21), sum.Load())
	assert.Len(t, errs, 2)
}

func TestMap(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	var inFlight, peak atomic.Int32
	results, errs := Map(context.Background(), items, 2, "square", time.Second, func(ctx context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		switch n {
		case 3:
			return 0, errors.New("three")
		case 4:
			panic("four")
		}
		return n * n, nil
	})

	assert.Equal(t, []int{1, 4, 0, 0, 25}, results)
	require.Len(t, errs, 5)
	assert.NoError(t, errs[0])
	assert.EqualError(t, errs[2], "three")
	assert.ErrorContains(t, errs[3], "panic: four")
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestMap_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	_, errs := Map(ctx, []string{"a", "b"}, 1, "noop", time.Second, func(ctx context.Context, s string) (string, error) {
		calls.Add(1)
		return s, nil
	})

	assert.Equal(t, int32(0), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
