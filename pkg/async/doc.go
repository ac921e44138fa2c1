// Package async provides safe concurrent execution primitives.
//
// SafeGo runs a function in a goroutine with panic recovery and a timeout:
//
//	async.SafeGo(ctx, 30*time.Second, "worker stderr", func(ctx context.Context) error {
//		return drain(ctx, stderr)
//	})
//
// WorkerPool and Batch bound concurrency over a set of tasks, and Map does
// the same while keeping one result per input in input order:
//
//	reports, errs := async.Map(ctx, files, 4, "module inspection", time.Minute,
//		func(ctx context.Context, path string) (*Report, error) {
//			return inspect(ctx, path)
//		})
//
// Panics are recovered and logged through the logger installed with
// SetLogger (logrus standard logger by default).
package async
