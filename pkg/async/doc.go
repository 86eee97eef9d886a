// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Goroutines started here recover panics and run under a timeout. Panics and
// unhandled task errors are logged through logrus (see SetLogger).
//
// # Key Types
//
// SafeGo: run one function in a goroutine with a timeout and panic recovery.
//
// WorkerPool: bounded pool of workers. Accepted installs run here so an HTTP
// request can return 202 while the install proceeds. Task errors go to the
// handler given to NewWorkerPoolWithHandler, or the log.
//
//	pool := async.NewWorkerPool(ctx, 4, "plugin install", 10*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
// Lane: a single-goroutine FIFO with a bounded buffer. The runtime monitor keeps
// one lane per plugin so access-log entries and violations of a plugin are
// processed in arrival order without blocking other plugins.
//
//	lane := async.NewLane(ctx, "project-timeline", 256, 5*time.Second)
//	if err := lane.TrySubmit(task); errors.Is(err, async.ErrLaneFull) {
//		// caller decides whether to drop or run inline
//	}
//
// Batch: fan a slice out over a temporary pool and collect the errors.
package async
