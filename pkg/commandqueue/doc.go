// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the lane's
//   concurrency is raised.
// - Tasks in different lanes may execute concurrently.
// - Resetting a lane rejects its queued tasks; running tasks finish.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	done := queue.Submit(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
//	res := <-done
package commandqueue
