package forest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// TaskRunner decouples task submission from execution. The queue runner
// hands tasks to the background worker pool; the inline runner executes
// synchronously and surfaces failures to its caller, which is what local
// development and tests want.
type TaskRunner interface {
	Submit(ctx context.Context, taskID int64) error
}

// QueueSource lists the ids the scheduler should consider.
type QueueSource interface {
	ListQueuedIDs(ctx context.Context) ([]int64, error)
}

// Dispatcher periodically scans for queued tasks and feeds them to a
// bounded worker pool. The scan is deliberately dumb: it submits every
// queued id and relies on the claim transaction to enforce the one-running
// rule per (participant, tree) pair, so a double submission costs one
// no-op claim.
type Dispatcher struct {
	Queue    QueueSource
	Pipeline *Pipeline
	Logger   *slog.Logger

	// Workers bounds concurrent task runs.
	Workers int
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string

	cron   *cron.Cron
	jobs   chan int64
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Start launches the worker pool and the periodic scan. Blocks only on
// setup errors; call Stop to shut down.
func (d *Dispatcher) Start() error {
	if d.Workers <= 0 {
		d.Workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.jobs = make(chan int64)

	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID := <-d.jobs:
					if err := d.Pipeline.Process(ctx, taskID); err != nil {
						d.Logger.Error("forest task processing failed", "task_id", taskID, "error", err)
					}
				}
			}
		}()
	}

	d.cron = cron.New()
	if _, err := d.cron.AddFunc(d.Schedule, func() { d.scan(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid dispatch schedule %q: %w", d.Schedule, err)
	}
	d.cron.Start()
	d.Logger.Info("forest dispatcher started", "workers", d.Workers, "schedule", d.Schedule)
	return nil
}

// scan enqueues every currently queued task id. Submission blocks until a
// worker is free or shutdown begins, so a long backlog simply stretches
// across scans instead of piling up goroutines.
func (d *Dispatcher) scan(ctx context.Context) {
	ids, err := d.Queue.ListQueuedIDs(ctx)
	if err != nil {
		d.Logger.Error("failed to scan for queued forest tasks", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		case d.jobs <- id:
		}
	}
}

// Stop cancels the workers and any in-flight scan, then waits for both to
// finish. Cancellation comes first: a scan blocked handing work to a busy
// pool only unblocks through the context, so waiting on the cron before
// cancelling would drain the whole backlog one task at a time.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	d.wg.Wait()
}

// Submit offers a task id to the worker pool without waiting for a scan,
// so fresh work starts promptly. When every worker is busy it does
// nothing; the next scheduled scan picks the task up.
func (d *Dispatcher) Submit(ctx context.Context, taskID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.jobs <- taskID:
	default:
	}
	return nil
}

// InlineRunner executes tasks synchronously on the caller's goroutine and
// returns run failures directly instead of handing them to the reporter.
// The failure is still recorded on the task row first.
type InlineRunner struct {
	Pipeline *Pipeline
}

func (r *InlineRunner) Submit(ctx context.Context, taskID int64) error {
	return r.Pipeline.process(ctx, taskID, false)
}
