package forest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/models"
)

func TestDispatcherProcessesQueuedTasks(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer, start.Add(2*time.Hour))
	f.runner.csv = "year,month,day,steps\n2024,3,1,500\n"

	f.queueTask(t, models.TreeOak, "disp-1", start, start.AddDate(0, 0, 1))

	d := &forest.Dispatcher{
		Queue:    f.tasks,
		Pipeline: f.pipeline,
		Logger:   f.pipeline.Logger,
		Workers:  2,
		Schedule: "@every 100ms",
	}
	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool {
		got, err := f.tasks.GetByExternalID(context.Background(), "disp-1")
		return err == nil && got.Status == models.TaskStatusSuccess
	}, 10*time.Second, 50*time.Millisecond)

	got, err := f.tasks.GetByExternalID(context.Background(), "disp-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutputFound, got.ForestOutput)
}

func TestDispatcherRejectsBadSchedule(t *testing.T) {
	f := setupPipeline(t)
	d := &forest.Dispatcher{
		Queue:    f.tasks,
		Pipeline: f.pipeline,
		Logger:   f.pipeline.Logger,
		Schedule: "not a schedule",
	}
	require.Error(t, d.Start())
}

func TestInlineRunnerReturnsProcessingErrors(t *testing.T) {
	f := setupPipeline(t)
	runner := &forest.InlineRunner{Pipeline: f.pipeline}

	// a task id that does not exist surfaces as an error to the caller
	err := runner.Submit(context.Background(), 99999)
	require.Error(t, err)
}

func TestInlineRunnerSurfacesRunFailuresWithoutReporting(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamGPS, start.Add(2*time.Hour))
	f.runner.err = fmt.Errorf("tree crashed hard")

	task := f.queueTask(t, models.TreeJasmine, "inline-crash", start, start.AddDate(0, 0, 1))
	runner := &forest.InlineRunner{Pipeline: f.pipeline}
	err := runner.Submit(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tree crashed hard")

	// the failure is still recorded on the row, but the inline caller got
	// the error instead of the reporter
	got, err2 := f.tasks.GetByExternalID(context.Background(), "inline-crash")
	require.NoError(t, err2)
	assert.Equal(t, models.TaskStatusError, got.Status)
	assert.Empty(t, f.reporter.reports)
}

func TestInlineRunnerReturnsNoDataToCaller(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	task := f.queueTask(t, models.TreeWillow, "inline-nodata", start, start.AddDate(0, 0, 1))

	runner := &forest.InlineRunner{Pipeline: f.pipeline}
	err := runner.Submit(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, forest.ErrNoData)
	assert.Empty(t, f.reporter.reports)
}

// stuckRunner holds every run open until its context is cancelled.
type stuckRunner struct {
	started chan struct{}
}

func (r *stuckRunner) run(ctx context.Context) error {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *stuckRunner) RunJasmine(ctx context.Context, _ *forest.Workspace, _ map[string]any) error {
	return r.run(ctx)
}
func (r *stuckRunner) RunOak(ctx context.Context, _ *forest.Workspace, _ map[string]any) error {
	return r.run(ctx)
}
func (r *stuckRunner) RunSycamore(ctx context.Context, _ *forest.Workspace, _ map[string]any) error {
	return r.run(ctx)
}
func (r *stuckRunner) RunWillow(ctx context.Context, _ *forest.Workspace, _ map[string]any) error {
	return r.run(ctx)
}

func TestDispatcherStopInterruptsBlockedScan(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer, start.Add(2*time.Hour))

	blocker := &stuckRunner{started: make(chan struct{}, 1)}
	f.pipeline.Runner = blocker
	for i := 0; i < 5; i++ {
		f.queueTask(t, models.TreeOak, fmt.Sprintf("stop-%d", i), start, start.AddDate(0, 0, 1))
	}

	d := &forest.Dispatcher{
		Queue:    f.tasks,
		Pipeline: f.pipeline,
		Logger:   f.pipeline.Logger,
		Workers:  1,
		Schedule: "@every 50ms",
	}
	require.NoError(t, d.Start())

	// wait until the single worker is wedged inside a run, then let a scan
	// pick up the backlog and block handing over the next id
	<-blocker.started
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop while a scan was blocked on a busy pool")
	}
}

func TestInlineRunnerRunsSynchronously(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer, start.Add(2*time.Hour))
	f.runner.csv = "year,month,day,steps\n2024,3,1,500\n"

	task := f.queueTask(t, models.TreeOak, "inline-1", start, start.AddDate(0, 0, 1))
	runner := &forest.InlineRunner{Pipeline: f.pipeline}
	require.NoError(t, runner.Submit(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "inline-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, got.Status)
}
