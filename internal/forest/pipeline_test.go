package forest_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/database"
	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
	"github.com/openphenome/forest-backend-go/internal/repository"
)

// csvWritingRunner plays the external analysis tool: it drops a daily CSV
// into the output folder the parameters point at.
type csvWritingRunner struct {
	csv string
	err error
	ran bool
}

func (r *csvWritingRunner) run(ws *forest.Workspace) error {
	r.ran = true
	if r.err != nil {
		return r.err
	}
	if r.csv == "" {
		return nil
	}
	return os.WriteFile(ws.ResultsCSVPath(), []byte(r.csv), 0o644)
}

func (r *csvWritingRunner) RunJasmine(_ context.Context, ws *forest.Workspace, _ map[string]any) error {
	return r.run(ws)
}
func (r *csvWritingRunner) RunOak(_ context.Context, ws *forest.Workspace, _ map[string]any) error {
	return r.run(ws)
}
func (r *csvWritingRunner) RunSycamore(_ context.Context, ws *forest.Workspace, _ map[string]any) error {
	return r.run(ws)
}
func (r *csvWritingRunner) RunWillow(_ context.Context, ws *forest.Workspace, _ map[string]any) error {
	return r.run(ws)
}

type capturingReporter struct {
	reports []error
}

func (c *capturingReporter) Report(err error, _ forest.TaskTags) {
	c.reports = append(c.reports, err)
}

type pipelineFixture struct {
	db          *sql.DB
	store       objectstore.Store
	tasks       *repository.ForestTaskRepository
	summaries   *repository.SummaryRepository
	runner      *csvWritingRunner
	reporter    *capturingReporter
	pipeline    *forest.Pipeline
	study       *models.Study
	participant *models.Participant
}

func setupPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	store, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	studies := repository.NewStudyRepository(db)
	study := &models.Study{ObjectID: "study-obj", Name: "Pipeline Study", TimezoneName: "UTC"}
	require.NoError(t, studies.CreateStudy(ctx, study))
	participant := &models.Participant{PatientID: "patient1", StudyID: study.ID}
	require.NoError(t, studies.CreateParticipant(ctx, participant))

	tasks := repository.NewForestTaskRepository(db)
	chunks := repository.NewChunkRepository(db)
	summaries := repository.NewSummaryRepository(db)
	runner := &csvWritingRunner{}
	reporter := &capturingReporter{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	pipeline := &forest.Pipeline{
		Tasks:         tasks,
		Participants:  studies,
		Fetcher:       &forest.Fetcher{Chunks: chunks, Store: store, Workers: 2},
		Assembler:     &forest.Assembler{Studies: studies},
		Cache:         &forest.CacheManager{Store: store, Keys: tasks},
		Materializer:  &forest.Materializer{Summaries: summaries},
		Runner:        runner,
		Store:         store,
		Reporter:      reporter,
		Logger:        logger,
		WorkspaceRoot: t.TempDir(),
		ForestVersion: "v9.9-test",
	}

	return &pipelineFixture{
		db: db, store: store, tasks: tasks, summaries: summaries,
		runner: runner, reporter: reporter, pipeline: pipeline,
		study: study, participant: participant,
	}
}

func (f *pipelineFixture) seedChunks(t *testing.T, dataType string, bins ...time.Time) {
	t.Helper()
	ctx := context.Background()
	chunks := repository.NewChunkRepository(f.db)
	for i, bin := range bins {
		key := fmt.Sprintf("raw/%s/%d.csv", dataType, i)
		payload := []byte(fmt.Sprintf("raw sensor payload %d", i))
		require.NoError(t, f.store.Upload(ctx, key, payload))
		require.NoError(t, chunks.Insert(ctx, &models.Chunk{
			ParticipantID: f.participant.ID,
			StudyID:       f.study.ID,
			DataType:      dataType,
			ChunkPath:     key,
			TimeBin:       bin,
			FileSize:      int64(len(payload)),
		}))
	}
}

func (f *pipelineFixture) queueTask(t *testing.T, tree models.ForestTree, externalID string, start, end time.Time) *models.ForestTask {
	t.Helper()
	task := &models.ForestTask{
		ExternalID:    externalID,
		ParticipantID: f.participant.ID,
		ForestTree:    tree,
		DataDateStart: start,
		DataDateEnd:   end,
		Status:        models.TaskStatusQueued,
		ForestOutput:  models.OutputUnknown,
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func TestPipelineEndToEndSuccess(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer,
		start.Add(10*time.Hour), start.Add(30*time.Hour))
	f.runner.csv = "year,month,day,steps,cadence\n2024,3,1,1000,1.4\n2024,3,2,1500,1.6\n"

	task := f.queueTask(t, models.TreeOak, "e2e-1", start, end)
	require.NoError(t, f.pipeline.Process(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "e2e-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, got.Status)
	assert.Equal(t, models.OutputFound, got.ForestOutput)
	assert.Equal(t, "v9.9-test", got.ForestVersion)
	require.NotNil(t, got.TotalFileSize)
	assert.Positive(t, *got.TotalFileSize)
	require.NotNil(t, got.ProcessStartTime)
	require.NotNil(t, got.ProcessDownloadEndTime)
	require.NotNil(t, got.ProcessEndTime)
	assert.NotEmpty(t, got.OutputZipKey)
	assert.Empty(t, got.Stacktrace)

	// summary rows materialized for both output days
	summary, err := f.summaries.Get(context.Background(), f.participant.ID, start)
	require.NoError(t, err)
	require.NotNil(t, summary.Metrics["oak_steps"])
	assert.Equal(t, 1000.0, *summary.Metrics["oak_steps"])
	assert.Equal(t, got.ID, summary.TaskIDs[models.TreeOak])

	// the uploaded archive contains the run's output
	blob, err := f.store.Retrieve(context.Background(), got.OutputZipKey)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	// no workspace left behind
	entries, err := os.ReadDir(f.pipeline.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.True(t, f.runner.ran)
	assert.Empty(t, f.reporter.reports)
}

func TestPipelineNoDataMarksErrorWithoutReporting(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	task := f.queueTask(t, models.TreeWillow, "e2e-nodata", start, start.AddDate(0, 0, 2))

	require.NoError(t, f.pipeline.Process(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "e2e-nodata")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, got.Status)
	assert.Contains(t, got.Stacktrace, "no chunked data found")
	require.NotNil(t, got.ProcessEndTime)
	// an empty window is a business condition, never escalated
	assert.Empty(t, f.reporter.reports)
	assert.False(t, f.runner.ran)
}

func TestPipelineRunnerFailureIsReported(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamGPS, start.Add(2*time.Hour))
	f.runner.err = fmt.Errorf("tree crashed hard")

	task := f.queueTask(t, models.TreeJasmine, "e2e-crash", start, start.AddDate(0, 0, 1))
	require.NoError(t, f.pipeline.Process(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "e2e-crash")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, got.Status)
	assert.Contains(t, got.Stacktrace, "tree crashed hard")
	assert.Equal(t, models.OutputUnknown, got.ForestOutput)
	require.Len(t, f.reporter.reports, 1)
}

func TestPipelineRunWithoutOutputIsOutputNone(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer, start.Add(2*time.Hour))
	// runner succeeds but writes no CSV

	task := f.queueTask(t, models.TreeOak, "e2e-none", start, start.AddDate(0, 0, 1))
	require.NoError(t, f.pipeline.Process(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "e2e-none")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, got.Status)
	assert.Equal(t, models.OutputNone, got.ForestOutput)
}

func TestPipelineSchemaDriftFailsTask(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamAccelerometer, start.Add(2*time.Hour))
	f.runner.csv = "year,month,day,brand_new_column\n2024,3,1,1\n"

	task := f.queueTask(t, models.TreeOak, "e2e-drift", start, start.AddDate(0, 0, 1))
	require.NoError(t, f.pipeline.Process(context.Background(), task.ID))

	got, err := f.tasks.GetByExternalID(context.Background(), "e2e-drift")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, got.Status)
	assert.Contains(t, got.Stacktrace, "brand_new_column")
	// materialization never got to an answer
	assert.Equal(t, models.OutputUnknown, got.ForestOutput)
	assert.Len(t, f.reporter.reports, 1)
}

func TestPipelineJasmineCachePersistsAcrossRuns(t *testing.T) {
	f := setupPipeline(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.seedChunks(t, models.StreamGPS, start.Add(2*time.Hour), start.Add(50*time.Hour))

	// first run: the runner refreshes cache artifacts in its output folder
	cacheRunner := &cacheWritingRunner{payload: "model generation 1"}
	f.pipeline.Runner = cacheRunner

	task1 := f.queueTask(t, models.TreeJasmine, "e2e-cache-1", start, start.AddDate(0, 0, 1))
	require.NoError(t, f.pipeline.Process(context.Background(), task1.ID))

	got1, err := f.tasks.GetByExternalID(context.Background(), "e2e-cache-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, got1.Status)
	assert.Equal(t, "study-obj/forest/all_bv_set.pkl", got1.AllBVSetKey)
	assert.Equal(t, "study-obj/forest/all_memory_dict.pkl", got1.AllMemoryDictKey)

	// second run: the staged cache from run one is visible to the runner
	task2 := f.queueTask(t, models.TreeJasmine, "e2e-cache-2", start.AddDate(0, 0, 2), start.AddDate(0, 0, 2))
	require.NoError(t, f.pipeline.Process(context.Background(), task2.ID))
	assert.Equal(t, "model generation 1", cacheRunner.sawStaged)
}

// cacheWritingRunner writes jasmine cache artifacts and records the staged
// cache content it was handed via the parameter map.
type cacheWritingRunner struct {
	payload   string
	sawStaged string
}

func (r *cacheWritingRunner) RunJasmine(_ context.Context, ws *forest.Workspace, params map[string]any) error {
	if p, ok := params[forest.ParamAllBVSet].(string); ok && p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		r.sawStaged = string(data)
	}
	if err := os.WriteFile(ws.AllBVSetPath(), []byte(r.payload), 0o644); err != nil {
		return err
	}
	return os.WriteFile(ws.AllMemoryDictPath(), []byte(r.payload), 0o644)
}

func (r *cacheWritingRunner) RunOak(context.Context, *forest.Workspace, map[string]any) error {
	return nil
}
func (r *cacheWritingRunner) RunSycamore(context.Context, *forest.Workspace, map[string]any) error {
	return nil
}
func (r *cacheWritingRunner) RunWillow(context.Context, *forest.Workspace, map[string]any) error {
	return nil
}
