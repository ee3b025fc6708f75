package forest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
)

// TaskStore is the task persistence surface the pipeline drives.
type TaskStore interface {
	ClaimNext(ctx context.Context, taskID int64, forestVersion string) (*models.ForestTask, error)
	UpdateStatus(ctx context.Context, task *models.ForestTask, status models.TaskStatus) error
	MarkError(ctx context.Context, task *models.ForestTask, stacktrace string) error
	AppendStacktrace(ctx context.Context, task *models.ForestTask, text string) error
	SetTotalFileSize(ctx context.Context, task *models.ForestTask, size int64) error
	SetDownloadEndTime(ctx context.Context, task *models.ForestTask, t time.Time) error
	SetProcessEndTime(ctx context.Context, task *models.ForestTask, t time.Time) error
	SetForestOutput(ctx context.Context, task *models.ForestTask, state models.OutputState) error
	SetAllBVSetKey(ctx context.Context, task *models.ForestTask, key string) error
	SetAllMemoryDictKey(ctx context.Context, task *models.ForestTask, key string) error
	SetOutputZipKey(ctx context.Context, task *models.ForestTask, key string) error
}

// ParticipantStore resolves a task's participant and study.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, id int64) (*models.Participant, error)
	GetStudy(ctx context.Context, id int64) (*models.Study, error)
}

// Pipeline runs claimed forest tasks end to end: download, auxiliary file
// assembly, cache staging, tree execution, result materialization, cache
// and archive upload, workspace cleanup.
type Pipeline struct {
	Tasks        TaskStore
	Participants ParticipantStore
	Fetcher      *Fetcher
	Assembler    *Assembler
	Cache        *CacheManager
	Materializer *Materializer
	Runner       TreeRunner
	Store        objectstore.Store
	Reporter     ErrorReporter
	Logger       *slog.Logger

	WorkspaceRoot string
	ForestVersion string
}

// Process claims and runs the task identified by taskID. A claim that
// yields nothing (the pair already has a runner, or the queue drained) is
// a quiet no-op. Any run failure lands on the task as an error status with
// its stack text and goes to the reporter; Process itself returns an error
// only when even that bookkeeping is impossible.
func (p *Pipeline) Process(ctx context.Context, taskID int64) error {
	return p.process(ctx, taskID, true)
}

// process is the shared execution path. With escalate set, failures are
// handed to the reporter and absorbed; without it they come back to the
// caller instead, which is what the inline runner wants. Either way the
// failure is already recorded on the task row.
func (p *Pipeline) process(ctx context.Context, taskID int64, escalate bool) error {
	task, err := p.Tasks.ClaimNext(ctx, taskID, p.ForestVersion)
	if err != nil {
		return fmt.Errorf("failed to claim task %d: %w", taskID, err)
	}
	if task == nil {
		return nil
	}

	participant, err := p.Participants.GetParticipant(ctx, task.ParticipantID)
	if err != nil {
		return p.failEarly(ctx, task, err, escalate)
	}
	study, err := p.Participants.GetStudy(ctx, participant.StudyID)
	if err != nil {
		return p.failEarly(ctx, task, err, escalate)
	}

	p.Logger.Info("forest task claimed",
		"task_id", task.ExternalID,
		"forest_tree", task.ForestTree,
		"patient_id", participant.PatientID,
		"data_date_start", task.DataDateStart.Format(models.DateOnly),
		"data_date_end", task.DataDateEnd.Format(models.DateOnly),
	)

	started := time.Now()
	runErr := p.runTask(ctx, task, participant, study)
	taskDuration.WithLabelValues(string(task.ForestTree)).Observe(time.Since(started).Seconds())

	if runErr == nil {
		tasksFinished.WithLabelValues(string(task.ForestTree), string(models.TaskStatusSuccess)).Inc()
		p.Logger.Info("forest task succeeded", "task_id", task.ExternalID, "forest_tree", task.ForestTree)
		return nil
	}

	tasksFinished.WithLabelValues(string(task.ForestTree), string(models.TaskStatusError)).Inc()
	switch {
	case errors.Is(runErr, ErrNoData):
		noDataTasks.WithLabelValues(string(task.ForestTree)).Inc()
		p.Logger.Info("forest task found no data", "task_id", task.ExternalID, "forest_tree", task.ForestTree)
	case escalate:
		p.Reporter.Report(runErr, Tags(task, participant, study))
	}
	if escalate {
		return nil
	}
	return runErr
}

// failEarly handles failures that happen before a workspace exists.
func (p *Pipeline) failEarly(ctx context.Context, task *models.ForestTask, cause error, escalate bool) error {
	now := time.Now().UTC()
	if err := p.Tasks.MarkError(ctx, task, cause.Error()); err != nil {
		return err
	}
	if err := p.Tasks.SetProcessEndTime(ctx, task, now); err != nil {
		return err
	}
	tasksFinished.WithLabelValues(string(task.ForestTree), string(models.TaskStatusError)).Inc()
	if escalate {
		return nil
	}
	return cause
}

// runTask executes the claimed task and records its outcome. The returned
// error is the run's failure cause, already persisted on the task; nil
// means success.
func (p *Pipeline) runTask(ctx context.Context, task *models.ForestTask, participant *models.Participant, study *models.Study) (runErr error) {
	ws := NewWorkspace(p.WorkspaceRoot, task, participant, study)

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic during forest task: %v\n%s", r, debug.Stack())
		}

		// Cleanup runs on every path. A workspace that cannot be deleted
		// risks filling the disk for every subsequent task, so that failure
		// is recorded on the task even when the run itself succeeded.
		cleanupErr := ws.Cleanup()

		now := time.Now().UTC()
		if runErr != nil {
			if err := p.Tasks.MarkError(ctx, task, runErr.Error()); err != nil {
				p.Logger.Error("failed to record task error", "task_id", task.ExternalID, "error", err)
			}
			if cleanupErr != nil {
				if err := p.Tasks.AppendStacktrace(ctx, task, cleanupErrorHeader+cleanupErr.Error()); err != nil {
					p.Logger.Error("failed to record cleanup failure", "task_id", task.ExternalID, "error", err)
				}
			}
		} else if cleanupErr != nil {
			runErr = cleanupErr
			if err := p.Tasks.MarkError(ctx, task, cleanupErrorHeader+cleanupErr.Error()); err != nil {
				p.Logger.Error("failed to record cleanup failure", "task_id", task.ExternalID, "error", err)
			}
		} else {
			if err := p.Tasks.UpdateStatus(ctx, task, models.TaskStatusSuccess); err != nil {
				p.Logger.Error("failed to record task success", "task_id", task.ExternalID, "error", err)
			}
		}
		if err := p.Tasks.SetProcessEndTime(ctx, task, now); err != nil {
			p.Logger.Error("failed to record task end time", "task_id", task.ExternalID, "error", err)
		}
	}()

	if err := ws.EnsureFolders(); err != nil {
		return err
	}

	totalBytes, err := p.Fetcher.Fetch(ctx, task, study, ws)
	if err != nil {
		return err
	}
	bytesDownloaded.WithLabelValues(string(task.ForestTree)).Add(float64(totalBytes))
	if err := p.Tasks.SetTotalFileSize(ctx, task, totalBytes); err != nil {
		return err
	}
	if err := p.Tasks.SetDownloadEndTime(ctx, task, time.Now().UTC()); err != nil {
		return err
	}

	if err := p.Assembler.WriteAuxiliaryFiles(ctx, task, study, ws); err != nil {
		return err
	}

	staged, err := p.Cache.Stage(ctx, task, study, ws)
	if err != nil {
		return err
	}

	params, err := BuildParams(ParamInputs{
		Task:              task,
		Study:             study,
		Participant:       participant,
		Workspace:         ws,
		AllBVSetPath:      staged.AllBVSetPath,
		AllMemoryDictPath: staged.AllMemoryDictPath,
	})
	if err != nil {
		return err
	}

	if err := RunTree(ctx, p.Runner, task, ws, params); err != nil {
		return err
	}

	wrote, err := p.Materializer.Materialize(ctx, task, study, ws)
	if err != nil {
		return err
	}
	state := models.OutputNone
	if wrote {
		state = models.OutputFound
	}
	if err := p.Tasks.SetForestOutput(ctx, task, state); err != nil {
		return err
	}

	bvKey, memKey, err := p.Cache.Save(ctx, task, study, ws)
	if err != nil {
		return err
	}
	if bvKey != "" {
		if err := p.Tasks.SetAllBVSetKey(ctx, task, bvKey); err != nil {
			return err
		}
	}
	if memKey != "" {
		if err := p.Tasks.SetAllMemoryDictKey(ctx, task, memKey); err != nil {
			return err
		}
	}

	if err := WriteTaskReport(task, participant, study, ws, totalBytes); err != nil {
		return err
	}
	zipKey, err := UploadOutputArchive(ctx, p.Store, task, study, ws)
	if err != nil {
		return err
	}
	return p.Tasks.SetOutputZipKey(ctx, task, zipKey)
}
