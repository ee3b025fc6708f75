package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/repository"
)

// ForestTaskService handles forest task business logic
type ForestTaskService struct {
	tasks   *repository.ForestTaskRepository
	studies *repository.StudyRepository
	runner  forest.TaskRunner
	logger  *slog.Logger
}

// NewForestTaskService creates a new forest task service
func NewForestTaskService(tasks *repository.ForestTaskRepository, studies *repository.StudyRepository, runner forest.TaskRunner, logger *slog.Logger) *ForestTaskService {
	return &ForestTaskService{
		tasks:   tasks,
		studies: studies,
		runner:  runner,
		logger:  logger,
	}
}

// CreateTaskRequest carries everything needed to queue one analysis run.
// Overrides may be nil, in which case the tree's defaults apply.
type CreateTaskRequest struct {
	PatientID     string
	ForestTree    models.ForestTree
	DataDateStart string
	DataDateEnd   string
	Overrides     forest.TreeOverrides
}

// CreateTask validates and queues a new forest task, then offers it to the
// runner so it starts without waiting for the next dispatch scan.
func (s *ForestTaskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.ForestTask, error) {
	if !req.ForestTree.Valid() {
		return nil, fmt.Errorf("invalid forest tree: %s", req.ForestTree)
	}

	start, err := time.Parse(models.DateOnly, req.DataDateStart)
	if err != nil {
		return nil, fmt.Errorf("invalid data_date_start: %w", err)
	}
	end, err := time.Parse(models.DateOnly, req.DataDateEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid data_date_end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("data_date_end %s is before data_date_start %s", req.DataDateEnd, req.DataDateStart)
	}

	participant, err := s.studies.GetParticipantByPatientID(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	var params string
	if req.Overrides != nil {
		if params, err = forest.EncodeOverrides(req.ForestTree, req.Overrides); err != nil {
			return nil, err
		}
	}

	task := &models.ForestTask{
		ExternalID:    uuid.NewString(),
		ParticipantID: participant.ID,
		ForestTree:    req.ForestTree,
		DataDateStart: start,
		DataDateEnd:   end,
		Status:        models.TaskStatusQueued,
		Params:        params,
		ForestOutput:  models.OutputUnknown,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := s.runner.Submit(ctx, task.ID); err != nil {
		// the task is queued either way; the dispatcher scan will reach it
		s.logger.Warn("failed to submit task to runner", "task_id", task.ExternalID, "error", err)
	}
	return task, nil
}

// GetTask retrieves a task by its external id.
func (s *ForestTaskService) GetTask(ctx context.Context, externalID string) (*models.ForestTask, error) {
	return s.tasks.GetByExternalID(ctx, externalID)
}

// ListTasks retrieves tasks with optional tree and status filters.
func (s *ForestTaskService) ListTasks(ctx context.Context, tree string, status string, limit, offset int) ([]*models.ForestTask, error) {
	if tree != "" && !models.ForestTree(tree).Valid() {
		return nil, fmt.Errorf("invalid forest tree: %s", tree)
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.tasks.List(ctx, tree, status, limit, offset)
}

// CancelTask cancels a queued task. Running and finished tasks are not
// cancellable.
func (s *ForestTaskService) CancelTask(ctx context.Context, externalID string) error {
	return s.tasks.Cancel(ctx, externalID)
}
