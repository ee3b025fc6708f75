package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openphenome/forest-backend-go/internal/database"
	"github.com/openphenome/forest-backend-go/internal/models"
)

// ForestTaskRepository handles database operations for forest tasks
type ForestTaskRepository struct {
	db *sql.DB
}

// NewForestTaskRepository creates a new forest task repository
func NewForestTaskRepository(db *sql.DB) *ForestTaskRepository {
	return &ForestTaskRepository{db: db}
}

const taskColumns = `
	id, external_id, participant_id, forest_tree, forest_version,
	data_date_start, data_date_end, status, params, total_file_size,
	process_start_time, process_download_end_time, process_end_time,
	stacktrace, forest_output, output_zip_key, all_bv_set_key,
	all_memory_dict_key, created_at, updated_at
`

func scanTask(row interface{ Scan(...any) error }) (*models.ForestTask, error) {
	task := &models.ForestTask{}
	var (
		startDate, endDate          string
		totalFileSize               sql.NullInt64
		startTime, dlEndTime, endTime sql.NullTime
	)
	err := row.Scan(
		&task.ID,
		&task.ExternalID,
		&task.ParticipantID,
		&task.ForestTree,
		&task.ForestVersion,
		&startDate,
		&endDate,
		&task.Status,
		&task.Params,
		&totalFileSize,
		&startTime,
		&dlEndTime,
		&endTime,
		&task.Stacktrace,
		&task.ForestOutput,
		&task.OutputZipKey,
		&task.AllBVSetKey,
		&task.AllMemoryDictKey,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if task.DataDateStart, err = time.Parse(models.DateOnly, startDate); err != nil {
		return nil, fmt.Errorf("invalid data_date_start %q: %w", startDate, err)
	}
	if task.DataDateEnd, err = time.Parse(models.DateOnly, endDate); err != nil {
		return nil, fmt.Errorf("invalid data_date_end %q: %w", endDate, err)
	}
	if totalFileSize.Valid {
		task.TotalFileSize = &totalFileSize.Int64
	}
	if startTime.Valid {
		t := startTime.Time
		task.ProcessStartTime = &t
	}
	if dlEndTime.Valid {
		t := dlEndTime.Time
		task.ProcessDownloadEndTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		task.ProcessEndTime = &t
	}
	return task, nil
}

// Create inserts a new task in the queued state.
func (r *ForestTaskRepository) Create(ctx context.Context, task *models.ForestTask) error {
	query := `
		INSERT INTO forest_tasks (
			external_id, participant_id, forest_tree, forest_version,
			data_date_start, data_date_end, status, params, forest_output
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		task.ExternalID,
		task.ParticipantID,
		task.ForestTree,
		task.ForestVersion,
		task.DataDateStart.Format(models.DateOnly),
		task.DataDateEnd.Format(models.DateOnly),
		task.Status,
		task.Params,
		task.ForestOutput,
	)
	if err != nil {
		return fmt.Errorf("failed to create forest task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	return nil
}

// GetByID retrieves a task by internal id.
func (r *ForestTaskRepository) GetByID(ctx context.Context, id int64) (*models.ForestTask, error) {
	query := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE id = ?`
	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forest task not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forest task: %w", err)
	}
	return task, nil
}

// GetByExternalID retrieves a task by its externally exposed id.
func (r *ForestTaskRepository) GetByExternalID(ctx context.Context, externalID string) (*models.ForestTask, error) {
	query := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE external_id = ?`
	task, err := scanTask(r.db.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("forest task not found: %s", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forest task: %w", err)
	}
	return task, nil
}

// List retrieves tasks with optional filters, newest first.
func (r *ForestTaskRepository) List(ctx context.Context, tree string, status string, limit, offset int) ([]*models.ForestTask, error) {
	query := `SELECT ` + taskColumns + ` FROM forest_tasks WHERE 1=1`
	args := []any{}
	if tree != "" {
		query += " AND forest_tree = ?"
		args = append(args, tree)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list forest tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ForestTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forest task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListQueuedIDs returns the ids of all queued tasks, oldest data first.
// The dispatcher feeds these to the worker pool; the authoritative claim
// happens later in ClaimNext.
func (r *ForestTaskRepository) ListQueuedIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM forest_tasks
		WHERE status = ?
		ORDER BY data_date_start ASC, created_at ASC, id ASC
	`, models.TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimNext atomically claims a task for the (participant, tree) pair the
// given task belongs to. Within one transaction it checks for an already
// running task of that pair (in which case it claims nothing: another
// worker owns the pair), then flips the pair's earliest queued task to
// running, stamping its start time and the forest version.
//
// The earliest data_date_start wins, so processing fills historical gaps
// before newer requests. The status guard on the final UPDATE makes a lost
// race harmless: the second worker updates zero rows and walks away.
//
// Returns (nil, nil) when there is nothing claimable; that is a normal
// outcome, not an error.
func (r *ForestTaskRepository) ClaimNext(ctx context.Context, taskID int64, forestVersion string) (*models.ForestTask, error) {
	seed, err := r.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var claimed *models.ForestTask
	err = database.Transaction(r.db, func(tx *sql.Tx) error {
		var runningCount int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM forest_tasks
			WHERE participant_id = ? AND forest_tree = ? AND status = ?
		`, seed.ParticipantID, seed.ForestTree, models.TaskStatusRunning).Scan(&runningCount)
		if err != nil {
			return fmt.Errorf("failed to check running tasks: %w", err)
		}
		if runningCount > 0 {
			return nil
		}

		query := `SELECT ` + taskColumns + ` FROM forest_tasks
			WHERE participant_id = ? AND forest_tree = ? AND status = ?
			ORDER BY data_date_start ASC, created_at ASC, id ASC
			LIMIT 1`
		task, err := scanTask(tx.QueryRowContext(ctx, query,
			seed.ParticipantID, seed.ForestTree, models.TaskStatusQueued))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable task: %w", err)
		}

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			UPDATE forest_tasks
			SET status = ?, process_start_time = ?, forest_version = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?
		`, models.TaskStatusRunning, now, forestVersion, task.ID, models.TaskStatusQueued)
		if err != nil {
			return fmt.Errorf("failed to mark task as running: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		task.Status = models.TaskStatusRunning
		task.ProcessStartTime = &now
		task.ForestVersion = forestVersion
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus sets the task status.
func (r *ForestTaskRepository) UpdateStatus(ctx context.Context, task *models.ForestTask, status models.TaskStatus) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, task.ID); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	task.Status = status
	return nil
}

// MarkError sets the task to the error state with the given stacktrace text.
func (r *ForestTaskRepository) MarkError(ctx context.Context, task *models.ForestTask, stacktrace string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET status = ?, stacktrace = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, models.TaskStatusError, stacktrace, task.ID); err != nil {
		return fmt.Errorf("failed to mark task as errored: %w", err)
	}
	task.Status = models.TaskStatusError
	task.Stacktrace = stacktrace
	return nil
}

// AppendStacktrace appends text to the existing stacktrace, never
// replacing it. Used by the cleanup path so a cleanup failure does not
// clobber the original error.
func (r *ForestTaskRepository) AppendStacktrace(ctx context.Context, task *models.ForestTask, text string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET stacktrace = stacktrace || ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, text, task.ID); err != nil {
		return fmt.Errorf("failed to append to task stacktrace: %w", err)
	}
	task.Stacktrace += text
	return nil
}

// SetTotalFileSize records the aggregate input byte count.
func (r *ForestTaskRepository) SetTotalFileSize(ctx context.Context, task *models.ForestTask, size int64) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET total_file_size = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, size, task.ID); err != nil {
		return fmt.Errorf("failed to set total file size: %w", err)
	}
	task.TotalFileSize = &size
	return nil
}

// SetDownloadEndTime stamps the moment all chunk downloads completed.
func (r *ForestTaskRepository) SetDownloadEndTime(ctx context.Context, task *models.ForestTask, t time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET process_download_end_time = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, t, task.ID); err != nil {
		return fmt.Errorf("failed to set download end time: %w", err)
	}
	task.ProcessDownloadEndTime = &t
	return nil
}

// SetProcessEndTime stamps the end of the run, successful or not.
func (r *ForestTaskRepository) SetProcessEndTime(ctx context.Context, task *models.ForestTask, t time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET process_end_time = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, t, task.ID); err != nil {
		return fmt.Errorf("failed to set process end time: %w", err)
	}
	task.ProcessEndTime = &t
	return nil
}

// SetForestOutput records whether the run produced any summary output.
func (r *ForestTaskRepository) SetForestOutput(ctx context.Context, task *models.ForestTask, state models.OutputState) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET forest_output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, state, task.ID); err != nil {
		return fmt.Errorf("failed to set forest output state: %w", err)
	}
	task.ForestOutput = state
	return nil
}

// SetAllBVSetKey records the uploaded location-visit cache key.
func (r *ForestTaskRepository) SetAllBVSetKey(ctx context.Context, task *models.ForestTask, key string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET all_bv_set_key = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, key, task.ID); err != nil {
		return fmt.Errorf("failed to set all_bv_set key: %w", err)
	}
	task.AllBVSetKey = key
	return nil
}

// SetAllMemoryDictKey records the uploaded memory cache key.
func (r *ForestTaskRepository) SetAllMemoryDictKey(ctx context.Context, task *models.ForestTask, key string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET all_memory_dict_key = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, key, task.ID); err != nil {
		return fmt.Errorf("failed to set all_memory_dict key: %w", err)
	}
	task.AllMemoryDictKey = key
	return nil
}

// SetOutputZipKey records the uploaded raw output archive key.
func (r *ForestTaskRepository) SetOutputZipKey(ctx context.Context, task *models.ForestTask, key string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET output_zip_key = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, key, task.ID); err != nil {
		return fmt.Errorf("failed to set output zip key: %w", err)
	}
	task.OutputZipKey = key
	return nil
}

// LatestCacheKeys returns the most recent jasmine cache keys recorded for
// the study, across all tasks. Cache artifacts are study scoped, so a new
// task picks up where the previous run of any participant left off.
func (r *ForestTaskRepository) LatestCacheKeys(ctx context.Context, studyID int64) (bvSetKey, memoryDictKey string, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ft.all_bv_set_key, ft.all_memory_dict_key
		FROM forest_tasks ft
		JOIN participants p ON p.id = ft.participant_id
		WHERE p.study_id = ? AND ft.forest_tree = ?
			AND (ft.all_bv_set_key != '' OR ft.all_memory_dict_key != '')
		ORDER BY ft.process_end_time DESC, ft.id DESC
		LIMIT 1
	`, studyID, models.TreeJasmine)
	err = row.Scan(&bvSetKey, &memoryDictKey)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up cache keys: %w", err)
	}
	return bvSetKey, memoryDictKey, nil
}

// Cancel flips a queued task to cancelled. Only queued tasks are
// cancellable; once running, a task proceeds to completion or failure.
func (r *ForestTaskRepository) Cancel(ctx context.Context, externalID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE forest_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE external_id = ? AND status = ?
	`, models.TaskStatusCancelled, externalID, models.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s is not queued and cannot be cancelled", externalID)
	}
	return nil
}
