package forest

import (
	"log/slog"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// TaskTags is the context attached to every escalated pipeline error.
type TaskTags struct {
	ExternalID    string
	ForestTree    models.ForestTree
	PatientID     string
	StudyName     string
	DataDateStart string
	DataDateEnd   string
}

// Tags builds the reporting context for a task.
func Tags(task *models.ForestTask, participant *models.Participant, study *models.Study) TaskTags {
	return TaskTags{
		ExternalID:    task.ExternalID,
		ForestTree:    task.ForestTree,
		PatientID:     participant.PatientID,
		StudyName:     study.Name,
		DataDateStart: task.DataDateStart.Format(models.DateOnly),
		DataDateEnd:   task.DataDateEnd.Format(models.DateOnly),
	}
}

// ErrorReporter escalates unexpected pipeline failures to an external
// sink. No-data outcomes are recorded on the task but never escalated.
type ErrorReporter interface {
	Report(err error, tags TaskTags)
}

// LogReporter escalates errors to the structured log.
type LogReporter struct {
	Logger *slog.Logger
}

func (r *LogReporter) Report(err error, tags TaskTags) {
	r.Logger.Error("forest task failed",
		"error", err,
		"task_id", tags.ExternalID,
		"forest_tree", tags.ForestTree,
		"patient_id", tags.PatientID,
		"study", tags.StudyName,
		"data_date_start", tags.DataDateStart,
		"data_date_end", tags.DataDateEnd,
	)
}

// NopReporter discards reports. Used by the inline runner, which surfaces
// errors directly to its caller instead.
type NopReporter struct{}

func (NopReporter) Report(error, TaskTags) {}
