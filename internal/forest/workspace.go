package forest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// Workspace cleanup retry policy. Filesystem deletion can lag on the
// underlying storage, so deletion is retried with a short sleep between
// attempts before being declared unrecoverable.
const (
	DefaultCleanupAttempts = 10
	DefaultCleanupDelay    = 500 * time.Millisecond
)

// Workspace is the ephemeral, task-scoped directory tree used to stage
// inputs and collect outputs for one run:
//
//	<root>/<task-external-id>/<tree>/data    raw downloaded chunks
//	<root>/<task-external-id>/<tree>/output  tree output, daily CSVs
//
// The path is derived from the task's own external id, so workspaces are
// never shared across tasks.
type Workspace struct {
	Root string

	task          *models.ForestTask
	patientID     string
	studyObjectID string

	// cleanup policy, overridable in tests
	CleanupAttempts int
	CleanupDelay    time.Duration
}

// NewWorkspace builds path helpers for one task. It creates nothing on
// disk; call EnsureFolders before writing into it.
func NewWorkspace(root string, task *models.ForestTask, participant *models.Participant, study *models.Study) *Workspace {
	return &Workspace{
		Root:            root,
		task:            task,
		patientID:       participant.PatientID,
		studyObjectID:   study.ObjectID,
		CleanupAttempts: DefaultCleanupAttempts,
		CleanupDelay:    DefaultCleanupDelay,
	}
}

// TaskRootPath is the per-task folder: <root>/<external-id>.
func (w *Workspace) TaskRootPath() string {
	return filepath.Join(w.Root, w.task.ExternalID)
}

// TreeBasePath is <root>/<external-id>/<tree>.
func (w *Workspace) TreeBasePath() string {
	return filepath.Join(w.TaskRootPath(), string(w.task.ForestTree))
}

// DataInputPath holds the downloaded raw chunks.
func (w *Workspace) DataInputPath() string {
	return filepath.Join(w.TreeBasePath(), "data")
}

// DataOutputPath is where the tree writes its results.
func (w *Workspace) DataOutputPath() string {
	return filepath.Join(w.TreeBasePath(), "output")
}

// ResultsCSVPath is the daily summary CSV the materializer reads:
// output/daily/<patient-id>.csv.
func (w *Workspace) ResultsCSVPath() string {
	return filepath.Join(w.DataOutputPath(), "daily", w.patientID+".csv")
}

// TaskReportPath is the human-readable run report.
func (w *Workspace) TaskReportPath() string {
	return filepath.Join(w.DataOutputPath(), "task_report.txt")
}

// AllBVSetPath is where jasmine leaves its updated location-visit model.
func (w *Workspace) AllBVSetPath() string {
	return filepath.Join(w.DataOutputPath(), "all_bv_set.pkl")
}

// AllMemoryDictPath is where jasmine leaves its updated memory cache.
func (w *Workspace) AllMemoryDictPath() string {
	return filepath.Join(w.DataOutputPath(), "all_memory_dict.pkl")
}

// InterventionsPath is the sycamore interventions snapshot file.
func (w *Workspace) InterventionsPath() string {
	return filepath.Join(w.TreeBasePath(), w.studyObjectID+"_interventions.json")
}

// StudyConfigPath is the sycamore study settings snapshot file.
func (w *Workspace) StudyConfigPath() string {
	return filepath.Join(w.TreeBasePath(), w.studyObjectID+"_surveys_and_settings.json")
}

// ParamsFilePath holds the serialized parameter map handed to the external
// tree runner.
func (w *Workspace) ParamsFilePath() string {
	return filepath.Join(w.TreeBasePath(), "forest_params.json")
}

// EnsureFolders creates the full directory structure for this run.
func (w *Workspace) EnsureFolders() error {
	for _, dir := range []string{
		w.TaskRootPath(),
		w.TreeBasePath(),
		w.DataInputPath(),
		w.DataOutputPath(),
		filepath.Dir(w.ResultsCSVPath()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace folder %s: %w", dir, err)
		}
	}
	return nil
}

// Cleanup deletes the task's workspace folder, retrying because the
// filesystem can be slightly slow to release it. If the folder still exists
// after every attempt a CleanupError is returned; a lingering workspace
// risks disk exhaustion for subsequent tasks and is treated as fatal by the
// caller.
func (w *Workspace) Cleanup() error {
	root := w.TaskRootPath()
	for i := 0; i < w.CleanupAttempts; i++ {
		// RemoveAll error is deliberately ignored here, the existence probe
		// below is the real check
		_ = os.RemoveAll(root)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return nil
		}
		cleanupRetries.WithLabelValues(string(w.task.ForestTree)).Inc()
		time.Sleep(w.CleanupDelay)
	}
	return &CleanupError{Path: root, ExternalID: w.task.ExternalID, Attempts: w.CleanupAttempts}
}
