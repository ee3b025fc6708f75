package forest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
)

// WriteTaskReport drops a human-readable run summary into the output
// folder, so the uploaded archive is self-describing.
func WriteTaskReport(task *models.ForestTask, participant *models.Participant, study *models.Study, ws *Workspace, totalBytes int64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", task.ExternalID)
	fmt.Fprintf(&b, "tree: %s\n", task.ForestTree)
	fmt.Fprintf(&b, "forest version: %s\n", task.ForestVersion)
	fmt.Fprintf(&b, "study: %s (%s)\n", study.Name, study.ObjectID)
	fmt.Fprintf(&b, "patient: %s\n", participant.PatientID)
	fmt.Fprintf(&b, "date range: %s to %s inclusive\n",
		task.DataDateStart.Format(models.DateOnly), task.DataDateEnd.Format(models.DateOnly))
	fmt.Fprintf(&b, "input bytes: %d\n", totalBytes)
	fmt.Fprintf(&b, "generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(ws.TaskReportPath(), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write task report: %w", err)
	}
	return nil
}

// UploadOutputArchive zips the run's output folder and uploads it under a
// per-task key, returning the key written. The archive preserves trees'
// arbitrary output layouts for later inspection.
func UploadOutputArchive(ctx context.Context, store objectstore.Store, task *models.ForestTask, study *models.Study, ws *Workspace) (string, error) {
	root := ws.DataOutputPath()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("failed to archive output folder: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize output archive: %w", err)
	}

	key := path.Join(study.ObjectID, "forest", "outputs", task.ExternalID+".zip")
	if err := store.Upload(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to upload output archive: %w", err)
	}
	return key, nil
}
