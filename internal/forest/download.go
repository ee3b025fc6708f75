package forest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
)

// timeBinFileFormat renders a chunk's time bin into a valid filename; the
// colons of the wall-clock time are replaced with underscores.
const timeBinFileFormat = "2006-01-02 15_04_05"

// DefaultDownloadWorkers bounds concurrent chunk downloads per task.
const DefaultDownloadWorkers = 4

// ChunkSource is the registry query surface the fetcher needs.
type ChunkSource interface {
	ChunksForWindow(ctx context.Context, participantID int64, streams []string, start, end time.Time) ([]*models.Chunk, error)
	TotalFileSize(ctx context.Context, participantID int64, streams []string, start, end time.Time) (total int64, ok bool, err error)
}

// Fetcher downloads a task's raw input chunks into the workspace.
type Fetcher struct {
	Chunks  ChunkSource
	Store   objectstore.Store
	Workers int
}

// DownloadWindow converts the task's inclusive date range into the instant
// window used against the chunk registry, in the study's timezone: local
// midnight at the start of the first day through the last representable
// instant of the final day.
func DownloadWindow(task *models.ForestTask, study *models.Study) (start, end time.Time, err error) {
	loc, err := time.LoadLocation(study.TimezoneName)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid study timezone %q: %w", study.TimezoneName, err)
	}
	s := task.DataDateStart
	e := task.DataDateEnd
	start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	end = time.Date(e.Year(), e.Month(), e.Day(), 23, 59, 59, 999999000, loc)
	return start, end, nil
}

// chunkFileName maps a registry row to its path inside the workspace data
// folder, mirroring the layout the trees expect:
//
//	<patient_id>/<data_type>/<time bin>.<ext>
//
// with survey streams adding the survey's object id between data type and
// file name.
func chunkFileName(chunk *models.Chunk) string {
	ext := "csv"
	if i := strings.LastIndex(chunk.ChunkPath, "."); i >= 0 && i < len(chunk.ChunkPath)-1 {
		ext = chunk.ChunkPath[i+1:]
	}
	name := chunk.TimeBin.UTC().Format(timeBinFileFormat) + "." + ext
	if models.SurveyNestedStreams[chunk.DataType] && chunk.SurveyObjectID != "" {
		return filepath.Join(chunk.PatientID, chunk.DataType, chunk.SurveyObjectID, name)
	}
	return filepath.Join(chunk.PatientID, chunk.DataType, name)
}

// Fetch downloads every chunk the task's tree consumes into the workspace
// data folder and returns the aggregate byte count actually written. It
// returns ErrNoData when the registry holds no chunks for the window, or
// only zero-byte ones; the registry sum is checked before any download so
// an empty window costs no object store round trips. A no-data task is
// not an error condition further up.
func (f *Fetcher) Fetch(ctx context.Context, task *models.ForestTask, study *models.Study, ws *Workspace) (int64, error) {
	start, end, err := DownloadWindow(task, study)
	if err != nil {
		return 0, err
	}
	streams := RequiredDataStreams[task.ForestTree]

	registered, ok, err := f.Chunks.TotalFileSize(ctx, task.ParticipantID, streams, start, end)
	if err != nil {
		return 0, err
	}
	if !ok || registered == 0 {
		return 0, ErrNoData
	}

	chunks, err := f.Chunks.ChunksForWindow(ctx, task.ParticipantID, streams, start, end)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, ErrNoData
	}

	workers := f.Workers
	if workers <= 0 {
		workers = DefaultDownloadWorkers
	}

	sizes := make([]int64, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			data, err := f.Store.Retrieve(gctx, chunk.ChunkPath)
			if err != nil {
				return fmt.Errorf("failed to retrieve chunk %s: %w", chunk.ChunkPath, err)
			}
			dest := filepath.Join(ws.DataInputPath(), chunkFileName(chunk))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("failed to create chunk folder: %w", err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return fmt.Errorf("failed to write chunk file %s: %w", dest, err)
			}
			sizes[i] = int64(len(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total int64
	for _, s := range sizes {
		total += s
	}
	return total, nil
}
