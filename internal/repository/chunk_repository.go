package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// ChunkRepository handles database operations for the chunk registry
type ChunkRepository struct {
	db *sql.DB
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// Insert registers a chunk of uploaded sensor data.
func (r *ChunkRepository) Insert(ctx context.Context, chunk *models.Chunk) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO chunk_registry (
			participant_id, study_id, data_type, chunk_path, time_bin,
			file_size, survey_object_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		chunk.ParticipantID,
		chunk.StudyID,
		chunk.DataType,
		chunk.ChunkPath,
		chunk.TimeBin.UTC(),
		chunk.FileSize,
		chunk.SurveyObjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	chunk.ID = id
	return nil
}

// ChunksForWindow returns the registry rows for a participant covering the
// requested data streams within [start, end]. Both bounds are instants;
// the caller is responsible for converting inclusive date bounds to the
// study's local midnight and end of day.
func (r *ChunkRepository) ChunksForWindow(ctx context.Context, participantID int64, streams []string, start, end time.Time) ([]*models.Chunk, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(streams)), ",")
	query := fmt.Sprintf(`
		SELECT c.id, c.participant_id, c.study_id, c.data_type, c.chunk_path,
			c.time_bin, c.file_size, c.survey_object_id, p.patient_id
		FROM chunk_registry c
		JOIN participants p ON p.id = c.participant_id
		WHERE c.participant_id = ?
			AND c.data_type IN (%s)
			AND c.time_bin >= ? AND c.time_bin <= ?
		ORDER BY c.time_bin ASC, c.id ASC
	`, placeholders)

	// time bins are stored in UTC; normalize the bounds so the range
	// comparison is well defined
	args := []any{participantID}
	for _, s := range streams {
		args = append(args, s)
	}
	args = append(args, start.UTC(), end.UTC())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		chunk := &models.Chunk{}
		if err := rows.Scan(
			&chunk.ID,
			&chunk.ParticipantID,
			&chunk.StudyID,
			&chunk.DataType,
			&chunk.ChunkPath,
			&chunk.TimeBin,
			&chunk.FileSize,
			&chunk.SurveyObjectID,
			&chunk.PatientID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// TotalFileSize sums the registered byte counts for a participant's
// streams within [start, end]. Returns ok=false when no chunks exist in
// the window at all: that condition is how a task discovers it has no
// input data.
func (r *ChunkRepository) TotalFileSize(ctx context.Context, participantID int64, streams []string, start, end time.Time) (total int64, ok bool, err error) {
	if len(streams) == 0 {
		return 0, false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(streams)), ",")
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(file_size), 0), COUNT(1)
		FROM chunk_registry
		WHERE participant_id = ?
			AND data_type IN (%s)
			AND time_bin >= ? AND time_bin <= ?
	`, placeholders)

	args := []any{participantID}
	for _, s := range streams {
		args = append(args, s)
	}
	args = append(args, start.UTC(), end.UTC())

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total, &count); err != nil {
		return 0, false, fmt.Errorf("failed to sum chunk sizes: %w", err)
	}
	return total, count > 0, nil
}
