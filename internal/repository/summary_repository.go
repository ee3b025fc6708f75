package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openphenome/forest-backend-go/internal/database"
	"github.com/openphenome/forest-backend-go/internal/forest"
	"github.com/openphenome/forest-backend-go/internal/models"
)

// SummaryRepository handles database operations for daily summary statistics
type SummaryRepository struct {
	db *sql.DB
}

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(db *sql.DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// UpsertTreeMetrics writes one day of metrics for one (participant, tree)
// onto the participant's daily summary row, creating the row when absent.
// Only the columns present in the metrics map are touched, so different
// trees accumulate onto the same row without clobbering each other. A nil
// value stores SQL NULL. The task reference column for the tree is stamped
// so a summary value is traceable to the run that produced it.
func (r *SummaryRepository) UpsertTreeMetrics(ctx context.Context, participantID int64, date time.Time, timezone string, tree models.ForestTree, metrics map[string]*float64, taskID int64) error {
	valid := forest.SummaryFieldSet()
	fields := make([]string, 0, len(metrics))
	for field := range metrics {
		if !valid[field] {
			return fmt.Errorf("unknown summary field %q", field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := []string{"participant_id", "date", "timezone", forest.TaskRefColumn(tree)}
	args := []any{participantID, date.Format(models.DateOnly), timezone, taskID}
	for _, field := range fields {
		columns = append(columns, field)
		if v := metrics[field]; v != nil {
			args = append(args, *v)
		} else {
			args = append(args, nil)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	var updates []string
	for _, col := range columns[2:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")

	query := fmt.Sprintf(`
		INSERT INTO summary_statistics_daily (%s) VALUES (%s)
		ON CONFLICT(participant_id, date) DO UPDATE SET %s
	`, strings.Join(columns, ", "), placeholders, strings.Join(updates, ", "))

	return database.Transaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert summary statistics: %w", err)
		}
		return nil
	})
}

// Get retrieves the daily summary row for a participant and date.
func (r *SummaryRepository) Get(ctx context.Context, participantID int64, date time.Time) (*models.SummaryStatisticDaily, error) {
	fields := forest.SummaryFields()
	refColumns := make([]string, 0, len(models.AllTrees))
	for _, tree := range models.AllTrees {
		refColumns = append(refColumns, forest.TaskRefColumn(tree))
	}

	query := fmt.Sprintf(`
		SELECT id, participant_id, date, timezone, %s, %s, created_at, updated_at
		FROM summary_statistics_daily
		WHERE participant_id = ? AND date = ?
	`, strings.Join(fields, ", "), strings.Join(refColumns, ", "))

	metricVals := make([]sql.NullFloat64, len(fields))
	refVals := make([]sql.NullInt64, len(refColumns))

	summary := &models.SummaryStatisticDaily{
		Metrics: make(map[string]*float64, len(fields)),
		TaskIDs: make(map[models.ForestTree]int64, len(refColumns)),
	}
	var dateStr string

	dest := []any{&summary.ID, &summary.ParticipantID, &dateStr, &summary.Timezone}
	for i := range metricVals {
		dest = append(dest, &metricVals[i])
	}
	for i := range refVals {
		dest = append(dest, &refVals[i])
	}
	dest = append(dest, &summary.CreatedAt, &summary.UpdatedAt)

	err := r.db.QueryRowContext(ctx, query, participantID, date.Format(models.DateOnly)).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no summary for participant %d on %s", participantID, date.Format(models.DateOnly))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary statistics: %w", err)
	}

	if summary.Date, err = time.Parse(models.DateOnly, dateStr); err != nil {
		return nil, fmt.Errorf("invalid summary date %q: %w", dateStr, err)
	}
	for i, field := range fields {
		if metricVals[i].Valid {
			v := metricVals[i].Float64
			summary.Metrics[field] = &v
		} else {
			summary.Metrics[field] = nil
		}
	}
	for i, tree := range models.AllTrees {
		if refVals[i].Valid {
			summary.TaskIDs[tree] = refVals[i].Int64
		}
	}
	return summary, nil
}
