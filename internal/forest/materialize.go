package forest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// SummarySink is the persistence surface the materializer writes through.
type SummarySink interface {
	UpsertTreeMetrics(ctx context.Context, participantID int64, date time.Time, timezone string, tree models.ForestTree, metrics map[string]*float64, taskID int64) error
}

// Materializer turns a tree's daily output CSV into summary statistic rows.
type Materializer struct {
	Summaries SummarySink
}

// Materialize reads the run's daily CSV and upserts one summary row per
// in-range date. Returns whether any row was written.
//
// The whole header is validated before a single row is persisted, so a
// schema drift failure never leaves a partial write behind. Rows dated
// outside the task's inclusive range are skipped, not errors: trees pad
// their output beyond the requested window. An absent CSV simply means the
// run produced no output.
func (m *Materializer) Materialize(ctx context.Context, task *models.ForestTask, study *models.Study, ws *Workspace) (bool, error) {
	f, err := os.Open(ws.ResultsCSVPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open results csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return false, fmt.Errorf("failed to read results header: %w", err)
	}

	type column struct {
		index int
		field string
	}
	dateIdx := map[string]int{}
	var metricCols []column
	for i, name := range header {
		if DateColumns[name] {
			dateIdx[name] = i
			continue
		}
		field, ok := ColumnToSummaryField[name]
		if !ok {
			return false, &SchemaDriftError{Tree: string(task.ForestTree), Column: name}
		}
		metricCols = append(metricCols, column{index: i, field: field})
	}
	for _, required := range []string{"year", "month", "day"} {
		if _, ok := dateIdx[required]; !ok {
			return false, fmt.Errorf("results csv missing %s column", required)
		}
	}

	loc, err := time.LoadLocation(study.TimezoneName)
	if err != nil {
		return false, fmt.Errorf("invalid study timezone %q: %w", study.TimezoneName, err)
	}

	wrote := false
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wrote, fmt.Errorf("failed to read results row %d: %w", line, err)
		}

		date, err := rowDate(record, dateIdx)
		if err != nil {
			return wrote, fmt.Errorf("results row %d: %w", line, err)
		}
		if date.Before(task.DataDateStart) || date.After(task.DataDateEnd) {
			continue
		}

		metrics := make(map[string]*float64, len(metricCols))
		for _, col := range metricCols {
			raw := record[col.index]
			if raw == "" {
				metrics[col.field] = nil
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return wrote, fmt.Errorf("results row %d, column %q: %w", line, col.field, err)
			}
			metrics[col.field] = &v
		}

		tz := timezoneShortcode(date, loc)
		if err := m.Summaries.UpsertTreeMetrics(ctx, task.ParticipantID, date, tz, task.ForestTree, metrics, task.ID); err != nil {
			return wrote, err
		}
		wrote = true
	}
	return wrote, nil
}

// rowDate reconstructs a row's calendar date from the year/month/day
// columns. Trees emit these as floats, so "2024.0" style values parse too.
func rowDate(record []string, dateIdx map[string]int) (time.Time, error) {
	part := func(name string) (int, error) {
		raw := record[dateIdx[name]]
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
		}
		return int(v), nil
	}
	year, err := part("year")
	if err != nil {
		return time.Time{}, err
	}
	month, err := part("month")
	if err != nil {
		return time.Time{}, err
	}
	day, err := part("day")
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// timezoneShortcode renders the study timezone's abbreviation for a given
// date, sampled at noon so DST transitions at midnight do not flicker the
// stored label.
func timezoneShortcode(date time.Time, loc *time.Location) string {
	noon := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, loc)
	name, _ := noon.Zone()
	return name
}
