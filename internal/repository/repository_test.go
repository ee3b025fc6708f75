package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/database"
	"github.com/openphenome/forest-backend-go/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func seedParticipant(t *testing.T, db *sql.DB, patientID string) (*models.Study, *models.Participant) {
	t.Helper()
	ctx := context.Background()
	studies := NewStudyRepository(db)

	study := &models.Study{ObjectID: "study-" + patientID, Name: "Test Study", TimezoneName: "UTC"}
	require.NoError(t, studies.CreateStudy(ctx, study))

	participant := &models.Participant{PatientID: patientID, StudyID: study.ID}
	require.NoError(t, studies.CreateParticipant(ctx, participant))
	return study, participant
}

func seedTask(t *testing.T, db *sql.DB, participantID int64, tree models.ForestTree, externalID string, start, end time.Time) *models.ForestTask {
	t.Helper()
	tasks := NewForestTaskRepository(db)
	task := &models.ForestTask{
		ExternalID:    externalID,
		ParticipantID: participantID,
		ForestTree:    tree,
		DataDateStart: start,
		DataDateEnd:   end,
		Status:        models.TaskStatusQueued,
		ForestOutput:  models.OutputUnknown,
	}
	require.NoError(t, tasks.Create(context.Background(), task))
	return task
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}
