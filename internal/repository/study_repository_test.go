package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/models"
)

func TestStudyAndParticipantLookups(t *testing.T) {
	db := setupTestDB(t)
	study, participant := seedParticipant(t, db, "patient1")
	studies := NewStudyRepository(db)
	ctx := context.Background()

	gotStudy, err := studies.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, "UTC", gotStudy.TimezoneName)

	gotParticipant, err := studies.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	assert.Equal(t, "patient1", gotParticipant.PatientID)

	byPatient, err := studies.GetParticipantByPatientID(ctx, "patient1")
	require.NoError(t, err)
	assert.Equal(t, participant.ID, byPatient.ID)

	_, err = studies.GetParticipantByPatientID(ctx, "nobody")
	assert.Error(t, err)
}

func TestInterventionData(t *testing.T) {
	db := setupTestDB(t)
	study, participant := seedParticipant(t, db, "patient1")
	studies := NewStudyRepository(db)
	ctx := context.Background()

	medChange := &models.Intervention{StudyID: study.ID, Name: "medication_change"}
	require.NoError(t, studies.CreateIntervention(ctx, medChange))
	hospital := &models.Intervention{StudyID: study.ID, Name: "hospitalization"}
	require.NoError(t, studies.CreateIntervention(ctx, hospital))

	date := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, studies.SetInterventionDate(ctx, participant.ID, medChange.ID, &date))
	require.NoError(t, studies.SetInterventionDate(ctx, participant.ID, hospital.ID, nil))

	data, err := studies.InterventionData(ctx, study.ID)
	require.NoError(t, err)
	require.Contains(t, data, "patient1")
	require.NotNil(t, data["patient1"]["medication_change"])
	assert.Equal(t, "2024-02-15", *data["patient1"]["medication_change"])
	// defined but not happened: present with a nil date
	require.Contains(t, data["patient1"], "hospitalization")
	assert.Nil(t, data["patient1"]["hospitalization"])
}

func TestSetInterventionDateReplaces(t *testing.T) {
	db := setupTestDB(t)
	study, participant := seedParticipant(t, db, "patient1")
	studies := NewStudyRepository(db)
	ctx := context.Background()

	intervention := &models.Intervention{StudyID: study.ID, Name: "medication_change"}
	require.NoError(t, studies.CreateIntervention(ctx, intervention))

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, studies.SetInterventionDate(ctx, participant.ID, intervention.ID, &first))
	require.NoError(t, studies.SetInterventionDate(ctx, participant.ID, intervention.ID, &second))

	data, err := studies.InterventionData(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", *data["patient1"]["medication_change"])
}

func TestStudySurveysExcludeDeleted(t *testing.T) {
	db := setupTestDB(t)
	study, _ := seedParticipant(t, db, "patient1")
	studies := NewStudyRepository(db)
	ctx := context.Background()

	require.NoError(t, studies.CreateSurvey(ctx, &models.Survey{
		ObjectID: "survey-live", StudyID: study.ID, Name: "Mood", Content: "[]",
	}))
	require.NoError(t, studies.CreateSurvey(ctx, &models.Survey{
		ObjectID: "survey-gone", StudyID: study.ID, Name: "Old", Content: "[]", Deleted: true,
	}))

	surveys, err := studies.StudySurveys(ctx, study.ID)
	require.NoError(t, err)
	require.Len(t, surveys, 1)
	assert.Equal(t, "survey-live", surveys[0].ObjectID)
}
