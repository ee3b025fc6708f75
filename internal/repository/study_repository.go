package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// StudyRepository handles database operations for studies, participants
// and the survey metadata that sycamore runs consume
type StudyRepository struct {
	db *sql.DB
}

// NewStudyRepository creates a new study repository
func NewStudyRepository(db *sql.DB) *StudyRepository {
	return &StudyRepository{db: db}
}

// CreateStudy inserts a study.
func (r *StudyRepository) CreateStudy(ctx context.Context, study *models.Study) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO studies (object_id, name, timezone_name) VALUES (?, ?, ?)
	`, study.ObjectID, study.Name, study.TimezoneName)
	if err != nil {
		return fmt.Errorf("failed to create study: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	study.ID = id
	return nil
}

// CreateParticipant inserts a participant.
func (r *StudyRepository) CreateParticipant(ctx context.Context, participant *models.Participant) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (patient_id, study_id) VALUES (?, ?)
	`, participant.PatientID, participant.StudyID)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	participant.ID = id
	return nil
}

// GetStudy retrieves a study by internal id.
func (r *StudyRepository) GetStudy(ctx context.Context, id int64) (*models.Study, error) {
	study := &models.Study{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, object_id, name, timezone_name, created_at FROM studies WHERE id = ?
	`, id).Scan(&study.ID, &study.ObjectID, &study.Name, &study.TimezoneName, &study.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("study not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study: %w", err)
	}
	return study, nil
}

// GetParticipant retrieves a participant by internal id.
func (r *StudyRepository) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	participant := &models.Participant{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, patient_id, study_id, created_at FROM participants WHERE id = ?
	`, id).Scan(&participant.ID, &participant.PatientID, &participant.StudyID, &participant.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("participant not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return participant, nil
}

// GetParticipantByPatientID retrieves a participant by the external
// patient identifier.
func (r *StudyRepository) GetParticipantByPatientID(ctx context.Context, patientID string) (*models.Participant, error) {
	participant := &models.Participant{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, patient_id, study_id, created_at FROM participants WHERE patient_id = ?
	`, patientID).Scan(&participant.ID, &participant.PatientID, &participant.StudyID, &participant.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("participant not found: %s", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return participant, nil
}

// CreateSurvey inserts a survey definition for a study.
func (r *StudyRepository) CreateSurvey(ctx context.Context, survey *models.Survey) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO surveys (object_id, study_id, name, content, deleted)
		VALUES (?, ?, ?, ?, ?)
	`, survey.ObjectID, survey.StudyID, survey.Name, survey.Content, survey.Deleted)
	if err != nil {
		return fmt.Errorf("failed to create survey: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	survey.ID = id
	return nil
}

// StudySurveys returns the non-deleted surveys of a study.
func (r *StudyRepository) StudySurveys(ctx context.Context, studyID int64) ([]*models.Survey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, object_id, study_id, name, content, deleted, created_at
		FROM surveys WHERE study_id = ? AND deleted = 0
		ORDER BY id ASC
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list surveys: %w", err)
	}
	defer rows.Close()

	var surveys []*models.Survey
	for rows.Next() {
		s := &models.Survey{}
		if err := rows.Scan(&s.ID, &s.ObjectID, &s.StudyID, &s.Name, &s.Content, &s.Deleted, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan survey: %w", err)
		}
		surveys = append(surveys, s)
	}
	return surveys, rows.Err()
}

// CreateIntervention inserts an intervention definition for a study.
func (r *StudyRepository) CreateIntervention(ctx context.Context, intervention *models.Intervention) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO interventions (study_id, name) VALUES (?, ?)
	`, intervention.StudyID, intervention.Name)
	if err != nil {
		return fmt.Errorf("failed to create intervention: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	intervention.ID = id
	return nil
}

// SetInterventionDate records the date an intervention applied to a
// participant, replacing any previous value. A nil date means the
// intervention is defined for the participant but has not happened.
func (r *StudyRepository) SetInterventionDate(ctx context.Context, participantID, interventionID int64, date *time.Time) error {
	var value any
	if date != nil {
		value = date.Format(models.DateOnly)
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO intervention_dates (participant_id, intervention_id, date)
		VALUES (?, ?, ?)
		ON CONFLICT(participant_id, intervention_id) DO UPDATE SET date = excluded.date
	`, participantID, interventionID, value); err != nil {
		return fmt.Errorf("failed to set intervention date: %w", err)
	}
	return nil
}

// InterventionData collects every participant's intervention dates for a
// study, keyed by patient id then intervention name. Unset dates appear
// as nil so downstream consumers can distinguish "defined but not
// happened" from "not defined".
func (r *StudyRepository) InterventionData(ctx context.Context, studyID int64) (map[string]map[string]*string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.patient_id, i.name, d.date
		FROM intervention_dates d
		JOIN participants p ON p.id = d.participant_id
		JOIN interventions i ON i.id = d.intervention_id
		WHERE i.study_id = ?
		ORDER BY p.patient_id, i.name
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query intervention dates: %w", err)
	}
	defer rows.Close()

	data := make(map[string]map[string]*string)
	for rows.Next() {
		var patientID, name string
		var date sql.NullString
		if err := rows.Scan(&patientID, &name, &date); err != nil {
			return nil, fmt.Errorf("failed to scan intervention date: %w", err)
		}
		if data[patientID] == nil {
			data[patientID] = make(map[string]*string)
		}
		if date.Valid {
			d := date.String
			data[patientID][name] = &d
		} else {
			data[patientID][name] = nil
		}
	}
	return data, rows.Err()
}
