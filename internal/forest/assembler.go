package forest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// StudyDataSource is the study metadata surface the sycamore assembler
// needs.
type StudyDataSource interface {
	StudySurveys(ctx context.Context, studyID int64) ([]*models.Survey, error)
	InterventionData(ctx context.Context, studyID int64) (map[string]map[string]*string, error)
}

// Assembler writes the auxiliary JSON files sycamore reads alongside the
// raw survey data: the study's intervention dates per participant, and a
// snapshot of the study's survey definitions.
type Assembler struct {
	Studies StudyDataSource
}

// surveySnapshot is one survey in the settings file, keyed the way the
// analysis input format specifies.
type surveySnapshot struct {
	ObjectID string          `json:"object_id"`
	Name     string          `json:"name"`
	Content  json.RawMessage `json:"content"`
}

type studyConfigFile struct {
	Surveys []surveySnapshot `json:"surveys"`
}

// WriteAuxiliaryFiles stages both sycamore input files into the workspace.
// For every other tree it is a no-op.
func (a *Assembler) WriteAuxiliaryFiles(ctx context.Context, task *models.ForestTask, study *models.Study, ws *Workspace) error {
	if task.ForestTree != models.TreeSycamore {
		return nil
	}

	interventions, err := a.Studies.InterventionData(ctx, study.ID)
	if err != nil {
		return fmt.Errorf("failed to collect intervention data: %w", err)
	}
	if interventions == nil {
		interventions = map[string]map[string]*string{}
	}
	blob, err := json.MarshalIndent(interventions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize intervention data: %w", err)
	}
	if err := os.WriteFile(ws.InterventionsPath(), blob, 0o644); err != nil {
		return fmt.Errorf("failed to write interventions file: %w", err)
	}

	surveys, err := a.Studies.StudySurveys(ctx, study.ID)
	if err != nil {
		return fmt.Errorf("failed to collect study surveys: %w", err)
	}
	cfg := studyConfigFile{Surveys: make([]surveySnapshot, 0, len(surveys))}
	for _, s := range surveys {
		content := json.RawMessage(s.Content)
		if !json.Valid(content) {
			return fmt.Errorf("survey %s has malformed content", s.ObjectID)
		}
		cfg.Surveys = append(cfg.Surveys, surveySnapshot{
			ObjectID: s.ObjectID,
			Name:     s.Name,
			Content:  content,
		})
	}
	blob, err = json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize study config: %w", err)
	}
	if err := os.WriteFile(ws.StudyConfigPath(), blob, 0o644); err != nil {
		return fmt.Errorf("failed to write study config file: %w", err)
	}
	return nil
}
