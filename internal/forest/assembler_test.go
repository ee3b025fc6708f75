package forest

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/models"
)

type staticStudySource struct {
	surveys       []*models.Survey
	interventions map[string]map[string]*string
}

func (s *staticStudySource) StudySurveys(context.Context, int64) ([]*models.Survey, error) {
	return s.surveys, nil
}

func (s *staticStudySource) InterventionData(context.Context, int64) (map[string]map[string]*string, error) {
	return s.interventions, nil
}

func assemblerFixture(t *testing.T, tree models.ForestTree) (*models.ForestTask, *models.Study, *Workspace) {
	t.Helper()
	task := &models.ForestTask{
		ExternalID:    "asm-task",
		ForestTree:    tree,
		DataDateStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DataDateEnd:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	study := &models.Study{ID: 1, ObjectID: "study-obj", TimezoneName: "UTC"}
	ws := NewWorkspace(t.TempDir(), task, &models.Participant{PatientID: "patient1"}, study)
	require.NoError(t, ws.EnsureFolders())
	return task, study, ws
}

func TestAssemblerWritesSycamoreFiles(t *testing.T) {
	dateStr := "2024-02-15"
	source := &staticStudySource{
		surveys: []*models.Survey{
			{ObjectID: "survey-1", Name: "Daily Mood", Content: `[{"question":"How are you?"}]`},
		},
		interventions: map[string]map[string]*string{
			"patient1": {"medication_change": &dateStr, "hospitalization": nil},
		},
	}
	a := &Assembler{Studies: source}
	task, study, ws := assemblerFixture(t, models.TreeSycamore)

	require.NoError(t, a.WriteAuxiliaryFiles(context.Background(), task, study, ws))

	var interventions map[string]map[string]*string
	blob, err := os.ReadFile(ws.InterventionsPath())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &interventions))
	require.Contains(t, interventions, "patient1")
	require.NotNil(t, interventions["patient1"]["medication_change"])
	assert.Equal(t, "2024-02-15", *interventions["patient1"]["medication_change"])
	assert.Nil(t, interventions["patient1"]["hospitalization"])

	var cfg struct {
		Surveys []struct {
			ObjectID string          `json:"object_id"`
			Name     string          `json:"name"`
			Content  json.RawMessage `json:"content"`
		} `json:"surveys"`
	}
	blob, err = os.ReadFile(ws.StudyConfigPath())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &cfg))
	require.Len(t, cfg.Surveys, 1)
	assert.Equal(t, "survey-1", cfg.Surveys[0].ObjectID)
	assert.JSONEq(t, `[{"question":"How are you?"}]`, string(cfg.Surveys[0].Content))
}

func TestAssemblerNoOpForOtherTrees(t *testing.T) {
	a := &Assembler{Studies: &staticStudySource{}}
	task, study, ws := assemblerFixture(t, models.TreeJasmine)

	require.NoError(t, a.WriteAuxiliaryFiles(context.Background(), task, study, ws))

	_, err := os.Stat(ws.InterventionsPath())
	assert.True(t, os.IsNotExist(err))
}

func TestAssemblerRejectsMalformedSurveyContent(t *testing.T) {
	source := &staticStudySource{
		surveys: []*models.Survey{{ObjectID: "survey-bad", Content: `{not json`}},
	}
	a := &Assembler{Studies: source}
	task, study, ws := assemblerFixture(t, models.TreeSycamore)

	err := a.WriteAuxiliaryFiles(context.Background(), task, study, ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "survey-bad")
}
