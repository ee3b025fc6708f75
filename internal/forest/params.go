package forest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// Parameter keys common to every tree invocation.
const (
	ParamOutputFolder = "output_folder"
	ParamStudyFolder  = "study_folder"
	ParamTzStr        = "tz_str"

	// Jasmine cache artifacts, passed as staged payload file paths (nil when
	// no prior cache exists and the tree starts fresh).
	ParamAllBVSet      = "all_bv_set"
	ParamAllMemoryDict = "all_memory_dict"

	// Sycamore auxiliary files.
	ParamConfigPath            = "config_path"
	ParamInterventionsFilepath = "interventions_filepath"
)

// SycamoreDateFormat is the date encoding sycamore expects; every other
// tree takes decomposed 7-element datetime lists.
const SycamoreDateFormat = "2006-01-02"

// ParamsSchemaVersion is the current override envelope schema. Envelopes
// with any other version are refused rather than reinterpreted.
const ParamsSchemaVersion = 1

// ParamsEnvelope wraps persisted per-task parameter overrides with enough
// context to refuse incompatible historical blobs instead of silently
// misreading them.
type ParamsEnvelope struct {
	SchemaVersion int               `json:"schema_version"`
	ForestTree    models.ForestTree `json:"forest_tree"`
	Parameters    json.RawMessage   `json:"parameters"`
}

// TreeOverrides is implemented by the per-tree typed override structs.
type TreeOverrides interface {
	apply(params map[string]any)
}

// JasmineOverrides are the tunable jasmine parameters.
type JasmineOverrides struct {
	Frequency *string `json:"frequency,omitempty"`
	SaveTraj  *bool   `json:"save_traj,omitempty"`
}

func (o *JasmineOverrides) apply(params map[string]any) {
	if o.Frequency != nil {
		params["frequency"] = *o.Frequency
	}
	if o.SaveTraj != nil {
		params["save_traj"] = *o.SaveTraj
	}
}

// OakOverrides are the tunable oak parameters.
type OakOverrides struct {
	Frequency *string `json:"frequency,omitempty"`
}

func (o *OakOverrides) apply(params map[string]any) {
	if o.Frequency != nil {
		params["frequency"] = *o.Frequency
	}
}

// SycamoreOverrides are the tunable sycamore parameters.
type SycamoreOverrides struct {
	SubmitsTimeframe *string `json:"submits_timeframe,omitempty"`
}

func (o *SycamoreOverrides) apply(params map[string]any) {
	if o.SubmitsTimeframe != nil {
		params["submits_timeframe"] = *o.SubmitsTimeframe
	}
}

// WillowOverrides are the tunable willow parameters.
type WillowOverrides struct {
	Frequency *string `json:"frequency,omitempty"`
}

func (o *WillowOverrides) apply(params map[string]any) {
	if o.Frequency != nil {
		params["frequency"] = *o.Frequency
	}
}

// defaultParams are applied when a task carries no override envelope.
func defaultParams(tree models.ForestTree) map[string]any {
	switch tree {
	case models.TreeJasmine:
		return map[string]any{"frequency": "daily", "save_traj": false}
	case models.TreeOak:
		return map[string]any{"frequency": "daily"}
	case models.TreeSycamore:
		return map[string]any{"submits_timeframe": "daily"}
	case models.TreeWillow:
		return map[string]any{"frequency": "daily"}
	}
	return map[string]any{}
}

// EncodeOverrides serializes typed overrides into the envelope stored on a
// task. The overrides must already be the correct type for the tree.
func EncodeOverrides(tree models.ForestTree, overrides TreeOverrides) (string, error) {
	raw, err := json.Marshal(overrides)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s overrides: %w", tree, err)
	}
	env, err := json.Marshal(ParamsEnvelope{
		SchemaVersion: ParamsSchemaVersion,
		ForestTree:    tree,
		Parameters:    raw,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize params envelope: %w", err)
	}
	return string(env), nil
}

// DecodeOverrides parses a persisted envelope back into typed overrides.
// Unknown keys and unknown schema versions are rejected: a task whose
// parameters can no longer be decoded is permanently unrunnable, and that
// is surfaced as ErrParamsIncompatible rather than a silent partial read.
func DecodeOverrides(tree models.ForestTree, blob string) (TreeOverrides, error) {
	var env ParamsEnvelope
	dec := json.NewDecoder(bytes.NewReader([]byte(blob)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamsIncompatible, err)
	}
	if env.SchemaVersion != ParamsSchemaVersion {
		return nil, fmt.Errorf("%w: stored version %d, current version %d",
			ErrParamsIncompatible, env.SchemaVersion, ParamsSchemaVersion)
	}
	if env.ForestTree != tree {
		return nil, fmt.Errorf("%w: envelope is for tree %q, task is %q",
			ErrParamsIncompatible, env.ForestTree, tree)
	}

	var overrides TreeOverrides
	switch tree {
	case models.TreeJasmine:
		overrides = &JasmineOverrides{}
	case models.TreeOak:
		overrides = &OakOverrides{}
	case models.TreeSycamore:
		overrides = &SycamoreOverrides{}
	case models.TreeWillow:
		overrides = &WillowOverrides{}
	default:
		return nil, fmt.Errorf("unknown forest tree: %s", tree)
	}

	params := env.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	pd := json.NewDecoder(bytes.NewReader(params))
	pd.DisallowUnknownFields()
	if err := pd.Decode(overrides); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamsIncompatible, err)
	}
	return overrides, nil
}

// ParamInputs carries everything the parameter builder needs for one run.
type ParamInputs struct {
	Task        *models.ForestTask
	Study       *models.Study
	Participant *models.Participant
	Workspace   *Workspace

	// Staged jasmine cache payload paths; empty means no prior cache.
	AllBVSetPath      string
	AllMemoryDictPath string
}

// BuildParams assembles the full parameter map passed to the tree function:
// folders and timezone, tree defaults or persisted overrides, the date
// range in the shape the tree expects, and tree-specific extras. The date
// range end is the task's inclusive end date plus one day, because the tree
// contract treats the end bound exclusively.
func BuildParams(in ParamInputs) (map[string]any, error) {
	task := in.Task
	params := map[string]any{
		ParamOutputFolder: in.Workspace.DataOutputPath(),
		ParamStudyFolder:  in.Workspace.DataInputPath(),
		ParamTzStr:        in.Study.TimezoneName,
	}

	if task.Params != "" {
		overrides, err := DecodeOverrides(task.ForestTree, task.Params)
		if err != nil {
			return nil, err
		}
		for k, v := range defaultParams(task.ForestTree) {
			params[k] = v
		}
		overrides.apply(params)
	} else {
		for k, v := range defaultParams(task.ForestTree) {
			params[k] = v
		}
	}

	applyDateParams(task, params)
	applyTreeExtras(in, params)
	return params, nil
}

func applyDateParams(task *models.ForestTask, params map[string]any) {
	endExclusive := task.DataDateEnd.AddDate(0, 0, 1)
	if task.ForestTree == models.TreeSycamore {
		params["start_date"] = task.DataDateStart.Format(SycamoreDateFormat)
		params["end_date"] = endExclusive.Format(SycamoreDateFormat)
		return
	}
	params["time_start"] = dateToList(task.DataDateStart)
	params["time_end"] = dateToList(endExclusive)
}

// dateToList decomposes a date into the 7-element
// [year, month, day, hour, minute, second, microsecond] list the trees take
// for their time bounds. Dates always decompose to local midnight.
func dateToList(d time.Time) []int {
	return []int{d.Year(), int(d.Month()), d.Day(), 0, 0, 0, 0}
}

func applyTreeExtras(in ParamInputs, params map[string]any) {
	switch in.Task.ForestTree {
	case models.TreeJasmine:
		// the tree expects nil, not an empty path, when starting fresh
		if in.AllBVSetPath != "" {
			params[ParamAllBVSet] = in.AllBVSetPath
		} else {
			params[ParamAllBVSet] = nil
		}
		if in.AllMemoryDictPath != "" {
			params[ParamAllMemoryDict] = in.AllMemoryDictPath
		} else {
			params[ParamAllMemoryDict] = nil
		}
	case models.TreeSycamore:
		params[ParamConfigPath] = in.Workspace.StudyConfigPath()
		params[ParamInterventionsFilepath] = in.Workspace.InterventionsPath()
	}
}
