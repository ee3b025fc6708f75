package models

import (
	"time"
)

// DateOnly is the storage/display format for task date ranges.
const DateOnly = "2006-01-02"

// ForestTree identifies one of the external analysis routines. The set is
// closed; adding a tree requires touching every switch over this type.
type ForestTree string

const (
	TreeJasmine  ForestTree = "jasmine"
	TreeOak      ForestTree = "oak"
	TreeSycamore ForestTree = "sycamore"
	TreeWillow   ForestTree = "willow"
)

// AllTrees lists every supported tree kind.
var AllTrees = []ForestTree{TreeJasmine, TreeOak, TreeSycamore, TreeWillow}

// Valid reports whether t is a known tree kind.
func (t ForestTree) Valid() bool {
	switch t {
	case TreeJasmine, TreeOak, TreeSycamore, TreeWillow:
		return true
	}
	return false
}

// TaskStatus is the forest task state machine. queued -> running ->
// {success, error}; cancelled is reachable only from queued. The three
// outcome states are terminal: a retry is a new task row, never a status
// reset.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusError || s == TaskStatusCancelled
}

// OutputState records whether a run produced any summary output.
// OutputUnknown specifically means the materialization step itself failed
// before it could determine an answer, which is distinct from "ran cleanly
// and found nothing".
type OutputState string

const (
	OutputUnknown OutputState = "unknown"
	OutputNone    OutputState = "none"
	OutputFound   OutputState = "found"
)

// ForestTask is one queued request to run one tree over one participant's
// inclusive date range.
type ForestTask struct {
	ID int64 `json:"-"`

	// ExternalID is the only identifier exposed outside the persistence
	// layer; it is intentionally not the primary key.
	ExternalID string `json:"external_id"`

	ParticipantID int64      `json:"participant_id"`
	ForestTree    ForestTree `json:"forest_tree"`
	ForestVersion string     `json:"forest_version,omitempty"`

	// Both bounds are inclusive.
	DataDateStart time.Time `json:"data_date_start"`
	DataDateEnd   time.Time `json:"data_date_end"`

	Status TaskStatus `json:"status"`

	// Params is the versioned override envelope (JSON), empty when the tree
	// defaults apply. See forest.ParamsEnvelope.
	Params string `json:"params,omitempty"`

	// Runtime accounting.
	TotalFileSize          *int64     `json:"total_file_size,omitempty"`
	ProcessStartTime       *time.Time `json:"process_start_time,omitempty"`
	ProcessDownloadEndTime *time.Time `json:"process_download_end_time,omitempty"`
	ProcessEndTime         *time.Time `json:"process_end_time,omitempty"`
	Stacktrace             string     `json:"stacktrace,omitempty"`
	ForestOutput           OutputState `json:"forest_output"`

	// Object store keys written back by the pipeline.
	OutputZipKey     string `json:"output_zip_key,omitempty"`
	AllBVSetKey      string `json:"all_bv_set_key,omitempty"`
	AllMemoryDictKey string `json:"all_memory_dict_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
