package models

import "time"

// Data stream identifiers as stored in the chunk registry. These match the
// stream names the mobile clients upload under.
const (
	StreamAccelerometer = "accelerometer"
	StreamCalls         = "calls"
	StreamGPS           = "gps"
	StreamSurveyAnswers = "survey_answers"
	StreamSurveyTimings = "survey_timings"
	StreamTexts         = "texts"
)

// SurveyNestedStreams are the data streams whose workspace files are nested
// under a per-survey subfolder.
var SurveyNestedStreams = map[string]bool{
	StreamSurveyAnswers: true,
	StreamSurveyTimings: true,
}

// Chunk is one stored, time-bounded slice of one participant's raw data of
// one stream type. ChunkPath is the object store key of the blob.
type Chunk struct {
	ID            int64     `json:"id"`
	ParticipantID int64     `json:"participant_id"`
	StudyID       int64     `json:"study_id"`
	DataType      string    `json:"data_type"`
	ChunkPath     string    `json:"chunk_path"`
	TimeBin       time.Time `json:"time_bin"`
	FileSize      int64     `json:"file_size"`

	// SurveyObjectID is set only for survey data streams.
	SurveyObjectID string `json:"survey_object_id,omitempty"`

	// Joined at query time for workspace file naming.
	PatientID string `json:"-"`
}
