package models

import "time"

// Survey is a study's survey definition. Content holds the question
// list as a JSON document, passed through verbatim to analysis inputs.
type Survey struct {
	ID        int64     `json:"id"`
	ObjectID  string    `json:"object_id"`
	StudyID   int64     `json:"study_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Intervention is a named study event whose per-participant dates feed
// survey analysis.
type Intervention struct {
	ID      int64  `json:"id"`
	StudyID int64  `json:"study_id"`
	Name    string `json:"name"`
}
