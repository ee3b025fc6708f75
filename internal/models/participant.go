package models

import "time"

// Study groups participants under one deployment of the mobile app. The
// pipeline only cares about its object id (object store prefix) and its
// local timezone, which anchors every task's date window.
type Study struct {
	ID           int64     `json:"id"`
	ObjectID     string    `json:"object_id"`
	Name         string    `json:"name"`
	TimezoneName string    `json:"timezone_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Participant is one enrolled subject. PatientID is the de-identified
// external identifier used in file paths and output CSV names.
type Participant struct {
	ID        int64     `json:"id"`
	PatientID string    `json:"patient_id"`
	StudyID   int64     `json:"study_id"`
	CreatedAt time.Time `json:"created_at"`
}
