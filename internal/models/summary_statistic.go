package models

import "time"

// SummaryStatisticDaily is one participant's aggregated metrics for one
// calendar date. All trees write into the same row: each owns a disjoint
// column group plus a back-reference to the task that last wrote it.
// Uniqueness is enforced on (participant_id, date).
//
// The metric columns themselves are defined by the column translation table
// in the forest package; the repository addresses them by field name, so
// this struct only carries the identifying attributes plus the decoded
// metric map.
type SummaryStatisticDaily struct {
	ID            int64     `json:"id"`
	ParticipantID int64     `json:"participant_id"`
	Date          time.Time `json:"date"`

	// Timezone is the abbreviated study timezone in effect on Date.
	Timezone string `json:"timezone"`

	// Metrics maps summary statistic field names (e.g.
	// "jasmine_distance_traveled") to values; nil means no tree has
	// produced that metric for this day yet.
	Metrics map[string]*float64 `json:"metrics"`

	// TaskIDs maps a tree kind to the id of the task that most recently
	// wrote that tree's column group on this row.
	TaskIDs map[ForestTree]int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
