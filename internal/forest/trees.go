package forest

import (
	"sort"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// RequiredDataStreams lists the raw data streams each tree consumes. The
// data fetcher only downloads chunks of these types.
var RequiredDataStreams = map[models.ForestTree][]string{
	models.TreeJasmine:  {models.StreamGPS},
	models.TreeOak:      {models.StreamAccelerometer},
	models.TreeSycamore: {models.StreamSurveyAnswers, models.StreamSurveyTimings},
	models.TreeWillow:   {models.StreamCalls, models.StreamTexts},
}

// DateColumns identify the row's calendar date in tree output CSVs and are
// not summary statistic fields.
var DateColumns = map[string]bool{
	"year":  true,
	"month": true,
	"day":   true,
}

// ColumnToSummaryField is the single source of truth for valid tree output
// columns. Every non-date column in an output CSV must appear here; an
// unrecognized column is a schema drift failure, never silently dropped.
var ColumnToSummaryField = map[string]string{
	// Jasmine, GPS
	"diameter":           "jasmine_distance_diameter",
	"max_dist_home":      "jasmine_distance_from_home",
	"dist_traveled":      "jasmine_distance_traveled",
	"av_flight_length":   "jasmine_flight_distance_average",
	"sd_flight_length":   "jasmine_flight_distance_stddev",
	"av_flight_duration": "jasmine_flight_duration_average",
	"sd_flight_duration": "jasmine_flight_duration_stddev",
	"missing_time":       "jasmine_gps_data_missing_duration",
	"home_time":          "jasmine_home_duration",
	"radius":             "jasmine_gyration_radius",
	"num_sig_places":     "jasmine_significant_location_count",
	"entropy":            "jasmine_significant_location_entropy",
	"total_pause_time":   "jasmine_pause_time",
	"obs_duration":       "jasmine_obs_duration",
	"obs_day":            "jasmine_obs_day",
	"obs_night":          "jasmine_obs_night",
	"total_flight_time":  "jasmine_total_flight_time",
	"av_pause_duration":  "jasmine_av_pause_duration",
	"sd_pause_duration":  "jasmine_sd_pause_duration",

	// Willow, texts
	"num_r":                     "willow_incoming_text_count",
	"num_r_tel":                 "willow_incoming_text_degree",
	"total_char_r":              "willow_incoming_text_length",
	"num_s":                     "willow_outgoing_text_count",
	"num_s_tel":                 "willow_outgoing_text_degree",
	"total_char_s":              "willow_outgoing_text_length",
	"text_reciprocity_incoming": "willow_incoming_text_reciprocity",
	"text_reciprocity_outgoing": "willow_outgoing_text_reciprocity",
	"num_mms_s":                 "willow_outgoing_mms_count",
	"num_mms_r":                 "willow_incoming_mms_count",

	// Willow, calls
	"num_in_call":        "willow_incoming_call_count",
	"num_in_caller":      "willow_incoming_call_degree",
	"total_mins_in_call": "willow_incoming_call_duration",
	"num_out_call":       "willow_outgoing_call_count",
	"num_out_caller":     "willow_outgoing_call_degree",
	"total_mins_out_call": "willow_outgoing_call_duration",
	"num_mis_call":       "willow_missed_call_count",
	"num_mis_caller":     "willow_missed_callers",

	// Willow, both
	"num_uniq_individuals_call_or_text": "willow_uniq_individual_call_or_text_count",

	// Sycamore, survey frequency
	"num_surveys":          "sycamore_total_surveys",
	"num_complete_surveys": "sycamore_total_completed_surveys",
	"num_opened_surveys":   "sycamore_total_opened_surveys",
	"avg_time_to_submit":   "sycamore_average_time_to_submit",
	"avg_time_to_open":     "sycamore_average_time_to_open",
	"avg_duration":         "sycamore_average_duration",

	// Oak, walking
	"walking_time": "oak_walking_time",
	"steps":        "oak_steps",
	"cadence":      "oak_cadence",
}

// SummaryFields returns every summary statistic field name, sorted.
func SummaryFields() []string {
	fields := make([]string, 0, len(ColumnToSummaryField))
	for _, f := range ColumnToSummaryField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// SummaryFieldSet returns the valid summary field names as a lookup set.
func SummaryFieldSet() map[string]bool {
	set := make(map[string]bool, len(ColumnToSummaryField))
	for _, f := range ColumnToSummaryField {
		set[f] = true
	}
	return set
}

// TaskRefColumn is the summary row column holding the back-reference to the
// task that last wrote the given tree's column group.
func TaskRefColumn(tree models.ForestTree) string {
	return string(tree) + "_task_id"
}
