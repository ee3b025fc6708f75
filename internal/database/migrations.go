package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations are applied in version order inside one transaction each.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS studies (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				object_id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				timezone_name TEXT NOT NULL DEFAULT 'UTC',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS participants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				patient_id TEXT NOT NULL UNIQUE,
				study_id INTEGER NOT NULL REFERENCES studies(id),
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS chunk_registry (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				participant_id INTEGER NOT NULL REFERENCES participants(id),
				study_id INTEGER NOT NULL REFERENCES studies(id),
				data_type TEXT NOT NULL,
				chunk_path TEXT NOT NULL,
				time_bin TIMESTAMP NOT NULL,
				file_size INTEGER NOT NULL DEFAULT 0,
				survey_object_id TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_chunk_registry_lookup
				ON chunk_registry(participant_id, data_type, time_bin);
		`,
	},
	{
		Version: 2,
		Name:    "forest_tasks",
		SQL: `
			CREATE TABLE IF NOT EXISTS forest_tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT NOT NULL UNIQUE,
				participant_id INTEGER NOT NULL REFERENCES participants(id),
				forest_tree TEXT NOT NULL,
				forest_version TEXT NOT NULL DEFAULT '',
				data_date_start TEXT NOT NULL,
				data_date_end TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'queued',
				params TEXT NOT NULL DEFAULT '',
				total_file_size INTEGER,
				process_start_time TIMESTAMP,
				process_download_end_time TIMESTAMP,
				process_end_time TIMESTAMP,
				stacktrace TEXT NOT NULL DEFAULT '',
				forest_output TEXT NOT NULL DEFAULT 'unknown',
				output_zip_key TEXT NOT NULL DEFAULT '',
				all_bv_set_key TEXT NOT NULL DEFAULT '',
				all_memory_dict_key TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_forest_tasks_pair
				ON forest_tasks(participant_id, forest_tree, status);
			CREATE INDEX IF NOT EXISTS idx_forest_tasks_status
				ON forest_tasks(status);
		`,
	},
	{
		Version: 3,
		Name:    "summary_statistics_daily",
		SQL: `
			CREATE TABLE IF NOT EXISTS summary_statistics_daily (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				participant_id INTEGER NOT NULL REFERENCES participants(id),
				date TEXT NOT NULL,
				timezone TEXT NOT NULL DEFAULT '',

				jasmine_distance_diameter REAL,
				jasmine_distance_from_home REAL,
				jasmine_distance_traveled REAL,
				jasmine_flight_distance_average REAL,
				jasmine_flight_distance_stddev REAL,
				jasmine_flight_duration_average REAL,
				jasmine_flight_duration_stddev REAL,
				jasmine_gps_data_missing_duration REAL,
				jasmine_home_duration REAL,
				jasmine_gyration_radius REAL,
				jasmine_significant_location_count REAL,
				jasmine_significant_location_entropy REAL,
				jasmine_pause_time REAL,
				jasmine_obs_duration REAL,
				jasmine_obs_day REAL,
				jasmine_obs_night REAL,
				jasmine_total_flight_time REAL,
				jasmine_av_pause_duration REAL,
				jasmine_sd_pause_duration REAL,

				willow_incoming_text_count REAL,
				willow_incoming_text_degree REAL,
				willow_incoming_text_length REAL,
				willow_outgoing_text_count REAL,
				willow_outgoing_text_degree REAL,
				willow_outgoing_text_length REAL,
				willow_incoming_text_reciprocity REAL,
				willow_outgoing_text_reciprocity REAL,
				willow_outgoing_mms_count REAL,
				willow_incoming_mms_count REAL,
				willow_incoming_call_count REAL,
				willow_incoming_call_degree REAL,
				willow_incoming_call_duration REAL,
				willow_outgoing_call_count REAL,
				willow_outgoing_call_degree REAL,
				willow_outgoing_call_duration REAL,
				willow_missed_call_count REAL,
				willow_missed_callers REAL,
				willow_uniq_individual_call_or_text_count REAL,

				sycamore_total_surveys REAL,
				sycamore_total_completed_surveys REAL,
				sycamore_total_opened_surveys REAL,
				sycamore_average_time_to_submit REAL,
				sycamore_average_time_to_open REAL,
				sycamore_average_duration REAL,

				oak_walking_time REAL,
				oak_steps REAL,
				oak_cadence REAL,

				jasmine_task_id INTEGER REFERENCES forest_tasks(id),
				willow_task_id INTEGER REFERENCES forest_tasks(id),
				sycamore_task_id INTEGER REFERENCES forest_tasks(id),
				oak_task_id INTEGER REFERENCES forest_tasks(id),

				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(participant_id, date)
			);
			CREATE INDEX IF NOT EXISTS idx_summary_statistics_date
				ON summary_statistics_daily(date);
		`,
	},
	{
		Version: 4,
		Name:    "study_surveys_and_interventions",
		SQL: `
			CREATE TABLE IF NOT EXISTS surveys (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				object_id TEXT NOT NULL UNIQUE,
				study_id INTEGER NOT NULL REFERENCES studies(id),
				name TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '[]',
				deleted INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS interventions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				study_id INTEGER NOT NULL REFERENCES studies(id),
				name TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS intervention_dates (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				participant_id INTEGER NOT NULL REFERENCES participants(id),
				intervention_id INTEGER NOT NULL REFERENCES interventions(id),
				date TEXT,
				UNIQUE(participant_id, intervention_id)
			);
		`,
	},
}

// Migrate applies all pending migrations.
func Migrate(db *sql.DB) error {
	if err := initMigrationsTable(db); err != nil {
		return err
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return err
		}
		slog.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

// initMigrationsTable creates the migrations tracking table
func initMigrationsTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// appliedMigrations returns the set of applied migration versions
func appliedMigrations(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, m Migration) error {
	return Transaction(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		return nil
	})
}
