package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	DBPath string
	sqlStore
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT 'New Site',
		base_url TEXT NOT NULL,
		api_type TEXT NOT NULL DEFAULT 'openai',
		api_key TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		unlimited_quota BOOLEAN NOT NULL DEFAULT 0,
		billing_url TEXT NOT NULL DEFAULT '',
		billing_auth_type TEXT NOT NULL DEFAULT '',
		billing_auth_value TEXT NOT NULL DEFAULT '',
		billing_mapping TEXT NOT NULL DEFAULT '',
		checkin_enabled BOOLEAN NOT NULL DEFAULT 0,
		checkin_mode TEXT NOT NULL DEFAULT 'model-only',
		schedule_cron TEXT NOT NULL DEFAULT '',
		schedule_timezone TEXT NOT NULL DEFAULT '',
		last_checked_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS model_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id INTEGER NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		models TEXT NOT NULL,
		hash TEXT NOT NULL DEFAULT '',
		models_fetched BOOLEAN NOT NULL DEFAULT 1,
		fetched_at TIMESTAMP NOT NULL,
		raw_response TEXT NOT NULL DEFAULT '',
		error_message TEXT NULL,
		http_status INTEGER NULL,
		latency_ms INTEGER NULL,
		billing_limit REAL NULL,
		billing_usage REAL NULL,
		billing_error TEXT NULL,
		checkin_success BOOLEAN NULL,
		checkin_message TEXT NULL,
		checkin_quota REAL NULL,
		checkin_error TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_site ON model_snapshots(site_id, fetched_at);`,
	`CREATE TABLE IF NOT EXISTS model_diffs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id INTEGER NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		added TEXT NOT NULL,
		removed TEXT NOT NULL,
		changed TEXT NOT NULL,
		from_snapshot_id INTEGER NOT NULL,
		to_snapshot_id INTEGER NOT NULL,
		diffed_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS schedule_config (
		id INTEGER PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		hour INTEGER NOT NULL DEFAULT 9,
		minute INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		interval_seconds INTEGER NOT NULL DEFAULT 5,
		override_individual BOOLEAN NOT NULL DEFAULT 0,
		last_run_at TIMESTAMP NULL
	);`,
	`CREATE TABLE IF NOT EXISTS email_config (
		id INTEGER PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT 0,
		api_key TEXT NOT NULL DEFAULT '',
		recipients TEXT NOT NULL DEFAULT ''
	);`,
}

func (s *SQLiteStore) Init() error {
	db, err := sql.Open("sqlite3", s.DBPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return err
	}
	// One writer at a time keeps SQLite free of "database is locked".
	db.SetMaxOpenConns(1)
	s.sqlStore = sqlStore{db: db, placeholder: func(int) string { return "?" }}
	return s.migrate(sqliteSchema)
}
