package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	ConnStr string
	sqlStore
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT 'New Site',
		base_url TEXT NOT NULL,
		api_type TEXT NOT NULL DEFAULT 'openai',
		api_key TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		unlimited_quota BOOLEAN NOT NULL DEFAULT FALSE,
		billing_url TEXT NOT NULL DEFAULT '',
		billing_auth_type TEXT NOT NULL DEFAULT '',
		billing_auth_value TEXT NOT NULL DEFAULT '',
		billing_mapping TEXT NOT NULL DEFAULT '',
		checkin_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		checkin_mode TEXT NOT NULL DEFAULT 'model-only',
		schedule_cron TEXT NOT NULL DEFAULT '',
		schedule_timezone TEXT NOT NULL DEFAULT '',
		last_checked_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS model_snapshots (
		id BIGSERIAL PRIMARY KEY,
		site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		models TEXT NOT NULL,
		hash TEXT NOT NULL DEFAULT '',
		models_fetched BOOLEAN NOT NULL DEFAULT TRUE,
		fetched_at TIMESTAMPTZ NOT NULL,
		raw_response TEXT NOT NULL DEFAULT '',
		error_message TEXT NULL,
		http_status INTEGER NULL,
		latency_ms BIGINT NULL,
		billing_limit DOUBLE PRECISION NULL,
		billing_usage DOUBLE PRECISION NULL,
		billing_error TEXT NULL,
		checkin_success BOOLEAN NULL,
		checkin_message TEXT NULL,
		checkin_quota DOUBLE PRECISION NULL,
		checkin_error TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_site ON model_snapshots(site_id, fetched_at);`,
	`CREATE TABLE IF NOT EXISTS model_diffs (
		id BIGSERIAL PRIMARY KEY,
		site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		added TEXT NOT NULL,
		removed TEXT NOT NULL,
		changed TEXT NOT NULL,
		from_snapshot_id BIGINT NOT NULL,
		to_snapshot_id BIGINT NOT NULL,
		diffed_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS schedule_config (
		id INTEGER PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		hour INTEGER NOT NULL DEFAULT 9,
		minute INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		interval_seconds INTEGER NOT NULL DEFAULT 5,
		override_individual BOOLEAN NOT NULL DEFAULT FALSE,
		last_run_at TIMESTAMPTZ NULL
	);`,
	`CREATE TABLE IF NOT EXISTS email_config (
		id INTEGER PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		api_key TEXT NOT NULL DEFAULT '',
		recipients TEXT NOT NULL DEFAULT ''
	);`,
}

func (p *PostgresStore) Init() error {
	db, err := sql.Open("postgres", p.ConnStr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	p.sqlStore = sqlStore{
		db:          db,
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		afterImport: []string{
			"SELECT setval('sites_id_seq', COALESCE((SELECT MAX(id) FROM sites), 1))",
		},
	}
	return p.migrate(postgresSchema)
}
