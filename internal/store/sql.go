package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-modelwatch/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with "?" and rebound per dialect.
type sqlStore struct {
	db          *sql.DB
	placeholder func(n int) string
	afterImport []string
}

func (s *sqlStore) q(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(schema []string) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- SITES ---

const siteColumns = `id, name, base_url, api_type, api_key, user_id, unlimited_quota,
	billing_url, billing_auth_type, billing_auth_value, billing_mapping,
	checkin_enabled, checkin_mode, schedule_cron, schedule_timezone,
	last_checked_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSite(row scanner) (*models.Site, error) {
	var (
		st      models.Site
		apiType string
		mode    string
		mapping string
		checked sql.NullTime
	)
	err := row.Scan(&st.ID, &st.Name, &st.BaseURL, &apiType, &st.APIKey, &st.UserID, &st.UnlimitedQuota,
		&st.BillingURL, &st.BillingAuthType, &st.BillingAuthValue, &mapping,
		&st.CheckInEnabled, &mode, &st.ScheduleCron, &st.ScheduleTimezone,
		&checked, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.APIType = models.APIType(apiType)
	st.CheckInMode = models.CheckInMode(mode)
	if mapping != "" {
		var m models.BillingMapping
		if err := json.Unmarshal([]byte(mapping), &m); err == nil {
			st.BillingMapping = &m
		}
	}
	if checked.Valid {
		t := checked.Time
		st.LastCheckedAt = &t
	}
	return &st, nil
}

func encodeMapping(m *models.BillingMapping) string {
	if m.IsZero() {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (s *sqlStore) ListSites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+siteColumns+" FROM sites ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sites := []models.Site{}
	for rows.Next() {
		st, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *st)
	}
	return sites, rows.Err()
}

func (s *sqlStore) GetSite(ctx context.Context, id int64) (*models.Site, error) {
	st, err := scanSite(s.db.QueryRowContext(ctx, s.q("SELECT "+siteColumns+" FROM sites WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

func (s *sqlStore) CreateSite(ctx context.Context, st *models.Site) error {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	return s.db.QueryRowContext(ctx, s.q(`INSERT INTO sites (name, base_url, api_type, api_key, user_id, unlimited_quota,
		billing_url, billing_auth_type, billing_auth_value, billing_mapping,
		checkin_enabled, checkin_mode, schedule_cron, schedule_timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		st.Name, st.BaseURL, string(st.APIType), st.APIKey, st.UserID, st.UnlimitedQuota,
		st.BillingURL, st.BillingAuthType, st.BillingAuthValue, encodeMapping(st.BillingMapping),
		st.CheckInEnabled, string(st.CheckInMode), st.ScheduleCron, st.ScheduleTimezone, st.CreatedAt, st.UpdatedAt,
	).Scan(&st.ID)
}

func (s *sqlStore) UpdateSite(ctx context.Context, st *models.Site) error {
	st.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sites SET name=?, base_url=?, api_type=?, api_key=?, user_id=?, unlimited_quota=?,
		billing_url=?, billing_auth_type=?, billing_auth_value=?, billing_mapping=?,
		checkin_enabled=?, checkin_mode=?, schedule_cron=?, schedule_timezone=?, updated_at=? WHERE id=?`),
		st.Name, st.BaseURL, string(st.APIType), st.APIKey, st.UserID, st.UnlimitedQuota,
		st.BillingURL, st.BillingAuthType, st.BillingAuthValue, encodeMapping(st.BillingMapping),
		st.CheckInEnabled, string(st.CheckInMode), st.ScheduleCron, st.ScheduleTimezone, st.UpdatedAt, st.ID)
	return affected(res, err)
}

func (s *sqlStore) DeleteSite(ctx context.Context, id int64) error {
	// Children first so the delete also works without FK cascade.
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM model_diffs WHERE site_id=?"), id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM model_snapshots WHERE site_id=?"), id); err != nil {
		return err
	}
	return affected(s.db.ExecContext(ctx, s.q("DELETE FROM sites WHERE id=?"), id))
}

func (s *sqlStore) TouchSiteChecked(ctx context.Context, id int64, at time.Time) error {
	return affected(s.db.ExecContext(ctx, s.q("UPDATE sites SET last_checked_at=? WHERE id=?"), at.UTC(), id))
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- SNAPSHOTS ---

const snapshotColumns = `id, site_id, models, hash, models_fetched, fetched_at, raw_response, error_message,
	http_status, latency_ms, billing_limit, billing_usage, billing_error,
	checkin_success, checkin_message, checkin_quota, checkin_error`

func scanSnapshot(row scanner) (*models.ModelSnapshot, error) {
	var (
		snap                          models.ModelSnapshot
		list                          string
		errMsg, billErr, ciMsg, ciErr sql.NullString
		status, latency               sql.NullInt64
		billLimit, billUsage, ciQuota sql.NullFloat64
		ciSuccess                     sql.NullBool
	)
	err := row.Scan(&snap.ID, &snap.SiteID, &list, &snap.Hash, &snap.ModelsFetched, &snap.FetchedAt, &snap.RawResponse, &errMsg,
		&status, &latency, &billLimit, &billUsage, &billErr,
		&ciSuccess, &ciMsg, &ciQuota, &ciErr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(list), &snap.Models); err != nil {
		return nil, fmt.Errorf("store: snapshot %d models: %w", snap.ID, err)
	}
	snap.ErrorMessage = nullString(errMsg)
	if status.Valid {
		v := int(status.Int64)
		snap.HTTPStatus = &v
	}
	if latency.Valid {
		v := latency.Int64
		snap.LatencyMS = &v
	}
	snap.BillingLimit = nullFloat(billLimit)
	snap.BillingUsage = nullFloat(billUsage)
	snap.BillingError = nullString(billErr)
	if ciSuccess.Valid {
		v := ciSuccess.Bool
		snap.CheckInSuccess = &v
	}
	snap.CheckInMessage = nullString(ciMsg)
	snap.CheckInQuota = nullFloat(ciQuota)
	snap.CheckInError = nullString(ciErr)
	return &snap, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *sqlStore) CreateSnapshot(ctx context.Context, snap *models.ModelSnapshot) error {
	if snap.Models == nil {
		snap.Models = []models.Model{}
	}
	list, err := json.Marshal(snap.Models)
	if err != nil {
		return err
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx, s.q(`INSERT INTO model_snapshots (site_id, models, hash, models_fetched, fetched_at, raw_response,
		error_message, http_status, latency_ms, billing_limit, billing_usage, billing_error,
		checkin_success, checkin_message, checkin_quota, checkin_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		snap.SiteID, string(list), snap.Hash, snap.ModelsFetched, snap.FetchedAt.UTC(), snap.RawResponse,
		snap.ErrorMessage, snap.HTTPStatus, snap.LatencyMS, snap.BillingLimit, snap.BillingUsage, snap.BillingError,
		snap.CheckInSuccess, snap.CheckInMessage, snap.CheckInQuota, snap.CheckInError,
	).Scan(&snap.ID)
}

func (s *sqlStore) latest(ctx context.Context, where string, siteID int64) (*models.ModelSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		s.q("SELECT "+snapshotColumns+" FROM model_snapshots WHERE site_id = ?"+where+" ORDER BY id DESC LIMIT 1"), siteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (s *sqlStore) LatestSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error) {
	return s.latest(ctx, "", siteID)
}

// LatestSuccessfulSnapshot is the head of the diff lineage: error free and
// carrying a real model observation.
func (s *sqlStore) LatestSuccessfulSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error) {
	return s.latest(ctx, " AND error_message IS NULL AND models_fetched = TRUE", siteID)
}

func (s *sqlStore) LatestCheckInSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error) {
	return s.latest(ctx, " AND checkin_success IS NOT NULL", siteID)
}

func (s *sqlStore) ListSnapshots(ctx context.Context, siteID int64, limit int) ([]models.ModelSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+snapshotColumns+" FROM model_snapshots WHERE site_id = ? ORDER BY id DESC LIMIT ?"), siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ModelSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// --- DIFFS ---

func (s *sqlStore) CreateDiff(ctx context.Context, d *models.ModelDiff) error {
	enc := func(l []models.Model) string {
		if l == nil {
			l = []models.Model{}
		}
		b, _ := json.Marshal(l)
		return string(b)
	}
	if d.DiffedAt.IsZero() {
		d.DiffedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx, s.q(`INSERT INTO model_diffs (site_id, added, removed, changed, from_snapshot_id, to_snapshot_id, diffed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		d.SiteID, enc(d.Added), enc(d.Removed), enc(d.Changed), d.FromSnapshotID, d.ToSnapshotID, d.DiffedAt.UTC(),
	).Scan(&d.ID)
}

func (s *sqlStore) ListDiffs(ctx context.Context, siteID int64, limit int) ([]models.ModelDiff, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, site_id, added, removed, changed, from_snapshot_id, to_snapshot_id, diffed_at FROM model_diffs"
	args := []any{}
	if siteID > 0 {
		query += " WHERE site_id = ?"
		args = append(args, siteID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ModelDiff{}
	for rows.Next() {
		var d models.ModelDiff
		var added, removed, changed string
		if err := rows.Scan(&d.ID, &d.SiteID, &added, &removed, &changed, &d.FromSnapshotID, &d.ToSnapshotID, &d.DiffedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(added), &d.Added); err != nil {
			return nil, fmt.Errorf("store: diff %d added: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(removed), &d.Removed); err != nil {
			return nil, fmt.Errorf("store: diff %d removed: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(changed), &d.Changed); err != nil {
			return nil, fmt.Errorf("store: diff %d changed: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- SINGLETONS ---

func (s *sqlStore) GetScheduleConfig(ctx context.Context) (*models.ScheduleConfig, error) {
	c := models.DefaultScheduleConfig()
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT enabled, hour, minute, timezone, interval_seconds, override_individual, last_run_at
		FROM schedule_config WHERE id = 1`).Scan(&c.Enabled, &c.Hour, &c.Minute, &c.Timezone, &c.IntervalSeconds, &c.OverrideIndividual, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		c.LastRunAt = &t
	}
	return &c, nil
}

func (s *sqlStore) SaveScheduleConfig(ctx context.Context, c *models.ScheduleConfig) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schedule_config (id, enabled, hour, minute, timezone, interval_seconds, override_individual)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, hour = excluded.hour, minute = excluded.minute,
			timezone = excluded.timezone, interval_seconds = excluded.interval_seconds,
			override_individual = excluded.override_individual`),
		c.Enabled, c.Hour, c.Minute, c.Timezone, c.IntervalSeconds, c.OverrideIndividual)
	return err
}

func (s *sqlStore) UpdateScheduleLastRun(ctx context.Context, at time.Time) error {
	d := models.DefaultScheduleConfig()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schedule_config (id, enabled, hour, minute, timezone, interval_seconds, override_individual, last_run_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET last_run_at = excluded.last_run_at`),
		d.Enabled, d.Hour, d.Minute, d.Timezone, d.IntervalSeconds, d.OverrideIndividual, at.UTC())
	return err
}

func (s *sqlStore) GetEmailConfig(ctx context.Context) (*models.EmailConfig, error) {
	var c models.EmailConfig
	err := s.db.QueryRowContext(ctx, `SELECT enabled, api_key, recipients FROM email_config WHERE id = 1`).
		Scan(&c.Enabled, &c.APIKey, &c.Recipients)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) SaveEmailConfig(ctx context.Context, c *models.EmailConfig) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO email_config (id, enabled, api_key, recipients) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, api_key = excluded.api_key, recipients = excluded.recipients`),
		c.Enabled, c.APIKey, c.Recipients)
	return err
}

// --- BACKUP ---

func (s *sqlStore) ExportData(ctx context.Context) (*models.Backup, error) {
	sites, err := s.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	sched, err := s.GetScheduleConfig(ctx)
	if err != nil {
		return nil, err
	}
	email, err := s.GetEmailConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Backup{Sites: sites, Schedule: sched, Email: email}, nil
}

// ImportData replaces all configuration. Observation history is dropped
// with the sites it belonged to.
func (s *sqlStore) ImportData(ctx context.Context, data *models.Backup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM model_diffs", "DELETE FROM model_snapshots", "DELETE FROM sites"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, st := range data.Sites {
		created := st.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO sites (id, name, base_url, api_type, api_key, user_id, unlimited_quota,
			billing_url, billing_auth_type, billing_auth_value, billing_mapping,
			checkin_enabled, checkin_mode, schedule_cron, schedule_timezone, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, st.Name, st.BaseURL, string(st.APIType), st.APIKey, st.UserID, st.UnlimitedQuota,
			st.BillingURL, st.BillingAuthType, st.BillingAuthValue, encodeMapping(st.BillingMapping),
			st.CheckInEnabled, string(st.CheckInMode), st.ScheduleCron, st.ScheduleTimezone, created, now)
		if err != nil {
			return fmt.Errorf("store: import site %d: %w", st.ID, err)
		}
	}
	if c := data.Schedule; c != nil {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schedule_config (id, enabled, hour, minute, timezone, interval_seconds, override_individual)
			VALUES (1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, hour = excluded.hour, minute = excluded.minute,
				timezone = excluded.timezone, interval_seconds = excluded.interval_seconds,
				override_individual = excluded.override_individual`),
			c.Enabled, c.Hour, c.Minute, c.Timezone, c.IntervalSeconds, c.OverrideIndividual); err != nil {
			return err
		}
	}
	if c := data.Email; c != nil {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO email_config (id, enabled, api_key, recipients) VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, api_key = excluded.api_key, recipients = excluded.recipients`),
			c.Enabled, c.APIKey, c.Recipients); err != nil {
			return err
		}
	}
	for _, stmt := range s.afterImport {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
