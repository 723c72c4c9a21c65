package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-modelwatch/internal/models"
)

func newSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestSiteCRUD(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	site := &models.Site{
		Name: "gw", BaseURL: "https://gw.example", APIType: models.APITypeNewAPI, APIKey: "v1:xxx", UserID: "3",
		CheckInEnabled: true, CheckInMode: models.CheckInModeBoth,
		BillingMapping: &models.BillingMapping{LimitField: "data.total", Ratio: 1},
		ScheduleCron:   "0 */6 * * *", ScheduleTimezone: "Asia/Shanghai",
	}
	if err := s.CreateSite(ctx, site); err != nil {
		t.Fatalf("create: %v", err)
	}
	if site.ID == 0 {
		t.Fatalf("id not assigned")
	}

	got, err := s.GetSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.APIType != models.APITypeNewAPI || got.CheckInMode != models.CheckInModeBoth || !got.CheckInEnabled {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.BillingMapping == nil || got.BillingMapping.LimitField != "data.total" {
		t.Fatalf("mapping lost: %+v", got.BillingMapping)
	}
	if got.LastCheckedAt != nil {
		t.Fatalf("new site should not have last check")
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchSiteChecked(ctx, site.ID, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got.ScheduleCron = ""
	if err := s.UpdateSite(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetSite(ctx, site.ID)
	if got.ScheduleCron != "" || got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(now) {
		t.Fatalf("update/touch not applied: %+v", got)
	}

	if err := s.DeleteSite(ctx, site.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSite(ctx, site.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateSite(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing site should be ErrNotFound, got %v", err)
	}
}

func TestSnapshotLineageQueries(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	site := &models.Site{Name: "a", BaseURL: "http://a", APIType: models.APITypeOpenAI}
	s.CreateSite(ctx, site)

	if snap, err := s.LatestSuccessfulSnapshot(ctx, site.ID); err != nil || snap != nil {
		t.Fatalf("expected no snapshot, got %v %v", snap, err)
	}

	ok := &models.ModelSnapshot{SiteID: site.ID, Models: []models.Model{{ID: "m1"}}, Hash: "h1", ModelsFetched: true}
	failed := &models.ModelSnapshot{SiteID: site.ID, ModelsFetched: true, ErrorMessage: strp("boom")}
	yes := true
	checkinOnly := &models.ModelSnapshot{SiteID: site.ID, ModelsFetched: false, CheckInSuccess: &yes}
	for _, snap := range []*models.ModelSnapshot{ok, failed, checkinOnly} {
		if err := s.CreateSnapshot(ctx, snap); err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
	}

	head, err := s.LatestSuccessfulSnapshot(ctx, site.ID)
	if err != nil || head == nil || head.ID != ok.ID {
		t.Fatalf("lineage head should skip error and checkin-only snapshots, got %+v %v", head, err)
	}
	if len(head.Models) != 1 || head.Models[0].ID != "m1" {
		t.Fatalf("models not decoded: %+v", head.Models)
	}

	ci, _ := s.LatestCheckInSnapshot(ctx, site.ID)
	if ci == nil || ci.ID != checkinOnly.ID || ci.CheckInResult() == nil || !ci.CheckInResult().Success {
		t.Fatalf("latest check-in snapshot wrong: %+v", ci)
	}

	last, _ := s.LatestSnapshot(ctx, site.ID)
	if last.ID != checkinOnly.ID {
		t.Fatalf("latest snapshot wrong")
	}
	list, _ := s.ListSnapshots(ctx, site.ID, 10)
	if len(list) != 3 || list[0].ID != checkinOnly.ID {
		t.Fatalf("list order wrong: %d", len(list))
	}
	if list[1].ErrorMessage == nil || *list[1].ErrorMessage != "boom" {
		t.Fatalf("error message lost")
	}
}

func TestDiffsAndSingletons(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	site := &models.Site{Name: "a", BaseURL: "http://a", APIType: models.APITypeOpenAI}
	s.CreateSite(ctx, site)

	d := &models.ModelDiff{SiteID: site.ID, Added: []models.Model{{ID: "gpt-4"}}, FromSnapshotID: 1, ToSnapshotID: 2}
	if err := s.CreateDiff(ctx, d); err != nil {
		t.Fatalf("create diff: %v", err)
	}
	diffs, _ := s.ListDiffs(ctx, 0, 10)
	if len(diffs) != 1 || diffs[0].Added[0].ID != "gpt-4" || diffs[0].Removed == nil {
		t.Fatalf("diff round trip: %+v", diffs)
	}

	sc, err := s.GetScheduleConfig(ctx)
	if err != nil || sc.Enabled || sc.Hour != 9 {
		t.Fatalf("default schedule config: %+v %v", sc, err)
	}
	at := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateScheduleLastRun(ctx, at); err != nil {
		t.Fatalf("last run: %v", err)
	}
	sc.Enabled, sc.OverrideIndividual, sc.Hour = true, true, 3
	if err := s.SaveScheduleConfig(ctx, sc); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	sc, _ = s.GetScheduleConfig(ctx)
	if !sc.Enabled || !sc.OverrideIndividual || sc.Hour != 3 || sc.LastRunAt == nil || !sc.LastRunAt.Equal(at) {
		t.Fatalf("schedule config not persisted: %+v", sc)
	}

	if ec, err := s.GetEmailConfig(ctx); err != nil || ec != nil {
		t.Fatalf("expected missing email config")
	}
	s.SaveEmailConfig(ctx, &models.EmailConfig{Enabled: true, APIKey: "v1:k", Recipients: "a@x.io;b@x.io"})
	ec, _ := s.GetEmailConfig(ctx)
	if !ec.Enabled || len(ec.RecipientList()) != 2 {
		t.Fatalf("email config: %+v", ec)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t)
	src.CreateSite(ctx, &models.Site{Name: "a", BaseURL: "http://a", APIType: models.APITypeOpenAI})
	src.CreateSite(ctx, &models.Site{Name: "b", BaseURL: "http://b", APIType: models.APITypeVeloera, UserID: "9"})
	src.SaveEmailConfig(ctx, &models.EmailConfig{Enabled: true, Recipients: "ops@x.io"})

	data, err := src.ExportData(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newSQLite(t)
	dst.CreateSite(ctx, &models.Site{Name: "stale", BaseURL: "http://stale", APIType: models.APITypeOpenAI})
	if err := dst.ImportData(ctx, data); err != nil {
		t.Fatalf("import: %v", err)
	}
	sites, _ := dst.ListSites(ctx)
	if len(sites) != 2 || sites[1].Name != "b" || sites[1].UserID != "9" {
		t.Fatalf("import result: %+v", sites)
	}
	ec, _ := dst.GetEmailConfig(ctx)
	if ec == nil || ec.Recipients != "ops@x.io" {
		t.Fatalf("email config not imported")
	}
}

func TestListDiffsReportsCorruptRows(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	site := &models.Site{Name: "a", BaseURL: "http://a", APIType: models.APITypeOpenAI}
	s.CreateSite(ctx, site)

	db := s.(*SQLiteStore).db
	if _, err := db.ExecContext(ctx, `INSERT INTO model_diffs (site_id, added, removed, changed, from_snapshot_id, to_snapshot_id, diffed_at)
		VALUES (?, '[{"id":', '[]', '[]', 1, 2, ?)`, site.ID, time.Now().UTC()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.ListDiffs(ctx, site.ID, 10); err == nil || !strings.Contains(err.Error(), "added") {
		t.Fatalf("expected a decode error, got %v", err)
	}
}
