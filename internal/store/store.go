package store

import (
	"context"
	"errors"
	"time"

	"go-modelwatch/internal/models"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	Init() error
	Close() error

	// Sites
	ListSites(ctx context.Context) ([]models.Site, error)
	GetSite(ctx context.Context, id int64) (*models.Site, error)
	CreateSite(ctx context.Context, s *models.Site) error
	UpdateSite(ctx context.Context, s *models.Site) error
	DeleteSite(ctx context.Context, id int64) error
	TouchSiteChecked(ctx context.Context, id int64, at time.Time) error

	// Snapshots are append-only.
	CreateSnapshot(ctx context.Context, snap *models.ModelSnapshot) error
	LatestSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error)
	LatestSuccessfulSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error)
	LatestCheckInSnapshot(ctx context.Context, siteID int64) (*models.ModelSnapshot, error)
	ListSnapshots(ctx context.Context, siteID int64, limit int) ([]models.ModelSnapshot, error)

	// Diffs; siteID 0 lists across all sites.
	CreateDiff(ctx context.Context, d *models.ModelDiff) error
	ListDiffs(ctx context.Context, siteID int64, limit int) ([]models.ModelDiff, error)

	// Singletons
	GetScheduleConfig(ctx context.Context) (*models.ScheduleConfig, error)
	SaveScheduleConfig(ctx context.Context, c *models.ScheduleConfig) error
	UpdateScheduleLastRun(ctx context.Context, at time.Time) error
	GetEmailConfig(ctx context.Context) (*models.EmailConfig, error)
	SaveEmailConfig(ctx context.Context, c *models.EmailConfig) error

	// Backup & Restore
	ExportData(ctx context.Context) (*models.Backup, error)
	ImportData(ctx context.Context, data *models.Backup) error
}

// Open picks the backend by driver name.
func Open(driver, dsn string) (Store, error) {
	var s Store
	switch driver {
	case "", "sqlite", "sqlite3":
		s = &SQLiteStore{DBPath: dsn}
	case "postgres", "postgresql":
		s = &PostgresStore{ConnStr: dsn}
	default:
		return nil, errors.New("store: unknown driver " + driver)
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}
