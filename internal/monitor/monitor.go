// Package monitor runs one check of a site: fetch, persist a snapshot, diff
// against the last good observation and record check-in outcomes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"go-modelwatch/internal/diff"
	"go-modelwatch/internal/models"
	"go-modelwatch/internal/provider"
	"go-modelwatch/internal/store"
)

const maxRawResponse = 64 << 10

type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

type CheckOptions struct {
	// Manual runs always fetch models and attempt check-in when enabled,
	// regardless of the site's mode.
	Manual bool
}

type CheckResult struct {
	Site           *models.Site
	Snapshot       *models.ModelSnapshot
	Diff           *models.ModelDiff
	HasChanges     bool
	CheckIn        *models.CheckInResult
	CheckInChanged bool
}

// Changes returns the diff as a result, empty when nothing was recorded.
func (r *CheckResult) Changes() models.DiffResult {
	if r.Diff == nil {
		return models.DiffResult{}
	}
	return models.DiffResult{Added: r.Diff.Added, Removed: r.Diff.Removed, Changed: r.Diff.Changed}
}

type Checker struct {
	store    store.Store
	codec    Decrypter
	registry *provider.Registry
	log      *log.Logger
	now      func() time.Time
}

func NewChecker(s store.Store, codec Decrypter, registry *provider.Registry, logger *log.Logger) *Checker {
	return &Checker{store: s, codec: codec, registry: registry, log: logger, now: time.Now}
}

type plan struct {
	models  bool
	checkIn bool
}

func resolvePlan(site *models.Site, supportsCheckIn bool, opts CheckOptions) plan {
	checkIn := site.CheckInEnabled && supportsCheckIn
	if opts.Manual || !checkIn {
		return plan{models: true, checkIn: checkIn}
	}
	switch site.CheckInMode {
	case models.CheckInModeCheckInOnly:
		return plan{checkIn: true}
	case models.CheckInModeBoth:
		return plan{models: true, checkIn: true}
	default:
		return plan{models: true}
	}
}

// CheckSite performs one check and writes exactly one snapshot, except when a
// stored credential cannot be decrypted, which aborts before any request.
func (c *Checker) CheckSite(ctx context.Context, siteID int64, opts CheckOptions) (*CheckResult, error) {
	site, err := c.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	creds, err := c.credentials(site)
	if err != nil {
		return nil, err
	}
	adapter, err := c.registry.For(site.APIType)
	if err != nil {
		return nil, err
	}
	p := resolvePlan(site, c.registry.SupportsCheckIn(site.APIType), opts)
	logger := c.log.With("site", site.Name)

	res := &CheckResult{Site: site}
	snap := &models.ModelSnapshot{SiteID: site.ID, Models: []models.Model{}}

	if p.models {
		list, billing, billingErr, fetchErr := c.fetch(ctx, adapter, site, creds)
		if fetchErr != nil {
			c.recordFailure(ctx, snap, fetchErr)
			logger.Warn("model fetch failed", "err", fetchErr)
			return nil, fetchErr
		}
		snap.Models = list.Models
		snap.Hash = diff.ComputeHash(list.Models)
		snap.ModelsFetched = true
		snap.RawResponse = truncateRaw(list.Raw)
		snap.HTTPStatus = &list.Status
		ms := list.Elapsed.Milliseconds()
		snap.LatencyMS = &ms
		if billing != nil {
			snap.BillingLimit = &billing.Limit
			snap.BillingUsage = &billing.Usage
		}
		if billingErr != nil {
			msg := billingErr.Error()
			snap.BillingError = &msg
			logger.Debug("billing fetch failed", "err", billingErr)
		}
	}

	if p.checkIn {
		res.CheckIn = c.checkIn(ctx, adapter, site, creds)
		snap.SetCheckIn(res.CheckIn)
	}

	// Lineage is read before the insert so the new row never compares to itself.
	var prevGood, prevCheckIn *models.ModelSnapshot
	if p.models {
		if prevGood, err = c.store.LatestSuccessfulSnapshot(ctx, site.ID); err != nil {
			return nil, err
		}
	}
	if res.CheckIn != nil {
		if prevCheckIn, err = c.store.LatestCheckInSnapshot(ctx, site.ID); err != nil {
			return nil, err
		}
	}

	snap.FetchedAt = c.now().UTC()
	if err := c.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	res.Snapshot = snap

	if prevGood != nil && prevGood.Hash != snap.Hash {
		d := diff.ComputeDiff(prevGood.Models, snap.Models)
		if d.HasChanges() {
			md := &models.ModelDiff{
				SiteID:         site.ID,
				Added:          d.Added,
				Removed:        d.Removed,
				Changed:        d.Changed,
				FromSnapshotID: prevGood.ID,
				ToSnapshotID:   snap.ID,
				DiffedAt:       snap.FetchedAt,
			}
			if err := c.store.CreateDiff(ctx, md); err != nil {
				return nil, err
			}
			res.Diff = md
			res.HasChanges = true
			logger.Info("models changed", "added", len(d.Added), "removed", len(d.Removed))
		}
	}

	if res.CheckIn != nil {
		var prev *models.CheckInResult
		if prevCheckIn != nil {
			prev = prevCheckIn.CheckInResult()
		}
		res.CheckInChanged = diff.CheckInTransition(prev, res.CheckIn)
		if res.CheckInChanged {
			logger.Info("check-in state changed", "success", res.CheckIn.Success)
		}
	}

	c.touch(ctx, site.ID)
	logger.Debug("check complete", "models", len(snap.Models), "changes", res.HasChanges)
	return res, nil
}

func (c *Checker) credentials(site *models.Site) (provider.Credentials, error) {
	key, err := c.codec.Decrypt(site.APIKey)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("site %d api key: %w", site.ID, err)
	}
	billing, err := c.codec.Decrypt(site.BillingAuthValue)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("site %d billing auth: %w", site.ID, err)
	}
	return provider.Credentials{APIKey: key, BillingAuth: billing}, nil
}

// fetch runs the model and billing calls concurrently. Only the model error
// is fatal for the check.
func (c *Checker) fetch(ctx context.Context, a provider.Adapter, site *models.Site, creds provider.Credentials) (*provider.ModelList, *provider.Billing, error, error) {
	var (
		wg         sync.WaitGroup
		billing    *provider.Billing
		billingErr error
	)
	if !site.UnlimitedQuota {
		wg.Add(1)
		go func() {
			defer wg.Done()
			billing, billingErr = a.FetchBilling(ctx, site, creds)
		}()
	}
	list, err := a.FetchModels(ctx, site, creds)
	wg.Wait()
	return list, billing, billingErr, err
}

func (c *Checker) checkIn(ctx context.Context, a provider.Adapter, site *models.Site, creds provider.Credentials) *models.CheckInResult {
	ci, ok := a.(provider.CheckInAdapter)
	if !ok {
		return &models.CheckInResult{Success: false, Error: provider.ErrCheckInUnsupported.Error()}
	}
	r, err := ci.FetchCheckIn(ctx, site, creds)
	if err != nil {
		if r != nil {
			return r
		}
		msg := err.Error()
		var fe *provider.FetchError
		if errors.As(err, &fe) && fe.Body != "" {
			msg += ": " + fe.Body
		}
		return &models.CheckInResult{Success: false, Error: msg}
	}
	return r
}

func (c *Checker) recordFailure(ctx context.Context, snap *models.ModelSnapshot, fetchErr error) {
	msg := fetchErr.Error()
	snap.ErrorMessage = &msg
	snap.FetchedAt = c.now().UTC()

	var fe *provider.FetchError
	if errors.As(fetchErr, &fe) {
		if fe.Status != 0 {
			status := fe.Status
			snap.HTTPStatus = &status
		}
		if fe.Elapsed > 0 {
			ms := fe.Elapsed.Milliseconds()
			snap.LatencyMS = &ms
		}
		snap.RawResponse = truncateRaw(fe.Body)
	}
	if err := c.store.CreateSnapshot(ctx, snap); err != nil {
		c.log.Error("write error snapshot", "site", snap.SiteID, "err", err)
	}
	c.touch(ctx, snap.SiteID)
}

func (c *Checker) touch(ctx context.Context, siteID int64) {
	if err := c.store.TouchSiteChecked(ctx, siteID, c.now().UTC()); err != nil {
		c.log.Warn("update last checked", "site", siteID, "err", err)
	}
}

func truncateRaw(s string) string {
	return provider.Clip(s, maxRawResponse)
}
