// Package scheduler owns when sites are checked. Each site is either on its
// own cron job or picked up by the daily global batch; Reconcile derives that
// split from stored state and brings the running cron entries in line.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"go-modelwatch/internal/alert"
	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/store"
)

type Checker interface {
	CheckSite(ctx context.Context, siteID int64, opts monitor.CheckOptions) (*monitor.CheckResult, error)
}

type Notifier interface {
	NotifySite(ctx context.Context, c alert.SiteChange) error
	NotifyBatch(ctx context.Context, changes []alert.SiteChange, failures []alert.SiteFailure) error
}

type BatchResult struct {
	RunID    string
	Checked  int
	Changes  []alert.SiteChange
	Failures []alert.SiteFailure
}

type job struct {
	spec JobSpec
	id   cron.EntryID
}

type Coordinator struct {
	store    store.Store
	checker  Checker
	notifier Notifier
	log      *log.Logger
	cron     *cron.Cron
	newPacer func(time.Duration) Pacer
	now      func() time.Time

	mu         sync.Mutex
	jobs       map[int64]job
	global     cron.EntryID
	globalExpr string

	passive atomic.Bool
}

type Option func(*Coordinator)

// WithPacer replaces the fixed inter-site delay of global runs.
func WithPacer(f func(interval time.Duration) Pacer) Option {
	return func(c *Coordinator) { c.newPacer = f }
}

func New(s store.Store, checker Checker, notifier Notifier, logger *log.Logger, opts ...Option) *Coordinator {
	cl := cronLogger{logger}
	c := &Coordinator{
		store:    s,
		checker:  checker,
		notifier: notifier,
		log:      logger,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		newPacer: func(d time.Duration) Pacer { return FixedDelay(d) },
		now:      time.Now,
		jobs:     make(map[int64]job),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Start() { c.cron.Start() }

// Stop halts new firings and waits for running ones until ctx is done.
func (c *Coordinator) Stop(ctx context.Context) {
	select {
	case <-c.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// SetActive gates scheduled firings. A passive node keeps its jobs registered
// but skips them. Manual runs are never gated.
func (c *Coordinator) SetActive(active bool) {
	if c.passive.Swap(!active) == !active {
		return
	}
	if active {
		c.log.Info("scheduler resumed")
	} else {
		c.log.Warn("scheduler paused")
	}
}

func (c *Coordinator) IsActive() bool { return !c.passive.Load() }

// Reconcile rebuilds the whole job registry from stored sites and policy.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	sites, err := c.store.ListSites(ctx)
	if err != nil {
		return err
	}
	cfg, err := c.store.GetScheduleConfig(ctx)
	if err != nil {
		return err
	}
	desired := DesiredState(sites, *cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, j := range c.jobs {
		if want, ok := desired[id]; !ok || want != j.spec {
			c.cancelLocked(id)
		}
	}
	for id, spec := range desired {
		if _, ok := c.jobs[id]; ok {
			continue
		}
		if err := c.addLocked(id, spec); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.applyGlobalLocked(*cfg); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("schedule reconciled", "individual", len(c.jobs), "global", c.globalExpr != "")
	return errors.Join(errs...)
}

// ReconcileSite re-evaluates one site after it was created, edited or deleted.
func (c *Coordinator) ReconcileSite(ctx context.Context, siteID int64) error {
	site, err := c.store.GetSite(ctx, siteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	cfg, err := c.store.GetScheduleConfig(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(siteID)
	if site == nil || OwnershipOf(site, *cfg) != IndividuallyScheduled {
		return nil
	}
	return c.addLocked(siteID, JobSpec{Cron: site.ScheduleCron, Timezone: site.ScheduleTimezone})
}

func (c *Coordinator) cancelLocked(siteID int64) {
	if j, ok := c.jobs[siteID]; ok {
		c.cron.Remove(j.id)
		delete(c.jobs, siteID)
		c.log.Debug("individual job cancelled", "site", siteID)
	}
}

func (c *Coordinator) addLocked(siteID int64, spec JobSpec) error {
	id, err := c.cron.AddFunc(spec.Expr(), func() { c.fireSite(siteID) })
	if err != nil {
		c.log.Error("invalid site schedule", "site", siteID, "cron", spec.Cron, "err", err)
		return fmt.Errorf("site %d schedule %q: %w", siteID, spec.Cron, err)
	}
	c.jobs[siteID] = job{spec: spec, id: id}
	c.log.Debug("individual job scheduled", "site", siteID, "cron", spec.Expr())
	return nil
}

func (c *Coordinator) applyGlobalLocked(cfg models.ScheduleConfig) error {
	want := ""
	if cfg.Enabled {
		want = GlobalExpr(cfg)
	}
	if want == c.globalExpr {
		return nil
	}
	if c.globalExpr != "" {
		c.cron.Remove(c.global)
		c.global, c.globalExpr = 0, ""
	}
	if want == "" {
		return nil
	}
	id, err := c.cron.AddFunc(want, c.fireGlobal)
	if err != nil {
		return fmt.Errorf("global schedule %q: %w", want, err)
	}
	c.global, c.globalExpr = id, want
	return nil
}

// Jobs returns a copy of the running individual jobs.
func (c *Coordinator) Jobs() map[int64]JobSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]JobSpec, len(c.jobs))
	for id, j := range c.jobs {
		out[id] = j.spec
	}
	return out
}

// NextRun reports the next firing for a site's individual job, or of the
// global batch when siteID is 0. Zero means nothing is scheduled.
func (c *Coordinator) NextRun(siteID int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id cron.EntryID
	if siteID == 0 {
		id = c.global
	} else if j, ok := c.jobs[siteID]; ok {
		id = j.id
	}
	if id == 0 {
		return time.Time{}
	}
	e := c.cron.Entry(id)
	if e.Next.IsZero() && e.Schedule != nil {
		// Entries only get Next once the cron loop is running.
		return e.Schedule.Next(c.now())
	}
	return e.Next
}

func (c *Coordinator) fireSite(siteID int64) {
	if !c.IsActive() {
		c.log.Debug("passive, skipping site job", "site", siteID)
		return
	}
	if _, err := c.CheckAndNotify(context.Background(), siteID, monitor.CheckOptions{}, true); err != nil {
		c.log.Error("scheduled check failed", "site", siteID, "err", err)
	}
}

func (c *Coordinator) fireGlobal() {
	if !c.IsActive() {
		c.log.Debug("passive, skipping global run")
		return
	}
	if _, err := c.RunGlobal(context.Background()); err != nil {
		c.log.Error("global run failed", "err", err)
	}
}

// CheckAndNotify runs one site check and, when notify is set, sends a single
// email for model changes. Notification failures are logged only.
func (c *Coordinator) CheckAndNotify(ctx context.Context, siteID int64, opts monitor.CheckOptions, notify bool) (*monitor.CheckResult, error) {
	res, err := c.checker.CheckSite(ctx, siteID, opts)
	if err != nil {
		return nil, err
	}
	if notify && res.HasChanges {
		change := alert.SiteChange{SiteName: res.Site.Name, Diff: res.Changes(), CheckIn: res.CheckIn}
		if err := c.notifier.NotifySite(ctx, change); err != nil {
			c.log.Warn("notification failed", "site", res.Site.Name, "err", err)
		}
	}
	return res, nil
}

// RunGlobal checks every candidate site one after another, paced by the
// configured interval, and sends at most one digest. A failing site is
// recorded and the batch continues.
func (c *Coordinator) RunGlobal(ctx context.Context) (*BatchResult, error) {
	cfg, err := c.store.GetScheduleConfig(ctx)
	if err != nil {
		return nil, err
	}
	sites, err := c.store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	todo := candidates(sites, *cfg)
	res := &BatchResult{RunID: uuid.NewString()}
	logger := c.log.With("run", res.RunID[:8])
	logger.Info("global run started", "sites", len(todo))

	pacer := c.newPacer(time.Duration(cfg.IntervalSeconds) * time.Second)
	for i, site := range todo {
		if i > 0 {
			if err := pacer.Wait(ctx); err != nil {
				logger.Warn("global run interrupted", "err", err)
				break
			}
		}
		r, err := c.checker.CheckSite(ctx, site.ID, monitor.CheckOptions{})
		res.Checked++
		if err != nil {
			logger.Error("site failed", "site", site.Name, "err", err)
			res.Failures = append(res.Failures, alert.SiteFailure{SiteName: site.Name, Error: err.Error()})
			continue
		}
		if r.HasChanges || r.CheckIn != nil {
			res.Changes = append(res.Changes, alert.SiteChange{SiteName: site.Name, Diff: r.Changes(), CheckIn: r.CheckIn})
		}
	}

	if err := c.notifier.NotifyBatch(ctx, res.Changes, res.Failures); err != nil {
		logger.Warn("digest failed", "err", err)
	}
	if err := c.store.UpdateScheduleLastRun(ctx, c.now().UTC()); err != nil {
		return res, err
	}
	logger.Info("global run finished", "checked", res.Checked, "changes", len(res.Changes), "failures", len(res.Failures))
	return res, nil
}

type cronLogger struct{ l *log.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, append(kv, "err", err)...)
}
