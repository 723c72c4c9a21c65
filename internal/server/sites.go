package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/provider"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/secrets"
	"go-modelwatch/internal/store"
)

// siteRequest carries plaintext secrets. A nil secret on update keeps the
// stored value; an empty string clears it.
type siteRequest struct {
	Name             string                 `json:"name"`
	BaseURL          string                 `json:"baseUrl"`
	APIType          models.APIType         `json:"apiType"`
	APIKey           *string                `json:"apiKey"`
	UserID           string                 `json:"userId"`
	UnlimitedQuota   bool                   `json:"unlimitedQuota"`
	BillingURL       string                 `json:"billingUrl"`
	BillingAuthType  string                 `json:"billingAuthType"`
	BillingAuthValue *string                `json:"billingAuthValue"`
	BillingMapping   *models.BillingMapping `json:"billingMapping"`
	CheckInEnabled   bool                   `json:"checkInEnabled"`
	CheckInMode      models.CheckInMode     `json:"checkInMode"`
	ScheduleCron     string                 `json:"scheduleCron"`
	ScheduleTimezone string                 `json:"scheduleTimezone"`
}

type siteResponse struct {
	models.Site
	HasAPIKey      bool       `json:"hasApiKey"`
	HasBillingAuth bool       `json:"hasBillingAuth"`
	Ownership      string     `json:"ownership"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
}

func (s *Server) present(site models.Site, cfg models.ScheduleConfig) siteResponse {
	r := siteResponse{
		Site:           site,
		HasAPIKey:      site.APIKey != "",
		HasBillingAuth: site.BillingAuthValue != "",
		Ownership:      scheduler.OwnershipOf(&site, cfg).String(),
	}
	r.APIKey, r.BillingAuthValue = "", ""
	if next := s.coord.NextRun(site.ID); !next.IsZero() {
		r.NextRun = &next
	}
	return r
}

func (req *siteRequest) validate() error {
	req.Name = strings.TrimSpace(req.Name)
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	req.ScheduleCron = strings.TrimSpace(req.ScheduleCron)
	if req.Name == "" || req.BaseURL == "" {
		return errors.New("name and baseUrl are required")
	}
	if !strings.HasPrefix(req.BaseURL, "http://") && !strings.HasPrefix(req.BaseURL, "https://") {
		return errors.New("baseUrl must start with http:// or https://")
	}
	if !req.APIType.Valid() {
		return errors.New("unknown apiType")
	}
	if req.CheckInMode == "" {
		req.CheckInMode = models.CheckInModeModelOnly
	}
	if !req.CheckInMode.Valid() {
		return errors.New("unknown checkInMode")
	}
	switch req.BillingAuthType {
	case "", models.BillingAuthToken, models.BillingAuthCookie:
	default:
		return errors.New("billingAuthType must be token or cookie")
	}
	if req.ScheduleCron != "" {
		if err := scheduler.Validate(req.ScheduleCron, req.ScheduleTimezone); err != nil {
			return errors.New("invalid schedule: " + err.Error())
		}
	}
	return nil
}

func (s *Server) apply(req *siteRequest, site *models.Site) error {
	site.Name = req.Name
	site.BaseURL = req.BaseURL
	site.APIType = req.APIType
	site.UserID = strings.TrimSpace(req.UserID)
	site.UnlimitedQuota = req.UnlimitedQuota
	site.BillingURL = strings.TrimSpace(req.BillingURL)
	site.BillingAuthType = req.BillingAuthType
	site.BillingMapping = req.BillingMapping
	if site.BillingMapping.IsZero() {
		site.BillingMapping = nil
	}
	site.CheckInEnabled = req.CheckInEnabled
	site.CheckInMode = req.CheckInMode
	site.ScheduleCron = req.ScheduleCron
	site.ScheduleTimezone = strings.TrimSpace(req.ScheduleTimezone)

	var err error
	if req.APIKey != nil {
		if site.APIKey, err = s.encrypt(*req.APIKey); err != nil {
			return err
		}
	}
	if req.BillingAuthValue != nil {
		if site.BillingAuthValue, err = s.encrypt(*req.BillingAuthValue); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) encrypt(plain string) (string, error) {
	if plain = strings.TrimSpace(plain); plain == "" {
		return "", nil
	}
	return s.codec.Encrypt(plain)
}

func siteID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid site id"})
		return 0, false
	}
	return id, true
}

func limit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}

// fail maps core errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		fe *provider.FetchError
		ce *provider.ConfigError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, secrets.ErrDecrypt):
		s.log.Error("stored credential cannot be decrypted", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored credential cannot be decrypted", "kind": "decryption"})
	case errors.As(err, &ce):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "configuration"})
	case errors.As(err, &fe):
		body := gin.H{"error": err.Error(), "kind": fe.Kind.String()}
		if fe.Status != 0 {
			body["status"] = fe.Status
		}
		c.JSON(http.StatusBadGateway, body)
	default:
		s.log.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) listSites(c *gin.Context) {
	ctx := c.Request.Context()
	sites, err := s.store.ListSites(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	cfg, err := s.store.GetScheduleConfig(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]siteResponse, 0, len(sites))
	for _, site := range sites {
		out = append(out, s.present(site, *cfg))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSite(c *gin.Context) {
	id, ok := siteID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	cfg, err := s.store.GetScheduleConfig(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.present(*site, *cfg))
}

func (s *Server) createSite(c *gin.Context) {
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	site := &models.Site{}
	if err := s.apply(&req, site); err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.store.CreateSite(ctx, site); err != nil {
		s.fail(c, err)
		return
	}
	s.reconcileSite(c, site.ID)
	s.log.Info("site created", "site", site.Name, "id", site.ID)
	s.respondSite(c, http.StatusCreated, site.ID)
}

func (s *Server) updateSite(c *gin.Context) {
	id, ok := siteID(c)
	if !ok {
		return
	}
	var req siteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.apply(&req, site); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.UpdateSite(ctx, site); err != nil {
		s.fail(c, err)
		return
	}
	s.reconcileSite(c, id)
	s.respondSite(c, http.StatusOK, id)
}

func (s *Server) deleteSite(c *gin.Context) {
	id, ok := siteID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteSite(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.reconcileSite(c, id)
	c.Status(http.StatusNoContent)
}

// reconcileSite logs rather than fails: the row is already saved.
func (s *Server) reconcileSite(c *gin.Context, id int64) {
	if err := s.coord.ReconcileSite(c.Request.Context(), id); err != nil {
		s.log.Warn("reconcile site", "id", id, "err", err)
	}
}

func (s *Server) respondSite(c *gin.Context, status int, id int64) {
	ctx := c.Request.Context()
	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	cfg, err := s.store.GetScheduleConfig(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, s.present(*site, *cfg))
}

type checkResponse struct {
	Snapshot       *models.ModelSnapshot `json:"snapshot"`
	Diff           *models.ModelDiff     `json:"diff,omitempty"`
	HasChanges     bool                  `json:"hasChanges"`
	CheckIn        *models.CheckInResult `json:"checkIn,omitempty"`
	CheckInChanged bool                  `json:"checkInChanged"`
}

func (s *Server) runCheck(c *gin.Context, id int64) {
	notify := c.Query("notify") != "false"
	res, err := s.coord.CheckAndNotify(c.Request.Context(), id, monitor.CheckOptions{Manual: true}, notify)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, checkResponse{
		Snapshot:       res.Snapshot,
		Diff:           res.Diff,
		HasChanges:     res.HasChanges,
		CheckIn:        res.CheckIn,
		CheckInChanged: res.CheckInChanged,
	})
}

func (s *Server) checkSite(c *gin.Context) {
	if id, ok := siteID(c); ok {
		s.runCheck(c, id)
	}
}

// checkInSite is a manual check that must include a check-in.
func (s *Server) checkInSite(c *gin.Context) {
	id, ok := siteID(c)
	if !ok {
		return
	}
	site, err := s.store.GetSite(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !site.CheckInEnabled || !s.checkIns.SupportsCheckIn(site.APIType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "check-in is not enabled for this site"})
		return
	}
	s.runCheck(c, id)
}

func (s *Server) listSnapshots(c *gin.Context) {
	id, ok := siteID(c)
	if !ok {
		return
	}
	snaps, err := s.store.ListSnapshots(c.Request.Context(), id, limit(c, 20))
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("raw") != "true" {
		for i := range snaps {
			snaps[i].RawResponse = ""
		}
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) listSiteDiffs(c *gin.Context) {
	if id, ok := siteID(c); ok {
		s.diffs(c, id)
	}
}

func (s *Server) listDiffs(c *gin.Context) { s.diffs(c, 0) }

func (s *Server) diffs(c *gin.Context, id int64) {
	diffs, err := s.store.ListDiffs(c.Request.Context(), id, limit(c, 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, diffs)
}
