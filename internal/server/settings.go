package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go-modelwatch/internal/models"
)

type scheduleResponse struct {
	models.ScheduleConfig
	NextRun *time.Time `json:"nextRun,omitempty"`
	Active  bool       `json:"active"`
}

func (s *Server) getSchedule(c *gin.Context) {
	cfg, err := s.store.GetScheduleConfig(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := scheduleResponse{ScheduleConfig: *cfg, Active: s.coord.IsActive()}
	if next := s.coord.NextRun(0); !next.IsZero() {
		resp.NextRun = &next
	}
	c.JSON(http.StatusOK, resp)
}

func validateSchedule(cfg *models.ScheduleConfig) error {
	if cfg.Hour < 0 || cfg.Hour > 23 || cfg.Minute < 0 || cfg.Minute > 59 {
		return errors.New("hour must be 0-23 and minute 0-59")
	}
	if cfg.IntervalSeconds < 0 {
		return errors.New("intervalSeconds must not be negative")
	}
	if cfg.Timezone = strings.TrimSpace(cfg.Timezone); cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return errors.New("unknown timezone")
	}
	return nil
}

func (s *Server) putSchedule(c *gin.Context) {
	var cfg models.ScheduleConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if err := validateSchedule(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.store.SaveScheduleConfig(ctx, &cfg); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.coord.Reconcile(ctx); err != nil {
		s.log.Warn("reconcile after schedule change", "err", err)
	}
	s.log.Info("schedule updated", "enabled", cfg.Enabled, "override", cfg.OverrideIndividual)
	s.getSchedule(c)
}

// runSchedule starts the global batch now and returns immediately.
func (s *Server) runSchedule(c *gin.Context) {
	go func() {
		if _, err := s.coord.RunGlobal(context.Background()); err != nil {
			s.log.Error("manual global run", "err", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

type emailRequest struct {
	Enabled    bool    `json:"enabled"`
	APIKey     *string `json:"apiKey"`
	Recipients string  `json:"recipients"`
}

type emailResponse struct {
	Enabled    bool     `json:"enabled"`
	Recipients string   `json:"recipients"`
	Resolved   []string `json:"resolved"`
	HasAPIKey  bool     `json:"hasApiKey"`
}

func (s *Server) getEmail(c *gin.Context) {
	cfg, err := s.store.GetEmailConfig(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if cfg == nil {
		cfg = &models.EmailConfig{}
	}
	c.JSON(http.StatusOK, emailResponse{
		Enabled:    cfg.Enabled,
		Recipients: cfg.Recipients,
		Resolved:   cfg.RecipientList(),
		HasAPIKey:  cfg.APIKey != "",
	})
}

func (s *Server) putEmail(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	ctx := c.Request.Context()
	cfg, err := s.store.GetEmailConfig(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if cfg == nil {
		cfg = &models.EmailConfig{}
	}
	cfg.Enabled = req.Enabled
	cfg.Recipients = strings.TrimSpace(req.Recipients)
	if req.APIKey != nil {
		if cfg.APIKey, err = s.encrypt(*req.APIKey); err != nil {
			s.fail(c, err)
			return
		}
	}
	if err := s.store.SaveEmailConfig(ctx, cfg); err != nil {
		s.fail(c, err)
		return
	}
	s.getEmail(c)
}

func (s *Server) exportBackup(c *gin.Context) {
	data, err := s.store.ExportData(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="modelwatch-backup.json"`)
	c.JSON(http.StatusOK, data)
}

// importBackup replaces stored sites and settings, then rebuilds the schedule.
func (s *Server) importBackup(c *gin.Context) {
	var data models.Backup
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	ctx := c.Request.Context()
	if err := s.store.ImportData(ctx, &data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import failed: " + err.Error()})
		return
	}
	if err := s.coord.Reconcile(ctx); err != nil {
		s.log.Warn("reconcile after import", "err", err)
	}
	s.log.Info("backup imported", "sites", len(data.Sites))
	c.JSON(http.StatusOK, gin.H{"status": "imported", "sites": len(data.Sites)})
}
