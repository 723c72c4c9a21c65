// Package server exposes the management API, the cluster health probe and
// the public status page.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/store"
)

type Config struct {
	Port          int
	EnableStatus  bool
	Title         string
	ClusterKey    string
	AdminUsername string
	AdminPassword string
	JWTKey        []byte
}

// Coordinator is the scheduling surface the API drives.
type Coordinator interface {
	Reconcile(ctx context.Context) error
	ReconcileSite(ctx context.Context, siteID int64) error
	CheckAndNotify(ctx context.Context, siteID int64, opts monitor.CheckOptions, notify bool) (*monitor.CheckResult, error)
	RunGlobal(ctx context.Context) (*scheduler.BatchResult, error)
	NextRun(siteID int64) time.Time
	IsActive() bool
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// CheckInSupport tells whether a site's provider can check in.
type CheckInSupport interface {
	SupportsCheckIn(t models.APIType) bool
}

type Server struct {
	cfg      Config
	store    store.Store
	codec    Encrypter
	coord    Coordinator
	checkIns CheckInSupport
	log      *log.Logger
	pwHash   []byte
	engine   *gin.Engine
	http     *http.Server
}

func New(cfg Config, s store.Store, codec Encrypter, coord Coordinator, checkIns CheckInSupport, logger *log.Logger) (*Server, error) {
	srv := &Server{cfg: cfg, store: s, codec: codec, coord: coord, checkIns: checkIns, log: logger}
	if cfg.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		srv.pwHash = hash
	}
	srv.engine = srv.routes()
	return srv, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	api := r.Group("/api")
	api.GET("/health", s.health)
	api.POST("/auth/login", s.login)

	backup := api.Group("/backup", s.requireAdminOrPeer())
	{
		backup.GET("/export", s.exportBackup)
		backup.POST("/import", s.importBackup)
	}

	admin := api.Group("", s.requireAdmin())
	{
		admin.GET("/sites", s.listSites)
		admin.POST("/sites", s.createSite)
		admin.GET("/sites/:id", s.getSite)
		admin.PUT("/sites/:id", s.updateSite)
		admin.DELETE("/sites/:id", s.deleteSite)
		admin.POST("/sites/:id/check", s.checkSite)
		admin.POST("/sites/:id/checkin", s.checkInSite)
		admin.GET("/sites/:id/snapshots", s.listSnapshots)
		admin.GET("/sites/:id/diffs", s.listSiteDiffs)
		admin.GET("/diffs", s.listDiffs)

		admin.GET("/schedule", s.getSchedule)
		admin.PUT("/schedule", s.putSchedule)
		admin.POST("/schedule/run", s.runSchedule)

		admin.GET("/email", s.getEmail)
		admin.PUT("/email", s.putEmail)
	}

	if s.cfg.EnableStatus {
		r.GET("/status", s.statusPage)
		r.GET("/status/json", s.statusJSON)
	}
	return r
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "err", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "took", time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) health(c *gin.Context) {
	if s.cfg.ClusterKey != "" && c.GetHeader(clusterHeader) != s.cfg.ClusterKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": s.coord.IsActive()})
}
