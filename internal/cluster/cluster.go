// Package cluster runs the leader/follower failover between two instances
// sharing one database. Only the active node fires scheduled checks.
package cluster

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	ModeLeader   = "leader"
	ModeFollower = "follower"

	SecretHeader = "X-Modelwatch-Secret"

	pollInterval     = 5 * time.Second
	probeTimeout     = 2 * time.Second
	failureThreshold = 3
)

// Gate is switched on when this node should do scheduled work.
type Gate interface {
	SetActive(active bool)
	IsActive() bool
}

type Config struct {
	Mode      string
	PeerURL   string
	SharedKey string
}

type Follower struct {
	cfg      Config
	gate     Gate
	client   *http.Client
	log      *log.Logger
	interval time.Duration
	failures int
}

// Start sets the initial role. A follower starts passive and polls the
// leader until ctx is done.
func Start(ctx context.Context, cfg Config, gate Gate, logger *log.Logger) {
	if cfg.Mode != ModeFollower {
		logger.Info("cluster role", "mode", ModeLeader)
		gate.SetActive(true)
		return
	}
	logger.Info("cluster role", "mode", ModeFollower, "peer", cfg.PeerURL)
	gate.SetActive(false)
	f := NewFollower(cfg, gate, logger)
	go f.Run(ctx)
}

func NewFollower(cfg Config, gate Gate, logger *log.Logger) *Follower {
	return &Follower{
		cfg:      cfg,
		gate:     gate,
		client:   &http.Client{Timeout: probeTimeout},
		log:      logger,
		interval: pollInterval,
	}
}

func (f *Follower) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Probe(ctx)
		}
	}
}

// Probe checks the leader once and flips the gate. The follower takes over
// after failureThreshold consecutive misses and yields as soon as the leader
// answers again.
func (f *Follower) Probe(ctx context.Context) {
	if f.leaderHealthy(ctx) {
		f.failures = 0
		if f.gate.IsActive() {
			f.gate.SetActive(false)
			f.log.Info("leader detected, switching to passive")
		}
		return
	}
	f.failures++
	if f.failures >= failureThreshold && !f.gate.IsActive() {
		f.gate.SetActive(true)
		f.log.Warn("leader unreachable, switching to active", "failures", f.failures)
	}
}

func (f *Follower) leaderHealthy(ctx context.Context) bool {
	url := strings.TrimRight(f.cfg.PeerURL, "/") + "/api/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if f.cfg.SharedKey != "" {
		req.Header.Set(SecretHeader, f.cfg.SharedKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
