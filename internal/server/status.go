package server

import (
	"context"
	"html/template"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

type siteStatus struct {
	Name        string     `json:"name"`
	APIType     string     `json:"apiType"`
	Status      string     `json:"status"`
	Models      int        `json:"models"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	LastChange  *time.Time `json:"lastChange,omitempty"`
}

const (
	statusOK      = "OK"
	statusError   = "ERROR"
	statusPending = "PENDING"
)

func (s *Server) collectStatus(ctx context.Context) ([]siteStatus, error) {
	sites, err := s.store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]siteStatus, 0, len(sites))
	for _, site := range sites {
		st := siteStatus{Name: site.Name, APIType: string(site.APIType), Status: statusPending, LastChecked: site.LastCheckedAt}
		if last, err := s.store.LatestSnapshot(ctx, site.ID); err == nil && last != nil {
			st.Status = statusOK
			if !last.Succeeded() {
				st.Status = statusError
			}
		}
		if good, err := s.store.LatestSuccessfulSnapshot(ctx, site.ID); err == nil && good != nil {
			st.Models = len(good.Models)
		}
		if diffs, err := s.store.ListDiffs(ctx, site.ID, 1); err == nil && len(diffs) > 0 {
			st.LastChange = &diffs[0].DiffedAt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			if out[i].Status == statusError {
				return true
			}
			if out[j].Status == statusError {
				return false
			}
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Server) statusJSON(c *gin.Context) {
	sites, err := s.collectStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sites)
}

var statusTpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>{{.Title}}</title>
	<meta http-equiv="refresh" content="30">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #1a1b26; color: #a9b1d6; padding: 20px; margin: 0; }
		h1 { text-align: center; color: #7aa2f7; margin-bottom: 30px; }
		.container { max-width: 800px; margin: 0 auto; }
		.card { background: #24283b; padding: 20px; margin-bottom: 15px; border-radius: 8px; display: flex; align-items: center; justify-content: space-between; box-shadow: 0 4px 6px rgba(0,0,0,0.1); }
		.info { display: flex; flex-direction: column; }
		.name { font-size: 1.2em; font-weight: bold; color: #c0caf5; margin-bottom: 5px; }
		.meta { font-size: 0.85em; color: #565f89; }
		.status { font-weight: bold; padding: 6px 12px; border-radius: 6px; min-width: 60px; text-align: center; }
		.OK { background: #9ece6a; color: #1a1b26; }
		.ERROR { background: #f7768e; color: #1a1b26; }
		.PENDING { background: #e0af68; color: #1a1b26; }
	</style>
</head>
<body>
	<div class="container">
		<h1>{{.Title}}</h1>
		{{range .Sites}}
		<div class="card">
			<div class="info">
				<div class="name">{{.Name}}</div>
				<div class="meta">{{.APIType}} | {{.Models}} models</div>
				<div class="meta" style="margin-top:4px;">Last check: {{with .LastChecked}}{{.Format "2006-01-02 15:04"}}{{else}}never{{end}}{{with .LastChange}} | Last change: {{.Format "2006-01-02 15:04"}}{{end}}</div>
			</div>
			<div class="status {{.Status}}">{{.Status}}</div>
		</div>
		{{else}}
		<p style="text-align:center">No sites configured.</p>
		{{end}}
		<div style="text-align: center; margin-top: 40px; color: #565f89; font-size: 0.8em;">Powered by Model Watch</div>
	</div>
</body>
</html>`))

func (s *Server) statusPage(c *gin.Context) {
	sites, err := s.collectStatus(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "status unavailable")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := statusTpl.Execute(c.Writer, struct {
		Title string
		Sites []siteStatus
	}{s.cfg.Title, sites}); err != nil {
		s.log.Error("render status page", "err", err)
	}
}
