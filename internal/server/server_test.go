package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"go-modelwatch/internal/logging"
	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/provider"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/secrets"
	"go-modelwatch/internal/store"
)

type fakeCoord struct {
	mu         sync.Mutex
	reconciled int
	sites      []int64
	checks     []bool
	manual     []bool
	checkErr   error
	ran        chan struct{}
}

func (f *fakeCoord) Reconcile(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	return nil
}

func (f *fakeCoord) ReconcileSite(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites = append(f.sites, id)
	return nil
}

func (f *fakeCoord) CheckAndNotify(_ context.Context, id int64, opts monitor.CheckOptions, notify bool) (*monitor.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, notify)
	f.manual = append(f.manual, opts.Manual)
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	return &monitor.CheckResult{Snapshot: &models.ModelSnapshot{SiteID: id, ModelsFetched: true}}, nil
}

func (f *fakeCoord) RunGlobal(context.Context) (*scheduler.BatchResult, error) {
	close(f.ran)
	return &scheduler.BatchResult{}, nil
}

func (f *fakeCoord) NextRun(int64) time.Time { return time.Time{} }
func (f *fakeCoord) IsActive() bool          { return true }

type env struct {
	t     *testing.T
	store store.Store
	codec *secrets.Codec
	coord *fakeCoord
	h     http.Handler
	token string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	codec, _ := secrets.New("server-test")
	coord := &fakeCoord{ran: make(chan struct{})}
	srv, err := New(Config{
		EnableStatus:  true,
		Title:         "Test Watch",
		ClusterKey:    "peer-secret",
		AdminUsername: "admin",
		AdminPassword: "hunter2",
		JWTKey:        []byte("jwt-test"),
	}, st, codec, coord, provider.NewRegistry(nil), logging.Discard())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	e := &env{t: t, store: st, codec: codec, coord: coord, h: srv.Handler()}
	rec := e.do("POST", "/api/auth/login", map[string]string{"username": "admin", "password": "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var out struct{ Token string }
	json.Unmarshal(rec.Body.Bytes(), &out)
	e.token = out.Token
	return e
}

func (e *env) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *env) auth(method, path string, body any) *httptest.ResponseRecorder {
	return e.do(method, path, body, map[string]string{"Authorization": "Bearer " + e.token})
}

func TestLoginAndAuth(t *testing.T) {
	e := newEnv(t)
	if rec := e.do("POST", "/api/auth/login", map[string]string{"username": "admin", "password": "nope"}, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}
	if rec := e.do("GET", "/api/sites", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	if rec := e.do("GET", "/api/sites", nil, map[string]string{"Authorization": "Bearer junk"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("junk token: %d", rec.Code)
	}
	if rec := e.auth("GET", "/api/sites", nil); rec.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rec.Code)
	}
}

func TestSiteLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.auth("POST", "/api/sites", map[string]any{
		"name": "gw", "baseUrl": "https://gw.example", "apiType": "veloera", "apiKey": "sk-plain",
		"userId": "9", "checkInEnabled": true, "scheduleCron": "0 */6 * * *", "scheduleTimezone": "UTC",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "sk-plain") || !strings.Contains(rec.Body.String(), `"hasApiKey":true`) {
		t.Fatalf("secret leaked or flag missing: %s", rec.Body)
	}
	var created siteResponse
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Ownership != "individual" || created.CheckInMode != models.CheckInModeModelOnly {
		t.Fatalf("unexpected site %+v", created)
	}

	stored, _ := e.store.GetSite(ctx, created.ID)
	if plain, err := e.codec.Decrypt(stored.APIKey); err != nil || plain != "sk-plain" {
		t.Fatalf("key not encrypted at rest: %q %v", stored.APIKey, err)
	}

	rec = e.auth("PUT", "/api/sites/"+itoa(created.ID), map[string]any{
		"name": "gw2", "baseUrl": "https://gw.example", "apiType": "veloera", "userId": "9",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	after, _ := e.store.GetSite(ctx, created.ID)
	if after.Name != "gw2" || after.APIKey != stored.APIKey || after.ScheduleCron != "" {
		t.Fatalf("omitted key must be kept, cleared cron must clear: %+v", after)
	}

	rec = e.auth("PUT", "/api/sites/"+itoa(created.ID), map[string]any{
		"name": "gw2", "baseUrl": "https://gw.example", "apiType": "veloera", "scheduleCron": "every tuesday",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid cron accepted: %d", rec.Code)
	}

	if rec = e.auth("DELETE", "/api/sites/"+itoa(created.ID), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec = e.auth("GET", "/api/sites/"+itoa(created.ID), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted site still visible: %d", rec.Code)
	}
	if len(e.coord.sites) != 3 {
		t.Fatalf("every mutation must reconcile the site, got %v", e.coord.sites)
	}
}

func TestSiteValidation(t *testing.T) {
	e := newEnv(t)
	for name, body := range map[string]map[string]any{
		"no name":  {"baseUrl": "https://x", "apiType": "openai"},
		"bad type": {"name": "x", "baseUrl": "https://x", "apiType": "gopher"},
		"bad url":  {"name": "x", "baseUrl": "ftp://x", "apiType": "openai"},
		"bad mode": {"name": "x", "baseUrl": "https://x", "apiType": "openai", "checkInMode": "sometimes"},
	} {
		if rec := e.auth("POST", "/api/sites", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestManualCheckAndCheckIn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	plain := &models.Site{Name: "p", BaseURL: "https://p", APIType: models.APITypeNewAPI, CheckInMode: models.CheckInModeModelOnly}
	e.store.CreateSite(ctx, plain)

	if rec := e.auth("POST", "/api/sites/"+itoa(plain.ID)+"/check?notify=false", nil); rec.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rec.Code, rec.Body)
	}
	if len(e.coord.checks) != 1 || e.coord.checks[0] || !e.coord.manual[0] {
		t.Fatalf("expected a manual check without notification: %v %v", e.coord.checks, e.coord.manual)
	}
	if rec := e.auth("POST", "/api/sites/"+itoa(plain.ID)+"/checkin", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("check-in on a disabled site: %d", rec.Code)
	}

	e.coord.checkErr = &provider.FetchError{Kind: provider.KindUpstreamHTTP, Status: 503}
	rec := e.auth("POST", "/api/sites/"+itoa(plain.ID)+"/check", nil)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "upstream_http") {
		t.Fatalf("upstream failure: %d %s", rec.Code, rec.Body)
	}
	e.coord.checkErr = secrets.ErrDecrypt
	if rec := e.auth("POST", "/api/sites/"+itoa(plain.ID)+"/check", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("decrypt failure: %d", rec.Code)
	}
}

func TestScheduleAndEmail(t *testing.T) {
	e := newEnv(t)
	rec := e.auth("PUT", "/api/schedule", map[string]any{"enabled": true, "hour": 7, "minute": 30, "timezone": "Europe/Berlin", "intervalSeconds": 2})
	if rec.Code != http.StatusOK || e.coord.reconciled != 1 {
		t.Fatalf("schedule put: %d reconciled=%d", rec.Code, e.coord.reconciled)
	}
	if rec := e.auth("PUT", "/api/schedule", map[string]any{"hour": 25}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hour accepted: %d", rec.Code)
	}

	rec = e.auth("POST", "/api/schedule/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run: %d", rec.Code)
	}
	select {
	case <-e.coord.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("global run not started")
	}

	rec = e.auth("PUT", "/api/email", map[string]any{"enabled": true, "apiKey": "re_live", "recipients": "a@x.io; b@x.io"})
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "re_live") {
		t.Fatalf("email put: %d %s", rec.Code, rec.Body)
	}
	var got emailResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.HasAPIKey || len(got.Resolved) != 2 {
		t.Fatalf("unexpected email config %+v", got)
	}
}

func TestHealthAndBackup(t *testing.T) {
	e := newEnv(t)
	if rec := e.do("GET", "/api/health", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("health without secret: %d", rec.Code)
	}
	peer := map[string]string{clusterHeader: "peer-secret"}
	if rec := e.do("GET", "/api/health", nil, peer); rec.Code != http.StatusOK {
		t.Fatalf("health with secret: %d", rec.Code)
	}

	e.store.CreateSite(context.Background(), &models.Site{Name: "b", BaseURL: "https://b", APIType: models.APITypeOpenAI, CheckInMode: models.CheckInModeBoth})
	rec := e.do("GET", "/api/backup/export", nil, peer)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	var backup models.Backup
	json.Unmarshal(rec.Body.Bytes(), &backup)
	if len(backup.Sites) != 1 {
		t.Fatalf("export missing sites: %s", rec.Body)
	}

	rec = e.auth("POST", "/api/backup/import", backup)
	if rec.Code != http.StatusOK || e.coord.reconciled != 1 {
		t.Fatalf("import: %d reconciled=%d", rec.Code, e.coord.reconciled)
	}
}

func TestStatusPage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	site := &models.Site{Name: "alpha", BaseURL: "https://a", APIType: models.APITypeOpenAI, CheckInMode: models.CheckInModeModelOnly}
	e.store.CreateSite(ctx, site)
	msg := "boom"
	e.store.CreateSnapshot(ctx, &models.ModelSnapshot{SiteID: site.ID, Models: []models.Model{}, ErrorMessage: &msg, FetchedAt: time.Now()})

	rec := e.do("GET", "/status/json", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ERROR"`) {
		t.Fatalf("status json: %d %s", rec.Code, rec.Body)
	}
	rec = e.do("GET", "/status", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Test Watch") || !strings.Contains(rec.Body.String(), "alpha") {
		t.Fatalf("status page: %d", rec.Code)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
