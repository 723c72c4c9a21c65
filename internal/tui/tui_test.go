package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/secrets"
	"go-modelwatch/internal/store"
)

type fakeCoord struct {
	checks     []monitor.CheckOptions
	reconciled []int64
	globals    int
}

func (f *fakeCoord) CheckAndNotify(_ context.Context, id int64, opts monitor.CheckOptions, _ bool) (*monitor.CheckResult, error) {
	f.checks = append(f.checks, opts)
	return &monitor.CheckResult{
		Snapshot:   &models.ModelSnapshot{SiteID: id, Models: []models.Model{{ID: "a"}, {ID: "b"}}},
		HasChanges: true,
		Diff:       &models.ModelDiff{SiteID: id, Added: []models.Model{{ID: "b"}}},
	}, nil
}

func (f *fakeCoord) RunGlobal(context.Context) (*scheduler.BatchResult, error) {
	f.globals++
	return &scheduler.BatchResult{Checked: 1}, nil
}

func (f *fakeCoord) ReconcileSite(_ context.Context, id int64) error {
	f.reconciled = append(f.reconciled, id)
	return nil
}

func (f *fakeCoord) NextRun(int64) time.Time { return time.Time{} }

func setup(t *testing.T) (Deps, *fakeCoord, *secrets.Codec) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "tui.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	codec, err := secrets.New("dashboard-test-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	coord := &fakeCoord{}
	return Deps{Store: st, Codec: codec, Coord: coord}, coord, codec
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestDashboardListsSites(t *testing.T) {
	deps, _, _ := setup(t)
	ctx := context.Background()
	if err := deps.Store.CreateSite(ctx, &models.Site{Name: "alpha", BaseURL: "https://a.example", APIType: models.APITypeOpenAI, ScheduleCron: "0 * * * *"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	m := InitialModel(deps)
	if len(m.rows) != 1 || m.rows[0].status != "PENDING" || m.rows[0].schedule != "0 * * * *" {
		t.Fatalf("unexpected rows: %+v", m.rows)
	}
	if v := m.View(); !strings.Contains(v, "alpha") {
		t.Fatalf("view does not list site:\n%s", v)
	}
}

func TestCheckKeyRunsManualCheck(t *testing.T) {
	deps, coord, _ := setup(t)
	ctx := context.Background()
	deps.Store.CreateSite(ctx, &models.Site{Name: "alpha", BaseURL: "https://a.example", APIType: models.APITypeOpenAI})

	next, cmd := InitialModel(deps).Update(key("r"))
	if cmd == nil {
		t.Fatal("expected a check command")
	}
	msg := cmd()
	if len(coord.checks) != 1 || !coord.checks[0].Manual {
		t.Fatalf("checks = %+v", coord.checks)
	}
	next, _ = next.Update(msg)
	flash := next.(Model).flash
	if !strings.Contains(flash, "2 models") || !strings.Contains(flash, "+1 / -0") {
		t.Fatalf("flash = %q", flash)
	}
}

func TestCheckInKeyNeedsCheckInEnabled(t *testing.T) {
	deps, coord, _ := setup(t)
	deps.Store.CreateSite(context.Background(), &models.Site{Name: "plain", BaseURL: "https://a.example", APIType: models.APITypeVeloera})

	next, cmd := InitialModel(deps).Update(key("c"))
	if cmd != nil {
		t.Fatal("check-in must not run when disabled")
	}
	if len(coord.checks) != 0 || !strings.Contains(next.(Model).flash, "not enabled") {
		t.Fatalf("flash = %q", next.(Model).flash)
	}
}

func TestGlobalRunKey(t *testing.T) {
	deps, coord, _ := setup(t)
	_, cmd := InitialModel(deps).Update(key("g"))
	if cmd == nil {
		t.Fatal("expected a global run command")
	}
	if done, ok := cmd().(opDoneMsg); !ok || done.err != nil || !strings.Contains(done.text, "1 checked") {
		t.Fatalf("unexpected message %+v", done)
	}
	if coord.globals != 1 {
		t.Fatalf("globals = %d", coord.globals)
	}
}

func TestSubmitFormEncryptsKey(t *testing.T) {
	deps, coord, codec := setup(t)
	next, _ := InitialModel(deps).Update(key("n"))
	m := next.(Model)
	if m.state != stateFormSite {
		t.Fatalf("state = %v", m.state)
	}
	m.inputs[fName].SetValue("beta")
	m.inputs[fURL].SetValue("https://b.example")
	m.inputs[fType].SetValue(string(models.APITypeNewAPI))
	m.inputs[fKey].SetValue("sk-secret")
	m.inputs[fUser].SetValue("42")
	m.inputs[fCheckIn].SetValue("y")
	m.inputs[fMode].SetValue("both")
	m.inputs[fCron].SetValue("*/30 * * * *")
	m.inputs[fTZ].SetValue("Asia/Shanghai")
	if err := m.submitForm(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sites, _ := deps.Store.ListSites(context.Background())
	if len(sites) != 1 {
		t.Fatalf("sites = %d", len(sites))
	}
	s := sites[0]
	if s.APIKey == "sk-secret" {
		t.Fatal("api key stored in plaintext")
	}
	if plain, err := codec.Decrypt(s.APIKey); err != nil || plain != "sk-secret" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
	if !s.CheckInEnabled || s.CheckInMode != models.CheckInModeBoth || s.ScheduleTimezone != "Asia/Shanghai" {
		t.Fatalf("unexpected site %+v", s)
	}
	if len(coord.reconciled) != 1 || coord.reconciled[0] != s.ID {
		t.Fatalf("reconciled = %v", coord.reconciled)
	}
}

func TestSubmitFormRejectsBadInput(t *testing.T) {
	deps, _, _ := setup(t)
	m := InitialModel(deps)
	m.initFormSite(nil)
	m.inputs[fName].SetValue("gamma")
	m.inputs[fURL].SetValue("https://c.example")

	m.inputs[fCron].SetValue("not a cron")
	if err := m.submitForm(); err == nil {
		t.Fatal("expected cron error")
	}
	m.inputs[fCron].SetValue("")
	m.inputs[fType].SetValue("bogus")
	if err := m.submitForm(); err == nil {
		t.Fatal("expected api type error")
	}
}

func TestRenderChanges(t *testing.T) {
	if got := renderChanges(nil, nil); !strings.Contains(got, "No model changes") {
		t.Fatalf("empty render = %q", got)
	}
	out := renderChanges([]models.ModelDiff{{
		SiteID:   7,
		Added:    []models.Model{{ID: "gpt-new"}},
		Removed:  []models.Model{{ID: "gpt-old"}},
		DiffedAt: time.Now(),
	}}, map[int64]string{})
	for _, want := range []string{"site #7", "+ gpt-new", "- gpt-old"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}
