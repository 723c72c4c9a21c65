package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-modelwatch/internal/logging"
	"go-modelwatch/internal/models"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/store"
)

var (
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"})
	specialStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"})
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#F0E442", Dark: "#F0E442"})
	dangerStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"})
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)

	activeTab   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, false, true, false).BorderForeground(lipgloss.Color("#7D56F4")).Foreground(lipgloss.Color("#7D56F4")).Bold(true).Padding(0, 1)
	inactiveTab = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.AdaptiveColor{Light: "#AAA", Dark: "#555"})

	colID     = lipgloss.NewStyle().Width(4)
	colName   = lipgloss.NewStyle().Width(20)
	colType   = lipgloss.NewStyle().Width(9)
	colStatus = lipgloss.NewStyle().Width(9)
	colModels = lipgloss.NewStyle().Width(8)
	colSched  = lipgloss.NewStyle().Width(18)
)

const refreshEvery = 2 * time.Second

// Coordinator is what the dashboard can trigger.
type Coordinator interface {
	CheckAndNotify(ctx context.Context, siteID int64, opts monitor.CheckOptions, notify bool) (*monitor.CheckResult, error)
	RunGlobal(ctx context.Context) (*scheduler.BatchResult, error)
	ReconcileSite(ctx context.Context, siteID int64) error
	NextRun(siteID int64) time.Time
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type Deps struct {
	Store store.Store
	Codec Encrypter
	Coord Coordinator
}

type typeItem struct{ t models.APIType }

func (i typeItem) Title() string { return string(i.t) }
func (i typeItem) Description() string {
	switch i.t {
	case models.APITypeVeloera:
		return "Gateway with user id header, daily check-in"
	case models.APITypeNewAPI, models.APITypeDoneHub, models.APITypeVoAPI:
		return "Gateway with user id header"
	case models.APITypeOther:
		return "OpenAI compatible with custom billing endpoint"
	}
	return "OpenAI compatible /v1/models"
}
func (i typeItem) FilterValue() string { return string(i.t) }

type sessionState int

const (
	stateDashboard sessionState = iota
	stateFormSite
	stateSelectType
)

const (
	tabSites = iota
	tabChanges
	tabLogs
)

// form fields
const (
	fName = iota
	fURL
	fType
	fKey
	fUser
	fCheckIn
	fMode
	fCron
	fTZ
	fieldCount
)

type siteRow struct {
	site     models.Site
	status   string
	models   int
	schedule string
}

type tickMsg time.Time

type opDoneMsg struct {
	text string
	err  error
}

type Model struct {
	deps Deps

	state      sessionState
	currentTab int

	cursor       int
	tableOffset  int
	maxTableRows int

	editID   int64
	inputs   []textinput.Model
	focus    int
	errorMsg string
	flash    string

	logViewport    viewport.Model
	changeViewport viewport.Model
	formViewport   viewport.Model
	typeList       list.Model

	rows []siteRow
}

func InitialModel(deps Deps) Model {
	vpLogs := viewport.New(100, 20)
	vpLogs.SetContent("Waiting for logs...")
	vpChanges := viewport.New(100, 20)
	vpForm := viewport.New(100, 20)

	items := make([]list.Item, len(models.APITypes))
	for i, t := range models.APITypes {
		items[i] = typeItem{t}
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select API Type"
	l.SetShowHelp(false)

	m := Model{
		deps:           deps,
		state:          stateDashboard,
		logViewport:    vpLogs,
		changeViewport: vpChanges,
		formViewport:   vpForm,
		typeList:       l,
		maxTableRows:   5,
	}
	m.refreshData()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd { return tick() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.maxTableRows = msg.Height - 9
		if m.maxTableRows < 1 {
			m.maxTableRows = 1
		}
		m.logViewport.Width, m.logViewport.Height = msg.Width, msg.Height-6
		m.changeViewport.Width, m.changeViewport.Height = msg.Width, msg.Height-6
		m.formViewport.Width, m.formViewport.Height = msg.Width, msg.Height-3
		m.typeList.SetSize(msg.Width, msg.Height-4)

	case tickMsg:
		m.refreshData()
		return m, tick()

	case opDoneMsg:
		if msg.err != nil {
			m.flash = dangerStyle.Render(msg.text + ": " + msg.err.Error())
		} else {
			m.flash = specialStyle.Render(msg.text)
		}
		m.refreshData()
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

		if m.state == stateSelectType {
			switch msg.String() {
			case "esc":
				m.state = stateFormSite
				m.updateFormContent()
				return m, nil
			case "enter":
				if it, ok := m.typeList.SelectedItem().(typeItem); ok {
					m.inputs[fType].SetValue(string(it.t))
				}
				m.state = stateFormSite
				m.updateFormContent()
				return m, nil
			}
			m.typeList, cmd = m.typeList.Update(msg)
			return m, cmd
		}

		switch m.state {
		case stateDashboard:
			return m.updateDashboard(msg)
		case stateFormSite:
			return m.updateForm(msg)
		}
	}

	if m.state == stateFormSite {
		for i := range m.inputs {
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		m.updateFormContent()
	}
	return m, tea.Batch(cmds...)
}

func (m Model) updateDashboard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	scrolling := m.activeViewport()
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "tab":
		m.currentTab = (m.currentTab + 1) % 3
		m.cursor, m.tableOffset = 0, 0
	case "pgup", "pgdown":
		if scrolling != nil {
			*scrolling, cmd = scrolling.Update(msg)
			return m, cmd
		}
	case "up", "k":
		if scrolling != nil {
			scrolling.LineUp(1)
		} else if m.cursor > 0 {
			m.cursor--
			if m.cursor < m.tableOffset {
				m.tableOffset = m.cursor
			}
		}
	case "down", "j":
		if scrolling != nil {
			scrolling.LineDown(1)
		} else if m.cursor < len(m.rows)-1 {
			m.cursor++
			if m.cursor >= m.tableOffset+m.maxTableRows {
				m.tableOffset++
			}
		}
	case "g":
		m.flash = warnStyle.Render("global run started")
		return m, m.runGlobal()
	}

	if m.currentTab != tabSites {
		return m, nil
	}
	switch msg.String() {
	case "n":
		m.editID = 0
		m.state = stateFormSite
		m.initFormSite(nil)
		m.formViewport.GotoTop()
		m.updateFormContent()
	case "e":
		if row, ok := m.selected(); ok {
			m.editID = row.site.ID
			m.state = stateFormSite
			m.initFormSite(&row.site)
			m.formViewport.GotoTop()
			m.updateFormContent()
		}
	case "enter", "r":
		if row, ok := m.selected(); ok {
			m.flash = warnStyle.Render("checking " + row.site.Name + "...")
			return m, m.runCheck(row.site, false)
		}
	case "c":
		if row, ok := m.selected(); ok {
			if !row.site.CheckInEnabled {
				m.flash = dangerStyle.Render("check-in is not enabled for " + row.site.Name)
				return m, nil
			}
			m.flash = warnStyle.Render("checking in " + row.site.Name + "...")
			return m, m.runCheck(row.site, true)
		}
	case "d", "backspace":
		if row, ok := m.selected(); ok {
			m.deleteSite(row.site)
			if m.cursor >= len(m.rows)-1 && m.cursor > 0 {
				m.cursor--
			}
			if m.cursor < m.tableOffset {
				m.tableOffset = m.cursor
			}
			m.refreshData()
		}
	}
	return m, nil
}

func (m *Model) activeViewport() *viewport.Model {
	switch m.currentTab {
	case tabChanges:
		return &m.changeViewport
	case tabLogs:
		return &m.logViewport
	}
	return nil
}

func (m Model) selected() (siteRow, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return siteRow{}, false
	}
	return m.rows[m.cursor], true
}

func (m Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd
	switch s := msg.String(); s {
	case "esc":
		m.state = stateDashboard
		return m, nil

	case "pgup", "pgdown":
		m.formViewport, cmd = m.formViewport.Update(msg)
		return m, cmd

	case "tab", "shift+tab", "enter", "up", "down":
		if m.focus == fType && s == "enter" {
			m.state = stateSelectType
			m.typeList.SetSize(m.formViewport.Width, m.formViewport.Height)
			return m, nil
		}
		if s == "enter" && m.focus == len(m.inputs)-1 {
			if err := m.submitForm(); err != nil {
				m.errorMsg = err.Error()
				m.updateFormContent()
				return m, nil
			}
			m.state = stateDashboard
			m.refreshData()
			return m, nil
		}

		if s == "up" || s == "shift+tab" {
			m.focus--
		} else {
			m.focus++
		}
		if m.focus > len(m.inputs)-1 {
			m.focus = 0
		}
		if m.focus < 0 {
			m.focus = len(m.inputs) - 1
		}
		for i := range m.inputs {
			if i == m.focus {
				cmds = append(cmds, m.inputs[i].Focus())
			} else {
				m.inputs[i].Blur()
			}
		}
		m.formViewport.SetYOffset(m.focus * 3)
		m.updateFormContent()
		return m, tea.Batch(cmds...)

	default:
		if m.focus == fType {
			return m, nil
		}
	}
	for i := range m.inputs {
		m.inputs[i], cmd = m.inputs[i].Update(msg)
		cmds = append(cmds, cmd)
	}
	m.updateFormContent()
	return m, tea.Batch(cmds...)
}

func (m Model) runCheck(site models.Site, checkIn bool) tea.Cmd {
	coord := m.deps.Coord
	return func() tea.Msg {
		res, err := coord.CheckAndNotify(context.Background(), site.ID, monitor.CheckOptions{Manual: true}, true)
		if err != nil {
			return opDoneMsg{text: site.Name + " failed", err: err}
		}
		text := fmt.Sprintf("%s: %d models", site.Name, len(res.Snapshot.Models))
		if res.HasChanges {
			ch := res.Changes()
			text += fmt.Sprintf(", +%d / -%d", len(ch.Added), len(ch.Removed))
		}
		if ci := res.CheckIn; ci != nil {
			if ci.Success {
				text += ", check-in ok"
			} else {
				text += ", check-in failed: " + ci.Error
			}
		} else if checkIn {
			text += ", no check-in performed"
		}
		return opDoneMsg{text: text}
	}
}

func (m Model) runGlobal() tea.Cmd {
	coord := m.deps.Coord
	return func() tea.Msg {
		res, err := coord.RunGlobal(context.Background())
		if err != nil {
			return opDoneMsg{text: "global run failed", err: err}
		}
		return opDoneMsg{text: fmt.Sprintf("global run: %d checked, %d changed, %d failed",
			res.Checked, len(res.Changes), len(res.Failures))}
	}
}

func (m *Model) deleteSite(site models.Site) {
	ctx := context.Background()
	if err := m.deps.Store.DeleteSite(ctx, site.ID); err != nil {
		m.flash = dangerStyle.Render("delete failed: " + err.Error())
		return
	}
	m.deps.Coord.ReconcileSite(ctx, site.ID)
	m.flash = specialStyle.Render("deleted " + site.Name)
}

func (m *Model) refreshData() {
	ctx := context.Background()
	st := m.deps.Store
	sites, err := st.ListSites(ctx)
	if err != nil {
		m.flash = dangerStyle.Render("load sites: " + err.Error())
		return
	}
	cfg, err := st.GetScheduleConfig(ctx)
	if err != nil {
		d := models.DefaultScheduleConfig()
		cfg = &d
	}

	rows := make([]siteRow, 0, len(sites))
	for _, s := range sites {
		r := siteRow{site: s, status: "PENDING"}
		if last, err := st.LatestSnapshot(ctx, s.ID); err == nil && last != nil {
			r.status = "OK"
			if !last.Succeeded() {
				r.status = "ERROR"
			}
		}
		if good, err := st.LatestSuccessfulSnapshot(ctx, s.ID); err == nil && good != nil {
			r.models = len(good.Models)
		}
		switch scheduler.OwnershipOf(&s, *cfg) {
		case scheduler.IndividuallyScheduled:
			r.schedule = s.ScheduleCron
		case scheduler.GloballyOwned:
			r.schedule = fmt.Sprintf("daily %02d:%02d", cfg.Hour, cfg.Minute)
		default:
			r.schedule = "-"
		}
		rows = append(rows, r)
	}
	m.rows = rows
	if m.cursor >= len(rows) {
		m.cursor = max(len(rows)-1, 0)
	}

	names := make(map[int64]string, len(sites))
	for _, s := range sites {
		names[s.ID] = s.Name
	}
	if diffs, err := st.ListDiffs(ctx, 0, 100); err == nil {
		m.changeViewport.SetContent(renderChanges(diffs, names))
	}
	m.logViewport.SetContent(strings.Join(logging.Recent(), "\n"))
}

func renderChanges(diffs []models.ModelDiff, names map[int64]string) string {
	if len(diffs) == 0 {
		return "No model changes recorded yet."
	}
	var b strings.Builder
	for _, d := range diffs {
		name := names[d.SiteID]
		if name == "" {
			name = fmt.Sprintf("site #%d", d.SiteID)
		}
		fmt.Fprintf(&b, "%s  %s\n", subtleStyle.Render(d.DiffedAt.Local().Format("2006-01-02 15:04")), titleStyle.Render(name))
		for _, a := range d.Added {
			b.WriteString("  " + specialStyle.Render("+ "+a.ID) + "\n")
		}
		for _, r := range d.Removed {
			b.WriteString("  " + dangerStyle.Render("- "+r.ID) + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) initFormSite(site *models.Site) {
	m.inputs = make([]textinput.Model, fieldCount)
	m.inputs[fName] = ti("My Gateway", 30)
	m.inputs[fURL] = ti("https://gateway.example.com", 40)
	m.inputs[fType] = ti("", 10)
	m.inputs[fType].SetValue(string(models.APITypeOpenAI))
	m.inputs[fKey] = ti("sk-...", 40)
	m.inputs[fKey].EchoMode = textinput.EchoPassword
	m.inputs[fUser] = ti("", 10)
	m.inputs[fCheckIn] = ti("n", 5)
	m.inputs[fMode] = ti(string(models.CheckInModeModelOnly), 14)
	m.inputs[fCron] = ti("0 */6 * * *", 20)
	m.inputs[fTZ] = ti("UTC", 20)

	if site != nil {
		m.inputs[fName].SetValue(site.Name)
		m.inputs[fURL].SetValue(site.BaseURL)
		m.inputs[fType].SetValue(string(site.APIType))
		m.inputs[fUser].SetValue(site.UserID)
		if site.CheckInEnabled {
			m.inputs[fCheckIn].SetValue("y")
		}
		m.inputs[fMode].SetValue(string(site.CheckInMode))
		m.inputs[fCron].SetValue(site.ScheduleCron)
		m.inputs[fTZ].SetValue(site.ScheduleTimezone)
	}
	m.inputs[fName].Focus()
	m.focus = fName
	m.errorMsg = ""
}

func ti(ph string, width int) textinput.Model {
	t := textinput.New()
	t.Placeholder = ph
	t.Width = width
	return t
}

func (m *Model) updateFormContent() {
	if len(m.inputs) < fieldCount {
		return
	}
	var content string
	if m.errorMsg != "" {
		content += dangerStyle.Render("Error: "+m.errorMsg) + "\n\n"
	}
	title := "Add Site"
	if m.editID > 0 {
		title = fmt.Sprintf("Edit Site #%d", m.editID)
	}
	content += titleStyle.Render(title) + "\n\n"
	content += "Name:\n" + m.inputs[fName].View() + "\n\n"
	content += "Base URL:\n" + m.inputs[fURL].View() + "\n\n"

	lbl, val := "API Type:", m.inputs[fType].Value()+" [Enter to Change]"
	if m.focus == fType {
		lbl, val = specialStyle.Render(lbl), specialStyle.Render(val)
	}
	content += lbl + "\n" + val + "\n\n"

	keyLabel := "API Key:"
	if m.editID > 0 {
		keyLabel = "API Key (blank keeps current):"
	}
	content += keyLabel + "\n" + m.inputs[fKey].View() + "\n\n"
	content += "User ID (newapi/veloera):\n" + m.inputs[fUser].View() + "\n\n"
	content += "Daily check-in? (y/n):\n" + m.inputs[fCheckIn].View() + "\n\n"
	content += "Check-in mode (model-only/checkin-only/both):\n" + m.inputs[fMode].View() + "\n\n"
	content += "Own schedule, cron (blank uses global):\n" + m.inputs[fCron].View() + "\n\n"
	content += "Timezone:\n" + m.inputs[fTZ].View() + "\n\n"
	m.formViewport.SetContent(lipgloss.NewStyle().Padding(1, 2).Render(content))
}

func (m *Model) submitForm() error {
	v := func(i int) string { return strings.TrimSpace(m.inputs[i].Value()) }
	if v(fName) == "" || v(fURL) == "" {
		return fmt.Errorf("name and base URL are required")
	}
	apiType := models.APIType(v(fType))
	if !apiType.Valid() {
		return fmt.Errorf("unknown API type %q", apiType)
	}
	mode := models.CheckInMode(v(fMode))
	if mode == "" {
		mode = models.CheckInModeModelOnly
	}
	if !mode.Valid() {
		return fmt.Errorf("unknown check-in mode %q", mode)
	}
	if v(fCron) != "" {
		if err := scheduler.Validate(v(fCron), v(fTZ)); err != nil {
			return fmt.Errorf("invalid schedule: %v", err)
		}
	}

	ctx := context.Background()
	site := &models.Site{}
	if m.editID > 0 {
		existing, err := m.deps.Store.GetSite(ctx, m.editID)
		if err != nil {
			return err
		}
		site = existing
	}
	site.Name = v(fName)
	site.BaseURL = v(fURL)
	site.APIType = apiType
	site.UserID = v(fUser)
	site.CheckInEnabled = strings.EqualFold(v(fCheckIn), "y")
	site.CheckInMode = mode
	site.ScheduleCron = v(fCron)
	site.ScheduleTimezone = v(fTZ)
	if key := v(fKey); key != "" {
		enc, err := m.deps.Codec.Encrypt(key)
		if err != nil {
			return err
		}
		site.APIKey = enc
	}

	var err error
	if m.editID > 0 {
		err = m.deps.Store.UpdateSite(ctx, site)
	} else {
		err = m.deps.Store.CreateSite(ctx, site)
	}
	if err != nil {
		return err
	}
	if err := m.deps.Coord.ReconcileSite(ctx, site.ID); err != nil {
		return err
	}
	m.flash = specialStyle.Render("saved " + site.Name)
	return nil
}

func (m Model) View() string {
	switch m.state {
	case stateSelectType:
		f := subtleStyle.Render("\n[Enter] Select  [Esc] Cancel")
		return lipgloss.NewStyle().Padding(1, 2).Render(m.typeList.View()) + "\n" + f
	case stateFormSite:
		f := subtleStyle.Render("\n[Enter] Next/Save  [PgUp/PgDn] Scroll  [Esc] Cancel")
		return m.formViewport.View() + "\n" + f
	default:
		return m.viewDashboard()
	}
}

func (m Model) viewDashboard() string {
	tabs := []string{"Sites", "Changes", "Logs"}
	var renderedTabs []string
	for i, t := range tabs {
		if i == m.currentTab {
			renderedTabs = append(renderedTabs, activeTab.Render(t))
		} else {
			renderedTabs = append(renderedTabs, inactiveTab.Render(t))
		}
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top, renderedTabs...)
	content := ""

	switch m.currentTab {
	case tabSites:
		content += "\n" + lipgloss.JoinHorizontal(lipgloss.Left,
			colID.Render("ID"), colName.Render("NAME"), colType.Render("TYPE"), colStatus.Render("STATUS"),
			colModels.Render("MODELS"), colSched.Render("SCHEDULE"), "LAST CHECK") + "\n"
		content += subtleStyle.Render(strings.Repeat("-", 86)) + "\n"

		if len(m.rows) == 0 {
			content += "\n  No sites configured. Press [n] to add one."
		}
		end := min(m.tableOffset+m.maxTableRows, len(m.rows))
		for i := m.tableOffset; i < end; i++ {
			r := m.rows[i]
			statusStyle := specialStyle
			switch r.status {
			case "ERROR":
				statusStyle = dangerStyle
			case "PENDING":
				statusStyle = subtleStyle
			}
			last := "never"
			if r.site.LastCheckedAt != nil {
				last = r.site.LastCheckedAt.Local().Format("01-02 15:04")
			}
			row := lipgloss.JoinHorizontal(lipgloss.Left,
				colID.Render(strconv.FormatInt(r.site.ID, 10)),
				colName.Render(limitStr(r.site.Name, 18)),
				colType.Render(string(r.site.APIType)),
				colStatus.Render(statusStyle.Render(r.status)),
				colModels.Render(strconv.Itoa(r.models)),
				colSched.Render(limitStr(r.schedule, 16)),
				last,
			)
			if m.cursor == i {
				row = lipgloss.NewStyle().Bold(true).Render(">" + row)
			} else {
				row = " " + row
			}
			content += row + "\n"
		}
	case tabChanges:
		content += "\n" + m.changeViewport.View()
	case tabLogs:
		content += "\n" + m.logViewport.View()
	}

	footer := "\n[n] New  [e] Edit  [d] Delete  [r/Enter] Check  [c] Check-in  [g] Global run  [Tab] Switch View  [q] Quit"
	if m.currentTab != tabSites {
		footer = "\n[↑/↓/PgUp/PgDn] Scroll  [g] Global run  [Tab] Switch View  [q] Quit"
	}
	flash := ""
	if m.flash != "" {
		flash = "\n" + m.flash
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(header + "\n" + content + flash + "\n" + subtleStyle.Render(footer))
}

func limitStr(text string, max int) string {
	if len(text) > max {
		return text[:max-3] + "..."
	}
	return text
}
