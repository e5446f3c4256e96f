package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/version"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// StatusFunc reads a fresh status projection.
type StatusFunc func() (*orchestrator.Status, error)

// Controller applies the decisions made in the watch view. A run in the
// same process passes the orchestrator; a separate watch process passes a
// decision-file writer.
type Controller interface {
	Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error)
	Pause()
	Unpause()
}

// StatusMsg carries a refreshed status.
type StatusMsg struct {
	Status *orchestrator.Status
	Err    error
}

// EventMsg wraps an orchestrator event for the activity log.
type EventMsg struct {
	Event orchestrator.OrchestratorEvent
}

// DoneMsg signals that the run returned.
type DoneMsg struct {
	Err error
}

type refreshTickMsg struct{}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

const maxLogEntries = 200

// WatchApp is the bubbletea model behind spectree watch.
type WatchApp struct {
	status   StatusFunc
	ctrl     Controller
	caps     orchestrator.Caps
	refresh  time.Duration
	spinner  spinner.Model
	feedback *FeedbackField

	current  *orchestrator.Status
	lastErr  error
	logs     []LogEntry
	selected int
	paused   bool
	done     bool
	doneErr  error
	quitting bool
	width    int
	height   int
}

// NewWatchApp creates the watch model. ctrl may be nil for a read-only view.
func NewWatchApp(status StatusFunc, ctrl Controller, caps orchestrator.Caps, refresh time.Duration) *WatchApp {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &WatchApp{
		status:  status,
		ctrl:    ctrl,
		caps:    caps,
		refresh: refresh,
		spinner: sp,
		width:   80,
	}
}

// NewWatchProgram creates a Bubbletea program for the watch view.
func NewWatchProgram(status StatusFunc, ctrl Controller, caps orchestrator.Caps, refresh time.Duration) (*tea.Program, *WatchApp) {
	app := NewWatchApp(status, ctrl, caps, refresh)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.load)
}

func (a *WatchApp) load() tea.Msg {
	st, err := a.status()
	return StatusMsg{Status: st, Err: err}
}

func (a *WatchApp) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.feedback != nil {
			var cmd tea.Cmd
			a.feedback, cmd = a.feedback.Update(msg)
			return a, cmd
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if a.feedback != nil {
			a.feedback.SetWidth(msg.Width)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case refreshTickMsg:
		return a, a.load

	case StatusMsg:
		a.lastErr = msg.Err
		if msg.Err == nil {
			a.current = msg.Status
			a.clampSelection()
		}
		return a, a.tick()

	case EventMsg:
		a.addLog(msg.Event.Timestamp, string(msg.Event.Type), describeEvent(msg.Event))

	case FeedbackSubmittedMsg:
		a.feedback = nil
		a.decide(msg.SpecID, false, msg.Feedback)
		return a, a.load

	case FeedbackCancelledMsg:
		a.feedback = nil

	case DoneMsg:
		a.done = true
		a.doneErr = msg.Err
	}
	return a, nil
}

func (a *WatchApp) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c":
		a.quitting = true
		return tea.Quit
	case "j", "down":
		a.selected++
		a.clampSelection()
	case "k", "up":
		a.selected--
		a.clampSelection()
	case "a":
		if req, ok := a.selectedApproval(); ok {
			a.decide(req.SpecID, true, "")
			return a.load
		}
	case "r":
		if req, ok := a.selectedApproval(); ok && a.ctrl != nil {
			a.feedback = NewFeedbackField(req.SpecID)
			a.feedback.SetWidth(a.width)
		}
	case "p":
		if a.ctrl != nil {
			if a.paused {
				a.ctrl.Unpause()
				a.addLog(time.Now(), "control", "resumed dispatching")
			} else {
				a.ctrl.Pause()
				a.addLog(time.Now(), "control", "paused dispatching")
			}
			a.paused = !a.paused
		}
	}
	return nil
}

func (a *WatchApp) decide(id string, approve bool, feedback string) {
	if a.ctrl == nil {
		return
	}
	var ver int64
	if req, ok := a.approvalFor(id); ok {
		ver = req.Version
	}
	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	n, err := a.ctrl.Decide(context.Background(), id, orchestrator.Decision{
		Approve:  approve,
		Feedback: feedback,
		By:       "watch",
		Version:  ver,
	})
	if err != nil {
		a.addLog(time.Now(), "error", fmt.Sprintf("%s %s failed: %v", verb, id, err))
		return
	}
	msg := fmt.Sprintf("%s %s", verb, id)
	if n != nil {
		msg += " -> " + string(n.Phase)
	}
	a.addLog(time.Now(), "decision", msg)
}

func (a *WatchApp) approvals() []orchestrator.ApprovalRequest {
	if a.current == nil {
		return nil
	}
	return a.current.Approvals
}

func (a *WatchApp) approvalFor(id string) (orchestrator.ApprovalRequest, bool) {
	for _, req := range a.approvals() {
		if req.SpecID == id {
			return req, true
		}
	}
	return orchestrator.ApprovalRequest{}, false
}

func (a *WatchApp) selectedApproval() (orchestrator.ApprovalRequest, bool) {
	list := a.approvals()
	if a.selected < 0 || a.selected >= len(list) {
		return orchestrator.ApprovalRequest{}, false
	}
	return list[a.selected], true
}

func (a *WatchApp) clampSelection() {
	n := len(a.approvals())
	if a.selected >= n {
		a.selected = n - 1
	}
	if a.selected < 0 {
		a.selected = 0
	}
}

func (a *WatchApp) addLog(at time.Time, kind, message string) {
	if at.IsZero() {
		at = time.Now()
	}
	a.logs = append(a.logs, LogEntry{Timestamp: at, Kind: kind, Message: message})
	if len(a.logs) > maxLogEntries {
		a.logs = a.logs[len(a.logs)-maxLogEntries:]
	}
}

// Logs returns the activity log.
func (a *WatchApp) Logs() []LogEntry {
	return a.logs
}

// Selected returns the spec id of the highlighted approval, if any.
func (a *WatchApp) Selected() string {
	req, ok := a.selectedApproval()
	if !ok {
		return ""
	}
	return req.SpecID
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return "Stopped watching.\n"
	}

	var b strings.Builder
	title := titleStyle.Render("=== spectree " + version.Get() + " ===")
	state := a.spinner.View() + " running"
	switch {
	case a.done:
		state = "run finished"
	case a.paused:
		state = "paused"
	}
	b.WriteString(title + "  " + dimStyle.Render(state))
	b.WriteString("\n\n")

	b.WriteString(RenderCounters(a.current, a.caps))
	b.WriteString("\n\n")
	b.WriteString(RenderTree(a.current))

	b.WriteString(a.renderApprovals())
	b.WriteString(a.renderBlocked())
	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	if a.feedback != nil {
		b.WriteString(a.feedback.View())
		b.WriteString("\n")
	}
	if a.lastErr != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("status error: %v", a.lastErr)))
		b.WriteString("\n")
	}
	if a.done && a.doneErr != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", a.doneErr)))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(a.helpLine()))
	b.WriteString("\n")
	return b.String()
}

func (a *WatchApp) helpLine() string {
	if a.ctrl == nil {
		return "q quit"
	}
	return "j/k select  a approve  r reject  p pause/resume  q quit"
}

func (a *WatchApp) renderApprovals() string {
	list := a.approvals()
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(valueStyle.Render("Awaiting approval"))
	b.WriteString("\n")
	for i, req := range list {
		line := fmt.Sprintf("%s %s iter %d", req.SpecID, req.Phase, req.Iteration)
		if req.Summary != "" {
			line += ": " + truncate(req.Summary, 70)
		}
		if i == a.selected {
			b.WriteString(selectStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (a *WatchApp) renderBlocked() string {
	if a.current == nil || len(a.current.Blocked) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("Blocked"))
	b.WriteString("\n")
	for _, n := range a.current.Blocked {
		b.WriteString(fmt.Sprintf("  %s %s %s\n", n.ID, PhaseStyle(n.Phase).Render(string(n.Phase)), truncate(n.Error, 70)))
	}
	return b.String()
}

// renderLogs renders the recent log entries.
func (a *WatchApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(valueStyle.Render("Activity"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > 8 {
		start = len(a.logs) - 8
	}
	kindStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Width(18)
	for _, entry := range a.logs[start:] {
		ts := dimStyle.Render(entry.Timestamp.Format("15:04:05"))
		b.WriteString(fmt.Sprintf("  %s %s %s\n", ts, kindStyle.Render(entry.Kind), entry.Message))
	}
	return b.String()
}

// describeEvent renders an event as one activity line.
func describeEvent(e orchestrator.OrchestratorEvent) string {
	switch e.Type {
	case orchestrator.EventRoundStarted:
		return fmt.Sprintf("%s %s round", e.SpecID, e.Role)
	case orchestrator.EventRoundFinished:
		msg := fmt.Sprintf("%s %s done in %s ($%.3f)", e.SpecID, e.Role, e.Duration.Round(time.Second), e.Cost)
		if e.Error != "" {
			msg += ": " + truncate(e.Error, 60)
		}
		return msg
	case orchestrator.EventPhaseChanged:
		return fmt.Sprintf("%s %s -> %s", e.SpecID, e.From, e.Phase)
	default:
		parts := []string{e.SpecID}
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		if e.Error != "" {
			parts = append(parts, e.Error)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
}
