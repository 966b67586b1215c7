package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentdesk/internal/agentos"
	"agentdesk/internal/controller"
	"agentdesk/internal/fault"
)

type tabID int

const (
	tabChat tabID = iota
	tabKnowledge
	tabStatus
	tabHelp
	tabCount
)

const (
	maxLogLines     = 50
	maxTurns        = 200
	replyMaxLines   = 400
	maxUploadBytes  = 32 << 20
	statusTickEvery = time.Second
)

// desk is the part of *controller.Controller the TUI drives.
type desk interface {
	OnInputChanged(text string)
	Submit(ctx context.Context, message string) (controller.StreamSession, error)
	CancelStream() bool
	Refresh(ctx context.Context) error
	Upload(ctx context.Context, upload agentos.Upload) (agentos.IngestionItem, error)
	Retry(ctx context.Context, id string) (agentos.RetryResult, error)
	Reconnect()
	SelectTarget(agentID, sessionID string) controller.Target
	NewSession() controller.Target
	Snapshot() controller.Snapshot
}

type model struct {
	ctx  context.Context
	desk desk

	target      controller.Target
	suggestions controller.SuggestionSet
	turns       []controller.StreamSession
	conn        controller.ConnectionState
	items       []agentos.IngestionItem
	itemIndex   int

	statusLine  string
	statusError bool
	logs        []string
	activeTab   tabID
	inflight    bool
	quitConfirm bool
	now         time.Time

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

// eventMsg carries one controller event into the update loop.
type eventMsg struct {
	event controller.Event
}

type submitDoneMsg struct {
	session controller.StreamSession
	err     error
}

type actionDoneMsg struct {
	status string
	err    error
}

type tickMsg time.Time

func newModel(ctx context.Context, d desk) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask the agent. Skill suggestions appear while you type. /help for commands."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	sidebar := viewport.New(0, 0)
	sidebar.MouseWheelEnabled = true
	sidebar.MouseWheelDelta = 4

	snap := d.Snapshot()
	m := model{
		ctx:         ctx,
		desk:        d,
		target:      snap.Target,
		suggestions: snap.Suggestions,
		conn:        snap.Connection,
		items:       snap.Items,
		statusLine:  "connecting...",
		now:         time.Now(),
		width:       120,
		height:      36,
		input:       input,
		timeline:    timeline,
		sidebar:     sidebar,
		spinner:     sp,
		theme:       newTheme(),
	}
	if snap.HasSession {
		m.turns = append(m.turns, snap.Session)
	}
	if !snap.Target.Valid() {
		m.statusLine = "no agent selected · /agent <id> to pick one"
	}
	m.resize()
	m.renderPanes()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, tickEvery(statusTickEvery))
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case eventMsg:
		m.applyEvent(msg.event)
	case submitDoneMsg:
		m.inflight = false
		if msg.err != nil {
			m.logError(msg.err)
			break
		}
		m.upsertTurn(msg.session)
		switch msg.session.Status {
		case controller.SessionComplete:
			m.setStatus("reply complete", false)
		case controller.SessionCancelled:
			m.setStatus("reply cancelled", false)
		case controller.SessionFailed:
			m.setStatus("reply failed: "+fault.Notice(msg.session.Err), true)
		}
		m.renderPanes()
	case actionDoneMsg:
		if msg.err != nil {
			m.logError(msg.err)
			break
		}
		if strings.TrimSpace(msg.status) != "" {
			m.setStatus(msg.status, false)
			m.appendLog(msg.status)
		}
		m.renderPanes()
	case tickMsg:
		m.now = time.Time(msg)
		m.renderPanes()
		cmds = append(cmds, tickEvery(statusTickEvery))
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case tea.MouseMsg:
		if m.quitConfirm {
			break
		}
		var cmd tea.Cmd
		switch m.activeTab {
		case tabChat:
			m.timeline, cmd = m.timeline.Update(msg)
		case tabStatus:
			m.sidebar, cmd = m.sidebar.Update(msg)
		}
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.quitConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				return m, tea.Quit
			case "n", "N", "esc":
				m.quitConfirm = false
				m.setStatus("quit canceled", false)
				m.renderPanes()
			}
			return m, nil
		}

		switch msg.String() {
		case "esc":
			if m.activeTab == tabChat && m.desk.CancelStream() {
				m.setStatus("cancelling reply...", false)
				return m, nil
			}
			if m.activeTab != tabChat {
				m.switchTab(tabChat)
				return m, nil
			}
			m.beginQuitConfirm()
			return m, nil
		case "tab":
			m.switchTab((m.activeTab + 1) % tabCount)
			return m, nil
		case "shift+tab":
			m.switchTab((m.activeTab + tabCount - 1) % tabCount)
			return m, nil
		case "ctrl+r":
			m.desk.Reconnect()
			m.setStatus("reconnecting...", false)
			return m, nil
		}

		switch m.activeTab {
		case tabChat:
			switch msg.String() {
			case "enter":
				raw := strings.TrimSpace(m.input.Value())
				if raw == "" {
					return m, tea.Batch(cmds...)
				}
				if strings.HasPrefix(raw, "/") {
					m.input.SetValue("")
					cmds = append(cmds, m.handleSlash(raw))
					return m, tea.Batch(cmds...)
				}
				if m.inflight {
					m.setStatus("a reply is still streaming · Esc cancels it", true)
					return m, tea.Batch(cmds...)
				}
				m.input.SetValue("")
				m.inflight = true
				m.setStatus("sending to "+m.target.AgentID, false)
				cmds = append(cmds, m.submitCmd(raw))
				return m, tea.Batch(cmds...)
			case "pgup", "ctrl+b":
				m.timeline.LineUp(8)
				return m, tea.Batch(cmds...)
			case "pgdown", "ctrl+f":
				m.timeline.LineDown(8)
				return m, tea.Batch(cmds...)
			case "up":
				if strings.TrimSpace(m.input.Value()) == "" {
					m.timeline.LineUp(4)
					return m, tea.Batch(cmds...)
				}
			case "down":
				if strings.TrimSpace(m.input.Value()) == "" {
					m.timeline.LineDown(4)
					return m, tea.Batch(cmds...)
				}
			case "home":
				m.timeline.GotoTop()
				return m, tea.Batch(cmds...)
			case "end":
				m.timeline.GotoBottom()
				return m, tea.Batch(cmds...)
			}
			before := m.input.Value()
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
			if after := m.input.Value(); after != before && !strings.HasPrefix(strings.TrimSpace(after), "/") {
				m.desk.OnInputChanged(after)
			}
		case tabKnowledge:
			switch msg.String() {
			case "up", "k":
				m.itemIndex = maxInt(0, m.itemIndex-1)
			case "down", "j":
				m.itemIndex = minInt(maxInt(0, len(m.items)-1), m.itemIndex+1)
			case "r", "enter":
				if cmd := m.retrySelectedCmd(); cmd != nil {
					cmds = append(cmds, cmd)
				}
			case "f":
				cmds = append(cmds, m.refreshCmd())
			}
			m.renderPanes()
		case tabStatus:
			switch msg.String() {
			case "pgup", "k", "up":
				m.sidebar.LineUp(4)
			case "pgdown", "j", "down":
				m.sidebar.LineDown(4)
			}
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *model) applyEvent(ev controller.Event) {
	switch ev := ev.(type) {
	case controller.SuggestionsChanged:
		m.suggestions = ev.Set
	case controller.StreamUpdated:
		m.upsertTurn(ev.Session)
	case controller.ConnectionChanged:
		prevActive := m.conn.IsActive || m.conn.Status == ""
		m.conn = ev.State
		switch {
		case prevActive && !ev.State.IsActive:
			m.setStatus("backend unreachable · retrying in "+untilText(ev.State.NextProbeAt, m.now), true)
			m.appendLog("disconnected: " + fault.Notice(ev.State.LastError))
		case !prevActive && ev.State.IsActive:
			m.setStatus("reconnected to "+nullCoalesce(ev.State.ServerVersion, "backend"), false)
			m.appendLog("reconnected")
		case ev.State.Status == controller.ConnConnected && m.statusLine == "connecting...":
			m.setStatus("ready · "+m.target.String(), false)
		}
	case controller.IngestionChanged:
		m.items = ev.Items
		m.itemIndex = clampInt(m.itemIndex, 0, maxInt(0, len(m.items)-1))
	case controller.Notice:
		m.appendLog(ev.Source + ": " + ev.Text)
		if ev.Level >= controller.NoticeWarn {
			m.setStatus(ev.Text, ev.Level == controller.NoticeError)
		}
	}
	m.renderPanes()
}

// upsertTurn replaces the turn with the same session id or appends it.
func (m *model) upsertTurn(session controller.StreamSession) {
	if session.ID == "" {
		return
	}
	for i := len(m.turns) - 1; i >= 0; i-- {
		if m.turns[i].ID == session.ID {
			if !session.UpdatedAt.Before(m.turns[i].UpdatedAt) {
				m.turns[i] = session
			}
			return
		}
	}
	m.turns = append(m.turns, session)
	if len(m.turns) > maxTurns {
		m.turns = m.turns[len(m.turns)-maxTurns:]
	}
}

func (m *model) submitCmd(message string) tea.Cmd {
	ctx, d := m.ctx, m.desk
	return func() tea.Msg {
		session, err := d.Submit(ctx, message)
		return submitDoneMsg{session: session, err: err}
	}
}

func (m *model) refreshCmd() tea.Cmd {
	ctx, d := m.ctx, m.desk
	return func() tea.Msg {
		if err := d.Refresh(ctx); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "knowledge refreshed"}
	}
}

func (m *model) retryCmd(id string) tea.Cmd {
	ctx, d := m.ctx, m.desk
	return func() tea.Msg {
		result, err := d.Retry(ctx, id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("retry %s: %s", id, nullCoalesce(result.Message, result.CurrentStatus))}
	}
}

func (m *model) retrySelectedCmd() tea.Cmd {
	if len(m.items) == 0 {
		return nil
	}
	item := m.items[clampInt(m.itemIndex, 0, len(m.items)-1)]
	if item.Status != agentos.StatusFailed {
		m.setStatus(fmt.Sprintf("%s is %s · only failed items can be retried", nullCoalesce(item.Name, item.ID), item.Status), false)
		return nil
	}
	return m.retryCmd(item.ID)
}

func (m *model) uploadCmd(path string) tea.Cmd {
	ctx, d := m.ctx, m.desk
	return func() tea.Msg {
		info, err := os.Stat(path)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		if info.Size() > maxUploadBytes {
			return actionDoneMsg{err: fmt.Errorf("%s is larger than %s", path, formatBytes(maxUploadBytes))}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		name := filepath.Base(path)
		item, err := d.Upload(ctx, agentos.Upload{Name: name, FileName: name, Data: data})
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("uploaded %s (%s)", name, nullCoalesce(item.ID, "queued"))}
	}
}

func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	tail := parts[1:]
	switch cmd {
	case "/help":
		m.switchTab(tabHelp)
		return nil
	case "/quit", "/exit":
		m.beginQuitConfirm()
		return nil
	case "/agent":
		if len(tail) == 0 {
			m.setStatus("agent: "+nullCoalesce(m.target.AgentID, "(none)")+" · usage: /agent <id> [session]", false)
			return nil
		}
		session := ""
		if len(tail) > 1 {
			session = tail[1]
		}
		m.target = m.desk.SelectTarget(tail[0], session)
		m.suggestions = controller.SuggestionSet{}
		m.setStatus("target "+m.target.String(), false)
		m.renderPanes()
		return nil
	case "/new":
		if !m.target.Valid() {
			m.setStatus("no agent selected · /agent <id> first", true)
			return nil
		}
		m.target = m.desk.NewSession()
		m.setStatus("new session "+m.target.SessionID, false)
		m.renderPanes()
		return nil
	case "/cancel":
		if !m.desk.CancelStream() {
			m.setStatus("nothing to cancel", false)
		}
		return nil
	case "/reconnect":
		m.desk.Reconnect()
		m.setStatus("reconnecting...", false)
		return nil
	case "/refresh":
		return m.refreshCmd()
	case "/retry":
		if len(tail) == 0 {
			m.setStatus("usage: /retry <content-id>", true)
			return nil
		}
		return m.retryCmd(tail[0])
	case "/upload":
		path := strings.TrimSpace(strings.Join(tail, " "))
		if path == "" {
			m.setStatus("usage: /upload <path>", true)
			return nil
		}
		m.setStatus("uploading "+filepath.Base(path), false)
		return m.uploadCmd(path)
	default:
		m.setStatus("unknown command: "+cmd, true)
		return nil
	}
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
}

func (m *model) setStatus(line string, isError bool) {
	m.statusLine = line
	m.statusError = isError
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.appendLog("error: " + err.Error())
	m.setStatus(fault.Notice(err), true)
}
