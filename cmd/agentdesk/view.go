package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentdesk/internal/agentos"
	"agentdesk/internal/controller"
	"agentdesk/internal/fault"
)

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	userText    lipgloss.Style
	agentText   lipgloss.Style
	helpText    lipgloss.Style
	key         lipgloss.Style
	value       lipgloss.Style
	pick        lipgloss.Style
	connOK      lipgloss.Style
	connWarn    lipgloss.Style
	connDown    lipgloss.Style
	modalFrame  lipgloss.Style
	modalAccent lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(lipgloss.Color("#120924")).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		userText:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		agentText: lipgloss.NewStyle().Foreground(blue).Bold(true),
		helpText:  lipgloss.NewStyle().Foreground(muted),
		key:       lipgloss.NewStyle().Foreground(blue),
		value:     lipgloss.NewStyle().Foreground(text),
		pick:      lipgloss.NewStyle().Foreground(pink).Bold(true),
		connOK:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		connWarn:  lipgloss.NewStyle().Foreground(amber).Bold(true),
		connDown:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		modalAccent: lipgloss.NewStyle().Foreground(mint).Bold(true),
	}
}

func (m model) View() string {
	out := lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderContent(),
		m.renderInput(),
		m.renderFooter(),
	)
	if m.quitConfirm {
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabKnowledge, "Knowledge"},
		{tabStatus, "Status"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+2)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	segments = append(segments,
		m.theme.helpText.Render(" "+nullCoalesce(m.target.String(), "no target")+" "),
		m.connBadge(),
	)
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) connBadge() string {
	c := m.conn
	switch {
	case c.Status == controller.ConnDisconnected:
		return m.theme.connDown.Render(fmt.Sprintf("● offline · retry %s", untilText(c.NextProbeAt, m.now)))
	case c.Status == controller.ConnConnected && c.ServerStatus == "degraded":
		return m.theme.connWarn.Render("● degraded")
	case c.Status == controller.ConnConnected:
		return m.theme.connOK.Render("● online")
	default:
		return m.theme.connWarn.Render("● checking")
	}
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)

	switch m.activeTab {
	case tabChat:
		leftWidth, rightWidth := chatPanelWidths(contentWidth)
		left := m.theme.panel.Width(leftWidth).Height(contentHeight).Render(
			m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View(),
		)
		right := m.theme.panel.Width(rightWidth).Height(contentHeight).Render(
			m.theme.panelTitle.Render("Suggested Skills") + "\n" + m.sidebar.View(),
		)
		return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	case tabKnowledge:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Knowledge Ingestion") + "\n" + m.renderKnowledge(contentHeight-3))
	case tabStatus:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Connection + Activity") + "\n" + m.sidebar.View())
	case tabHelp:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("agentdesk Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func chatPanelWidths(contentWidth int) (left int, right int) {
	left = int(float64(contentWidth) * 0.66)
	right = contentWidth - left - 1
	if right < 28 {
		right = 28
		left = contentWidth - right - 1
	}
	return left, right
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat tab. Press Tab to return."))
	}
	inputView := m.input.View()
	if m.inflight {
		inputView = m.spinner.View() + " streaming... " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := ternary(m.statusError, m.theme.errorStatus, m.theme.status)
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Tab switch view · Enter send · Esc cancel reply/quit prompt · Ctrl+R reconnect · PgUp/PgDn scroll · Ctrl+C quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}

	accent := m.theme.modalAccent.Render(strings.Repeat("=", 40))
	body := strings.Join([]string{
		m.theme.errorStatus.Render("QUIT AGENTDESK?"),
		m.theme.helpText.Render("A streaming reply will be cancelled."),
		"",
		accent,
		"",
		m.theme.pick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

// renderPanes refreshes viewport content, keeping the scroll position unless
// the pane was already at the bottom.
func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevTimelineAtBottom := m.timeline.AtBottom()

	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	leftWidth, rightWidth := chatPanelWidths(contentWidth)

	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, contentHeight-3)
	m.timeline.SetContent(m.renderTimeline())
	if prevTimelineAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}

	if m.activeTab == tabStatus {
		m.sidebar.Width = maxInt(20, contentWidth-4)
		m.sidebar.Height = maxInt(5, contentHeight-3)
		m.sidebar.SetContent(m.renderStatusDetail())
		return
	}
	m.sidebar.Width = maxInt(20, rightWidth-4)
	m.sidebar.Height = maxInt(5, contentHeight-3)
	m.sidebar.SetContent(m.renderSidebar())
	m.sidebar.GotoTop()
}

func (m *model) renderTimeline() string {
	var b strings.Builder
	width := maxInt(24, m.timeline.Width-2)
	for _, turn := range m.turns {
		if turn.Target != m.target {
			continue
		}
		b.WriteString(m.theme.userText.Render(fmt.Sprintf("%s [you]", shortTime(turn.StartedAt))))
		b.WriteString("\n")
		b.WriteString(wrapText(turn.Message, width))
		b.WriteString("\n\n")

		header := fmt.Sprintf("%s [%s] %s", shortTime(turn.UpdatedAt), turn.Target.AgentID, turn.Status)
		b.WriteString(m.theme.agentText.Render(header))
		b.WriteString("\n")
		reply := compactReply(turn.Content, replyMaxLines)
		switch {
		case reply != "":
			b.WriteString(wrapText(reply, width))
		case turn.Status == controller.SessionPending, turn.Status == controller.SessionStreaming:
			b.WriteString(m.theme.helpText.Render("waiting for the agent..."))
		}
		if turn.Status == controller.SessionFailed && turn.Err != nil {
			b.WriteString("\n" + m.theme.errorStatus.Render("! "+fault.Notice(turn.Err)))
		}
		if turn.Status == controller.SessionCancelled {
			b.WriteString("\n" + m.theme.helpText.Render("(cancelled)"))
		}
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(b.String()) == "" {
		if !m.target.Valid() {
			return "No agent selected. Use /agent <id> to start a conversation."
		}
		return "No messages yet. Type a prompt and press Enter."
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderSidebar() string {
	var b strings.Builder
	set := m.suggestions
	switch {
	case !m.conn.IsActive && m.conn.Status == controller.ConnDisconnected:
		b.WriteString(m.theme.helpText.Render("Routing paused while offline."))
	case set.Empty():
		b.WriteString(m.theme.helpText.Render("Start typing to see matching skills."))
	default:
		b.WriteString(m.theme.helpText.Render("for: " + compactSingleLine(set.Query, 40)))
		b.WriteString("\n")
		for i, skill := range set.Skills {
			b.WriteString(m.theme.key.Render(fmt.Sprintf("%d. %s", i+1, nullCoalesce(skill.Name, skill.ID))))
			b.WriteString("\n")
			if desc := strings.TrimSpace(skill.Description); desc != "" {
				b.WriteString("   " + compactSingleLine(desc, maxInt(20, m.sidebar.Width-4)) + "\n")
			}
		}
	}

	b.WriteString("\n\n")
	b.WriteString(m.theme.panelTitle.Render("Knowledge"))
	b.WriteString("\n")
	b.WriteString(summarizeItems(m.items))
	return strings.TrimSpace(b.String())
}

func (m *model) renderKnowledge(height int) string {
	var b strings.Builder
	b.WriteString(m.theme.helpText.Render(summarizeItems(m.items) + " · ↑/↓ select · r retry failed · f refresh · /upload <path>"))
	b.WriteString("\n\n")
	if len(m.items) == 0 {
		b.WriteString("No knowledge content yet.")
		return b.String()
	}
	visible := maxInt(1, height-3)
	start := clampInt(m.itemIndex-visible+1, 0, maxInt(0, len(m.items)-visible))
	end := minInt(len(m.items), start+visible)
	for i := start; i < end; i++ {
		item := m.items[i]
		prefix := "  "
		nameStyle := m.theme.value
		if i == m.itemIndex {
			prefix = "▶ "
			nameStyle = m.theme.pick
		}
		line := fmt.Sprintf("%-28s %s %9s", truncate(nullCoalesce(item.Name, item.ID), 28), m.statusBadge(item.Status), formatBytes(item.Size))
		if msg := strings.TrimSpace(item.StatusMessage); msg != "" {
			line += "  " + compactSingleLine(msg, 60)
		}
		b.WriteString(prefix + nameStyle.Render(line) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) statusBadge(status agentos.IngestionStatus) string {
	label := fmt.Sprintf("%-10s", status)
	switch status {
	case agentos.StatusCompleted:
		return m.theme.connOK.Render(label)
	case agentos.StatusFailed:
		return m.theme.connDown.Render(label)
	default:
		return m.theme.connWarn.Render(label)
	}
}

func summarizeItems(items []agentos.IngestionItem) string {
	counts := map[agentos.IngestionStatus]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	return fmt.Sprintf("items=%d done=%d working=%d failed=%d",
		len(items),
		counts[agentos.StatusCompleted],
		counts[agentos.StatusPending]+counts[agentos.StatusProcessing],
		counts[agentos.StatusFailed],
	)
}

func (m *model) renderStatusDetail() string {
	c := m.conn
	rows := []struct {
		label string
		value string
	}{
		{"Backend", nullCoalesce(string(c.Status), string(controller.ConnUnknown))},
		{"Server", nullCoalesce(strings.TrimSpace(c.ServerStatus+" "+c.ServerVersion), "n/a")},
		{"Work allowed", onOff(c.IsActive)},
		{"Probing", onOff(c.Probing)},
		{"Last check", shortTime(c.LastCheckedAt)},
		{"Next probe", untilText(c.NextProbeAt, m.now)},
		{"Failures", fmt.Sprintf("%d", c.ConsecutiveFailures)},
		{"Reconnects", fmt.Sprintf("%d", c.ReconnectAttempt)},
		{"Target", nullCoalesce(m.target.String(), "none")},
	}
	if c.LastError != nil {
		rows = append(rows, struct {
			label string
			value string
		}{"Last error", fault.Notice(c.LastError)})
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(m.theme.key.Render(fmt.Sprintf("%-14s", row.label)) + " " + m.theme.value.Render(row.value) + "\n")
	}
	b.WriteString("\n" + m.theme.panelTitle.Render("Activity") + "\n")
	if len(m.logs) == 0 {
		b.WriteString(m.theme.helpText.Render("(quiet)"))
	}
	for i := len(m.logs) - 1; i >= 0; i-- {
		b.WriteString(m.logs[i] + "\n")
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderHelp() string {
	lines := []string{
		"Core Keys",
		"- Tab / Shift+Tab: switch views",
		"- Enter: send prompt (Chat tab)",
		"- Esc in chat: cancel the streaming reply, otherwise show the quit prompt",
		"- Esc elsewhere: return to chat",
		"- Ctrl+R: probe the backend now",
		"- Conversation scroll: PgUp/PgDn, Up/Down (input empty), Home/End, mouse wheel",
		"- Knowledge tab: Up/Down select, r retry failed item, f refresh",
		"- Ctrl+C: quit",
		"",
		"Slash Commands",
		"- /agent <id> [session]",
		"- /new",
		"- /cancel",
		"- /reconnect",
		"- /refresh",
		"- /upload <path>",
		"- /retry <content-id>",
		"- /help",
		"- /quit",
		"",
		"Behavior",
		"- Skill suggestions follow the last quiet input; older lookups are dropped",
		"- One reply streams per conversation; a new prompt is rejected until it ends",
		"- While offline, routing and knowledge polling pause and sends are refused",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}
