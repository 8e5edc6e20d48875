package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/timeline"
	"github.com/cloudzz-dev/chatsync/internal/client/transport"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	mutedColor     = lipgloss.Color("#9CA3AF")
	warnColor      = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	bannerStyle   = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	ownStyle      = lipgloss.NewStyle().Foreground(secondaryColor)
	otherStyle    = lipgloss.NewStyle().Foreground(primaryColor)
	unreadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB")).Background(primaryColor).Padding(0, 1)
	onlineDot     = lipgloss.NewStyle().Foreground(secondaryColor).Render("●")
	offlineDot    = mutedStyle.Render("○")
)

func (m model) View() string {
	var body string
	switch m.view {
	case viewAuth:
		body = m.authView()
	case viewConnecting:
		body = "\n  " + mutedStyle.Render("Connecting to "+m.app.cfg.Server.URL+"...")
	case viewConversations:
		body = m.listView()
	case viewChat:
		body = m.chatScreen()
	case viewNewConversation:
		body = m.newView()
	}
	if m.status != "" {
		body += "\n" + errorStyle.Render("  "+m.status)
	}
	return body
}

func (m model) banner() string {
	if m.snap.Notice == "" {
		return ""
	}
	return bannerStyle.Render("  "+m.snap.Notice) + "\n"
}

func (m model) authView() string {
	var s strings.Builder
	s.WriteString("\n")
	s.WriteString(titleStyle.Render("CHATSYNC"))
	s.WriteString("\n\n")

	if m.register {
		s.WriteString(mutedStyle.Render("  Login   ") + selectedStyle.Render("→ Register"))
	} else {
		s.WriteString(selectedStyle.Render("  → Login") + mutedStyle.Render("   Register"))
	}
	s.WriteString("\n" + helpStyle.Render("  (Ctrl+R to switch)") + "\n\n")

	s.WriteString("  " + m.fields[fieldLogin].View() + "\n")
	if m.register {
		s.WriteString("  " + m.fields[fieldEmail].View() + "\n")
	}
	s.WriteString("  " + m.fields[fieldPassword].View() + "\n\n")

	if m.busy {
		s.WriteString(mutedStyle.Render("  Signing in...") + "\n\n")
	}
	if m.authErr != "" {
		s.WriteString(errorStyle.Render("  "+m.authErr) + "\n\n")
	}
	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to submit • Esc to quit"))
	return s.String()
}

func (m model) listView() string {
	var s strings.Builder
	title := fmt.Sprintf("CHATSYNC - %s", m.me.Name())
	if m.snap.TotalUnread > 0 {
		title += fmt.Sprintf(" (%d unread)", m.snap.TotalUnread)
	}
	s.WriteString(titleStyle.Render(title) + "  " + connLabel(m.snap.Connection) + "\n")
	s.WriteString(m.banner())
	s.WriteString("\n")

	if len(m.snap.Conversations) == 0 {
		s.WriteString(mutedStyle.Render("  No conversations yet.\n  Press 'n' to start one.\n"))
	}
	for i, c := range m.snap.Conversations {
		prefix, style := "  ", lipgloss.NewStyle()
		if i == m.selected {
			prefix, style = "→ ", selectedStyle
		}
		marker := offlineDot
		if c.Key.IsGroup {
			marker = "#"
		} else if c.Online {
			marker = onlineDot
		}
		line := fmt.Sprintf("%s%s %s", prefix, marker, style.Render(c.DisplayName))
		if c.UnreadCount > 0 {
			line += " " + unreadStyle.Render(fmt.Sprint(c.UnreadCount))
		}
		if c.LastMessagePreview != "" {
			line += "  " + mutedStyle.Render(truncate(c.LastMessagePreview, 40))
		}
		s.WriteString(line + "\n")
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • n new • r retry • Ctrl+O log out • q quit"))
	return s.String()
}

func (m model) chatScreen() string {
	var s strings.Builder
	name := m.snap.Active.String()
	for _, c := range m.snap.Conversations {
		if c.Key == m.snap.Active {
			name = c.DisplayName
			if !c.Key.IsGroup && c.Online {
				name += " " + onlineDot
			}
		}
	}
	rule := strings.Repeat("─", max(m.width-2, 10))
	s.WriteString(titleStyle.Render(name) + "  " + connLabel(m.snap.Connection) + "\n")
	s.WriteString(m.banner())
	s.WriteString(rule + "\n")
	s.WriteString(m.chatView.View() + "\n")
	s.WriteString(m.typingLine() + "\n")
	s.WriteString(rule + "\n")
	s.WriteString(m.compose.View() + "\n")
	s.WriteString(helpStyle.Render("Enter send • PgUp older • Ctrl+R retry • Esc back"))
	return s.String()
}

func (m model) typingLine() string {
	if len(m.snap.Typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.snap.Typing))
	for _, id := range m.snap.Typing {
		names = append(names, m.userName(id))
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	return mutedStyle.Render(fmt.Sprintf("%s %s typing...", strings.Join(names, ", "), verb))
}

func (m model) userName(id string) string {
	for _, u := range m.snap.Users {
		if u.ID == id {
			return u.Name()
		}
	}
	return id
}

// renderTimeline refills the viewport from the current snapshot.
func (m *model) renderTimeline() {
	tl := m.snap.Timeline
	if tl.Key.IsZero() {
		m.chatView.SetContent("")
		return
	}
	atBottom := m.chatView.AtBottom()

	var b strings.Builder
	switch {
	case tl.State == timeline.LoadingInitial && len(tl.Messages) == 0:
		b.WriteString(mutedStyle.Render("Loading...") + "\n")
	case tl.Cursor.HasMore:
		b.WriteString(mutedStyle.Render("PgUp for older messages") + "\n")
	}
	if tl.Err != nil {
		b.WriteString(errorStyle.Render("Could not load messages: "+describe(tl.Err)) + "\n")
	}
	for _, msg := range tl.Messages {
		b.WriteString(renderMessage(msg) + "\n")
	}
	m.chatView.SetContent(b.String())
	if atBottom || tl.State == timeline.LoadingInitial {
		m.chatView.GotoBottom()
	}
}

func renderMessage(msg chat.Message) string {
	style := otherStyle
	if msg.IsOwn {
		style = ownStyle
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	body := msg.Content
	if msg.Kind != chat.KindText && msg.Kind != "" {
		body = fmt.Sprintf("[%s] %s %s", msg.Preview(), msg.Content, msg.AttachmentURL)
	}
	var marks []string
	if msg.IsEdited {
		marks = append(marks, "edited")
	}
	switch {
	case msg.IsOptimistic:
		marks = append(marks, "sending")
	case msg.IsOwn && msg.IsRead:
		marks = append(marks, "read")
	}
	line := fmt.Sprintf("%s %s: %s", mutedStyle.Render(msg.CreatedAt.Local().Format("15:04")), style.Render(name), body)
	if len(marks) > 0 {
		line += " " + mutedStyle.Render("("+strings.Join(marks, ", ")+")")
	}
	return line
}

func (m model) newView() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("New Conversation") + "\n\n")

	kind := "Direct Message"
	if m.newGroup {
		kind = "Group Chat"
	}
	s.WriteString(fmt.Sprintf("  Type: %s %s\n\n", selectedStyle.Render(kind), helpStyle.Render("(Ctrl+G to toggle)")))
	if m.newGroup {
		s.WriteString("  " + m.groupName.View() + "\n\n")
	}

	users := m.pickable()
	if len(users) == 0 {
		s.WriteString(mutedStyle.Render("  Nobody else is registered yet.") + "\n")
	}
	for i, u := range users {
		prefix, style := "  ", lipgloss.NewStyle()
		if i == m.userSel {
			prefix, style = "→ ", selectedStyle
		}
		dot := offlineDot
		if u.IsOnline {
			dot = onlineDot
		}
		box := ""
		if m.newGroup {
			box = "[ ] "
			if m.picked[u.ID] {
				box = "[x] "
			}
		}
		s.WriteString(fmt.Sprintf("%s%s%s %s\n", prefix, box, dot, style.Render(u.Name())))
	}

	s.WriteString("\n")
	if m.newGroup {
		s.WriteString(helpStyle.Render("  ↑/↓ select • Ctrl+T pick • Enter create • Esc cancel"))
	} else {
		s.WriteString(helpStyle.Render("  ↑/↓ select • Enter to chat • Esc cancel"))
	}
	return s.String()
}

func connLabel(s transport.State) string {
	switch s {
	case transport.Connected:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("● online")
	case transport.Connecting, transport.Reconnecting:
		return bannerStyle.Render("◌ " + s.String())
	}
	return mutedStyle.Render("○ " + s.String())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
