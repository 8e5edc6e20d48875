package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/client/reconcile"
	"github.com/cloudzz-dev/chatsync/internal/client/session"
	"github.com/cloudzz-dev/chatsync/internal/client/timeline"
	"github.com/cloudzz-dev/chatsync/internal/wire"
)

type viewState int

const (
	viewAuth viewState = iota
	viewConnecting
	viewConversations
	viewChat
	viewNewConversation
)

// auth form fields
const (
	fieldLogin = iota
	fieldEmail
	fieldPassword
)

type (
	restoredMsg struct {
		me  wire.User
		err error
	}
	authDoneMsg struct {
		me  wire.User
		err error
	}
	connectedMsg   struct{ ctrl *reconcile.Controller }
	changedMsg     struct{}
	authExpiredMsg struct{ err error }
	signedOutMsg   struct{}
	// opDoneMsg reports a finished intent. refill is draft text to put back
	// in the compose box after a failed send.
	opDoneMsg struct {
		op     string
		err    error
		refill string
		open   chat.Key
	}
)

type model struct {
	app *app

	view     viewState
	register bool
	fields   []textinput.Model
	focus    int
	authErr  string
	busy     bool

	me      wire.User
	ctrl    *reconcile.Controller
	changes <-chan struct{}
	unsub   func()
	snap    reconcile.View

	selected int
	compose  textinput.Model
	chatView viewport.Model
	status   string

	newGroup  bool
	groupName textinput.Model
	picked    map[string]bool
	userSel   int

	width  int
	height int
}

func initialModel(a *app) model {
	login := textinput.New()
	login.Placeholder = "Username or email"
	login.CharLimit = 64
	login.Width = 30
	login.Focus()

	email := textinput.New()
	email.Placeholder = "Email"
	email.CharLimit = 64
	email.Width = 30

	password := textinput.New()
	password.Placeholder = "Password"
	password.EchoMode = textinput.EchoPassword
	password.CharLimit = 64
	password.Width = 30

	compose := textinput.New()
	compose.Placeholder = "Type a message... (/file, /edit, /delete, /leave)"
	compose.CharLimit = 2000
	compose.Width = 60

	groupName := textinput.New()
	groupName.Placeholder = "Group name"
	groupName.CharLimit = 64
	groupName.Width = 30

	return model{
		app:       a,
		view:      viewConnecting,
		fields:    []textinput.Model{login, email, password},
		compose:   compose,
		chatView:  viewport.New(80, 20),
		groupName: groupName,
		picked:    map[string]bool{},
	}
}

// --- commands ---

func (m model) restoreCmd() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		me, err := a.restore(a.ctx)
		return restoredMsg{me: me, err: err}
	}
}

func (m model) loginCmd() tea.Cmd {
	a := m.app
	cr := credentials{
		Login:    strings.TrimSpace(m.fields[fieldLogin].Value()),
		Email:    strings.TrimSpace(m.fields[fieldEmail].Value()),
		Password: m.fields[fieldPassword].Value(),
		Register: m.register,
	}
	return func() tea.Msg {
		me, err := a.login(a.ctx, cr)
		return authDoneMsg{me: me, err: err}
	}
}

func (m model) connectCmd(me wire.User) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		return connectedMsg{ctrl: a.connect(a.ctx, me)}
	}
}

func (m model) signOutCmd() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		a.signOut(a.ctx)
		return signedOutMsg{}
	}
}

// waitChange blocks until the controller signals a new view.
func waitChange(ctx context.Context, ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ch:
			return changedMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m model) intent(op string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.app.ctx
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

// typingCmd feeds the compose box state to the typing signal off the UI loop.
func (m model) typingCmd(active bool) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		if active {
			ctrl.Keystroke()
		} else {
			ctrl.Blur()
		}
		return nil
	}
}

func (m model) openCmd(key chat.Key) tea.Cmd {
	return m.intent("open", func(ctx context.Context) error {
		_, err := m.ctrl.Open(ctx, key)
		return err
	})
}

func (m model) sendCmd(text string) tea.Cmd {
	ctrl := m.ctrl
	ctx := m.app.ctx
	return func() tea.Msg {
		refill, err := ctrl.Send(ctx, timeline.Draft{Content: text})
		if err == nil {
			refill = ""
		}
		return opDoneMsg{op: "send", err: err, refill: refill}
	}
}

func (m model) sendFileCmd(path string) tea.Cmd {
	ctrl := m.ctrl
	ctx := m.app.ctx
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return opDoneMsg{op: "attach", err: err}
		}
		defer f.Close()
		name := filepath.Base(path)
		_, err = ctrl.SendFile(ctx, timeline.Draft{Content: name, Kind: kindFor(name)}, name, f)
		return opDoneMsg{op: "attach", err: err}
	}
}

func kindFor(name string) chat.Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return chat.KindImage
	case ".mp4", ".mov", ".webm":
		return chat.KindVideo
	}
	return chat.KindFile
}

func (m model) createGroupCmd(name string, ids []string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		room, err := a.api.CreateGroup(a.ctx, wire.CreateGroupRequest{Name: name, Participants: ids})
		if err != nil {
			return opDoneMsg{op: "create group", err: err}
		}
		return opDoneMsg{op: "create group", open: chat.Group(room.ID)}
	}
}

// --- bubbletea ---

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.restoreCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.chatView.Width = max(msg.Width-4, 10)
		m.chatView.Height = max(msg.Height-9, 3)
		m.compose.Width = max(msg.Width-6, 10)
		m.renderTimeline()
		return m, nil

	case tea.FocusMsg, tea.BlurMsg:
		if m.ctrl == nil {
			return m, nil
		}
		_, visible := msg.(tea.FocusMsg)
		return m, m.intent("visibility", func(ctx context.Context) error {
			return m.ctrl.SetVisible(ctx, visible)
		})

	case restoredMsg:
		if msg.err != nil {
			m.view = viewAuth
			if !errors.Is(msg.err, session.ErrNoSession) {
				m.authErr = "Saved session is no longer valid. Log in again."
			}
			return m, nil
		}
		m.me = msg.me
		return m, m.connectCmd(msg.me)

	case authDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.authErr = describe(msg.err)
			return m, nil
		}
		m.authErr = ""
		m.me = msg.me
		m.view = viewConnecting
		return m, m.connectCmd(msg.me)

	case connectedMsg:
		m.ctrl = msg.ctrl
		m.changes, m.unsub = m.ctrl.Subscribe()
		m.snap = m.ctrl.Snapshot()
		m.view = viewConversations
		return m, waitChange(m.app.ctx, m.changes)

	case changedMsg:
		if m.ctrl == nil {
			return m, nil
		}
		m.snap = m.ctrl.Snapshot()
		m.selected = min(m.selected, max(len(m.snap.Conversations)-1, 0))
		if m.view == viewChat && m.snap.Active.IsZero() {
			// The open group went away under us.
			m.view = viewConversations
		}
		m.renderTimeline()
		return m, waitChange(m.app.ctx, m.changes)

	case authExpiredMsg:
		m.teardown()
		m.app.disconnect()
		m.view = viewAuth
		m.authErr = "Session expired. Log in again."
		return m, nil

	case signedOutMsg:
		m.teardown()
		m.view = viewAuth
		m.authErr = ""
		return m, nil

	case opDoneMsg:
		m.status = ""
		if msg.err != nil && !errors.Is(msg.err, timeline.ErrStale) && !errors.Is(msg.err, timeline.ErrNoMore) {
			m.status = msg.op + ": " + describe(msg.err)
			if chaterr.Is(msg.err, chaterr.AuthExpired) {
				return m.Update(authExpiredMsg{err: msg.err})
			}
		}
		if msg.refill != "" {
			m.compose.SetValue(msg.refill)
		}
		if !msg.open.IsZero() {
			m.view = viewChat
			m.compose.Focus()
			return m, m.openCmd(msg.open)
		}
		return m, nil
	}
	return m, nil
}

func (m *model) teardown() {
	if m.unsub != nil {
		m.unsub()
	}
	m.ctrl, m.changes, m.unsub = nil, nil, nil
	m.snap = reconcile.View{}
	m.me = wire.User{}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.view {
	case viewAuth:
		return m.authKey(msg)
	case viewConversations:
		return m.listKey(msg)
	case viewChat:
		return m.chatKey(msg)
	case viewNewConversation:
		return m.newKey(msg)
	}
	if msg.String() == "q" {
		return m, tea.Quit
	}
	return m, nil
}

func (m model) authKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		return m, tea.Quit
	case "tab", "shift+tab":
		m.fields[m.focus].Blur()
		m.focus = m.nextField(msg.String() == "tab")
		m.fields[m.focus].Focus()
		return m, nil
	case "ctrl+r":
		m.register = !m.register
		if !m.register && m.focus == fieldEmail {
			m.fields[m.focus].Blur()
			m.focus = fieldPassword
			m.fields[m.focus].Focus()
		}
		return m, nil
	case "enter":
		if m.busy || m.fields[fieldLogin].Value() == "" || m.fields[fieldPassword].Value() == "" {
			return m, nil
		}
		m.busy = true
		m.authErr = ""
		return m, m.loginCmd()
	}
	var cmd tea.Cmd
	m.fields[m.focus], cmd = m.fields[m.focus].Update(msg)
	return m, cmd
}

func (m model) nextField(forward bool) int {
	order := []int{fieldLogin, fieldPassword}
	if m.register {
		order = []int{fieldLogin, fieldEmail, fieldPassword}
	}
	i := 0
	for j, f := range order {
		if f == m.focus {
			i = j
		}
	}
	if forward {
		return order[(i+1)%len(order)]
	}
	return order[(i+len(order)-1)%len(order)]
}

func (m model) listKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	convs := m.snap.Conversations
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(convs)-1 {
			m.selected++
		}
	case "enter":
		if len(convs) == 0 {
			return m, nil
		}
		m.view = viewChat
		m.status = ""
		m.compose.Focus()
		return m, m.openCmd(convs[m.selected].Key)
	case "n":
		m.view = viewNewConversation
		m.newGroup = false
		m.picked = map[string]bool{}
		m.userSel = 0
		m.groupName.SetValue("")
		return m, nil
	case "r":
		return m, m.intent("retry", m.ctrl.Retry)
	case "ctrl+o":
		return m, m.signOutCmd()
	}
	return m, nil
}

func (m model) chatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.ctrl.Close()
		m.compose.Blur()
		m.compose.SetValue("")
		m.view = viewConversations
		return m, nil
	case "ctrl+r":
		return m, m.intent("retry", m.ctrl.Retry)
	case "pgup":
		if m.chatView.AtTop() {
			return m, m.intent("load older", func(ctx context.Context) error {
				_, err := m.ctrl.LoadOlder(ctx)
				return err
			})
		}
	case "enter":
		text := strings.TrimSpace(m.compose.Value())
		if text == "" {
			return m, nil
		}
		m.compose.SetValue("")
		return m, tea.Batch(m.typingCmd(false), m.command(text))
	}

	before := m.compose.Value()
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.compose, cmd = m.compose.Update(msg)
	cmds = append(cmds, cmd)
	if m.compose.Value() != before {
		cmds = append(cmds, m.typingCmd(m.compose.Value() != ""))
	}
	m.chatView, cmd = m.chatView.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// command runs a compose line: either a slash command or a plain message.
func (m model) command(text string) tea.Cmd {
	verb, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "/file":
		if rest == "" {
			return nil
		}
		return m.sendFileCmd(rest)
	case "/edit":
		last, ok := m.lastOwn()
		if !ok || rest == "" {
			return nil
		}
		return m.intent("edit", func(ctx context.Context) error { return m.ctrl.Edit(ctx, last.ID, rest) })
	case "/delete":
		last, ok := m.lastOwn()
		if !ok {
			return nil
		}
		return m.intent("delete", func(ctx context.Context) error { return m.ctrl.Delete(ctx, last.ID) })
	case "/leave":
		key := m.snap.Active
		if !key.IsGroup {
			return nil
		}
		a := m.app
		return m.intent("leave", func(ctx context.Context) error { return a.api.LeaveGroup(ctx, key.ID) })
	}
	return m.sendCmd(text)
}

func (m model) lastOwn() (chat.Message, bool) {
	msgs := m.snap.Timeline.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsOwn && !msgs[i].IsOptimistic {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}

// pickable lists everyone but the viewer.
func (m model) pickable() []wire.User {
	var out []wire.User
	for _, u := range m.snap.Users {
		if u.ID != m.me.ID {
			out = append(out, u)
		}
	}
	return out
}

func (m model) newKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	users := m.pickable()
	switch msg.String() {
	case "esc":
		m.groupName.Blur()
		m.view = viewConversations
		return m, nil
	case "ctrl+g":
		m.newGroup = !m.newGroup
		if m.newGroup {
			m.groupName.Focus()
		} else {
			m.groupName.Blur()
		}
		return m, nil
	case "up":
		if m.userSel > 0 {
			m.userSel--
		}
		return m, nil
	case "down":
		if m.userSel < len(users)-1 {
			m.userSel++
		}
		return m, nil
	case "ctrl+t":
		if m.newGroup && m.userSel < len(users) {
			id := users[m.userSel].ID
			m.picked[id] = !m.picked[id]
		}
		return m, nil
	case "enter":
		if !m.newGroup {
			if m.userSel >= len(users) {
				return m, nil
			}
			peer := users[m.userSel]
			m.view = viewChat
			m.compose.Focus()
			return m, m.intent("start chat", func(ctx context.Context) error {
				_, err := m.ctrl.StartDirect(ctx, peer)
				return err
			})
		}
		name := strings.TrimSpace(m.groupName.Value())
		var ids []string
		for _, u := range users {
			if m.picked[u.ID] {
				ids = append(ids, u.ID)
			}
		}
		if name == "" || len(ids) == 0 {
			m.status = "A group needs a name and at least one member."
			return m, nil
		}
		m.groupName.Blur()
		return m, m.createGroupCmd(name, ids)
	}
	if m.newGroup {
		var cmd tea.Cmd
		m.groupName, cmd = m.groupName.Update(msg)
		return m, cmd
	}
	return m, nil
}

// describe turns an error into one status line.
func describe(err error) string {
	switch chaterr.KindOf(err) {
	case chaterr.AuthExpired:
		return "not authorized"
	case chaterr.RateLimited:
		return "rate limited, try again shortly"
	case chaterr.TransientNetwork:
		return "network problem, try again"
	case chaterr.ConflictOrNotFound:
		return "already exists or not found"
	}
	var ce *chaterr.Error
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}
