// Package reconcile drives the client's chat state. It is the only writer of
// the conversation directory and the open timeline: transport events, REST
// responses, user intents and timers all pass through the Controller.
package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/client/directory"
	"github.com/cloudzz-dev/chatsync/internal/client/metrics"
	"github.com/cloudzz-dev/chatsync/internal/client/timeline"
	"github.com/cloudzz-dev/chatsync/internal/client/transport"
	"github.com/cloudzz-dev/chatsync/internal/client/typing"
	"github.com/cloudzz-dev/chatsync/internal/wire"
)

const DefaultPresenceInterval = 30 * time.Second

var ErrNoConversation = errors.New("reconcile: no open conversation")

// Backend is the REST surface the controller needs. *api.Client implements it.
type Backend interface {
	ChatList(ctx context.Context) ([]wire.ChatConversation, error)
	Messages(ctx context.Context, key chat.Key, page, limit int) (wire.MessagesPage, error)
	SendMessage(ctx context.Context, req wire.SendMessageRequest) (wire.Message, error)
	SendAttachment(ctx context.Context, req wire.SendMessageRequest, filename string, file io.Reader) (wire.Message, error)
	MarkManyRead(ctx context.Context, ids []string) ([]string, error)
	EditMessage(ctx context.Context, id, content string) (wire.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	Users(ctx context.Context) ([]wire.User, error)
}

// Transport is the event surface of the shared socket. *transport.Socket
// implements it.
type Transport interface {
	On(event string, h transport.Handler) func()
	OnState(fn func(transport.StateChange)) func()
	Emit(event string, payload any) error
}

type Options struct {
	ViewerID         string
	PageSize         int
	PresenceInterval time.Duration
	TypingQuiet      time.Duration
	TypingTTL        time.Duration
	// MatchWindow bounds the content fallback that pairs an echoed own
	// message with its optimistic entry.
	MatchWindow  time.Duration
	SeenCapacity int
	Clock        typing.Clock
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Sync
	// OnAuthExpired is told once per failure that the session is no longer
	// valid. Re-authentication is up to the caller.
	OnAuthExpired func(error)
	// Reconnect reopens the socket after it gave up. Retry calls it when the
	// connection is Disconnected.
	Reconnect func(ctx context.Context) error
}

// View is an immutable snapshot for rendering.
type View struct {
	Conversations []chat.Summary
	Active        chat.Key
	Timeline      timeline.Snapshot
	// Typing lists who is typing in the open conversation.
	Typing      []string
	Users       []wire.User
	Connection  transport.State
	Notice      string
	Err         error
	TotalUnread int
}

type Controller struct {
	opts    Options
	backend Backend
	tr      Transport
	logger  *slog.Logger
	metrics *metrics.Sync

	dir     *directory.Directory
	tl      *timeline.Timeline
	sender  *typing.Sender
	tracker *typing.Tracker
	seen    *recentIDs

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	active   chat.Key
	visible  bool
	conn     transport.State
	lastErr  error
	users    []wire.User
	presence typing.Timer
	offs     []func()
	subs     map[int]chan struct{}
	nextSub  int
}

func New(backend Backend, tr Transport, opts Options) *Controller {
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = DefaultPresenceInterval
	}
	if opts.Clock == nil {
		opts.Clock = typing.System
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		opts:    opts,
		backend: backend,
		tr:      tr,
		logger:  opts.Logger.With("component", "reconcile"),
		metrics: opts.Metrics,
		dir:     directory.New(),
		seen:    newRecentIDs(opts.SeenCapacity),
		visible: true,
		subs:    make(map[int]chan struct{}),
		ctx:     context.Background(),
	}
	c.tl = timeline.New(fetcher{c}, marker{c}, timeline.Options{
		ViewerID:    opts.ViewerID,
		PageSize:    opts.PageSize,
		MatchWindow: opts.MatchWindow,
		Now:         opts.Now,
	})
	c.sender = typing.NewSender(opts.Clock, opts.TypingQuiet, c.emitTyping)
	c.tracker = typing.NewTracker(opts.Clock, opts.TypingTTL, c.typingChanged)
	return c
}

// Start subscribes to the transport, loads the directory and arms the
// presence refresh. Directory load failures are reported but not fatal: a
// later reconnect or Retry resynchronizes.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = runCtx, cancel
	c.mu.Unlock()

	c.subscribe()

	err := c.loadDirectory(ctx)
	if err != nil {
		c.fail("load directory", err)
	}
	if perr := c.RefreshPresence(ctx); perr != nil {
		c.fail("refresh presence", perr)
	}
	c.schedulePresence()
	c.notify()
	return err
}

// Stop releases subscriptions and timers. The controller is unusable after.
func (c *Controller) Stop() {
	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	if c.presence != nil {
		c.presence.Stop()
		c.presence = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.sender.Reset()
	c.tracker.Reset()
	c.tl.Close()
}

// Subscribe returns a channel that receives a value whenever the view may
// have changed. Signals coalesce; read the state with Snapshot.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan struct{}, 1)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Controller) Snapshot() View {
	c.mu.Lock()
	active, conn, lastErr := c.active, c.conn, c.lastErr
	users := append([]wire.User(nil), c.users...)
	c.mu.Unlock()

	v := View{
		Conversations: c.dir.Snapshot(),
		Active:        active,
		Timeline:      c.tl.Snapshot(),
		Users:         users,
		Connection:    conn,
		Err:           lastErr,
		Notice:        notice(conn, lastErr),
		TotalUnread:   c.dir.TotalUnread(),
	}
	if !active.IsZero() {
		v.Typing = c.tracker.Users(active)
	}
	return v
}

// --- intents ---

// Open makes key the active conversation, joins its channel and loads its
// newest page. Received messages on that page are acknowledged and the
// directory count drops by what the server confirmed.
func (c *Controller) Open(ctx context.Context, key chat.Key) (timeline.Result, error) {
	if key.IsZero() {
		return timeline.Result{}, ErrNoConversation
	}
	// The active key and the timeline switch together, so overlapping opens
	// cannot leave one conversation active with another's timeline.
	c.mu.Lock()
	prev := c.active
	c.active = key
	load := c.tl.Begin(key)
	c.mu.Unlock()

	if prev != key {
		c.sender.Reset()
	}
	c.dir.Promote(key)
	c.join(key)
	c.notify()

	res, err := load.Fetch(ctx)
	if errors.Is(err, timeline.ErrStale) {
		return res, err
	}
	if err != nil {
		c.fail("open conversation", err)
		c.notify()
		return res, err
	}
	c.clearErr()
	c.acknowledge(key, res.Unread, res.MarkedRead)
	c.notify()
	return res, nil
}

// StartDirect lists a peer with no history yet and opens the conversation.
func (c *Controller) StartDirect(ctx context.Context, peer wire.User) (timeline.Result, error) {
	key := chat.Direct(peer.ID)
	c.dir.Ensure(chat.Summary{
		Key:         key,
		DisplayName: peer.Name(),
		AvatarURL:   peer.ProfilePic,
		Online:      peer.IsOnline,
	})
	return c.Open(ctx, key)
}

// Close leaves the open conversation without opening another.
func (c *Controller) Close() {
	c.mu.Lock()
	c.active = chat.Key{}
	c.tl.Close()
	c.mu.Unlock()
	c.sender.Reset()
	c.notify()
}

func (c *Controller) LoadOlder(ctx context.Context) (timeline.Result, error) {
	res, err := c.tl.LoadOlder(ctx)
	switch {
	case err == nil:
		c.clearErr()
	case errors.Is(err, timeline.ErrNoMore), errors.Is(err, timeline.ErrBusy),
		errors.Is(err, timeline.ErrStale), errors.Is(err, timeline.ErrNotOpen):
	default:
		c.fail("load older", err)
	}
	c.notify()
	return res, err
}

// Send posts a text message optimistically. On failure the entry is rolled
// back and the draft content is returned so the compose box can be refilled.
func (c *Controller) Send(ctx context.Context, d timeline.Draft) (string, error) {
	return c.send(ctx, d, func(req wire.SendMessageRequest) (wire.Message, error) {
		return c.backend.SendMessage(ctx, req)
	})
}

// SendFile uploads an attachment through the same optimistic flow.
func (c *Controller) SendFile(ctx context.Context, d timeline.Draft, filename string, file io.Reader) (string, error) {
	return c.send(ctx, d, func(req wire.SendMessageRequest) (wire.Message, error) {
		return c.backend.SendAttachment(ctx, req, filename, file)
	})
}

func (c *Controller) send(ctx context.Context, d timeline.Draft, post func(wire.SendMessageRequest) (wire.Message, error)) (string, error) {
	key := c.Active()
	if key.IsZero() {
		return d.Content, ErrNoConversation
	}
	if d.Kind == "" {
		d.Kind = chat.KindText
	}
	tempID, err := c.tl.AppendOptimistic(d)
	if err != nil {
		return d.Content, err
	}
	c.sender.Reset()
	c.notify()

	req := wire.SendMessageRequest{Content: d.Content, MessageType: string(d.Kind)}
	if key.IsGroup {
		req.Room = key.ID
	} else {
		req.Receiver = key.ID
	}

	w, err := post(req)
	if err != nil {
		c.tl.RemoveOptimistic(tempID)
		c.metrics.SendFailure(chaterr.KindOf(err).String())
		c.fail("send message", err)
		c.notify()
		return d.Content, err
	}

	m, err := chat.Normalize(w, c.opts.ViewerID)
	if err != nil {
		// Sent, but the ack is unusable; the next refresh brings the real entry.
		c.logger.Warn("unusable send acknowledgement", slog.Any("error", err))
		c.tl.RemoveOptimistic(tempID)
		c.notify()
		return "", nil
	}
	c.seen.Add(m.ID)
	c.tl.Confirm(tempID, m)
	c.dir.UpsertFromMessage(m, true)
	c.clearErr()
	c.notify()
	return "", nil
}

// Edit changes an own message. A message the server no longer has is left
// alone and not reported.
func (c *Controller) Edit(ctx context.Context, id, content string) error {
	w, err := c.backend.EditMessage(ctx, id, content)
	switch {
	case chaterr.Is(err, chaterr.ConflictOrNotFound):
		return nil
	case err != nil:
		c.fail("edit message", err)
		c.notify()
		return err
	}
	if w.Content != "" {
		content = w.Content
	}
	c.tl.ApplyEdit(id, content)
	c.notify()
	return nil
}

func (c *Controller) Delete(ctx context.Context, id string) error {
	err := c.backend.DeleteMessage(ctx, id)
	if err != nil && !chaterr.Is(err, chaterr.ConflictOrNotFound) {
		c.fail("delete message", err)
		c.notify()
		return err
	}
	c.tl.ApplyDelete(id)
	c.notify()
	return nil
}

// SetVisible records whether the window is in the foreground. Regaining
// visibility acknowledges everything unread in the open conversation.
func (c *Controller) SetVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	key := c.active
	c.mu.Unlock()

	if !visible {
		c.sender.Blur()
		return nil
	}
	if was || key.IsZero() {
		return nil
	}

	err := c.markOpenRead(ctx, key)
	c.notify()
	return err
}

// markOpenRead acknowledges everything unread in the open timeline and
// brings key's directory count down by what the server confirmed.
func (c *Controller) markOpenRead(ctx context.Context, key chat.Key) error {
	confirmed, err := c.tl.MarkAllUnreadAsRead(ctx)
	c.metrics.ReadAcks(len(confirmed))
	if err != nil {
		c.dir.DecrementUnread(key, len(confirmed))
		c.fail("mark read", err)
		return err
	}
	c.dir.ClearUnread(key)
	return nil
}

func (c *Controller) Keystroke() { c.sender.Keystroke(c.Active()) }

func (c *Controller) Blur() { c.sender.Blur() }

// Resync refetches the directory, refreshes the open timeline's newest page
// and rejoins its channel. It runs on every (re)connection since the socket
// replays nothing that was missed.
func (c *Controller) Resync(ctx context.Context) error {
	c.metrics.Resync()
	if err := c.loadDirectory(ctx); err != nil {
		c.fail("resync directory", err)
		c.notify()
		return err
	}

	key := c.Active()
	if !key.IsZero() {
		c.join(key)
		_, err := c.tl.Refresh(ctx)
		switch {
		case err == nil:
			if c.isVisible() {
				if err := c.markOpenRead(ctx, key); err != nil {
					c.notify()
					return err
				}
			}
		case errors.Is(err, timeline.ErrStale), errors.Is(err, timeline.ErrBusy), errors.Is(err, timeline.ErrNotOpen):
		default:
			c.fail("resync timeline", err)
			c.notify()
			return err
		}
	}
	c.clearErr()
	c.notify()
	return nil
}

// Retry is the explicit user retry after a failure that stopped automatic
// retries: it resynchronizes, reopens a socket that gave up and reloads a
// timeline whose load failed.
func (c *Controller) Retry(ctx context.Context) error {
	if err := c.Resync(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == transport.Disconnected && c.opts.Reconnect != nil {
		if err := c.opts.Reconnect(ctx); err != nil {
			c.fail("reconnect", err)
			c.notify()
			return err
		}
	}
	if snap := c.tl.Snapshot(); snap.Err != nil && !snap.Key.IsZero() {
		_, err := c.Open(ctx, snap.Key)
		return err
	}
	return nil
}

// RefreshPresence overwrites push-derived online flags with the server's
// view.
func (c *Controller) RefreshPresence(ctx context.Context) error {
	users, err := c.backend.Users(ctx)
	if err != nil {
		return err
	}
	online := make(map[string]bool, len(users))
	for _, u := range users {
		online[u.ID] = u.IsOnline
	}
	c.dir.ApplyPresenceSnapshot(online)

	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) Active() chat.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// --- internals ---

func (c *Controller) loadDirectory(ctx context.Context) error {
	list, err := c.backend.ChatList(ctx)
	if err != nil {
		return err
	}
	summaries := make([]chat.Summary, 0, len(list))
	for _, conv := range list {
		s, err := chat.SummaryFromConversation(conv, c.opts.ViewerID)
		if err != nil {
			c.logger.Warn("skipping chat list entry", slog.String("id", conv.ID), slog.Any("error", err))
			continue
		}
		summaries = append(summaries, s)
	}
	c.dir.Reconcile(summaries)
	return nil
}

// acknowledge lowers key's unread count by what the server confirmed.
func (c *Controller) acknowledge(key chat.Key, unread, marked []string) {
	c.metrics.ReadAcks(len(marked))
	if len(marked) == len(unread) {
		c.dir.ClearUnread(key)
		return
	}
	c.dir.DecrementUnread(key, len(marked))
}

func (c *Controller) join(key chat.Key) {
	var err error
	if key.IsGroup {
		err = c.tr.Emit(wire.EventJoinGroup, wire.JoinGroup{RoomID: key.ID})
	} else {
		err = c.tr.Emit(wire.EventJoinConversation, wire.JoinConversation{TargetUserID: key.ID})
	}
	if err != nil {
		c.logger.Debug("join deferred until connected", slog.String("conversation", key.String()), slog.Any("error", err))
	}
}

func (c *Controller) emitTyping(start bool, key chat.Key) {
	event := wire.EventTypingStop
	if start {
		event = wire.EventTypingStart
	}
	sig := wire.TypingSignal{TargetUserID: key.ID}
	if key.IsGroup {
		sig = wire.TypingSignal{RoomID: key.ID}
	}
	if err := c.tr.Emit(event, sig); err != nil {
		c.logger.Debug("typing signal not sent", slog.String("event", event), slog.Any("error", err))
	}
}

func (c *Controller) typingChanged(key chat.Key) {
	if key == c.Active() {
		c.notify()
	}
}

func (c *Controller) schedulePresence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	c.presence = c.opts.Clock.AfterFunc(c.opts.PresenceInterval, c.presenceTick)
}

func (c *Controller) presenceTick() {
	c.mu.Lock()
	ctx, conn := c.ctx, c.conn
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if conn == transport.Connected {
		if err := c.RefreshPresence(ctx); err != nil {
			c.logger.Warn("presence refresh failed", slog.Any("error", err))
		}
	}
	c.schedulePresence()
}

func (c *Controller) isVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

func (c *Controller) background() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Controller) fail(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("operation failed", slog.String("op", op), slog.Any("error", err))
	if chaterr.Is(err, chaterr.AuthExpired) && c.opts.OnAuthExpired != nil {
		c.opts.OnAuthExpired(err)
	}
}

func (c *Controller) clearErr() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func notice(state transport.State, err error) string {
	switch state {
	case transport.Reconnecting:
		return "Reconnecting..."
	case transport.Disconnected:
		return "Offline. Retry to reconnect."
	case transport.AuthFailed:
		return "Session expired. Log in again."
	}
	switch chaterr.KindOf(err) {
	case chaterr.RateLimited:
		return "Rate limited by the server. Retry when ready."
	case chaterr.TransientNetwork:
		return "Connection problems. Some data may be stale."
	case chaterr.AuthExpired:
		return "Session expired. Log in again."
	}
	return ""
}

// fetcher and marker adapt the backend to the timeline's narrow interfaces.
type fetcher struct{ c *Controller }

func (f fetcher) FetchPage(ctx context.Context, key chat.Key, page, limit int) (timeline.Page, error) {
	p, err := f.c.backend.Messages(ctx, key, page, limit)
	if err != nil {
		return timeline.Page{}, err
	}
	out := timeline.Page{
		Messages:    make([]chat.Message, 0, len(p.Messages)),
		CurrentPage: p.Pagination.CurrentPage,
		TotalPages:  p.Pagination.TotalPages,
	}
	for _, w := range p.Messages {
		m, err := chat.Normalize(w, f.c.opts.ViewerID)
		if err != nil {
			f.c.logger.Warn("dropping malformed history entry", slog.String("id", w.ID), slog.Any("error", err))
			f.c.metrics.Dropped("get-messages")
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

type marker struct{ c *Controller }

func (m marker) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	return m.c.backend.MarkManyRead(ctx, ids)
}
