// Package timeline materializes the message log of the one open conversation.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
)

type State int

const (
	Empty State = iota
	LoadingInitial
	Ready
	LoadingOlder
	Closed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case LoadingInitial:
		return "loading_initial"
	case Ready:
		return "ready"
	case LoadingOlder:
		return "loading_older"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultPageSize    = 20
	DefaultMatchWindow = 30 * time.Second
	TempPrefix         = "temp-"
)

var (
	ErrNotOpen = errors.New("timeline: no open conversation")
	ErrBusy    = errors.New("timeline: a page load is already in flight")
	ErrNoMore  = errors.New("timeline: no older pages")
	ErrStale   = errors.New("timeline: response superseded")
)

func IsTempID(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// Page is one page of history in server order, newest first.
type Page struct {
	Messages    []chat.Message
	CurrentPage int
	TotalPages  int
}

type Fetcher interface {
	FetchPage(ctx context.Context, key chat.Key, page, limit int) (Page, error)
}

// ReadMarker acknowledges reads server-side and returns the ids it confirmed.
type ReadMarker interface {
	MarkRead(ctx context.Context, ids []string) ([]string, error)
}

type Cursor struct {
	CurrentPage int
	TotalPages  int
	HasMore     bool
}

// Result describes what a load did. Added is the number of messages the load
// inserted; for LoadOlder the caller restores its scroll anchor from it.
type Result struct {
	Added      int
	Cursor     Cursor
	Unread     []string
	MarkedRead []string
}

// AllMarked reports whether every unread message found was confirmed read.
func (r Result) AllMarked() bool { return len(r.MarkedRead) == len(r.Unread) }

type Draft struct {
	Content       string
	Kind          chat.Kind
	AttachmentURL string
}

type MergeResult int

const (
	Dropped MergeResult = iota
	Appended
	Duplicate
	// Matched means the push confirmed an optimistic entry by content.
	Matched
)

func (r MergeResult) Accepted() bool { return r != Dropped }

type Snapshot struct {
	Key      chat.Key
	State    State
	Messages []chat.Message
	Cursor   Cursor
	Err      error
}

type Options struct {
	ViewerID    string
	PageSize    int
	MatchWindow time.Duration
	Now         func() time.Time
}

type Timeline struct {
	fetch    Fetcher
	marker   ReadMarker
	viewerID string
	pageSize int
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	key      chat.Key
	state    State
	gen      uint64
	msgs     []chat.Message
	cursor   Cursor
	lastErr  error
	lastTemp int64
}

func New(f Fetcher, r ReadMarker, opts Options) *Timeline {
	t := &Timeline{
		fetch:    f,
		marker:   r,
		viewerID: opts.ViewerID,
		pageSize: opts.PageSize,
		window:   opts.MatchWindow,
		now:      opts.Now,
	}
	if t.pageSize <= 0 {
		t.pageSize = DefaultPageSize
	}
	if t.window <= 0 {
		t.window = DefaultMatchWindow
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Timeline) Key() chat.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

func (t *Timeline) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Timeline) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Key:      t.key,
		State:    t.state,
		Messages: slices.Clone(t.msgs),
		Cursor:   t.cursor,
		Err:      t.lastErr,
	}
}

// LoadInitial discards whatever is materialized, fetches the newest page of
// key and marks its unread received messages read. A response that arrives
// after another LoadInitial or Close returns ErrStale and changes nothing.
func (t *Timeline) LoadInitial(ctx context.Context, key chat.Key) (Result, error) {
	return t.Begin(key).Fetch(ctx)
}

// Pending is an initial load that has switched the timeline but not fetched
// its page yet.
type Pending struct {
	t   *Timeline
	key chat.Key
	gen uint64
}

// Begin switches the timeline to key in LoadingInitial without any I/O, so a
// caller can make the switch atomic with its own state. Fetch completes it.
func (t *Timeline) Begin(key chat.Key) Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.key = key
	t.state = LoadingInitial
	t.msgs = nil
	t.cursor = Cursor{}
	t.lastErr = nil
	return Pending{t: t, key: key, gen: t.gen}
}

func (p Pending) Fetch(ctx context.Context) (Result, error) {
	t := p.t
	page, err := t.fetch.FetchPage(ctx, p.key, 1, t.pageSize)

	t.mu.Lock()
	if p.gen != t.gen {
		t.mu.Unlock()
		return Result{}, ErrStale
	}
	t.state = Ready
	if err != nil {
		t.lastErr = err
		t.mu.Unlock()
		return Result{}, err
	}

	// Pushes and sends accepted while loading stay; the page is merged into
	// them so an optimistic entry already saved server-side is confirmed.
	added := 0
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if t.mergeConfirmed(page.Messages[i]) {
			added++
		}
	}
	t.setCursor(page, 1)
	res := Result{Added: added, Cursor: t.cursor, Unread: t.unreadIDs()}
	t.mu.Unlock()

	res.MarkedRead = t.markAndFlip(ctx, p.gen, res.Unread)
	return res, nil
}

// LoadOlder prepends the next older page. It refuses to run concurrently with
// another load and is a no-op once the history is exhausted.
func (t *Timeline) LoadOlder(ctx context.Context) (Result, error) {
	t.mu.Lock()
	switch t.state {
	case Empty, Closed:
		t.mu.Unlock()
		return Result{}, ErrNotOpen
	case LoadingInitial, LoadingOlder:
		t.mu.Unlock()
		return Result{}, ErrBusy
	}
	if !t.cursor.HasMore {
		cur := t.cursor
		t.mu.Unlock()
		return Result{Cursor: cur}, ErrNoMore
	}
	t.state = LoadingOlder
	gen := t.gen
	key := t.key
	next := t.cursor.CurrentPage + 1
	t.mu.Unlock()

	page, err := t.fetch.FetchPage(ctx, key, next, t.pageSize)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return Result{}, ErrStale
	}
	t.state = Ready
	if err != nil {
		t.lastErr = err
		return Result{Cursor: t.cursor}, err
	}
	t.lastErr = nil

	// Offset pages shift when new messages arrive, so overlap is expected.
	added := 0
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if t.addConfirmed(page.Messages[i]) {
			added++
		}
	}
	t.setCursor(page, next)
	return Result{Added: added, Cursor: t.cursor}, nil
}

// Refresh re-fetches the newest page and merges it into the open timeline
// without resetting pagination. Used after a reconnect, when pushes may
// have been missed. Nothing is acknowledged: Unread lists what the caller
// may mark with MarkAllUnreadAsRead once the viewer can see it.
func (t *Timeline) Refresh(ctx context.Context) (Result, error) {
	t.mu.Lock()
	switch t.state {
	case Empty, Closed:
		t.mu.Unlock()
		return Result{}, ErrNotOpen
	case LoadingInitial:
		t.mu.Unlock()
		return Result{}, ErrBusy
	}
	gen := t.gen
	key := t.key
	t.mu.Unlock()

	page, err := t.fetch.FetchPage(ctx, key, 1, t.pageSize)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return Result{}, ErrStale
	}
	if err != nil {
		t.mu.Unlock()
		return Result{}, err
	}
	added := 0
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if t.mergeConfirmed(page.Messages[i]) {
			added++
		}
	}
	t.cursor.TotalPages = max(t.cursor.TotalPages, page.TotalPages)
	t.cursor.HasMore = t.cursor.CurrentPage < t.cursor.TotalPages
	res := Result{Added: added, Cursor: t.cursor, Unread: t.unreadIDs()}
	t.mu.Unlock()
	return res, nil
}

// AppendOptimistic places a provisional own message at the tail and returns
// its temporary id.
func (t *Timeline) AppendOptimistic(d Draft) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Empty || t.state == Closed {
		return "", ErrNotOpen
	}

	now := t.now()
	ts := now.UnixMilli()
	if ts <= t.lastTemp {
		ts = t.lastTemp + 1
	}
	t.lastTemp = ts

	kind := d.Kind
	if kind == "" {
		kind = chat.KindText
	}
	m := chat.Message{
		ID:            fmt.Sprintf("%s%d", TempPrefix, ts),
		Conversation:  t.key,
		SenderID:      t.viewerID,
		Content:       d.Content,
		Kind:          kind,
		AttachmentURL: d.AttachmentURL,
		CreatedAt:     now,
		SentAt:        now,
		IsOwn:         true,
		IsOptimistic:  true,
	}
	t.insert(m)
	return m.ID, nil
}

// Confirm swaps an optimistic entry for the server's copy. It returns false
// when the temp id is gone, either because the timeline moved on or because
// a push already confirmed it.
func (t *Timeline) Confirm(tempID string, server chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(tempID)
	if i < 0 || !t.msgs[i].IsOptimistic {
		return false
	}
	if server.ID != "" && t.find(server.ID) >= 0 {
		t.msgs = slices.Delete(t.msgs, i, i+1)
		return true
	}
	t.replace(i, server)
	return true
}

// RemoveOptimistic rolls back a provisional entry after a failed send.
func (t *Timeline) RemoveOptimistic(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(tempID)
	if i < 0 || !t.msgs[i].IsOptimistic {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return true
}

// MergeLive folds a pushed message into the open timeline. Messages for any
// other conversation are dropped. A known id is a duplicate; an own message
// whose id is unknown may still confirm an optimistic entry with the same
// content sent within the match window.
func (t *Timeline) MergeLive(m chat.Message) MergeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Empty || t.state == Closed || m.Conversation != t.key {
		return Dropped
	}
	if t.find(m.ID) >= 0 {
		return Duplicate
	}
	if m.IsOwn {
		if i := t.matchOptimistic(m); i >= 0 {
			t.replace(i, m)
			return Matched
		}
	}
	t.insert(m)
	return Appended
}

// MarkRead acknowledges one received message. Local state flips once the
// server confirms.
func (t *Timeline) MarkRead(ctx context.Context, id string) error {
	t.mu.Lock()
	i := t.find(id)
	if i < 0 || !needsRead(t.msgs[i]) {
		t.mu.Unlock()
		return nil
	}
	gen := t.gen
	t.mu.Unlock()
	if t.marker == nil {
		return nil
	}

	confirmed, err := t.marker.MarkRead(ctx, []string{id})
	t.flip(gen, confirmed)
	return err
}

// MarkAllUnreadAsRead acknowledges every unread received message and returns
// the ids the server confirmed.
func (t *Timeline) MarkAllUnreadAsRead(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	ids := t.unreadIDs()
	gen := t.gen
	t.mu.Unlock()
	if len(ids) == 0 || t.marker == nil {
		return nil, nil
	}
	confirmed, err := t.marker.MarkRead(ctx, ids)
	t.flip(gen, confirmed)
	return confirmed, err
}

func (t *Timeline) ApplyEdit(id, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(id)
	if i < 0 {
		return false
	}
	t.msgs[i].Content = content
	t.msgs[i].IsEdited = true
	return true
}

func (t *Timeline) ApplyDelete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(id)
	if i < 0 {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	return true
}

// ApplyRead records a read receipt pushed by the server. It returns the
// message as it was before the flip.
func (t *Timeline) ApplyRead(id string) (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(id)
	if i < 0 || t.msgs[i].IsRead {
		return chat.Message{}, false
	}
	before := t.msgs[i]
	t.msgs[i].IsRead = true
	return before, true
}

func (t *Timeline) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(id) >= 0
}

func (t *Timeline) Message(id string) (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(id)
	if i < 0 {
		return chat.Message{}, false
	}
	return t.msgs[i], true
}

// Close discards the timeline. In-flight loads resolve as ErrStale.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.state = Closed
	t.key = chat.Key{}
	t.msgs = nil
	t.cursor = Cursor{}
	t.lastErr = nil
}

// --- internals ---

func (t *Timeline) markAndFlip(ctx context.Context, gen uint64, ids []string) []string {
	if len(ids) == 0 || t.marker == nil {
		return nil
	}
	confirmed, _ := t.marker.MarkRead(ctx, ids)
	t.flip(gen, confirmed)
	return confirmed
}

func (t *Timeline) flip(gen uint64, ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	for _, id := range ids {
		if i := t.find(id); i >= 0 {
			t.msgs[i].IsRead = true
		}
	}
}

// The helpers below expect mu to be held.

// mergeConfirmed folds a fetched message in: a known id refreshes the local
// copy, an own message may confirm an optimistic entry, anything else is
// inserted. It reports whether a new entry was added.
func (t *Timeline) mergeConfirmed(m chat.Message) bool {
	if j := t.find(m.ID); j >= 0 {
		t.msgs[j].IsRead = t.msgs[j].IsRead || m.IsRead
		t.msgs[j].Content = m.Content
		t.msgs[j].IsEdited = m.IsEdited
		return false
	}
	if m.IsOwn {
		if j := t.matchOptimistic(m); j >= 0 {
			t.replace(j, m)
			return false
		}
	}
	t.insert(m)
	return true
}

func (t *Timeline) addConfirmed(m chat.Message) bool {
	if t.find(m.ID) >= 0 {
		return false
	}
	t.insert(m)
	return true
}

func (t *Timeline) setCursor(p Page, requested int) {
	cur := p.CurrentPage
	if cur <= 0 {
		cur = requested
	}
	t.cursor = Cursor{CurrentPage: cur, TotalPages: p.TotalPages, HasMore: cur < p.TotalPages}
}

func (t *Timeline) unreadIDs() []string {
	var ids []string
	for _, m := range t.msgs {
		if needsRead(m) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func needsRead(m chat.Message) bool {
	return !m.IsOwn && !m.IsRead && !m.IsOptimistic
}

func (t *Timeline) find(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// matchOptimistic finds the oldest optimistic entry m could be the echo of.
func (t *Timeline) matchOptimistic(m chat.Message) int {
	for i, e := range t.msgs {
		if !e.IsOptimistic || e.SenderID != m.SenderID || e.Content != m.Content || e.Kind != m.Kind {
			continue
		}
		d := m.CreatedAt.Sub(e.SentAt)
		if d < 0 {
			d = -d
		}
		if d <= t.window {
			return i
		}
	}
	return -1
}

// replace turns the entry at i into the confirmed server copy and re-sorts it.
func (t *Timeline) replace(i int, server chat.Message) {
	sentAt := t.msgs[i].SentAt
	t.msgs = slices.Delete(t.msgs, i, i+1)
	server.IsOptimistic = false
	server.IsOwn = true
	server.SentAt = sentAt
	t.insert(server)
}

// insert keeps confirmed messages ordered by createdAt and optimistic ones at
// the tail ordered by send time. Equal keys keep arrival order.
func (t *Timeline) insert(m chat.Message) {
	pos := sort.Search(len(t.msgs), func(i int) bool { return before(m, t.msgs[i]) })
	t.msgs = slices.Insert(t.msgs, pos, m)
}

func before(a, b chat.Message) bool {
	if a.IsOptimistic != b.IsOptimistic {
		return !a.IsOptimistic
	}
	if a.IsOptimistic {
		return a.SentAt.Before(b.SentAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
