// Package directory keeps the ordered list of conversation summaries,
// most recently active first.
package directory

import (
	"slices"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
)

// FallbackName labels a direct conversation synthesized before the peer's
// profile is known.
const FallbackName = "New User"

type Directory struct {
	mu      sync.RWMutex
	entries []chat.Summary
}

func New() *Directory {
	return &Directory{}
}

func (d *Directory) Snapshot() []chat.Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.Summary, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Clone()
	}
	return out
}

func (d *Directory) Get(key chat.Key) (chat.Summary, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.index(key); i >= 0 {
		return d.entries[i].Clone(), true
	}
	return chat.Summary{}, false
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.entries {
		n += e.UnreadCount
	}
	return n
}

// UpsertFromMessage records m as the conversation's latest activity and moves
// it to the front. A direct conversation that is not yet listed is created;
// an unknown group is ignored and false is returned.
func (d *Directory) UpsertFromMessage(m chat.Message, activeAndVisible bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.index(m.Conversation)
	if i < 0 {
		if m.Conversation.IsGroup {
			return false
		}
		name := m.SenderName
		if m.IsOwn || name == "" {
			name = FallbackName
		}
		s := chat.Summary{Key: m.Conversation, DisplayName: name, Online: !m.IsOwn}
		if !m.IsOwn {
			s.AvatarURL = m.SenderAvatar
		}
		d.entries = append(d.entries, s)
		i = len(d.entries) - 1
	}

	e := &d.entries[i]
	e.LastMessagePreview = m.Preview()
	e.LastMessageAt = messageTime(m)
	if !m.IsOwn && !activeAndVisible {
		e.UnreadCount++
	}
	d.promote(i)
	return true
}

// Ensure adds s when its conversation is not listed yet, then promotes it.
func (d *Directory) Ensure(s chat.Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(s.Key)
	if i < 0 {
		d.entries = append(d.entries, s.Clone())
		i = len(d.entries) - 1
	}
	d.promote(i)
}

func (d *Directory) Promote(key chat.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(key)
	if i < 0 {
		return false
	}
	d.promote(i)
	return true
}

// ApplyPresence updates the direct conversation with userID. Groups carry no
// presence.
func (d *Directory) ApplyPresence(userID string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(chat.Direct(userID)); i >= 0 {
		d.entries[i].Online = online
	}
}

// ApplyPresenceSnapshot overwrites every direct entry's online flag with the
// polled state. Users missing from online are treated as offline.
func (d *Directory) ApplyPresenceSnapshot(online map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if !d.entries[i].Key.IsGroup {
			d.entries[i].Online = online[d.entries[i].Key.ID]
		}
	}
}

func (d *Directory) ClearUnread(key chat.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(key); i >= 0 {
		d.entries[i].UnreadCount = 0
	}
}

// DecrementUnread lowers the unread count by n without going below zero.
func (d *Directory) DecrementUnread(key chat.Key, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(key); i >= 0 && n > 0 {
		d.entries[i].UnreadCount = max(d.entries[i].UnreadCount-n, 0)
	}
}

func (d *Directory) RemoveByRoom(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(chat.Group(roomID))
	if i < 0 {
		return false
	}
	d.entries = slices.Delete(d.entries, i, i+1)
	return true
}

// UpsertGroup inserts or refreshes a group that originated from an explicit
// create or add event and promotes it. The unread count of an existing entry
// is kept.
func (d *Directory) UpsertGroup(s chat.Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s = s.Clone()
	s.Key.IsGroup = true
	i := d.index(s.Key)
	if i < 0 {
		s.UnreadCount = 0
		d.entries = append(d.entries, s)
		d.promote(len(d.entries) - 1)
		return
	}
	e := &d.entries[i]
	s.UnreadCount = e.UnreadCount
	if s.LastMessageAt.Before(e.LastMessageAt) {
		s.LastMessagePreview, s.LastMessageAt = e.LastMessagePreview, e.LastMessageAt
	}
	*e = s
	d.promote(i)
}

// UpdateGroup refreshes a listed group's metadata in place.
func (d *Directory) UpdateGroup(s chat.Summary) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(chat.Group(s.Key.ID))
	if i < 0 {
		return false
	}
	e := &d.entries[i]
	if s.DisplayName != "" {
		e.DisplayName = s.DisplayName
	}
	e.AvatarURL = s.AvatarURL
	e.Description = s.Description
	if len(s.ParticipantIDs) > 0 {
		e.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	}
	if s.AdminIDs != nil {
		e.AdminIDs = append([]string(nil), s.AdminIDs...)
	}
	return true
}

func (d *Directory) AddParticipant(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(chat.Group(roomID))
	if i < 0 {
		return false
	}
	if !slices.Contains(d.entries[i].ParticipantIDs, userID) {
		d.entries[i].ParticipantIDs = append(d.entries[i].ParticipantIDs, userID)
	}
	return true
}

func (d *Directory) RemoveParticipant(roomID, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(chat.Group(roomID))
	if i < 0 {
		return false
	}
	e := &d.entries[i]
	e.ParticipantIDs = slices.DeleteFunc(e.ParticipantIDs, func(id string) bool { return id == userID })
	e.AdminIDs = slices.DeleteFunc(e.AdminIDs, func(id string) bool { return id == userID })
	return true
}

// Reconcile merges a freshly fetched list into the directory. The server list
// is authoritative except where a local entry saw newer activity, in which
// case the local preview and unread count survive. Direct entries the server
// does not know yet are kept; groups it no longer lists are dropped.
func (d *Directory) Reconcile(server []chat.Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()

	local := make(map[chat.Key]chat.Summary, len(d.entries))
	for _, e := range d.entries {
		local[e.Key] = e
	}

	seen := make(map[chat.Key]bool, len(server))
	out := make([]chat.Summary, 0, len(server)+len(d.entries))
	for _, s := range server {
		if seen[s.Key] {
			continue
		}
		seen[s.Key] = true
		s = s.Clone()
		s.UnreadCount = max(s.UnreadCount, 0)
		if l, ok := local[s.Key]; ok && l.LastMessageAt.After(s.LastMessageAt) {
			s.LastMessagePreview = l.LastMessagePreview
			s.LastMessageAt = l.LastMessageAt
			s.UnreadCount = l.UnreadCount
		}
		out = append(out, s)
	}
	for _, e := range d.entries {
		if !seen[e.Key] && !e.Key.IsGroup {
			out = append(out, e)
		}
	}

	slices.SortStableFunc(out, func(a, b chat.Summary) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	d.entries = out
}

func (d *Directory) index(key chat.Key) int {
	for i := range d.entries {
		if d.entries[i].Key == key {
			return i
		}
	}
	return -1
}

// promote moves entry i to the front, keeping the others in order.
func (d *Directory) promote(i int) {
	if i <= 0 {
		return
	}
	e := d.entries[i]
	copy(d.entries[1:i+1], d.entries[:i])
	d.entries[0] = e
}

func messageTime(m chat.Message) time.Time {
	if m.IsOptimistic || m.CreatedAt.IsZero() {
		return m.SentAt
	}
	return m.CreatedAt
}
