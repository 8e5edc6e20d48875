package directory

import (
	"testing"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func inbound(peer, content string, at time.Time) chat.Message {
	return chat.Message{ID: peer + content, Conversation: chat.Direct(peer), SenderID: peer, SenderName: peer, Content: content, Kind: chat.KindText, CreatedAt: at}
}

func keys(d *Directory) []chat.Key {
	var out []chat.Key
	for _, s := range d.Snapshot() {
		out = append(out, s.Key)
	}
	return out
}

func TestUpsertFromMessageUnreadRules(t *testing.T) {
	tests := []struct {
		name             string
		own              bool
		activeAndVisible bool
		wantUnread       int
	}{
		{"inbound background", false, false, 1},
		{"inbound active and visible", false, true, 0},
		{"own message", true, false, 0},
		{"own message active", true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			m := inbound("x", "hi", t0)
			m.IsOwn = tt.own
			require.True(t, d.UpsertFromMessage(m, tt.activeAndVisible))

			s, ok := d.Get(chat.Direct("x"))
			require.True(t, ok)
			require.Equal(t, tt.wantUnread, s.UnreadCount)
			require.Equal(t, "hi", s.LastMessagePreview)
			require.Equal(t, t0, s.LastMessageAt)
		})
	}
}

func TestUpsertSynthesizesDirectButNotGroups(t *testing.T) {
	d := New()

	m := inbound("x", "hello", t0)
	m.SenderName = "Xavier"
	require.True(t, d.UpsertFromMessage(m, false))
	s, _ := d.Get(chat.Direct("x"))
	require.Equal(t, "Xavier", s.DisplayName)
	require.True(t, s.Online)

	g := inbound("x", "in group", t0)
	g.Conversation = chat.Group("room-1")
	require.False(t, d.UpsertFromMessage(g, false))
	_, ok := d.Get(chat.Group("room-1"))
	require.False(t, ok)
	require.Equal(t, 1, d.Len())
}

func TestPeerAndRoomKeysDoNotCollide(t *testing.T) {
	d := New()
	d.UpsertGroup(chat.Summary{Key: chat.Group("same"), DisplayName: "room"})
	require.True(t, d.UpsertFromMessage(inbound("same", "dm", t0), false))

	require.Equal(t, 2, d.Len())
	g, _ := d.Get(chat.Group("same"))
	require.Equal(t, 0, g.UnreadCount)
	p, _ := d.Get(chat.Direct("same"))
	require.Equal(t, 1, p.UnreadCount)
}

func TestPromoteKeepsRelativeOrder(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "1", t0), false)
	d.UpsertFromMessage(inbound("b", "1", t0), false)
	d.UpsertFromMessage(inbound("c", "1", t0), false)
	require.Equal(t, []chat.Key{chat.Direct("c"), chat.Direct("b"), chat.Direct("a")}, keys(d))

	d.UpsertFromMessage(inbound("a", "2", t0.Add(time.Second)), false)
	require.Equal(t, []chat.Key{chat.Direct("a"), chat.Direct("c"), chat.Direct("b")}, keys(d))

	require.True(t, d.Promote(chat.Direct("b")))
	require.Equal(t, []chat.Key{chat.Direct("b"), chat.Direct("a"), chat.Direct("c")}, keys(d))
	require.False(t, d.Promote(chat.Direct("zzz")))
}

func TestSameTickUpdatesAccumulate(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "x", t0), false)
	d.UpsertFromMessage(inbound("b", "first", t0), false)
	d.UpsertFromMessage(inbound("b", "second", t0), false)

	s, _ := d.Get(chat.Direct("b"))
	require.Equal(t, 2, s.UnreadCount)
	require.Equal(t, "second", s.LastMessagePreview)
	require.Equal(t, []chat.Key{chat.Direct("b"), chat.Direct("a")}, keys(d))
}

func TestUnreadNeverNegative(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "x", t0), false)
	d.DecrementUnread(chat.Direct("a"), 5)
	s, _ := d.Get(chat.Direct("a"))
	require.Equal(t, 0, s.UnreadCount)

	d.UpsertFromMessage(inbound("a", "y", t0), false)
	d.UpsertFromMessage(inbound("a", "z", t0), false)
	d.ClearUnread(chat.Direct("a"))
	s, _ = d.Get(chat.Direct("a"))
	require.Equal(t, 0, s.UnreadCount)
	require.Equal(t, 0, d.TotalUnread())
}

func TestPresence(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "x", t0), false)
	d.UpsertGroup(chat.Summary{Key: chat.Group("a"), DisplayName: "g"})

	d.ApplyPresence("a", false)
	s, _ := d.Get(chat.Direct("a"))
	require.False(t, s.Online)

	d.ApplyPresence("a", true)
	g, _ := d.Get(chat.Group("a"))
	require.False(t, g.Online)

	d.ApplyPresenceSnapshot(map[string]bool{"someone-else": true})
	s, _ = d.Get(chat.Direct("a"))
	require.False(t, s.Online)
}

func TestGroupLifecycle(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "x", t0), false)
	d.UpsertGroup(chat.Summary{Key: chat.Group("r1"), DisplayName: "team", ParticipantIDs: []string{"me", "a"}, LastMessagePreview: "Group created", LastMessageAt: t0})
	require.Equal(t, chat.Group("r1"), keys(d)[0])

	require.True(t, d.AddParticipant("r1", "b"))
	require.True(t, d.AddParticipant("r1", "b"))
	require.True(t, d.RemoveParticipant("r1", "a"))
	g, _ := d.Get(chat.Group("r1"))
	require.Equal(t, []string{"me", "b"}, g.ParticipantIDs)

	require.True(t, d.UpdateGroup(chat.Summary{Key: chat.Group("r1"), DisplayName: "renamed"}))
	g, _ = d.Get(chat.Group("r1"))
	require.Equal(t, "renamed", g.DisplayName)
	require.Equal(t, []string{"me", "b"}, g.ParticipantIDs)

	m := inbound("b", "group msg", t0.Add(time.Minute))
	m.Conversation = chat.Group("r1")
	d.UpsertFromMessage(m, false)
	g, _ = d.Get(chat.Group("r1"))
	require.Equal(t, 1, g.UnreadCount)

	require.True(t, d.RemoveByRoom("r1"))
	require.False(t, d.RemoveByRoom("r1"))
	require.Equal(t, []chat.Key{chat.Direct("a")}, keys(d))
}

func TestReconcileMergesServerList(t *testing.T) {
	d := New()
	d.UpsertFromMessage(inbound("a", "local newer", t0.Add(time.Hour)), false)
	d.Ensure(chat.Summary{Key: chat.Direct("fresh"), DisplayName: "fresh"})
	d.UpsertGroup(chat.Summary{Key: chat.Group("gone"), DisplayName: "left while offline"})

	d.Reconcile([]chat.Summary{
		{Key: chat.Direct("b"), DisplayName: "b", LastMessagePreview: "from server", LastMessageAt: t0.Add(2 * time.Hour), UnreadCount: 4},
		{Key: chat.Direct("a"), DisplayName: "a", LastMessagePreview: "server older", LastMessageAt: t0, UnreadCount: 0},
		{Key: chat.Direct("b"), DisplayName: "duplicate"},
	})

	require.Equal(t, []chat.Key{chat.Direct("b"), chat.Direct("a"), chat.Direct("fresh")}, keys(d))

	a, _ := d.Get(chat.Direct("a"))
	require.Equal(t, "local newer", a.LastMessagePreview)
	require.Equal(t, 1, a.UnreadCount)

	b, _ := d.Get(chat.Direct("b"))
	require.Equal(t, 4, b.UnreadCount)
	require.Equal(t, "b", b.DisplayName)
}

func TestSnapshotIsDetached(t *testing.T) {
	d := New()
	d.UpsertGroup(chat.Summary{Key: chat.Group("r"), ParticipantIDs: []string{"x"}})
	snap := d.Snapshot()
	snap[0].ParticipantIDs[0] = "mutated"
	g, _ := d.Get(chat.Group("r"))
	require.Equal(t, []string{"x"}, g.ParticipantIDs)
}
