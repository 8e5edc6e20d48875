package chat

import (
	"testing"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func dm(id, sender, receiver string, readBy ...string) wire.Message {
	r := wire.RefID(receiver)
	return wire.Message{ID: id, Sender: wire.RefID(sender), Receiver: &r, Content: "hi", MessageType: "text", ReadBy: readBy, CreatedAt: t0}
}

func TestNormalizeReadDirection(t *testing.T) {
	tests := []struct {
		name     string
		msg      wire.Message
		wantOwn  bool
		wantRead bool
		wantKey  Key
	}{
		{"received unread", dm("m1", "peer", "me"), false, false, Direct("peer")},
		{"received read by viewer", dm("m2", "peer", "me", "me"), false, true, Direct("peer")},
		{"own unread by peer", dm("m3", "me", "peer", "me"), true, false, Direct("peer")},
		{"own read by peer", dm("m4", "me", "peer", "peer"), true, true, Direct("peer")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Normalize(tt.msg, "me")
			require.NoError(t, err)
			require.Equal(t, tt.wantOwn, m.IsOwn)
			require.Equal(t, tt.wantRead, m.IsRead)
			require.Equal(t, tt.wantKey, m.Conversation)
			require.False(t, m.IsOptimistic)
		})
	}
}

func TestNormalizeGroupMessage(t *testing.T) {
	w := wire.Message{ID: "g1", Sender: wire.RefUser(wire.User{ID: "me", DisplayName: "Me"}), Room: "room-1", Content: "", MessageType: "image", FileURL: "/u/a.png", ReadBy: []string{"me", "other"}, CreatedAt: t0}

	m, err := Normalize(w, "me")
	require.NoError(t, err)
	require.Equal(t, Group("room-1"), m.Conversation)
	require.True(t, m.IsOwn)
	require.True(t, m.IsRead)
	require.Equal(t, KindImage, m.Kind)
	require.Equal(t, "/u/a.png", m.AttachmentURL)
	require.Equal(t, "Me", m.SenderName)
	require.Equal(t, "IMAGE", m.Preview())
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	noID := dm("", "peer", "me")
	noTime := dm("m1", "peer", "me")
	noTime.CreatedAt = time.Time{}
	noSender := dm("m1", "", "me")
	badKind := dm("m1", "peer", "me")
	badKind.MessageType = "sticker"
	ownNoReceiver := dm("m1", "me", "peer")
	ownNoReceiver.Receiver = nil

	for name, w := range map[string]wire.Message{
		"missing id":           noID,
		"missing timestamp":    noTime,
		"missing sender":       noSender,
		"unknown kind":         badKind,
		"own without receiver": ownNoReceiver,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(w, "me")
			require.Error(t, err)
			require.True(t, chaterr.Is(err, chaterr.ValidationFailure))
		})
	}
}

func TestNormalizeDefaultsKindToText(t *testing.T) {
	w := dm("m1", "peer", "me")
	w.MessageType = ""
	m, err := Normalize(w, "me")
	require.NoError(t, err)
	require.Equal(t, KindText, m.Kind)
	require.Equal(t, "hi", m.Preview())
}

func TestSummaryFromConversation(t *testing.T) {
	last := dm("m9", "me", "peer")
	last.Content = "see you"

	c := wire.ChatConversation{
		ID:          "c1",
		LastMessage: &last,
		Sender:      &wire.User{ID: "me", Username: "me"},
		Receiver:    &wire.User{ID: "peer", Username: "pat", IsOnline: true},
		UnreadCount: 2,
	}

	s, err := SummaryFromConversation(c, "me")
	require.NoError(t, err)
	require.Equal(t, Direct("peer"), s.Key)
	require.Equal(t, "pat", s.DisplayName)
	require.True(t, s.Online)
	require.Equal(t, "see you", s.LastMessagePreview)
	require.Equal(t, 2, s.UnreadCount)

	c.Receiver = nil
	_, err = SummaryFromConversation(c, "me")
	require.Error(t, err)
}

func TestSummaryFromRoomConversation(t *testing.T) {
	room := wire.Room{
		ID:           "r1",
		Name:         "team",
		Participants: []wire.UserRef{wire.RefID("me"), wire.RefUser(wire.User{ID: "a"})},
		Admins:       []wire.UserRef{wire.RefID("me")},
		UpdatedAt:    t0,
	}
	s, err := SummaryFromConversation(wire.ChatConversation{ID: "r1", Room: &room, UnreadCount: -3}, "me")
	require.NoError(t, err)
	require.Equal(t, Group("r1"), s.Key)
	require.Equal(t, []string{"me", "a"}, s.ParticipantIDs)
	require.Equal(t, []string{"me"}, s.AdminIDs)
	require.Equal(t, 0, s.UnreadCount)
	require.Equal(t, t0, s.LastMessageAt)
}
