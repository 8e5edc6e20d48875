package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/transport"
	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]models.Room
	saved    []models.Message
	lastSeen map[string]time.Time
}

func (s *fakeStore) RoomByID(ctx context.Context, id string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return r, errors.New("no room")
	}
	return r, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = "srv-1"
	m.CreatedAt = time.Now()
	s.saved = append(s.saved, m)
	return m, nil
}

func (s *fakeStore) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = at
	return nil
}

func (s *fakeStore) seen(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastSeen[userID]
	return ok
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// tokens are "tok-<userID>".
func fakeAuth(token string) (string, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return "", errors.New("bad token")
	}
	return id, nil
}

func newTestHub(t *testing.T, store *fakeStore) (*Hub, string) {
	t.Helper()
	hub := NewHub(store, fakeAuth, Options{Logger: discard, Registerer: prometheus.NewRegistry()})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, "127.0.0.1", strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv.URL
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func (r *recorder) get(event string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]json.RawMessage(nil), r.events[event]...)
}

func dial(t *testing.T, url, token string, events ...string) (*transport.Socket, *recorder) {
	t.Helper()
	s := transport.NewSocket(transport.Options{URL: url, Backoff: time.Millisecond, Logger: discard})
	rec := &recorder{events: make(map[string][]json.RawMessage)}
	for _, ev := range events {
		s.On(ev, func(p json.RawMessage) {
			rec.mu.Lock()
			rec.events[ev] = append(rec.events[ev], p)
			rec.mu.Unlock()
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, token))
	t.Cleanup(s.Disconnect)
	return s, rec
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, url := newTestHub(t, &fakeStore{lastSeen: map[string]time.Time{}})
	s := transport.NewSocket(transport.Options{URL: url, Backoff: time.Millisecond, Logger: discard})
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, s.Connect(ctx, "garbage"))
	require.Eventually(t, func() bool { return s.State() == transport.AuthFailed }, time.Second, 5*time.Millisecond)
}

func TestPresenceTypingAndPrivateMessages(t *testing.T) {
	store := &fakeStore{lastSeen: map[string]time.Time{}}
	hub, url := newTestHub(t, store)

	_, recA := dial(t, url, "tok-a",
		wire.EventConnectionConfirmed, wire.EventUserOnline, wire.EventUserOffline,
		wire.EventUserTyping, wire.EventReceivePrivateMessage)
	require.Eventually(t, func() bool { return len(recA.get(wire.EventConnectionConfirmed)) == 1 }, time.Second, 5*time.Millisecond)

	b, recB := dial(t, url, "tok-b", wire.EventReceivePrivateMessage)
	require.Eventually(t, func() bool { return len(recA.get(wire.EventUserOnline)) == 1 }, time.Second, 5*time.Millisecond)
	require.JSONEq(t, `{"userId":"b"}`, string(recA.get(wire.EventUserOnline)[0]))
	require.True(t, hub.Online("b"))

	require.NoError(t, b.Emit(wire.EventTypingStart, wire.TypingSignal{TargetUserID: "a"}))
	require.Eventually(t, func() bool { return len(recA.get(wire.EventUserTyping)) == 1 }, time.Second, 5*time.Millisecond)
	var typing wire.TypingEvent
	require.NoError(t, json.Unmarshal(recA.get(wire.EventUserTyping)[0], &typing))
	require.Equal(t, wire.TypingEvent{UserID: "b", IsTyping: true}, typing)

	require.NoError(t, b.Emit(wire.EventSendPrivateMessage, wire.SendPrivateMessage{TargetUserID: "a", Content: "yo"}))
	require.Eventually(t, func() bool {
		return len(recA.get(wire.EventReceivePrivateMessage)) == 1 && len(recB.get(wire.EventReceivePrivateMessage)) == 1
	}, time.Second, 5*time.Millisecond)
	var m wire.Message
	require.NoError(t, json.Unmarshal(recA.get(wire.EventReceivePrivateMessage)[0], &m))
	require.Equal(t, "srv-1", m.ID)
	require.Equal(t, "b", m.Sender.ID)

	b.Disconnect()
	require.Eventually(t, func() bool { return len(recA.get(wire.EventUserOffline)) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.seen("b") }, time.Second, 5*time.Millisecond)
	require.False(t, hub.Online("b"))
	require.Equal(t, float64(1), testutil.ToFloat64(hub.sockets))
}

func TestGroupTypingReachesOtherParticipants(t *testing.T) {
	store := &fakeStore{
		lastSeen: map[string]time.Time{},
		rooms: map[string]models.Room{
			"r1": {ID: "r1", Participants: []string{"a", "b", "c"}},
		},
	}
	hub, url := newTestHub(t, store)

	_, recA := dial(t, url, "tok-a", wire.EventUserTyping)
	b, recB := dial(t, url, "tok-b", wire.EventUserTyping)
	_, recD := dial(t, url, "tok-d", wire.EventUserTyping)
	require.Eventually(t, func() bool { return hub.Online("d") }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Emit(wire.EventTypingStart, wire.TypingSignal{RoomID: "r1"}))
	require.Eventually(t, func() bool { return len(recA.get(wire.EventUserTyping)) == 1 }, time.Second, 5*time.Millisecond)
	var ev wire.TypingEvent
	require.NoError(t, json.Unmarshal(recA.get(wire.EventUserTyping)[0], &ev))
	require.Equal(t, "r1", ev.RoomID)
	require.Equal(t, "b", ev.UserID)

	// The sender and outsiders hear nothing.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, recB.get(wire.EventUserTyping))
	require.Empty(t, recD.get(wire.EventUserTyping))
}

func TestEmitToReachesEveryDevice(t *testing.T) {
	hub, url := newTestHub(t, &fakeStore{lastSeen: map[string]time.Time{}})
	_, phone := dial(t, url, "tok-a", wire.EventMessageRead)
	_, laptop := dial(t, url, "tok-a", wire.EventMessageRead)
	require.Eventually(t, func() bool { return testutil.ToFloat64(hub.sockets) == 2 }, time.Second, 5*time.Millisecond)

	hub.EmitTo([]string{"a", "a", ""}, wire.EventMessageRead, wire.MessageReadEvent{MessageID: "m1", Reader: "a"})
	require.Eventually(t, func() bool {
		return len(phone.get(wire.EventMessageRead)) == 1 && len(laptop.get(wire.EventMessageRead)) == 1
	}, time.Second, 5*time.Millisecond)
}
