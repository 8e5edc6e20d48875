package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/server/auth"
	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/server/ratelimit"
	"github.com/cloudzz-dev/chatsync/internal/server/storage"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. It only models what the handlers rely on.
type memStore struct {
	mu    sync.Mutex
	seq   int
	users map[string]models.User
	msgs  []models.Message
	rooms map[string]models.Room
}

func newMemStore() *memStore {
	return &memStore{users: map[string]models.User{}, rooms: map[string]models.Room{}}
}

func (s *memStore) id(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.users {
		if e.Username == u.Username || e.Email == u.Email {
			return u, storage.ErrConflict
		}
	}
	u.ID = s.id("u")
	s.users[u.ID] = u
	return u, nil
}

func (s *memStore) UserByLogin(ctx context.Context, login string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == login || u.Email == login {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (s *memStore) UserByID(ctx context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return u, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStore) Users(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.User) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *memStore) SaveMessage(ctx context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id("m")
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) find(id string) int {
	return slices.IndexFunc(s.msgs, func(m models.Message) bool { return m.ID == id && !m.Deleted })
}

func (s *memStore) MessageByID(ctx context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return models.Message{}, storage.ErrNotFound
	}
	return s.msgs[i], nil
}

func (s *memStore) Messages(ctx context.Context, viewer, peerID, roomID string, page, limit int) ([]models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Message
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := s.msgs[i]
		switch {
		case m.Deleted:
		case roomID != "" && m.RoomID == roomID:
			all = append(all, m)
		case peerID != "" && m.RoomID == "" &&
			(m.SenderID == viewer && m.ReceiverID == peerID || m.SenderID == peerID && m.ReceiverID == viewer):
			all = append(all, m)
		}
	}
	from := min((page-1)*limit, len(all))
	to := min(from+limit, len(all))
	return all[from:to], len(all), nil
}

func (s *memStore) MarkRead(ctx context.Context, id, reader string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return models.Message{}, storage.ErrNotFound
	}
	if !slices.Contains(s.msgs[i].ReadBy, reader) {
		s.msgs[i].ReadBy = append(s.msgs[i].ReadBy, reader)
	}
	return s.msgs[i], nil
}

func (s *memStore) EditMessage(ctx context.Context, id, sender, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 || s.msgs[i].SenderID != sender {
		return models.Message{}, storage.ErrNotFound
	}
	s.msgs[i].Content = content
	s.msgs[i].IsEdited = true
	return s.msgs[i], nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id, sender string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 || s.msgs[i].SenderID != sender {
		return models.Message{}, storage.ErrNotFound
	}
	s.msgs[i].Deleted = true
	return s.msgs[i], nil
}

func (s *memStore) ChatList(ctx context.Context, viewer string) ([]models.ChatRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatRow
	seen := map[string]bool{}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := s.msgs[i]
		if m.Deleted || m.RoomID != "" {
			continue
		}
		peer := m.ReceiverID
		if peer == viewer {
			peer = m.SenderID
		} else if m.SenderID != viewer {
			continue
		}
		if seen[peer] {
			continue
		}
		seen[peer] = true
		p := s.users[peer]
		out = append(out, models.ChatRow{Last: &m, Peer: &p})
	}
	return out, nil
}

func (s *memStore) CreateRoom(ctx context.Context, r models.Room) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{r.CreatedBy}
	for _, id := range r.Participants {
		if _, ok := s.users[id]; !ok {
			return r, storage.ErrNotFound
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	r.ID = s.id("r")
	r.Participants = ids
	r.Admins = []string{r.CreatedBy}
	s.rooms[r.ID] = r
	return r, nil
}

func (s *memStore) RoomByID(ctx context.Context, id string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return r, storage.ErrNotFound
	}
	return r, nil
}

func (s *memStore) LeaveRoom(ctx context.Context, roomID, userID string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.Has(userID) {
		return r, storage.ErrNotFound
	}
	r.Participants = slices.DeleteFunc(slices.Clone(r.Participants), func(id string) bool { return id == userID })
	s.rooms[roomID] = r
	return r, nil
}

type emit struct {
	to    []string
	event string
}

type fakeHub struct {
	mu     sync.Mutex
	online map[string]bool
	emits  []emit
}

func (h *fakeHub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

func (h *fakeHub) EmitTo(userIDs []string, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emits = append(h.emits, emit{to: slices.Clone(userIDs), event: event})
}

func (h *fakeHub) Serve(conn *websocket.Conn, ip, headerToken string) { conn.Close() }

func (h *fakeHub) last(event string) (emit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.emits) - 1; i >= 0; i-- {
		if h.emits[i].event == event {
			return h.emits[i], true
		}
	}
	return emit{}, false
}

type fixture struct {
	store  *memStore
	hub    *fakeHub
	tokens *auth.Tokens
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		store:  newMemStore(),
		hub:    &fakeHub{online: map[string]bool{}},
		tokens: auth.NewTokens("test-secret", time.Hour, 24*time.Hour),
		router: gin.New(),
	}
	h := New(f.store, f.hub, f.tokens, ratelimit.New(ratelimit.DefaultLimits()), Options{
		UploadDir: t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.RegisterRoutes(f.router)
	return f
}

// user seeds a user directly and returns its id and an access token.
func (f *fixture) user(t *testing.T, name string) (string, string) {
	t.Helper()
	hash, err := auth.HashPassword("secret1")
	require.NoError(t, err)
	u, err := f.store.CreateUser(context.Background(), models.User{Username: name, Email: name + "@example.com", PasswordHash: hash})
	require.NoError(t, err)
	pair, err := f.tokens.Issue(u.ID)
	require.NoError(t, err)
	return u.ID, pair.AccessToken
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) wire.Response[T] {
	t.Helper()
	var out wire.Response[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRegisterLoginRefresh(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/users/register", "", wire.RegisterRequest{Username: "ana", Email: "ana@example.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "ana", decode[wire.User](t, w).Data.Username)

	w = f.do(http.MethodPost, "/api/users/register", "", wire.RegisterRequest{Username: "ana", Email: "ana@example.com", Password: "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/users/login", "", wire.LoginRequest{Email: "ana@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/users/login", "", wire.LoginRequest{Username: "ana", Password: "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	login := decode[wire.LoginResponse](t, w).Data
	require.NotEmpty(t, login.AccessToken)

	// Four auth attempts so far from this IP: the fifth passes, the sixth is throttled.
	w = f.do(http.MethodPost, "/api/users/refresh-token", "", wire.RefreshRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, login.User.ID, decode[wire.LoginResponse](t, w).Data.User.ID)

	w = f.do(http.MethodPost, "/api/users/refresh-token", "", wire.RefreshRequest{RefreshToken: login.AccessToken})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, "ana")
	w := f.do(http.MethodPost, "/api/users/refresh-token", "", wire.RefreshRequest{RefreshToken: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/getCurrentUser", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/users/getCurrentUser", "junk", nil).Code)

	_, token := f.user(t, "ana")
	w := f.do(http.MethodGet, "/api/users/getCurrentUser", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ana", decode[wire.User](t, w).Data.Username)
}

func TestAllUsersExcludesViewerAndReportsPresence(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, "ana")
	bob, _ := f.user(t, "bob")
	f.hub.online[bob] = true

	w := f.do(http.MethodGet, "/api/users/getAlluser", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[[]wire.User](t, w).Data
	require.Len(t, users, 1)
	assert.Equal(t, bob, users[0].ID)
	assert.True(t, users[0].IsOnline)
}

func TestDirectMessageFlow(t *testing.T) {
	f := newFixture(t)
	ana, anaTok := f.user(t, "ana")
	bob, bobTok := f.user(t, "bob")

	w := f.do(http.MethodPost, "/api/messages/send-message", anaTok, wire.SendMessageRequest{Receiver: bob, Content: "hi"})
	require.Equal(t, http.StatusCreated, w.Code)
	sent := decode[wire.Message](t, w).Data
	assert.Equal(t, ana, sent.Sender.ID)
	assert.Empty(t, sent.ReadBy)

	e, ok := f.hub.last(wire.EventReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, []string{bob, ana}, e.to)

	w = f.do(http.MethodGet, "/api/messages/get-messages?receiver="+ana+"&limit=10", bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[wire.MessagesPage](t, w).Data
	require.Len(t, page.Messages, 1)
	assert.Equal(t, wire.Pagination{TotalMessages: 1, TotalPages: 1, CurrentPage: 1, Limit: 10}, page.Pagination)

	w = f.do(http.MethodGet, "/api/messages/get-chat-list", bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]wire.ChatConversation](t, w).Data
	require.Len(t, rows, 1)
	assert.Equal(t, ana, rows[0].ID)
	assert.Equal(t, ana, rows[0].Sender.ID)
	assert.Equal(t, bob, rows[0].Receiver.ID)

	w = f.do(http.MethodPatch, "/api/messages/mark-as-read/"+sent.ID, bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{bob}, decode[wire.Message](t, w).Data.ReadBy)
	e, ok = f.hub.last(wire.EventMessageRead)
	require.True(t, ok)
	assert.Equal(t, []string{ana, bob}, e.to)

	w = f.do(http.MethodPut, "/api/messages/edit-message/"+sent.ID, bobTok, wire.EditMessageRequest{Content: "hijack"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPut, "/api/messages/edit-message/"+sent.ID, anaTok, wire.EditMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[wire.Message](t, w).Data.IsEdited)
	_, ok = f.hub.last(wire.EventMessageEdited)
	assert.True(t, ok)

	w = f.do(http.MethodDelete, "/api/messages/delete-message/"+sent.ID, anaTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	e, ok = f.hub.last(wire.EventMessageDeleted)
	require.True(t, ok)
	assert.Equal(t, []string{bob, ana}, e.to)

	w = f.do(http.MethodGet, "/api/messages/get-messages?receiver="+bob, anaTok, nil)
	assert.Empty(t, decode[wire.MessagesPage](t, w).Data.Messages)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, "ana")
	bob, _ := f.user(t, "bob")

	tests := []struct {
		name string
		req  wire.SendMessageRequest
		code int
	}{
		{"no destination", wire.SendMessageRequest{Content: "x"}, http.StatusBadRequest},
		{"both destinations", wire.SendMessageRequest{Receiver: bob, Room: "r9", Content: "x"}, http.StatusBadRequest},
		{"empty content", wire.SendMessageRequest{Receiver: bob, Content: "  "}, http.StatusBadRequest},
		{"unknown receiver", wire.SendMessageRequest{Receiver: "nobody", Content: "x"}, http.StatusNotFound},
		{"unknown room", wire.SendMessageRequest{Room: "r9", Content: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, f.do(http.MethodPost, "/api/messages/send-message", token, tt.req).Code)
		})
	}
}

func TestSendMessageUpload(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, "ana")
	bob, _ := f.user(t, "bob")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("receiver", bob))
	require.NoError(t, mw.WriteField("content", "see attached"))
	part, err := mw.CreateFormFile("file", "Notes.TXT")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send-message", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode[wire.Message](t, w).Data
	assert.Equal(t, "file", m.MessageType)
	require.True(t, strings.HasPrefix(m.FileURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(m.FileURL, ".txt"))

	w = f.do(http.MethodGet, m.FileURL, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t)
	ana, anaTok := f.user(t, "ana")
	bob, bobTok := f.user(t, "bob")
	_, eveTok := f.user(t, "eve")

	w := f.do(http.MethodPost, "/api/chat-rooms/create-group", anaTok, wire.CreateGroupRequest{Name: " crew ", Participants: []string{bob}})
	require.Equal(t, http.StatusCreated, w.Code)
	room := decode[wire.Room](t, w).Data
	assert.Equal(t, "crew", room.Name)
	assert.True(t, room.IsGroupChat)
	added, ok := f.hub.last(wire.EventAddedToGroup)
	require.True(t, ok)
	assert.Equal(t, []string{bob}, added.to)

	w = f.do(http.MethodPost, "/api/messages/send-message", bobTok, wire.SendMessageRequest{Room: room.ID, Content: "yo"})
	require.Equal(t, http.StatusCreated, w.Code)
	e, _ := f.hub.last(wire.EventReceiveMessage)
	assert.Equal(t, []string{ana, bob}, e.to)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/messages/get-messages?room="+room.ID, eveTok, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/messages/send-message", eveTok, wire.SendMessageRequest{Room: room.ID, Content: "hi"}).Code)

	w = f.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/leave", bobTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	left, ok := f.hub.last(wire.EventParticipantLeft)
	require.True(t, ok)
	assert.Equal(t, []string{ana, bob}, left.to)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/leave", bobTok, nil).Code)
}

func TestCreateGroupRejectsUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, "ana")
	w := f.do(http.MethodPost, "/api/chat-rooms/create-group", token, wire.CreateGroupRequest{Name: "x", Participants: []string{"ghost"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, "/api/chat-rooms/create-group", token, wire.CreateGroupRequest{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveUploadWritesIntoUploadDir(t *testing.T) {
	dir := t.TempDir()
	h := New(newMemStore(), &fakeHub{}, nil, ratelimit.New(ratelimit.DefaultLimits()), Options{UploadDir: dir})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "a.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte{1, 2, 3})
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, fh, err := req.FormFile("file")
	require.NoError(t, err)

	url, err := h.saveUpload(fh)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}
