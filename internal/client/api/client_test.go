package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:    srv.URL,
		RetryDelay: time.Millisecond,
		Rate:       1000,
		Burst:      1000,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.Response[any]{StatusCode: status, Data: data, Message: msg, Success: status < 300})
}

func TestMessagesDecodesEnvelopeAndSendsHeaders(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeEnvelope(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{{
				"_id": "m1", "sender": "peer", "receiver": "me", "content": "hi",
				"messageType": "text", "readBy": []string{}, "createdAt": "2024-05-01T10:00:00Z",
			}},
			"pagination": map[string]int{"totalMessages": 1, "totalPages": 1, "currentPage": 1, "limit": 20},
		}, "ok")
	}))
	c.SetTokens("tok", "")

	page, err := c.Messages(context.Background(), chat.Group("room-1"), 2, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "peer", page.Messages[0].Sender.ID)
	require.Equal(t, 1, page.Pagination.TotalPages)

	require.Equal(t, "/api/messages/get-messages", got.URL.Path)
	require.Equal(t, "room-1", got.URL.Query().Get("room"))
	require.Empty(t, got.URL.Query().Get("receiver"))
	require.Equal(t, "2", got.URL.Query().Get("page"))
	require.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	_, err = uuid.Parse(got.Header.Get("X-Request-ID"))
	require.NoError(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   chaterr.Kind
	}{
		{http.StatusUnauthorized, chaterr.AuthExpired},
		{http.StatusForbidden, chaterr.AuthExpired},
		{http.StatusNotFound, chaterr.ConflictOrNotFound},
		{http.StatusConflict, chaterr.ConflictOrNotFound},
		{http.StatusGone, chaterr.ConflictOrNotFound},
		{http.StatusTooManyRequests, chaterr.RateLimited},
		{http.StatusBadRequest, chaterr.ValidationFailure},
		{http.StatusUnprocessableEntity, chaterr.ValidationFailure},
		{http.StatusInternalServerError, chaterr.TransientNetwork},
		{http.StatusBadGateway, chaterr.TransientNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				writeEnvelope(w, tt.status, nil, "nope")
			}))
			err := c.DeleteMessage(context.Background(), "m1")
			require.Error(t, err)
			require.Equal(t, tt.kind, chaterr.KindOf(err))
			require.Contains(t, err.Error(), "nope")
			if tt.kind == chaterr.RateLimited {
				require.Equal(t, 7*time.Second, chaterr.RetryAfter(err))
			}
		})
	}
}

func TestIdempotentCallsRetryTransientFailures(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, nil, "busy")
			return
		}
		writeEnvelope(w, http.StatusOK, []wire.ChatConversation{{ID: "c1"}}, "")
	}))

	list, err := c.ChatList(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int32(3), hits.Load())
}

func TestRetriesAreBoundedAndSkipSends(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusServiceUnavailable, nil, "busy")
	}))

	_, err := c.Users(context.Background())
	require.True(t, chaterr.Is(err, chaterr.TransientNetwork))
	require.Equal(t, int32(DefaultAttempts), hits.Load())

	hits.Store(0)
	_, err = c.SendMessage(context.Background(), wire.SendMessageRequest{Receiver: "peer", Content: "hi", MessageType: "text"})
	require.Error(t, err)
	require.Equal(t, int32(1), hits.Load())
}

func TestRateLimitedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusTooManyRequests, nil, "slow down")
	}))
	_, err := c.ChatList(context.Background())
	require.True(t, chaterr.Is(err, chaterr.RateLimited))
	require.Equal(t, int32(1), hits.Load())
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	var refreshes atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/refresh-token":
			refreshes.Add(1)
			var body wire.RefreshRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.RefreshToken != "r1" {
				writeEnvelope(w, http.StatusUnauthorized, nil, "bad refresh")
				return
			}
			writeEnvelope(w, http.StatusOK, wire.LoginResponse{AccessToken: "fresh", RefreshToken: "r2"}, "")
		case "/api/users/getCurrentUser":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeEnvelope(w, http.StatusUnauthorized, nil, "jwt expired")
				return
			}
			writeEnvelope(w, http.StatusOK, wire.User{ID: "me", Username: "me"}, "")
		}
	}))

	var saved []string
	c.OnTokens(func(access, refresh string) { saved = append(saved, access+"/"+refresh) })
	c.SetTokens("stale", "r1")

	u, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, "me", u.ID)
	require.Equal(t, int32(1), refreshes.Load())
	require.Equal(t, []string{"stale/r1", "fresh/r2"}, saved)

	c.SetTokens("stale", "wrong")
	_, err = c.CurrentUser(context.Background())
	require.True(t, chaterr.Is(err, chaterr.AuthExpired))
	require.Equal(t, int32(2), refreshes.Load())
}

func TestMarkManyReadReportsConfirmedSubset(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		id := strings.TrimPrefix(r.URL.Path, "/api/messages/mark-as-read/")
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		if id == "m2" {
			writeEnvelope(w, http.StatusNotFound, nil, "gone")
			return
		}
		writeEnvelope(w, http.StatusOK, nil, "")
	}))

	confirmed, err := c.MarkManyRead(context.Background(), []string{"m1", "m2", "m3", "m4", "m5"})
	require.Error(t, err)
	require.True(t, chaterr.Is(err, chaterr.ConflictOrNotFound))
	require.Equal(t, []string{"m1", "m3", "m4", "m5"}, confirmed)
	require.ElementsMatch(t, []string{"m1", "m2", "m3", "m4", "m5"}, seen)

	confirmed, err = c.MarkManyRead(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, confirmed)
}

func TestSendAttachmentIsMultipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "peer", r.FormValue("receiver"))
		assert.Equal(t, "image", r.FormValue("messageType"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cat.png", hdr.Filename)
		assert.Equal(t, "PNG", string(data))
		writeEnvelope(w, http.StatusCreated, map[string]any{
			"_id": "m9", "sender": "me", "receiver": "peer", "content": "",
			"messageType": "image", "fileUrl": "/uploads/cat.png", "readBy": []string{},
			"createdAt": "2024-05-01T10:00:00Z",
		}, "")
	}))

	m, err := c.SendAttachment(context.Background(),
		wire.SendMessageRequest{Receiver: "peer", MessageType: "image"}, "cat.png", strings.NewReader("PNG"))
	require.NoError(t, err)
	require.Equal(t, "m9", m.ID)
	require.Equal(t, "/uploads/cat.png", m.FileURL)
}

func TestLoginStoresTokensAndLogoutClears(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/login":
			writeEnvelope(w, http.StatusOK, wire.LoginResponse{User: wire.User{ID: "me"}, AccessToken: "a", RefreshToken: "r"}, "")
		case "/api/users/logout":
			writeEnvelope(w, http.StatusInternalServerError, nil, "boom")
		}
	}))

	res, err := c.Login(context.Background(), wire.LoginRequest{Username: "me", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "me", res.User.ID)
	access, refresh := c.Tokens()
	require.Equal(t, "a", access)
	require.Equal(t, "r", refresh)

	require.Error(t, c.Logout(context.Background()))
	access, refresh = c.Tokens()
	require.Empty(t, access)
	require.Empty(t, refresh)
}

func TestDialErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, Attempts: 2, RetryDelay: time.Millisecond})
	_, err := c.ChatList(context.Background())
	require.True(t, chaterr.Is(err, chaterr.TransientNetwork))
}
