package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"golang.org/x/sync/errgroup"
)

// --- users ---

func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) (wire.User, error) {
	body, err := jsonPayload(req)
	if err != nil {
		return wire.User{}, chaterr.New(chaterr.ValidationFailure, "register", err)
	}
	var u wire.User
	err = c.do(ctx, call{op: "register", method: http.MethodPost, path: "/users/register", body: body, noRefresh: true}, &u)
	return u, err
}

// Login authenticates and keeps the returned tokens for later calls.
func (c *Client) Login(ctx context.Context, req wire.LoginRequest) (wire.LoginResponse, error) {
	body, err := jsonPayload(req)
	if err != nil {
		return wire.LoginResponse{}, chaterr.New(chaterr.ValidationFailure, "login", err)
	}
	var res wire.LoginResponse
	if err := c.do(ctx, call{op: "login", method: http.MethodPost, path: "/users/login", body: body, noRefresh: true}, &res); err != nil {
		return wire.LoginResponse{}, err
	}
	c.SetTokens(res.AccessToken, res.RefreshToken)
	return res, nil
}

func (c *Client) Refresh(ctx context.Context) (wire.LoginResponse, error) {
	_, refresh := c.Tokens()
	body, err := jsonPayload(wire.RefreshRequest{RefreshToken: refresh})
	if err != nil {
		return wire.LoginResponse{}, chaterr.New(chaterr.ValidationFailure, "refresh", err)
	}
	var res wire.LoginResponse
	if err := c.do(ctx, call{op: "refresh", method: http.MethodPost, path: "/users/refresh-token", body: body, noRefresh: true}, &res); err != nil {
		return wire.LoginResponse{}, err
	}
	if res.RefreshToken == "" {
		res.RefreshToken = refresh
	}
	c.SetTokens(res.AccessToken, res.RefreshToken)
	return res, nil
}

// Logout drops the local tokens even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, call{op: "logout", method: http.MethodPost, path: "/users/logout", noRefresh: true}, nil)
	c.SetTokens("", "")
	return err
}

func (c *Client) CurrentUser(ctx context.Context) (wire.User, error) {
	var u wire.User
	err := c.do(ctx, call{op: "current user", method: http.MethodGet, path: "/users/getCurrentUser", idempotent: true}, &u)
	return u, err
}

func (c *Client) Users(ctx context.Context) ([]wire.User, error) {
	var us []wire.User
	err := c.do(ctx, call{op: "list users", method: http.MethodGet, path: "/users/getAlluser", idempotent: true}, &us)
	return us, err
}

// --- messages ---

func (c *Client) ChatList(ctx context.Context) ([]wire.ChatConversation, error) {
	var list []wire.ChatConversation
	err := c.do(ctx, call{op: "chat list", method: http.MethodGet, path: "/messages/get-chat-list", idempotent: true}, &list)
	return list, err
}

// Messages fetches one page of key's history, newest first.
func (c *Client) Messages(ctx context.Context, key chat.Key, page, limit int) (wire.MessagesPage, error) {
	q := url.Values{}
	if key.IsGroup {
		q.Set("room", key.ID)
	} else {
		q.Set("receiver", key.ID)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var p wire.MessagesPage
	err := c.do(ctx, call{op: "get messages", method: http.MethodGet, path: "/messages/get-messages", query: q, idempotent: true}, &p)
	return p, err
}

// SendMessage is not retried: a lost response could otherwise duplicate
// the message.
func (c *Client) SendMessage(ctx context.Context, req wire.SendMessageRequest) (wire.Message, error) {
	body, err := jsonPayload(req)
	if err != nil {
		return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "send message", err)
	}
	var m wire.Message
	err = c.do(ctx, call{op: "send message", method: http.MethodPost, path: "/messages/send-message", body: body}, &m)
	return m, err
}

// SendAttachment uploads file as a multipart message.
func (c *Client) SendAttachment(ctx context.Context, req wire.SendMessageRequest, filename string, file io.Reader) (wire.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"receiver", req.Receiver},
		{"room", req.Room},
		{"content", req.Content},
		{"messageType", req.MessageType},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "send attachment", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "send attachment", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "send attachment", err)
	}
	if err := mw.Close(); err != nil {
		return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "send attachment", err)
	}

	var m wire.Message
	err = c.do(ctx, call{
		op:     "send attachment",
		method: http.MethodPost,
		path:   "/messages/send-message",
		body:   &payload{contentType: mw.FormDataContentType(), data: buf.Bytes()},
	}, &m)
	return m, err
}

func (c *Client) MarkAsRead(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "mark as read", method: http.MethodPatch, path: "/messages/mark-as-read/" + url.PathEscape(id), idempotent: true}, nil)
}

// MarkManyRead acknowledges ids in parallel and returns, in input order,
// the ones the server accepted. Failures are joined into the error.
func (c *Client) MarkManyRead(ctx context.Context, ids []string) ([]string, error) {
	ok := make([]bool, len(ids))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(c.readConc)
	for i, id := range ids {
		g.Go(func() error {
			if err := c.MarkAsRead(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	confirmed := make([]string, 0, len(ids))
	for i, id := range ids {
		if ok[i] {
			confirmed = append(confirmed, id)
		}
	}
	return confirmed, errors.Join(errs...)
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (wire.Message, error) {
	body, err := jsonPayload(wire.EditMessageRequest{Content: content})
	if err != nil {
		return wire.Message{}, chaterr.New(chaterr.ValidationFailure, "edit message", err)
	}
	var m wire.Message
	err = c.do(ctx, call{op: "edit message", method: http.MethodPut, path: "/messages/edit-message/" + url.PathEscape(id), body: body, idempotent: true}, &m)
	return m, err
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, call{op: "delete message", method: http.MethodDelete, path: "/messages/delete-message/" + url.PathEscape(id), idempotent: true}, nil)
}

// --- chat rooms ---

func (c *Client) CreateGroup(ctx context.Context, req wire.CreateGroupRequest) (wire.Room, error) {
	body, err := jsonPayload(req)
	if err != nil {
		return wire.Room{}, chaterr.New(chaterr.ValidationFailure, "create group", err)
	}
	var r wire.Room
	err = c.do(ctx, call{op: "create group", method: http.MethodPost, path: "/chat-rooms/create-group", body: body}, &r)
	return r, err
}

func (c *Client) LeaveGroup(ctx context.Context, roomID string) error {
	return c.do(ctx, call{op: "leave group", method: http.MethodPost, path: "/chat-rooms/" + url.PathEscape(roomID) + "/leave", idempotent: true}, nil)
}
