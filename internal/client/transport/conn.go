package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the socket uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket. A 401 or 403 on the upgrade
// is reported as ErrAuthRejected.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// Manager hands out the one socket of a session.
type Manager struct {
	opts Options

	mu   sync.Mutex
	sock *Socket
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Socket returns the session's socket, creating it unconnected if needed, so
// callers can subscribe before the first event can arrive.
func (m *Manager) Socket() *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock == nil {
		m.sock = NewSocket(m.opts)
	}
	return m.sock
}

// Open connects the session's socket. Repeated calls return the same handle.
func (m *Manager) Open(ctx context.Context, token string) (*Socket, error) {
	s := m.Socket()
	return s, s.Connect(ctx, token)
}

// Close disconnects and forgets the socket; the next Open starts fresh.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.sock
	m.sock = nil
	m.mu.Unlock()
	if s != nil {
		s.Disconnect()
	}
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func setReadDeadline(conn Conn, t time.Time) {
	if d, ok := conn.(readDeadliner); ok {
		_ = d.SetReadDeadline(t)
	}
}
