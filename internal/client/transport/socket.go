// Package transport owns the client's single duplex connection to the chat
// backend: Socket.IO events over a websocket, reconnected with a bounded
// number of fixed-delay retries.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/socketio"
	"github.com/gorilla/websocket"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	// Disconnected means retries ran out. Only an explicit Connect retries.
	Disconnected
	AuthFailed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	case AuthFailed:
		return "auth_failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == Disconnected || s == AuthFailed || s == Closed
}

type StateChange struct {
	State State
	// Reconnect is set on Connected when an earlier connection existed.
	Reconnect bool
	Attempt   int
	Err       error
}

const (
	DefaultMaxRetries       = 3
	DefaultBackoff          = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
	ErrAuthRejected = errors.New("transport: authentication rejected")

	errServerDisconnect = errors.New("transport: server ended the session")
	errServerClose      = errors.New("transport: server closed the connection")
)

type Handler func(payload json.RawMessage)

type Options struct {
	// URL is the backend base URL; the Socket.IO path is added when missing.
	URL              string
	MaxRetries       int
	Backoff          time.Duration
	HandshakeTimeout time.Duration
	Dialer           Dialer
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Socket is the connection handle shared by every conversation.
type Socket struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	watchers map[int]func(StateChange)
	nextID   int
	state    State
	conn     Conn
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}

	wmu sync.Mutex
}

func NewSocket(opts Options) *Socket {
	opts = opts.withDefaults()
	return &Socket{
		opts:     opts,
		logger:   opts.Logger.With("component", "transport"),
		handlers: make(map[string]map[int]Handler),
		watchers: make(map[int]func(StateChange)),
	}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On subscribes h to event and returns its unsubscribe func. Handlers run
// one at a time, in arrival order, on the socket's read goroutine.
func (s *Socket) On(event string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

func (s *Socket) OnState(fn func(StateChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Connect starts the connection and blocks until the first handshake
// succeeds or the socket gives up. Calling it while the socket is already
// running is a no-op.
func (s *Socket) Connect(ctx context.Context, token string) error {
	endpoint, err := Endpoint(s.opts.URL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	first := make(chan error, 1)
	go s.run(runCtx, endpoint, token, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit sends one event. It fails fast when no connection is up; the caller
// decides whether the intent is worth replaying.
func (s *Socket) Emit(event string, payload any) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}

	frame, err := socketio.EncodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	return s.write(conn, frame)
}

// Disconnect tears the connection down for good and waits for the read loop
// to exit.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.publish(StateChange{State: Closed})
}

func (s *Socket) run(ctx context.Context, endpoint, token string, first chan<- error, done chan struct{}) {
	defer close(done)

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}
	stop := func(sc StateChange) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.publish(sc)
		report(sc.Err)
	}

	failures := 0
	limit := s.opts.MaxRetries + 1
	wasConnected := false

	for {
		if ctx.Err() != nil {
			report(ErrClosed)
			return
		}

		if wasConnected || failures > 0 {
			s.publish(StateChange{State: Reconnecting, Attempt: failures + 1})
		} else {
			s.publish(StateChange{State: Connecting, Attempt: 1})
		}

		conn, info, err := s.handshake(ctx, endpoint, token)
		if err == nil {
			failures = 0
			limit = s.opts.MaxRetries
			s.setConn(conn)
			s.publish(StateChange{State: Connected, Reconnect: wasConnected})
			report(nil)
			if wasConnected {
				s.logger.Info("socket reconnected")
			}
			wasConnected = true

			err = s.serve(ctx, conn, info)
			s.setConn(nil)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("socket dropped", slog.Any("error", err))
		}

		switch {
		case errors.Is(err, ErrAuthRejected):
			stop(StateChange{State: AuthFailed, Err: err})
			return
		case errors.Is(err, errServerDisconnect):
			stop(StateChange{State: Disconnected, Err: err})
			return
		}

		if conn == nil {
			failures++
		}
		if failures >= limit {
			stop(StateChange{State: Disconnected, Attempt: failures, Err: fmt.Errorf("transport: gave up after %d attempts: %w", failures, err)})
			return
		}

		s.logger.Warn("socket dial failed",
			slog.Int("attempt", failures),
			slog.Duration("sleep", s.opts.Backoff),
			slog.Any("error", err),
		)

		timer := time.NewTimer(s.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			report(ErrClosed)
			return
		case <-timer.C:
		}
	}
}

// handshake dials, reads the Engine.IO open packet, and joins the default
// namespace with the session token.
func (s *Socket) handshake(ctx context.Context, endpoint, token string) (Conn, socketio.OpenInfo, error) {
	var info socketio.OpenInfo

	dctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(dctx, endpoint, authHeader(token))
	if err != nil {
		return nil, info, err
	}
	fail := func(err error) (Conn, socketio.OpenInfo, error) {
		conn.Close()
		return nil, info, err
	}

	setReadDeadline(conn, time.Now().Add(s.opts.HandshakeTimeout))
	defer setReadDeadline(conn, time.Time{})

	p, err := readPacket(conn)
	if err != nil {
		return fail(err)
	}
	if p.Engine != socketio.EngineOpen {
		return fail(fmt.Errorf("transport: expected open packet, got %q", p.Engine))
	}
	if err := json.Unmarshal(p.Data, &info); err != nil {
		return fail(fmt.Errorf("transport: open packet: %w", err))
	}

	frame, err := socketio.EncodeConnect(map[string]string{"token": token})
	if err != nil {
		return fail(err)
	}
	if err := s.write(conn, frame); err != nil {
		return fail(err)
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return fail(err)
		}
		switch {
		case p.Engine == socketio.EnginePing:
			if err := s.write(conn, socketio.Pong); err != nil {
				return fail(err)
			}
		case p.Engine == socketio.EngineMessage && p.Type == socketio.Connect:
			return conn, info, nil
		case p.Engine == socketio.EngineMessage && p.Type == socketio.ConnectError:
			return fail(fmt.Errorf("%w: %s", ErrAuthRejected, socketio.ErrorMessage(p.Data)))
		case p.Engine == socketio.EngineClose:
			return fail(errServerClose)
		}
	}
}

// serve pumps inbound frames until the connection fails or ctx ends.
func (s *Socket) serve(ctx context.Context, conn Conn, info socketio.OpenInfo) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var idle time.Duration
	if info.PingInterval > 0 {
		idle = time.Duration(info.PingInterval+info.PingTimeout) * time.Millisecond
	}

	for {
		if idle > 0 {
			setReadDeadline(conn, time.Now().Add(idle))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := socketio.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", slog.Any("error", err))
			continue
		}

		switch p.Engine {
		case socketio.EnginePing:
			if err := s.write(conn, socketio.Pong); err != nil {
				return err
			}
		case socketio.EngineClose:
			return errServerClose
		case socketio.EngineMessage:
			switch p.Type {
			case socketio.Event:
				s.dispatch(p.Event, p.Data)
			case socketio.Disconnect:
				return errServerDisconnect
			case socketio.ConnectError:
				return fmt.Errorf("%w: %s", ErrAuthRejected, socketio.ErrorMessage(p.Data))
			}
		}
	}
}

func (s *Socket) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event handler panicked", slog.String("event", event), slog.Any("panic", r))
				}
			}()
			h(data)
		}()
	}
}

func (s *Socket) publish(sc StateChange) {
	s.mu.Lock()
	s.state = sc.State
	ws := make([]func(StateChange), 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	for _, w := range ws {
		w(sc)
	}
}

func (s *Socket) setConn(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *Socket) write(conn Conn, frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func readPacket(conn Conn) (socketio.Packet, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return socketio.Packet{}, err
	}
	return socketio.Decode(data)
}

// Endpoint turns a backend base URL into the Socket.IO websocket URL.
func Endpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: bad url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), strings.TrimSuffix(socketio.Path, "/")) {
		u.Path = strings.TrimSuffix(u.Path, "/") + socketio.Path
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
