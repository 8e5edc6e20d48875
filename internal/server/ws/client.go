package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/socketio"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errHandshake = errors.New("ws: handshake failed")

// Client is one authenticated socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	userID string
	ip     string
	logger *slog.Logger
}

// Serve runs the Engine.IO handshake on an upgraded connection, then pumps
// frames until either side closes. headerToken is the bearer token from the
// upgrade request, used when the connect packet carries none. Serve blocks.
func (h *Hub) Serve(conn *websocket.Conn, ip, headerToken string) {
	sid := uuid.NewString()
	userID, err := h.handshake(conn, sid, headerToken)
	if err != nil {
		h.logger.Info("socket rejected", slog.String("ip", ip), slog.Any("error", err))
		conn.Close()
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		userID: userID,
		ip:     ip,
		logger: h.logger.With(slog.String("user", userID), slog.String("sid", sid)),
	}
	h.connected(c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) handshake(conn *websocket.Conn, sid, headerToken string) (string, error) {
	open, err := socketio.EncodeOpen(socketio.OpenInfo{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(h.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(h.opts.PingTimeout / time.Millisecond),
		MaxPayload:   1_000_000,
	})
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, open); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(h.opts.PingTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	p, err := socketio.Decode(data)
	if err != nil {
		return "", err
	}
	if p.Engine != socketio.EngineMessage || p.Type != socketio.Connect {
		return "", fmt.Errorf("%w: expected connect, got %q", errHandshake, data)
	}

	token := headerToken
	var body struct {
		Token string `json:"token"`
	}
	if len(p.Data) > 0 && json.Unmarshal(p.Data, &body) == nil && body.Token != "" {
		token = body.Token
	}

	userID, err := h.auth(token)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, socketio.EncodeConnectError("Authentication error"))
		return "", fmt.Errorf("%w: %v", errHandshake, err)
	}

	ack, err := socketio.EncodeConnect(map[string]string{"sid": sid})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})
	return userID, nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnected(c)
		c.close()
	}()

	idle := c.hub.opts.PingInterval + c.hub.opts.PingTimeout
	for {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		p, err := socketio.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame", slog.Any("error", err))
			continue
		}
		switch p.Engine {
		case socketio.EnginePing:
			c.enqueue(socketio.Pong)
		case socketio.EnginePong:
		case socketio.EngineClose:
			return
		case socketio.EngineMessage:
			switch p.Type {
			case socketio.Disconnect:
				return
			case socketio.Event:
				c.hub.events.WithLabelValues(p.Event, "in").Inc()
				if err := c.handleEvent(p.Event, p.Data); err != nil {
					c.logger.Warn("event failed", slog.String("event", p.Event), slog.Any("error", err))
				}
			}
		}
	}
}

// writePump owns all writes after the handshake and pings on the interval
// announced in the open packet.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.TextMessage, []byte{socketio.EngineMessage, socketio.Disconnect})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, socketio.Ping); err != nil {
				return
			}
		}
	}
}

// enqueue drops the client when its buffer is full rather than blocking the
// emitter.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping socket")
		c.close()
	}
}

func (c *Client) emit(event string, payload any) {
	frame, err := socketio.EncodeEvent(event, payload)
	if err != nil {
		c.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return
	}
	c.enqueue(frame)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) handleEvent(event string, data json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch event {
	case wire.EventJoinConversation:
		var p wire.JoinConversation
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		c.logger.Debug("joined conversation", slog.String("peer", p.TargetUserID))

	case wire.EventJoinGroup:
		var p wire.JoinGroup
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		room, err := c.hub.store.RoomByID(ctx, p.RoomID)
		if err != nil {
			return err
		}
		if !room.Has(c.userID) {
			return fmt.Errorf("not a participant of %s", p.RoomID)
		}
		c.logger.Debug("joined group", slog.String("room", p.RoomID))

	case wire.EventTypingStart, wire.EventTypingStop:
		var p wire.TypingSignal
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return c.relayTyping(ctx, p, event == wire.EventTypingStart)

	case wire.EventSendPrivateMessage:
		var p wire.SendPrivateMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.TargetUserID == "" || p.Content == "" {
			return errors.New("send-private-message needs targetUserId and content")
		}
		m, err := c.hub.store.SaveMessage(ctx, models.Message{
			SenderID:    c.userID,
			ReceiverID:  p.TargetUserID,
			Content:     p.Content,
			MessageType: p.MessageType,
		})
		if err != nil {
			return err
		}
		c.hub.EmitTo([]string{p.TargetUserID, c.userID}, wire.EventReceivePrivateMessage, m.Wire())

	default:
		c.logger.Debug("ignoring event", slog.String("event", event))
	}
	return nil
}

func (c *Client) relayTyping(ctx context.Context, p wire.TypingSignal, typing bool) error {
	ev := wire.TypingEvent{UserID: c.userID, IsTyping: typing, RoomID: p.RoomID}
	if p.RoomID == "" {
		if p.TargetUserID == "" {
			return errors.New("typing signal without target")
		}
		c.hub.EmitTo([]string{p.TargetUserID}, wire.EventUserTyping, ev)
		return nil
	}
	room, err := c.hub.store.RoomByID(ctx, p.RoomID)
	if err != nil {
		return err
	}
	if !room.Has(c.userID) {
		return fmt.Errorf("not a participant of %s", p.RoomID)
	}
	var others []string
	for _, id := range room.Participants {
		if id != c.userID {
			others = append(others, id)
		}
	}
	c.hub.EmitTo(others, wire.EventUserTyping, ev)
	return nil
}
