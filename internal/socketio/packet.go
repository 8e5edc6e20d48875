// Package socketio implements the subset of the Engine.IO v4 / Socket.IO v5
// text framing needed to exchange named JSON events over a plain websocket.
package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	Connect      byte = '0'
	Disconnect   byte = '1'
	Event        byte = '2'
	Ack          byte = '3'
	ConnectError byte = '4'
	BinaryEvent  byte = '5'
	BinaryAck    byte = '6'
)

// Path is where Socket.IO servers mount the websocket transport.
const Path = "/socket.io/"

var (
	ErrEmptyFrame    = errors.New("socketio: empty frame")
	ErrBinaryPayload = errors.New("socketio: binary packets are not supported")

	Ping = []byte{EnginePing}
	Pong = []byte{EnginePong}
)

// OpenInfo is the handshake body of the Engine.IO open packet.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type Packet struct {
	Engine    byte
	Type      byte // Socket.IO type, only set when Engine == EngineMessage
	Namespace string
	AckID     int // -1 when absent
	Event     string
	// Data holds the open/connect/connect_error body, or the first event argument.
	Data json.RawMessage
	Args []json.RawMessage
}

// Decode parses one websocket text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, ErrEmptyFrame
	}
	p := Packet{Engine: frame[0], AckID: -1, Namespace: "/"}
	body := frame[1:]

	switch p.Engine {
	case EngineOpen:
		p.Data = json.RawMessage(body)
		return p, nil
	case EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		return p, nil
	case EngineMessage:
	default:
		return Packet{}, fmt.Errorf("socketio: unknown engine packet %q", p.Engine)
	}

	if len(body) == 0 {
		return Packet{}, fmt.Errorf("socketio: message packet without type")
	}
	p.Type = body[0]
	body = body[1:]
	if p.Type == BinaryEvent || p.Type == BinaryAck {
		return Packet{}, ErrBinaryPayload
	}

	if len(body) > 0 && body[0] == '/' {
		end := bytes.IndexByte(body, ',')
		if end < 0 {
			p.Namespace = string(body)
			body = nil
		} else {
			p.Namespace = string(body[:end])
			body = body[end+1:]
		}
	}

	digits := 0
	for digits < len(body) && body[digits] >= '0' && body[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(body[:digits]))
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: ack id: %w", err)
		}
		p.AckID = id
		body = body[digits:]
	}

	switch p.Type {
	case Event, Ack:
		if len(body) == 0 {
			return Packet{}, fmt.Errorf("socketio: event packet without payload")
		}
		var args []json.RawMessage
		if err := json.Unmarshal(body, &args); err != nil {
			return Packet{}, fmt.Errorf("socketio: event payload: %w", err)
		}
		if p.Type == Event {
			if len(args) == 0 {
				return Packet{}, fmt.Errorf("socketio: event without name")
			}
			if err := json.Unmarshal(args[0], &p.Event); err != nil {
				return Packet{}, fmt.Errorf("socketio: event name: %w", err)
			}
			args = args[1:]
		}
		p.Args = args
		if len(args) > 0 {
			p.Data = args[0]
		}
	case Connect, ConnectError, Disconnect:
		if len(body) > 0 {
			p.Data = json.RawMessage(body)
		}
	default:
		return Packet{}, fmt.Errorf("socketio: unknown packet type %q", p.Type)
	}
	return p, nil
}

// EncodeEvent frames a named event with a single JSON argument.
func EncodeEvent(event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return append([]byte{EngineMessage, Event}, body...), nil
}

// EncodeConnect frames a namespace connect request, optionally with an auth body.
func EncodeConnect(auth any) ([]byte, error) {
	frame := []byte{EngineMessage, Connect}
	if auth == nil {
		return frame, nil
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	return append(frame, body...), nil
}

func EncodeConnectError(message string) []byte {
	body, _ := json.Marshal(map[string]string{"message": message})
	return append([]byte{EngineMessage, ConnectError}, body...)
}

func EncodeOpen(info OpenInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return append([]byte{EngineOpen}, body...), nil
}

// ErrorMessage extracts the message field of a connect_error body.
func ErrorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		return string(data)
	}
	return body.Message
}
