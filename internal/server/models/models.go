// Package models holds the dev backend's database rows and their mapping to
// the wire types the client consumes.
package models

import (
	"slices"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/wire"
)

type User struct {
	ID           string
	Username     string
	Email        string
	DisplayName  string
	ProfilePic   string
	PasswordHash string
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// Wire renders the public profile. online comes from the socket hub.
func (u User) Wire(online bool) wire.User {
	return wire.User{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		ProfilePic:  u.ProfilePic,
		IsOnline:    online,
		LastSeen:    u.LastSeen,
	}
}

type Message struct {
	ID          string
	SenderID    string
	ReceiverID  string // empty for group messages
	RoomID      string // empty for direct messages
	Content     string
	MessageType string
	FileURL     string
	IsEdited    bool
	Deleted     bool
	ReadBy      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Sender is filled by queries that join the users table.
	Sender *User
}

// Counterparts returns who besides the sender should hear about m. For a
// group that is every other participant of room.
func (m Message) Counterparts(room *Room) []string {
	if m.RoomID == "" {
		return []string{m.ReceiverID}
	}
	if room == nil {
		return nil
	}
	out := make([]string, 0, len(room.Participants))
	for _, id := range room.Participants {
		if id != m.SenderID {
			out = append(out, id)
		}
	}
	return out
}

func (m Message) Wire() wire.Message {
	w := wire.Message{
		ID:          m.ID,
		Sender:      wire.RefID(m.SenderID),
		Room:        m.RoomID,
		Content:     m.Content,
		MessageType: m.MessageType,
		FileURL:     m.FileURL,
		IsEdited:    m.IsEdited,
		Deleted:     m.Deleted,
		ReadBy:      m.ReadBy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if w.ReadBy == nil {
		w.ReadBy = []string{}
	}
	if m.Sender != nil {
		w.Sender = wire.RefUser(m.Sender.Wire(false))
	}
	if m.ReceiverID != "" {
		r := wire.RefID(m.ReceiverID)
		w.Receiver = &r
	}
	return w
}

type Room struct {
	ID           string
	Name         string
	Description  string
	GroupImage   string
	CreatedBy    string
	Participants []string
	Admins       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r Room) Has(userID string) bool { return slices.Contains(r.Participants, userID) }

func (r Room) Wire() wire.Room {
	return wire.Room{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		GroupImage:   r.GroupImage,
		Participants: refs(r.Participants),
		Admins:       refs(r.Admins),
		CreatedBy:    wire.RefID(r.CreatedBy),
		IsGroupChat:  true,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func refs(ids []string) []wire.UserRef {
	out := make([]wire.UserRef, len(ids))
	for i, id := range ids {
		out[i] = wire.RefID(id)
	}
	return out
}

// ChatRow is one entry of a user's chat list: either a direct thread with
// Peer set, or a group with Room set.
type ChatRow struct {
	Last   *Message
	Peer   *User
	Room   *Room
	Unread int
}

// Wire renders the row from viewer's side. Direct rows put the peer in the
// sender slot and the viewer in the receiver slot.
func (c ChatRow) Wire(viewer User, online func(string) bool) wire.ChatConversation {
	out := wire.ChatConversation{UnreadCount: c.Unread}
	if c.Last != nil {
		m := c.Last.Wire()
		out.LastMessage = &m
	}
	if c.Room != nil {
		r := c.Room.Wire()
		out.ID = c.Room.ID
		out.Room = &r
		return out
	}
	if c.Peer != nil {
		p := c.Peer.Wire(online(c.Peer.ID))
		v := viewer.Wire(true)
		out.ID = c.Peer.ID
		out.Sender = &p
		out.Receiver = &v
	}
	return out
}
