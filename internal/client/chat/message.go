// Package chat holds the canonical in-memory shapes the client renders from,
// and the pure mappings from the backend's wire shapes into them.
package chat

import (
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// Key identifies a conversation. Peer ids and room ids live in separate
// namespaces, so the group flag is part of the key.
type Key struct {
	ID      string
	IsGroup bool
}

func Direct(peerID string) Key { return Key{ID: peerID} }

func Group(roomID string) Key { return Key{ID: roomID, IsGroup: true} }

func (k Key) IsZero() bool { return k.ID == "" }

func (k Key) String() string {
	if k.IsGroup {
		return "room:" + k.ID
	}
	return "dm:" + k.ID
}

type Message struct {
	ID            string
	Conversation  Key
	SenderID      string
	SenderName    string
	SenderAvatar  string
	Content       string
	Kind          Kind
	AttachmentURL string
	CreatedAt     time.Time
	// SentAt is the local send time of an optimistic entry.
	SentAt       time.Time
	IsOwn        bool
	IsRead       bool
	IsOptimistic bool
	IsEdited     bool
}

func (m Message) Preview() string { return PreviewText(m.Kind, m.Content) }

// PreviewText is what the directory shows as a conversation's last message.
func PreviewText(kind Kind, content string) string {
	if kind == "" || kind == KindText {
		return content
	}
	return strings.ToUpper(string(kind))
}

// Summary is one row of the conversation directory.
type Summary struct {
	Key                Key
	DisplayName        string
	AvatarURL          string
	Description        string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
	Online             bool
	ParticipantIDs     []string
	AdminIDs           []string
}

func (s Summary) Clone() Summary {
	s.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	s.AdminIDs = append([]string(nil), s.AdminIDs...)
	return s
}
