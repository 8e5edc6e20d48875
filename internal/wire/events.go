package wire

// Socket event names. These must match the backend byte for byte.
const (
	EventReceiveMessage        = "receive-message"
	EventReceivePrivateMessage = "receive-private-message"
	EventMessageRead           = "message-read"
	EventMessageDeleted        = "message-deleted"
	EventMessageEdited         = "message-edited"
	EventUserOnline            = "user-online"
	EventUserOffline           = "user-offline"
	EventUserTyping            = "user-typing"
	EventConnectionConfirmed   = "connection-confirmed"
	EventGroupChatCreated      = "group-chat-created"
	EventAddedToGroup          = "added-to-group"
	EventGroupUpdated          = "group-updated"
	EventParticipantAdded      = "participant-added"
	EventParticipantRemoved    = "participant-removed"
	EventParticipantLeft       = "participant-left"

	EventJoinConversation = "join-conversation"
	EventJoinGroup        = "join-group"
	EventTypingStart      = "typing-start"
	EventTypingStop       = "typing-stop"

	EventSendPrivateMessage = "send-private-message"
)

type MessageReadEvent struct {
	MessageID string `json:"messageId"`
	Reader    string `json:"reader"`
}

type MessageDeletedEvent struct {
	MessageID string `json:"messageId"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
}

type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId,omitempty"`
}

type ConnectionConfirmedEvent struct {
	UserID  string `json:"userId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ParticipantAddedEvent struct {
	RoomID  string `json:"roomId"`
	NewUser User   `json:"newUser"`
}

type ParticipantRemovedEvent struct {
	RoomID        string `json:"roomId"`
	RemovedUserID string `json:"removedUserId"`
}

type ParticipantLeftEvent struct {
	RoomID     string `json:"roomId"`
	LeftUserID string `json:"leftUserId"`
}

// --- outbound ---

type JoinConversation struct {
	TargetUserID string `json:"targetUserId"`
}

type JoinGroup struct {
	RoomID string `json:"roomId"`
}

// TypingSignal targets a peer for direct chats or a room for groups.
type TypingSignal struct {
	TargetUserID string `json:"targetUserId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
}

// SendPrivateMessage is the socket-only send path; the REST endpoint is
// preferred because it returns the stored message.
type SendPrivateMessage struct {
	TargetUserID string `json:"targetUserId"`
	Content      string `json:"content"`
	MessageType  string `json:"messageType,omitempty"`
}
