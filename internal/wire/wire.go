package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Response is the envelope every REST endpoint wraps its payload in.
type Response[T any] struct {
	StatusCode int    `json:"statusCode"`
	Data       T      `json:"data"`
	Message    string `json:"message"`
	Success    bool   `json:"success"`
}

type User struct {
	ID          string     `json:"_id"`
	Username    string     `json:"username,omitempty"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	ProfilePic  string     `json:"profilePic,omitempty"`
	IsOnline    bool       `json:"isOnline,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Name returns the best human-readable label for the user.
func (u User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	}
	return u.ID
}

// UserRef is a user reference that arrives either as a bare id string or as an
// embedded profile object.
type UserRef struct {
	ID      string
	Profile *User
}

func RefID(id string) UserRef { return UserRef{ID: id} }

func RefUser(u User) UserRef { return UserRef{ID: u.ID, Profile: &u} }

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = UserRef{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = UserRef{ID: id}
		return nil
	}
	if data[0] != '{' {
		return errors.New("user reference must be a string or an object")
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*r = UserRef{ID: u.ID, Profile: &u}
	return nil
}

func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		return json.Marshal(r.Profile)
	}
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

func (r UserRef) IsZero() bool { return r.ID == "" && r.Profile == nil }

// Message is a chat message as the backend serializes it.
type Message struct {
	ID          string    `json:"_id"`
	Sender      UserRef   `json:"sender"`
	Receiver    *UserRef  `json:"receiver,omitempty"`
	Room        string    `json:"room,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	IsEdited    bool      `json:"isEdited,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	ReadBy      []string  `json:"readBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Room struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	GroupImage   string    `json:"groupImage,omitempty"`
	Participants []UserRef `json:"participants"`
	Admins       []UserRef `json:"admins"`
	CreatedBy    UserRef   `json:"createdBy"`
	IsGroupChat  bool      `json:"isGroupChat"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatConversation is one row of the chat list endpoint.
type ChatConversation struct {
	ID          string   `json:"_id"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Sender      *User    `json:"sender,omitempty"`
	Receiver    *User    `json:"receiver,omitempty"`
	Room        *Room    `json:"room,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

type Pagination struct {
	TotalMessages int `json:"totalMessages"`
	TotalPages    int `json:"totalPages"`
	CurrentPage   int `json:"currentPage"`
	Limit         int `json:"limit"`
}

type MessagesPage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// --- REST request bodies ---

type SendMessageRequest struct {
	Receiver    string `json:"receiver,omitempty"`
	Room        string `json:"room,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password"`
}

type LoginResponse struct {
	User         User   `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type CreateGroupRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
}
