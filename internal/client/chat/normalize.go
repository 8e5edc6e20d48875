package chat

import (
	"slices"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/wire"
)

const opNormalize = "normalize"

// Normalize maps a wire message into the viewer's canonical shape. It fails
// only on structurally malformed input and never invents identity fields.
func Normalize(w wire.Message, viewerID string) (Message, error) {
	if w.ID == "" {
		return Message{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "message without id")
	}
	if w.CreatedAt.IsZero() {
		return Message{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "message %s without createdAt", w.ID)
	}
	if w.Sender.ID == "" {
		return Message{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "message %s without sender", w.ID)
	}

	kind := Kind(w.MessageType)
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return Message{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "message %s has unknown type %q", w.ID, w.MessageType)
	}

	own := w.Sender.ID == viewerID

	var key Key
	switch {
	case w.Room != "":
		key = Group(w.Room)
	case own:
		if w.Receiver == nil || w.Receiver.ID == "" {
			return Message{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "own message %s without receiver", w.ID)
		}
		key = Direct(w.Receiver.ID)
	default:
		key = Direct(w.Sender.ID)
	}

	m := Message{
		ID:            w.ID,
		Conversation:  key,
		SenderID:      w.Sender.ID,
		Content:       w.Content,
		Kind:          kind,
		AttachmentURL: w.FileURL,
		CreatedAt:     w.CreatedAt,
		IsOwn:         own,
		IsEdited:      w.IsEdited,
		IsRead:        readFor(w.ReadBy, viewerID, own, key),
	}
	if p := w.Sender.Profile; p != nil {
		m.SenderName = p.Name()
		m.SenderAvatar = p.ProfilePic
	}
	return m, nil
}

// readFor decides read state from the viewer's side: an own message is read
// once the peer (or, in a group, anyone else) has read it; a received message
// is read once the viewer has.
func readFor(readBy []string, viewerID string, own bool, key Key) bool {
	if !own {
		return slices.Contains(readBy, viewerID)
	}
	if !key.IsGroup {
		return slices.Contains(readBy, key.ID)
	}
	for _, id := range readBy {
		if id != viewerID {
			return true
		}
	}
	return false
}

// SummaryFromConversation maps a chat list row. Direct rows resolve the peer
// as whichever side of the last exchange is not the viewer.
func SummaryFromConversation(c wire.ChatConversation, viewerID string) (Summary, error) {
	var s Summary
	if c.Room != nil {
		s = SummaryFromRoom(*c.Room, "", time.Time{})
	} else {
		peer := c.Sender
		if peer == nil || peer.ID == viewerID {
			peer = c.Receiver
		}
		if peer == nil || peer.ID == "" || peer.ID == viewerID {
			return Summary{}, chaterr.Newf(chaterr.ValidationFailure, opNormalize, "chat %s without peer", c.ID)
		}
		s = Summary{
			Key:         Direct(peer.ID),
			DisplayName: peer.Name(),
			AvatarURL:   peer.ProfilePic,
			Online:      peer.IsOnline,
		}
	}

	if lm := c.LastMessage; lm != nil {
		s.LastMessagePreview = PreviewText(Kind(lm.MessageType), lm.Content)
		s.LastMessageAt = lm.CreatedAt
	}
	s.UnreadCount = max(c.UnreadCount, 0)
	return s, nil
}

// SummaryFromRoom builds a group row. The room's own last message wins over
// the fallback preview when present.
func SummaryFromRoom(r wire.Room, preview string, at time.Time) Summary {
	s := Summary{
		Key:                Group(r.ID),
		DisplayName:        r.Name,
		AvatarURL:          r.GroupImage,
		Description:        r.Description,
		LastMessagePreview: preview,
		LastMessageAt:      at,
		ParticipantIDs:     refIDs(r.Participants),
		AdminIDs:           refIDs(r.Admins),
	}
	if lm := r.LastMessage; lm != nil && !lm.CreatedAt.IsZero() {
		s.LastMessagePreview = PreviewText(Kind(lm.MessageType), lm.Content)
		s.LastMessageAt = lm.CreatedAt
	}
	if s.LastMessageAt.IsZero() {
		s.LastMessageAt = r.UpdatedAt
	}
	return s
}

func refIDs(refs []wire.UserRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
