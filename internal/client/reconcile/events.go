package reconcile

import (
	"encoding/json"
	"log/slog"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
	"github.com/cloudzz-dev/chatsync/internal/client/chaterr"
	"github.com/cloudzz-dev/chatsync/internal/client/timeline"
	"github.com/cloudzz-dev/chatsync/internal/client/transport"
	"github.com/cloudzz-dev/chatsync/internal/wire"
)

const (
	previewGroupCreated = "Group created"
	previewAddedToGroup = "You were added to the group"
)

func (c *Controller) subscribe() {
	var offs []func()
	on := func(event string, fn func(json.RawMessage) error) {
		offs = append(offs, c.tr.On(event, func(p json.RawMessage) {
			if err := fn(p); err != nil {
				c.logger.Warn("dropping event", slog.String("event", event), slog.Any("error", err))
				c.metrics.Dropped(event)
			}
		}))
	}

	on(wire.EventReceiveMessage, c.onMessage)
	on(wire.EventReceivePrivateMessage, c.onMessage)
	on(wire.EventMessageRead, c.onMessageRead)
	on(wire.EventMessageDeleted, c.onMessageDeleted)
	on(wire.EventMessageEdited, c.onMessageEdited)
	on(wire.EventUserOnline, func(p json.RawMessage) error { return c.onPresence(p, true) })
	on(wire.EventUserOffline, func(p json.RawMessage) error { return c.onPresence(p, false) })
	on(wire.EventUserTyping, c.onTyping)
	on(wire.EventConnectionConfirmed, c.onConfirmed)
	on(wire.EventGroupChatCreated, func(p json.RawMessage) error { return c.onGroupJoined(p, previewGroupCreated) })
	on(wire.EventAddedToGroup, func(p json.RawMessage) error { return c.onGroupJoined(p, previewAddedToGroup) })
	on(wire.EventGroupUpdated, c.onGroupUpdated)
	on(wire.EventParticipantAdded, c.onParticipantAdded)
	on(wire.EventParticipantRemoved, func(p json.RawMessage) error {
		ev, err := decode[wire.ParticipantRemovedEvent](p)
		if err != nil {
			return err
		}
		c.participantGone(ev.RoomID, ev.RemovedUserID)
		return nil
	})
	on(wire.EventParticipantLeft, func(p json.RawMessage) error {
		ev, err := decode[wire.ParticipantLeftEvent](p)
		if err != nil {
			return err
		}
		c.participantGone(ev.RoomID, ev.LeftUserID)
		return nil
	})
	offs = append(offs, c.tr.OnState(c.onState))

	c.mu.Lock()
	c.offs = append(c.offs, offs...)
	c.mu.Unlock()
}

func decode[T any](p json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(p, &v); err != nil {
		return v, chaterr.New(chaterr.ValidationFailure, "decode event", err)
	}
	return v, nil
}

func (c *Controller) onMessage(p json.RawMessage) error {
	w, err := decode[wire.Message](p)
	if err != nil {
		return err
	}
	m, err := chat.Normalize(w, c.opts.ViewerID)
	if err != nil {
		return err
	}
	c.ingest(m)
	return nil
}

// ingest routes one live message into the timeline and the directory.
func (c *Controller) ingest(m chat.Message) {
	if !c.seen.Add(m.ID) {
		c.metrics.Duplicate()
		return
	}

	c.mu.Lock()
	isActive := c.active == m.Conversation
	activeVisible := isActive && c.visible
	c.mu.Unlock()

	res := timeline.Dropped
	if isActive {
		res = c.tl.MergeLive(m)
		c.metrics.Merge(mergeLabel(res))
	}
	// A message the open timeline already holds was counted when it arrived.
	if !c.dir.UpsertFromMessage(m, activeVisible || res == timeline.Duplicate) {
		c.logger.Debug("message for unlisted group", slog.String("conversation", m.Conversation.String()))
	}
	if !m.IsOwn {
		c.tracker.Stop(m.Conversation, m.SenderID)
	}
	c.notify()

	if res == timeline.Appended && activeVisible && !m.IsOwn && !m.IsRead {
		go c.markLive(m)
	}
}

func (c *Controller) markLive(m chat.Message) {
	ctx := c.background()
	if err := c.tl.MarkRead(ctx, m.ID); err != nil {
		c.fail("mark read", err)
	} else {
		c.metrics.ReadAcks(1)
	}
	c.notify()
}

// onMessageRead handles both receipts for own messages and reads the viewer
// made on another device.
func (c *Controller) onMessageRead(p json.RawMessage) error {
	ev, err := decode[wire.MessageReadEvent](p)
	if err != nil {
		return err
	}
	m, ok := c.tl.Message(ev.MessageID)
	if !ok {
		return nil
	}
	switch {
	case ev.Reader == c.opts.ViewerID && !m.IsOwn:
		if _, flipped := c.tl.ApplyRead(m.ID); flipped {
			c.dir.DecrementUnread(m.Conversation, 1)
		}
	case ev.Reader != c.opts.ViewerID && m.IsOwn:
		c.tl.ApplyRead(m.ID)
	default:
		return nil
	}
	c.notify()
	return nil
}

func (c *Controller) onMessageDeleted(p json.RawMessage) error {
	ev, err := decode[wire.MessageDeletedEvent](p)
	if err != nil {
		return err
	}
	if c.tl.ApplyDelete(ev.MessageID) {
		c.notify()
	}
	return nil
}

func (c *Controller) onMessageEdited(p json.RawMessage) error {
	w, err := decode[wire.Message](p)
	if err != nil {
		return err
	}
	if w.ID == "" {
		return chaterr.Newf(chaterr.ValidationFailure, "message edited", "missing id")
	}
	if c.tl.ApplyEdit(w.ID, w.Content) {
		c.notify()
	}
	return nil
}

func (c *Controller) onPresence(p json.RawMessage, online bool) error {
	ev, err := decode[wire.PresenceEvent](p)
	if err != nil {
		return err
	}
	c.dir.ApplyPresence(ev.UserID, online)
	c.notify()
	return nil
}

func (c *Controller) onTyping(p json.RawMessage) error {
	ev, err := decode[wire.TypingEvent](p)
	if err != nil {
		return err
	}
	if ev.UserID == "" || ev.UserID == c.opts.ViewerID {
		return nil
	}
	key := chat.Direct(ev.UserID)
	if ev.RoomID != "" {
		key = chat.Group(ev.RoomID)
	}
	if ev.IsTyping {
		c.tracker.Start(key, ev.UserID)
	} else {
		c.tracker.Stop(key, ev.UserID)
	}
	return nil
}

func (c *Controller) onConfirmed(p json.RawMessage) error {
	ev, err := decode[wire.ConnectionConfirmedEvent](p)
	if err != nil {
		return err
	}
	c.logger.Info("session confirmed", slog.String("user", ev.UserID), slog.String("status", ev.Status))
	return nil
}

func (c *Controller) onGroupJoined(p json.RawMessage, preview string) error {
	r, err := decode[wire.Room](p)
	if err != nil {
		return err
	}
	if r.ID == "" {
		return chaterr.Newf(chaterr.ValidationFailure, "group event", "missing room id")
	}
	c.dir.UpsertGroup(chat.SummaryFromRoom(r, preview, c.opts.Now()))
	c.notify()
	return nil
}

func (c *Controller) onGroupUpdated(p json.RawMessage) error {
	r, err := decode[wire.Room](p)
	if err != nil {
		return err
	}
	if c.dir.UpdateGroup(chat.SummaryFromRoom(r, "", r.UpdatedAt)) {
		c.notify()
	}
	return nil
}

func (c *Controller) onParticipantAdded(p json.RawMessage) error {
	ev, err := decode[wire.ParticipantAddedEvent](p)
	if err != nil {
		return err
	}
	if c.dir.AddParticipant(ev.RoomID, ev.NewUser.ID) {
		c.notify()
	}
	return nil
}

// participantGone drops userID from the room; when that is the viewer the
// whole group goes, along with its timeline if open.
func (c *Controller) participantGone(roomID, userID string) {
	key := chat.Group(roomID)
	if userID != c.opts.ViewerID {
		c.dir.RemoveParticipant(roomID, userID)
		c.tracker.Stop(key, userID)
		c.notify()
		return
	}

	c.dir.RemoveByRoom(roomID)
	c.tracker.Clear(key)
	if c.Active() == key {
		c.Close()
		return
	}
	c.notify()
}

func (c *Controller) onState(sc transport.StateChange) {
	c.mu.Lock()
	c.conn = sc.State
	c.mu.Unlock()
	c.metrics.State(sc.State.String())

	switch sc.State {
	case transport.Connected:
		go func() {
			if err := c.Resync(c.background()); err != nil {
				c.logger.Warn("resync failed", slog.Any("error", err))
			}
		}()
	case transport.AuthFailed:
		if c.opts.OnAuthExpired != nil {
			c.opts.OnAuthExpired(sc.Err)
		}
	case transport.Reconnecting, transport.Disconnected:
		c.sender.Reset()
	}
	c.notify()
}

func mergeLabel(r timeline.MergeResult) string {
	switch r {
	case timeline.Appended:
		return "appended"
	case timeline.Duplicate:
		return "duplicate"
	case timeline.Matched:
		return "matched"
	}
	return "dropped"
}
