package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxUpload = 8 << 20

func (h *Handler) getMessages(c *gin.Context) {
	peer, room := c.Query("receiver"), c.Query("room")
	if (peer == "") == (room == "") {
		respond(c, http.StatusBadRequest, nil, "exactly one of receiver or room is required")
		return
	}
	me := viewer(c)
	if room != "" {
		if _, ok := h.member(c, room, me); !ok {
			return
		}
	}

	page, limit := intQuery(c, "page", 1), min(intQuery(c, "limit", 20), 100)
	msgs, total, err := h.store.Messages(c.Request.Context(), me, peer, room, page, limit)
	if err != nil {
		h.fail(c, "get messages", err)
		return
	}
	out := wire.MessagesPage{
		Messages: make([]wire.Message, len(msgs)),
		Pagination: wire.Pagination{
			TotalMessages: total,
			TotalPages:    (total + limit - 1) / limit,
			CurrentPage:   page,
			Limit:         limit,
		},
	}
	for i, m := range msgs {
		out.Messages[i] = m.Wire()
	}
	respond(c, http.StatusOK, out, "OK")
}

// member loads the room and checks userID belongs to it, writing the error
// response when it does not.
func (h *Handler) member(c *gin.Context, roomID, userID string) (models.Room, bool) {
	r, err := h.store.RoomByID(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, "load room", err)
		return r, false
	}
	if !r.Has(userID) {
		respond(c, http.StatusForbidden, nil, "not a participant")
		return r, false
	}
	return r, true
}

// sendMessage accepts JSON or a multipart form with a "file" part.
func (h *Handler) sendMessage(c *gin.Context) {
	var req wire.SendMessageRequest
	var fileURL string

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
		req.Receiver = c.PostForm("receiver")
		req.Room = c.PostForm("room")
		req.Content = c.PostForm("content")
		req.MessageType = c.PostForm("messageType")
		fh, err := c.FormFile("file")
		if err != nil {
			respond(c, http.StatusBadRequest, nil, "file part is required")
			return
		}
		fileURL, err = h.saveUpload(fh)
		if err != nil {
			h.fail(c, "save upload", err)
			return
		}
		if req.MessageType == "" || req.MessageType == "text" {
			req.MessageType = "file"
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, "invalid body")
		return
	}

	if (req.Receiver == "") == (req.Room == "") {
		respond(c, http.StatusBadRequest, nil, "exactly one of receiver or room is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" && fileURL == "" {
		respond(c, http.StatusBadRequest, nil, "content is required")
		return
	}

	me := viewer(c)
	var room *models.Room
	if req.Room != "" {
		r, ok := h.member(c, req.Room, me)
		if !ok {
			return
		}
		room = &r
	} else if _, err := h.store.UserByID(c.Request.Context(), req.Receiver); err != nil {
		h.fail(c, "load receiver", err)
		return
	}

	m, err := h.store.SaveMessage(c.Request.Context(), models.Message{
		SenderID:    me,
		ReceiverID:  req.Receiver,
		RoomID:      req.Room,
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     fileURL,
	})
	if err != nil {
		h.fail(c, "send message", err)
		return
	}

	w := m.Wire()
	// The sender's other devices hear about it too.
	h.hub.EmitTo(append(m.Counterparts(room), me), wire.EventReceiveMessage, w)
	respond(c, http.StatusCreated, w, "Message sent")
}

func (h *Handler) saveUpload(fh *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(h.opts.UploadDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(fh.Filename))
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(h.opts.UploadDir, name))
	if err != nil {
		return "", err
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	return "/uploads/" + name, dst.Close()
}

func (h *Handler) chatList(c *gin.Context) {
	ctx := c.Request.Context()
	me, err := h.store.UserByID(ctx, viewer(c))
	if err != nil {
		h.fail(c, "chat list", err)
		return
	}
	rows, err := h.store.ChatList(ctx, me.ID)
	if err != nil {
		h.fail(c, "chat list", err)
		return
	}
	out := make([]wire.ChatConversation, len(rows))
	for i, r := range rows {
		out[i] = r.Wire(me, h.hub.Online)
	}
	respond(c, http.StatusOK, out, "OK")
}

// markAsRead records the receipt and tells the sender plus the reader's own
// devices.
func (h *Handler) markAsRead(c *gin.Context) {
	me := viewer(c)
	m, err := h.store.MarkRead(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		h.fail(c, "mark as read", err)
		return
	}
	if m.SenderID != me {
		h.hub.EmitTo([]string{m.SenderID, me}, wire.EventMessageRead, wire.MessageReadEvent{MessageID: m.ID, Reader: me})
	}
	respond(c, http.StatusOK, m.Wire(), "Marked as read")
}

func (h *Handler) editMessage(c *gin.Context) {
	var req wire.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		respond(c, http.StatusBadRequest, nil, "content is required")
		return
	}
	me := viewer(c)
	m, err := h.store.EditMessage(c.Request.Context(), c.Param("id"), me, req.Content)
	if err != nil {
		h.fail(c, "edit message", err)
		return
	}
	w := m.Wire()
	h.hub.EmitTo(append(h.audience(c, m), me), wire.EventMessageEdited, w)
	respond(c, http.StatusOK, w, "Message edited")
}

func (h *Handler) deleteMessage(c *gin.Context) {
	me := viewer(c)
	m, err := h.store.DeleteMessage(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		h.fail(c, "delete message", err)
		return
	}
	h.hub.EmitTo(append(h.audience(c, m), me), wire.EventMessageDeleted, wire.MessageDeletedEvent{MessageID: m.ID})
	respond(c, http.StatusOK, nil, "Message deleted")
}

func (h *Handler) audience(c *gin.Context, m models.Message) []string {
	if m.RoomID == "" {
		return m.Counterparts(nil)
	}
	r, err := h.store.RoomByID(c.Request.Context(), m.RoomID)
	if err != nil {
		return nil
	}
	return m.Counterparts(&r)
}
