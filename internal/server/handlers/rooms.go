package handlers

import (
	"net/http"
	"strings"

	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gin-gonic/gin"
)

func (h *Handler) createGroup(c *gin.Context) {
	var req wire.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, "invalid body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Participants) == 0 {
		respond(c, http.StatusBadRequest, nil, "name and participants are required")
		return
	}

	me := viewer(c)
	r, err := h.store.CreateRoom(c.Request.Context(), models.Room{
		Name:         req.Name,
		Description:  req.Description,
		CreatedBy:    me,
		Participants: req.Participants,
	})
	if err != nil {
		h.fail(c, "create group", err)
		return
	}

	w := r.Wire()
	h.hub.EmitTo([]string{me}, wire.EventGroupChatCreated, w)
	var added []string
	for _, id := range r.Participants {
		if id != me {
			added = append(added, id)
		}
	}
	h.hub.EmitTo(added, wire.EventAddedToGroup, w)
	respond(c, http.StatusCreated, w, "Group created")
}

// leaveGroup tells the remaining members and the leaver's own devices.
func (h *Handler) leaveGroup(c *gin.Context) {
	me := viewer(c)
	r, err := h.store.LeaveRoom(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		h.fail(c, "leave group", err)
		return
	}
	ev := wire.ParticipantLeftEvent{RoomID: r.ID, LeftUserID: me}
	h.hub.EmitTo(append(r.Participants, me), wire.EventParticipantLeft, ev)
	h.hub.EmitTo(r.Participants, wire.EventGroupUpdated, r.Wire())
	respond(c, http.StatusOK, nil, "Left group")
}
