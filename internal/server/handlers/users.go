package handlers

import (
	"net/http"
	"strings"

	"github.com/cloudzz-dev/chatsync/internal/server/auth"
	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gin-gonic/gin"
)

func (h *Handler) register(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, "invalid body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || !strings.Contains(req.Email, "@") || len(req.Password) < 6 {
		respond(c, http.StatusBadRequest, nil, "username, email and a 6+ character password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.fail(c, "hash password", err)
		return
	}
	u, err := h.store.CreateUser(c.Request.Context(), models.User{
		Username:     req.Username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
	})
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	respond(c, http.StatusCreated, u.Wire(false), "User registered")
}

func (h *Handler) login(c *gin.Context) {
	var req wire.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, nil, "invalid body")
		return
	}
	login := req.Username
	if login == "" {
		login = req.Email
	}
	u, err := h.store.UserByLogin(c.Request.Context(), login)
	if err != nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		respond(c, http.StatusUnauthorized, nil, "invalid credentials")
		return
	}
	h.issue(c, u, "Logged in")
}

func (h *Handler) refresh(c *gin.Context) {
	var req wire.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		respond(c, http.StatusUnauthorized, nil, "refresh token required")
		return
	}
	userID, err := h.tokens.Refresh(req.RefreshToken)
	if err != nil {
		respond(c, http.StatusUnauthorized, nil, err.Error())
		return
	}
	u, err := h.store.UserByID(c.Request.Context(), userID)
	if err != nil {
		respond(c, http.StatusUnauthorized, nil, "unknown user")
		return
	}
	h.issue(c, u, "Token refreshed")
}

func (h *Handler) issue(c *gin.Context, u models.User, message string) {
	pair, err := h.tokens.Issue(u.ID)
	if err != nil {
		h.fail(c, "issue tokens", err)
		return
	}
	respond(c, http.StatusOK, wire.LoginResponse{
		User:         u.Wire(h.hub.Online(u.ID)),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, message)
}

// logout is stateless: tokens expire on their own.
func (h *Handler) logout(c *gin.Context) {
	respond(c, http.StatusOK, nil, "Logged out")
}

func (h *Handler) currentUser(c *gin.Context) {
	u, err := h.store.UserByID(c.Request.Context(), viewer(c))
	if err != nil {
		h.fail(c, "current user", err)
		return
	}
	respond(c, http.StatusOK, u.Wire(h.hub.Online(u.ID)), "OK")
}

func (h *Handler) allUsers(c *gin.Context) {
	us, err := h.store.Users(c.Request.Context())
	if err != nil {
		h.fail(c, "list users", err)
		return
	}
	me := viewer(c)
	out := make([]wire.User, 0, len(us))
	for _, u := range us {
		if u.ID == me {
			continue
		}
		out = append(out, u.Wire(h.hub.Online(u.ID)))
	}
	respond(c, http.StatusOK, out, "OK")
}
