package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/server/auth"
	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/cloudzz-dev/chatsync/internal/server/ratelimit"
	"github.com/cloudzz-dev/chatsync/internal/server/storage"
	"github.com/cloudzz-dev/chatsync/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ctxUserID = "user_id"

// Store is the persistence the REST surface needs.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	UserByLogin(ctx context.Context, login string) (models.User, error)
	UserByID(ctx context.Context, id string) (models.User, error)
	Users(ctx context.Context) ([]models.User, error)
	SaveMessage(ctx context.Context, m models.Message) (models.Message, error)
	MessageByID(ctx context.Context, id string) (models.Message, error)
	Messages(ctx context.Context, viewer, peerID, roomID string, page, limit int) ([]models.Message, int, error)
	MarkRead(ctx context.Context, id, reader string) (models.Message, error)
	EditMessage(ctx context.Context, id, sender, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id, sender string) (models.Message, error)
	ChatList(ctx context.Context, viewer string) ([]models.ChatRow, error)
	CreateRoom(ctx context.Context, r models.Room) (models.Room, error)
	RoomByID(ctx context.Context, id string) (models.Room, error)
	LeaveRoom(ctx context.Context, roomID, userID string) (models.Room, error)
}

// Hub is the socket side: who is online, and how to reach them.
type Hub interface {
	Online(userID string) bool
	EmitTo(userIDs []string, event string, payload any)
	Serve(conn *websocket.Conn, ip, headerToken string)
}

type Options struct {
	UploadDir string
	Logger    *slog.Logger
	Gatherer  prometheus.Gatherer
}

type Handler struct {
	store   Store
	hub     Hub
	tokens  *auth.Tokens
	limiter *ratelimit.RateLimiter
	opts    Options
	logger  *slog.Logger
}

func New(store Store, hub Hub, tokens *auth.Tokens, limiter *ratelimit.RateLimiter, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	return &Handler{
		store:   store,
		hub:     hub,
		tokens:  tokens,
		limiter: limiter,
		opts:    opts,
		logger:  opts.Logger.With("component", "http"),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	if h.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/socket.io/", h.socket)
	r.Static("/uploads", h.opts.UploadDir)

	api := r.Group("/api")

	users := api.Group("/users")
	users.POST("/register", h.limiter.AuthGuard(), h.register)
	users.POST("/login", h.limiter.AuthGuard(), h.login)
	users.POST("/refresh-token", h.limiter.AuthGuard(), h.refresh)

	authed := api.Group("", h.requireAuth())
	authed.POST("/users/logout", h.logout)
	authed.GET("/users/getCurrentUser", h.currentUser)
	authed.GET("/users/getAlluser", h.allUsers)

	authed.GET("/messages/get-messages", h.getMessages)
	authed.POST("/messages/send-message", h.sendMessage)
	authed.GET("/messages/get-chat-list", h.chatList)
	authed.PATCH("/messages/mark-as-read/:id", h.markAsRead)
	authed.PUT("/messages/edit-message/:id", h.editMessage)
	authed.DELETE("/messages/delete-message/:id", h.deleteMessage)

	authed.POST("/chat-rooms/create-group", h.createGroup)
	authed.POST("/chat-rooms/:id/leave", h.leaveGroup)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		respond(c, http.StatusServiceUnavailable, nil, "database unavailable")
		return
	}
	respond(c, http.StatusOK, gin.H{"status": "ok"}, "OK")
}

// socket upgrades /socket.io/ and hands the connection to the hub. The
// per-IP slot is held until the socket closes.
func (h *Handler) socket(c *gin.Context) {
	ip := ratelimit.ClientIP(c.Request)
	if !h.limiter.Acquire(ip) {
		h.logger.Warn("socket rate limited", slog.String("ip", ip))
		c.String(http.StatusTooManyRequests, "Too many connections from your IP")
		return
	}
	defer h.limiter.Release(ip)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	h.hub.Serve(conn, ip, bearer(c.GetHeader("Authorization")))
}

func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := h.tokens.Access(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func viewer(c *gin.Context) string { return c.GetString(ctxUserID) }

func respond(c *gin.Context, code int, data any, message string) {
	c.JSON(code, wire.Response[any]{
		StatusCode: code,
		Data:       data,
		Message:    message,
		Success:    code < http.StatusBadRequest,
	})
}

func abort(c *gin.Context, code int, message string) {
	respond(c, code, nil, message)
	c.Abort()
}

// fail maps storage errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, storage.ErrForbidden):
		code = http.StatusForbidden
	}
	if code == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
		respond(c, code, nil, "internal error")
		return
	}
	respond(c, code, nil, err.Error())
}

func intQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
