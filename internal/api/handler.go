package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"PushRelay/pkg/config"
	"PushRelay/pkg/middleware"
	"PushRelay/pkg/push"
	"PushRelay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the HTTP command surface on top of a push service.
type Handler struct {
	svc *push.Service
}

func NewHandler(svc *push.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the command endpoints under r, which is expected to
// be the /api group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	status := r.Group("/status")
	{
		status.GET("/ping", h.PingHandler)
		status.GET("/info", h.InfoHandler)
	}

	auth := r.Group("", middleware.TokenAuthMiddleware())
	{
		auth.PUT("/:userId/register", h.RegisterHandler)
		auth.POST("/:userId/push", h.PushHandler)
		auth.GET("/:userId/status", h.UserStatusHandler)
	}
}

// RegisterHandler reserves a connection slot that a socket can claim later.
func (h *Handler) RegisterHandler(c *gin.Context) {
	userID := c.Param("userId")
	connID := c.Query("connectionId")
	if userID == "" || connID == "" {
		response.ReplyBadRequest(c)
		return
	}
	h.svc.RegisterUser(userID, connID)
	response.ReplyOK(c)
}

// maxPushBody caps a push request body at 100kb.
const maxPushBody = 100 << 10

var errNoMessage = errors.New("message missing")

type pushRequest struct {
	Message json.RawMessage `json:"message"`
}

// PushHandler forwards the message to every live connection of the user. The
// caller is not told whether anyone was online.
func (h *Handler) PushHandler(c *gin.Context) {
	userID := c.Param("userId")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPushBody)
	message, err := readMessage(c)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		response.ReplyTooLarge(c)
		return
	case err != nil || userID == "":
		response.ReplyBadRequest(c)
		return
	}
	n := h.svc.Push(userID, message)
	zap.L().Debug("push handled", zap.String("user_id", userID), zap.Int("delivered", n))
	response.ReplyOK(c)
}

// readMessage extracts "message" from a JSON or form body. JSON values are
// kept raw so they reach the client unchanged. null, false, 0 and "" count as
// missing.
func readMessage(c *gin.Context) (interface{}, error) {
	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		var req pushRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(req.Message)
		if isFalsy(raw) {
			return nil, errNoMessage
		}
		return json.RawMessage(raw), nil
	}
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	msg := c.Request.PostForm.Get("message")
	if msg == "" {
		return nil, errNoMessage
	}
	return msg, nil
}

func isFalsy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", `""`:
		return true
	}
	if c := raw[0]; c == '-' || (c >= '0' && c <= '9') {
		f, err := strconv.ParseFloat(string(raw), 64)
		return err == nil && f == 0
	}
	return false
}

// UserStatusHandler reports how many slots the user holds.
func (h *Handler) UserStatusHandler(c *gin.Context) {
	response.ReplySuccessWithData(c, "success", h.svc.Status(c.Param("userId")))
}

func (h *Handler) PingHandler(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

type info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (h *Handler) InfoHandler(c *gin.Context) {
	cfg := config.Current()
	if cfg == nil {
		cfg = config.Default()
	}
	c.JSON(http.StatusOK, info{Name: cfg.Name, Version: cfg.Version})
}
