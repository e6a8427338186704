package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StandardResponse is the unified response envelope
type StandardResponse struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// ReplySuccessWithData sends a 200 OK with message and data payload (msg at top-level)
func ReplySuccessWithData(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{Code: 0, Msg: msg, Data: data})
}

// ReplyOK sends a bare 200 with no body. Command endpoints answer this way.
func ReplyOK(c *gin.Context) {
	c.Status(http.StatusOK)
}

// ReplyBadRequest sends a plain-text 400.
func ReplyBadRequest(c *gin.Context) {
	c.String(http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
}

// ReplyUnauthorized aborts with an empty 401.
func ReplyUnauthorized(c *gin.Context) {
	c.AbortWithStatus(http.StatusUnauthorized)
}

// ReplyTooLarge sends a plain-text 413.
func ReplyTooLarge(c *gin.Context) {
	c.String(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
}
