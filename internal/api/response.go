// internal/api/response.go
package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
)

// errorResponse is the stable error envelope every endpoint returns on
// failure. The shape is a wire contract with the gateway agent.
type errorResponse struct {
	OK        bool           `json:"ok"`
	Error     core.ErrorCode `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// respondError writes the error envelope with the status its code maps to,
// plus correlation headers for operator support.
func respondError(c *gin.Context, err error) {
	apiErr := core.AsAPIError(err)

	details := apiErr.Details
	if hint := apiErr.Hint(); hint != "" {
		if details == nil {
			details = make(map[string]any)
		}
		if _, exists := details["hint"]; !exists {
			details["hint"] = hint
		}
	}

	supportID := uuid.New().String()
	c.Header("X-Error-Code", string(apiErr.Code))
	c.Header("X-Support-ID", supportID)

	if apiErr.Code == core.ErrRateLimitExceeded {
		if secs, ok := apiErr.Details["retry_after_seconds"].(int); ok {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}

	c.AbortWithStatusJSON(apiErr.HTTPStatus(), errorResponse{
		OK:        false,
		Error:     apiErr.Code,
		Message:   apiErr.Message,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondOK writes a success envelope, merging extra fields into {ok:true}.
func respondOK(c *gin.Context, status int, fields gin.H) {
	body := gin.H{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(status, body)
}
