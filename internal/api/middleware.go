// internal/api/middleware.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/sirupsen/logrus"
)

const gatewayContextKey = "gateway"

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request details
		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithFields(logrus.Fields{
			"status":     statusCode,
			"latency_ms": latency.Milliseconds(),
			"client_ip":  clientIP,
			"method":     method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP Request")
	}
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				respondError(c, core.NewError(core.ErrInternalServer, "internal server error"))
			}
		}()
		c.Next()
	}
}

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// BodyLimit caps request body size. Oversized payloads surface as
// RequestBodyTooLarge instead of an opaque bind failure.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// bearerToken extracts the bearer token from the Authorization header,
// distinguishing a missing header from a malformed one.
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", core.NewError(core.ErrTokenMissing, "authorization header is required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", core.NewError(core.ErrTokenFormatInvalid, "authorization header must be 'Bearer <token>'")
	}
	return parts[1], nil
}

// GatewayAuth validates the session token and loads the gateway it was issued
// for into the request context. When the route names a gateway uid, it must
// match the token's. Gateways whose activation was revoked are rejected even
// while their token is still valid.
func GatewayAuth(tokens *core.TokenService, gateways *core.GatewayService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			respondError(c, err)
			return
		}

		claims, err := tokens.VerifyForGateway(token, c.Param("uid"))
		if err != nil {
			respondError(c, err)
			return
		}

		gw, err := gateways.Authorize(c.Request.Context(), claims.GatewayUID)
		if err != nil {
			if core.IsCode(err, core.ErrGatewayNotFound) {
				// Valid signature but the gateway row is gone (deleted);
				// force re-activation.
				respondError(c, core.NewError(core.ErrTokenInvalid, "session token refers to an unknown gateway"))
				return
			}
			respondError(c, err)
			return
		}

		c.Set(gatewayContextKey, gw)
		c.Next()
	}
}

// gatewayFromContext returns the authenticated gateway set by GatewayAuth.
func gatewayFromContext(c *gin.Context) (*core.Gateway, error) {
	val, exists := c.Get(gatewayContextKey)
	if !exists {
		return nil, errors.New("no authenticated gateway in context")
	}
	gw, ok := val.(*core.Gateway)
	if !ok {
		return nil, errors.New("invalid gateway type in context")
	}
	return gw, nil
}

// AdminAuth guards the tenant/operator endpoints with the configured static
// bearer token.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if adminToken == "" || token != adminToken {
			respondError(c, core.NewError(core.ErrTokenInvalid, "invalid admin token"))
			return
		}
		c.Next()
	}
}
