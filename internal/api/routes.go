package api

import (
	"github.com/gin-gonic/gin"
	"github.com/husam-hammami/hercules-sfms-sub001/config"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.Services, cfg *config.Config, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())
	router.Use(BodyLimit(cfg.Server.MaxBodyBytes))

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")

	// Session bootstrap endpoints: the activation code / token being
	// exchanged is the credential, so no auth middleware here.
	v1.POST("/gateway/activate", handlers.ActivateGateway)
	v1.POST("/gateway/refresh", handlers.RefreshToken)

	// Authenticated gateway endpoints
	gatewayAPI := v1.Group("/gateway/:uid")
	gatewayAPI.Use(GatewayAuth(services.Tokens, services.Gateways))
	{
		gatewayAPI.POST("/heartbeat", handlers.Heartbeat)
		gatewayAPI.POST("/data", handlers.IngestBatch)
		gatewayAPI.GET("/commands/next", handlers.PollCommands)
		gatewayAPI.POST("/commands/:cmd/result", handlers.ReportCommand)
	}

	// Operator endpoints
	admin := v1.Group("/admin")
	admin.Use(AdminAuth(cfg.Server.AdminToken))
	{
		admin.POST("/codes", handlers.CreateActivationCode)
		admin.GET("/codes", handlers.ListActivationCodes)
		admin.DELETE("/codes/:code", handlers.DeleteActivationCode)

		admin.GET("/gateways", handlers.ListGateways)
		admin.GET("/gateways/:uid", handlers.GetGateway)
		admin.POST("/gateways/:uid/revoke", handlers.RevokeGateway)
		admin.POST("/gateways/:uid/commands", handlers.EnqueueCommand)
		admin.GET("/gateways/:uid/commands", handlers.ListGatewayCommands)
	}
}
