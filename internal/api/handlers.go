// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/sirupsen/logrus"
)

// APIHandlers holds the domain services the endpoints delegate to.
type APIHandlers struct {
	services *core.Services
	logger   *logrus.Logger
	version  string
}

// NewAPIHandlers creates the handler set.
func NewAPIHandlers(services *core.Services, logger *logrus.Logger, version string) *APIHandlers {
	return &APIHandlers{
		services: services,
		logger:   logger,
		version:  version,
	}
}

// bindJSON decodes the request body, translating the body-limit trip into the
// 413 error code. A malformed body surfaces as the caller's badBody code so
// each endpoint reports a failure from its own phase of the protocol.
func bindJSON(c *gin.Context, dest any, badBody core.ErrorCode) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.NewError(core.ErrRequestBodyTooLarge, "request body exceeds the size limit").
				WithDetail("limit_bytes", maxErr.Limit)
		}
		return core.NewErrorf(badBody, "invalid request body: %v", err)
	}
	return nil
}

// HealthCheck reports service liveness.
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- Gateway endpoints -------------------------------------------------------

type activateRequest struct {
	ActivationCode string `json:"activation_code"`
	MachineID      string `json:"machine_id"`
	Name           string `json:"name"`
}

// ActivateGateway consumes an activation code and returns the gateway's
// session credential.
func (h *APIHandlers) ActivateGateway(c *gin.Context) {
	var req activateRequest
	if err := bindJSON(c, &req, core.ErrCodeFormatInvalid); err != nil {
		respondError(c, err)
		return
	}
	if req.ActivationCode == "" {
		respondError(c, core.NewError(core.ErrCodeMissing, "activation code is required"))
		return
	}
	if req.MachineID == "" {
		respondError(c, core.NewError(core.ErrMachineIDMissing, "machine identifier is required"))
		return
	}

	result, err := h.services.Activation.Activate(c.Request.Context(), req.ActivationCode, req.MachineID, req.Name, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"gateway_uid":  result.Gateway.GatewayUID,
		"tenant_id":    result.Gateway.TenantID,
		"token":        result.Token,
		"token_expiry": result.TokenExpiry.UTC().Format(time.RFC3339),
	})
}

type refreshRequest struct {
	Token string `json:"token"`
}

// RefreshToken exchanges a near-expiry (or grace-period) token for a fresh
// one. No auth middleware here: the token being exchanged is the credential.
func (h *APIHandlers) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := bindJSON(c, &req, core.ErrTokenFormatInvalid); err != nil {
		respondError(c, err)
		return
	}

	token, expiry, claims, err := h.services.Tokens.Refresh(req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	// A revoked or deleted gateway cannot renew its session, no matter how
	// fresh the presented token is.
	gw, err := h.services.Gateways.Authorize(c.Request.Context(), claims.GatewayUID)
	if err != nil {
		if core.IsCode(err, core.ErrGatewayNotFound) {
			respondError(c, core.NewError(core.ErrTokenInvalid, "session token refers to an unknown gateway"))
			return
		}
		respondError(c, err)
		return
	}

	// Keep the stored expiry in step so operators see when a silent gateway's
	// credential lapses.
	if uerr := h.services.Gateways.RecordTokenExpiry(c.Request.Context(), gw, expiry); uerr != nil {
		h.logger.WithError(uerr).Warn("Failed to record refreshed token expiry")
	}

	respondOK(c, http.StatusOK, gin.H{
		"token":        token,
		"token_expiry": expiry.UTC().Format(time.RFC3339),
	})
}

type heartbeatRequest struct {
	Metrics core.GatewayMetrics `json:"metrics"`
}

// Heartbeat records a gateway's liveness signal and host metrics.
func (h *APIHandlers) Heartbeat(c *gin.Context) {
	gw, err := gatewayFromContext(c)
	if err != nil {
		respondError(c, core.NewError(core.ErrInternalServer, "authentication context missing"))
		return
	}

	var req heartbeatRequest
	if err := bindJSON(c, &req, core.ErrTagValueInvalid); err != nil {
		respondError(c, err)
		return
	}

	if err := h.services.Gateways.RecordHeartbeat(c.Request.Context(), gw.GatewayUID, req.Metrics); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

// IngestBatch validates a sample batch and forwards it downstream. The batch
// is accepted whole or rejected whole.
func (h *APIHandlers) IngestBatch(c *gin.Context) {
	gw, err := gatewayFromContext(c)
	if err != nil {
		respondError(c, core.NewError(core.ErrInternalServer, "authentication context missing"))
		return
	}

	var batch core.DataBatch
	if err := bindJSON(c, &batch, core.ErrBatchIDMissing); err != nil {
		respondError(c, err)
		return
	}

	accepted, err := h.services.Ingestion.Ingest(c.Request.Context(), gw, &batch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"accepted": accepted})
}

// PollCommands hands the gateway its most urgent pending command, marking it
// sent atomically. Returns command:null when the queue is empty.
func (h *APIHandlers) PollCommands(c *gin.Context) {
	gw, err := gatewayFromContext(c)
	if err != nil {
		respondError(c, core.NewError(core.ErrInternalServer, "authentication context missing"))
		return
	}

	cmd, err := h.services.Commands.DequeueNext(c.Request.Context(), gw)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"command": cmd})
}

type commandReportRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// ReportCommand records a gateway's progress on a command it was handed.
func (h *APIHandlers) ReportCommand(c *gin.Context) {
	gw, err := gatewayFromContext(c)
	if err != nil {
		respondError(c, core.NewError(core.ErrInternalServer, "authentication context missing"))
		return
	}

	var req commandReportRequest
	if err := bindJSON(c, &req, core.ErrCommandParametersMissing); err != nil {
		respondError(c, err)
		return
	}

	cmd, err := h.services.Commands.Report(c.Request.Context(), gw, c.Param("cmd"), req.Status, req.Result, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"command": cmd})
}

// --- Admin endpoints ---------------------------------------------------------

type createCodeRequest struct {
	TenantID uint `json:"tenant_id"`
	UserID   uint `json:"user_id"`
	Demo     bool `json:"demo"`
}

// CreateActivationCode mints a new pending code for a tenant.
func (h *APIHandlers) CreateActivationCode(c *gin.Context) {
	var req createCodeRequest
	if err := bindJSON(c, &req, core.ErrCodeFormatInvalid); err != nil {
		respondError(c, err)
		return
	}
	if req.TenantID == 0 {
		respondError(c, core.NewError(core.ErrCodeFormatInvalid, "tenant_id is required"))
		return
	}

	code, err := h.services.Activation.CreateCode(c.Request.Context(), req.TenantID, req.UserID, req.Demo)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"activation_code": code})
}

// ListActivationCodes returns a tenant's codes with derived statuses.
func (h *APIHandlers) ListActivationCodes(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		respondError(c, err)
		return
	}

	codes, err := h.services.Activation.ListCodes(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"activation_codes": codes, "count": len(codes)})
}

// DeleteActivationCode hard-deletes a code. Idempotent.
func (h *APIHandlers) DeleteActivationCode(c *gin.Context) {
	if err := h.services.Activation.Delete(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

// ListGateways returns a tenant's gateways with derived connection statuses.
func (h *APIHandlers) ListGateways(c *gin.Context) {
	tenantID, err := tenantIDParam(c)
	if err != nil {
		respondError(c, err)
		return
	}

	gateways, err := h.services.Gateways.List(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"gateways": gateways, "count": len(gateways)})
}

// GetGateway returns one gateway with its derived connection status.
func (h *APIHandlers) GetGateway(c *gin.Context) {
	gw, err := h.services.Gateways.Get(c.Request.Context(), c.Param("uid"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"gateway": gw})
}

// RevokeGateway administratively revokes the code backing a gateway, which
// blocks re-activation and cuts off the current session, including refreshes.
// Idempotent.
func (h *APIHandlers) RevokeGateway(c *gin.Context) {
	if err := h.services.Activation.Revoke(c.Request.Context(), c.Param("uid")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

type enqueueCommandRequest struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
	Priority *int           `json:"priority"`
}

// EnqueueCommand queues a command for a gateway.
func (h *APIHandlers) EnqueueCommand(c *gin.Context) {
	var req enqueueCommandRequest
	if err := bindJSON(c, &req, core.ErrCommandParametersMissing); err != nil {
		respondError(c, err)
		return
	}

	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}

	cmd, err := h.services.Commands.Enqueue(c.Request.Context(), c.Param("uid"), req.Type, req.Params, priority)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"command": cmd})
}

// ListGatewayCommands returns a gateway's recent commands.
func (h *APIHandlers) ListGatewayCommands(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cmds, err := h.services.Commands.List(c.Request.Context(), c.Param("uid"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"commands": cmds, "count": len(cmds)})
}

func tenantIDParam(c *gin.Context) (uint, error) {
	raw := c.Query("tenant_id")
	if raw == "" {
		return 0, core.NewError(core.ErrCodeFormatInvalid, "tenant_id query parameter is required")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, core.NewErrorf(core.ErrCodeFormatInvalid, "tenant_id %q is not a number", raw)
	}
	return uint(id), nil
}
