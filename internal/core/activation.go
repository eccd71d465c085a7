// internal/core/activation.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ActivationResult is the successful outcome of an activation: a live gateway
// session plus its credential.
type ActivationResult struct {
	Gateway     *Gateway  `json:"gateway"`
	Token       string    `json:"token"`
	TokenExpiry time.Time `json:"token_expiry"`
}

// ActivationService owns the activation-code registry and the machine
// binding rule. Binding, not encryption, is the security control here: a
// leaked code is a no-op for anyone without the original machine.
type ActivationService struct {
	repo         Repository
	limiter      RateLimiter
	tokens       *TokenService
	logger       *logrus.Logger
	codeValidity time.Duration
	now          func() time.Time
}

// NewActivationService wires the activation flow together. codeValidity is
// the window from creation to expiry (15 days in production).
func NewActivationService(repo Repository, limiter RateLimiter, tokens *TokenService, logger *logrus.Logger, codeValidity time.Duration) *ActivationService {
	return &ActivationService{
		repo:         repo,
		limiter:      limiter,
		tokens:       tokens,
		logger:       logger,
		codeValidity: codeValidity,
		now:          time.Now,
	}
}

// CreateCode generates a new pending activation code for a tenant.
func (s *ActivationService) CreateCode(ctx context.Context, tenantID, userID uint, demo bool) (*ActivationCode, error) {
	raw, err := GenerateCode(demo)
	if err != nil {
		return nil, fmt.Errorf("failed to generate activation code: %w", err)
	}

	now := s.now()
	code := &ActivationCode{
		Code:      raw,
		TenantID:  tenantID,
		UserID:    userID,
		Demo:      demo,
		Status:    CodeStatusPending,
		ExpiresAt: now.Add(s.codeValidity),
	}
	if err := s.repo.CreateActivationCode(ctx, code); err != nil {
		return nil, StorageError(err)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"demo":      demo,
		"expires":   code.ExpiresAt,
	}).Info("Activation code created")
	return code, nil
}

// Lookup fetches an activation code by its string form.
func (s *ActivationService) Lookup(ctx context.Context, code string) (*ActivationCode, error) {
	record, err := s.repo.GetActivationCodeByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrCodeNotFound, "activation code not found")
		}
		return nil, StorageError(err)
	}
	return record, nil
}

// Activate consumes a pending code and binds it to the presenting machine.
// rateKey identifies the caller for throttling (tenant id or source address).
// The pending -> active transition is a compare-and-swap: under concurrent
// attempts with the same code exactly one caller wins; everyone else is
// classified from the post-state.
func (s *ActivationService) Activate(ctx context.Context, code, machineID, name, rateKey string) (*ActivationResult, error) {
	decision, err := s.limiter.Check(ctx, rateKey)
	if err != nil {
		// Redis being down must not lock every gateway out; log and continue.
		s.logger.WithError(err).Warn("Rate limiter unavailable, allowing activation attempt")
	} else if !decision.Allowed {
		return nil, NewError(ErrRateLimitExceeded, "too many activation attempts").
			WithDetail("retry_after_seconds", int(decision.RetryAfter.Seconds()+0.5))
	}

	if err := ValidateCodeFormat(code); err != nil {
		return nil, err
	}
	if err := ValidateMachineID(machineID); err != nil {
		return nil, err
	}

	record, err := s.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.checkActivatable(record, machineID, now); err != nil {
		return nil, err
	}

	gateway := &Gateway{
		GatewayUID:       "gw-" + uuid.New().String(),
		TenantID:         record.TenantID,
		ActivationCodeID: record.ID,
		MachineID:        machineID,
		Name:             name,
	}
	if err := s.repo.CreateGateway(ctx, gateway); err != nil {
		return nil, StorageError(err)
	}

	won, err := s.repo.ActivateCode(ctx, record.ID, machineID, gateway.ID, now)
	if err != nil {
		return nil, StorageError(err)
	}
	if !won {
		// Lost the swap: drop the provisional gateway, then re-read and
		// classify from the state that beat us.
		if delErr := s.repo.DeleteGateway(ctx, gateway.ID); delErr != nil {
			s.logger.WithError(delErr).Warn("Failed to clean up provisional gateway")
		}
		fresh, lookupErr := s.Lookup(ctx, code)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return nil, s.classifyLoss(fresh, machineID, now)
	}

	token, expiry, err := s.tokens.Issue(gateway.GatewayUID, gateway.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	if err := s.repo.UpdateGatewayTokenExpiry(ctx, gateway.ID, expiry); err != nil {
		s.logger.WithError(err).Warn("Failed to record token expiry")
	}
	gateway.TokenExpiresAt = &expiry

	s.logger.WithFields(logrus.Fields{
		"gateway_uid": gateway.GatewayUID,
		"tenant_id":   gateway.TenantID,
		"machine":     FingerprintPrefix(machineID),
	}).Info("Gateway activated")

	return &ActivationResult{Gateway: gateway, Token: token, TokenExpiry: expiry}, nil
}

// checkActivatable rejects codes that cannot be consumed by this machine
// before the swap is attempted.
func (s *ActivationService) checkActivatable(record *ActivationCode, machineID string, now time.Time) error {
	switch record.EffectiveStatus(now) {
	case CodeStatusRevoked:
		return NewError(ErrCodeRevoked, "activation code has been revoked")
	case CodeStatusExpired:
		return NewError(ErrCodeExpired, "activation code has expired").
			WithDetail("expired_at", record.ExpiresAt.UTC().Format(time.RFC3339))
	case CodeStatusActive:
		if record.MachineID != nil && *record.MachineID != machineID {
			return NewError(ErrMachineIDMismatch, "activation code is bound to a different machine").
				WithDetail("bound_fingerprint", FingerprintPrefix(*record.MachineID)).
				WithDetail("presented_fingerprint", FingerprintPrefix(machineID))
		}
		used := NewError(ErrCodeAlreadyUsed, "activation code has already been used")
		if record.ActivatedAt != nil {
			used.WithDetail("activated_at", record.ActivatedAt.UTC().Format(time.RFC3339))
		}
		if record.MachineID != nil {
			used.WithDetail("bound_fingerprint", FingerprintPrefix(*record.MachineID))
		}
		return used
	}
	// Pending and unbound, or pending and bound to the same fingerprint: the
	// swap decides.
	if record.MachineID != nil && *record.MachineID != machineID {
		return NewError(ErrMachineIDMismatch, "activation code is bound to a different machine").
			WithDetail("bound_fingerprint", FingerprintPrefix(*record.MachineID)).
			WithDetail("presented_fingerprint", FingerprintPrefix(machineID))
	}
	return nil
}

// classifyLoss explains a lost compare-and-swap from the winning state.
func (s *ActivationService) classifyLoss(fresh *ActivationCode, machineID string, now time.Time) error {
	if err := s.checkActivatable(fresh, machineID, now); err != nil {
		return err
	}
	// Should not happen: the swap failed but the code still reads activatable.
	return NewError(ErrInternalServer, "activation could not be completed")
}

// Revoke administratively revokes the code backing a gateway. Idempotent.
func (s *ActivationService) Revoke(ctx context.Context, gatewayUID string) error {
	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewError(ErrGatewayNotFound, "gateway not found")
		}
		return StorageError(err)
	}
	if err := s.repo.RevokeCodeByGateway(ctx, gw.ID); err != nil {
		return StorageError(err)
	}
	s.logger.WithField("gateway_uid", gatewayUID).Info("Gateway activation revoked")
	return nil
}

// Delete hard-deletes an activation code. Idempotent.
func (s *ActivationService) Delete(ctx context.Context, code string) error {
	if err := s.repo.DeleteActivationCode(ctx, NormalizeCode(code)); err != nil {
		return StorageError(err)
	}
	return nil
}

// ListCodes returns a tenant's activation codes with read-time expiry folded
// into the status.
func (s *ActivationService) ListCodes(ctx context.Context, tenantID uint) ([]*ActivationCode, error) {
	codes, err := s.repo.ListActivationCodes(ctx, tenantID)
	if err != nil {
		return nil, StorageError(err)
	}
	now := s.now()
	for _, c := range codes {
		c.Status = c.EffectiveStatus(now)
	}
	return codes, nil
}
