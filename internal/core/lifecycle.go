// internal/core/lifecycle.go
package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// GatewayStatus is a gateway with its derived connection status attached for
// presentation.
type GatewayStatus struct {
	*Gateway
	Connection string `json:"connection"`
}

// GatewayService records heartbeats and derives connection status. Staleness
// is a read-side classification: recording a heartbeat never rejects a stale
// gateway, and the status is always recomputed from the stored timestamp.
type GatewayService struct {
	repo      Repository
	logger    *logrus.Logger
	freshness time.Duration
	grace     time.Duration
	now       func() time.Time
}

// NewGatewayService creates the lifecycle service with the configured
// heartbeat freshness and grace windows.
func NewGatewayService(repo Repository, logger *logrus.Logger, freshness, grace time.Duration) *GatewayService {
	return &GatewayService{
		repo:      repo,
		logger:    logger,
		freshness: freshness,
		grace:     grace,
		now:       time.Now,
	}
}

// Get returns a gateway with its derived connection status.
func (s *GatewayService) Get(ctx context.Context, gatewayUID string) (*GatewayStatus, error) {
	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrGatewayNotFound, "gateway not found")
		}
		return nil, StorageError(err)
	}
	return s.withStatus(gw), nil
}

// Authorize resolves the gateway behind an authenticated request and rejects
// it when the backing activation code is no longer active. Revocation severs
// live sessions: a still-valid token does not outlive its code.
func (s *GatewayService) Authorize(ctx context.Context, gatewayUID string) (*Gateway, error) {
	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrGatewayNotFound, "gateway not found")
		}
		return nil, StorageError(err)
	}
	code, err := s.repo.GetActivationCodeByID(ctx, gw.ActivationCodeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrTokenInvalid, "the gateway's activation code no longer exists")
		}
		return nil, StorageError(err)
	}
	if code.Status == CodeStatusRevoked {
		return nil, NewError(ErrCodeRevoked, "gateway access has been revoked")
	}
	return gw, nil
}

// List returns a tenant's gateways with derived connection statuses.
func (s *GatewayService) List(ctx context.Context, tenantID uint) ([]*GatewayStatus, error) {
	gateways, err := s.repo.ListGateways(ctx, tenantID)
	if err != nil {
		return nil, StorageError(err)
	}
	out := make([]*GatewayStatus, 0, len(gateways))
	for _, gw := range gateways {
		out = append(out, s.withStatus(gw))
	}
	return out, nil
}

// RecordHeartbeat updates the heartbeat timestamp and reported host metrics
// unconditionally.
func (s *GatewayService) RecordHeartbeat(ctx context.Context, gatewayUID string, metrics GatewayMetrics) error {
	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewError(ErrGatewayNotFound, "gateway not found")
		}
		return StorageError(err)
	}
	if err := s.repo.UpdateGatewayHeartbeat(ctx, gw.ID, metrics, s.now()); err != nil {
		return StorageError(err)
	}
	return nil
}

// RecordTokenExpiry updates the stored expiry of a gateway's current session
// token, so the admin view reflects refreshes.
func (s *GatewayService) RecordTokenExpiry(ctx context.Context, gw *Gateway, expiry time.Time) error {
	if err := s.repo.UpdateGatewayTokenExpiry(ctx, gw.ID, expiry); err != nil {
		return StorageError(err)
	}
	return nil
}

func (s *GatewayService) withStatus(gw *Gateway) *GatewayStatus {
	return &GatewayStatus{
		Gateway:    gw,
		Connection: ConnectionStatus(gw.LastHeartbeat, s.now(), s.freshness, s.grace),
	}
}
