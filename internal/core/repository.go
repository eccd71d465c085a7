// internal/core/repository.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is the storage-level miss sentinel. Services translate it into
// the taxonomy code appropriate for the entity.
var ErrNotFound = errors.New("record not found")

// Repository defines the data access operations the protocol needs. All
// mutable-registry state (codes, gateways, commands) lives behind this
// interface; the compare-and-swap operations are what make concurrent
// activation and dequeue safe.
type Repository interface {
	// Activation code operations.
	CreateActivationCode(ctx context.Context, code *ActivationCode) error
	GetActivationCodeByCode(ctx context.Context, code string) (*ActivationCode, error)
	GetActivationCodeByID(ctx context.Context, id uint) (*ActivationCode, error)
	ListActivationCodes(ctx context.Context, tenantID uint) ([]*ActivationCode, error)
	// ActivateCode transitions pending -> active iff the code is still pending
	// and unbound or bound to the same fingerprint. Returns true when this
	// caller won the transition.
	ActivateCode(ctx context.Context, codeID uint, machineID string, gatewayID uint, now time.Time) (bool, error)
	RevokeCodeByGateway(ctx context.Context, gatewayID uint) error
	DeleteActivationCode(ctx context.Context, code string) error
	RecordSync(ctx context.Context, codeID uint, now time.Time) error

	// Gateway operations.
	CreateGateway(ctx context.Context, gw *Gateway) error
	DeleteGateway(ctx context.Context, gatewayID uint) error
	GetGatewayByUID(ctx context.Context, uid string) (*Gateway, error)
	ListGateways(ctx context.Context, tenantID uint) ([]*Gateway, error)
	UpdateGatewayHeartbeat(ctx context.Context, gatewayID uint, metrics GatewayMetrics, now time.Time) error
	UpdateGatewayTokenExpiry(ctx context.Context, gatewayID uint, expiry time.Time) error

	// Command operations.
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommandByUID(ctx context.Context, uid string) (*Command, error)
	ListCommands(ctx context.Context, gatewayID uint, limit int) ([]*Command, error)
	CountActiveCommands(ctx context.Context, gatewayID uint) (int64, error)
	// ClaimNextCommand atomically picks the most urgent pending command for a
	// gateway and marks it sent. Returns nil when the queue is empty.
	ClaimNextCommand(ctx context.Context, gatewayID uint, now time.Time) (*Command, error)
	// MarkCommandExecuting is the sent -> executing ack; a no-op returning
	// false once the command left the sent state.
	MarkCommandExecuting(ctx context.Context, commandUID string) (bool, error)
	// FinishCommand moves a sent/executing command to a terminal status.
	// Returns false (no-op) if the command is already terminal.
	FinishCommand(ctx context.Context, commandUID, status string, result json.RawMessage, errDetail string, now time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a PostgreSQL-backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Activation codes ---

func (r *repository) CreateActivationCode(ctx context.Context, code *ActivationCode) error {
	return r.db.WithContext(ctx).Create(code).Error
}

func (r *repository) GetActivationCodeByCode(ctx context.Context, code string) (*ActivationCode, error) {
	var c ActivationCode
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *repository) GetActivationCodeByID(ctx context.Context, id uint) (*ActivationCode, error) {
	var c ActivationCode
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *repository) ListActivationCodes(ctx context.Context, tenantID uint) ([]*ActivationCode, error) {
	var codes []*ActivationCode
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if tenantID > 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	return codes, q.Find(&codes).Error
}

func (r *repository) ActivateCode(ctx context.Context, codeID uint, machineID string, gatewayID uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ActivationCode{}).
		Where("id = ? AND status = ? AND (machine_id IS NULL OR machine_id = ?)",
			codeID, CodeStatusPending, machineID).
		Updates(map[string]interface{}{
			"status":       CodeStatusActive,
			"machine_id":   machineID,
			"gateway_id":   gatewayID,
			"activated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) RevokeCodeByGateway(ctx context.Context, gatewayID uint) error {
	// Idempotent: revoking an already-revoked code matches zero rows.
	return r.db.WithContext(ctx).Model(&ActivationCode{}).
		Where("gateway_id = ? AND status = ?", gatewayID, CodeStatusActive).
		Update("status", CodeStatusRevoked).Error
}

func (r *repository) DeleteActivationCode(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Where("code = ?", code).Delete(&ActivationCode{}).Error
}

func (r *repository) RecordSync(ctx context.Context, codeID uint, now time.Time) error {
	return r.db.WithContext(ctx).Model(&ActivationCode{}).
		Where("id = ?", codeID).
		Updates(map[string]interface{}{
			"last_sync_at": now,
			"sync_count":   gorm.Expr("sync_count + 1"),
		}).Error
}

// --- Gateways ---

func (r *repository) CreateGateway(ctx context.Context, gw *Gateway) error {
	return r.db.WithContext(ctx).Create(gw).Error
}

func (r *repository) DeleteGateway(ctx context.Context, gatewayID uint) error {
	return r.db.WithContext(ctx).Delete(&Gateway{}, gatewayID).Error
}

func (r *repository) GetGatewayByUID(ctx context.Context, uid string) (*Gateway, error) {
	var gw Gateway
	if err := r.db.WithContext(ctx).Where("gateway_uid = ?", uid).First(&gw).Error; err != nil {
		return nil, translate(err)
	}
	return &gw, nil
}

func (r *repository) ListGateways(ctx context.Context, tenantID uint) ([]*Gateway, error) {
	var gateways []*Gateway
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if tenantID > 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	return gateways, q.Find(&gateways).Error
}

func (r *repository) UpdateGatewayHeartbeat(ctx context.Context, gatewayID uint, metrics GatewayMetrics, now time.Time) error {
	return r.db.WithContext(ctx).Model(&Gateway{}).
		Where("id = ?", gatewayID).
		Updates(map[string]interface{}{
			"last_heartbeat": now,
			"os":             metrics.OS,
			"cpu_percent":    metrics.CPUPercent,
			"memory_percent": metrics.MemoryPercent,
			"uptime_seconds": metrics.UptimeSeconds,
		}).Error
}

func (r *repository) UpdateGatewayTokenExpiry(ctx context.Context, gatewayID uint, expiry time.Time) error {
	return r.db.WithContext(ctx).Model(&Gateway{}).
		Where("id = ?", gatewayID).
		Update("token_expires_at", expiry).Error
}

// --- Commands ---

func (r *repository) CreateCommand(ctx context.Context, cmd *Command) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *repository) GetCommandByUID(ctx context.Context, uid string) (*Command, error) {
	var cmd Command
	if err := r.db.WithContext(ctx).Where("command_uid = ?", uid).First(&cmd).Error; err != nil {
		return nil, translate(err)
	}
	return &cmd, nil
}

func (r *repository) ListCommands(ctx context.Context, gatewayID uint, limit int) ([]*Command, error) {
	var cmds []*Command
	q := r.db.WithContext(ctx).Where("gateway_id = ?", gatewayID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return cmds, q.Find(&cmds).Error
}

func (r *repository) CountActiveCommands(ctx context.Context, gatewayID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Command{}).
		Where("gateway_id = ? AND status IN ?", gatewayID,
			[]string{CommandStatusPending, CommandStatusSent, CommandStatusExecuting}).
		Count(&count).Error
	return count, err
}

func (r *repository) ClaimNextCommand(ctx context.Context, gatewayID uint, now time.Time) (*Command, error) {
	var claimed *Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cmd Command
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("gateway_id = ? AND status = ?", gatewayID, CommandStatusPending).
			Order("priority ASC, created_at ASC, id ASC").
			First(&cmd).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Model(&cmd).Updates(map[string]interface{}{
			"status":  CommandStatusSent,
			"sent_at": now,
		}).Error; err != nil {
			return err
		}
		cmd.Status = CommandStatusSent
		cmd.SentAt = &now
		claimed = &cmd
		return nil
	})
	return claimed, err
}

func (r *repository) MarkCommandExecuting(ctx context.Context, commandUID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("command_uid = ? AND status = ?", commandUID, CommandStatusSent).
		Update("status", CommandStatusExecuting)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) FinishCommand(ctx context.Context, commandUID, status string, result json.RawMessage, errDetail string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("command_uid = ? AND status IN ?", commandUID,
			[]string{CommandStatusSent, CommandStatusExecuting}).
		Updates(map[string]interface{}{
			"status":       status,
			"result":       result,
			"error_detail": errDetail,
			"completed_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// StorageError maps a storage failure to the backend taxonomy codes so the
// caller backs off and retries instead of abandoning the session.
func StorageError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrDatabaseTimeout, "storage request timed out")
	}
	return NewError(ErrDatabaseConnectionFailed, "storage is unavailable")
}
