// internal/core/models.go
package core

import (
	"encoding/json"
	"time"
)

// ActivationCode is the one-time secret binding a gateway to a tenant. Status
// moves pending -> active exactly once; active -> revoked is the only other
// transition. "expired" is derived at read time, never written by a job.
type ActivationCode struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Code        string     `json:"code" gorm:"uniqueIndex;not null"`
	TenantID    uint       `json:"tenant_id" gorm:"index;not null"`
	UserID      uint       `json:"user_id"`
	Demo        bool       `json:"demo" gorm:"default:false"`
	Status      string     `json:"status" gorm:"index;not null"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null"`
	MachineID   *string    `json:"machine_id"`
	GatewayID   *uint      `json:"gateway_id" gorm:"index"`
	ActivatedAt *time.Time `json:"activated_at"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
	SyncCount   uint64     `json:"sync_count" gorm:"default:0"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EffectiveStatus folds read-time expiry into the stored status: a pending
// code past its expiry reads as expired without ever being written back.
func (c *ActivationCode) EffectiveStatus(now time.Time) string {
	if c.Status == CodeStatusPending && now.After(c.ExpiresAt) {
		return CodeStatusExpired
	}
	return c.Status
}

// Gateway is the authenticated identity of an activated collector process.
// Connection status is never stored; it is derived from LastHeartbeat.
type Gateway struct {
	ID               uint       `json:"id" gorm:"primaryKey"`
	GatewayUID       string     `json:"gateway_uid" gorm:"uniqueIndex;not null"`
	TenantID         uint       `json:"tenant_id" gorm:"index;not null"`
	ActivationCodeID uint       `json:"activation_code_id" gorm:"index;not null"`
	MachineID        string     `json:"machine_id" gorm:"not null"`
	Name             string     `json:"name"`
	LastHeartbeat    *time.Time `json:"last_heartbeat"`
	OS               string     `json:"os"`
	CPUPercent       float64    `json:"cpu_percent"`
	MemoryPercent    float64    `json:"memory_percent"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	TokenExpiresAt   *time.Time `json:"token_expires_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// GatewayMetrics is the host telemetry reported with each heartbeat.
type GatewayMetrics struct {
	OS            string  `json:"os"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Command is an operator-issued instruction queued for asynchronous execution
// by a gateway. Lower Priority numbers run first. Terminal statuses are
// immutable.
type Command struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	CommandUID  string          `json:"command_uid" gorm:"uniqueIndex;not null"`
	GatewayID   uint            `json:"gateway_id" gorm:"index;not null"`
	Type        string          `json:"type" gorm:"not null"`
	Params      json.RawMessage `json:"params" gorm:"type:jsonb"`
	Priority    int             `json:"priority" gorm:"default:5"`
	Status      string          `json:"status" gorm:"index;not null"`
	Result      json.RawMessage `json:"result,omitempty" gorm:"type:jsonb"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	SentAt      *time.Time      `json:"sent_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the command reached an immutable state.
func (c *Command) Terminal() bool {
	return c.Status == CommandStatusCompleted || c.Status == CommandStatusFailed
}

// TagSample is a single sensor reading inside a batch. Quality defaults to
// "good" when omitted and is never upgraded or suppressed by this service.
type TagSample struct {
	TagID    string `json:"tag_id"`
	Value    any    `json:"value"`
	DataType string `json:"data_type,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

// DataBatch is an atomic group of samples submitted together. It is accepted
// or rejected as a unit and not retained beyond validation.
type DataBatch struct {
	BatchID   string      `json:"batch_id"`
	Timestamp string      `json:"timestamp"`
	Samples   []TagSample `json:"data"`
}

// ValidatedBatch is a DataBatch that passed validation, stamped and ready for
// the downstream store.
type ValidatedBatch struct {
	DataBatch
	GatewayUID  string    `json:"gateway_uid"`
	ValidatedAt time.Time `json:"validated_at"`
}

// TableName overrides for GORM.
func (ActivationCode) TableName() string { return "activation_codes" }
func (Gateway) TableName() string        { return "gateways" }
func (Command) TableName() string        { return "commands" }

const (
	// Activation code statuses.
	CodeStatusPending = "pending"
	CodeStatusActive  = "active"
	CodeStatusExpired = "expired"
	CodeStatusRevoked = "revoked"

	// Derived gateway connection statuses.
	ConnectionActive       = "active"
	ConnectionStale        = "stale"
	ConnectionDisconnected = "disconnected"

	// Command statuses.
	CommandStatusPending   = "pending"
	CommandStatusSent      = "sent"
	CommandStatusExecuting = "executing"
	CommandStatusCompleted = "completed"
	CommandStatusFailed    = "failed"

	// Command types.
	CommandTypeCleanup      = "cleanup"
	CommandTypeOptimize     = "optimize"
	CommandTypeBackup       = "backup"
	CommandTypeSchemaUpdate = "schema_update"

	// Sample quality flags.
	QualityGood      = "good"
	QualityUncertain = "uncertain"
	QualityBad       = "bad"

	// Sample data types.
	DataTypeNumeric = "numeric"
	DataTypeBoolean = "boolean"
	DataTypeString  = "string"
)

// ConnectionStatus classifies a gateway by heartbeat recency. Computed at
// read time so it can never drift from the stored timestamp.
func ConnectionStatus(lastHeartbeat *time.Time, now time.Time, freshness, grace time.Duration) string {
	if lastHeartbeat == nil {
		return ConnectionDisconnected
	}
	age := now.Sub(*lastHeartbeat)
	switch {
	case age <= freshness:
		return ConnectionActive
	case age <= grace:
		return ConnectionStale
	default:
		return ConnectionDisconnected
	}
}
