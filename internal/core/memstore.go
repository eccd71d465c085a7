// internal/core/memstore.go
package core

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Repository with the same compare-and-swap
// semantics as the PostgreSQL implementation. It backs `serve --dev` and the
// package tests; it is not meant for multi-process deployments.
type MemStore struct {
	mu       sync.Mutex
	codes    map[uint]*ActivationCode
	gateways map[uint]*Gateway
	commands map[uint]*Command
	nextID   uint
}

// NewMemStore creates an empty in-memory repository.
func NewMemStore() *MemStore {
	return &MemStore{
		codes:    make(map[uint]*ActivationCode),
		gateways: make(map[uint]*Gateway),
		commands: make(map[uint]*Command),
	}
}

func (m *MemStore) id() uint {
	m.nextID++
	return m.nextID
}

// --- Activation codes ---

func (m *MemStore) CreateActivationCode(ctx context.Context, code *ActivationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code.ID = m.id()
	code.CreatedAt = time.Now()
	cp := *code
	m.codes[code.ID] = &cp
	return nil
}

func (m *MemStore) GetActivationCodeByCode(ctx context.Context, code string) (*ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) GetActivationCodeByID(ctx context.Context, id uint) (*ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) ListActivationCodes(ctx context.Context, tenantID uint) ([]*ActivationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ActivationCode
	for _, c := range m.codes {
		if tenantID == 0 || c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) ActivateCode(ctx context.Context, codeID uint, machineID string, gatewayID uint, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.Status != CodeStatusPending {
		return false, nil
	}
	if c.MachineID != nil && *c.MachineID != machineID {
		return false, nil
	}
	c.Status = CodeStatusActive
	c.MachineID = &machineID
	c.GatewayID = &gatewayID
	at := now
	c.ActivatedAt = &at
	return true, nil
}

func (m *MemStore) RevokeCodeByGateway(ctx context.Context, gatewayID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.GatewayID != nil && *c.GatewayID == gatewayID && c.Status == CodeStatusActive {
			c.Status = CodeStatusRevoked
		}
	}
	return nil
}

func (m *MemStore) DeleteActivationCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.codes {
		if c.Code == code {
			delete(m.codes, id)
			return nil
		}
	}
	return nil
}

func (m *MemStore) RecordSync(ctx context.Context, codeID uint, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.codes[codeID]; ok {
		at := now
		c.LastSyncAt = &at
		c.SyncCount++
	}
	return nil
}

// --- Gateways ---

func (m *MemStore) CreateGateway(ctx context.Context, gw *Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw.ID = m.id()
	gw.CreatedAt = time.Now()
	cp := *gw
	m.gateways[gw.ID] = &cp
	return nil
}

func (m *MemStore) DeleteGateway(ctx context.Context, gatewayID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, gatewayID)
	return nil
}

func (m *MemStore) GetGatewayByUID(ctx context.Context, uid string) (*Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gw := range m.gateways {
		if gw.GatewayUID == uid {
			cp := *gw
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListGateways(ctx context.Context, tenantID uint) ([]*Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Gateway
	for _, gw := range m.gateways {
		if tenantID == 0 || gw.TenantID == tenantID {
			cp := *gw
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) UpdateGatewayHeartbeat(ctx context.Context, gatewayID uint, metrics GatewayMetrics, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[gatewayID]
	if !ok {
		return ErrNotFound
	}
	at := now
	gw.LastHeartbeat = &at
	gw.OS = metrics.OS
	gw.CPUPercent = metrics.CPUPercent
	gw.MemoryPercent = metrics.MemoryPercent
	gw.UptimeSeconds = metrics.UptimeSeconds
	return nil
}

func (m *MemStore) UpdateGatewayTokenExpiry(ctx context.Context, gatewayID uint, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[gatewayID]
	if !ok {
		return ErrNotFound
	}
	e := expiry
	gw.TokenExpiresAt = &e
	return nil
}

// --- Commands ---

func (m *MemStore) CreateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd.ID = m.id()
	cmd.CreatedAt = time.Now()
	cp := *cmd
	m.commands[cmd.ID] = &cp
	return nil
}

func (m *MemStore) GetCommandByUID(ctx context.Context, uid string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.commands {
		if cmd.CommandUID == uid {
			cp := *cmd
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListCommands(ctx context.Context, gatewayID uint, limit int) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Command
	for _, cmd := range m.commands {
		if cmd.GatewayID == gatewayID {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CountActiveCommands(ctx context.Context, gatewayID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, cmd := range m.commands {
		if cmd.GatewayID == gatewayID && !cmd.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) ClaimNextCommand(ctx context.Context, gatewayID uint, now time.Time) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Command
	for _, cmd := range m.commands {
		if cmd.GatewayID != gatewayID || cmd.Status != CommandStatusPending {
			continue
		}
		if best == nil ||
			cmd.Priority < best.Priority ||
			(cmd.Priority == best.Priority && cmd.CreatedAt.Before(best.CreatedAt)) ||
			(cmd.Priority == best.Priority && cmd.CreatedAt.Equal(best.CreatedAt) && cmd.ID < best.ID) {
			best = cmd
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = CommandStatusSent
	at := now
	best.SentAt = &at
	cp := *best
	return &cp, nil
}

func (m *MemStore) MarkCommandExecuting(ctx context.Context, commandUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.commands {
		if cmd.CommandUID == commandUID && cmd.Status == CommandStatusSent {
			cmd.Status = CommandStatusExecuting
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) FinishCommand(ctx context.Context, commandUID, status string, result json.RawMessage, errDetail string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.commands {
		if cmd.CommandUID != commandUID {
			continue
		}
		if cmd.Status != CommandStatusSent && cmd.Status != CommandStatusExecuting {
			return false, nil
		}
		cmd.Status = status
		cmd.Result = result
		cmd.ErrorDetail = errDetail
		at := now
		cmd.CompletedAt = &at
		return true, nil
	}
	return false, nil
}
