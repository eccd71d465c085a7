// internal/core/commands.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/utils"
	"github.com/sirupsen/logrus"
)

// requiredCommandParams maps each command type to the parameter keys it
// cannot run without.
var requiredCommandParams = map[string][]string{
	CommandTypeCleanup:      nil,
	CommandTypeOptimize:     nil,
	CommandTypeBackup:       {"target"},
	CommandTypeSchemaUpdate: {"version"},
}

// CommandService owns the per-gateway command queue. Command status only
// advances forward; terminal states are immutable and reporting against them
// is an idempotent no-op.
type CommandService struct {
	repo          Repository
	logger        *logrus.Logger
	maxQueueDepth int
	now           func() time.Time
}

// NewCommandService creates the command queue with a per-gateway depth
// ceiling (backpressure, not silent dropping).
func NewCommandService(repo Repository, logger *logrus.Logger, maxQueueDepth int) *CommandService {
	return &CommandService{
		repo:          repo,
		logger:        logger,
		maxQueueDepth: maxQueueDepth,
		now:           time.Now,
	}
}

// Enqueue queues a command for a gateway. Lower priority numbers are more
// urgent.
func (s *CommandService) Enqueue(ctx context.Context, gatewayUID, cmdType string, params map[string]any, priority int) (*Command, error) {
	if _, ok := requiredCommandParams[cmdType]; !ok {
		return nil, NewErrorf(ErrCommandTypeInvalid, "unknown command type %q", cmdType).
			WithDetail("valid_types", []string{CommandTypeCleanup, CommandTypeOptimize, CommandTypeBackup, CommandTypeSchemaUpdate})
	}
	for _, key := range requiredCommandParams[cmdType] {
		if _, ok := params[key]; !ok {
			return nil, NewErrorf(ErrCommandParametersMissing, "command type %q requires parameter %q", cmdType, key).
				WithDetail("missing_parameter", key)
		}
	}
	if cmdType == CommandTypeSchemaUpdate {
		version, _ := params["version"].(string)
		if err := utils.ValidateVersion(version); err != nil {
			return nil, NewErrorf(ErrCommandParametersMissing, "schema_update version must be semantic: %v", err).
				WithDetail("parameter", "version")
		}
	}

	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrGatewayNotFound, "gateway not found")
		}
		return nil, StorageError(err)
	}

	depth, err := s.repo.CountActiveCommands(ctx, gw.ID)
	if err != nil {
		return nil, StorageError(err)
	}
	if depth >= int64(s.maxQueueDepth) {
		return nil, NewErrorf(ErrCommandQueueFull, "command queue for gateway is full (%d commands)", depth).
			WithDetail("max_queue_depth", s.maxQueueDepth)
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, NewError(ErrCommandParametersMissing, "command parameters are not serializable")
	}

	cmd := &Command{
		CommandUID: uuid.New().String(),
		GatewayID:  gw.ID,
		Type:       cmdType,
		Params:     rawParams,
		Priority:   priority,
		Status:     CommandStatusPending,
	}
	if err := s.repo.CreateCommand(ctx, cmd); err != nil {
		return nil, StorageError(err)
	}

	s.logger.WithFields(logrus.Fields{
		"command_uid": cmd.CommandUID,
		"gateway_uid": gatewayUID,
		"type":        cmdType,
		"priority":    priority,
	}).Info("Command enqueued")
	return cmd, nil
}

// DequeueNext returns the most urgent pending command for a gateway and marks
// it sent in one atomic step, so two concurrent polls never receive the same
// command. Returns nil when the queue is empty.
func (s *CommandService) DequeueNext(ctx context.Context, gateway *Gateway) (*Command, error) {
	cmd, err := s.repo.ClaimNextCommand(ctx, gateway.ID, s.now())
	if err != nil {
		return nil, StorageError(err)
	}
	return cmd, nil
}

// Report records a gateway's progress on a command: "executing" acks a sent
// command, "completed"/"failed" finish it with a result or error payload.
// Reports against an already-terminal command are no-ops that leave the
// stored result untouched.
func (s *CommandService) Report(ctx context.Context, gateway *Gateway, commandUID, status string, result json.RawMessage, errDetail string) (*Command, error) {
	cmd, err := s.repo.GetCommandByUID(ctx, commandUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrCommandNotFound, "command not found")
		}
		return nil, StorageError(err)
	}
	if cmd.GatewayID != gateway.ID {
		return nil, NewError(ErrCommandNotAllowed, "command belongs to a different gateway")
	}

	switch status {
	case CommandStatusExecuting:
		if _, err := s.repo.MarkCommandExecuting(ctx, commandUID); err != nil {
			return nil, StorageError(err)
		}
	case CommandStatusCompleted, CommandStatusFailed:
		changed, err := s.repo.FinishCommand(ctx, commandUID, status, result, errDetail, s.now())
		if err != nil {
			return nil, StorageError(err)
		}
		if changed {
			s.logger.WithFields(logrus.Fields{
				"command_uid": commandUID,
				"status":      status,
			}).Info("Command finished")
		}
	default:
		return nil, NewErrorf(ErrCommandTypeInvalid, "unknown report status %q", status).
			WithDetail("valid_statuses", []string{CommandStatusExecuting, CommandStatusCompleted, CommandStatusFailed})
	}

	return s.repo.GetCommandByUID(ctx, commandUID)
}

// List returns a gateway's recent commands for the admin API.
func (s *CommandService) List(ctx context.Context, gatewayUID string, limit int) ([]*Command, error) {
	gw, err := s.repo.GetGatewayByUID(ctx, gatewayUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrGatewayNotFound, "gateway not found")
		}
		return nil, StorageError(err)
	}
	cmds, err := s.repo.ListCommands(ctx, gw.ID, limit)
	if err != nil {
		return nil, StorageError(err)
	}
	return cmds, nil
}
