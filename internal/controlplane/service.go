// Package controlplane provides the HTTP API and service layer for Warden.
package controlplane

import (
	"context"
	"fmt"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/engine"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/router"
	"go.uber.org/zap"
)

// EngineStats reports execution engine counters.
type EngineStats interface {
	Stats() engine.Stats
}

// ConfigSaver persists a stage configuration change.
type ConfigSaver func(bridge.Config) error

// Workers describes the background executors.
type Workers struct {
	Router router.Stats  `json:"router"`
	Engine *engine.Stats `json:"engine,omitempty"`
}

// Service provides the control plane business logic.
type Service struct {
	bridge *bridge.Bridge
	engine EngineStats
	save   ConfigSaver
	logger *zap.Logger
}

// NewService creates a new control plane service. eng and save may be nil.
func NewService(b *bridge.Bridge, eng EngineStats, save ConfigSaver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		bridge: b,
		engine: eng,
		save:   save,
		logger: logger.Named("controlplane"),
	}
}

// Chat runs a message through the pipeline.
func (s *Service) Chat(ctx context.Context, req bridge.Request) (*bridge.Report, error) {
	return s.bridge.Process(ctx, req)
}

// --- Approval Operations ---

// ListApprovals returns pending approvals, oldest first.
func (s *Service) ListApprovals(ctx context.Context) ([]*models.PendingApproval, error) {
	items, err := s.bridge.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.PendingApproval{}
	}
	return items, nil
}

// GetApproval returns one pending approval.
func (s *Service) GetApproval(ctx context.Context, intentID string) (*models.PendingApproval, error) {
	return s.bridge.PendingApproval(ctx, intentID)
}

// Approve releases a pending intent.
func (s *Service) Approve(ctx context.Context, id, approver string) (*bridge.IntentReport, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: intent id required", ErrInvalidRequest)
	}
	return s.bridge.Approve(ctx, id, approver)
}

// Reject drops a pending intent.
func (s *Service) Reject(ctx context.Context, id, reviewer, reason string) (*bridge.IntentReport, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: intent id required", ErrInvalidRequest)
	}
	return s.bridge.Reject(ctx, id, reviewer, reason)
}

// --- Audit Operations ---

// QueryAudit returns matching audit entries, newest first.
func (s *Service) QueryAudit(ctx context.Context, f audit.Filter) ([]*models.AuditEntry, error) {
	entries, err := s.bridge.QueryAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	return entries, nil
}

// AuditStats summarizes recent audit entries.
func (s *Service) AuditStats(ctx context.Context, days int) (*audit.Stats, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days cannot be negative", ErrInvalidRequest)
	}
	return s.bridge.AuditStats(ctx, days)
}

// PruneAudit removes entries past retention.
func (s *Service) PruneAudit(ctx context.Context) (int, error) {
	n, err := s.bridge.PruneAudit(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("audit pruned", zap.Int("removed", n))
	return n, nil
}

// --- Config and Status ---

// Config returns the stage toggles.
func (s *Service) Config() bridge.Config {
	return s.bridge.Config()
}

// UpdateConfig swaps the stage toggles and persists them when a saver is set.
// The running pipeline keeps the new toggles even if saving fails.
func (s *Service) UpdateConfig(cfg bridge.Config) (bridge.Config, error) {
	s.bridge.UpdateConfig(cfg)
	if s.save != nil {
		if err := s.save(cfg); err != nil {
			return cfg, fmt.Errorf("saving config: %w", err)
		}
	}
	return s.bridge.Config(), nil
}

// Rules returns the active rules.
func (s *Service) Rules(ctx context.Context) []models.Rule {
	rules := s.bridge.Rules(ctx)
	if rules == nil {
		rules = []models.Rule{}
	}
	return rules
}

// Health reports pipeline health.
func (s *Service) Health(ctx context.Context) (*bridge.Health, error) {
	return s.bridge.Health(ctx)
}

// Workers reports router and engine load.
func (s *Service) Workers() Workers {
	w := Workers{Router: s.bridge.RouterStats()}
	if s.engine != nil {
		st := s.engine.Stats()
		w.Engine = &st
	}
	return w
}
