/**
 * @description
 * Tier configuration management. Tier history is append-only: a change
 * creates a new config version and one audit entry per changed field; prior
 * versions are never overwritten.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/domain"
	"github.com/meterline/credit-service/internal/store"
)

// TierRepository defines the store operations tier management needs.
type TierRepository interface {
	GetLatestTierConfig(ctx context.Context, tierName string) (*domain.TierConfig, error)
	CreateTierConfigVersion(ctx context.Context, cfg *domain.TierConfig, entries []domain.AuditEntry) error
	ListAuditEntriesForTier(ctx context.Context, tierName string) ([]domain.AuditEntry, error)
}

// TierService manages versioned tier configuration.
type TierService struct {
	repo   TierRepository
	logger *slog.Logger
}

// NewTierService creates a new tier management service.
func NewTierService(repo TierRepository, logger *slog.Logger) *TierService {
	return &TierService{repo: repo, logger: logger}
}

// TierInput is the requested state for a tier.
type TierInput struct {
	TierName                string
	MonthlyCreditAllocation decimal.Decimal
	MonthlyPriceUSD         decimal.Decimal
	AnnualPriceUSD          decimal.Decimal
	IsActive                bool
	EffectiveFrom           time.Time
}

// UpsertTier appends a new config version reflecting the input, with audit
// entries for every field that changed relative to the current version.
func (s *TierService) UpsertTier(ctx context.Context, input TierInput, actorID string) (*domain.TierConfig, error) {
	current, err := s.repo.GetLatestTierConfig(ctx, input.TierName)
	if err != nil && !errors.Is(err, store.ErrTierNotFound) {
		return nil, err
	}

	nextVersion := 1
	if current != nil {
		nextVersion = current.ConfigVersion + 1
	}

	effectiveFrom := input.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = time.Now().UTC()
	}

	next := &domain.TierConfig{
		ID:                      uuid.New(),
		TierName:                input.TierName,
		MonthlyCreditAllocation: input.MonthlyCreditAllocation,
		MonthlyPriceUSD:         input.MonthlyPriceUSD,
		AnnualPriceUSD:          input.AnnualPriceUSD,
		IsActive:                input.IsActive,
		ConfigVersion:           nextVersion,
		EffectiveFrom:           effectiveFrom,
	}

	entries := domain.DiffTierConfigs(current, next, actorID)
	if current != nil && len(entries) == 0 {
		// Nothing changed; keep the current version instead of appending noise.
		return current, nil
	}

	if err := s.repo.CreateTierConfigVersion(ctx, next, entries); err != nil {
		return nil, err
	}
	s.logger.Info("tier config version created",
		"tier", next.TierName, "version", next.ConfigVersion, "changes", len(entries), "actor", actorID)
	return next, nil
}

// GetTier returns the newest active version of a tier.
func (s *TierService) GetTier(ctx context.Context, tierName string) (*domain.TierConfig, error) {
	return s.repo.GetLatestTierConfig(ctx, tierName)
}

// History returns the append-only change log for a tier.
func (s *TierService) History(ctx context.Context, tierName string) ([]domain.AuditEntry, error) {
	return s.repo.ListAuditEntriesForTier(ctx, tierName)
}
