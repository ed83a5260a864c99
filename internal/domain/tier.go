/**
 * @description
 * Versioned tier configuration and the append-only audit trail recorded
 * whenever a tier is changed. Tier history is never rewritten in place; a
 * mutation creates a new config version plus one audit entry per changed
 * field.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TierConfig is one version of a subscription tier's pricing and allocation.
type TierConfig struct {
	ID                      uuid.UUID       `json:"id"`
	TierName                string          `json:"tier_name"`
	MonthlyCreditAllocation decimal.Decimal `json:"monthly_credit_allocation"`
	MonthlyPriceUSD         decimal.Decimal `json:"monthly_price_usd"`
	AnnualPriceUSD          decimal.Decimal `json:"annual_price_usd"`
	IsActive                bool            `json:"is_active"`
	ConfigVersion           int             `json:"config_version"`
	EffectiveFrom           time.Time       `json:"effective_from"`
	CreatedAt               time.Time       `json:"created_at"`
}

// AuditEntry records one field change on a tier configuration.
type AuditEntry struct {
	ID            uuid.UUID `json:"id"`
	TierName      string    `json:"tier_name"`
	ChangedField  string    `json:"changed_field"`
	PreviousValue string    `json:"previous_value"`
	NewValue      string    `json:"new_value"`
	ActorID       string    `json:"actor_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// DiffTierConfigs produces the audit entries for a transition from prev to
// next. A nil prev means the tier is being created and every field is logged
// against an empty previous value.
func DiffTierConfigs(prev *TierConfig, next *TierConfig, actorID string) []AuditEntry {
	fields := []struct {
		name     string
		previous string
		current  string
	}{
		{"monthly_credit_allocation", prevField(prev, func(c *TierConfig) string { return c.MonthlyCreditAllocation.String() }), next.MonthlyCreditAllocation.String()},
		{"monthly_price_usd", prevField(prev, func(c *TierConfig) string { return c.MonthlyPriceUSD.String() }), next.MonthlyPriceUSD.String()},
		{"annual_price_usd", prevField(prev, func(c *TierConfig) string { return c.AnnualPriceUSD.String() }), next.AnnualPriceUSD.String()},
		{"is_active", prevField(prev, func(c *TierConfig) string { return boolString(c.IsActive) }), boolString(next.IsActive)},
	}

	var entries []AuditEntry
	for _, f := range fields {
		if f.previous == f.current {
			continue
		}
		entries = append(entries, AuditEntry{
			ID:            uuid.New(),
			TierName:      next.TierName,
			ChangedField:  f.name,
			PreviousValue: f.previous,
			NewValue:      f.current,
			ActorID:       actorID,
			CreatedAt:     time.Now().UTC(),
		})
	}
	return entries
}

func prevField(prev *TierConfig, get func(*TierConfig) string) string {
	if prev == nil {
		return ""
	}
	return get(prev)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
