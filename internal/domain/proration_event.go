/**
 * @description
 * Immutable proration event records. Events are created pending, transition
 * to applied or failed exactly once, and are superseded (never mutated) by a
 * reversal event that references the original.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProrationEventType classifies a mid-period subscription change.
type ProrationEventType string

const (
	ProrationUpgrade        ProrationEventType = "upgrade"
	ProrationDowngrade      ProrationEventType = "downgrade"
	ProrationIntervalChange ProrationEventType = "interval_change"
	ProrationMigration      ProrationEventType = "migration"
	ProrationCancellation   ProrationEventType = "cancellation"
	// ProrationReactivation is kept distinct from upgrade so a resumed
	// cancellation stays distinguishable in the event history.
	ProrationReactivation ProrationEventType = "reactivation"
)

// ProrationEventStatus is the lifecycle state of a proration event.
type ProrationEventStatus string

const (
	ProrationPending  ProrationEventStatus = "pending"
	ProrationApplied  ProrationEventStatus = "applied"
	ProrationFailed   ProrationEventStatus = "failed"
	ProrationReversed ProrationEventStatus = "reversed"
)

// ProrationEvent records one mid-period tier or interval change. Prior
// subscription pool values are captured so an administrative reversal can
// restore the exact pre-change balances.
type ProrationEvent struct {
	ID             uuid.UUID            `json:"id"`
	SubscriptionID uuid.UUID            `json:"subscription_id"`
	UserID         uuid.UUID            `json:"user_id"`
	EventType      ProrationEventType   `json:"event_type"`
	FromTier       string               `json:"from_tier"`
	ToTier         string               `json:"to_tier"`
	DaysInPeriod   int64                `json:"days_in_period"`
	DaysRemaining  int64                `json:"days_remaining"`
	UnusedCredit   decimal.Decimal      `json:"unused_credit"`
	NewTierCost    decimal.Decimal      `json:"new_tier_cost"`
	NetCharge      decimal.Decimal      `json:"net_charge"`
	Status         ProrationEventStatus `json:"status"`
	// ReversalOf references the applied event this event reverses, if any.
	ReversalOf *uuid.UUID `json:"reversal_of,omitempty"`
	// Pre-change subscription pool snapshot, used to build the inverse delta.
	PriorSubscriptionAllocated decimal.Decimal `json:"prior_subscription_allocated"`
	PriorSubscriptionUsed      decimal.Decimal `json:"prior_subscription_used"`
	CreatedAt                  time.Time       `json:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at"`
}

// ProrationQuote is the result of a proration computation. It is a pure
// calculation output; applying it to the ledger is a separate step.
type ProrationQuote struct {
	ProratedCredits             decimal.Decimal `json:"prorated_credits"`
	DaysRemaining               int64           `json:"days_remaining"`
	DaysInCycle                 int64           `json:"days_in_cycle"`
	CurrentUsedCredits          decimal.Decimal `json:"current_used_credits"`
	RemainingCreditsAfterChange decimal.Decimal `json:"remaining_credits_after_change"`
	IsDowngradeWithOveruse      bool            `json:"is_downgrade_with_overuse"`
	UnusedCreditValue           decimal.Decimal `json:"unused_credit_value"`
	NewTierCost                 decimal.Decimal `json:"new_tier_cost"`
	NetCharge                   decimal.Decimal `json:"net_charge"`
}
