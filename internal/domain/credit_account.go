/**
 * @description
 * This file defines the core domain models for the credit-service.
 * It includes the CreditAccount struct that maps to the credit_accounts table
 * and the pure pool computations used by the ledger and the depletion monitor.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultLowBalanceThresholdPercent is the usage percentage at which a pool
// is considered low unless the caller supplies a different threshold.
var DefaultLowBalanceThresholdPercent = decimal.NewFromInt(90)

// CreditAccount represents one user's credit balances for a single billing period.
// It is mutated exclusively by the ledger service through version-checked writes.
type CreditAccount struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	BillingPeriodStart    time.Time       `json:"billing_period_start"`
	BillingPeriodEnd      time.Time       `json:"billing_period_end"`
	FreeAllocated         decimal.Decimal `json:"free_allocated"`
	FreeUsed              decimal.Decimal `json:"free_used"`
	SubscriptionAllocated decimal.Decimal `json:"subscription_allocated"`
	SubscriptionUsed      decimal.Decimal `json:"subscription_used"`
	PurchasedTotal        decimal.Decimal `json:"purchased_total"`
	PurchasedLifetimeUsed decimal.Decimal `json:"purchased_lifetime_used"`
	Retired               bool            `json:"retired"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Pool is one credit balance (allocated vs used). Purchased credits are
// expressed as a pool too, with total purchased as the allocation and
// lifetime usage as the used amount.
type Pool struct {
	Allocated decimal.Decimal `json:"allocated"`
	Used      decimal.Decimal `json:"used"`
}

// Remaining returns allocated - used, floored at zero. Callers never observe
// a negative balance even when used exceeds allocated.
func (p Pool) Remaining() decimal.Decimal {
	remaining := p.Allocated.Sub(p.Used)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// UsagePercentage returns used/allocated*100, or zero when nothing is allocated.
func (p Pool) UsagePercentage() decimal.Decimal {
	if p.Allocated.IsZero() {
		return decimal.Zero
	}
	return p.Used.Div(p.Allocated).Mul(decimal.NewFromInt(100))
}

// IsLow reports whether usage has reached the given threshold percentage.
func (p Pool) IsLow(thresholdPercent decimal.Decimal) bool {
	if p.Allocated.IsZero() {
		return false
	}
	return p.UsagePercentage().GreaterThanOrEqual(thresholdPercent)
}

// FreePool returns the free credit pool for this period.
func (a *CreditAccount) FreePool() Pool {
	return Pool{Allocated: a.FreeAllocated, Used: a.FreeUsed}
}

// SubscriptionPool returns the subscription credit pool for this period.
func (a *CreditAccount) SubscriptionPool() Pool {
	return Pool{Allocated: a.SubscriptionAllocated, Used: a.SubscriptionUsed}
}

// PurchasedPool returns the purchased credit pool. Purchased credits never
// reset with the billing period; the pool tracks lifetime usage.
func (a *CreditAccount) PurchasedPool() Pool {
	return Pool{Allocated: a.PurchasedTotal, Used: a.PurchasedLifetimeUsed}
}

// TotalRemaining sums the remaining balance across all three pools.
func (a *CreditAccount) TotalRemaining() decimal.Decimal {
	return a.FreePool().Remaining().
		Add(a.SubscriptionPool().Remaining()).
		Add(a.PurchasedPool().Remaining())
}

// IsDepleted reports whether the account has no credits left in any pool.
func (a *CreditAccount) IsDepleted() bool {
	return a.TotalRemaining().IsZero()
}

// IsLow reports whether every pool that has an allocation is at or above the
// threshold. An account with headroom in any pool is not low.
func (a *CreditAccount) IsLow(thresholdPercent decimal.Decimal) bool {
	if a.TotalAllocated().IsZero() {
		return false
	}
	used := a.FreeUsed.Add(a.SubscriptionUsed).Add(a.PurchasedLifetimeUsed)
	return used.Div(a.TotalAllocated()).Mul(decimal.NewFromInt(100)).GreaterThanOrEqual(thresholdPercent)
}

// TotalAllocated sums allocations across all three pools.
func (a *CreditAccount) TotalAllocated() decimal.Decimal {
	return a.FreeAllocated.Add(a.SubscriptionAllocated).Add(a.PurchasedTotal)
}

// DetailedCredits is the DTO returned to callers asking for a full balance
// breakdown.
type DetailedCredits struct {
	UserID             uuid.UUID       `json:"user_id"`
	BillingPeriodStart time.Time       `json:"billing_period_start"`
	BillingPeriodEnd   time.Time       `json:"billing_period_end"`
	Free               Pool            `json:"free"`
	Subscription       Pool            `json:"subscription"`
	Purchased          Pool            `json:"purchased"`
	TotalRemaining     decimal.Decimal `json:"total_remaining"`
}
