/**
 * @description
 * Deduction records and results. Each metered deduction is persisted with the
 * caller's request identifier so a duplicate request within the retention
 * window replays the original outcome instead of debiting twice.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeductionRecord is the persisted outcome of one logical deduction request.
type DeductionRecord struct {
	ID                   uuid.UUID         `json:"id"`
	RequestID            string            `json:"request_id"`
	UserID               uuid.UUID         `json:"user_id"`
	Amount               decimal.Decimal   `json:"amount"`
	FreeDeducted         decimal.Decimal   `json:"free_deducted"`
	SubscriptionDeducted decimal.Decimal   `json:"subscription_deducted"`
	PurchasedDeducted    decimal.Decimal   `json:"purchased_deducted"`
	RemainingAfter       decimal.Decimal   `json:"remaining_after"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

// DeductionResult is returned to the caller of a deduction.
type DeductionResult struct {
	RequestID            string          `json:"request_id"`
	Deducted             decimal.Decimal `json:"deducted"`
	FreeDeducted         decimal.Decimal `json:"free_deducted"`
	SubscriptionDeducted decimal.Decimal `json:"subscription_deducted"`
	PurchasedDeducted    decimal.Decimal `json:"purchased_deducted"`
	Remaining            decimal.Decimal `json:"remaining"`
	// Duplicate is true when the request ID matched a prior deduction and
	// the prior outcome was replayed without a new debit.
	Duplicate bool `json:"duplicate"`
}

// ResultFromRecord rebuilds the caller-facing result from a stored record.
func ResultFromRecord(rec *DeductionRecord) *DeductionResult {
	return &DeductionResult{
		RequestID:            rec.RequestID,
		Deducted:             rec.Amount,
		FreeDeducted:         rec.FreeDeducted,
		SubscriptionDeducted: rec.SubscriptionDeducted,
		PurchasedDeducted:    rec.PurchasedDeducted,
		Remaining:            rec.RemainingAfter,
		Duplicate:            true,
	}
}

// DepletionKind classifies a depletion signal.
type DepletionKind string

const (
	DepletionLow      DepletionKind = "low"
	DepletionDepleted DepletionKind = "depleted"
)

// DepletionSignal is emitted to the notification collaborator when an account
// crosses into a low or depleted state.
type DepletionSignal struct {
	UserID    uuid.UUID       `json:"user_id"`
	Kind      DepletionKind   `json:"kind"`
	Remaining decimal.Decimal `json:"remaining"`
	At        time.Time       `json:"at"`
}
