/**
 * @description
 * Proration engine: computes prorated credit adjustments and monetary
 * charges/refunds for mid-period tier or interval changes, and applies them
 * to the ledger through version-checked transactional writes. The engine
 * only proposes deltas; the store commits the account change and the event
 * status transition atomically.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/domain"
	"github.com/meterline/credit-service/internal/store"
)

// ErrEventNotReversible is returned when a reversal targets an event that is
// not in the applied state.
var ErrEventNotReversible = errors.New("proration event is not reversible")

// IntervalMonthly and IntervalAnnual select which tier price a change is
// quoted against.
const (
	IntervalMonthly = "monthly"
	IntervalAnnual  = "annual"
)

// ProrationRepository defines the store operations the engine needs.
type ProrationRepository interface {
	GetActiveCreditAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error)
	GetLatestTierConfig(ctx context.Context, tierName string) (*domain.TierConfig, error)
	CreateProrationEvent(ctx context.Context, event *domain.ProrationEvent) error
	GetProrationEvent(ctx context.Context, eventID uuid.UUID) (*domain.ProrationEvent, error)
	ApplyProration(ctx context.Context, event *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error
	MarkProrationEventFailed(ctx context.Context, eventID uuid.UUID) error
	ReverseProration(ctx context.Context, original *domain.ProrationEvent, reversal *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error
}

// ProrationEngine computes and applies mid-period proration.
type ProrationEngine struct {
	repo   ProrationRepository
	policy *domain.IncrementPolicy
	logger *slog.Logger
}

// NewProrationEngine creates a new proration engine.
func NewProrationEngine(repo ProrationRepository, policy *domain.IncrementPolicy, logger *slog.Logger) *ProrationEngine {
	return &ProrationEngine{repo: repo, policy: policy, logger: logger}
}

// TierChangeRequest describes one mid-period tier or interval change.
type TierChangeRequest struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	EventType      domain.ProrationEventType
	FromTier       string
	ToTier         string
	// Interval selects monthly or annual pricing for the monetary proration.
	// Empty means monthly.
	Interval string
	// Today is the effective date of the change; zero means time.Now().
	Today time.Time
}

// Prorate computes the prorated credit quote for a tier change effective
// "today" within [periodStart, periodEnd]. A change at a day boundary counts
// the current day toward the new tier. This is a pure computation; the
// account is not mutated.
func (e *ProrationEngine) Prorate(currentTierCredits, newTierCredits, currentUsed decimal.Decimal, periodStart, periodEnd, today time.Time, oldCost, newCost decimal.Decimal) (*domain.ProrationQuote, error) {
	daysInCycle := daysBetween(periodStart, periodEnd)
	if daysInCycle <= 0 {
		return nil, fmt.Errorf("%w: billing cycle from %s to %s has no days", ErrInvalidBillingPeriod,
			periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"))
	}

	daysRemaining := daysBetween(today, periodEnd)
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > daysInCycle {
		daysRemaining = daysInCycle
	}

	cycleDays := decimal.NewFromInt(daysInCycle)
	remainingDays := decimal.NewFromInt(daysRemaining)

	unusedCreditValue := currentTierCredits.Div(cycleDays).Mul(remainingDays)
	proratedCredits := e.policy.Round(newTierCredits.Div(cycleDays).Mul(remainingDays))

	// Already-consumed credits carry over as a debt against the new
	// allocation; they are not reset by the change.
	remainingAfter := proratedCredits.Sub(currentUsed)
	downgradeWithOveruse := false
	if remainingAfter.IsNegative() {
		downgradeWithOveruse = true
		remainingAfter = decimal.Zero
	}

	newTierCost := newCost.Mul(remainingDays).Div(cycleDays).Round(2)
	netCharge := newCost.Sub(oldCost).Mul(remainingDays).Div(cycleDays).Round(2)

	return &domain.ProrationQuote{
		ProratedCredits:             proratedCredits,
		DaysRemaining:               daysRemaining,
		DaysInCycle:                 daysInCycle,
		CurrentUsedCredits:          currentUsed,
		RemainingCreditsAfterChange: remainingAfter,
		IsDowngradeWithOveruse:      downgradeWithOveruse,
		UnusedCreditValue:           unusedCreditValue,
		NewTierCost:                 newTierCost,
		NetCharge:                   netCharge,
	}, nil
}

// CalculateProratedCreditsForTierChange reads the user's current usage and
// computes the credit-side quote for a tier change. It does not mutate the
// account and carries no monetary component.
func (e *ProrationEngine) CalculateProratedCreditsForTierChange(ctx context.Context, userID uuid.UUID, currentTierCredits, newTierCredits decimal.Decimal, periodStart, periodEnd time.Time) (*domain.ProrationQuote, error) {
	account, err := e.repo.GetActiveCreditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.Prorate(currentTierCredits, newTierCredits, account.SubscriptionUsed,
		periodStart, periodEnd, time.Now().UTC(), decimal.Zero, decimal.Zero)
}

// Preview quotes a tier change without applying it. The caller presents the
// result to the user and triggers the payment-provider charge for NetCharge
// before committing via Apply.
func (e *ProrationEngine) Preview(ctx context.Context, req TierChangeRequest) (*domain.ProrationQuote, error) {
	quote, _, err := e.quote(ctx, req)
	return quote, err
}

func (e *ProrationEngine) quote(ctx context.Context, req TierChangeRequest) (*domain.ProrationQuote, *domain.CreditAccount, error) {
	fromTier, err := e.repo.GetLatestTierConfig(ctx, req.FromTier)
	if err != nil {
		return nil, nil, err
	}
	toTier, err := e.repo.GetLatestTierConfig(ctx, req.ToTier)
	if err != nil {
		return nil, nil, err
	}
	account, err := e.repo.GetActiveCreditAccount(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	oldCost, newCost := fromTier.MonthlyPriceUSD, toTier.MonthlyPriceUSD
	if req.Interval == IntervalAnnual {
		oldCost, newCost = fromTier.AnnualPriceUSD, toTier.AnnualPriceUSD
	}

	today := req.Today
	if today.IsZero() {
		today = time.Now().UTC()
	}

	quote, err := e.Prorate(
		fromTier.MonthlyCreditAllocation,
		toTier.MonthlyCreditAllocation,
		account.SubscriptionUsed,
		account.BillingPeriodStart,
		account.BillingPeriodEnd,
		today,
		oldCost,
		newCost,
	)
	if err != nil {
		return nil, nil, err
	}
	return quote, account, nil
}

// Apply records a pending proration event and commits its credit delta to the
// ledger. The event ends up applied, or failed with no ledger delta; partial
// proration is never observable.
func (e *ProrationEngine) Apply(ctx context.Context, req TierChangeRequest) (*domain.ProrationEvent, *domain.ProrationQuote, error) {
	quote, account, err := e.quote(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	event := &domain.ProrationEvent{
		ID:                         uuid.New(),
		SubscriptionID:             req.SubscriptionID,
		UserID:                     req.UserID,
		EventType:                  req.EventType,
		FromTier:                   req.FromTier,
		ToTier:                     req.ToTier,
		DaysInPeriod:               quote.DaysInCycle,
		DaysRemaining:              quote.DaysRemaining,
		UnusedCredit:               quote.UnusedCreditValue,
		NewTierCost:                quote.NewTierCost,
		NetCharge:                  quote.NetCharge,
		Status:                     domain.ProrationPending,
		PriorSubscriptionAllocated: account.SubscriptionAllocated,
		PriorSubscriptionUsed:      account.SubscriptionUsed,
	}
	if err := e.repo.CreateProrationEvent(ctx, event); err != nil {
		return nil, nil, err
	}

	for attempt := 1; attempt <= deductMaxAttempts; attempt++ {
		proposal := *account
		if quote.DaysRemaining > 0 {
			proposal.SubscriptionAllocated = quote.ProratedCredits
			proposal.SubscriptionUsed = decimal.Min(account.SubscriptionUsed, quote.ProratedCredits)
		}
		// A change at daysRemaining = 0 is a recorded no-op: the event is
		// applied but the pools are left untouched.

		err := e.repo.ApplyProration(ctx, event, &proposal, account.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			e.logger.Info("proration lost version race, retrying",
				"user_id", req.UserID, "event_id", event.ID, "attempt", attempt)
			// Usage may have moved; recompute against the fresh account.
			quote, account, err = e.quote(ctx, req)
			if err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			if failErr := e.repo.MarkProrationEventFailed(ctx, event.ID); failErr != nil {
				e.logger.Error("failed to mark proration event failed", "event_id", event.ID, "error", failErr)
			}
			event.Status = domain.ProrationFailed
			return event, nil, err
		}

		event.Status = domain.ProrationApplied
		e.logger.Info("proration applied",
			"user_id", req.UserID,
			"event_id", event.ID,
			"from_tier", req.FromTier,
			"to_tier", req.ToTier,
			"prorated_credits", quote.ProratedCredits.String(),
			"net_charge", quote.NetCharge.String())
		return event, quote, nil
	}

	if failErr := e.repo.MarkProrationEventFailed(ctx, event.ID); failErr != nil {
		e.logger.Error("failed to mark proration event failed", "event_id", event.ID, "error", failErr)
	}
	event.Status = domain.ProrationFailed
	return event, nil, ErrConcurrentModification
}

// Reverse administratively reverses an applied proration: a new event
// referencing the original carries the inverse monetary adjustment, and the
// subscription pool is restored to its pre-change allocation. The original
// event is marked reversed, never mutated in its recorded amounts.
func (e *ProrationEngine) Reverse(ctx context.Context, eventID uuid.UUID) (*domain.ProrationEvent, error) {
	original, err := e.repo.GetProrationEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.ProrationApplied {
		return nil, fmt.Errorf("%w: event %s is %s", ErrEventNotReversible, original.ID, original.Status)
	}

	reversal := &domain.ProrationEvent{
		ID:             uuid.New(),
		SubscriptionID: original.SubscriptionID,
		UserID:         original.UserID,
		EventType:      original.EventType,
		FromTier:       original.ToTier,
		ToTier:         original.FromTier,
		DaysInPeriod:   original.DaysInPeriod,
		DaysRemaining:  original.DaysRemaining,
		UnusedCredit:   original.UnusedCredit,
		NewTierCost:    original.NewTierCost,
		NetCharge:      original.NetCharge.Neg(),
		Status:         domain.ProrationApplied,
		ReversalOf:     &original.ID,
	}

	for attempt := 1; attempt <= deductMaxAttempts; attempt++ {
		account, err := e.repo.GetActiveCreditAccount(ctx, original.UserID)
		if err != nil {
			return nil, err
		}

		proposal := *account
		proposal.SubscriptionAllocated = original.PriorSubscriptionAllocated
		// Usage since the change is kept; only clamp so the invariant
		// used <= allocated holds under the restored allocation.
		proposal.SubscriptionUsed = decimal.Min(account.SubscriptionUsed, original.PriorSubscriptionAllocated)
		reversal.PriorSubscriptionAllocated = account.SubscriptionAllocated
		reversal.PriorSubscriptionUsed = account.SubscriptionUsed

		err = e.repo.ReverseProration(ctx, original, reversal, &proposal, account.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			e.logger.Info("proration reversal lost version race, retrying",
				"event_id", original.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		e.logger.Info("proration reversed", "original_event_id", original.ID, "reversal_event_id", reversal.ID)
		return reversal, nil
	}

	return nil, ErrConcurrentModification
}

// daysBetween counts whole days from a to b, truncating both to day start so
// a change on a day boundary attributes the full current day to the new tier.
func daysBetween(a, b time.Time) int64 {
	dayA := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	dayB := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int64(dayB.Sub(dayA).Hours() / 24)
}
