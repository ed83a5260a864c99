/**
 * @description
 * This file contains the credit ledger service: allocation, deduction, and
 * balance queries with optimistic-versioning atomicity. The ledger is the
 * sole writer of credit account rows; every balance change is a
 * read-modify-write conditional on the version read, retried a bounded
 * number of times on conflict.
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

var (
	// ErrInsufficientCredits is an expected, user-facing outcome and is never
	// retried by the core.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrConcurrentModification surfaces after version-conflict retries are
	// exhausted; the caller may retry at a higher level.
	ErrConcurrentModification = errors.New("concurrent modification, retries exhausted")
	// ErrInvalidBillingPeriod rejects zero-length or inverted billing cycles.
	ErrInvalidBillingPeriod = errors.New("invalid billing period")
	// ErrMissingRequestID rejects deductions without an idempotency key.
	ErrMissingRequestID = errors.New("deduction request id required")
	// ErrInvalidAmount rejects non-positive deduction or allocation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// deductMaxAttempts bounds the optimistic retry loop. Contention is
// per-account and short-lived, so there is no backoff between attempts.
const deductMaxAttempts = 3

// Repository defines the store operations the ledger service needs.
type Repository interface {
	GetActiveCreditAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error)
	GetCreditAccountForPeriod(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (*domain.CreditAccount, error)
	CreateCreditAccount(ctx context.Context, account *domain.CreditAccount) error
	ReplaceCreditAccount(ctx context.Context, account *domain.CreditAccount) error
	ApplyDeduction(ctx context.Context, account *domain.CreditAccount, expectedVersion int64, record *domain.DeductionRecord) error
	FindDeductionByRequestID(ctx context.Context, requestID string) (*domain.DeductionRecord, error)
}

// Service provides the credit ledger operations.
type Service struct {
	repo        Repository
	policy      *domain.IncrementPolicy
	idempotency *IdempotencyCache
	monitor     *DepletionMonitor
	logger      *slog.Logger
}

// NewService creates a new ledger service. The idempotency cache and the
// depletion monitor may be nil; both degrade to no-ops.
func NewService(repo Repository, policy *domain.IncrementPolicy, idempotency *IdempotencyCache, monitor *DepletionMonitor, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		policy:      policy,
		idempotency: idempotency,
		monitor:     monitor,
		logger:      logger,
	}
}

// DeductionMetadata carries the caller-supplied request identifier and any
// free-form context recorded alongside the deduction.
type DeductionMetadata struct {
	RequestID string
	Details   map[string]string
}

// AllocateCredits creates (or, when replace is set, replaces) the credit
// account for a billing period. Purchased credits are carried over from the
// user's current account since they never reset with the period.
func (s *Service) AllocateCredits(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time, freeAmount, subscriptionAmount decimal.Decimal, replace bool) (*domain.CreditAccount, error) {
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("%w: period end %s is not after period start %s", ErrInvalidBillingPeriod, periodEnd.Format(time.RFC3339), periodStart.Format(time.RFC3339))
	}
	if freeAmount.IsNegative() || subscriptionAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	account := &domain.CreditAccount{
		ID:                    uuid.New(),
		UserID:                userID,
		BillingPeriodStart:    periodStart,
		BillingPeriodEnd:      periodEnd,
		FreeAllocated:         s.policy.Round(freeAmount),
		FreeUsed:              decimal.Zero,
		SubscriptionAllocated: s.policy.Round(subscriptionAmount),
		SubscriptionUsed:      decimal.Zero,
		PurchasedTotal:        decimal.Zero,
		PurchasedLifetimeUsed: decimal.Zero,
		Version:               1,
	}

	if replace {
		existing, err := s.repo.GetCreditAccountForPeriod(ctx, userID, periodStart, periodEnd)
		if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		if existing != nil {
			account.ID = existing.ID
			account.PurchasedTotal = existing.PurchasedTotal
			account.PurchasedLifetimeUsed = existing.PurchasedLifetimeUsed
		}
		if err := s.repo.ReplaceCreditAccount(ctx, account); err != nil {
			return nil, err
		}
		s.logger.Info("credit account replaced", "user_id", userID, "period_start", periodStart, "period_end", periodEnd)
		return account, nil
	}

	// Carry purchased balances forward from the user's current account.
	if current, err := s.repo.GetActiveCreditAccount(ctx, userID); err == nil {
		account.PurchasedTotal = current.PurchasedTotal
		account.PurchasedLifetimeUsed = current.PurchasedLifetimeUsed
	} else if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	if err := s.repo.CreateCreditAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("credit account allocated",
		"user_id", userID,
		"free", account.FreeAllocated.String(),
		"subscription", account.SubscriptionAllocated.String())
	return account, nil
}

// HasAvailableCredits reports whether the user's pools can cover the rounded
// required amount. A user without an account simply has no credits.
func (s *Service) HasAvailableCredits(ctx context.Context, userID uuid.UUID, required decimal.Decimal) (bool, error) {
	account, err := s.repo.GetActiveCreditAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.TotalRemaining().GreaterThanOrEqual(s.policy.Round(required)), nil
}

// GetDetailedCredits returns the full pool breakdown for the current period.
func (s *Service) GetDetailedCredits(ctx context.Context, userID uuid.UUID) (*domain.DetailedCredits, error) {
	account, err := s.repo.GetActiveCreditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.DetailedCredits{
		UserID:             account.UserID,
		BillingPeriodStart: account.BillingPeriodStart,
		BillingPeriodEnd:   account.BillingPeriodEnd,
		Free:               account.FreePool(),
		Subscription:       account.SubscriptionPool(),
		Purchased:          account.PurchasedPool(),
		TotalRemaining:     account.TotalRemaining(),
	}, nil
}

// DeductCredits debits the rounded amount from the user's pools in fixed
// priority order: free, then subscription, then purchased. The operation is
// idempotent per request identifier; a duplicate replays the original result
// without a second debit.
func (s *Service) DeductCredits(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, metadata DeductionMetadata) (*domain.DeductionResult, error) {
	if metadata.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	rounded := s.policy.Round(amount)
	if !rounded.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// Fast-path replay from the cache, then the durable record.
	if cached := s.idempotency.Lookup(ctx, metadata.RequestID); cached != nil {
		return cached, nil
	}
	if prior, err := s.repo.FindDeductionByRequestID(ctx, metadata.RequestID); err == nil {
		return domain.ResultFromRecord(prior), nil
	} else if !errors.Is(err, store.ErrDeductionNotFound) {
		return nil, err
	}

	for attempt := 1; attempt <= deductMaxAttempts; attempt++ {
		account, err := s.repo.GetActiveCreditAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		if account.TotalRemaining().LessThan(rounded) {
			return nil, ErrInsufficientCredits
		}

		before := *account
		record := drainPools(account, rounded, metadata)

		err = s.repo.ApplyDeduction(ctx, account, before.Version, record)
		if errors.Is(err, store.ErrVersionConflict) {
			s.logger.Info("deduction lost version race, retrying",
				"user_id", userID, "request_id", metadata.RequestID, "attempt", attempt)
			continue
		}
		if errors.Is(err, store.ErrDuplicateRequest) {
			// A concurrent call with the same request id won; replay it.
			prior, findErr := s.repo.FindDeductionByRequestID(ctx, metadata.RequestID)
			if findErr != nil {
				return nil, findErr
			}
			return domain.ResultFromRecord(prior), nil
		}
		if err != nil {
			return nil, err
		}

		result := &domain.DeductionResult{
			RequestID:            record.RequestID,
			Deducted:             record.Amount,
			FreeDeducted:         record.FreeDeducted,
			SubscriptionDeducted: record.SubscriptionDeducted,
			PurchasedDeducted:    record.PurchasedDeducted,
			Remaining:            record.RemainingAfter,
		}
		s.idempotency.Store(ctx, metadata.RequestID, result)

		// Depletion signals are fire-and-forget; the ledger never waits on
		// notification delivery.
		if s.monitor != nil {
			after := *account
			go s.monitor.Observe(context.WithoutCancel(ctx), &before, &after)
		}
		return result, nil
	}

	return nil, ErrConcurrentModification
}

// drainPools applies the deduction to the account in priority order and
// returns the record of what each pool contributed. The caller has already
// verified that the total remaining balance covers the amount.
func drainPools(account *domain.CreditAccount, amount decimal.Decimal, metadata DeductionMetadata) *domain.DeductionRecord {
	rest := amount

	freeTake := decimal.Min(account.FreePool().Remaining(), rest)
	account.FreeUsed = account.FreeUsed.Add(freeTake)
	rest = rest.Sub(freeTake)

	subTake := decimal.Min(account.SubscriptionPool().Remaining(), rest)
	account.SubscriptionUsed = account.SubscriptionUsed.Add(subTake)
	rest = rest.Sub(subTake)

	purchasedTake := decimal.Min(account.PurchasedPool().Remaining(), rest)
	account.PurchasedLifetimeUsed = account.PurchasedLifetimeUsed.Add(purchasedTake)

	return &domain.DeductionRecord{
		ID:                   uuid.New(),
		RequestID:            metadata.RequestID,
		UserID:               account.UserID,
		Amount:               amount,
		FreeDeducted:         freeTake,
		SubscriptionDeducted: subTake,
		PurchasedDeducted:    purchasedTake,
		RemainingAfter:       account.TotalRemaining(),
		Metadata:             metadata.Details,
		CreatedAt:            time.Now().UTC(),
	}
}
