/**
 * @description
 * Scheduled job implementations for the credit-service. The rollover job
 * retires credit accounts whose billing period has ended and creates their
 * successor accounts with fresh monthly allocations; purchased credits carry
 * over untouched.
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

// RolloverRepository defines the store operations the rollover job needs.
type RolloverRepository interface {
	ListAccountsEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditAccount, error)
	RolloverAccount(ctx context.Context, old *domain.CreditAccount, successor *domain.CreditAccount) error
}

// rolloverBatchSize caps how many accounts one job run processes.
const rolloverBatchSize = 200

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   RolloverRepository
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo RolloverRepository, logger *slog.Logger) *Jobs {
	return &Jobs{repo: repo, logger: logger}
}

// RolloverBillingPeriods retires ended accounts and creates their successors.
// A version conflict on one account means a deduction is racing the rollover;
// that account is skipped and picked up on the next run.
func (j *Jobs) RolloverBillingPeriods() {
	ctx := context.Background()
	now := time.Now().UTC()

	accounts, err := j.repo.ListAccountsEndedBefore(ctx, now, rolloverBatchSize)
	if err != nil {
		j.logger.Error("failed to list ended credit accounts", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}
	j.logger.Info("starting billing period rollover", "accounts", len(accounts))

	rolled := 0
	for i := range accounts {
		old := &accounts[i]
		successor := SuccessorAccount(old)

		err := j.repo.RolloverAccount(ctx, old, successor)
		if errors.Is(err, store.ErrVersionConflict) {
			j.logger.Info("rollover lost version race, deferring account",
				"user_id", old.UserID, "account_id", old.ID)
			continue
		}
		if errors.Is(err, store.ErrDuplicatePeriod) {
			j.logger.Info("successor period already exists, deferring account",
				"user_id", old.UserID, "account_id", old.ID)
			continue
		}
		if err != nil {
			j.logger.Error("failed to roll over credit account",
				"user_id", old.UserID, "account_id", old.ID, "error", err)
			continue
		}
		rolled++
	}

	j.logger.Info("billing period rollover finished", "rolled", rolled, "total", len(accounts))
}

// SuccessorAccount builds the account for the next billing period: same
// allocations with usage reset, purchased balances carried over, period
// shifted forward by the subscription month.
func SuccessorAccount(old *domain.CreditAccount) *domain.CreditAccount {
	return &domain.CreditAccount{
		ID:                    uuid.New(),
		UserID:                old.UserID,
		BillingPeriodStart:    old.BillingPeriodEnd,
		BillingPeriodEnd:      old.BillingPeriodEnd.AddDate(0, 1, 0),
		FreeAllocated:         old.FreeAllocated,
		FreeUsed:              decimal.Zero,
		SubscriptionAllocated: old.SubscriptionAllocated,
		SubscriptionUsed:      decimal.Zero,
		PurchasedTotal:        old.PurchasedTotal,
		PurchasedLifetimeUsed: old.PurchasedLifetimeUsed,
		Version:               1,
	}
}
