/**
 * @description
 * This file provides the PostgreSQL implementation of the ledger repository.
 * It contains all the SQL for credit accounts, deduction records, tier
 * configuration versions with their audit trail, and proration events.
 *
 * Every balance mutation is a conditional update on the account's version
 * column; a lost version race surfaces as ErrVersionConflict and is retried
 * by the service layer.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meterline/credit-service/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("credit account not found")
	ErrDuplicatePeriod        = errors.New("credit account already exists for billing period")
	ErrVersionConflict        = errors.New("credit account version conflict")
	ErrDuplicateRequest       = errors.New("deduction request already recorded")
	ErrDeductionNotFound      = errors.New("deduction record not found")
	ErrTierNotFound           = errors.New("tier configuration not found")
	ErrProrationEventNotFound = errors.New("proration event not found")
)

const uniqueViolation = "23505"

// PostgresRepository is the pgx-backed implementation of the ledger repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const creditAccountColumns = `
	id, user_id, billing_period_start, billing_period_end,
	free_allocated, free_used, subscription_allocated, subscription_used,
	purchased_total, purchased_lifetime_used, retired, version, created_at, updated_at
`

func scanCreditAccount(row pgx.Row) (*domain.CreditAccount, error) {
	var account domain.CreditAccount
	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.BillingPeriodStart,
		&account.BillingPeriodEnd,
		&account.FreeAllocated,
		&account.FreeUsed,
		&account.SubscriptionAllocated,
		&account.SubscriptionUsed,
		&account.PurchasedTotal,
		&account.PurchasedLifetimeUsed,
		&account.Retired,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetActiveCreditAccount retrieves the user's current (non-retired) account.
func (r *PostgresRepository) GetActiveCreditAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	query := `
		SELECT ` + creditAccountColumns + `
		FROM credit_accounts
		WHERE user_id = $1 AND retired = false
		ORDER BY billing_period_start DESC
		LIMIT 1
	`
	return scanCreditAccount(r.db.QueryRow(ctx, query, userID))
}

// GetCreditAccountForPeriod retrieves the account for an exact billing period.
func (r *PostgresRepository) GetCreditAccountForPeriod(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (*domain.CreditAccount, error) {
	query := `
		SELECT ` + creditAccountColumns + `
		FROM credit_accounts
		WHERE user_id = $1 AND billing_period_start = $2 AND billing_period_end = $3
	`
	return scanCreditAccount(r.db.QueryRow(ctx, query, userID, periodStart, periodEnd))
}

// CreateCreditAccount inserts a new account for a billing period. An existing
// account for the exact same period surfaces as ErrDuplicatePeriod.
func (r *PostgresRepository) CreateCreditAccount(ctx context.Context, account *domain.CreditAccount) error {
	query := `
		INSERT INTO credit_accounts (
			id, user_id, billing_period_start, billing_period_end,
			free_allocated, free_used, subscription_allocated, subscription_used,
			purchased_total, purchased_lifetime_used, retired, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		account.ID,
		account.UserID,
		account.BillingPeriodStart,
		account.BillingPeriodEnd,
		account.FreeAllocated,
		account.FreeUsed,
		account.SubscriptionAllocated,
		account.SubscriptionUsed,
		account.PurchasedTotal,
		account.PurchasedLifetimeUsed,
		account.Retired,
		account.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicatePeriod
		}
		return err
	}
	return nil
}

// ReplaceCreditAccount overwrites the account for a billing period, bumping
// its version so any concurrent deduction loses the race and retries.
func (r *PostgresRepository) ReplaceCreditAccount(ctx context.Context, account *domain.CreditAccount) error {
	query := `
		INSERT INTO credit_accounts (
			id, user_id, billing_period_start, billing_period_end,
			free_allocated, free_used, subscription_allocated, subscription_used,
			purchased_total, purchased_lifetime_used, retired, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, billing_period_start, billing_period_end)
		DO UPDATE SET
			free_allocated = EXCLUDED.free_allocated,
			free_used = EXCLUDED.free_used,
			subscription_allocated = EXCLUDED.subscription_allocated,
			subscription_used = EXCLUDED.subscription_used,
			purchased_total = EXCLUDED.purchased_total,
			purchased_lifetime_used = EXCLUDED.purchased_lifetime_used,
			retired = EXCLUDED.retired,
			version = credit_accounts.version + 1,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		account.ID,
		account.UserID,
		account.BillingPeriodStart,
		account.BillingPeriodEnd,
		account.FreeAllocated,
		account.FreeUsed,
		account.SubscriptionAllocated,
		account.SubscriptionUsed,
		account.PurchasedTotal,
		account.PurchasedLifetimeUsed,
		account.Retired,
		account.Version,
	)
	return err
}

// ApplyDeduction atomically writes the drained pool balances and the
// deduction record. The account update is conditional on the version read by
// the service; a duplicate request id aborts the transaction without a debit.
func (r *PostgresRepository) ApplyDeduction(ctx context.Context, account *domain.CreditAccount, expectedVersion int64, record *domain.DeductionRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE credit_accounts
		SET free_used = $1, subscription_used = $2, purchased_lifetime_used = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`
	tag, err := tx.Exec(ctx, updateQuery,
		account.FreeUsed,
		account.SubscriptionUsed,
		account.PurchasedLifetimeUsed,
		account.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return err
	}

	insertQuery := `
		INSERT INTO credit_deductions (
			id, request_id, user_id, amount,
			free_deducted, subscription_deducted, purchased_deducted,
			remaining_after, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, insertQuery,
		record.ID,
		record.RequestID,
		record.UserID,
		record.Amount,
		record.FreeDeducted,
		record.SubscriptionDeducted,
		record.PurchasedDeducted,
		record.RemainingAfter,
		metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateRequest
		}
		return err
	}

	return tx.Commit(ctx)
}

// FindDeductionByRequestID retrieves the recorded outcome of a prior request.
func (r *PostgresRepository) FindDeductionByRequestID(ctx context.Context, requestID string) (*domain.DeductionRecord, error) {
	query := `
		SELECT id, request_id, user_id, amount,
		       free_deducted, subscription_deducted, purchased_deducted,
		       remaining_after, metadata, created_at
		FROM credit_deductions
		WHERE request_id = $1
	`
	var record domain.DeductionRecord
	var metadata []byte
	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&record.ID,
		&record.RequestID,
		&record.UserID,
		&record.Amount,
		&record.FreeDeducted,
		&record.SubscriptionDeducted,
		&record.PurchasedDeducted,
		&record.RemainingAfter,
		&metadata,
		&record.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDeductionNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// GetLatestTierConfig retrieves the newest active version of a tier.
func (r *PostgresRepository) GetLatestTierConfig(ctx context.Context, tierName string) (*domain.TierConfig, error) {
	query := `
		SELECT id, tier_name, monthly_credit_allocation, monthly_price_usd,
		       annual_price_usd, is_active, config_version, effective_from, created_at
		FROM tier_configs
		WHERE tier_name = $1 AND is_active = true
		ORDER BY config_version DESC
		LIMIT 1
	`
	var cfg domain.TierConfig
	err := r.db.QueryRow(ctx, query, tierName).Scan(
		&cfg.ID,
		&cfg.TierName,
		&cfg.MonthlyCreditAllocation,
		&cfg.MonthlyPriceUSD,
		&cfg.AnnualPriceUSD,
		&cfg.IsActive,
		&cfg.ConfigVersion,
		&cfg.EffectiveFrom,
		&cfg.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTierNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// CreateTierConfigVersion appends a new tier config version and its audit
// entries in one transaction. Existing versions are never updated.
func (r *PostgresRepository) CreateTierConfigVersion(ctx context.Context, cfg *domain.TierConfig, entries []domain.AuditEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	configQuery := `
		INSERT INTO tier_configs (
			id, tier_name, monthly_credit_allocation, monthly_price_usd,
			annual_price_usd, is_active, config_version, effective_from
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, configQuery,
		cfg.ID,
		cfg.TierName,
		cfg.MonthlyCreditAllocation,
		cfg.MonthlyPriceUSD,
		cfg.AnnualPriceUSD,
		cfg.IsActive,
		cfg.ConfigVersion,
		cfg.EffectiveFrom,
	); err != nil {
		return err
	}

	entryQuery := `
		INSERT INTO tier_audit_entries (
			id, tier_name, changed_field, previous_value, new_value, actor_id
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, entry := range entries {
		if _, err := tx.Exec(ctx, entryQuery,
			entry.ID,
			entry.TierName,
			entry.ChangedField,
			entry.PreviousValue,
			entry.NewValue,
			entry.ActorID,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListAuditEntriesForTier returns the append-only change history of a tier.
func (r *PostgresRepository) ListAuditEntriesForTier(ctx context.Context, tierName string) ([]domain.AuditEntry, error) {
	query := `
		SELECT id, tier_name, changed_field, previous_value, new_value, actor_id, created_at
		FROM tier_audit_entries
		WHERE tier_name = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, tierName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.TierName,
			&entry.ChangedField,
			&entry.PreviousValue,
			&entry.NewValue,
			&entry.ActorID,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

const prorationEventColumns = `
	id, subscription_id, user_id, event_type, from_tier, to_tier,
	days_in_period, days_remaining, unused_credit, new_tier_cost, net_charge,
	status, reversal_of, prior_subscription_allocated, prior_subscription_used,
	created_at, updated_at
`

func scanProrationEvent(row pgx.Row) (*domain.ProrationEvent, error) {
	var event domain.ProrationEvent
	err := row.Scan(
		&event.ID,
		&event.SubscriptionID,
		&event.UserID,
		&event.EventType,
		&event.FromTier,
		&event.ToTier,
		&event.DaysInPeriod,
		&event.DaysRemaining,
		&event.UnusedCredit,
		&event.NewTierCost,
		&event.NetCharge,
		&event.Status,
		&event.ReversalOf,
		&event.PriorSubscriptionAllocated,
		&event.PriorSubscriptionUsed,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProrationEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// CreateProrationEvent inserts a new pending proration event.
func (r *PostgresRepository) CreateProrationEvent(ctx context.Context, event *domain.ProrationEvent) error {
	query := `
		INSERT INTO proration_events (
			id, subscription_id, user_id, event_type, from_tier, to_tier,
			days_in_period, days_remaining, unused_credit, new_tier_cost, net_charge,
			status, reversal_of, prior_subscription_allocated, prior_subscription_used
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.SubscriptionID,
		event.UserID,
		event.EventType,
		event.FromTier,
		event.ToTier,
		event.DaysInPeriod,
		event.DaysRemaining,
		event.UnusedCredit,
		event.NewTierCost,
		event.NetCharge,
		event.Status,
		event.ReversalOf,
		event.PriorSubscriptionAllocated,
		event.PriorSubscriptionUsed,
	)
	return err
}

// GetProrationEvent retrieves a proration event by id.
func (r *PostgresRepository) GetProrationEvent(ctx context.Context, eventID uuid.UUID) (*domain.ProrationEvent, error) {
	query := `SELECT ` + prorationEventColumns + ` FROM proration_events WHERE id = $1`
	return scanProrationEvent(r.db.QueryRow(ctx, query, eventID))
}

// ApplyProration commits the proposed account delta and marks the pending
// event applied in one transaction. Either both effects are visible or
// neither is; a lost version race leaves the event pending for a retry.
func (r *PostgresRepository) ApplyProration(ctx context.Context, event *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE credit_accounts
		SET subscription_allocated = $1, subscription_used = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	tag, err := tx.Exec(ctx, updateQuery,
		account.SubscriptionAllocated,
		account.SubscriptionUsed,
		account.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	statusQuery := `
		UPDATE proration_events
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	tag, err = tx.Exec(ctx, statusQuery, domain.ProrationApplied, event.ID, domain.ProrationPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProrationEventNotFound
	}

	return tx.Commit(ctx)
}

// MarkProrationEventFailed terminates a pending event without a ledger delta.
func (r *PostgresRepository) MarkProrationEventFailed(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE proration_events
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.ProrationFailed, eventID, domain.ProrationPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProrationEventNotFound
	}
	return nil
}

// ReverseProration writes the inverse ledger delta, inserts the reversal
// event, and marks the original reversed, all in one transaction.
func (r *PostgresRepository) ReverseProration(ctx context.Context, original *domain.ProrationEvent, reversal *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE credit_accounts
		SET subscription_allocated = $1, subscription_used = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	tag, err := tx.Exec(ctx, updateQuery,
		account.SubscriptionAllocated,
		account.SubscriptionUsed,
		account.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	insertQuery := `
		INSERT INTO proration_events (
			id, subscription_id, user_id, event_type, from_tier, to_tier,
			days_in_period, days_remaining, unused_credit, new_tier_cost, net_charge,
			status, reversal_of, prior_subscription_allocated, prior_subscription_used
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	if _, err := tx.Exec(ctx, insertQuery,
		reversal.ID,
		reversal.SubscriptionID,
		reversal.UserID,
		reversal.EventType,
		reversal.FromTier,
		reversal.ToTier,
		reversal.DaysInPeriod,
		reversal.DaysRemaining,
		reversal.UnusedCredit,
		reversal.NewTierCost,
		reversal.NetCharge,
		reversal.Status,
		reversal.ReversalOf,
		reversal.PriorSubscriptionAllocated,
		reversal.PriorSubscriptionUsed,
	); err != nil {
		return err
	}

	statusQuery := `
		UPDATE proration_events
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	tag, err = tx.Exec(ctx, statusQuery, domain.ProrationReversed, original.ID, domain.ProrationApplied)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProrationEventNotFound
	}

	return tx.Commit(ctx)
}

// ListAccountsEndedBefore returns non-retired accounts whose billing period
// ended before the cutoff, for the rollover job.
func (r *PostgresRepository) ListAccountsEndedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + creditAccountColumns + `
		FROM credit_accounts
		WHERE retired = false AND billing_period_end < $1
		ORDER BY billing_period_end ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.CreditAccount
	for rows.Next() {
		account, err := scanCreditAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// RolloverAccount retires an ended account and creates its successor in one
// transaction. The retire update is version-checked so a deduction racing the
// rollover forces a clean retry.
func (r *PostgresRepository) RolloverAccount(ctx context.Context, old *domain.CreditAccount, successor *domain.CreditAccount) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	retireQuery := `
		UPDATE credit_accounts
		SET retired = true, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, retireQuery, old.ID, old.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	insertQuery := `
		INSERT INTO credit_accounts (
			id, user_id, billing_period_start, billing_period_end,
			free_allocated, free_used, subscription_allocated, subscription_used,
			purchased_total, purchased_lifetime_used, retired, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if _, err := tx.Exec(ctx, insertQuery,
		successor.ID,
		successor.UserID,
		successor.BillingPeriodStart,
		successor.BillingPeriodEnd,
		successor.FreeAllocated,
		successor.FreeUsed,
		successor.SubscriptionAllocated,
		successor.SubscriptionUsed,
		successor.PurchasedTotal,
		successor.PurchasedLifetimeUsed,
		successor.Retired,
		successor.Version,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicatePeriod
		}
		return err
	}

	return tx.Commit(ctx)
}
