/**
 * @description
 * Depletion monitor: a stateless check run after every successful deduction.
 * It compares the account before and after the write and emits a typed signal
 * when the account crosses into a low or depleted state. Delivery, retries
 * and logging of delivery outcome belong to the notification collaborator.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/domain"
)

// EventPublisher is the outbound event contract, implemented by the RabbitMQ
// producer and its no-op fallback.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Routing keys for depletion signals on the credit events exchange.
const (
	CreditEventsExchange = "credit.events"
	routingKeyLow        = "credit.balance.low"
	routingKeyDepleted   = "credit.balance.depleted"
)

// DepletionMonitor derives low/zero-balance signals from ledger state.
type DepletionMonitor struct {
	publisher EventPublisher
	threshold decimal.Decimal
	logger    *slog.Logger
}

// NewDepletionMonitor creates a monitor emitting signals at the given usage
// threshold percentage. A non-positive threshold falls back to the default.
func NewDepletionMonitor(publisher EventPublisher, thresholdPercent decimal.Decimal, logger *slog.Logger) *DepletionMonitor {
	if !thresholdPercent.IsPositive() {
		thresholdPercent = domain.DefaultLowBalanceThresholdPercent
	}
	return &DepletionMonitor{publisher: publisher, threshold: thresholdPercent, logger: logger}
}

// Observe compares the pre- and post-deduction account states and publishes
// a signal on a not-low to low or nonzero to zero crossing. Publish failures
// are logged and swallowed; the deduction has already committed.
func (m *DepletionMonitor) Observe(ctx context.Context, before, after *domain.CreditAccount) {
	signal := m.Evaluate(before, after)
	if signal == nil {
		return
	}

	routingKey := routingKeyLow
	if signal.Kind == domain.DepletionDepleted {
		routingKey = routingKeyDepleted
	}
	if err := m.publisher.Publish(ctx, CreditEventsExchange, routingKey, signal); err != nil {
		m.logger.Error("failed to publish depletion signal",
			"user_id", signal.UserID, "kind", signal.Kind, "error", err)
		return
	}
	m.logger.Info("depletion signal published",
		"user_id", signal.UserID, "kind", signal.Kind, "remaining", signal.Remaining.String())
}

// Evaluate returns the signal for a state crossing, or nil when no boundary
// was crossed. Reaching zero takes precedence over reaching the low
// threshold.
func (m *DepletionMonitor) Evaluate(before, after *domain.CreditAccount) *domain.DepletionSignal {
	if !before.IsDepleted() && after.IsDepleted() {
		return &domain.DepletionSignal{
			UserID:    after.UserID,
			Kind:      domain.DepletionDepleted,
			Remaining: after.TotalRemaining(),
			At:        time.Now().UTC(),
		}
	}
	if !before.IsLow(m.threshold) && after.IsLow(m.threshold) {
		return &domain.DepletionSignal{
			UserID:    after.UserID,
			Kind:      domain.DepletionLow,
			Remaining: after.TotalRemaining(),
			At:        time.Now().UTC(),
		}
	}
	return nil
}
