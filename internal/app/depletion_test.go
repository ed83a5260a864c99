package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/domain"
)

type capturingPublisher struct {
	mu         sync.Mutex
	exchange   string
	routingKey string
	bodies     []interface{}
	err        error
}

func (p *capturingPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.exchange = exchange
	p.routingKey = routingKey
	p.bodies = append(p.bodies, body)
	return nil
}

func subscriptionOnly(t *testing.T, used string) *domain.CreditAccount {
	t.Helper()
	return &domain.CreditAccount{
		UserID:                uuid.New(),
		SubscriptionAllocated: dec(t, "100"),
		SubscriptionUsed:      dec(t, used),
	}
}

func TestEvaluateSignalsLowCrossing(t *testing.T) {
	monitor := NewDepletionMonitor(&capturingPublisher{}, decimal.Zero, testLogger())

	before := subscriptionOnly(t, "85")
	after := subscriptionOnly(t, "95")
	after.UserID = before.UserID

	signal := monitor.Evaluate(before, after)
	if signal == nil {
		t.Fatal("expected a low-balance signal")
	}
	if signal.Kind != domain.DepletionLow {
		t.Fatalf("signal kind = %s, want low", signal.Kind)
	}
	if !signal.Remaining.Equal(dec(t, "5")) {
		t.Fatalf("signal remaining = %s, want 5", signal.Remaining)
	}
	if signal.UserID != after.UserID {
		t.Fatalf("signal user = %s, want %s", signal.UserID, after.UserID)
	}
}

func TestEvaluateDepletedTakesPrecedenceOverLow(t *testing.T) {
	monitor := NewDepletionMonitor(&capturingPublisher{}, decimal.Zero, testLogger())

	// One deduction crosses both the low threshold and zero.
	before := subscriptionOnly(t, "85")
	after := subscriptionOnly(t, "100")

	signal := monitor.Evaluate(before, after)
	if signal == nil {
		t.Fatal("expected a depleted signal")
	}
	if signal.Kind != domain.DepletionDepleted {
		t.Fatalf("signal kind = %s, want depleted", signal.Kind)
	}
	if !signal.Remaining.IsZero() {
		t.Fatalf("signal remaining = %s, want 0", signal.Remaining)
	}
}

func TestEvaluateDoesNotRepeatSignals(t *testing.T) {
	monitor := NewDepletionMonitor(&capturingPublisher{}, decimal.Zero, testLogger())

	tests := []struct {
		name   string
		before string
		after  string
	}{
		{name: "already low stays low", before: "92", after: "99"},
		{name: "already depleted stays depleted", before: "100", after: "100"},
		{name: "no boundary crossed", before: "10", after: "20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if signal := monitor.Evaluate(subscriptionOnly(t, tt.before), subscriptionOnly(t, tt.after)); signal != nil {
				t.Fatalf("unexpected %s signal", signal.Kind)
			}
		})
	}
}

func TestEvaluateHonorsCustomThreshold(t *testing.T) {
	monitor := NewDepletionMonitor(&capturingPublisher{}, dec(t, "50"), testLogger())

	signal := monitor.Evaluate(subscriptionOnly(t, "40"), subscriptionOnly(t, "60"))
	if signal == nil || signal.Kind != domain.DepletionLow {
		t.Fatalf("expected low signal at 50%% threshold, got %+v", signal)
	}
}

func TestObservePublishesToCreditEventsExchange(t *testing.T) {
	publisher := &capturingPublisher{}
	monitor := NewDepletionMonitor(publisher, decimal.Zero, testLogger())

	monitor.Observe(context.Background(), subscriptionOnly(t, "85"), subscriptionOnly(t, "100"))

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.bodies) != 1 {
		t.Fatalf("published %d signals, want 1", len(publisher.bodies))
	}
	if publisher.exchange != CreditEventsExchange {
		t.Fatalf("exchange = %s, want %s", publisher.exchange, CreditEventsExchange)
	}
	if publisher.routingKey != "credit.balance.depleted" {
		t.Fatalf("routing key = %s, want credit.balance.depleted", publisher.routingKey)
	}
	if _, ok := publisher.bodies[0].(*domain.DepletionSignal); !ok {
		t.Fatalf("published body has type %T, want *domain.DepletionSignal", publisher.bodies[0])
	}
}

func TestObserveSwallowsPublishFailures(t *testing.T) {
	publisher := &capturingPublisher{err: errors.New("broker down")}
	monitor := NewDepletionMonitor(publisher, decimal.Zero, testLogger())

	// Must not panic or propagate; the deduction has already committed.
	monitor.Observe(context.Background(), subscriptionOnly(t, "85"), subscriptionOnly(t, "100"))
}
