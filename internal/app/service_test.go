package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/domain"
	"github.com/meterline/credit-service/internal/store"
)

// fakeRepo is an in-memory stand-in for the Postgres repository. It enforces
// the same version-check and unique-request semantics so the retry and
// idempotency paths can be exercised without a database.
type fakeRepo struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]*domain.CreditAccount
	deductions map[string]*domain.DeductionRecord
	tiers      map[string]*domain.TierConfig
	audits     map[string][]domain.AuditEntry
	events     map[uuid.UUID]*domain.ProrationEvent

	// forcedDeductConflicts makes ApplyDeduction lose the version race that
	// many times, advancing the stored version as a competing writer would.
	forcedDeductConflicts int
	// forcedProrationConflicts does the same for ApplyProration.
	forcedProrationConflicts int
	// forcedRolloverConflicts does the same for RolloverAccount.
	forcedRolloverConflicts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts:   make(map[uuid.UUID]*domain.CreditAccount),
		deductions: make(map[string]*domain.DeductionRecord),
		tiers:      make(map[string]*domain.TierConfig),
		audits:     make(map[string][]domain.AuditEntry),
		events:     make(map[uuid.UUID]*domain.ProrationEvent),
	}
}

func (r *fakeRepo) putAccount(a *domain.CreditAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.accounts[a.UserID] = &cp
}

func (r *fakeRepo) account(userID uuid.UUID) *domain.CreditAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.accounts[userID]
	return &cp
}

func (r *fakeRepo) putTier(cfg *domain.TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cfg
	r.tiers[cfg.TierName] = &cp
}

func (r *fakeRepo) GetActiveCreditAccount(_ context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok || a.Retired {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) GetCreditAccountForPeriod(_ context.Context, userID uuid.UUID, periodStart, periodEnd time.Time) (*domain.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok || !a.BillingPeriodStart.Equal(periodStart) || !a.BillingPeriodEnd.Equal(periodEnd) {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) CreateCreditAccount(_ context.Context, account *domain.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.accounts[account.UserID]; ok && !existing.Retired &&
		existing.BillingPeriodStart.Equal(account.BillingPeriodStart) {
		return store.ErrDuplicatePeriod
	}
	cp := *account
	r.accounts[account.UserID] = &cp
	return nil
}

func (r *fakeRepo) ReplaceCreditAccount(_ context.Context, account *domain.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *account
	if existing, ok := r.accounts[account.UserID]; ok {
		cp.Version = existing.Version + 1
	}
	r.accounts[account.UserID] = &cp
	return nil
}

func (r *fakeRepo) ApplyDeduction(_ context.Context, account *domain.CreditAccount, expectedVersion int64, record *domain.DeductionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accounts[account.UserID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if _, dup := r.deductions[record.RequestID]; dup {
		return store.ErrDuplicateRequest
	}
	if r.forcedDeductConflicts > 0 {
		r.forcedDeductConflicts--
		cur.Version++
		return store.ErrVersionConflict
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	cp := *account
	cp.Version = expectedVersion + 1
	r.accounts[account.UserID] = &cp
	rec := *record
	r.deductions[record.RequestID] = &rec
	return nil
}

func (r *fakeRepo) FindDeductionByRequestID(_ context.Context, requestID string) (*domain.DeductionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.deductions[requestID]
	if !ok {
		return nil, store.ErrDeductionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) GetLatestTierConfig(_ context.Context, tierName string) (*domain.TierConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.tiers[tierName]
	if !ok {
		return nil, store.ErrTierNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (r *fakeRepo) CreateTierConfigVersion(_ context.Context, cfg *domain.TierConfig, entries []domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cfg
	r.tiers[cfg.TierName] = &cp
	r.audits[cfg.TierName] = append(r.audits[cfg.TierName], entries...)
	return nil
}

func (r *fakeRepo) ListAuditEntriesForTier(_ context.Context, tierName string) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.audits[tierName]...), nil
}

func (r *fakeRepo) CreateProrationEvent(_ context.Context, event *domain.ProrationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *fakeRepo) GetProrationEvent(_ context.Context, eventID uuid.UUID) (*domain.ProrationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return nil, store.ErrProrationEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (r *fakeRepo) ApplyProration(_ context.Context, event *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accounts[account.UserID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if r.forcedProrationConflicts > 0 {
		r.forcedProrationConflicts--
		cur.Version++
		return store.ErrVersionConflict
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	cp := *account
	cp.Version = expectedVersion + 1
	r.accounts[account.UserID] = &cp
	if stored, ok := r.events[event.ID]; ok {
		stored.Status = domain.ProrationApplied
	}
	return nil
}

func (r *fakeRepo) MarkProrationEventFailed(_ context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.events[eventID]; ok {
		stored.Status = domain.ProrationFailed
	}
	return nil
}

func (r *fakeRepo) ReverseProration(_ context.Context, original *domain.ProrationEvent, reversal *domain.ProrationEvent, account *domain.CreditAccount, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accounts[account.UserID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	cp := *account
	cp.Version = expectedVersion + 1
	r.accounts[account.UserID] = &cp
	if stored, ok := r.events[original.ID]; ok {
		stored.Status = domain.ProrationReversed
	}
	rev := *reversal
	r.events[reversal.ID] = &rev
	return nil
}

func (r *fakeRepo) ListAccountsEndedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CreditAccount
	for _, a := range r.accounts {
		if !a.Retired && a.BillingPeriodEnd.Before(cutoff) {
			out = append(out, *a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) RolloverAccount(_ context.Context, old *domain.CreditAccount, successor *domain.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accounts[old.UserID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if r.forcedRolloverConflicts > 0 {
		r.forcedRolloverConflicts--
		cur.Version++
		return store.ErrVersionConflict
	}
	if cur.Version != old.Version {
		return store.ErrVersionConflict
	}
	cp := *successor
	r.accounts[successor.UserID] = &cp
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy(t *testing.T, increment string) *domain.IncrementPolicy {
	t.Helper()
	policy, err := domain.NewIncrementPolicy(dec(t, increment))
	if err != nil {
		t.Fatalf("NewIncrementPolicy: %v", err)
	}
	return policy
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func period(t *testing.T) (time.Time, time.Time) {
	t.Helper()
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func seedAccount(t *testing.T, repo *fakeRepo, free, freeUsed, sub, subUsed, purchased, purchasedUsed string) *domain.CreditAccount {
	t.Helper()
	start, end := period(t)
	account := &domain.CreditAccount{
		ID:                    uuid.New(),
		UserID:                uuid.New(),
		BillingPeriodStart:    start,
		BillingPeriodEnd:      end,
		FreeAllocated:         dec(t, free),
		FreeUsed:              dec(t, freeUsed),
		SubscriptionAllocated: dec(t, sub),
		SubscriptionUsed:      dec(t, subUsed),
		PurchasedTotal:        dec(t, purchased),
		PurchasedLifetimeUsed: dec(t, purchasedUsed),
		Version:               1,
	}
	repo.putAccount(account)
	return account
}

func TestDeductCreditsRoundsAndDrainsFreeFirst(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "0", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	result, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "3.27"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !result.Deducted.Equal(dec(t, "3.3")) {
		t.Fatalf("Deducted = %s, want 3.3", result.Deducted)
	}
	if !result.FreeDeducted.Equal(dec(t, "3.3")) {
		t.Fatalf("FreeDeducted = %s, want 3.3", result.FreeDeducted)
	}
	if !result.Remaining.Equal(dec(t, "6.7")) {
		t.Fatalf("Remaining = %s, want 6.7", result.Remaining)
	}
	if result.Duplicate {
		t.Fatal("first deduction flagged as duplicate")
	}

	stored := repo.account(account.UserID)
	if !stored.FreeUsed.Equal(dec(t, "3.3")) {
		t.Fatalf("stored FreeUsed = %s, want 3.3", stored.FreeUsed)
	}
	if stored.Version != 2 {
		t.Fatalf("stored version = %d, want 2", stored.Version)
	}
}

func TestDeductCreditsFallsThroughToPurchased(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "0", "0", "100", "100", "50", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	result, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "20"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !result.SubscriptionDeducted.IsZero() {
		t.Fatalf("SubscriptionDeducted = %s, want 0", result.SubscriptionDeducted)
	}
	if !result.PurchasedDeducted.Equal(dec(t, "20")) {
		t.Fatalf("PurchasedDeducted = %s, want 20", result.PurchasedDeducted)
	}

	stored := repo.account(account.UserID)
	if !stored.PurchasedLifetimeUsed.Equal(dec(t, "20")) {
		t.Fatalf("stored PurchasedLifetimeUsed = %s, want 20", stored.PurchasedLifetimeUsed)
	}
	if !stored.SubscriptionUsed.Equal(dec(t, "100")) {
		t.Fatalf("stored SubscriptionUsed = %s, want unchanged 100", stored.SubscriptionUsed)
	}
}

func TestDeductCreditsSpansPoolsInPriorityOrder(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "8", "100", "95", "5", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	result, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "10"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !result.FreeDeducted.Equal(dec(t, "2")) {
		t.Fatalf("FreeDeducted = %s, want 2", result.FreeDeducted)
	}
	if !result.SubscriptionDeducted.Equal(dec(t, "5")) {
		t.Fatalf("SubscriptionDeducted = %s, want 5", result.SubscriptionDeducted)
	}
	if !result.PurchasedDeducted.Equal(dec(t, "3")) {
		t.Fatalf("PurchasedDeducted = %s, want 3", result.PurchasedDeducted)
	}
	if !result.Remaining.IsZero() {
		t.Fatalf("Remaining = %s, want 0", result.Remaining)
	}
}

func TestDeductCreditsInsufficientLeavesAccountUntouched(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "1", "0", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	_, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "5"), DeductionMetadata{RequestID: "req-1"})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	stored := repo.account(account.UserID)
	if !stored.FreeUsed.IsZero() {
		t.Fatalf("stored FreeUsed = %s, want 0", stored.FreeUsed)
	}
	if stored.Version != 1 {
		t.Fatalf("stored version = %d, want 1", stored.Version)
	}
	if _, err := repo.FindDeductionByRequestID(context.Background(), "req-1"); !errors.Is(err, store.ErrDeductionNotFound) {
		t.Fatalf("expected no deduction record, got %v", err)
	}
}

func TestDeductCreditsValidatesInput(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "0", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	if _, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "1"), DeductionMetadata{}); !errors.Is(err, ErrMissingRequestID) {
		t.Fatalf("expected ErrMissingRequestID, got %v", err)
	}
	if _, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "0"), DeductionMetadata{RequestID: "req-1"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	// 0.04 rounds to zero at 0.1 granularity.
	if _, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "0.04"), DeductionMetadata{RequestID: "req-2"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for sub-increment amount, got %v", err)
	}
}

func TestDeductCreditsReplaysDuplicateRequest(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "0", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	first, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "3"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("first DeductCredits: %v", err)
	}
	second, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "3"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("second DeductCredits: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("replayed deduction not flagged as duplicate")
	}
	if !second.Deducted.Equal(first.Deducted) || !second.Remaining.Equal(first.Remaining) {
		t.Fatalf("replay diverged: first %+v, second %+v", first, second)
	}

	stored := repo.account(account.UserID)
	if !stored.FreeUsed.Equal(dec(t, "3")) {
		t.Fatalf("stored FreeUsed = %s, want a single debit of 3", stored.FreeUsed)
	}
}

func TestDeductCreditsRetriesVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "0", "0", "0", "0", "0")
	repo.forcedDeductConflicts = 1
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	result, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "3"), DeductionMetadata{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !result.Deducted.Equal(dec(t, "3")) {
		t.Fatalf("Deducted = %s, want 3", result.Deducted)
	}

	stored := repo.account(account.UserID)
	if !stored.FreeUsed.Equal(dec(t, "3")) {
		t.Fatalf("stored FreeUsed = %s, want exactly one debit of 3", stored.FreeUsed)
	}
}

func TestDeductCreditsExhaustsRetries(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "0", "0", "0", "0", "0")
	repo.forcedDeductConflicts = deductMaxAttempts
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	_, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "3"), DeductionMetadata{RequestID: "req-1"})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if !repo.account(account.UserID).FreeUsed.IsZero() {
		t.Fatal("failed deduction must not debit the account")
	}
}

func TestConcurrentDeductionsNeverOverspend(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "100", "0", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.DeductCredits(context.Background(), account.UserID, dec(t, "60"),
				DeductionMetadata{RequestID: "req-" + string(rune('a'+i))})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrConcurrentModification):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	if !repo.account(account.UserID).FreeUsed.Equal(dec(t, "60")) {
		t.Fatalf("stored FreeUsed = %s, want 60", repo.account(account.UserID).FreeUsed)
	}
}

func TestHasAvailableCredits(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "3.3", "0", "0", "0", "0")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	ok, err := svc.HasAvailableCredits(context.Background(), account.UserID, dec(t, "6.65"))
	if err != nil {
		t.Fatalf("HasAvailableCredits: %v", err)
	}
	if !ok {
		t.Fatal("6.65 rounds to 6.7 and should be covered by 6.7 remaining")
	}

	ok, err = svc.HasAvailableCredits(context.Background(), account.UserID, dec(t, "6.75"))
	if err != nil {
		t.Fatalf("HasAvailableCredits: %v", err)
	}
	if ok {
		t.Fatal("6.75 rounds to 6.8 and exceeds the 6.7 remaining")
	}

	ok, err = svc.HasAvailableCredits(context.Background(), uuid.New(), dec(t, "1"))
	if err != nil {
		t.Fatalf("HasAvailableCredits for unknown user: %v", err)
	}
	if ok {
		t.Fatal("unknown user reported as having credits")
	}
}

func TestAllocateCreditsCarriesPurchasedForward(t *testing.T) {
	repo := newFakeRepo()
	prior := seedAccount(t, repo, "10", "10", "100", "80", "50", "20")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	start := prior.BillingPeriodEnd
	end := start.AddDate(0, 1, 0)
	account, err := svc.AllocateCredits(context.Background(), prior.UserID, start, end, dec(t, "10"), dec(t, "100.04"), false)
	if err != nil {
		t.Fatalf("AllocateCredits: %v", err)
	}

	if !account.SubscriptionAllocated.Equal(dec(t, "100")) {
		t.Fatalf("SubscriptionAllocated = %s, want rounded 100", account.SubscriptionAllocated)
	}
	if !account.FreeUsed.IsZero() || !account.SubscriptionUsed.IsZero() {
		t.Fatal("fresh allocation must start with zero usage")
	}
	if !account.PurchasedTotal.Equal(dec(t, "50")) || !account.PurchasedLifetimeUsed.Equal(dec(t, "20")) {
		t.Fatalf("purchased pool not carried over: total %s used %s", account.PurchasedTotal, account.PurchasedLifetimeUsed)
	}
}

func TestAllocateCreditsReplacePreservesIdentityAndPurchased(t *testing.T) {
	repo := newFakeRepo()
	existing := seedAccount(t, repo, "10", "2", "100", "30", "25", "5")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	account, err := svc.AllocateCredits(context.Background(), existing.UserID,
		existing.BillingPeriodStart, existing.BillingPeriodEnd, dec(t, "20"), dec(t, "200"), true)
	if err != nil {
		t.Fatalf("AllocateCredits replace: %v", err)
	}

	if account.ID != existing.ID {
		t.Fatalf("replace changed account identity: %s != %s", account.ID, existing.ID)
	}
	if !account.PurchasedTotal.Equal(dec(t, "25")) || !account.PurchasedLifetimeUsed.Equal(dec(t, "5")) {
		t.Fatalf("replace dropped purchased pool: total %s used %s", account.PurchasedTotal, account.PurchasedLifetimeUsed)
	}
	if !account.FreeAllocated.Equal(dec(t, "20")) || !account.FreeUsed.IsZero() {
		t.Fatalf("replace did not reset free pool: allocated %s used %s", account.FreeAllocated, account.FreeUsed)
	}
}

func TestAllocateCreditsRejectsInvalidInput(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())
	start, _ := period(t)

	if _, err := svc.AllocateCredits(context.Background(), uuid.New(), start, start, dec(t, "10"), dec(t, "10"), false); !errors.Is(err, ErrInvalidBillingPeriod) {
		t.Fatalf("expected ErrInvalidBillingPeriod, got %v", err)
	}
	if _, err := svc.AllocateCredits(context.Background(), uuid.New(), start, start.AddDate(0, 1, 0), dec(t, "-1"), dec(t, "10"), false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestGetDetailedCredits(t *testing.T) {
	repo := newFakeRepo()
	account := seedAccount(t, repo, "10", "3.3", "100", "40", "50", "20")
	svc := NewService(repo, testPolicy(t, "0.1"), nil, nil, testLogger())

	details, err := svc.GetDetailedCredits(context.Background(), account.UserID)
	if err != nil {
		t.Fatalf("GetDetailedCredits: %v", err)
	}
	if !details.Free.Remaining().Equal(dec(t, "6.7")) {
		t.Fatalf("free remaining = %s, want 6.7", details.Free.Remaining())
	}
	if !details.Subscription.Remaining().Equal(dec(t, "60")) {
		t.Fatalf("subscription remaining = %s, want 60", details.Subscription.Remaining())
	}
	if !details.Purchased.Remaining().Equal(dec(t, "30")) {
		t.Fatalf("purchased remaining = %s, want 30", details.Purchased.Remaining())
	}
	if !details.TotalRemaining.Equal(dec(t, "96.7")) {
		t.Fatalf("total remaining = %s, want 96.7", details.TotalRemaining)
	}

	if _, err := svc.GetDetailedCredits(context.Background(), uuid.New()); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for unknown user, got %v", err)
	}
}
