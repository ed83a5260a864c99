package app

import (
	"context"
	"testing"
	"time"

	"github.com/meterline/credit-service/internal/domain"
)

func TestIdempotencyCacheDegradesWithoutRedis(t *testing.T) {
	cache := NewIdempotencyCache(nil, "", 0, testLogger())

	if got := cache.Lookup(context.Background(), "req-1"); got != nil {
		t.Fatalf("Lookup on clientless cache = %+v, want nil", got)
	}
	// Store must be a no-op, not a panic.
	cache.Store(context.Background(), "req-1", &domain.DeductionResult{RequestID: "req-1"})

	var nilCache *IdempotencyCache
	if got := nilCache.Lookup(context.Background(), "req-1"); got != nil {
		t.Fatalf("Lookup on nil cache = %+v, want nil", got)
	}
	nilCache.Store(context.Background(), "req-1", &domain.DeductionResult{RequestID: "req-1"})
}

func TestIdempotencyCacheDefaults(t *testing.T) {
	cache := NewIdempotencyCache(nil, "  ", 0, testLogger())
	if cache.prefix != "credit:deduction" {
		t.Fatalf("prefix = %q, want default credit:deduction", cache.prefix)
	}
	if cache.ttl != 24*time.Hour {
		t.Fatalf("ttl = %s, want 24h", cache.ttl)
	}

	cache = NewIdempotencyCache(nil, "custom:ns:", 6*time.Hour, testLogger())
	if cache.prefix != "custom:ns" {
		t.Fatalf("prefix = %q, want custom:ns", cache.prefix)
	}
	if got := cache.key("abc"); got != "custom:ns:abc" {
		t.Fatalf("key = %q, want custom:ns:abc", got)
	}
}
