/**
 * @description
 * Redis-backed idempotency cache for deduction request identifiers. The
 * durable duplicate check is the unique request_id constraint in Postgres;
 * this cache is a fast path that answers replays inside the retention window
 * without touching the ledger. It degrades to a no-op when Redis is absent.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meterline/credit-service/internal/domain"
)

// IdempotencyCache stores deduction results keyed by request id with a TTL
// matching the retention window.
type IdempotencyCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotencyCache creates a cache with the given key prefix and retention
// window. A nil client yields a cache whose operations are no-ops.
func NewIdempotencyCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *IdempotencyCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "credit:deduction"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &IdempotencyCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *IdempotencyCache) key(requestID string) string {
	return c.prefix + ":" + requestID
}

// Lookup returns the cached result for a request id, or nil on miss or cache
// error. Cache errors never fail the deduction path.
func (c *IdempotencyCache) Lookup(ctx context.Context, requestID string) *domain.DeductionResult {
	if c == nil || c.client == nil {
		return nil
	}

	payload, err := c.client.Get(ctx, c.key(requestID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Error("idempotency cache lookup failed", "request_id", requestID, "error", err)
		}
		return nil
	}

	var result domain.DeductionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		c.logger.Error("idempotency cache payload corrupt", "request_id", requestID, "error", err)
		return nil
	}
	result.Duplicate = true
	return &result
}

// Store records a deduction result for the retention window. NX keeps the
// first writer's result when two calls race.
func (c *IdempotencyCache) Store(ctx context.Context, requestID string, result *domain.DeductionResult) {
	if c == nil || c.client == nil {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("idempotency cache marshal failed", "request_id", requestID, "error", err)
		return
	}
	if err := c.client.SetNX(ctx, c.key(requestID), payload, c.ttl).Err(); err != nil {
		c.logger.Error("idempotency cache store failed", "request_id", requestID, "error", err)
	}
}
