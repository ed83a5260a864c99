/**
 * @description
 * Process-wide credit increment policy. Every credit amount is rounded to a
 * multiple of the configured increment before it is compared against a
 * balance or persisted.
 */
package domain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfiguration is returned when an unrecognized increment value is
// supplied.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// recognizedIncrements are the only granularities the policy accepts.
var recognizedIncrements = []decimal.Decimal{
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.1"),
	decimal.RequireFromString("1.0"),
}

// IncrementPolicy holds the minimum credit granularity for the process.
// Reads are atomic with respect to the administrative setter: a deduction in
// flight rounds with the increment in effect at the moment it computed its
// delta.
type IncrementPolicy struct {
	mu        sync.RWMutex
	increment decimal.Decimal
}

// NewIncrementPolicy creates a policy with the given increment.
func NewIncrementPolicy(increment decimal.Decimal) (*IncrementPolicy, error) {
	p := &IncrementPolicy{}
	if err := p.SetIncrement(increment); err != nil {
		return nil, err
	}
	return p, nil
}

// SetIncrement changes the process-wide increment. Only 0.01, 0.1 and 1.0 are
// recognized.
func (p *IncrementPolicy) SetIncrement(increment decimal.Decimal) error {
	valid := false
	for _, v := range recognizedIncrements {
		if increment.Equal(v) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: unrecognized credit increment %s (expected 0.01, 0.1 or 1.0)", ErrInvalidConfiguration, increment)
	}

	p.mu.Lock()
	p.increment = increment
	p.mu.Unlock()
	return nil
}

// Increment returns the currently configured increment.
func (p *IncrementPolicy) Increment() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.increment
}

// Round rounds amount half-up to the nearest multiple of the configured
// increment.
func (p *IncrementPolicy) Round(amount decimal.Decimal) decimal.Decimal {
	increment := p.Increment()
	return amount.Div(increment).Round(0).Mul(increment)
}
