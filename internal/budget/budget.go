// Package budget implements the orchestrator's token-cost gate
// (SPEC_FULL.md §4.7 "Budget helper"): it aggregates per-day and per-month
// token costs in Redis hashes and tells the orchestrator whether to block,
// warn, or proceed before each provider call.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// Limits configures hard/soft thresholds, in total tokens (prompt + output).
// A zero limit disables that check.
type Limits struct {
	DailyHardTokens   int64
	DailySoftTokens   int64
	MonthlyHardTokens int64
	MonthlySoftTokens int64
}

// Status reports the result of a CheckBefore call.
type Status struct {
	Allowed     bool
	SoftWarning bool
	DailyUsed   int64
	MonthlyUsed int64
}

// Budget tracks token usage and enforces Limits.
type Budget struct {
	redis  *redis.Client
	limits Limits
	now    func() time.Time
}

// New constructs a Budget.
func New(rdb *redis.Client, limits Limits) *Budget {
	return &Budget{redis: rdb, limits: limits, now: time.Now}
}

// RecordUsage adds tokens to today's and this month's usage counters. Called
// after each provider response with its reported Usage total.
func (b *Budget) RecordUsage(ctx context.Context, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	now := b.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	pipe := b.redis.Pipeline()
	pipe.HIncrBy(ctx, keyspace.UsageDailyKey(day), usageField, tokens)
	pipe.Expire(ctx, keyspace.UsageDailyKey(day), 48*time.Hour)
	pipe.HIncrBy(ctx, keyspace.UsageMonthlyKey(month), usageField, tokens)
	pipe.Expire(ctx, keyspace.UsageMonthlyKey(month), 32*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("budget: record usage: %w", err)
	}
	return nil
}

// usageField is the hash field holding the running total tokens for a
// usage period. A single field today; kept as a hash (rather than a plain
// counter key) so a future per-model breakdown can add fields without a
// key-shape migration.
const usageField = "total"

// CheckBefore consults the current day/month usage against Limits. Allowed
// is false only when a hard limit is exceeded; SoftWarning is true when a
// soft threshold is exceeded but the hard limit is not (spec: "soft
// thresholds emit alerts only").
func (b *Budget) CheckBefore(ctx context.Context) (Status, error) {
	now := b.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	dailyUsed, err := b.getCounter(ctx, keyspace.UsageDailyKey(day))
	if err != nil {
		return Status{}, err
	}
	monthlyUsed, err := b.getCounter(ctx, keyspace.UsageMonthlyKey(month))
	if err != nil {
		return Status{}, err
	}

	status := Status{Allowed: true, DailyUsed: dailyUsed, MonthlyUsed: monthlyUsed}

	if b.limits.DailyHardTokens > 0 && dailyUsed >= b.limits.DailyHardTokens {
		status.Allowed = false
	}
	if b.limits.MonthlyHardTokens > 0 && monthlyUsed >= b.limits.MonthlyHardTokens {
		status.Allowed = false
	}
	if status.Allowed {
		if b.limits.DailySoftTokens > 0 && dailyUsed >= b.limits.DailySoftTokens {
			status.SoftWarning = true
		}
		if b.limits.MonthlySoftTokens > 0 && monthlyUsed >= b.limits.MonthlySoftTokens {
			status.SoftWarning = true
		}
	}
	return status, nil
}

func (b *Budget) getCounter(ctx context.Context, key string) (int64, error) {
	val, err := b.redis.HGet(ctx, key, usageField).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("budget: read counter %q: %w", key, err)
	}
	return val, nil
}
