package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBudget(t *testing.T, limits Limits) (*Budget, func(time.Time)) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(rdb, limits)
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	return b, func(t time.Time) { b.now = func() time.Time { return t } }
}

func TestCheckBeforeAllowsUnderLimit(t *testing.T) {
	b, _ := newTestBudget(t, Limits{DailyHardTokens: 1000})
	status, err := b.CheckBefore(context.Background())
	require.NoError(t, err)
	require.True(t, status.Allowed)
	require.False(t, status.SoftWarning)
}

func TestRecordUsageAccumulatesAndBlocksAtHardLimit(t *testing.T) {
	b, _ := newTestBudget(t, Limits{DailyHardTokens: 100})
	ctx := context.Background()

	require.NoError(t, b.RecordUsage(ctx, 60))
	status, err := b.CheckBefore(ctx)
	require.NoError(t, err)
	require.True(t, status.Allowed)
	require.Equal(t, int64(60), status.DailyUsed)

	require.NoError(t, b.RecordUsage(ctx, 50))
	status, err = b.CheckBefore(ctx)
	require.NoError(t, err)
	require.False(t, status.Allowed)
	require.Equal(t, int64(110), status.DailyUsed)
}

func TestSoftThresholdWarnsWithoutBlocking(t *testing.T) {
	b, _ := newTestBudget(t, Limits{DailySoftTokens: 50, DailyHardTokens: 1000})
	ctx := context.Background()

	require.NoError(t, b.RecordUsage(ctx, 75))
	status, err := b.CheckBefore(ctx)
	require.NoError(t, err)
	require.True(t, status.Allowed)
	require.True(t, status.SoftWarning)
}

func TestMonthlyHardLimitBlocksAcrossDays(t *testing.T) {
	b, setNow := newTestBudget(t, Limits{MonthlyHardTokens: 100})
	ctx := context.Background()

	require.NoError(t, b.RecordUsage(ctx, 60))
	setNow(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, b.RecordUsage(ctx, 50))

	status, err := b.CheckBefore(ctx)
	require.NoError(t, err)
	require.False(t, status.Allowed)
	require.Equal(t, int64(110), status.MonthlyUsed)
}

func TestZeroLimitsNeverBlock(t *testing.T) {
	b, _ := newTestBudget(t, Limits{})
	ctx := context.Background()
	require.NoError(t, b.RecordUsage(ctx, 1_000_000))

	status, err := b.CheckBefore(ctx)
	require.NoError(t, err)
	require.True(t, status.Allowed)
	require.False(t, status.SoftWarning)
}
