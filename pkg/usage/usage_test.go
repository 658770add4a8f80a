package usage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	ok, err := Unlimited{}.Authorize(context.Background(), "s")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, Unlimited{}.Record(context.Background(), "s", Cost{Steps: 1}))
}

func TestQuotaMeter_DeniesAfterLimit(t *testing.T) {
	q, err := NewQuotaMeter(QuotaConfig{StepsPerSession: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := q.Authorize(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Record(ctx, "s1", Cost{}))
	}

	ok, _ := q.Authorize(ctx, "s1")
	assert.False(t, ok)

	ok, _ = q.Authorize(ctx, "s2")
	assert.True(t, ok, "quotas are per session")

	q.Reset()
	ok, _ = q.Authorize(ctx, "s1")
	assert.True(t, ok)
	assert.Equal(t, 0, q.Used("s1"))
}

func TestQuotaMeter_UnlimitedWhenZero(t *testing.T) {
	q, err := NewQuotaMeter(QuotaConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, q.Record(context.Background(), "s", Cost{Steps: 1000}))

	ok, _ := q.Authorize(context.Background(), "s")
	assert.True(t, ok)
}

func TestQuotaMeter_Schedule(t *testing.T) {
	q, err := NewQuotaMeter(QuotaConfig{StepsPerSession: 1, ResetSchedule: "@daily", Logger: zerolog.Nop()})
	require.NoError(t, err)
	q.Start()
	q.Stop()

	_, err = NewQuotaMeter(QuotaConfig{ResetSchedule: "every tuesday-ish"})
	assert.Error(t, err)
}

func TestLedger_RecordsAndDelegates(t *testing.T) {
	quota, err := NewQuotaMeter(QuotaConfig{StepsPerSession: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "usage.db"), quota, zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	ok, err := ledger.Authorize(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Record(ctx, "s1", Cost{Steps: 1, InputTokens: 120, OutputTokens: 30, Model: "m"}))

	ok, err = ledger.Authorize(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	totals, err := ledger.Totals(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Totals{Records: 1, Steps: 1, InputTokens: 120, OutputTokens: 30, Denials: 1}, totals)

	empty, err := ledger.Totals(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, Totals{}, empty)
}

func TestLedger_InMemory(t *testing.T) {
	ledger, err := OpenLedger(":memory:", nil, zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()

	require.NoError(t, ledger.Record(context.Background(), "s", Cost{}))
	totals, err := ledger.Totals(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Steps)
}

func TestLedger_ChargesQuotaWhenInsertFails(t *testing.T) {
	quota, err := NewQuotaMeter(QuotaConfig{StepsPerSession: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ledger, err := OpenLedger(":memory:", quota, zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	_, err = ledger.db.Exec("DROP TABLE usage_records")
	require.NoError(t, err)

	ok, err := ledger.Authorize(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Error(t, ledger.Record(ctx, "s1", Cost{Steps: 1}))
	assert.Equal(t, 1, quota.Used("s1"))

	ok, err = ledger.Authorize(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_Forget(t *testing.T) {
	quota, err := NewQuotaMeter(QuotaConfig{StepsPerSession: 5, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ledger, err := OpenLedger(":memory:", quota, zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "s1", Cost{Steps: 2}))
	require.Equal(t, 2, quota.Used("s1"))

	ledger.Forget("s1")
	assert.Equal(t, 0, quota.Used("s1"))

	totals, err := ledger.Totals(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Steps)
}
