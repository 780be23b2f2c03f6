package budget_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgov/gatekeeper/internal/budget"
)

func newEngine(t *testing.T, limits ...budget.Limit) *budget.Engine {
	t.Helper()
	e := budget.NewEngine(budget.Options{})
	require.NoError(t, e.CreateAllocation("agent-1", limits))
	return e
}

func costLimit(ceiling float64, period time.Duration) budget.Limit {
	return budget.Limit{Dimension: budget.DimensionCost, Ceiling: ceiling, Period: period}
}

func TestReserveCommitScenario(t *testing.T) {
	e := newEngine(t, costLimit(10.0, time.Hour))

	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 6.0, "r1", 0)
	require.True(t, ok)

	ok, reason := e.Reserve("agent-1", budget.DimensionCost, 5.0, "r2", 0)
	require.False(t, ok, "available is 4.0")
	assert.Contains(t, reason, "exceeded")

	require.True(t, e.Commit("r1", 4.0))
	usage, found := e.UsageSnapshot("agent-1")
	require.True(t, found)
	assert.Equal(t, 4.0, usage[budget.DimensionCost].Used)
	assert.Equal(t, 0.0, usage[budget.DimensionCost].Reserved)

	ok, _ = e.Reserve("agent-1", budget.DimensionCost, 5.0, "r3", 0)
	assert.True(t, ok, "available is 6.0 after commit")
}

func TestReserveReleaseRestoresExactly(t *testing.T) {
	e := newEngine(t, costLimit(10.0, time.Hour))

	before, _ := e.UsageSnapshot("agent-1")
	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 3.0, "r1", 0)
	require.True(t, ok)
	require.True(t, e.Release("r1"))

	after, _ := e.UsageSnapshot("agent-1")
	assert.Equal(t, before[budget.DimensionCost].Used, after[budget.DimensionCost].Used)
	assert.Equal(t, before[budget.DimensionCost].Reserved, after[budget.DimensionCost].Reserved)
}

func TestConservationInvariant(t *testing.T) {
	e := newEngine(t, costLimit(10.0, time.Hour))

	check := func() {
		usage, _ := e.UsageSnapshot("agent-1")
		u := usage[budget.DimensionCost]
		if u.Used+u.Reserved > 10.0 {
			t.Fatalf("invariant broken: used=%.2f reserved=%.2f", u.Used, u.Reserved)
		}
	}

	e.Reserve("agent-1", budget.DimensionCost, 4.0, "a", 0)
	check()
	e.Reserve("agent-1", budget.DimensionCost, 4.0, "b", 0)
	check()
	e.Reserve("agent-1", budget.DimensionCost, 4.0, "c", 0) // rejected
	check()
	e.Commit("a", 3.0)
	check()
	e.Release("b")
	check()
	e.RecordUsage("agent-1", budget.DimensionCost, 2.0)
	check()
}

func TestRejectionIsWholesale(t *testing.T) {
	e := newEngine(t, costLimit(5.0, time.Hour))
	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 6.0, "r1", 0)
	require.False(t, ok)
	usage, _ := e.UsageSnapshot("agent-1")
	assert.Equal(t, 0.0, usage[budget.DimensionCost].Reserved, "never partially granted")
}

func TestNegativeAmountRejected(t *testing.T) {
	e := newEngine(t, costLimit(5.0, time.Hour))
	ok, reason := e.Check("agent-1", budget.DimensionCost, -1)
	assert.False(t, ok)
	assert.Equal(t, "negative amount", reason)
	assert.False(t, e.RecordUsage("agent-1", budget.DimensionCost, -1))
}

func TestDenyByDefaultWithoutAllocation(t *testing.T) {
	e := budget.NewEngine(budget.Options{AllowImplicitAllocation: false})
	ok, reason := e.Check("ghost", budget.DimensionCost, 1.0)
	require.False(t, ok)
	assert.Contains(t, reason, "no budget allocation")

	ok, _ = e.Reserve("ghost", budget.DimensionCost, 1.0, "r1", 0)
	assert.False(t, ok)
	assert.False(t, e.RecordUsage("ghost", budget.DimensionCost, 1.0))
}

func TestImplicitAllocationWhenAllowed(t *testing.T) {
	e := budget.NewEngine(budget.Options{AllowImplicitAllocation: true})
	ok, _ := e.Reserve("ghost", budget.DimensionCost, 100.0, "r1", 0)
	require.True(t, ok)
	require.True(t, e.Commit("r1", 100.0))

	usage, found := e.UsageSnapshot("ghost")
	require.True(t, found, "first use created the allocation")
	assert.Equal(t, 100.0, usage[budget.DimensionCost].Used)
}

func TestPeriodAutoReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := budget.NewEngine(budget.Options{}).WithClock(func() time.Time { return now })
	require.NoError(t, e.CreateAllocation("agent-1", []budget.Limit{costLimit(10.0, time.Hour)}))

	require.True(t, e.RecordUsage("agent-1", budget.DimensionCost, 9.0))
	ok, _ := e.Check("agent-1", budget.DimensionCost, 5.0)
	require.False(t, ok)

	now = now.Add(61 * time.Minute)
	ok, _ = e.Check("agent-1", budget.DimensionCost, 5.0)
	assert.True(t, ok, "period elapsed, usage reset lazily")

	remaining, found := e.Remaining("agent-1", budget.DimensionCost)
	require.True(t, found)
	assert.Equal(t, 10.0, remaining)
}

func TestResetSurvivesReservations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := budget.NewEngine(budget.Options{}).WithClock(func() time.Time { return now })
	require.NoError(t, e.CreateAllocation("agent-1", []budget.Limit{costLimit(10.0, time.Hour)}))

	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 4.0, "r1", 0)
	require.True(t, ok)
	now = now.Add(2 * time.Hour)

	usage, _ := e.UsageSnapshot("agent-1")
	assert.Equal(t, 4.0, usage[budget.DimensionCost].Reserved, "reserved belongs to in-flight work")
	require.True(t, e.Commit("r1", 4.0))
}

func TestCleanupExpiredReleasesOrphans(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := budget.NewEngine(budget.Options{}).WithClock(func() time.Time { return now })
	require.NoError(t, e.CreateAllocation("agent-1", []budget.Limit{costLimit(10.0, time.Hour)}))

	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 6.0, "orphan", 5*time.Minute)
	require.True(t, ok)
	ok, _ = e.Reserve("agent-1", budget.DimensionCost, 2.0, "alive", time.Hour)
	require.True(t, ok)

	now = now.Add(10 * time.Minute)
	released := e.CleanupExpired()
	assert.Equal(t, 1, released)

	usage, _ := e.UsageSnapshot("agent-1")
	assert.Equal(t, 2.0, usage[budget.DimensionCost].Reserved)

	assert.False(t, e.Commit("orphan", 1.0), "orphan already released")
	assert.True(t, e.Commit("alive", 2.0))
}

func TestManualReset(t *testing.T) {
	e := newEngine(t,
		costLimit(10.0, time.Hour),
		budget.Limit{Dimension: budget.DimensionTokens, Ceiling: 1000, Period: time.Hour},
	)
	e.RecordUsage("agent-1", budget.DimensionCost, 5.0)
	e.RecordUsage("agent-1", budget.DimensionTokens, 500)

	require.True(t, e.Reset("agent-1", budget.DimensionCost))
	usage, _ := e.UsageSnapshot("agent-1")
	assert.Equal(t, 0.0, usage[budget.DimensionCost].Used)
	assert.Equal(t, 500.0, usage[budget.DimensionTokens].Used, "other dimension untouched")

	require.True(t, e.Reset("agent-1", ""))
	usage, _ = e.UsageSnapshot("agent-1")
	assert.Equal(t, 0.0, usage[budget.DimensionTokens].Used)

	assert.False(t, e.Reset("ghost", ""))
}

func TestUnknownDimensionUnlimited(t *testing.T) {
	e := newEngine(t, costLimit(10.0, time.Hour))
	ok, _ := e.Check("agent-1", budget.DimensionAPICalls, 1e9)
	assert.True(t, ok, "dimension without a limit is unconstrained")

	_, found := e.Remaining("agent-1", budget.DimensionAPICalls)
	assert.False(t, found)
}

func TestDuplicateReservationID(t *testing.T) {
	e := newEngine(t, costLimit(10.0, time.Hour))
	ok, _ := e.Reserve("agent-1", budget.DimensionCost, 1.0, "r1", 0)
	require.True(t, ok)
	ok, reason := e.Reserve("agent-1", budget.DimensionCost, 1.0, "r1", 0)
	require.False(t, ok)
	assert.Contains(t, reason, "already exists")
}
