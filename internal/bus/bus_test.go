package bus_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgov/gatekeeper/internal/bus"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBus(clk *fakeClock, cfg bus.DampenerConfig) *bus.Bus {
	return bus.New(bus.NewDampener(cfg).WithClock(clk.Now))
}

func testCfg() bus.DampenerConfig {
	return bus.DampenerConfig{
		DedupWindow:        30 * time.Second,
		WindowDuration:     60 * time.Second,
		DefaultRateLimit:   5,
		CascadeThreshold:   4,
		CascadeFanoutRatio: 0.9,
	}
}

func event(typ, corr string, payload map[string]interface{}) bus.Event {
	return bus.Event{Type: typ, Source: "agent-1", CorrelationID: corr, Payload: payload}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBus(clk, testCfg())

	var got []bus.Event
	b.Subscribe("task.done", func(ev bus.Event) { got = append(got, ev) })

	ok, reason := b.Publish(event("task.done", "corr-1", map[string]interface{}{"n": 1}))
	require.True(t, ok, reason)
	require.Len(t, got, 1)
	assert.Equal(t, "task.done", got[0].Type)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBus(clk, testCfg())

	delivered := 0
	b.Subscribe("task.done", func(bus.Event) { delivered++ })

	payload := map[string]interface{}{"n": 1}
	ok, _ := b.Publish(event("task.done", "corr-1", payload))
	require.True(t, ok)

	ok, reason := b.Publish(event("task.done", "corr-2", payload))
	require.False(t, ok, "same content, different correlation, still a duplicate")
	assert.Contains(t, reason, "duplicate")
	assert.Equal(t, 1, delivered)

	// Past the dedup window the content may flow again.
	clk.Advance(31 * time.Second)
	ok, _ = b.Publish(event("task.done", "corr-1", payload))
	assert.True(t, ok)
}

func TestRateLimitPerType(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBus(clk, testCfg())

	for i := 0; i < 5; i++ {
		ok, reason := b.Publish(event("task.progress", "", map[string]interface{}{"n": i}))
		require.True(t, ok, reason)
	}
	ok, reason := b.Publish(event("task.progress", "", map[string]interface{}{"n": 99}))
	require.False(t, ok)
	assert.Contains(t, reason, "rate limit")

	// Another type is unaffected.
	ok, _ = b.Publish(event("task.done", "", map[string]interface{}{"n": 0}))
	assert.True(t, ok)

	// Window rollover clears the count.
	clk.Advance(61 * time.Second)
	ok, _ = b.Publish(event("task.progress", "", map[string]interface{}{"n": 100}))
	assert.True(t, ok)
}

func TestRateLimitOverridePerType(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testCfg()
	cfg.RateLimits = map[string]int{"chatty.type": 2}
	b := newBus(clk, cfg)

	for i := 0; i < 2; i++ {
		ok, _ := b.Publish(event("chatty.type", "", map[string]interface{}{"n": i}))
		require.True(t, ok)
	}
	ok, _ := b.Publish(event("chatty.type", "", map[string]interface{}{"n": 9}))
	assert.False(t, ok)
}

func TestCascadeBound(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testCfg()
	cfg.DefaultRateLimit = 1000
	cfg.CascadeFanoutRatio = 2.0 // only the absolute threshold in play
	b := newBus(clk, cfg)

	delivered := 0
	b.Subscribe("loop.event", func(bus.Event) { delivered++ })

	// Publish far more than the threshold; each with distinct content so
	// dedup never interferes. Advance the clock so windows roll over too.
	for i := 0; i < 50; i++ {
		b.Publish(event("loop.event", "corr-storm", map[string]interface{}{"n": i}))
		if i%10 == 9 {
			clk.Advance(61 * time.Second)
		}
	}
	assert.Equal(t, 4, delivered, "no more than cascadeThreshold events delivered per correlation")
	assert.Equal(t, 4, b.Dampener().CorrelationCount("corr-storm"))
}

func TestFanoutRatio(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testCfg()
	cfg.DefaultRateLimit = 1000
	cfg.CascadeThreshold = 1000
	cfg.CascadeFanoutRatio = 0.5
	b := newBus(clk, cfg)

	// Background volume from many correlations.
	for i := 0; i < 12; i++ {
		ok, reason := b.Publish(event("mixed.type", fmt.Sprintf("corr-%d", i), map[string]interface{}{"n": i}))
		require.True(t, ok, reason)
	}
	// One correlation now tries to dominate the window.
	blocked := false
	for i := 0; i < 20; i++ {
		ok, reason := b.Publish(event("mixed.type", "corr-hog", map[string]interface{}{"hog": i}))
		if !ok {
			assert.Contains(t, reason, "fan-out")
			blocked = true
			break
		}
	}
	assert.True(t, blocked, "dominating correlation should hit the fan-out ratio")
}

func TestFanoutRatioResetsOnWindowRollover(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testCfg()
	cfg.DefaultRateLimit = 1000
	cfg.CascadeThreshold = 1000
	cfg.CascadeFanoutRatio = 0.8
	b := newBus(clk, cfg)

	// corr-hog dominates the first window.
	for i := 0; i < 9; i++ {
		ok, reason := b.Publish(event("mixed.type", "corr-hog", map[string]interface{}{"hog": i}))
		require.True(t, ok, reason)
	}

	// The window rolls over; volume now comes from other correlations.
	clk.Advance(61 * time.Second)
	for i := 0; i < 10; i++ {
		ok, reason := b.Publish(event("mixed.type", fmt.Sprintf("corr-%d", i), map[string]interface{}{"n": i}))
		require.True(t, ok, reason)
	}

	// corr-hog is quiet in this window; its share is 1/11, not 10/11.
	ok, reason := b.Publish(event("mixed.type", "corr-hog", map[string]interface{}{"fresh": true}))
	assert.True(t, ok, "previous window's volume leaked into the ratio: %s", reason)
}

func TestExpiredEventsDropped(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := bus.NewDampener(testCfg()).WithClock(clk.Now)

	stale := bus.Event{
		Type:      "task.signal",
		Source:    "agent-1",
		Payload:   map[string]interface{}{"n": 1},
		Timestamp: clk.now.Add(-10 * time.Second),
		TTL:       5 * time.Second,
	}
	ok, reason := d.ShouldEmit(stale)
	require.False(t, ok)
	assert.Contains(t, reason, "expired")

	fresh := stale
	fresh.Timestamp = clk.now.Add(-2 * time.Second)
	ok, _ = d.ShouldEmit(fresh)
	assert.True(t, ok, "event inside its ttl must pass")
}

func TestSubscriberFaultIsolation(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBus(clk, testCfg())

	secondRan := false
	b.Subscribe("task.done", func(bus.Event) { panic("bad handler") })
	b.Subscribe("task.done", func(bus.Event) { secondRan = true })

	ok, _ := b.Publish(event("task.done", "", map[string]interface{}{"n": 1}))
	require.True(t, ok)
	assert.True(t, secondRan, "a panicking subscriber must not block the rest")
}

func TestUnsubscribe(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newBus(clk, testCfg())

	delivered := 0
	token := b.Subscribe("task.done", func(bus.Event) { delivered++ })
	require.True(t, b.Unsubscribe("task.done", token))
	assert.False(t, b.Unsubscribe("task.done", token), "double unsubscribe")

	b.Publish(event("task.done", "", map[string]interface{}{"n": 1}))
	assert.Equal(t, 0, delivered)
}

func TestCleanupOldEvents(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := bus.NewDampener(testCfg()).WithClock(clk.Now)

	ok, _ := d.ShouldEmit(bus.Event{Type: "a", Source: "s", Payload: map[string]interface{}{"n": 1}})
	require.True(t, ok)

	clk.Advance(31 * time.Second)
	removed := d.CleanupOldEvents()
	assert.Equal(t, 1, removed)
}

func TestRejectedEventsConsumeNoQuota(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testCfg()
	cfg.DefaultRateLimit = 3
	b := newBus(clk, cfg)

	payload := map[string]interface{}{"n": 1}
	require.NotPanics(t, func() {
		b.Publish(event("t", "", payload))
		for i := 0; i < 10; i++ {
			b.Publish(event("t", "", payload)) // all duplicates
		}
	})
	// Duplicates did not count toward the window: two fresh events still fit.
	ok, _ := b.Publish(event("t", "", map[string]interface{}{"n": 2}))
	require.True(t, ok)
	ok, _ = b.Publish(event("t", "", map[string]interface{}{"n": 3}))
	require.True(t, ok)
}
