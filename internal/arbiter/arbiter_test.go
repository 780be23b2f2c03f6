package arbiter_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgov/gatekeeper/internal/arbiter"
)

func testConfig() arbiter.Config {
	return arbiter.Config{
		DedupWindow:      5 * time.Minute,
		MaxTasksPerActor: 3,
		LoopDetection:    true,
		LoopThreshold:    4,
	}
}

func TestSubmitAdmits(t *testing.T) {
	a := arbiter.New(testConfig())
	dec := a.Submit(arbiter.TaskSubmission{
		Description:   "summarize logs",
		Context:       map[string]string{"env": "prod"},
		ActorID:       "agent-1",
		Priority:      arbiter.PriorityHigh,
		CorrelationID: "corr-1",
	})
	require.True(t, dec.Accepted)
	require.NotNil(t, dec.Record)
	assert.Equal(t, arbiter.StatusPending, dec.Record.Status)
	assert.Equal(t, arbiter.PriorityHigh, dec.Record.Priority)
	assert.NotEmpty(t, dec.Record.Fingerprint)
	assert.Equal(t, 1, a.ActiveCount("agent-1"))
}

func TestDedupIdempotence(t *testing.T) {
	a := arbiter.New(testConfig())

	first := a.Submit(arbiter.TaskSubmission{
		Description: "summarize logs",
		Context:     map[string]string{"env": "prod", "region": "us-east-1"},
		ActorID:     "agent-1",
	})
	require.True(t, first.Accepted)

	// Same logical content, different context key order on the wire.
	second := a.Submit(arbiter.TaskSubmission{
		Description: "summarize logs",
		Context:     map[string]string{"region": "us-east-1", "env": "prod"},
		ActorID:     "agent-1",
	})
	require.False(t, second.Accepted)
	require.NotNil(t, second.Record)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Contains(t, second.Reason, first.Record.ID)

	// Only one record holds capacity.
	assert.Equal(t, 1, a.ActiveCount("agent-1"))
}

func TestDedupScopedToActor(t *testing.T) {
	a := arbiter.New(testConfig())
	sub := arbiter.TaskSubmission{Description: "same work", ActorID: "agent-1"}
	require.True(t, a.Submit(sub).Accepted)

	sub.ActorID = "agent-2"
	assert.True(t, a.Submit(sub).Accepted, "different actor is not a duplicate")
}

func TestDedupWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := arbiter.New(testConfig()).WithClock(func() time.Time { return now })

	sub := arbiter.TaskSubmission{Description: "same work", ActorID: "agent-1"}
	require.True(t, a.Submit(sub).Accepted)

	now = now.Add(6 * time.Minute)
	assert.True(t, a.Submit(sub).Accepted, "outside the dedup window")
}

func TestDedupIgnoresTerminalRecords(t *testing.T) {
	a := arbiter.New(testConfig())
	sub := arbiter.TaskSubmission{Description: "same work", ActorID: "agent-1"}
	first := a.Submit(sub)
	require.True(t, first.Accepted)
	require.True(t, a.Start(first.Record.ID))
	require.True(t, a.Complete(first.Record.ID, "done", "", 0.1))

	assert.True(t, a.Submit(sub).Accepted, "completed record does not shadow resubmission")
}

func TestCapacityCeiling(t *testing.T) {
	a := arbiter.New(testConfig())
	for i := 0; i < 3; i++ {
		dec := a.Submit(arbiter.TaskSubmission{
			Description: fmt.Sprintf("task %d", i),
			ActorID:     "agent-1",
		})
		require.True(t, dec.Accepted)
	}

	dec := a.Submit(arbiter.TaskSubmission{Description: "task 3", ActorID: "agent-1"})
	require.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "capacity")
	assert.Contains(t, dec.Reason, "3")
	assert.Equal(t, 3, a.ActiveCount("agent-1"))
}

func TestCapacityFreedOnComplete(t *testing.T) {
	a := arbiter.New(testConfig())
	var ids []string
	for i := 0; i < 3; i++ {
		dec := a.Submit(arbiter.TaskSubmission{
			Description: fmt.Sprintf("task %d", i),
			ActorID:     "agent-1",
		})
		require.True(t, dec.Accepted)
		ids = append(ids, dec.Record.ID)
	}
	require.True(t, a.Start(ids[0]))
	require.True(t, a.Complete(ids[0], "ok", "", 0))

	assert.True(t, a.Submit(arbiter.TaskSubmission{Description: "task 3", ActorID: "agent-1"}).Accepted)
}

func TestLoopHeuristic(t *testing.T) {
	a := arbiter.New(testConfig())
	for i := 0; i < 4; i++ {
		dec := a.Submit(arbiter.TaskSubmission{
			Description:   fmt.Sprintf("step %d", i),
			ActorID:       fmt.Sprintf("agent-%d", i), // spread actors so capacity never binds
			CorrelationID: "corr-loop",
		})
		require.True(t, dec.Accepted, "submission %d", i)
	}

	dec := a.Submit(arbiter.TaskSubmission{
		Description:   "step 4",
		ActorID:       "agent-9",
		CorrelationID: "corr-loop",
	})
	require.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "corr-loop")
	assert.Contains(t, dec.Reason, "loop")
}

func TestLifecycleTransitions(t *testing.T) {
	a := arbiter.New(testConfig())
	dec := a.Submit(arbiter.TaskSubmission{Description: "work", ActorID: "agent-1"})
	require.True(t, dec.Accepted)
	id := dec.Record.ID

	assert.False(t, a.Complete(id, "", "", 0), "complete before start is a no-op")
	require.True(t, a.Start(id))
	assert.False(t, a.Start(id), "double start is a no-op")

	require.True(t, a.Complete(id, "", "boom", 1.5))
	rec, ok := a.Get(id)
	require.True(t, ok)
	assert.Equal(t, arbiter.StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, 1.5, rec.BudgetUsed)
	assert.NotNil(t, rec.CompletedAt)

	assert.False(t, a.Start("no-such-id"))
	assert.False(t, a.Complete("no-such-id", "", "", 0))
}

func TestCleanupRemovesOldTerminalRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := arbiter.New(testConfig()).WithClock(func() time.Time { return now })

	done := a.Submit(arbiter.TaskSubmission{Description: "old done", ActorID: "agent-1"})
	require.True(t, done.Accepted)
	require.True(t, a.Start(done.Record.ID))
	require.True(t, a.Complete(done.Record.ID, "ok", "", 0))

	still := a.Submit(arbiter.TaskSubmission{Description: "still running", ActorID: "agent-1"})
	require.True(t, still.Accepted)

	now = now.Add(2 * time.Hour)
	removed := a.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := a.Get(done.Record.ID)
	assert.False(t, ok)
	_, ok = a.Get(still.Record.ID)
	assert.True(t, ok, "active records survive cleanup")
}

func TestCleanupFailsTimedOutTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := arbiter.New(testConfig()).WithClock(func() time.Time { return now })

	dec := a.Submit(arbiter.TaskSubmission{
		Description: "long-running plan",
		ActorID:     "agent-1",
		Timeout:     30 * time.Second,
	})
	require.True(t, dec.Accepted)
	require.True(t, a.Start(dec.Record.ID))

	// Inside the timeout nothing happens.
	now = now.Add(10 * time.Second)
	a.Cleanup(time.Hour)
	rec, _ := a.Get(dec.Record.ID)
	assert.Equal(t, arbiter.StatusRunning, rec.Status)

	// Past the timeout the record fails and the capacity slot frees.
	now = now.Add(25 * time.Second)
	a.Cleanup(time.Hour)
	rec, ok := a.Get(dec.Record.ID)
	require.True(t, ok)
	assert.Equal(t, arbiter.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
	assert.Equal(t, 0, a.ActiveCount("agent-1"))
}

func TestCleanupIgnoresTasksWithoutTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := arbiter.New(testConfig()).WithClock(func() time.Time { return now })

	dec := a.Submit(arbiter.TaskSubmission{Description: "open-ended", ActorID: "agent-1"})
	require.True(t, dec.Accepted)
	require.True(t, a.Start(dec.Record.ID))

	now = now.Add(24 * time.Hour)
	a.Cleanup(time.Hour)
	rec, _ := a.Get(dec.Record.ID)
	assert.Equal(t, arbiter.StatusRunning, rec.Status)
}

func TestFingerprintStable(t *testing.T) {
	fp1 := arbiter.Fingerprint("desc", map[string]string{"a": "1", "b": "2"})
	fp2 := arbiter.Fingerprint("desc", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, fp1, fp2)
	assert.NotEqual(t, fp1, arbiter.Fingerprint("desc", map[string]string{"a": "1"}))
}
