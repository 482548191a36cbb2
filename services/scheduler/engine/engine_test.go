// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
	"github.com/Fawwaz-2009/automaker/services/scheduler/graph"
	"github.com/Fawwaz-2009/automaker/services/scheduler/runner"
	"github.com/Fawwaz-2009/automaker/services/scheduler/storage"
	"github.com/Fawwaz-2009/automaker/services/scheduler/store"
	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeRunner records launches and lets tests deliver terminal results.
type fakeRunner struct {
	mu         sync.Mutex
	launched   []string
	terminated []string
	results    chan runner.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(chan runner.Result, 16)}
}

func (r *fakeRunner) Launch(_ context.Context, featureID string, _ workspace.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launched = append(r.launched, featureID)
	return nil
}

func (r *fakeRunner) Terminate(_ context.Context, featureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, featureID)
	return nil
}

func (r *fakeRunner) Results() <-chan runner.Result {
	return r.results
}

func (r *fakeRunner) launches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.launched...)
}

func (r *fakeRunner) terminations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminated...)
}

func (r *fakeRunner) finish(featureID string, outcome runner.Outcome, detail string) {
	r.results <- runner.Result{
		FeatureID:  featureID,
		Outcome:    outcome,
		Detail:     detail,
		FinishedAt: time.Now().UTC(),
	}
}

// fakeProvider hands out path handles; fail makes acquisition transiently
// unavailable.
type fakeProvider struct {
	mu   sync.Mutex
	fail bool
}

func (p *fakeProvider) Acquire(_ context.Context, branch string) (workspace.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return workspace.Handle{}, fmt.Errorf("%w: no worktree", workspace.ErrUnavailable)
	}
	return workspace.Handle{Path: "/ws/" + branch}, nil
}

func (p *fakeProvider) Release(_ context.Context, _ workspace.Handle) error { return nil }

func (p *fakeProvider) IsPrimary(_, branch string) bool { return branch == workspace.Primary }

func (p *fakeProvider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

type fixture struct {
	c        *Coordinator
	store    *store.Store
	runner   *fakeRunner
	provider *fakeProvider
	binder   *workspace.Binder
	bus      *events.Bus
}

func newFixture(t *testing.T, budget int) *fixture {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.Open(db, nil)
	require.NoError(t, err)

	fr := newFakeRunner()
	fp := &fakeProvider{}
	binder := workspace.NewBinder(fp, nil)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	c, err := New(Config{MaxConcurrency: budget}, st, binder, fr, bus, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	return &fixture{c: c, store: st, runner: fr, provider: fp, binder: binder, bus: bus}
}

func (fx *fixture) create(t *testing.T, f feature.Feature) feature.Feature {
	t.Helper()
	created, err := fx.c.CreateFeature(context.Background(), f)
	require.NoError(t, err)
	return created
}

// slots synchronizes with the loop: the command that reads them runs only
// after every earlier command and its scheduling pass finished.
func (fx *fixture) slots(t *testing.T) []Slot {
	t.Helper()
	slots, err := fx.c.RunningSlots(context.Background())
	require.NoError(t, err)
	return slots
}

func (fx *fixture) status(t *testing.T, id string) feature.Status {
	t.Helper()
	f, err := fx.c.Feature(id)
	require.NoError(t, err)
	return f.Status
}

func queued(id string, deps ...string) feature.Feature {
	if deps == nil {
		deps = []string{}
	}
	return feature.Feature{ID: id, Title: id, Status: feature.StatusQueued, Dependencies: deps}
}

// TestDependencyGating: B depends on A, budget 2; only
// A is admitted, and B follows once A completes.
func TestDependencyGating(t *testing.T) {
	fx := newFixture(t, 2)
	fx.create(t, queued("a"))
	fx.create(t, queued("b", "a"))

	slots := fx.slots(t)
	require.Len(t, slots, 1)
	assert.Equal(t, "a", slots[0].FeatureID)
	assert.Equal(t, feature.StatusRunning, fx.status(t, "a"))
	assert.Equal(t, feature.StatusQueued, fx.status(t, "b"))

	fx.runner.finish("a", runner.OutcomeCompleted, "")

	require.Eventually(t, func() bool {
		return fx.status(t, "b") == feature.StatusRunning
	}, waitFor, tick)
	assert.Equal(t, feature.StatusCompleted, fx.status(t, "a"))
	assert.Equal(t, []string{"a", "b"}, fx.runner.launches())
}

// TestBudgetRespected verifies running count never exceeds the budget
// while a backlog drains.
func TestBudgetRespected(t *testing.T) {
	fx := newFixture(t, 2)
	ids := []string{"f1", "f2", "f3", "f4", "f5"}
	for _, id := range ids {
		fx.create(t, queued(id))
	}

	finished := 0
	for finished < len(ids) {
		slots := fx.slots(t)
		assert.LessOrEqual(t, len(slots), 2, "budget exceeded")
		require.NotEmpty(t, slots)

		fx.runner.finish(slots[0].FeatureID, runner.OutcomeCompleted, "")
		finished++
		done := slots[0].FeatureID
		require.Eventually(t, func() bool {
			return fx.status(t, done) == feature.StatusCompleted
		}, waitFor, tick)
	}

	assert.ElementsMatch(t, ids, fx.runner.launches())
}

// TestTieBreakAdmission: budget 1, three independent
// features; admissions follow (priority desc, createdAt asc, id asc).
func TestTieBreakAdmission(t *testing.T) {
	// Seed the store before the coordinator starts so the initial pass
	// sees all three candidates at once.
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.Open(db, nil)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, prio int) feature.Feature {
		f := queued(id)
		f.Priority = prio
		f.CreatedAt = base
		return f
	}
	require.NoError(t, st.Upsert(mk("mid", 1)))
	require.NoError(t, st.Upsert(mk("low", 0)))
	require.NoError(t, st.Upsert(mk("high", 5)))

	fr := newFakeRunner()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	c, err := New(Config{MaxConcurrency: 1}, st,
		workspace.NewBinder(&fakeProvider{}, nil), fr, bus, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	status := func(id string) feature.Status {
		f, err := c.Feature(id)
		require.NoError(t, err)
		return f.Status
	}

	// Only one runs at a time; the high-priority feature wins even though
	// it was stored last.
	var order []string
	for len(order) < 3 {
		slots, err := c.RunningSlots(context.Background())
		require.NoError(t, err)
		require.Len(t, slots, 1)
		id := slots[0].FeatureID
		order = append(order, id)
		fr.finish(id, runner.OutcomeCompleted, "")
		require.Eventually(t, func() bool {
			return status(id) == feature.StatusCompleted
		}, waitFor, tick)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

// TestIdempotentPass verifies that repeated passes with no intervening
// event change nothing: same statuses, same slots.
func TestIdempotentPass(t *testing.T) {
	fx := newFixture(t, 2)
	fx.create(t, queued("a"))
	fx.create(t, queued("b", "a"))
	fx.create(t, queued("c"))

	snapshot := func() (map[string]feature.Status, []string) {
		statuses := make(map[string]feature.Status)
		for _, f := range fx.c.Features() {
			statuses[f.ID] = f.Status
		}
		var slotIDs []string
		for _, s := range fx.slots(t) {
			slotIDs = append(slotIDs, s.FeatureID)
		}
		return statuses, slotIDs
	}

	// Every slots() call forces another pass through the loop.
	st1, slots1 := snapshot()
	st2, slots2 := snapshot()
	assert.Equal(t, st1, st2)
	assert.ElementsMatch(t, slots1, slots2)
	assert.Len(t, fx.runner.launches(), 2, "a and c once each, no double admission")
}

// TestStartFeatureEligibility verifies direct starts reject wrong states,
// unmet dependencies, and budget exhaustion.
func TestStartFeatureEligibility(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	fx.create(t, queued("a"))
	fx.create(t, queued("b", "a"))
	fx.create(t, queued("c"))

	// a grabbed the only slot on creation.
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)

	err := fx.c.StartFeature(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotEligible), "already running")

	err = fx.c.StartFeature(ctx, "b")
	assert.True(t, errors.Is(err, ErrNotEligible), "dependency not completed")

	err = fx.c.StartFeature(ctx, "c")
	assert.True(t, errors.Is(err, ErrNotEligible), "budget exhausted")

	err = fx.c.StartFeature(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// TestStopWaitsForAcknowledgment: the feature stays
// running until the runner acknowledges, then the slot frees and the
// workspace handle is retained.
func TestStopWaitsForAcknowledgment(t *testing.T) {
	fx := newFixture(t, 1)
	f := queued("a")
	f.BranchName = "feature/a"
	fx.create(t, f)

	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)

	require.NoError(t, fx.c.StopFeature(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, fx.runner.terminations())

	// Not acknowledged yet: still running, slot still held.
	assert.Equal(t, feature.StatusRunning, fx.status(t, "a"))
	assert.Len(t, fx.slots(t), 1)

	// Stopping twice while in flight is a no-op, not a double terminate.
	require.NoError(t, fx.c.StopFeature(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, fx.runner.terminations())

	fx.runner.finish("a", runner.OutcomeStopped, "terminated on request")
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusStopped
	}, waitFor, tick)
	assert.Empty(t, fx.slots(t))
	assert.True(t, fx.binder.Held("feature/a"), "handle must be retained for resume")
}

// TestStopRequiresRunning verifies stop on a queued feature is rejected.
func TestStopRequiresRunning(t *testing.T) {
	fx := newFixture(t, 1)
	fx.create(t, queued("a"))
	fx.create(t, queued("b")) // no slot left for b

	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)

	err := fx.c.StopFeature(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrNotEligible))
}

// TestFailureRecordsDetail verifies a failed result becomes a terminal
// failed status carrying the collaborator's detail.
func TestFailureRecordsDetail(t *testing.T) {
	fx := newFixture(t, 1)
	fx.create(t, queued("a"))

	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)

	fx.runner.finish("a", runner.OutcomeFailed, "agent exited 1")
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusFailed
	}, waitFor, tick)

	f, err := fx.c.Feature("a")
	require.NoError(t, err)
	assert.Equal(t, "agent exited 1", f.Detail)
	assert.Empty(t, fx.slots(t))
}

// TestResume verifies stopped and failed features re-queue via resume and
// get re-admitted, while completed and queued features are rejected.
func TestResume(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()
	fx.create(t, queued("a"))

	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)
	fx.runner.finish("a", runner.OutcomeFailed, "flaky")
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusFailed
	}, waitFor, tick)

	require.NoError(t, fx.c.ResumeFeature(ctx, "a"))
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "a"}, fx.runner.launches())

	fx.runner.finish("a", runner.OutcomeCompleted, "")
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusCompleted
	}, waitFor, tick)

	err := fx.c.ResumeFeature(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotEligible), "completed is terminal")
}

// TestWorkspaceUnavailableRetries verifies a transient workspace failure
// leaves the feature queued, and a later pass admits it once the provider
// recovers.
func TestWorkspaceUnavailableRetries(t *testing.T) {
	fx := newFixture(t, 1)
	fx.provider.setFail(true)

	fx.create(t, queued("a"))
	assert.Empty(t, fx.slots(t))
	assert.Equal(t, feature.StatusQueued, fx.status(t, "a"),
		"unavailability must not fail the feature")

	fx.provider.setFail(false)
	// Any command triggers the next pass.
	require.Eventually(t, func() bool {
		return len(fx.slots(t)) == 1
	}, waitFor, tick)
	assert.Equal(t, feature.StatusRunning, fx.status(t, "a"))
}

// TestReconciliation: features persisted as running
// come back stopped with the reconciliation marker, everything else is
// untouched, and resume re-admits.
func TestReconciliation(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.Open(db, nil)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(queued("dead")))
	require.NoError(t, st.Upsert(queued("done")))
	require.NoError(t, st.SetStatus("dead", feature.StatusRunning, ""))
	require.NoError(t, st.SetStatus("done", feature.StatusCompleted, ""))

	fr := newFakeRunner()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	c, err := New(Config{MaxConcurrency: 1}, st,
		workspace.NewBinder(&fakeProvider{}, nil), fr, bus, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	dead, err := c.Feature("dead")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusStopped, dead.Status)
	assert.Equal(t, ReconcileDetail, dead.Detail)

	done, err := c.Feature("done")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusCompleted, done.Status, "others unaffected")

	// The reconciled feature is eligible for resume.
	require.NoError(t, c.ResumeFeature(context.Background(), "dead"))
	require.Eventually(t, func() bool {
		f, err := c.Feature("dead")
		return err == nil && f.Status == feature.StatusRunning
	}, waitFor, tick)
}

// TestCycleRejectedEvent verifies a cycle rejection is synchronous and
// also lands on the event bus.
func TestCycleRejectedEvent(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	evs, cancel := fx.bus.Subscribe()
	defer cancel()

	fx.create(t, queued("a"))
	fx.create(t, queued("b", "a"))

	err := fx.c.AddDependency(ctx, "b", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCycle))

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-evs:
				if ev.Type == events.CycleRejected {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, tick)
}

// TestDeleteFeature verifies delete honors the store's conflict contract
// and refuses to delete a running feature.
func TestDeleteFeature(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	fx.create(t, queued("a"))
	fx.create(t, queued("b", "a"))
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)

	err := fx.c.DeleteFeature(ctx, "a", false)
	assert.True(t, errors.Is(err, ErrFeatureRunning))

	// b is queued with a dependency, deletable only after edges resolve.
	err = fx.c.DeleteFeature(ctx, "b", false)
	require.NoError(t, err)
	_, err = fx.c.Feature("b")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// TestSpawnTask verifies spawn creates a dependent feature that waits for
// its parent.
func TestSpawnTask(t *testing.T) {
	fx := newFixture(t, 2)
	fx.create(t, queued("parent"))

	child, err := fx.c.SpawnTask(context.Background(), "parent", feature.Feature{Title: "child"})
	require.NoError(t, err)
	assert.Contains(t, child.Dependencies, "parent")
	assert.NotEmpty(t, child.ID)

	assert.Equal(t, feature.StatusQueued, fx.status(t, child.ID))

	fx.runner.finish("parent", runner.OutcomeCompleted, "")
	require.Eventually(t, func() bool {
		return fx.status(t, child.ID) == feature.StatusRunning
	}, waitFor, tick)
}

// TestEventStream verifies transition events carry feature id, status,
// and timestamp.
func TestEventStream(t *testing.T) {
	fx := newFixture(t, 1)

	evs, cancel := fx.bus.Subscribe()
	defer cancel()

	fx.create(t, queued("a"))
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusRunning
	}, waitFor, tick)
	fx.runner.finish("a", runner.OutcomeCompleted, "")
	require.Eventually(t, func() bool {
		return fx.status(t, "a") == feature.StatusCompleted
	}, waitFor, tick)

	var seen []events.Type
	deadline := time.After(waitFor)
	for len(seen) < 2 {
		select {
		case ev := <-evs:
			assert.Equal(t, "a", ev.FeatureID)
			assert.False(t, ev.Timestamp.IsZero())
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []events.Type{events.TaskStarted, events.TaskCompleted}, seen)
}
