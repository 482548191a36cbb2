// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine implements the autonomous execution scheduler.
//
// One Coordinator exists per project. All scheduling state (feature
// statuses, execution slots, the concurrency budget) is owned by a single
// run-loop goroutine: public methods post commands over a channel and wait
// for the reply, and the runner's terminal results arrive on the same
// loop. Two scheduling passes can therefore never race for the same
// budget slot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Fawwaz-2009/automaker/services/scheduler/events"
	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
	"github.com/Fawwaz-2009/automaker/services/scheduler/graph"
	"github.com/Fawwaz-2009/automaker/services/scheduler/runner"
	"github.com/Fawwaz-2009/automaker/services/scheduler/store"
	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

var (
	tracer = otel.Tracer("automaker.scheduler")
	meter  = otel.Meter("automaker.scheduler")
)

// ReconcileDetail marks features stopped by startup reconciliation rather
// than by an explicit request.
const ReconcileDetail = "stopped by startup reconciliation"

// DefaultMaxConcurrency bounds simultaneous running tasks when the
// configuration does not say otherwise.
const DefaultMaxConcurrency = 3

// Config holds coordinator configuration.
type Config struct {
	// MaxConcurrency is the execution budget: the maximum number of
	// features running at once. Values below one fall back to
	// DefaultMaxConcurrency.
	MaxConcurrency int
}

// Slot is the runtime record of one running feature. Slots are never
// persisted; reconciliation rebuilds an empty table after a restart.
type Slot struct {
	FeatureID string           `json:"feature_id"`
	Handle    workspace.Handle `json:"handle"`
	StartedAt time.Time        `json:"started_at"`
}

// Patch carries partial feature updates. Nil fields are left unchanged.
type Patch struct {
	Title        *string
	Description  *string
	BranchName   *string
	Priority     *int
	Dependencies *[]string
}

// command is one unit of work for the run loop.
type command struct {
	run   func() error
	reply chan error
}

// Coordinator drives the per-feature state machine under the concurrency
// budget.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. State behind the run
// loop (slots, stop requests) is touched only by the loop goroutine.
type Coordinator struct {
	cfg    Config
	store  *store.Store
	binder *workspace.Binder
	runner runner.Runner
	bus    *events.Bus
	logger *slog.Logger

	commands chan command
	closed   chan struct{}
	stopped  chan struct{}
	once     sync.Once

	// Loop-owned state. Never touched off the loop goroutine.
	slots    map[string]Slot
	stopping map[string]bool

	// Metrics, initialized lazily; absence degrades gracefully.
	metricsOnce  sync.Once
	admissions   metric.Int64Counter
	terminals    metric.Int64Counter
	runningTasks metric.Int64UpDownCounter
	passLatency  metric.Float64Histogram
}

// New creates a coordinator. Call Start to begin scheduling.
func New(cfg Config, st *store.Store, binder *workspace.Binder, rn runner.Runner,
	bus *events.Bus, logger *slog.Logger) (*Coordinator, error) {

	if st == nil || binder == nil || rn == nil || bus == nil {
		return nil, errors.New("store, binder, runner, and bus are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Coordinator{
		cfg:      cfg,
		store:    st,
		binder:   binder,
		runner:   rn,
		bus:      bus,
		logger:   logger,
		commands: make(chan command),
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
		slots:    make(map[string]Slot),
		stopping: make(map[string]bool),
	}, nil
}

// Start reconciles persisted state and launches the run loop.
//
// Reconciliation is the one implicit transition in the system: a feature
// persisted as running cannot correspond to a live process after a
// restart, so it becomes stopped with ReconcileDetail and stays eligible
// for resume. Everything else is left untouched. The loop then runs an
// initial scheduling pass.
func (c *Coordinator) Start() error {
	if err := c.recover(); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	go c.loop()
	return nil
}

// Shutdown stops the run loop. In-flight agent processes are not killed;
// they are reconciled as stopped on the next startup.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() { close(c.closed) })
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) recover() error {
	for _, f := range c.store.List() {
		if f.Status != feature.StatusRunning {
			continue
		}
		if err := c.store.SetStatus(f.ID, feature.StatusStopped, ReconcileDetail); err != nil {
			return err
		}
		c.logger.Warn("reconciled feature left running by previous process",
			"feature_id", f.ID)
		c.emit(events.TaskStopped, f.ID, feature.StatusStopped, ReconcileDetail)
	}
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.stopped)

	ctx := context.Background()
	c.pass(ctx)

	for {
		select {
		case cmd := <-c.commands:
			cmd.reply <- cmd.run()
			c.pass(ctx)
		case res := <-c.runner.Results():
			c.handleResult(ctx, res)
			c.pass(ctx)
		case <-c.closed:
			return
		}
	}
}

// do runs fn on the loop goroutine and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.closed:
		return ErrCoordinatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Graph mutations
// ---------------------------------------------------------------------------

// CreateFeature validates and stores a new feature, then schedules.
// An empty id is filled with a fresh uuid; status is always queued.
func (c *Coordinator) CreateFeature(ctx context.Context, f feature.Feature) (feature.Feature, error) {
	if f.ID == "" {
		fresh := feature.New(f.Title)
		fresh.Description = f.Description
		fresh.BranchName = f.BranchName
		fresh.Priority = f.Priority
		if len(f.Dependencies) > 0 {
			fresh.Dependencies = append([]string(nil), f.Dependencies...)
		}
		f = fresh
	}
	f.Status = feature.StatusQueued
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	err := c.do(ctx, func() error {
		return c.checkedMutation(c.store.Upsert(f))
	})
	if err != nil {
		return feature.Feature{}, err
	}
	return c.store.Get(f.ID)
}

// UpdateFeature applies a partial update. The branch binding of a running
// feature cannot change while it holds a slot.
func (c *Coordinator) UpdateFeature(ctx context.Context, id string, p Patch) (feature.Feature, error) {
	err := c.do(ctx, func() error {
		f, err := c.store.Get(id)
		if err != nil {
			return err
		}
		if _, running := c.slots[id]; running && p.BranchName != nil && *p.BranchName != f.BranchName {
			return fmt.Errorf("update %s: %w", id, ErrFeatureRunning)
		}

		if p.Title != nil {
			f.Title = *p.Title
		}
		if p.Description != nil {
			f.Description = *p.Description
		}
		if p.BranchName != nil {
			f.BranchName = *p.BranchName
		}
		if p.Priority != nil {
			f.Priority = *p.Priority
		}
		if p.Dependencies != nil {
			f.Dependencies = append([]string(nil), (*p.Dependencies)...)
		}
		return c.checkedMutation(c.store.Upsert(f))
	})
	if err != nil {
		return feature.Feature{}, err
	}
	return c.store.Get(id)
}

// DeleteFeature removes a feature, honoring the store's conflict contract.
// A running feature must be stopped first. Its workspace handle, if held
// and not shared with a running sibling, is released.
func (c *Coordinator) DeleteFeature(ctx context.Context, id string, cascade bool) error {
	return c.do(ctx, func() error {
		if _, running := c.slots[id]; running {
			return fmt.Errorf("delete %s: %w", id, ErrFeatureRunning)
		}
		f, err := c.store.Get(id)
		if err != nil {
			return err
		}
		if err := c.store.Remove(id, cascade); err != nil {
			return err
		}
		c.releaseIfUnshared(context.Background(), f.BranchName)
		return nil
	})
}

// AddDependency records "target depends on source". Cycle rejections are
// synchronous and additionally surface on the event bus so the board UI
// can flash the rejected edge.
func (c *Coordinator) AddDependency(ctx context.Context, sourceID, targetID string) error {
	return c.do(ctx, func() error {
		err := c.store.AddDependency(sourceID, targetID)
		if errors.Is(err, graph.ErrCycle) {
			c.emit(events.CycleRejected, targetID, "", err.Error())
		}
		return err
	})
}

// RemoveDependency removes the edge "target depends on source".
func (c *Coordinator) RemoveDependency(ctx context.Context, sourceID, targetID string) error {
	return c.do(ctx, func() error {
		return c.store.RemoveDependency(sourceID, targetID)
	})
}

// checkedMutation publishes a cycle-rejected event when a store mutation
// failed on acyclicity, and passes every error through.
func (c *Coordinator) checkedMutation(err error) error {
	if errors.Is(err, graph.ErrCycle) {
		c.emit(events.CycleRejected, "", "", err.Error())
	}
	return err
}

// ---------------------------------------------------------------------------
// Lifecycle actions
// ---------------------------------------------------------------------------

// StartFeature admits one feature immediately.
//
// Fails with NotEligibleError when the feature is not queued, has
// incomplete dependencies, or the budget is exhausted. A transient
// workspace failure is returned to the caller and the feature stays
// queued for the next pass.
func (c *Coordinator) StartFeature(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		f, err := c.store.Get(id)
		if err != nil {
			return err
		}
		if f.Status != feature.StatusQueued {
			return &NotEligibleError{FeatureID: id,
				Reason: fmt.Sprintf("status is %s, not queued", f.Status)}
		}
		if unmet := c.unmetDeps(f); len(unmet) > 0 {
			return &NotEligibleError{FeatureID: id,
				Reason: fmt.Sprintf("dependencies not completed: %v", unmet)}
		}
		if len(c.slots) >= c.cfg.MaxConcurrency {
			return &NotEligibleError{FeatureID: id, Reason: "concurrency budget exhausted"}
		}
		return c.admit(context.Background(), f)
	})
}

// StopFeature requests cooperative termination of a running feature.
//
// The feature stays running until the runner acknowledges with a stopped
// result; only then is the slot freed. The workspace handle is retained
// for a later resume. An un-acknowledged terminate request surfaces as an
// error here rather than being assumed successful.
func (c *Coordinator) StopFeature(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if _, ok := c.slots[id]; !ok {
			f, err := c.store.Get(id)
			if err != nil {
				return err
			}
			return &NotEligibleError{FeatureID: id,
				Reason: fmt.Sprintf("status is %s, not running", f.Status)}
		}
		if c.stopping[id] {
			return nil // stop already in flight
		}
		if err := c.runner.Terminate(ctx, id); err != nil {
			return fmt.Errorf("stop %s: %w", id, err)
		}
		c.stopping[id] = true
		return nil
	})
}

// ResumeFeature re-queues a stopped or failed feature. Eligibility is
// re-evaluated by the scheduling pass that follows immediately; admission
// is not guaranteed (dependencies may have changed while it was stopped).
func (c *Coordinator) ResumeFeature(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		f, err := c.store.Get(id)
		if err != nil {
			return err
		}
		if f.Status != feature.StatusStopped && f.Status != feature.StatusFailed {
			return &NotEligibleError{FeatureID: id,
				Reason: fmt.Sprintf("status is %s, not stopped or failed", f.Status)}
		}
		return c.store.SetStatus(id, feature.StatusQueued, "")
	})
}

// SpawnTask creates a new feature depending on parent.
func (c *Coordinator) SpawnTask(ctx context.Context, parentID string, f feature.Feature) (feature.Feature, error) {
	if _, err := c.store.Get(parentID); err != nil {
		return feature.Feature{}, err
	}
	f.Dependencies = append(append([]string(nil), f.Dependencies...), parentID)
	return c.CreateFeature(ctx, f)
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Feature returns one feature by id.
func (c *Coordinator) Feature(id string) (feature.Feature, error) {
	return c.store.Get(id)
}

// Features returns all features in stable order.
func (c *Coordinator) Features() []feature.Feature {
	return c.store.List()
}

// RunningSlots returns a copy of the execution slot table.
func (c *Coordinator) RunningSlots(ctx context.Context) ([]Slot, error) {
	var out []Slot
	err := c.do(ctx, func() error {
		for _, s := range c.slots {
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Run loop internals
// ---------------------------------------------------------------------------

// pass is one scheduling evaluation: admit eligible queued features in
// deterministic order until the budget is full. Idempotent: with no
// intervening state change, a second pass admits nothing.
func (c *Coordinator) pass(ctx context.Context) {
	c.initMetrics()
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduler.pass")
	defer span.End()
	defer func() {
		if c.passLatency != nil {
			c.passLatency.Record(ctx, time.Since(start).Seconds())
		}
	}()

	feats := c.store.List()
	byID := make(map[string]feature.Feature, len(feats))
	for _, f := range feats {
		byID[f.ID] = f
	}

	order, err := graph.ExecutionOrder(graph.FromFeatures(feats))
	if err != nil {
		// Unreachable while the store's invariant holds; never crash the
		// coordinator on it.
		c.logger.Error("stored graph failed to layer", "error", err)
		span.RecordError(err)
		return
	}

	for _, group := range order {
		for _, id := range group {
			if len(c.slots) >= c.cfg.MaxConcurrency {
				return
			}
			f := byID[id]
			if f.Status != feature.StatusQueued {
				continue
			}
			if len(c.unmetDepsIn(f, byID)) > 0 {
				continue
			}
			if err := c.admit(ctx, f); err != nil {
				// Transient: the feature stays queued for the next pass.
				c.logger.Warn("admission deferred",
					"feature_id", f.ID, "error", err)
			}
		}
	}
}

// admit moves one eligible feature into a running slot: workspace handle,
// launch, persisted transition, slot record, event. Caller has already
// checked eligibility and budget.
func (c *Coordinator) admit(ctx context.Context, f feature.Feature) error {
	h, err := c.binder.Acquire(ctx, f.BranchName)
	if err != nil {
		return err // ErrUnavailable: queued, retried next pass
	}

	if err := c.runner.Launch(ctx, f.ID, h); err != nil {
		// Launch failure is an execution failure, not a scheduling retry.
		detail := fmt.Sprintf("launch failed: %v", err)
		if serr := c.store.SetStatus(f.ID, feature.StatusFailed, detail); serr != nil {
			c.logger.Error("failed to record launch failure",
				"feature_id", f.ID, "error", serr)
		}
		c.emit(events.TaskFailed, f.ID, feature.StatusFailed, detail)
		return nil
	}

	if err := c.store.SetStatus(f.ID, feature.StatusRunning, ""); err != nil {
		c.logger.Error("failed to persist running status",
			"feature_id", f.ID, "error", err)
	}
	c.slots[f.ID] = Slot{FeatureID: f.ID, Handle: h, StartedAt: time.Now().UTC()}

	if c.admissions != nil {
		c.admissions.Add(ctx, 1)
	}
	if c.runningTasks != nil {
		c.runningTasks.Add(ctx, 1)
	}
	c.logger.Info("feature admitted",
		"feature_id", f.ID, "branch", f.BranchName, "running", len(c.slots))
	c.emit(events.TaskStarted, f.ID, feature.StatusRunning, "")
	return nil
}

// handleResult consumes one terminal report from the runner and applies
// the matching transition. The slot is released exactly once, on receipt.
func (c *Coordinator) handleResult(ctx context.Context, res runner.Result) {
	slot, ok := c.slots[res.FeatureID]
	if !ok {
		c.logger.Warn("terminal result for unknown slot",
			"feature_id", res.FeatureID, "outcome", string(res.Outcome))
		return
	}
	delete(c.slots, res.FeatureID)
	delete(c.stopping, res.FeatureID)

	var status feature.Status
	var evType events.Type
	switch res.Outcome {
	case runner.OutcomeCompleted:
		status, evType = feature.StatusCompleted, events.TaskCompleted
		// A completed feature will not resume; its workspace can go unless a
		// running sibling shares the branch.
		c.releaseIfUnshared(ctx, slot.Handle.Branch)
	case runner.OutcomeFailed:
		status, evType = feature.StatusFailed, events.TaskFailed
	case runner.OutcomeStopped:
		status, evType = feature.StatusStopped, events.TaskStopped
	default:
		c.logger.Error("unknown outcome", "feature_id", res.FeatureID,
			"outcome", string(res.Outcome))
		return
	}

	if err := c.store.SetStatus(res.FeatureID, status, res.Detail); err != nil {
		c.logger.Error("failed to persist terminal status",
			"feature_id", res.FeatureID, "error", err)
	}

	if c.runningTasks != nil {
		c.runningTasks.Add(ctx, -1)
	}
	if c.terminals != nil {
		c.terminals.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	}
	c.logger.Info("feature finished",
		"feature_id", res.FeatureID, "status", string(status),
		"ran_for", time.Since(slot.StartedAt))
	c.emit(evType, res.FeatureID, status, res.Detail)
}

// releaseIfUnshared frees the workspace handle for branch unless another
// running slot still executes in it.
func (c *Coordinator) releaseIfUnshared(ctx context.Context, branch string) {
	for _, s := range c.slots {
		if s.Handle.Branch == branch {
			return
		}
	}
	if err := c.binder.Release(ctx, branch); err != nil {
		c.logger.Warn("workspace release failed", "branch", branch, "error", err)
	}
}

// unmetDeps reports dependency ids of f not yet completed.
func (c *Coordinator) unmetDeps(f feature.Feature) []string {
	feats := c.store.List()
	byID := make(map[string]feature.Feature, len(feats))
	for _, other := range feats {
		byID[other.ID] = other
	}
	return c.unmetDepsIn(f, byID)
}

func (c *Coordinator) unmetDepsIn(f feature.Feature, byID map[string]feature.Feature) []string {
	var unmet []string
	for _, dep := range f.Dependencies {
		if byID[dep].Status != feature.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (c *Coordinator) emit(t events.Type, featureID string, status feature.Status, detail string) {
	c.bus.Publish(events.Event{
		Type:      t,
		FeatureID: featureID,
		Status:    string(status),
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// initMetrics lazily creates the instrument set. Failures are logged and
// the affected instrument stays nil; scheduling continues without it.
func (c *Coordinator) initMetrics() {
	c.metricsOnce.Do(func() {
		var err error
		c.admissions, err = meter.Int64Counter("scheduler_admissions_total",
			metric.WithDescription("Features admitted into execution slots"))
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "admissions", "error", err)
		}
		c.terminals, err = meter.Int64Counter("scheduler_terminals_total",
			metric.WithDescription("Terminal transitions by outcome"))
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "terminals", "error", err)
		}
		c.runningTasks, err = meter.Int64UpDownCounter("scheduler_running_tasks",
			metric.WithDescription("Currently running features"))
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "running_tasks", "error", err)
		}
		c.passLatency, err = meter.Float64Histogram("scheduler_pass_duration_seconds",
			metric.WithDescription("Scheduling pass duration"),
			metric.WithUnit("s"))
		if err != nil {
			c.logger.Warn("metric init failed", "metric", "pass_latency", "error", err)
		}
	})
}
