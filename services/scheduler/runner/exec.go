// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

// Sentinel errors for exec supervision.
var (
	// ErrAlreadyRunning is returned when Launch is called for a feature
	// that already has a live process.
	ErrAlreadyRunning = errors.New("feature already running")

	// ErrNotRunning is returned when Terminate targets a feature with no
	// live process.
	ErrNotRunning = errors.New("feature not running")
)

// resultBuffer bounds how many unconsumed results the runner holds before
// watcher goroutines block. The coordinator drains continuously.
const resultBuffer = 16

// ExecRunner supervises one out-of-process agent command per feature.
//
// # Description
//
// Launch starts the configured command in the feature's workspace
// directory with AUTOMAKER_FEATURE_ID and AUTOMAKER_WORKSPACE exported,
// then returns. A watcher goroutine waits for the process and posts the
// terminal Result: exit 0 becomes OutcomeCompleted, a nonzero exit becomes
// OutcomeFailed, and an exit following a Terminate request becomes
// OutcomeStopped (the stop acknowledgment).
//
// # Thread Safety
//
// Safe for concurrent use; the process table is mutex-guarded.
type ExecRunner struct {
	mu      sync.Mutex
	argv    []string
	procs   map[string]*execProc
	results chan Result
	logger  *slog.Logger
}

type execProc struct {
	cmd      *exec.Cmd
	stopping bool
}

// NewExecRunner creates a runner that launches argv for each feature.
func NewExecRunner(argv []string, logger *slog.Logger) (*ExecRunner, error) {
	if len(argv) == 0 {
		return nil, errors.New("argv must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		argv:    argv,
		procs:   make(map[string]*execProc),
		results: make(chan Result, resultBuffer),
		logger:  logger,
	}, nil
}

// Launch starts the agent command for featureID inside its workspace.
func (r *ExecRunner) Launch(ctx context.Context, featureID string, h workspace.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[featureID]; ok {
		return fmt.Errorf("launch %s: %w", featureID, ErrAlreadyRunning)
	}

	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Dir = h.Path
	cmd.Env = append(os.Environ(),
		"AUTOMAKER_FEATURE_ID="+featureID,
		"AUTOMAKER_WORKSPACE="+h.Path,
	)
	// Own process group so Terminate can signal the whole agent tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", featureID, err)
	}

	proc := &execProc{cmd: cmd}
	r.procs[featureID] = proc
	r.logger.Info("agent launched",
		"feature_id", featureID, "pid", cmd.Process.Pid, "workspace", h.Path)

	go r.watch(featureID, proc)
	return nil
}

// Terminate requests cooperative shutdown of the feature's process group.
// The acknowledgment arrives later as an OutcomeStopped Result.
func (r *ExecRunner) Terminate(_ context.Context, featureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.procs[featureID]
	if !ok {
		return fmt.Errorf("terminate %s: %w", featureID, ErrNotRunning)
	}
	proc.stopping = true

	if err := syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate %s: %w", featureID, err)
	}
	r.logger.Info("termination requested", "feature_id", featureID)
	return nil
}

// Results returns the terminal result stream.
func (r *ExecRunner) Results() <-chan Result {
	return r.results
}

func (r *ExecRunner) watch(featureID string, proc *execProc) {
	err := proc.cmd.Wait()

	r.mu.Lock()
	stopping := proc.stopping
	delete(r.procs, featureID)
	r.mu.Unlock()

	res := Result{FeatureID: featureID, FinishedAt: time.Now().UTC()}
	switch {
	case stopping:
		res.Outcome = OutcomeStopped
	case err == nil:
		res.Outcome = OutcomeCompleted
	default:
		res.Outcome = OutcomeFailed
		res.Detail = err.Error()
	}

	r.logger.Info("agent finished",
		"feature_id", featureID, "outcome", string(res.Outcome), "detail", res.Detail)
	r.results <- res
}
