// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package runner defines the boundary to the agent-execution collaborator.
//
// The scheduler never waits on a running task and never infers its fate
// from a timeout: it launches, registers interest, and consumes terminal
// results from the collaborator's result channel. ExecRunner is the
// reference implementation supervising out-of-process agent commands.
package runner

import (
	"context"
	"time"

	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

// Outcome is the terminal fate of one execution attempt, as reported by
// the collaborator.
type Outcome string

const (
	// OutcomeCompleted means the agent finished its work successfully.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means the agent reported failure.
	OutcomeFailed Outcome = "failed"

	// OutcomeStopped acknowledges a terminate request.
	OutcomeStopped Outcome = "stopped"
)

// Result is a terminal report for one feature's execution.
type Result struct {
	FeatureID  string
	Outcome    Outcome
	Detail     string
	FinishedAt time.Time
}

// Runner launches and terminates feature executions.
//
// Launch must return promptly after starting the unit of work; the
// terminal Result arrives later on Results. Terminate is cooperative: it
// requests shutdown, and the acknowledgment is the OutcomeStopped Result,
// never an assumption.
type Runner interface {
	Launch(ctx context.Context, featureID string, h workspace.Handle) error
	Terminate(ctx context.Context, featureID string) error
	Results() <-chan Result
}
