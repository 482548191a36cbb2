// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fawwaz-2009/automaker/services/scheduler/workspace"
)

func newTestRunner(t *testing.T, argv ...string) *ExecRunner {
	t.Helper()
	r, err := NewExecRunner(argv, nil)
	require.NoError(t, err)
	return r
}

func waitResult(t *testing.T, r *ExecRunner) Result {
	t.Helper()
	select {
	case res := <-r.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestNewExecRunnerRequiresArgv(t *testing.T) {
	_, err := NewExecRunner(nil, nil)
	assert.Error(t, err)
}

func TestLaunchCompletes(t *testing.T) {
	r := newTestRunner(t, "true")
	h := workspace.Handle{Path: t.TempDir()}
	require.NoError(t, r.Launch(context.Background(), "f-1", h))

	res := waitResult(t, r)
	assert.Equal(t, "f-1", res.FeatureID)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestLaunchFailureCarriesDetail(t *testing.T) {
	r := newTestRunner(t, "false")
	h := workspace.Handle{Path: t.TempDir()}
	require.NoError(t, r.Launch(context.Background(), "f-1", h))

	res := waitResult(t, r)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.NotEmpty(t, res.Detail)
}

func TestTerminateYieldsStopped(t *testing.T) {
	r := newTestRunner(t, "sleep", "60")
	h := workspace.Handle{Path: t.TempDir()}
	require.NoError(t, r.Launch(context.Background(), "f-1", h))

	require.NoError(t, r.Terminate(context.Background(), "f-1"))
	res := waitResult(t, r)
	assert.Equal(t, OutcomeStopped, res.Outcome)
}

func TestDoubleLaunchRejected(t *testing.T) {
	r := newTestRunner(t, "sleep", "60")
	h := workspace.Handle{Path: t.TempDir()}
	require.NoError(t, r.Launch(context.Background(), "f-1", h))

	err := r.Launch(context.Background(), "f-1", h)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, r.Terminate(context.Background(), "f-1"))
	waitResult(t, r)
}

func TestTerminateUnknownFeature(t *testing.T) {
	r := newTestRunner(t, "true")
	err := r.Terminate(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotRunning)
}
