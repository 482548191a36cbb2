// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts acquire/release calls and can be told to fail.
type fakeProvider struct {
	acquires int
	releases int
	fail     bool
}

func (p *fakeProvider) Acquire(_ context.Context, branch string) (Handle, error) {
	if p.fail {
		return Handle{}, fmt.Errorf("%w: disk full", ErrUnavailable)
	}
	p.acquires++
	return Handle{Path: "/worktrees/" + branch}, nil
}

func (p *fakeProvider) Release(_ context.Context, _ Handle) error {
	p.releases++
	return nil
}

func (p *fakeProvider) IsPrimary(_, branch string) bool {
	return branch == Primary
}

// TestAcquireIdempotent verifies a held branch is not re-acquired.
func TestAcquireIdempotent(t *testing.T) {
	p := &fakeProvider{}
	b := NewBinder(p, nil)
	ctx := context.Background()

	h1, err := b.Acquire(ctx, "feature/x")
	require.NoError(t, err)
	h2, err := b.Acquire(ctx, "feature/x")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, p.acquires, "second acquire must reuse the handle")
	assert.True(t, b.Held("feature/x"))
}

// TestReleaseUnheldIsNoop verifies releasing with nothing held is safe.
func TestReleaseUnheldIsNoop(t *testing.T) {
	p := &fakeProvider{}
	b := NewBinder(p, nil)

	require.NoError(t, b.Release(context.Background(), "feature/x"))
	assert.Zero(t, p.releases)
}

// TestAcquireReleaseCycle verifies release frees the slot so a later
// acquire creates a fresh handle.
func TestAcquireReleaseCycle(t *testing.T) {
	p := &fakeProvider{}
	b := NewBinder(p, nil)
	ctx := context.Background()

	_, err := b.Acquire(ctx, "feature/x")
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, "feature/x"))
	assert.False(t, b.Held("feature/x"))

	_, err = b.Acquire(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, 2, p.acquires)
	assert.Equal(t, 1, p.releases)
}

// TestAcquireUnavailable verifies provider failures surface as
// ErrUnavailable and leave no cached handle behind.
func TestAcquireUnavailable(t *testing.T) {
	p := &fakeProvider{fail: true}
	b := NewBinder(p, nil)

	_, err := b.Acquire(context.Background(), "feature/x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, b.Held("feature/x"))

	// Once the provider recovers the same branch acquires cleanly.
	p.fail = false
	_, err = b.Acquire(context.Background(), "feature/x")
	require.NoError(t, err)
}

// TestReleaseAll verifies shutdown releases every held handle.
func TestReleaseAll(t *testing.T) {
	p := &fakeProvider{}
	b := NewBinder(p, nil)
	ctx := context.Background()

	for _, branch := range []string{Primary, "feature/x", "feature/y"} {
		_, err := b.Acquire(ctx, branch)
		require.NoError(t, err)
	}

	b.ReleaseAll(ctx)
	assert.Equal(t, 3, p.releases)
	assert.False(t, b.Held(Primary))
	assert.False(t, b.Held("feature/x"))
}
