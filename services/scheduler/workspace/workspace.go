// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workspace binds scheduler intents to isolated execution
// environments.
//
// The actual worktree mechanics live behind the Provider interface; this
// package only guarantees at most one live handle per branch and makes
// acquire/release idempotent so the scheduler can retry freely.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Primary is the branch key for the primary workspace (a feature with no
// branch name runs there).
const Primary = ""

// ErrUnavailable is returned when the provider cannot supply a workspace
// right now. It is transient: the scheduler leaves the feature queued and
// retries on the next pass instead of failing the feature.
var ErrUnavailable = errors.New("workspace unavailable")

// Handle is an opaque reference to an acquired workspace.
type Handle struct {
	// Branch is the branch the workspace is bound to; Primary for the
	// primary workspace.
	Branch string `json:"branch"`

	// Path is the provider-reported location of the environment.
	Path string `json:"path"`
}

// Provider is the external worktree collaborator.
//
// Implementations perform the real filesystem/VCS work. Acquire should
// wrap transient setup failures so they match ErrUnavailable; anything
// else is treated as fatal by the caller.
type Provider interface {
	Acquire(ctx context.Context, branch string) (Handle, error)
	Release(ctx context.Context, h Handle) error
	IsPrimary(projectPath, branch string) bool
}

// Binder caches workspace handles per branch.
//
// # Thread Safety
//
// Safe for concurrent use, though in practice only the scheduler
// coordinator calls it.
type Binder struct {
	mu       sync.Mutex
	provider Provider
	held     map[string]Handle
	logger   *slog.Logger
}

// NewBinder creates a binder over the given provider.
func NewBinder(provider Provider, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		provider: provider,
		held:     make(map[string]Handle),
		logger:   logger,
	}
}

// Acquire returns the workspace handle for branch, creating it through the
// provider on first use. While a handle is held for the branch, Acquire
// returns that same handle rather than creating a duplicate.
func (b *Binder) Acquire(ctx context.Context, branch string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.held[branch]; ok {
		return h, nil
	}

	h, err := b.provider.Acquire(ctx, branch)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Handle{}, err
		}
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	h.Branch = branch
	b.held[branch] = h
	b.logger.Debug("workspace acquired", "branch", branchLabel(branch), "path", h.Path)
	return h, nil
}

// Release frees the handle for branch, if one is held. Releasing an
// unheld branch is a no-op, so double-release during cleanup is safe.
func (b *Binder) Release(ctx context.Context, branch string) error {
	b.mu.Lock()
	h, ok := b.held[branch]
	if ok {
		delete(b.held, branch)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := b.provider.Release(ctx, h); err != nil {
		return fmt.Errorf("release workspace %s: %w", branchLabel(branch), err)
	}
	b.logger.Debug("workspace released", "branch", branchLabel(branch))
	return nil
}

// Held reports whether a live handle exists for branch.
func (b *Binder) Held(branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.held[branch]
	return ok
}

// ReleaseAll frees every held handle; used during shutdown. Errors are
// logged, not returned, because shutdown must not stall on one branch.
func (b *Binder) ReleaseAll(ctx context.Context) {
	b.mu.Lock()
	held := b.held
	b.held = make(map[string]Handle)
	b.mu.Unlock()

	for branch, h := range held {
		if err := b.provider.Release(ctx, h); err != nil {
			b.logger.Warn("failed to release workspace",
				"branch", branchLabel(branch), "error", err)
		}
	}
}

func branchLabel(branch string) string {
	if branch == Primary {
		return "(primary)"
	}
	return branch
}
