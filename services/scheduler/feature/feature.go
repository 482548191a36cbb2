// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feature defines the unit of work managed by the scheduler.
//
// A Feature is a piece of work with a lifecycle status, a set of dependency
// edges to other features, and an optional binding to an isolated workspace
// branch. Features are persisted by the store package and driven through
// their state machine by the engine package.
package feature

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	// StatusQueued means the feature is waiting for its dependencies and a
	// free execution slot.
	StatusQueued Status = "queued"

	// StatusRunning means the feature currently holds an execution slot.
	StatusRunning Status = "running"

	// StatusCompleted means the execution collaborator reported success.
	// Completed is terminal; a completed feature is cloned, never restarted.
	StatusCompleted Status = "completed"

	// StatusFailed means the execution collaborator reported failure.
	// A failed feature may be re-queued via resume.
	StatusFailed Status = "failed"

	// StatusStopped means the feature was stopped by request or by startup
	// reconciliation. A stopped feature may be re-queued via resume.
	StatusStopped Status = "stopped"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution attempt and frees its slot.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another. The only transitions are:
//
//	queued  -> running
//	running -> completed | failed | stopped
//	stopped -> queued   (explicit resume)
//	failed  -> queued   (explicit resume)
//
// Completed is terminal. Self-transitions are not permitted.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusStopped
	case StatusStopped, StatusFailed:
		return to == StatusQueued
	}
	return false
}

// Feature is the unit of work.
//
// # Description
//
// Dependencies lists the ids of features that must reach StatusCompleted
// before this feature may start. BranchName names the isolated workspace
// branch the feature executes in; the empty string selects the primary
// workspace. Priority and CreatedAt only break ties among equally eligible
// features so that admission order is deterministic.
//
// # Thread Safety
//
// Feature is a plain value. The store hands out copies; callers never share
// a mutable instance with the scheduler.
type Feature struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	Dependencies []string  `json:"dependencies"`
	BranchName   string    `json:"branch_name,omitempty"`
	Priority     int       `json:"priority"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Detail carries human-readable context for the current status: the
	// failure message for failed features, or the reconciliation marker for
	// features stopped by crash recovery.
	Detail string `json:"detail,omitempty"`
}

// New creates a queued feature with a fresh id.
func New(title string) Feature {
	now := time.Now().UTC()
	return Feature{
		ID:           uuid.NewString(),
		Title:        title,
		Status:       StatusQueued,
		Dependencies: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a copy of f with a fresh id, queued status, and empty
// detail. Dependencies are copied, not shared. Clone is how completed work
// gets re-run: the original record stays immutable history.
func (f Feature) Clone() Feature {
	now := time.Now().UTC()
	deps := make([]string, len(f.Dependencies))
	copy(deps, f.Dependencies)

	clone := f
	clone.ID = uuid.NewString()
	clone.Status = StatusQueued
	clone.Dependencies = deps
	clone.Detail = ""
	clone.CreatedAt = now
	clone.UpdatedAt = now
	return clone
}

// DependsOn reports whether id is a direct dependency of f.
func (f Feature) DependsOn(id string) bool {
	for _, dep := range f.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
