// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a feature id does not exist.
	ErrNotFound = errors.New("feature not found")

	// ErrValidation is returned for malformed features: empty ids,
	// self-referencing or dangling dependencies, unknown statuses.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a removal is blocked by dependents.
	ErrConflict = errors.New("conflicting dependents")
)

// ValidationError describes why a feature was rejected before any mutation
// was applied.
type ValidationError struct {
	FeatureID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feature %s: %s", e.FeatureID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports a removal blocked by features that still depend on
// the target.
type ConflictError struct {
	FeatureID  string
	Dependents []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("feature %s still required by: %s",
		e.FeatureID, strings.Join(e.Dependents, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
