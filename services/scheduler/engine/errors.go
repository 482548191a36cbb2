// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for scheduler operations.
var (
	// ErrNotEligible is returned when a start/stop/resume request finds the
	// feature in the wrong state or with unmet preconditions.
	ErrNotEligible = errors.New("feature not eligible")

	// ErrFeatureRunning is returned when a mutation (delete) targets a
	// feature that currently holds an execution slot.
	ErrFeatureRunning = errors.New("feature is running")

	// ErrCoordinatorClosed is returned when a command is posted after
	// shutdown began.
	ErrCoordinatorClosed = errors.New("coordinator closed")
)

// NotEligibleError explains why a feature cannot take the requested
// transition right now.
type NotEligibleError struct {
	FeatureID string
	Reason    string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("feature %s not eligible: %s", e.FeatureID, e.Reason)
}

func (e *NotEligibleError) Unwrap() error {
	return ErrNotEligible
}
