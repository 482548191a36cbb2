// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph operations.
var (
	// ErrCycle is returned when an operation would observe or create a
	// dependency cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownNode is returned when an edge references a node that is not
	// in the snapshot.
	ErrUnknownNode = errors.New("unknown node")
)

// CycleError describes a dependency cycle by the path that closes it.
type CycleError struct {
	// Path lists node ids along the cycle; the last element repeats the
	// first when the full loop is known.
	Path []string
}

// NewCycleError creates a CycleError for the given path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is(err, ErrCycle) match.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}
