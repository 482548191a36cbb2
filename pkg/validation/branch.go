// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// fields.
//
// Branch names end up in filesystem paths and in the environment of
// spawned agent processes, so they are validated before any persistence
// or subprocess call. Using these validators prevents path traversal and
// command injection through user-supplied names.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxBranchLength bounds branch names. Matches common git hosting
// limits.
const MaxBranchLength = 120

// branchPattern matches valid branch names: path-style segments of
// letters, digits, dots, underscores, and hyphens, separated by single
// slashes. No leading slash, dot, or hyphen.
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._\-]*(/[A-Za-z0-9._\-]+)*$`)

// ValidateBranch checks that name is safe to use as a branch name.
// The empty string is valid: it designates the primary workspace.
func ValidateBranch(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > MaxBranchLength {
		return fmt.Errorf("branch name exceeds %d characters", MaxBranchLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name must not contain %q", "..")
	}
	if !branchPattern.MatchString(name) {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}
