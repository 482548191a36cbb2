// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider materializes workspaces as directories on the local
// filesystem.
//
// The primary workspace maps to the project path itself. Branch
// workspaces are directories under Root named after the branch. Release
// leaves the directory on disk so run artifacts survive for inspection;
// a later acquire of the same branch reuses it.
type LocalProvider struct {
	// ProjectPath is the primary workspace location.
	ProjectPath string

	// Root is the parent directory for branch workspaces.
	Root string
}

// NewLocalProvider builds a provider rooted at root with the given
// primary project path.
func NewLocalProvider(projectPath, root string) *LocalProvider {
	return &LocalProvider{ProjectPath: projectPath, Root: root}
}

// Acquire returns a handle for branch, creating the backing directory
// for branch workspaces on first use. Directory creation failures are
// reported as ErrUnavailable so the scheduler retries later.
func (p *LocalProvider) Acquire(ctx context.Context, branch string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if branch == Primary {
		return Handle{Branch: Primary, Path: p.ProjectPath}, nil
	}

	path := filepath.Join(p.Root, sanitizeBranch(branch))
	if err := os.MkdirAll(path, 0750); err != nil {
		return Handle{}, fmt.Errorf("%w: create %s: %v", ErrUnavailable, path, err)
	}
	return Handle{Branch: branch, Path: path}, nil
}

// Release keeps the directory in place. Removal would destroy run
// artifacts that operators often want after a stop or failure.
func (p *LocalProvider) Release(ctx context.Context, h Handle) error {
	return nil
}

// IsPrimary reports whether branch resolves to the primary workspace.
func (p *LocalProvider) IsPrimary(projectPath, branch string) bool {
	return branch == Primary
}

// sanitizeBranch maps a branch name to a filesystem-safe directory name.
func sanitizeBranch(branch string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, branch)
}
