// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable feature graph store.
//
// The store keeps an in-memory index of all features for reads and writes
// every committed mutation to BadgerDB in the same call. Every mutation is
// validated against a simulated post-state before anything is written:
// there is no code path that can persist a self-referencing, dangling, or
// cyclic dependency set. On failure the store is left exactly as it was.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Fawwaz-2009/automaker/pkg/validation"
	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
	"github.com/Fawwaz-2009/automaker/services/scheduler/graph"
)

// keyPrefix namespaces feature records inside the shared database.
const keyPrefix = "feature/"

func featureKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Store is the durable feature graph store.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads take a shared lock over
// the in-memory index; mutations serialize on the write lock and commit to
// BadgerDB before updating the index.
type Store struct {
	mu       sync.RWMutex
	db       *badger.DB
	features map[string]feature.Feature
	logger   *slog.Logger
}

// Open loads all persisted features from db and validates the loaded set
// as a whole: dangling references or a cycle in previously persisted data
// fail the open rather than being silently dropped. Per-edge validation
// happens on every mutation; batch load validates once at the end.
func Open(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		features: make(map[string]feature.Feature),
		logger:   logger,
	}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var f feature.Feature
				if err := json.Unmarshal(val, &f); err != nil {
					return fmt.Errorf("decode record %s: %w", item.Key(), err)
				}
				s.features[f.ID] = f
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load feature records: %w", err)
	}

	if err := graph.Validate(s.snapshotLocked()); err != nil {
		return nil, fmt.Errorf("persisted graph is invalid: %w", err)
	}

	s.logger.Info("feature store opened", "features", len(s.features))
	return s, nil
}

// snapshotLocked builds a resolver snapshot. Caller holds at least the
// read lock.
func (s *Store) snapshotLocked() graph.Snapshot {
	features := make([]feature.Feature, 0, len(s.features))
	for _, f := range s.features {
		features = append(features, f)
	}
	return graph.FromFeatures(features)
}

// Snapshot returns a resolver snapshot of the current graph.
func (s *Store) Snapshot() graph.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns a copy of the feature with the given id.
func (s *Store) Get(id string) (feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[id]
	if !ok {
		return feature.Feature{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return copyFeature(f), nil
}

// List returns copies of all features, ordered by creation time then id so
// output is stable across calls.
func (s *Store) List() []feature.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]feature.Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, copyFeature(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert inserts or replaces a feature.
//
// Rejections, all before any write:
//   - ValidationError for an empty id, unknown status, self-referencing
//     dependency, or a dependency on an id not in the store.
//   - graph.CycleError when the feature's dependency set would close a
//     cycle through existing edges.
func (s *Store) Upsert(f feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(f); err != nil {
		return err
	}
	if err := s.checkAcyclicLocked(f.ID, f.Dependencies); err != nil {
		return err
	}

	f.UpdatedAt = time.Now().UTC()
	return s.commitLocked(func(txn *badger.Txn) error {
		return putFeature(txn, f)
	}, func() {
		s.features[f.ID] = f
	})
}

// SetDependencies replaces the dependency set of an existing feature.
// All-or-nothing: on any error the store is unchanged.
func (s *Store) SetDependencies(id string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return fmt.Errorf("set dependencies %s: %w", id, ErrNotFound)
	}

	updated := copyFeature(f)
	updated.Dependencies = append([]string(nil), deps...)
	if err := s.validateLocked(updated); err != nil {
		return err
	}
	if err := s.checkAcyclicLocked(id, updated.Dependencies); err != nil {
		return err
	}

	updated.UpdatedAt = time.Now().UTC()
	return s.commitLocked(func(txn *badger.Txn) error {
		return putFeature(txn, updated)
	}, func() {
		s.features[id] = updated
	})
}

// AddDependency adds the edge "target depends on source".
// A duplicate edge is a no-op.
func (s *Store) AddDependency(sourceID, targetID string) error {
	s.mu.RLock()
	target, ok := s.features[targetID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("add dependency %s -> %s: %w", sourceID, targetID, ErrNotFound)
	}
	if target.DependsOn(sourceID) {
		s.mu.RUnlock()
		return nil
	}
	deps := append(append([]string(nil), target.Dependencies...), sourceID)
	s.mu.RUnlock()

	return s.SetDependencies(targetID, deps)
}

// RemoveDependency removes the edge "target depends on source".
// A missing edge is a no-op.
func (s *Store) RemoveDependency(sourceID, targetID string) error {
	s.mu.RLock()
	target, ok := s.features[targetID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("remove dependency %s -> %s: %w", sourceID, targetID, ErrNotFound)
	}
	if !target.DependsOn(sourceID) {
		s.mu.RUnlock()
		return nil
	}
	deps := make([]string, 0, len(target.Dependencies)-1)
	for _, dep := range target.Dependencies {
		if dep != sourceID {
			deps = append(deps, dep)
		}
	}
	s.mu.RUnlock()

	return s.SetDependencies(targetID, deps)
}

// Remove deletes a feature.
//
// When other features still depend on it, Remove fails with ConflictError
// unless cascade is set. Cascade removes the dangling edges from the
// dependents; it never deletes the dependent features themselves. The
// deletion and all edge removals commit in one transaction.
func (s *Store) Remove(id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.features[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	var dependents []string
	for _, f := range s.features {
		if f.DependsOn(id) {
			dependents = append(dependents, f.ID)
		}
	}
	sort.Strings(dependents)

	if len(dependents) > 0 && !cascade {
		return &ConflictError{FeatureID: id, Dependents: dependents}
	}

	now := time.Now().UTC()
	trimmed := make([]feature.Feature, 0, len(dependents))
	for _, depID := range dependents {
		f := copyFeature(s.features[depID])
		kept := f.Dependencies[:0]
		for _, dep := range f.Dependencies {
			if dep != id {
				kept = append(kept, dep)
			}
		}
		f.Dependencies = kept
		f.UpdatedAt = now
		trimmed = append(trimmed, f)
	}

	return s.commitLocked(func(txn *badger.Txn) error {
		for _, f := range trimmed {
			if err := putFeature(txn, f); err != nil {
				return err
			}
		}
		return txn.Delete(featureKey(id))
	}, func() {
		for _, f := range trimmed {
			s.features[f.ID] = f
		}
		delete(s.features, id)
	})
}

// SetStatus records a status transition with optional detail text.
// The engine owns transition legality; the store only persists and rejects
// unknown statuses and ids.
func (s *Store) SetStatus(id string, status feature.Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return fmt.Errorf("set status %s: %w", id, ErrNotFound)
	}
	if !status.Valid() {
		return &ValidationError{FeatureID: id, Reason: fmt.Sprintf("unknown status %q", status)}
	}

	updated := copyFeature(f)
	updated.Status = status
	updated.Detail = detail
	updated.UpdatedAt = time.Now().UTC()

	return s.commitLocked(func(txn *badger.Txn) error {
		return putFeature(txn, updated)
	}, func() {
		s.features[id] = updated
	})
}

// validateLocked rejects malformed features. Caller holds the write lock.
func (s *Store) validateLocked(f feature.Feature) error {
	if f.ID == "" {
		return &ValidationError{FeatureID: f.ID, Reason: "empty id"}
	}
	if !f.Status.Valid() {
		return &ValidationError{FeatureID: f.ID, Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if err := validation.ValidateBranch(f.BranchName); err != nil {
		return &ValidationError{FeatureID: f.ID, Reason: err.Error()}
	}
	seen := make(map[string]bool, len(f.Dependencies))
	for _, dep := range f.Dependencies {
		if dep == f.ID {
			return &ValidationError{FeatureID: f.ID, Reason: "depends on itself"}
		}
		if seen[dep] {
			return &ValidationError{FeatureID: f.ID, Reason: fmt.Sprintf("duplicate dependency %s", dep)}
		}
		seen[dep] = true
		if _, ok := s.features[dep]; !ok && dep != f.ID {
			return &ValidationError{FeatureID: f.ID, Reason: fmt.Sprintf("dependency %s does not exist", dep)}
		}
	}
	return nil
}

// checkAcyclicLocked simulates the graph with id's dependencies replaced by
// deps and rejects the mutation when any node becomes reachable from
// itself. Caller holds the write lock.
func (s *Store) checkAcyclicLocked(id string, deps []string) error {
	nodes := make([]graph.Node, 0, len(s.features)+1)
	found := false
	for _, f := range s.features {
		n := graph.Node{ID: f.ID, Deps: f.Dependencies, Priority: f.Priority, CreatedAt: f.CreatedAt}
		if f.ID == id {
			n.Deps = deps
			found = true
		}
		nodes = append(nodes, n)
	}
	if !found {
		nodes = append(nodes, graph.Node{ID: id, Deps: deps})
	}

	if _, err := graph.ExecutionOrder(graph.NewSnapshot(nodes)); err != nil {
		return err
	}
	return nil
}

// commitLocked writes through to BadgerDB and, only on success, applies the
// same change to the in-memory index. Caller holds the write lock.
func (s *Store) commitLocked(write func(txn *badger.Txn) error, apply func()) error {
	if err := s.db.Update(write); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	apply()
	return nil
}

func putFeature(txn *badger.Txn, f feature.Feature) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode feature %s: %w", f.ID, err)
	}
	return txn.Set(featureKey(f.ID), data)
}

func copyFeature(f feature.Feature) feature.Feature {
	out := f
	out.Dependencies = append([]string(nil), f.Dependencies...)
	return out
}
