// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph implements pure dependency-graph algorithms over an
// immutable adjacency snapshot: direct-edge lookup, cycle prediction for a
// candidate edge, and deterministic topological layering.
//
// The functions here hold no state and never mutate their inputs, so they
// are safe to call concurrently from any number of goroutines. The store
// uses them to validate mutations before commit; the engine uses them to
// order admissions.
package graph

import (
	"sort"
	"time"

	"github.com/Fawwaz-2009/automaker/services/scheduler/feature"
)

// Node carries the per-feature metadata the resolver needs: dependency
// edges plus the tie-break key used to order equally eligible nodes.
type Node struct {
	ID        string
	Deps      []string
	Priority  int
	CreatedAt time.Time
}

// Snapshot is a read-only adjacency view of the dependency graph.
//
// Edges run dependency -> dependent: node X with dep Y means Y must
// complete before X. Build one per scheduling pass or mutation check; it is
// never updated in place.
type Snapshot struct {
	nodes map[string]Node
}

// NewSnapshot builds a snapshot from explicit nodes. Dangling dependency
// references are allowed here; Validate and the layering functions report
// them. The store rejects them long before a snapshot is built, but tests
// and import paths construct snapshots directly.
func NewSnapshot(nodes []Node) Snapshot {
	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return Snapshot{nodes: m}
}

// FromFeatures builds a snapshot from a feature set.
func FromFeatures(features []feature.Feature) Snapshot {
	nodes := make([]Node, 0, len(features))
	for _, f := range features {
		nodes = append(nodes, Node{
			ID:        f.ID,
			Deps:      f.Dependencies,
			Priority:  f.Priority,
			CreatedAt: f.CreatedAt,
		})
	}
	return NewSnapshot(nodes)
}

// Len returns the number of nodes.
func (s Snapshot) Len() int {
	return len(s.nodes)
}

// Contains reports whether id is a node in the snapshot.
func (s Snapshot) Contains(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Deps returns the direct dependencies of id, or nil if id is unknown.
func (s Snapshot) Deps(id string) []string {
	return s.nodes[id].Deps
}

// DependencyExists reports whether target directly depends on source.
// Transitive dependencies do not count.
func DependencyExists(s Snapshot, sourceID, targetID string) bool {
	for _, dep := range s.Deps(targetID) {
		if dep == sourceID {
			return true
		}
	}
	return false
}

// WouldCreateCycle reports whether adding the edge "targetID depends on
// sourceID" closes a cycle.
//
// # Description
//
// The new edge closes a cycle exactly when sourceID is already reachable
// from targetID over existing dependency edges, i.e. targetID is a
// transitive dependency of sourceID. Implemented as a breadth-first
// forward search from targetID with a seen set; the graph is finite so the
// search is bounded by node count. A self-edge (source == target) is
// always a cycle.
func WouldCreateCycle(s Snapshot, sourceID, targetID string) bool {
	if sourceID == targetID {
		return true
	}

	seen := make(map[string]bool, len(s.nodes))
	queue := append([]string(nil), s.Deps(targetID)...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == sourceID {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, s.Deps(id)...)
	}
	return false
}

// Validate checks the snapshot for dangling references and cycles.
// Returns ErrUnknownNode (wrapped) or a *CycleError; nil when the snapshot
// is a well-formed DAG.
func Validate(s Snapshot) error {
	for id, n := range s.nodes {
		for _, dep := range n.Deps {
			if !s.Contains(dep) {
				return &UnknownNodeError{NodeID: id, DepID: dep}
			}
		}
	}
	_, err := ExecutionOrder(s)
	return err
}

// UnknownNodeError reports a dependency edge to a node missing from the
// snapshot.
type UnknownNodeError struct {
	NodeID string
	DepID  string
}

func (e *UnknownNodeError) Error() string {
	return "node " + e.NodeID + " depends on unknown node " + e.DepID
}

func (e *UnknownNodeError) Unwrap() error {
	return ErrUnknownNode
}

// ExecutionOrder computes a topological layering of the snapshot.
//
// # Description
//
// Kahn's algorithm, grouped: each returned group contains the nodes whose
// dependencies all appear in earlier groups. Nodes inside one group have no
// ordering constraint between them; they are sorted by
// (priority desc, createdAt asc, id asc) so that admission order is
// deterministic. Edges to unknown nodes are treated as unsatisfiable and
// therefore surface as a cycle error: a nil error means every node was
// layered.
//
// # Outputs
//
//	[][]string - The ordered groups. Empty (nil) for an empty snapshot.
//	error - *CycleError when a complete layering cannot be produced.
func ExecutionOrder(s Snapshot) ([][]string, error) {
	if len(s.nodes) == 0 {
		return nil, nil
	}

	// Count unsatisfied deps per node, counting only edges inside the
	// snapshot; record dangling edges as permanently unsatisfied.
	pending := make(map[string]int, len(s.nodes))
	dependents := make(map[string][]string, len(s.nodes))
	for id, n := range s.nodes {
		count := 0
		for _, dep := range n.Deps {
			if s.Contains(dep) {
				dependents[dep] = append(dependents[dep], id)
				count++
			} else {
				count++ // dangling edge can never be satisfied
			}
		}
		pending[id] = count
	}

	var ready []string
	for id, c := range pending {
		if c == 0 {
			ready = append(ready, id)
		}
	}

	var groups [][]string
	placed := 0
	for len(ready) > 0 {
		s.sortGroup(ready)
		groups = append(groups, ready)
		placed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				pending[dependent]--
				if pending[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if placed != len(s.nodes) {
		var stuck []string
		for id, c := range pending {
			if c > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, NewCycleError(stuck)
	}
	return groups, nil
}

// sortGroup orders ids by (priority desc, createdAt asc, id asc).
func (s Snapshot) sortGroup(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.nodes[ids[i]], s.nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
