// Copyright (C) 2025 AutoMaker
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events carries scheduler state changes to the UI layer.
//
// The bus is a plain in-process fan-out: the coordinator publishes, any
// number of subscribers (websocket sessions, tests) consume. Publish never
// blocks; a subscriber that stops draining its buffer loses events rather
// than stalling the scheduler.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a scheduler event.
type Type string

const (
	TaskStarted   Type = "task-started"
	TaskStopped   Type = "task-stopped"
	TaskCompleted Type = "task-completed"
	TaskFailed    Type = "task-failed"
	CycleRejected Type = "dependency-cycle-rejected"
)

// Event is a single scheduler state change.
type Event struct {
	Type      Type      `json:"type"`
	FeatureID string    `json:"feature_id"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel depth. Deep enough to
// absorb a full scheduling pass worth of transitions.
const subscriberBuffer = 64

// Bus is the in-process event fan-out.
//
// # Thread Safety
//
// Safe for concurrent use by any number of publishers and subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped int
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new consumer. The returned cancel function must be
// called when the consumer goes away; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Events to a
// full subscriber buffer are dropped and counted.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("dropping event for slow subscriber",
				"type", ev.Type, "feature_id", ev.FeatureID)
		}
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close cancels all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
