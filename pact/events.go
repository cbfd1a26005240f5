// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pact

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
)

// EventType identifies a lifecycle notification.
type EventType uint8

const (
	EventPactCreated EventType = iota
	EventPactChallenged
	EventMemberJoined
	EventPactResolved
	EventPactCancelled
)

func (t EventType) String() string {
	switch t {
	case EventPactCreated:
		return "pact_created"
	case EventPactChallenged:
		return "pact_challenged"
	case EventMemberJoined:
		return "member_joined"
	case EventPactResolved:
		return "pact_resolved"
	case EventPactCancelled:
		return "pact_cancelled"
	default:
		return "unknown"
	}
}

// Event is an append-only notification emitted after every completed
// state transition, consumed by external indexers.
type Event struct {
	Type    EventType   `json:"type"`
	PactID  uint64      `json:"pactId"`
	Creator ids.ShortID `json:"creator"`
	Index   uint32      `json:"index"`

	// Actor is the identity that triggered the transition: creator on
	// creation/cancellation, challenger, joining member, or the resolver.
	Actor ids.ShortID `json:"actor"`

	// Amount is the stake moved by creation, challenge, or join events.
	Amount uint64 `json:"amount,omitempty"`

	// Settlement carries the full disbursement accounting on resolution
	// and cancellation events.
	Settlement *Settlement `json:"settlement,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Sink receives engine events. Notify is called synchronously after the
// state transition has been applied; implementations must not call back
// into the engine.
type Sink interface {
	Notify(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Notify(Event) {}

// MemorySink retains events in order. Used by tests and by indexers that
// drain in-process.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of all notifications received so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
