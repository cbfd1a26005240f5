// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pact implements the commitment/escrow engine: stake-backed
// promises ("pacts") that lock native-currency collateral against a
// balance threshold until a deadline, settled permissionlessly with
// exactly-once semantics and exact conservation of escrowed funds.
package pact

import (
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/pactvm/ledger"
)

// Status is the lifecycle state of a pact.
type Status uint8

const (
	// StatusActive is the initial state: collateral escrowed, outcome open.
	StatusActive Status = iota
	// StatusPassed means the tracked balance held above the threshold.
	StatusPassed
	// StatusFailed means the threshold was broken, or the pact was cancelled.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Slash split applied when a solo pact fails without a challenge:
// the creator keeps 90%, the remainder accrues to the protocol fee pool.
// Fixed policy constants, not configuration.
const (
	slashRefundNumerator = 90
	slashDenominator     = 100
)

// splitSlash returns the creator refund and protocol fee for a failed
// stake. Integer floor division; the rounding remainder always lands on
// the fee side so refund + fee == stake exactly.
func splitSlash(stake uint64) (refund, fee uint64) {
	// Decompose to avoid overflow on stake * 90.
	q, r := stake/slashDenominator, stake%slashDenominator
	refund = q*slashRefundNumerator + r*slashRefundNumerator/slashDenominator
	return refund, stake - refund
}

// Pact is a single stake-backed commitment record. It is created once,
// mutated only through lifecycle transitions, and never deleted.
type Pact struct {
	// ID is the registry-assigned identifier, strictly increasing across
	// all creators.
	ID uint64 `json:"id"`

	// Creator and Index address the pact within the commitment store.
	Creator ids.ShortID `json:"creator"`
	Index   uint32      `json:"index"`

	// Asset identifies the tracked balance the creator commits on.
	Asset string `json:"asset"`

	// StartBalance is the threshold the creator promises not to fall below.
	StartBalance uint64 `json:"startBalance"`

	// StakeAmount is the total native-currency collateral in minor units.
	StakeAmount uint64 `json:"stakeAmount"`

	Deadline time.Time `json:"deadline"`
	Status   Status    `json:"status"`

	// Stake holds the escrowed collateral while the pact is active.
	// Nil for group pacts (members escrow individually) and after
	// resolution.
	Stake *ledger.Escrow `json:"-"`

	// Challenge is the at-most-one adversarial counter-stake.
	Challenge *Challenge `json:"challenge,omitempty"`

	IsGroup      bool           `json:"isGroup"`
	MaxGroupSize uint32         `json:"maxGroupSize,omitempty"`
	Members      []*GroupMember `json:"members,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Challenge converts settlement of a pact into a winner-take-all outcome
// between creator and challenger.
type Challenge struct {
	Challenger  ids.ShortID    `json:"challenger"`
	StakeAmount uint64         `json:"stakeAmount"`
	Stake       *ledger.Escrow `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// GroupMember is one participant in a group pact. The creator is always
// the first member. Members may commit to different thresholds.
type GroupMember struct {
	Member       ids.ShortID    `json:"member"`
	StakeAmount  uint64         `json:"stakeAmount"`
	StartBalance uint64         `json:"startBalance"`
	Stake        *ledger.Escrow `json:"-"`
	JoinedAt     time.Time      `json:"joinedAt"`
}

// Registry assigns pact ids and accumulates protocol fees. It is an
// explicit dependency of the engine rather than process-global state, so
// tests can run isolated registries side by side. All mutation is
// serialized per registry.
type Registry struct {
	mu           sync.RWMutex
	pactCounter  uint64
	protocolFees uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RestoreRegistry recreates a registry from persisted counters.
func RestoreRegistry(pactCounter, protocolFees uint64) *Registry {
	return &Registry{
		pactCounter:  pactCounter,
		protocolFees: protocolFees,
	}
}

// nextPactID allocates the next pact id.
func (r *Registry) nextPactID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pactCounter++
	return r.pactCounter
}

// accrueFees adds slashed or forfeited value to the protocol fee pool.
func (r *Registry) accrueFees(amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocolFees += amount
}

// PactCount returns the total number of pacts ever created.
func (r *Registry) PactCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pactCounter
}

// ProtocolFees returns the accumulated fee pool balance.
func (r *Registry) ProtocolFees() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocolFees
}

// MemberOutcome records one member's share of a group settlement.
type MemberOutcome struct {
	Member    ids.ShortID `json:"member"`
	Passed    bool        `json:"passed"`
	Returned  uint64      `json:"returned"`
	Forfeited uint64      `json:"forfeited"`
}

// Settlement is the full accounting of a resolution or cancellation.
// The disbursed amounts sum to exactly the stake escrowed at settlement
// time.
type Settlement struct {
	PactID  uint64      `json:"pactId"`
	Creator ids.ShortID `json:"creator"`
	Index   uint32      `json:"index"`

	Passed    bool `json:"passed"`
	Cancelled bool `json:"cancelled"`

	CreatorReturned    uint64 `json:"creatorReturned"`
	ChallengerReturned uint64 `json:"challengerReturned"`
	ProtocolFee        uint64 `json:"protocolFee"`

	Members []MemberOutcome `json:"members,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// TotalDisbursed sums every amount the settlement moved out of escrow.
func (s *Settlement) TotalDisbursed() uint64 {
	total := s.CreatorReturned + s.ChallengerReturned + s.ProtocolFee
	for _, m := range s.Members {
		total += m.Returned + m.Forfeited
	}
	return total
}
