// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pact

import (
	"errors"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/pactvm/config"
	"github.com/luxfi/pactvm/ledger"
	"github.com/luxfi/pactvm/utils/timer/mockable"
)

var (
	ErrNotInitialized       = errors.New("registry not initialized")
	ErrAlreadyInitialized   = errors.New("registry already initialized")
	ErrPactNotFound         = errors.New("pact not found")
	ErrNotActive            = errors.New("pact is not active")
	ErrStakeTooLow          = errors.New("stake below minimum")
	ErrDeadlineInPast       = errors.New("deadline is in the past")
	ErrDeadlineTooSoon      = errors.New("deadline is too soon")
	ErrDeadlineNotReached   = errors.New("deadline not reached")
	ErrDeadlinePassed       = errors.New("deadline already passed")
	ErrUnauthorized         = errors.New("unauthorized caller")
	ErrSelfChallenge        = errors.New("creator cannot challenge own pact")
	ErrAlreadyChallenged    = errors.New("pact already challenged")
	ErrNotGroupPact         = errors.New("not a group pact")
	ErrIsGroupPact          = errors.New("operation not valid for group pact")
	ErrGroupFull            = errors.New("group pact is full")
	ErrAlreadyMember        = errors.New("already a group member")
	ErrInvalidGroupSize     = errors.New("invalid group size")
	ErrBalanceCountMismatch = errors.New("one balance required per group member")
	ErrNoChallenge          = errors.New("no challenge attached")
)

// Engine is the pact lifecycle state machine. Every operation is a single
// synchronous, atomic transition: validation strictly precedes any fund
// movement, and the engine mutex serializes operations so a settlement is
// observed exactly once. The engine never reads the tracked asset's real
// balance; callers supply it, and truthfulness rests on the challenge
// mechanism.
type Engine struct {
	mu sync.RWMutex

	cfg    config.Config
	ledger *ledger.Ledger
	clock  *mockable.Clock
	sink   Sink

	// deployer is recorded at initialization; registry is nil until then.
	deployer ids.ShortID
	registry *Registry

	// pacts is the commitment store: per-creator ordered, append-only.
	pacts map[ids.ShortID][]*Pact
}

// NewEngine creates an engine over the given ledger. The engine rejects
// all entry operations until Initialize attaches a registry.
func NewEngine(cfg config.Config, ldgr *ledger.Ledger, clock *mockable.Clock, sink Sink) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{
		cfg:    cfg,
		ledger: ldgr,
		clock:  clock,
		sink:   sink,
		pacts:  make(map[ids.ShortID][]*Pact),
	}
}

// Initialize attaches the registry. Called exactly once by the deployer;
// a second call fails with ErrAlreadyInitialized.
func (e *Engine) Initialize(deployer ids.ShortID, registry *Registry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry != nil {
		return ErrAlreadyInitialized
	}
	e.deployer = deployer
	e.registry = registry
	return nil
}

// CreatePact escrows stake against the promise that the creator's tracked
// balance stays at or above startBalance until the deadline.
func (e *Engine) CreatePact(
	creator ids.ShortID,
	asset string,
	startBalance uint64,
	stake uint64,
	deadline time.Time,
) (*Pact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createPact(creator, asset, startBalance, stake, deadline, false, 0)
}

// CreateGroupPact creates a pact that up to maxGroupSize participants may
// join, each with their own stake and threshold. The creator becomes the
// first member.
func (e *Engine) CreateGroupPact(
	creator ids.ShortID,
	asset string,
	startBalance uint64,
	stake uint64,
	deadline time.Time,
	maxGroupSize uint32,
) (*Pact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxGroupSize < 2 || maxGroupSize > e.cfg.MaxGroupSize {
		return nil, ErrInvalidGroupSize
	}
	return e.createPact(creator, asset, startBalance, stake, deadline, true, maxGroupSize)
}

func (e *Engine) createPact(
	creator ids.ShortID,
	asset string,
	startBalance uint64,
	stake uint64,
	deadline time.Time,
	isGroup bool,
	maxGroupSize uint32,
) (*Pact, error) {
	if e.registry == nil {
		return nil, ErrNotInitialized
	}
	if stake < e.cfg.MinStake {
		return nil, ErrStakeTooLow
	}

	now := e.clock.Time()
	if !deadline.After(now) {
		return nil, ErrDeadlineInPast
	}
	if e.cfg.MinPactDuration > 0 && deadline.Sub(now) < e.cfg.MinPactDuration {
		return nil, ErrDeadlineTooSoon
	}

	// All preconditions hold; the withdrawal is the first mutation.
	escrow, err := e.ledger.Withdraw(creator, stake)
	if err != nil {
		return nil, err
	}

	p := &Pact{
		ID:           e.registry.nextPactID(),
		Creator:      creator,
		Index:        uint32(len(e.pacts[creator])),
		Asset:        asset,
		StartBalance: startBalance,
		StakeAmount:  stake,
		Deadline:     deadline,
		Status:       StatusActive,
		IsGroup:      isGroup,
		MaxGroupSize: maxGroupSize,
		CreatedAt:    now,
	}
	if isGroup {
		p.Members = []*GroupMember{{
			Member:       creator,
			StakeAmount:  stake,
			StartBalance: startBalance,
			Stake:        escrow,
			JoinedAt:     now,
		}}
	} else {
		p.Stake = escrow
	}
	e.pacts[creator] = append(e.pacts[creator], p)

	e.sink.Notify(Event{
		Type:      EventPactCreated,
		PactID:    p.ID,
		Creator:   creator,
		Index:     p.Index,
		Actor:     creator,
		Amount:    stake,
		Timestamp: now,
	})
	return p, nil
}

// JoinGroupPact escrows the member's stake and appends them to the group.
func (e *Engine) JoinGroupPact(
	member ids.ShortID,
	creator ids.ShortID,
	index uint32,
	stake uint64,
	startBalance uint64,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return err
	}
	if !p.IsGroup {
		return ErrNotGroupPact
	}
	if p.Status != StatusActive {
		return ErrNotActive
	}

	now := e.clock.Time()
	if !now.Before(p.Deadline) {
		return ErrDeadlinePassed
	}
	if uint32(len(p.Members)) >= p.MaxGroupSize {
		return ErrGroupFull
	}
	for _, m := range p.Members {
		if m.Member == member {
			return ErrAlreadyMember
		}
	}
	if stake < e.cfg.MinStake {
		return ErrStakeTooLow
	}

	escrow, err := e.ledger.Withdraw(member, stake)
	if err != nil {
		return err
	}

	p.Members = append(p.Members, &GroupMember{
		Member:       member,
		StakeAmount:  stake,
		StartBalance: startBalance,
		Stake:        escrow,
		JoinedAt:     now,
	})

	e.sink.Notify(Event{
		Type:      EventMemberJoined,
		PactID:    p.ID,
		Creator:   creator,
		Index:     index,
		Actor:     member,
		Amount:    stake,
		Timestamp: now,
	})
	return nil
}

// ChallengePact attaches an adversarial counter-stake. At most one
// challenge ever attaches to a pact, and only before the deadline.
func (e *Engine) ChallengePact(
	challenger ids.ShortID,
	creator ids.ShortID,
	index uint32,
	stake uint64,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return err
	}
	if p.IsGroup {
		return ErrIsGroupPact
	}
	if p.Status != StatusActive {
		return ErrNotActive
	}

	now := e.clock.Time()
	if !now.Before(p.Deadline) {
		return ErrDeadlinePassed
	}
	if p.Challenge != nil {
		return ErrAlreadyChallenged
	}
	if challenger == creator {
		return ErrSelfChallenge
	}
	if stake < e.cfg.MinStake {
		return ErrStakeTooLow
	}

	escrow, err := e.ledger.Withdraw(challenger, stake)
	if err != nil {
		return err
	}

	p.Challenge = &Challenge{
		Challenger:  challenger,
		StakeAmount: stake,
		Stake:       escrow,
		CreatedAt:   now,
	}

	e.sink.Notify(Event{
		Type:      EventPactChallenged,
		PactID:    p.ID,
		Creator:   creator,
		Index:     index,
		Actor:     challenger,
		Amount:    stake,
		Timestamp: now,
	})
	return nil
}

// ResolvePact settles a solo pact against the caller-supplied current
// balance. Callable by anyone once the deadline has passed. The status
// check and status write share the engine lock, so of two racing
// resolutions exactly one succeeds; the other observes a non-active pact
// and fails with ErrNotActive, disbursing nothing.
func (e *Engine) ResolvePact(
	caller ids.ShortID,
	creator ids.ShortID,
	index uint32,
	currentBalance uint64,
) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return nil, err
	}
	if p.IsGroup {
		return nil, ErrIsGroupPact
	}
	if p.Status != StatusActive {
		return nil, ErrNotActive
	}

	now := e.clock.Time()
	if now.Before(p.Deadline) {
		return nil, ErrDeadlineNotReached
	}

	passed := currentBalance >= p.StartBalance
	s := &Settlement{
		PactID:    p.ID,
		Creator:   creator,
		Index:     index,
		Passed:    passed,
		Timestamp: now,
	}

	switch {
	case p.Challenge == nil && passed:
		s.CreatorReturned = p.Stake.Release(creator)
		p.Status = StatusPassed

	case p.Challenge == nil && !passed:
		// 90/10 split; the rounding remainder accrues to the fee side.
		_, fee := splitSlash(p.StakeAmount)
		if fee > 0 {
			feePart, err := p.Stake.Split(fee)
			if err != nil {
				return nil, err
			}
			s.ProtocolFee = feePart.Forfeit()
			e.registry.accrueFees(s.ProtocolFee)
		}
		s.CreatorReturned = p.Stake.Release(creator)
		p.Status = StatusFailed

	case passed:
		// Winner-take-all: the challenger's stake is forfeited to the
		// creator in full. No protocol fee on challenge outcomes.
		p.Stake.Merge(p.Challenge.Stake)
		s.CreatorReturned = p.Stake.Release(creator)
		p.Status = StatusPassed

	default:
		p.Challenge.Stake.Merge(p.Stake)
		s.ChallengerReturned = p.Challenge.Stake.Release(p.Challenge.Challenger)
		p.Status = StatusFailed
	}

	p.Stake = nil
	if p.Challenge != nil {
		p.Challenge.Stake = nil
	}

	e.sink.Notify(Event{
		Type:       EventPactResolved,
		PactID:     p.ID,
		Creator:    creator,
		Index:      index,
		Actor:      caller,
		Settlement: s,
		Timestamp:  now,
	})
	return s, nil
}

// ResolveGroupPact settles a group pact with one caller-supplied balance
// per member, in join order. If every member held their threshold the
// pact passes and all stakes return; otherwise passing members get their
// stakes back and failing members' stakes are forfeited to the protocol
// fee pool.
func (e *Engine) ResolveGroupPact(
	caller ids.ShortID,
	creator ids.ShortID,
	index uint32,
	balances []uint64,
) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return nil, err
	}
	if !p.IsGroup {
		return nil, ErrNotGroupPact
	}
	if p.Status != StatusActive {
		return nil, ErrNotActive
	}

	now := e.clock.Time()
	if now.Before(p.Deadline) {
		return nil, ErrDeadlineNotReached
	}
	if len(balances) != len(p.Members) {
		return nil, ErrBalanceCountMismatch
	}

	allPassed := true
	outcomes := make([]MemberOutcome, len(p.Members))
	for i, m := range p.Members {
		memberPassed := balances[i] >= m.StartBalance
		if !memberPassed {
			allPassed = false
		}
		outcomes[i] = MemberOutcome{
			Member: m.Member,
			Passed: memberPassed,
		}
	}

	for i, m := range p.Members {
		if outcomes[i].Passed {
			outcomes[i].Returned = m.Stake.Release(m.Member)
		} else {
			outcomes[i].Forfeited = m.Stake.Forfeit()
			e.registry.accrueFees(outcomes[i].Forfeited)
		}
		m.Stake = nil
	}

	if allPassed {
		p.Status = StatusPassed
	} else {
		p.Status = StatusFailed
	}

	s := &Settlement{
		PactID:    p.ID,
		Creator:   creator,
		Index:     index,
		Passed:    allPassed,
		Members:   outcomes,
		Timestamp: now,
	}

	e.sink.Notify(Event{
		Type:       EventPactResolved,
		PactID:     p.ID,
		Creator:    creator,
		Index:      index,
		Actor:      caller,
		Settlement: s,
		Timestamp:  now,
	})
	return s, nil
}

// CancelPact is the creator's voluntary early exit: an unconditional
// forced failure that runs the 90/10 split regardless of balance, with no
// deadline requirement. Group pacts and challenged pacts cannot be
// cancelled.
func (e *Engine) CancelPact(caller, creator ids.ShortID, index uint32) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return nil, err
	}
	if caller != creator {
		return nil, ErrUnauthorized
	}
	if p.IsGroup {
		return nil, ErrIsGroupPact
	}
	if p.Challenge != nil {
		return nil, ErrAlreadyChallenged
	}
	if p.Status != StatusActive {
		return nil, ErrNotActive
	}

	now := e.clock.Time()
	s := &Settlement{
		PactID:    p.ID,
		Creator:   creator,
		Index:     index,
		Cancelled: true,
		Timestamp: now,
	}

	_, fee := splitSlash(p.StakeAmount)
	if fee > 0 {
		feePart, err := p.Stake.Split(fee)
		if err != nil {
			return nil, err
		}
		s.ProtocolFee = feePart.Forfeit()
		e.registry.accrueFees(s.ProtocolFee)
	}
	s.CreatorReturned = p.Stake.Release(creator)
	p.Status = StatusFailed
	p.Stake = nil

	e.sink.Notify(Event{
		Type:       EventPactCancelled,
		PactID:     p.ID,
		Creator:    creator,
		Index:      index,
		Actor:      caller,
		Settlement: s,
		Timestamp:  now,
	})
	return s, nil
}

// GetPact returns the pact at (creator, index).
func (e *Engine) GetPact(creator ids.ShortID, index uint32) (*Pact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pactAt(creator, index)
}

// GetChallenge returns the challenge attached to the pact, if any.
func (e *Engine) GetChallenge(creator ids.ShortID, index uint32) (*Challenge, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return nil, err
	}
	if p.Challenge == nil {
		return nil, ErrNoChallenge
	}
	return p.Challenge, nil
}

// GetGroupMembers returns the members of a group pact in join order.
func (e *Engine) GetGroupMembers(creator ids.ShortID, index uint32) ([]*GroupMember, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.pactAt(creator, index)
	if err != nil {
		return nil, err
	}
	if !p.IsGroup {
		return nil, ErrNotGroupPact
	}
	return p.Members, nil
}

// PactCount returns the number of pacts created by creator.
func (e *Engine) PactCount(creator ids.ShortID) uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint32(len(e.pacts[creator]))
}

// TotalPacts returns the total number of pacts across all creators.
func (e *Engine) TotalPacts() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.registry == nil {
		return 0
	}
	return e.registry.PactCount()
}

// ProtocolFees returns the accumulated protocol fee pool.
func (e *Engine) ProtocolFees() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.registry == nil {
		return 0
	}
	return e.registry.ProtocolFees()
}

// Creators returns every creator identity with at least one pact.
// Iteration order is unspecified.
func (e *Engine) Creators() []ids.ShortID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	creators := make([]ids.ShortID, 0, len(e.pacts))
	for creator := range e.pacts {
		creators = append(creators, creator)
	}
	return creators
}

// Adopt appends a restored pact to its creator's store. Only used while
// loading persisted state; the pact's index must match its position.
func (e *Engine) Adopt(p *Pact) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Index != uint32(len(e.pacts[p.Creator])) {
		return errAdoptOutOfOrder
	}
	e.pacts[p.Creator] = append(e.pacts[p.Creator], p)
	return nil
}

var errAdoptOutOfOrder = errors.New("restored pact index out of order")

func (e *Engine) pactAt(creator ids.ShortID, index uint32) (*Pact, error) {
	if e.registry == nil {
		return nil, ErrNotInitialized
	}
	store := e.pacts[creator]
	if uint64(index) >= uint64(len(store)) {
		return nil, ErrPactNotFound
	}
	return store[index], nil
}
