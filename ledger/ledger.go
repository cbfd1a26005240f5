// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger provides native-currency custody for the pact engine.
// It tracks account balances and escrow handles. An escrow holds funds
// withdrawn from an account until the engine disburses them; every unit
// withdrawn is either still escrowed, released to an account, or
// explicitly forfeited, so total supply is conserved across all paths.
package ledger

import (
	"errors"
	"sync"

	"github.com/luxfi/ids"
	safemath "github.com/luxfi/math"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Ledger tracks account balances and the total amount held in escrow.
// It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	balances map[ids.ShortID]uint64
	escrowed uint64
	supply   uint64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[ids.ShortID]uint64),
	}
}

// Deposit credits amount to addr, minting new supply.
// Used for genesis allocations and test funding.
func (l *Ledger) Deposit(addr ids.ShortID, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newBalance, err := safemath.Add64(l.balances[addr], amount)
	if err != nil {
		return err
	}
	newSupply, err := safemath.Add64(l.supply, amount)
	if err != nil {
		return err
	}

	l.balances[addr] = newBalance
	l.supply = newSupply
	return nil
}

// Balance returns the spendable balance of addr.
func (l *Ledger) Balance(addr ids.ShortID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// Withdraw moves amount from addr's balance into a new escrow handle.
// The caller owns the returned escrow; funds stay on the ledger but are
// no longer spendable by addr.
func (l *Ledger) Withdraw(addr ids.ShortID, amount uint64) (*Escrow, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[addr]
	if balance < amount {
		return nil, ErrInsufficientFunds
	}

	l.balances[addr] = balance - amount
	l.escrowed += amount
	return &Escrow{ledger: l, amount: amount}, nil
}

// RestoreEscrow recreates a custody handle for funds that were escrowed
// when state was persisted. Only used while loading from disk; the
// restored amount re-enters supply directly as escrow.
func (l *Ledger) RestoreEscrow(amount uint64) *Escrow {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.escrowed += amount
	l.supply += amount
	return &Escrow{ledger: l, amount: amount}
}

// Escrowed returns the total amount currently held by escrow handles.
func (l *Ledger) Escrowed() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrowed
}

// TotalSupply returns total minted supply. The invariant
// sum(balances) + escrowed + forfeited == supply holds at all times.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Escrow is a custody handle over funds withdrawn from an account.
// Handles are created by Withdraw and drained exactly once through
// Release, Forfeit, or Merge into another handle. A handle must only
// be used by one goroutine at a time; the ledger it draws on may be
// shared freely.
type Escrow struct {
	ledger *Ledger
	amount uint64
}

// Amount returns the funds currently held by the escrow.
func (e *Escrow) Amount() uint64 {
	return e.amount
}

// Release pays the full escrowed amount to addr and drains the handle.
// Returns the amount disbursed.
func (e *Escrow) Release(to ids.ShortID) uint64 {
	amount := e.amount
	if amount == 0 {
		return 0
	}

	l := e.ledger
	l.mu.Lock()
	l.balances[to] += amount
	l.escrowed -= amount
	l.mu.Unlock()

	e.amount = 0
	return amount
}

// Split carves amount out of the escrow into a new handle.
func (e *Escrow) Split(amount uint64) (*Escrow, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if e.amount < amount {
		return nil, ErrInsufficientFunds
	}

	e.amount -= amount
	return &Escrow{ledger: e.ledger, amount: amount}, nil
}

// Merge drains other into e. Both handles must belong to the same ledger.
func (e *Escrow) Merge(other *Escrow) {
	e.amount += other.amount
	other.amount = 0
}

// Forfeit drains the escrow out of ledger supply and returns the amount
// removed. The caller is responsible for accounting the forfeited value
// (the engine credits it to the protocol fee pool).
func (e *Escrow) Forfeit() uint64 {
	amount := e.amount
	if amount == 0 {
		return 0
	}

	l := e.ledger
	l.mu.Lock()
	l.escrowed -= amount
	l.supply -= amount
	l.mu.Unlock()

	e.amount = 0
	return amount
}
