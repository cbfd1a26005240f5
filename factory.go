// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pactvm implements a stake-backed commitment VM for the Lux
// blockchain network.
//
// The pact VM provides:
//   - Solo pacts: a creator escrows a stake against a balance target
//     with a deadline, and is refunded or slashed at resolution
//   - Group pacts: several members stake into one pact and are settled
//     individually against their own targets
//   - Challenges: a third party stakes against a solo pact and wins the
//     creator's stake if the pact fails
//   - A protocol fee pool fed by the slashed share of failed stakes
//
// Architecture:
//   - A single in-memory ledger custodies all escrowed funds
//   - Every state transition is written through to the database before
//     the call returns, so a restart replays to the identical state
//   - The JSON-RPC API under the "pact" namespace is the only surface
package pactvm

import (
	"github.com/luxfi/log"

	"github.com/luxfi/pactvm/config"
)

// VMID is the unique identifier for the pact VM
var VMID = [32]byte{'p', 'a', 'c', 't', 'v', 'm'}

// Factory creates new pact VM instances.
type Factory struct {
	config.Config
}

// New returns a pact VM configured with the factory's settings.
func (f *Factory) New(logger log.Logger) (interface{}, error) {
	return New(f.Config, logger), nil
}
