// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pactvm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var errDuplicateAllocation = errors.New("duplicate genesis allocation")

// Genesis is the initial state of the Pact VM: the account balances the
// ledger starts with. Pacts are never part of genesis; they only come
// into existence through the engine.
type Genesis struct {
	Allocations []Allocation `json:"allocations"`
}

// Allocation funds one account at genesis.
type Allocation struct {
	Address ids.ShortID `json:"address"`
	Balance uint64      `json:"balance"`
}

// ParseGenesis decodes and validates genesis bytes.
func ParseGenesis(genesisBytes []byte) (*Genesis, error) {
	genesis := &Genesis{}
	if err := json.Unmarshal(genesisBytes, genesis); err != nil {
		return nil, fmt.Errorf("failed to parse genesis: %w", err)
	}

	seen := make(map[ids.ShortID]struct{}, len(genesis.Allocations))
	for _, alloc := range genesis.Allocations {
		if _, ok := seen[alloc.Address]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateAllocation, alloc.Address)
		}
		seen[alloc.Address] = struct{}{}
	}
	return genesis, nil
}
