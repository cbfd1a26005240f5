// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pactvm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/pactvm/config"
	"github.com/luxfi/pactvm/pact"
)

const vmFunding = uint64(100_000_000)

var (
	vmTestStart    = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	vmTestDeadline = vmTestStart.Add(24 * time.Hour)
)

func newTestVM(t *testing.T, db database.Database, addrs ...ids.ShortID) *VM {
	t.Helper()
	require := require.New(t)

	genesis := Genesis{}
	for _, addr := range addrs {
		genesis.Allocations = append(genesis.Allocations, Allocation{
			Address: addr,
			Balance: vmFunding,
		})
	}
	genesisBytes, err := json.Marshal(genesis)
	require.NoError(err)

	vm := New(config.DefaultConfig(), log.NoLog{})
	vm.Clock().Set(vmTestStart)
	require.NoError(vm.Initialize(context.Background(), db, genesisBytes, nil))
	return vm
}

func TestVMInitialize(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	vm := newTestVM(t, memdb.New(), alice)

	require.Equal(vmFunding, vm.Balance(alice))
	require.False(vm.IsInitialized())

	// Engine operations fail until the registry is attached.
	_, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.ErrorIs(err, pact.ErrNotInitialized)

	deployer := ids.GenerateTestShortID()
	require.NoError(vm.InitializeRegistry(deployer))
	require.True(vm.IsInitialized())

	err = vm.InitializeRegistry(deployer)
	require.ErrorIs(err, pact.ErrAlreadyInitialized)
}

func TestVMConfigOverride(t *testing.T) {
	require := require.New(t)

	vm := New(config.DefaultConfig(), log.NoLog{})
	vm.Clock().Set(vmTestStart)

	configBytes := []byte(`{"minStake": 5000000, "maxGroupSize": 10}`)
	require.NoError(vm.Initialize(context.Background(), memdb.New(), nil, configBytes))
	require.Equal(uint64(5_000_000), vm.Config.MinStake)
	require.Equal(uint32(10), vm.Config.MaxGroupSize)
}

func TestVMPactLifecycle(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	bob := ids.GenerateTestShortID()
	vm := newTestVM(t, memdb.New(), alice, bob)
	require.NoError(vm.InitializeRegistry(ids.GenerateTestShortID()))

	p, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.NoError(err)
	require.Equal(uint64(1), p.ID)
	require.Equal(vmFunding-10_000_000, vm.Balance(alice))

	require.NoError(vm.ChallengePact(bob, alice, 0, 2_000_000))

	vm.Clock().Set(vmTestDeadline)
	s, err := vm.ResolvePact(bob, alice, 0, 50_000)
	require.NoError(err)
	require.True(s.Passed)
	require.Equal(uint64(12_000_000), s.CreatorReturned)
	require.Equal(vmFunding+2_000_000, vm.Balance(alice))
	require.Equal(vmFunding-2_000_000, vm.Balance(bob))
}

func TestVMRestart(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	bob := ids.GenerateTestShortID()
	deployer := ids.GenerateTestShortID()
	db := memdb.New()

	vm := newTestVM(t, db, alice, bob)
	require.NoError(vm.InitializeRegistry(deployer))

	_, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.NoError(err)
	require.NoError(vm.ChallengePact(bob, alice, 0, 2_000_000))

	_, err = vm.CreateGroupPact(alice, "ETH", 100, 3_000_000, vmTestDeadline, 3)
	require.NoError(err)
	require.NoError(vm.JoinGroupPact(bob, alice, 1, 4_000_000, 200))

	// Simulate a process restart over the same database. The restored VM
	// must not re-read genesis.
	restored := New(config.DefaultConfig(), log.NoLog{})
	restored.Clock().Set(vmTestStart)
	require.NoError(restored.Initialize(context.Background(), db, nil, nil))

	require.True(restored.IsInitialized())
	require.Equal(uint64(2), restored.TotalPacts())
	require.Equal(vm.Balance(alice), restored.Balance(alice))
	require.Equal(vm.Balance(bob), restored.Balance(bob))

	p, err := restored.GetPact(alice, 0)
	require.NoError(err)
	require.Equal(pact.StatusActive, p.Status)
	require.Equal(uint64(10_000_000), p.Stake.Amount())

	c, err := restored.GetChallenge(alice, 0)
	require.NoError(err)
	require.Equal(bob, c.Challenger)

	members, err := restored.GetGroupMembers(alice, 1)
	require.NoError(err)
	require.Len(members, 2)

	// The restored engine settles exactly as the original would have.
	restored.Clock().Set(vmTestDeadline)
	s, err := restored.ResolvePact(bob, alice, 0, 49_000)
	require.NoError(err)
	require.False(s.Passed)
	require.Equal(uint64(12_000_000), s.ChallengerReturned)
}

func TestVMRestartAfterSettlement(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	db := memdb.New()

	vm := newTestVM(t, db, alice)
	require.NoError(vm.InitializeRegistry(ids.GenerateTestShortID()))

	_, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.NoError(err)
	vm.Clock().Set(vmTestDeadline)
	_, err = vm.ResolvePact(alice, alice, 0, 49_000)
	require.NoError(err)

	feesBefore := vm.ProtocolFees()
	balanceBefore := vm.Balance(alice)

	restored := New(config.DefaultConfig(), log.NoLog{})
	restored.Clock().Set(vmTestDeadline)
	require.NoError(restored.Initialize(context.Background(), db, nil, nil))

	require.Equal(feesBefore, restored.ProtocolFees())
	require.Equal(balanceBefore, restored.Balance(alice))

	// Settled pacts stay settled across restarts.
	_, err = restored.ResolvePact(alice, alice, 0, 50_000)
	require.ErrorIs(err, pact.ErrNotActive)
}

func TestVMCancelPact(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	vm := newTestVM(t, memdb.New(), alice)
	require.NoError(vm.InitializeRegistry(ids.GenerateTestShortID()))

	_, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.NoError(err)

	s, err := vm.CancelPact(alice, alice, 0)
	require.NoError(err)
	require.True(s.Cancelled)
	require.Equal(uint64(9_000_000), s.CreatorReturned)
	require.Equal(uint64(1_000_000), vm.ProtocolFees())
	require.Equal(vmFunding-1_000_000, vm.Balance(alice))
}

func TestVMCreateHandlers(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t, memdb.New())
	handlers, err := vm.CreateHandlers(context.Background())
	require.NoError(err)
	require.Contains(handlers, "")

	// With the API disabled no handlers are exposed.
	cfg := config.DefaultConfig()
	cfg.APIEnabled = false
	disabled := New(cfg, log.NoLog{})
	disabled.Clock().Set(vmTestStart)
	require.NoError(disabled.Initialize(context.Background(), memdb.New(), nil, nil))
	handlers, err = disabled.CreateHandlers(context.Background())
	require.NoError(err)
	require.Empty(handlers)
}

func TestVMHealthCheck(t *testing.T) {
	require := require.New(t)

	vm := newTestVM(t, memdb.New())
	health, err := vm.HealthCheck(context.Background())
	require.NoError(err)

	report, ok := health.(map[string]interface{})
	require.True(ok)
	require.Equal(true, report["healthy"])
	require.Equal(false, report["initialized"])
}

func TestVMShutdown(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()
	vm := newTestVM(t, memdb.New(), alice)
	require.NoError(vm.InitializeRegistry(ids.GenerateTestShortID()))

	require.NoError(vm.Shutdown(context.Background()))
	// Shutdown is idempotent.
	require.NoError(vm.Shutdown(context.Background()))

	_, err := vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.ErrorIs(err, errShutdown)
}

func TestVMEventSink(t *testing.T) {
	require := require.New(t)

	alice := ids.GenerateTestShortID()

	genesisBytes, err := json.Marshal(Genesis{
		Allocations: []Allocation{{Address: alice, Balance: vmFunding}},
	})
	require.NoError(err)

	sink := pact.NewMemorySink()
	vm := New(config.DefaultConfig(), log.NoLog{})
	vm.SetSink(sink)
	vm.Clock().Set(vmTestStart)
	require.NoError(vm.Initialize(context.Background(), memdb.New(), genesisBytes, nil))
	require.NoError(vm.InitializeRegistry(ids.GenerateTestShortID()))

	_, err = vm.CreatePact(alice, "BTC", 50_000, 10_000_000, vmTestDeadline)
	require.NoError(err)

	events := sink.Events()
	require.Len(events, 1)
	require.Equal(pact.EventPactCreated, events[0].Type)
	require.Equal(alice, events[0].Creator)
}
