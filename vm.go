// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pactvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/pactvm/api"
	"github.com/luxfi/pactvm/config"
	"github.com/luxfi/pactvm/ledger"
	"github.com/luxfi/pactvm/metrics"
	"github.com/luxfi/pactvm/pact"
	"github.com/luxfi/pactvm/state"
	"github.com/luxfi/pactvm/utils/timer/mockable"
)

const Version = "1.0.0"

var (
	errShutdown       = errors.New("VM is shutting down")
	errNotInitialized = errors.New("VM not initialized")
)

// VM wires the pact engine to its collaborators: the ledger, persistent
// state, metrics, logging, and the JSON-RPC API. Every mutating engine
// call goes through the VM so the result is written through to disk
// before the call returns.
//
// DESIGN: No background goroutines. Every operation is a synchronous
// state transition driven by an external caller, so identical call
// sequences always produce identical state.
type VM struct {
	config.Config

	log  log.Logger
	lock sync.RWMutex

	db    database.Database
	state *state.State

	ledger   *ledger.Ledger
	registry *pact.Registry
	engine   *pact.Engine
	deployer ids.ShortID

	clock mockable.Clock

	metrics    *metrics.Metrics
	registerer metric.Registerer

	sink pact.Sink

	isInitialized bool
	shutdown      bool
}

// New creates an uninitialized VM.
func New(cfg config.Config, logger log.Logger) *VM {
	if logger == nil {
		logger = log.NoLog{}
	}
	return &VM{
		Config: cfg,
		log:    logger,
		sink:   pact.NopSink{},
	}
}

// SetSink installs the event sink consumed by external indexers. Must be
// called before Initialize.
func (vm *VM) SetSink(sink pact.Sink) {
	vm.sink = sink
}

// Initialize sets up the VM over db, funds the ledger from genesis on
// first boot, and restores engine state from disk on any later boot.
func (vm *VM) Initialize(
	ctx context.Context,
	db database.Database,
	genesisBytes []byte,
	configBytes []byte,
) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &vm.Config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	vm.db = db
	vm.state = state.New(db)
	vm.ledger = ledger.New()
	vm.engine = pact.NewEngine(vm.Config, vm.ledger, &vm.clock, vm.sink)

	vm.registerer = metric.NewRegistry()
	if vm.Config.MetricsEnabled {
		m, err := metrics.New(vm.registerer)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		vm.metrics = m
	}

	registryRecord, err := vm.state.GetRegistry()
	switch {
	case err == nil:
		// Later boot: replay persisted balances and pacts.
		if err := vm.state.LoadAccounts(vm.ledger); err != nil {
			return fmt.Errorf("failed to load accounts: %w", err)
		}
		vm.registry = pact.RestoreRegistry(
			registryRecord.PactCounter,
			registryRecord.ProtocolFees,
		)
		vm.deployer = registryRecord.Deployer
		if err := vm.engine.Initialize(registryRecord.Deployer, vm.registry); err != nil {
			return err
		}
		if err := vm.state.LoadPacts(vm.ledger, vm.engine); err != nil {
			return fmt.Errorf("failed to load pacts: %w", err)
		}

	case errors.Is(err, database.ErrNotFound):
		// First boot: fund the ledger from genesis. The registry stays
		// unattached until the deployer calls InitializeRegistry.
		if len(genesisBytes) > 0 {
			genesis, err := ParseGenesis(genesisBytes)
			if err != nil {
				return err
			}
			for _, alloc := range genesis.Allocations {
				if alloc.Balance == 0 {
					continue
				}
				if err := vm.ledger.Deposit(alloc.Address, alloc.Balance); err != nil {
					return err
				}
				if err := vm.state.PutAccount(alloc.Address, alloc.Balance); err != nil {
					return err
				}
			}
		}

	default:
		return fmt.Errorf("failed to load registry: %w", err)
	}

	vm.isInitialized = true
	vm.log.Info("pact VM initialized",
		"restored", vm.registry != nil,
		"totalPacts", vm.engine.TotalPacts(),
		"supply", vm.ledger.TotalSupply(),
	)
	return nil
}

// InitializeRegistry attaches a fresh registry. Deployer-only, once;
// caller authenticity is the transaction layer's concern.
func (vm *VM) InitializeRegistry(deployer ids.ShortID) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return err
	}

	registry := pact.NewRegistry()
	if err := vm.engine.Initialize(deployer, registry); err != nil {
		return err
	}
	vm.registry = registry
	vm.deployer = deployer

	if err := vm.state.PutRegistry(registry, deployer); err != nil {
		return err
	}

	vm.log.Info("registry initialized", "deployer", deployer)
	return nil
}

// CreatePact creates a solo pact and persists it.
func (vm *VM) CreatePact(
	creator ids.ShortID,
	asset string,
	startBalance uint64,
	stake uint64,
	deadline time.Time,
) (*pact.Pact, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return nil, err
	}

	p, err := vm.engine.CreatePact(creator, asset, startBalance, stake, deadline)
	if err != nil {
		return nil, err
	}
	if err := vm.persistPact(p, creator); err != nil {
		return nil, err
	}

	if vm.metrics != nil {
		vm.metrics.MarkPactCreated()
	}
	vm.log.Info("pact created",
		"id", p.ID,
		"creator", creator,
		"asset", asset,
		"stake", stake,
		"deadline", deadline,
	)
	return p, nil
}

// CreateGroupPact creates a group pact and persists it.
func (vm *VM) CreateGroupPact(
	creator ids.ShortID,
	asset string,
	startBalance uint64,
	stake uint64,
	deadline time.Time,
	maxGroupSize uint32,
) (*pact.Pact, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return nil, err
	}

	p, err := vm.engine.CreateGroupPact(creator, asset, startBalance, stake, deadline, maxGroupSize)
	if err != nil {
		return nil, err
	}
	if err := vm.persistPact(p, creator); err != nil {
		return nil, err
	}

	if vm.metrics != nil {
		vm.metrics.MarkPactCreated()
	}
	vm.log.Info("group pact created",
		"id", p.ID,
		"creator", creator,
		"maxGroupSize", maxGroupSize,
	)
	return p, nil
}

// JoinGroupPact adds a member to a group pact and persists the change.
func (vm *VM) JoinGroupPact(
	member ids.ShortID,
	creator ids.ShortID,
	index uint32,
	stake uint64,
	startBalance uint64,
) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return err
	}

	if err := vm.engine.JoinGroupPact(member, creator, index, stake, startBalance); err != nil {
		return err
	}
	p, err := vm.engine.GetPact(creator, index)
	if err != nil {
		return err
	}
	if err := vm.persistPact(p, member); err != nil {
		return err
	}

	if vm.metrics != nil {
		vm.metrics.MarkJoined()
	}
	vm.log.Info("member joined group pact",
		"id", p.ID,
		"member", member,
		"stake", stake,
	)
	return nil
}

// ChallengePact attaches a challenge and persists the change.
func (vm *VM) ChallengePact(
	challenger ids.ShortID,
	creator ids.ShortID,
	index uint32,
	stake uint64,
) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return err
	}

	if err := vm.engine.ChallengePact(challenger, creator, index, stake); err != nil {
		return err
	}
	p, err := vm.engine.GetPact(creator, index)
	if err != nil {
		return err
	}
	if err := vm.persistPact(p, challenger); err != nil {
		return err
	}

	if vm.metrics != nil {
		vm.metrics.MarkChallenged()
	}
	vm.log.Info("pact challenged",
		"id", p.ID,
		"challenger", challenger,
		"stake", stake,
	)
	return nil
}

// ResolvePact settles a solo pact and persists the outcome.
func (vm *VM) ResolvePact(
	caller ids.ShortID,
	creator ids.ShortID,
	index uint32,
	currentBalance uint64,
) (*pact.Settlement, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return nil, err
	}

	s, err := vm.engine.ResolvePact(caller, creator, index, currentBalance)
	if err != nil {
		return nil, err
	}
	if err := vm.persistSettlement(creator, index, s); err != nil {
		return nil, err
	}

	if vm.metrics != nil {
		vm.metrics.MarkResolved(s.Passed)
		vm.metrics.SetProtocolFees(vm.engine.ProtocolFees())
	}
	vm.log.Info("pact resolved",
		"id", s.PactID,
		"passed", s.Passed,
		"creatorReturned", s.CreatorReturned,
		"challengerReturned", s.ChallengerReturned,
		"protocolFee", s.ProtocolFee,
	)
	return s, nil
}

// ResolveGroupPact settles a group pact and persists the outcome.
func (vm *VM) ResolveGroupPact(
	caller ids.ShortID,
	creator ids.ShortID,
	index uint32,
	balances []uint64,
) (*pact.Settlement, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return nil, err
	}

	s, err := vm.engine.ResolveGroupPact(caller, creator, index, balances)
	if err != nil {
		return nil, err
	}
	if err := vm.persistSettlement(creator, index, s); err != nil {
		return nil, err
	}

	if vm.metrics != nil {
		vm.metrics.MarkResolved(s.Passed)
		vm.metrics.SetProtocolFees(vm.engine.ProtocolFees())
	}
	vm.log.Info("group pact resolved",
		"id", s.PactID,
		"passed", s.Passed,
		"members", len(s.Members),
	)
	return s, nil
}

// CancelPact force-fails a pact at its creator's request and persists
// the outcome.
func (vm *VM) CancelPact(caller, creator ids.ShortID, index uint32) (*pact.Settlement, error) {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.checkRunning(); err != nil {
		return nil, err
	}

	s, err := vm.engine.CancelPact(caller, creator, index)
	if err != nil {
		return nil, err
	}
	if err := vm.persistSettlement(creator, index, s); err != nil {
		return nil, err
	}

	if vm.metrics != nil {
		vm.metrics.MarkCancelled()
		vm.metrics.SetProtocolFees(vm.engine.ProtocolFees())
	}
	vm.log.Info("pact cancelled",
		"id", s.PactID,
		"creatorReturned", s.CreatorReturned,
		"protocolFee", s.ProtocolFee,
	)
	return s, nil
}

// GetPact returns the pact at (creator, index).
func (vm *VM) GetPact(creator ids.ShortID, index uint32) (*pact.Pact, error) {
	return vm.engine.GetPact(creator, index)
}

// GetChallenge returns the challenge attached to a pact.
func (vm *VM) GetChallenge(creator ids.ShortID, index uint32) (*pact.Challenge, error) {
	return vm.engine.GetChallenge(creator, index)
}

// GetGroupMembers returns a group pact's members in join order.
func (vm *VM) GetGroupMembers(creator ids.ShortID, index uint32) ([]*pact.GroupMember, error) {
	return vm.engine.GetGroupMembers(creator, index)
}

// PactCount returns the number of pacts created by creator.
func (vm *VM) PactCount(creator ids.ShortID) uint32 {
	return vm.engine.PactCount(creator)
}

// TotalPacts returns the total number of pacts ever created.
func (vm *VM) TotalPacts() uint64 {
	return vm.engine.TotalPacts()
}

// ProtocolFees returns the accumulated protocol fee pool.
func (vm *VM) ProtocolFees() uint64 {
	return vm.engine.ProtocolFees()
}

// Balance returns an account's spendable ledger balance.
func (vm *VM) Balance(addr ids.ShortID) uint64 {
	return vm.ledger.Balance(addr)
}

// IsInitialized reports whether the registry has been attached.
func (vm *VM) IsInitialized() bool {
	vm.lock.RLock()
	defer vm.lock.RUnlock()
	return vm.registry != nil
}

// Clock returns the VM clock; tests freeze it to control deadlines.
func (vm *VM) Clock() *mockable.Clock {
	return &vm.clock
}

// CreateHandlers returns the HTTP handlers served under the VM's
// endpoint.
func (vm *VM) CreateHandlers(ctx context.Context) (map[string]http.Handler, error) {
	if !vm.Config.APIEnabled {
		return map[string]http.Handler{}, nil
	}

	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")

	service := api.NewService(vm)
	if err := server.RegisterService(service, "pact"); err != nil {
		return nil, fmt.Errorf("failed to register pact service: %w", err)
	}

	return map[string]http.Handler{
		"": server,
	}, nil
}

// Version returns the VM version.
func (*VM) Version(context.Context) (string, error) {
	return Version, nil
}

// HealthCheck reports engine liveness and headline figures.
func (vm *VM) HealthCheck(ctx context.Context) (interface{}, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	return map[string]interface{}{
		"healthy":      vm.isInitialized && !vm.shutdown,
		"initialized":  vm.registry != nil,
		"totalPacts":   vm.engine.TotalPacts(),
		"protocolFees": vm.engine.ProtocolFees(),
		"escrowed":     vm.ledger.Escrowed(),
	}, nil
}

// Shutdown stops the VM and closes its database.
func (vm *VM) Shutdown(ctx context.Context) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.shutdown {
		return nil
	}
	vm.shutdown = true

	if vm.db != nil {
		if err := vm.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	vm.log.Info("pact VM shutdown complete")
	return nil
}

func (vm *VM) checkRunning() error {
	if !vm.isInitialized {
		return errNotInitialized
	}
	if vm.shutdown {
		return errShutdown
	}
	return nil
}

// persistPact writes through the pact, the registry counters, and the
// actor's ledger balance.
func (vm *VM) persistPact(p *pact.Pact, actor ids.ShortID) error {
	if err := vm.state.PutPact(p); err != nil {
		return err
	}
	if vm.registry != nil {
		if err := vm.state.PutRegistry(vm.registry, vm.deployer); err != nil {
			return err
		}
	}
	return vm.state.PutAccount(actor, vm.ledger.Balance(actor))
}

// persistSettlement writes through the settled pact, registry counters,
// and every balance the settlement touched.
func (vm *VM) persistSettlement(creator ids.ShortID, index uint32, s *pact.Settlement) error {
	p, err := vm.engine.GetPact(creator, index)
	if err != nil {
		return err
	}
	if err := vm.state.PutPact(p); err != nil {
		return err
	}
	if err := vm.state.PutRegistry(vm.registry, vm.deployer); err != nil {
		return err
	}

	touched := []ids.ShortID{creator}
	if p.Challenge != nil {
		touched = append(touched, p.Challenge.Challenger)
	}
	for _, m := range s.Members {
		touched = append(touched, m.Member)
	}
	for _, addr := range touched {
		if err := vm.state.PutAccount(addr, vm.ledger.Balance(addr)); err != nil {
			return err
		}
	}
	return nil
}
