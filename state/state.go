// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state persists the pact engine's records: the registry
// counters, every pact keyed by (creator, index), and ledger account
// balances. The engine itself runs in memory; the VM writes through to
// this layer after each mutation and restores from it on startup.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/luxfi/pactvm/ledger"
	"github.com/luxfi/pactvm/pact"
)

var (
	ErrCorrupted = errors.New("state corrupted")

	registryKey   = []byte("registry")
	pactPrefix    = []byte("pact:")
	accountPrefix = []byte("account:")
)

// PactRecord is the serialized form of a pact. Escrow handles are stored
// as their held amounts and reconstructed against the ledger on load.
type PactRecord struct {
	ID           uint64      `serialize:"true"`
	Creator      ids.ShortID `serialize:"true"`
	Index        uint32      `serialize:"true"`
	Asset        string      `serialize:"true"`
	StartBalance uint64      `serialize:"true"`
	StakeAmount  uint64      `serialize:"true"`
	Deadline     int64       `serialize:"true"`
	Status       uint8       `serialize:"true"`
	Escrowed     uint64      `serialize:"true"`

	HasChallenge       bool        `serialize:"true"`
	Challenger         ids.ShortID `serialize:"true"`
	ChallengeStake     uint64      `serialize:"true"`
	ChallengeEscrowed  uint64      `serialize:"true"`
	ChallengeCreatedAt int64       `serialize:"true"`

	IsGroup      bool           `serialize:"true"`
	MaxGroupSize uint32         `serialize:"true"`
	Members      []MemberRecord `serialize:"true"`

	CreatedAt int64 `serialize:"true"`
}

// MemberRecord is the serialized form of a group member.
type MemberRecord struct {
	Member       ids.ShortID `serialize:"true"`
	StakeAmount  uint64      `serialize:"true"`
	StartBalance uint64      `serialize:"true"`
	Escrowed     uint64      `serialize:"true"`
	JoinedAt     int64       `serialize:"true"`
}

// RegistryRecord is the serialized registry singleton.
type RegistryRecord struct {
	Deployer     ids.ShortID `serialize:"true"`
	PactCounter  uint64      `serialize:"true"`
	ProtocolFees uint64      `serialize:"true"`
}

// AccountRecord is the serialized balance of one ledger account.
type AccountRecord struct {
	Balance uint64 `serialize:"true"`
}

// State wraps a database with the pact VM's record layout.
type State struct {
	db database.Database
}

// New creates a state manager over db.
func New(db database.Database) *State {
	return &State{db: db}
}

func pactKey(creator ids.ShortID, index uint32) []byte {
	key := make([]byte, 0, len(pactPrefix)+len(creator)+4)
	key = append(key, pactPrefix...)
	key = append(key, creator[:]...)
	key = binary.BigEndian.AppendUint32(key, index)
	return key
}

func accountKey(addr ids.ShortID) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(addr))
	key = append(key, accountPrefix...)
	key = append(key, addr[:]...)
	return key
}

// PutPact persists the current snapshot of p.
func (s *State) PutPact(p *pact.Pact) error {
	record := recordFromPact(p)
	data, err := Codec.Marshal(codecVersion, record)
	if err != nil {
		return fmt.Errorf("failed to encode pact %d: %w", p.ID, err)
	}
	return s.db.Put(pactKey(p.Creator, p.Index), data)
}

// GetPact loads the pact record at (creator, index).
func (s *State) GetPact(creator ids.ShortID, index uint32) (*PactRecord, error) {
	data, err := s.db.Get(pactKey(creator, index))
	if err != nil {
		return nil, err
	}
	record := &PactRecord{}
	if _, err := Codec.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return record, nil
}

// PutRegistry persists the registry counters and the deployer identity.
func (s *State) PutRegistry(r *pact.Registry, deployer ids.ShortID) error {
	record := &RegistryRecord{
		Deployer:     deployer,
		PactCounter:  r.PactCount(),
		ProtocolFees: r.ProtocolFees(),
	}
	data, err := Codec.Marshal(codecVersion, record)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return s.db.Put(registryKey, data)
}

// GetRegistry loads the registry counters. Returns database.ErrNotFound
// when no registry has been persisted yet.
func (s *State) GetRegistry() (*RegistryRecord, error) {
	data, err := s.db.Get(registryKey)
	if err != nil {
		return nil, err
	}
	record := &RegistryRecord{}
	if _, err := Codec.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return record, nil
}

// PutAccount persists one account balance.
func (s *State) PutAccount(addr ids.ShortID, balance uint64) error {
	data, err := Codec.Marshal(codecVersion, &AccountRecord{Balance: balance})
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), data)
}

// GetAccount loads one account balance.
func (s *State) GetAccount(addr ids.ShortID) (uint64, error) {
	data, err := s.db.Get(accountKey(addr))
	if err != nil {
		return 0, err
	}
	record := &AccountRecord{}
	if _, err := Codec.Unmarshal(data, record); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return record.Balance, nil
}

// LoadAccounts replays every persisted balance into the ledger.
func (s *State) LoadAccounts(ldgr *ledger.Ledger) error {
	iter := s.db.NewIteratorWithPrefix(accountPrefix)
	defer iter.Release()

	for iter.Next() {
		key := iter.Key()
		var addr ids.ShortID
		if len(key) != len(accountPrefix)+len(addr) {
			return ErrCorrupted
		}
		copy(addr[:], key[len(accountPrefix):])

		record := &AccountRecord{}
		if _, err := Codec.Unmarshal(iter.Value(), record); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if record.Balance == 0 {
			continue
		}
		if err := ldgr.Deposit(addr, record.Balance); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LoadPacts rebuilds every persisted pact, reconstructing live escrow
// handles on the ledger, and adopts them into the engine. Pacts are
// keyed by creator then big-endian index, so iteration order preserves
// each creator's append order.
func (s *State) LoadPacts(ldgr *ledger.Ledger, engine *pact.Engine) error {
	iter := s.db.NewIteratorWithPrefix(pactPrefix)
	defer iter.Release()

	for iter.Next() {
		record := &PactRecord{}
		if _, err := Codec.Unmarshal(iter.Value(), record); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		p, err := record.toPact(ldgr)
		if err != nil {
			return err
		}
		if err := engine.Adopt(p); err != nil {
			return err
		}
	}
	return iter.Error()
}

func recordFromPact(p *pact.Pact) *PactRecord {
	record := &PactRecord{
		ID:           p.ID,
		Creator:      p.Creator,
		Index:        p.Index,
		Asset:        p.Asset,
		StartBalance: p.StartBalance,
		StakeAmount:  p.StakeAmount,
		Deadline:     p.Deadline.Unix(),
		Status:       uint8(p.Status),
		IsGroup:      p.IsGroup,
		MaxGroupSize: p.MaxGroupSize,
		CreatedAt:    p.CreatedAt.Unix(),
	}
	if p.Stake != nil {
		record.Escrowed = p.Stake.Amount()
	}
	if p.Challenge != nil {
		record.HasChallenge = true
		record.Challenger = p.Challenge.Challenger
		record.ChallengeStake = p.Challenge.StakeAmount
		record.ChallengeCreatedAt = p.Challenge.CreatedAt.Unix()
		if p.Challenge.Stake != nil {
			record.ChallengeEscrowed = p.Challenge.Stake.Amount()
		}
	}
	for _, m := range p.Members {
		mr := MemberRecord{
			Member:       m.Member,
			StakeAmount:  m.StakeAmount,
			StartBalance: m.StartBalance,
			JoinedAt:     m.JoinedAt.Unix(),
		}
		if m.Stake != nil {
			mr.Escrowed = m.Stake.Amount()
		}
		record.Members = append(record.Members, mr)
	}
	return record
}

func (r *PactRecord) toPact(ldgr *ledger.Ledger) (*pact.Pact, error) {
	p := &pact.Pact{
		ID:           r.ID,
		Creator:      r.Creator,
		Index:        r.Index,
		Asset:        r.Asset,
		StartBalance: r.StartBalance,
		StakeAmount:  r.StakeAmount,
		Deadline:     time.Unix(r.Deadline, 0),
		Status:       pact.Status(r.Status),
		IsGroup:      r.IsGroup,
		MaxGroupSize: r.MaxGroupSize,
		CreatedAt:    time.Unix(r.CreatedAt, 0),
	}
	if r.Escrowed > 0 {
		p.Stake = ldgr.RestoreEscrow(r.Escrowed)
	}
	if r.HasChallenge {
		ch := &pact.Challenge{
			Challenger:  r.Challenger,
			StakeAmount: r.ChallengeStake,
			CreatedAt:   time.Unix(r.ChallengeCreatedAt, 0),
		}
		if r.ChallengeEscrowed > 0 {
			ch.Stake = ldgr.RestoreEscrow(r.ChallengeEscrowed)
		}
		p.Challenge = ch
	}
	for _, mr := range r.Members {
		m := &pact.GroupMember{
			Member:       mr.Member,
			StakeAmount:  mr.StakeAmount,
			StartBalance: mr.StartBalance,
			JoinedAt:     time.Unix(mr.JoinedAt, 0),
		}
		if mr.Escrowed > 0 {
			m.Stake = ldgr.RestoreEscrow(mr.Escrowed)
		}
		p.Members = append(p.Members, m)
	}
	return p, nil
}
