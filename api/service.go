// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api provides the JSON-RPC handlers for the pact VM.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/pactvm/pact"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
)

// VM is the surface the API service needs from the pact VM.
type VM interface {
	IsInitialized() bool
	InitializeRegistry(deployer ids.ShortID) error

	CreatePact(creator ids.ShortID, asset string, startBalance, stake uint64, deadline time.Time) (*pact.Pact, error)
	CreateGroupPact(creator ids.ShortID, asset string, startBalance, stake uint64, deadline time.Time, maxGroupSize uint32) (*pact.Pact, error)
	JoinGroupPact(member, creator ids.ShortID, index uint32, stake, startBalance uint64) error
	ChallengePact(challenger, creator ids.ShortID, index uint32, stake uint64) error
	ResolvePact(caller, creator ids.ShortID, index uint32, currentBalance uint64) (*pact.Settlement, error)
	ResolveGroupPact(caller, creator ids.ShortID, index uint32, balances []uint64) (*pact.Settlement, error)
	CancelPact(caller, creator ids.ShortID, index uint32) (*pact.Settlement, error)

	GetPact(creator ids.ShortID, index uint32) (*pact.Pact, error)
	GetChallenge(creator ids.ShortID, index uint32) (*pact.Challenge, error)
	GetGroupMembers(creator ids.ShortID, index uint32) ([]*pact.GroupMember, error)
	PactCount(creator ids.ShortID) uint32
	TotalPacts() uint64
	ProtocolFees() uint64
	Balance(addr ids.ShortID) uint64
}

// Service provides the RPC API for the pact VM.
type Service struct {
	vm VM
}

// NewService creates a new API service.
func NewService(vm VM) *Service {
	return &Service{vm: vm}
}

// PactJSON is the wire form of a pact.
type PactJSON struct {
	ID           uint64 `json:"id"`
	Creator      string `json:"creator"`
	Index        uint32 `json:"index"`
	Asset        string `json:"asset"`
	StartBalance uint64 `json:"startBalance"`
	StakeAmount  uint64 `json:"stakeAmount"`
	Deadline     int64  `json:"deadline"`
	Status       string `json:"status"`
	IsGroup      bool   `json:"isGroup"`
	MaxGroupSize uint32 `json:"maxGroupSize,omitempty"`
	MemberCount  int    `json:"memberCount,omitempty"`
	Challenged   bool   `json:"challenged"`
	CreatedAt    int64  `json:"createdAt"`
}

func pactToJSON(p *pact.Pact) *PactJSON {
	return &PactJSON{
		ID:           p.ID,
		Creator:      p.Creator.String(),
		Index:        p.Index,
		Asset:        p.Asset,
		StartBalance: p.StartBalance,
		StakeAmount:  p.StakeAmount,
		Deadline:     p.Deadline.Unix(),
		Status:       p.Status.String(),
		IsGroup:      p.IsGroup,
		MaxGroupSize: p.MaxGroupSize,
		MemberCount:  len(p.Members),
		Challenged:   p.Challenge != nil,
		CreatedAt:    p.CreatedAt.Unix(),
	}
}

// SettlementJSON is the wire form of a settlement.
type SettlementJSON struct {
	PactID             uint64              `json:"pactId"`
	Creator            string              `json:"creator"`
	Index              uint32              `json:"index"`
	Passed             bool                `json:"passed"`
	Cancelled          bool                `json:"cancelled"`
	CreatorReturned    uint64              `json:"creatorReturned"`
	ChallengerReturned uint64              `json:"challengerReturned"`
	ProtocolFee        uint64              `json:"protocolFee"`
	Members            []MemberOutcomeJSON `json:"members,omitempty"`
	Timestamp          int64               `json:"timestamp"`
}

// MemberOutcomeJSON is the wire form of a group member's settlement.
type MemberOutcomeJSON struct {
	Member    string `json:"member"`
	Passed    bool   `json:"passed"`
	Returned  uint64 `json:"returned"`
	Forfeited uint64 `json:"forfeited"`
}

func settlementToJSON(s *pact.Settlement) *SettlementJSON {
	out := &SettlementJSON{
		PactID:             s.PactID,
		Creator:            s.Creator.String(),
		Index:              s.Index,
		Passed:             s.Passed,
		Cancelled:          s.Cancelled,
		CreatorReturned:    s.CreatorReturned,
		ChallengerReturned: s.ChallengerReturned,
		ProtocolFee:        s.ProtocolFee,
		Timestamp:          s.Timestamp.Unix(),
	}
	for _, m := range s.Members {
		out.Members = append(out.Members, MemberOutcomeJSON{
			Member:    m.Member.String(),
			Passed:    m.Passed,
			Returned:  m.Returned,
			Forfeited: m.Forfeited,
		})
	}
	return out
}

func parseAddr(field, raw string) (ids.ShortID, error) {
	if raw == "" {
		return ids.ShortEmpty, fmt.Errorf("%w: %s required", ErrInvalidRequest, field)
	}
	addr, err := ids.ShortFromString(raw)
	if err != nil {
		return ids.ShortEmpty, fmt.Errorf("%w: invalid %s address", ErrInvalidRequest, field)
	}
	return addr, nil
}

// PingArgs is the argument for the Ping API.
type PingArgs struct{}

// PingReply is the reply for the Ping API.
type PingReply struct {
	Success bool `json:"success"`
}

// Ping returns a simple health check response.
func (s *Service) Ping(_ *http.Request, _ *PingArgs, reply *PingReply) error {
	reply.Success = true
	return nil
}

// StatusArgs is the argument for the Status API.
type StatusArgs struct{}

// StatusReply is the reply for the Status API.
type StatusReply struct {
	Initialized  bool   `json:"initialized"`
	TotalPacts   uint64 `json:"totalPacts"`
	ProtocolFees uint64 `json:"protocolFees"`
}

// Status returns the engine status.
func (s *Service) Status(_ *http.Request, _ *StatusArgs, reply *StatusReply) error {
	reply.Initialized = s.vm.IsInitialized()
	reply.TotalPacts = s.vm.TotalPacts()
	reply.ProtocolFees = s.vm.ProtocolFees()
	return nil
}

// InitializeArgs is the argument for the Initialize API.
type InitializeArgs struct {
	Deployer string `json:"deployer"`
}

// InitializeReply is the reply for the Initialize API.
type InitializeReply struct {
	Success bool `json:"success"`
}

// Initialize attaches the registry with the given deployer.
func (s *Service) Initialize(_ *http.Request, args *InitializeArgs, reply *InitializeReply) error {
	deployer, err := parseAddr("deployer", args.Deployer)
	if err != nil {
		return err
	}
	if err := s.vm.InitializeRegistry(deployer); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// CreatePactArgs is the argument for the CreatePact API.
type CreatePactArgs struct {
	Creator      string `json:"creator"`
	Asset        string `json:"asset"`
	StartBalance uint64 `json:"startBalance"`
	Stake        uint64 `json:"stake"`
	Deadline     int64  `json:"deadline"` // unix seconds
}

// CreatePactReply is the reply for the CreatePact API.
type CreatePactReply struct {
	Pact *PactJSON `json:"pact"`
}

// CreatePact creates a solo pact.
func (s *Service) CreatePact(_ *http.Request, args *CreatePactArgs, reply *CreatePactReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	p, err := s.vm.CreatePact(creator, args.Asset, args.StartBalance, args.Stake, time.Unix(args.Deadline, 0))
	if err != nil {
		return err
	}
	reply.Pact = pactToJSON(p)
	return nil
}

// CreateGroupPactArgs is the argument for the CreateGroupPact API.
type CreateGroupPactArgs struct {
	Creator      string `json:"creator"`
	Asset        string `json:"asset"`
	StartBalance uint64 `json:"startBalance"`
	Stake        uint64 `json:"stake"`
	Deadline     int64  `json:"deadline"`
	MaxGroupSize uint32 `json:"maxGroupSize"`
}

// CreateGroupPactReply is the reply for the CreateGroupPact API.
type CreateGroupPactReply struct {
	Pact *PactJSON `json:"pact"`
}

// CreateGroupPact creates a group pact with the creator as first member.
func (s *Service) CreateGroupPact(_ *http.Request, args *CreateGroupPactArgs, reply *CreateGroupPactReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	p, err := s.vm.CreateGroupPact(creator, args.Asset, args.StartBalance, args.Stake, time.Unix(args.Deadline, 0), args.MaxGroupSize)
	if err != nil {
		return err
	}
	reply.Pact = pactToJSON(p)
	return nil
}

// JoinGroupPactArgs is the argument for the JoinGroupPact API.
type JoinGroupPactArgs struct {
	Member       string `json:"member"`
	Creator      string `json:"creator"`
	Index        uint32 `json:"index"`
	Stake        uint64 `json:"stake"`
	StartBalance uint64 `json:"startBalance"`
}

// JoinGroupPactReply is the reply for the JoinGroupPact API.
type JoinGroupPactReply struct {
	Success bool `json:"success"`
}

// JoinGroupPact adds a member to an open group pact.
func (s *Service) JoinGroupPact(_ *http.Request, args *JoinGroupPactArgs, reply *JoinGroupPactReply) error {
	member, err := parseAddr("member", args.Member)
	if err != nil {
		return err
	}
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	if err := s.vm.JoinGroupPact(member, creator, args.Index, args.Stake, args.StartBalance); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// ChallengePactArgs is the argument for the ChallengePact API.
type ChallengePactArgs struct {
	Challenger string `json:"challenger"`
	Creator    string `json:"creator"`
	Index      uint32 `json:"index"`
	Stake      uint64 `json:"stake"`
}

// ChallengePactReply is the reply for the ChallengePact API.
type ChallengePactReply struct {
	Success bool `json:"success"`
}

// ChallengePact stakes against an active solo pact.
func (s *Service) ChallengePact(_ *http.Request, args *ChallengePactArgs, reply *ChallengePactReply) error {
	challenger, err := parseAddr("challenger", args.Challenger)
	if err != nil {
		return err
	}
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	if err := s.vm.ChallengePact(challenger, creator, args.Index, args.Stake); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// ResolvePactArgs is the argument for the ResolvePact API.
type ResolvePactArgs struct {
	Caller         string `json:"caller"`
	Creator        string `json:"creator"`
	Index          uint32 `json:"index"`
	CurrentBalance uint64 `json:"currentBalance"`
}

// ResolvePactReply is the reply for the ResolvePact API.
type ResolvePactReply struct {
	Settlement *SettlementJSON `json:"settlement"`
}

// ResolvePact settles a solo pact after its deadline.
func (s *Service) ResolvePact(_ *http.Request, args *ResolvePactArgs, reply *ResolvePactReply) error {
	caller, err := parseAddr("caller", args.Caller)
	if err != nil {
		return err
	}
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	settlement, err := s.vm.ResolvePact(caller, creator, args.Index, args.CurrentBalance)
	if err != nil {
		return err
	}
	reply.Settlement = settlementToJSON(settlement)
	return nil
}

// ResolveGroupPactArgs is the argument for the ResolveGroupPact API.
type ResolveGroupPactArgs struct {
	Caller   string   `json:"caller"`
	Creator  string   `json:"creator"`
	Index    uint32   `json:"index"`
	Balances []uint64 `json:"balances"` // one per member, in join order
}

// ResolveGroupPactReply is the reply for the ResolveGroupPact API.
type ResolveGroupPactReply struct {
	Settlement *SettlementJSON `json:"settlement"`
}

// ResolveGroupPact settles a group pact after its deadline.
func (s *Service) ResolveGroupPact(_ *http.Request, args *ResolveGroupPactArgs, reply *ResolveGroupPactReply) error {
	caller, err := parseAddr("caller", args.Caller)
	if err != nil {
		return err
	}
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	settlement, err := s.vm.ResolveGroupPact(caller, creator, args.Index, args.Balances)
	if err != nil {
		return err
	}
	reply.Settlement = settlementToJSON(settlement)
	return nil
}

// CancelPactArgs is the argument for the CancelPact API.
type CancelPactArgs struct {
	Caller  string `json:"caller"`
	Creator string `json:"creator"`
	Index   uint32 `json:"index"`
}

// CancelPactReply is the reply for the CancelPact API.
type CancelPactReply struct {
	Settlement *SettlementJSON `json:"settlement"`
}

// CancelPact force-fails a pact at its creator's request.
func (s *Service) CancelPact(_ *http.Request, args *CancelPactArgs, reply *CancelPactReply) error {
	caller, err := parseAddr("caller", args.Caller)
	if err != nil {
		return err
	}
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	settlement, err := s.vm.CancelPact(caller, creator, args.Index)
	if err != nil {
		return err
	}
	reply.Settlement = settlementToJSON(settlement)
	return nil
}

// GetPactArgs is the argument for the GetPact API.
type GetPactArgs struct {
	Creator string `json:"creator"`
	Index   uint32 `json:"index"`
}

// GetPactReply is the reply for the GetPact API.
type GetPactReply struct {
	Pact *PactJSON `json:"pact"`
}

// GetPact returns the pact at (creator, index).
func (s *Service) GetPact(_ *http.Request, args *GetPactArgs, reply *GetPactReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	p, err := s.vm.GetPact(creator, args.Index)
	if err != nil {
		return err
	}
	reply.Pact = pactToJSON(p)
	return nil
}

// GetChallengeArgs is the argument for the GetChallenge API.
type GetChallengeArgs struct {
	Creator string `json:"creator"`
	Index   uint32 `json:"index"`
}

// GetChallengeReply is the reply for the GetChallenge API.
type GetChallengeReply struct {
	Challenger  string `json:"challenger"`
	StakeAmount uint64 `json:"stakeAmount"`
	CreatedAt   int64  `json:"createdAt"`
}

// GetChallenge returns the challenge attached to a pact.
func (s *Service) GetChallenge(_ *http.Request, args *GetChallengeArgs, reply *GetChallengeReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	c, err := s.vm.GetChallenge(creator, args.Index)
	if err != nil {
		return err
	}
	reply.Challenger = c.Challenger.String()
	reply.StakeAmount = c.StakeAmount
	reply.CreatedAt = c.CreatedAt.Unix()
	return nil
}

// GetGroupMembersArgs is the argument for the GetGroupMembers API.
type GetGroupMembersArgs struct {
	Creator string `json:"creator"`
	Index   uint32 `json:"index"`
}

// GroupMemberJSON is the wire form of a group member.
type GroupMemberJSON struct {
	Member       string `json:"member"`
	StakeAmount  uint64 `json:"stakeAmount"`
	StartBalance uint64 `json:"startBalance"`
	JoinedAt     int64  `json:"joinedAt"`
}

// GetGroupMembersReply is the reply for the GetGroupMembers API.
type GetGroupMembersReply struct {
	Members []GroupMemberJSON `json:"members"`
}

// GetGroupMembers returns a group pact's members in join order.
func (s *Service) GetGroupMembers(_ *http.Request, args *GetGroupMembersArgs, reply *GetGroupMembersReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	members, err := s.vm.GetGroupMembers(creator, args.Index)
	if err != nil {
		return err
	}
	for _, m := range members {
		reply.Members = append(reply.Members, GroupMemberJSON{
			Member:       m.Member.String(),
			StakeAmount:  m.StakeAmount,
			StartBalance: m.StartBalance,
			JoinedAt:     m.JoinedAt.Unix(),
		})
	}
	return nil
}

// GetPactCountArgs is the argument for the GetPactCount API.
type GetPactCountArgs struct {
	Creator string `json:"creator"`
}

// GetPactCountReply is the reply for the GetPactCount API.
type GetPactCountReply struct {
	Count uint32 `json:"count"`
}

// GetPactCount returns the number of pacts created by an address.
func (s *Service) GetPactCount(_ *http.Request, args *GetPactCountArgs, reply *GetPactCountReply) error {
	creator, err := parseAddr("creator", args.Creator)
	if err != nil {
		return err
	}
	reply.Count = s.vm.PactCount(creator)
	return nil
}

// GetTotalPactsArgs is the argument for the GetTotalPacts API.
type GetTotalPactsArgs struct{}

// GetTotalPactsReply is the reply for the GetTotalPacts API.
type GetTotalPactsReply struct {
	Total uint64 `json:"total"`
}

// GetTotalPacts returns the total number of pacts ever created.
func (s *Service) GetTotalPacts(_ *http.Request, _ *GetTotalPactsArgs, reply *GetTotalPactsReply) error {
	reply.Total = s.vm.TotalPacts()
	return nil
}

// GetProtocolFeesArgs is the argument for the GetProtocolFees API.
type GetProtocolFeesArgs struct{}

// GetProtocolFeesReply is the reply for the GetProtocolFees API.
type GetProtocolFeesReply struct {
	Fees uint64 `json:"fees"`
}

// GetProtocolFees returns the accumulated protocol fee pool.
func (s *Service) GetProtocolFees(_ *http.Request, _ *GetProtocolFeesArgs, reply *GetProtocolFeesReply) error {
	reply.Fees = s.vm.ProtocolFees()
	return nil
}

// GetBalanceArgs is the argument for the GetBalance API.
type GetBalanceArgs struct {
	Address string `json:"address"`
}

// GetBalanceReply is the reply for the GetBalance API.
type GetBalanceReply struct {
	Balance uint64 `json:"balance"`
}

// GetBalance returns an account's spendable ledger balance.
func (s *Service) GetBalance(_ *http.Request, args *GetBalanceArgs, reply *GetBalanceReply) error {
	addr, err := parseAddr("address", args.Address)
	if err != nil {
		return err
	}
	reply.Balance = s.vm.Balance(addr)
	return nil
}
