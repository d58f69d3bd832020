// Package vault implements the allocation vault: a pooled share ledger whose
// assets are spread across risk-scored yield strategies.
//
// Flow:
//  1. Depositor adds assets → shares minted at the current share price
//  2. Assets are spread over active strategies by allocation weight
//  3. Allocators add, settle and exit strategies
//  4. Risk signals above the emergency threshold halt the vault and unwind
//     every strategy back to idle; withdrawals keep working
//  5. Depositors set a risk profile; opted-in profiles are rebalanced to a
//     target allocation that respects their risk limit
package vault

import (
	"math/big"
	"time"

	"github.com/mbd888/yieldguard/internal/emergency"
	"github.com/mbd888/yieldguard/internal/fault"
)

// Scale is the basis-point denominator for allocations and fees.
const Scale uint64 = 10000

// MaxStrategyRisk bounds Strategy.RiskScore and Profile.MaxRiskScore.
const MaxStrategyRisk uint64 = 100

// riskToBps lifts a 0..100 strategy risk onto the bps scale of the
// emergency threshold.
const riskToBps = Scale / MaxStrategyRisk

// MaxExpectedYieldBps bounds Strategy.ExpectedYieldBps (10000%).
const MaxExpectedYieldBps uint64 = 1_000_000

// Fee bounds, in bps.
const (
	MaxManagementFeeBps  uint64 = 200
	MaxPerformanceFeeBps uint64 = 2000
)

// Profile defaults applied when a depositor has never written one.
const (
	DefaultMaxRiskScore uint64 = 50
)

const secondsPerYear = 365 * 24 * 60 * 60

// Errors
var (
	ErrInvalidAmount       = fault.Validation("invalid_amount", "amount must be positive")
	ErrInvalidAddress      = fault.Validation("invalid_address", "address is required")
	ErrInvalidStrategy     = fault.Validation("invalid_strategy", "strategy handle is required")
	ErrInsufficientBalance = fault.State("insufficient_balance", "insufficient share balance")
	ErrAlreadyExists       = fault.State("already_exists", "strategy already exists")
	ErrAllocationExceeded  = fault.Validation("allocation_exceeded", "total allocation would exceed 10000 bps")
	ErrRiskTooHigh         = fault.Validation("risk_too_high", "strategy risk score exceeds 100")
	ErrYieldTooHigh        = fault.Validation("yield_too_high", "expected yield exceeds 1000000 bps")
	ErrUnderlyingAtRisk    = fault.State("underlying_at_risk", "underlying risk is at or above the emergency threshold")
	ErrInvalidRiskScore    = fault.Validation("invalid_risk_score", "risk score out of range")
	ErrFeeTooHigh          = fault.Validation("fee_too_high", "fee exceeds its bound")
	ErrStrategyNotFound    = fault.NotFound("strategy_not_found", "no active strategy with that handle")
	ErrRebalanceInfeasible = fault.State("rebalance_infeasible", "no allocation satisfies the risk limit")

	// Re-exported so callers can match on one package.
	ErrHalted         = emergency.ErrHalted
	ErrAlreadyHalted  = emergency.ErrAlreadyHalted
	ErrNotHalted      = emergency.ErrNotHalted
	ErrReasonRequired = emergency.ErrReasonRequired
)

// RiskReader is the read-only view of the risk engine the vault needs.
type RiskReader interface {
	RiskScore(asset string) uint64
}

// Strategy is an allocation target. Records are append-only; an exited
// strategy keeps its record with Active=false and a zero position.
type Strategy struct {
	ID               int        `json:"id"`
	Handle           string     `json:"handle"`
	Underlying       string     `json:"underlying"`
	Active           bool       `json:"active"`
	AllocationBps    uint64     `json:"allocationBps"`
	RiskScore        uint64     `json:"riskScore"`
	ExpectedYieldBps uint64     `json:"expectedYieldBps"`
	Position         *big.Int   `json:"-"`
	AddedAt          time.Time  `json:"addedAt"`
	RemovedAt        *time.Time `json:"removedAt,omitempty"`
}

func (s *Strategy) clone() Strategy {
	c := *s
	c.Position = new(big.Int).Set(s.Position)
	if s.RemovedAt != nil {
		t := *s.RemovedAt
		c.RemovedAt = &t
	}
	return c
}

// StrategyParams describes a strategy to add.
type StrategyParams struct {
	Handle           string `json:"handle"`
	Underlying       string `json:"underlying"`
	AllocationBps    uint64 `json:"allocationBps"`
	RiskScore        uint64 `json:"riskScore"`
	ExpectedYieldBps uint64 `json:"expectedYieldBps"`
}

// Target is one leg of a user's rebalanced allocation.
type Target struct {
	Handle    string `json:"handle"`
	WeightBps uint64 `json:"weightBps"`
}

// Profile is a depositor's risk preference.
type Profile struct {
	User              string     `json:"user"`
	MaxRiskScore      uint64     `json:"maxRiskScore"`
	PreferredYieldBps uint64     `json:"preferredYieldBps"`
	AutoRebalance     bool       `json:"autoRebalance"`
	LastRebalance     *time.Time `json:"lastRebalance,omitempty"`
	Targets           []Target   `json:"targets,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func defaultProfile(user string) Profile {
	return Profile{User: user, MaxRiskScore: DefaultMaxRiskScore}
}

func (p *Profile) clone() Profile {
	c := *p
	if p.LastRebalance != nil {
		t := *p.LastRebalance
		c.LastRebalance = &t
	}
	c.Targets = append([]Target(nil), p.Targets...)
	return c
}

// ProfileUpdate is the writable part of a Profile.
type ProfileUpdate struct {
	MaxRiskScore      uint64 `json:"maxRiskScore"`
	PreferredYieldBps uint64 `json:"preferredYieldBps"`
	AutoRebalance     bool   `json:"autoRebalance"`
}

// RebalanceResult reports what a rebalance attempt did.
type RebalanceResult struct {
	User             string    `json:"user"`
	Executed         bool      `json:"executed"`
	Feasible         bool      `json:"feasible"`
	Reason           string    `json:"reason,omitempty"`
	MaxRiskScore     uint64    `json:"maxRiskScore"`
	RiskBefore       uint64    `json:"riskBefore"`
	RiskAfter        uint64    `json:"riskAfter"`
	ExpectedYieldBps uint64    `json:"expectedYieldBps"`
	Targets          []Target  `json:"targets,omitempty"`
	At               time.Time `json:"at"`
}

// FeeConfig sets the vault's fees. An empty Recipient keeps the current one.
type FeeConfig struct {
	ManagementFeeBps  uint64 `json:"managementFeeBps"`
	PerformanceFeeBps uint64 `json:"performanceFeeBps"`
	Recipient         string `json:"recipient"`
}

func (f FeeConfig) validate() error {
	if f.ManagementFeeBps > MaxManagementFeeBps {
		return ErrFeeTooHigh
	}
	if f.PerformanceFeeBps > MaxPerformanceFeeBps {
		return ErrFeeTooHigh
	}
	return nil
}

// Status is a snapshot of the vault.
type Status struct {
	TotalAssets       *big.Int         `json:"-"`
	TotalShares       *big.Int         `json:"-"`
	Idle              *big.Int         `json:"-"`
	Allocated         *big.Int         `json:"-"`
	Depositors        int              `json:"depositors"`
	ActiveStrategies  int              `json:"activeStrategies"`
	AllocatedBps      uint64           `json:"allocatedBps"`
	PortfolioRisk     uint64           `json:"portfolioRisk"`
	ManagementFeeBps  uint64           `json:"managementFeeBps"`
	PerformanceFeeBps uint64           `json:"performanceFeeBps"`
	FeeRecipient      string           `json:"feeRecipient,omitempty"`
	LastRiskCheck     time.Time        `json:"lastRiskCheck"`
	LastFeeAccrual    time.Time        `json:"lastFeeAccrual"`
	Halted            bool             `json:"halted"`
	Emergency         emergency.Status `json:"emergency"`
}

// InvariantReport is the result of CheckInvariants.
type InvariantReport struct {
	BalanceSum    *big.Int `json:"-"`
	TotalShares   *big.Int `json:"-"`
	SharesMatch   bool     `json:"sharesMatch"`
	AllocatedBps  uint64   `json:"allocatedBps"`
	AllocationOK  bool     `json:"allocationOk"`
	InactiveFunds bool     `json:"inactiveFunds"`
}

// OK reports whether every invariant holds.
func (r InvariantReport) OK() bool {
	return r.SharesMatch && r.AllocationOK && !r.InactiveFunds
}

// Config configures a Vault.
type Config struct {
	ManagementFeeBps   uint64
	PerformanceFeeBps  uint64
	FeeRecipient       string
	EmergencyThreshold uint64
	Decimals           int32
}
