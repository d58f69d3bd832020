// Package riskscore maintains per-entity risk data and derives a composite
// score for each asset.
//
// Every score is an integer in basis points, 0 (safe) to Scale (maximal risk).
// An asset's composite score is the weighted sum of four components:
// slashing, liquidity, contract and market risk. Composite scores are never
// written directly; they are recomputed whenever components or weights change.
package riskscore

import (
	"fmt"
	"time"

	"github.com/mbd888/yieldguard/internal/fault"
)

// Scale is the fixed-point denominator: 10000 = 100.00%.
const Scale uint64 = 10000

// DefaultEmergencyThreshold is the composite score at or above which an asset
// is flagged and a breach event is raised (90%).
const DefaultEmergencyThreshold uint64 = 9000

// slashPenalty is the risk added per historical slashing event (10%).
const slashPenalty uint64 = 1000

// Errors
var (
	ErrInvalidEntity    = fault.Validation("invalid_entity", "entity id is required")
	ErrInvalidComponent = fault.Validation("invalid_component", "risk component out of range")
	ErrInvalidMetrics   = fault.Validation("invalid_metrics", "metric out of range")
	ErrInvalidWeights   = fault.Validation("invalid_weights", "weights must sum to exactly 10000")
)

// Components are the four inputs to an asset's composite score.
type Components struct {
	Slashing  uint64 `json:"slashingRisk"`
	Liquidity uint64 `json:"liquidityRisk"`
	Contract  uint64 `json:"contractRisk"`
	Market    uint64 `json:"marketRisk"`
}

func (c Components) validate() error {
	for name, v := range map[string]uint64{
		"slashingRisk":  c.Slashing,
		"liquidityRisk": c.Liquidity,
		"contractRisk":  c.Contract,
		"marketRisk":    c.Market,
	} {
		if v > Scale {
			return fmt.Errorf("%w: %s=%d exceeds %d", ErrInvalidComponent, name, v, Scale)
		}
	}
	return nil
}

// RiskRecord is the stored risk state of one asset.
type RiskRecord struct {
	Asset         string    `json:"asset"`
	CompositeRisk uint64    `json:"compositeRisk"`
	SlashingRisk  uint64    `json:"slashingRisk"`
	LiquidityRisk uint64    `json:"liquidityRisk"`
	ContractRisk  uint64    `json:"contractRisk"`
	MarketRisk    uint64    `json:"marketRisk"`
	LastUpdate    time.Time `json:"lastUpdate"`
	Valid         bool      `json:"valid"`
	Flagged       bool      `json:"flagged"`
}

func (r *RiskRecord) components() Components {
	return Components{
		Slashing:  r.SlashingRisk,
		Liquidity: r.LiquidityRisk,
		Contract:  r.ContractRisk,
		Market:    r.MarketRisk,
	}
}

// ValidatorMetrics is a feed update for one validator or operator.
type ValidatorMetrics struct {
	PerformanceScore     uint64 `json:"performanceScore"`
	Uptime               uint64 `json:"uptime"`
	SlashingHistoryCount uint64 `json:"slashingHistoryCount"`
	TotalStaked          uint64 `json:"totalStaked"`
	Active               bool   `json:"active"`
}

func (m ValidatorMetrics) validate() error {
	if m.PerformanceScore > Scale {
		return fmt.Errorf("%w: performanceScore=%d exceeds %d", ErrInvalidMetrics, m.PerformanceScore, Scale)
	}
	if m.Uptime > Scale {
		return fmt.Errorf("%w: uptime=%d exceeds %d", ErrInvalidMetrics, m.Uptime, Scale)
	}
	return nil
}

// ValidatorRecord is the stored state of a validator. Records are never
// deleted; a retired validator is marked inactive.
type ValidatorRecord struct {
	Validator string `json:"validator"`
	ValidatorMetrics
	LastUpdate time.Time `json:"lastUpdate"`
	Flagged    bool      `json:"flagged"`
}

// ProtocolMetrics is a feed update for one protocol.
type ProtocolMetrics struct {
	TotalValueLocked uint64 `json:"totalValueLocked"`
	Utilization      uint64 `json:"utilization"`
	LiquidityRatio   uint64 `json:"liquidityRatio"`
	SecurityScore    uint64 `json:"securityScore"`
	AuditScore       uint64 `json:"auditScore"`
}

func (m ProtocolMetrics) validate() error {
	for name, v := range map[string]uint64{
		"utilization":   m.Utilization,
		"securityScore": m.SecurityScore,
		"auditScore":    m.AuditScore,
	} {
		if v > Scale {
			return fmt.Errorf("%w: %s=%d exceeds %d", ErrInvalidMetrics, name, v, Scale)
		}
	}
	return nil
}

// ProtocolRecord is the stored state of a protocol.
type ProtocolRecord struct {
	Protocol string `json:"protocol"`
	ProtocolMetrics
	LastUpdate time.Time `json:"lastUpdate"`
}

// WeightSet weights the four components. The weights always sum to Scale.
type WeightSet struct {
	Slashing  uint64 `json:"slashing"`
	Liquidity uint64 `json:"liquidity"`
	Contract  uint64 `json:"contract"`
	Market    uint64 `json:"market"`
}

// DefaultWeights is 30% slashing, 25% liquidity, 25% contract, 20% market.
var DefaultWeights = WeightSet{Slashing: 3000, Liquidity: 2500, Contract: 2500, Market: 2000}

// Validate checks that each weight is in range and the total is exactly Scale.
func (w WeightSet) Validate() error {
	if w.Slashing > Scale || w.Liquidity > Scale || w.Contract > Scale || w.Market > Scale {
		return fmt.Errorf("%w: individual weight exceeds %d", ErrInvalidWeights, Scale)
	}
	if sum := w.Slashing + w.Liquidity + w.Contract + w.Market; sum != Scale {
		return fmt.Errorf("%w: got %d", ErrInvalidWeights, sum)
	}
	return nil
}

// Composite computes Σ(component × weight) / Scale, clamped to Scale.
func (w WeightSet) Composite(c Components) uint64 {
	score := (c.Slashing*w.Slashing +
		c.Liquidity*w.Liquidity +
		c.Contract*w.Contract +
		c.Market*w.Market) / Scale
	if score > Scale {
		score = Scale
	}
	return score
}

// SlashingRiskOf derives slashing risk from validator metrics. Inactive
// validators carry maximal risk.
func SlashingRiskOf(m ValidatorMetrics) uint64 {
	if !m.Active {
		return Scale
	}
	if m.SlashingHistoryCount >= Scale/slashPenalty {
		return Scale
	}
	risk := m.SlashingHistoryCount*slashPenalty +
		(Scale-min(m.PerformanceScore, Scale))/2 +
		(Scale-min(m.Uptime, Scale))/4
	return min(risk, Scale)
}

// LiquidityRiskOf averages utilization with the inverted liquidity ratio.
// A protocol without locked value carries maximal risk.
func LiquidityRiskOf(m ProtocolMetrics) uint64 {
	if m.TotalValueLocked == 0 {
		return Scale
	}
	inverted := Scale - min(m.LiquidityRatio, Scale)
	return (min(m.Utilization, Scale) + inverted) / 2
}

// ContractRiskOf averages the security and audit deficits.
func ContractRiskOf(m ProtocolMetrics) uint64 {
	return ((Scale - min(m.SecurityScore, Scale)) + (Scale - min(m.AuditScore, Scale))) / 2
}
