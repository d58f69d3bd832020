// Package events carries structured audit records out of the core.
//
// The core publishes an Event only after its state change is committed and its
// locks are released. Delivery to subscribers is synchronous and in order, so a
// subscriber calling back into the core observes the committed state.
package events

import (
	"context"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeAssetRiskUpdated    Type = "risk.asset_updated"
	TypeRiskThresholdBreach Type = "risk.threshold_breached"
	TypeValidatorUpdated    Type = "risk.validator_updated"
	TypeProtocolUpdated     Type = "risk.protocol_updated"
	TypeWeightsUpdated      Type = "risk.weights_updated"
	TypeDeposit             Type = "vault.deposit"
	TypeWithdraw            Type = "vault.withdraw"
	TypeSharesWrittenOff    Type = "vault.shares_written_off"
	TypeStrategyAdded       Type = "strategy.added"
	TypeStrategyExited      Type = "strategy.exited"
	TypeStrategySettled     Type = "strategy.settled"
	TypeProfileUpdated      Type = "profile.updated"
	TypeRebalanced          Type = "rebalance.executed"
	TypeRebalanceInfeasible Type = "rebalance.infeasible"
	TypeFeesUpdated         Type = "fees.updated"
	TypeFeesAccrued         Type = "fees.accrued"
	TypeOperatorPerformance Type = "emergency.operator_report"
	TypeEmergencyTriggered  Type = "emergency.triggered"
	TypeEmergencyCleared    Type = "emergency.cleared"
)

// Event is one immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq,omitempty"` // assigned by the Store, newest is largest
	Type      Type           `json:"type"`
	EntityID  string         `json:"entityId,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	OldScore  uint64         `json:"oldScore"`
	NewScore  uint64         `json:"newScore"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is what core components depend on.
type Publisher interface {
	Publish(ctx context.Context, e *Event)
}

type discard struct{}

func (discard) Publish(context.Context, *Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Query filters a Store listing. Zero values match everything.
type Query struct {
	Type      Type
	EntityID  string
	Since     time.Time
	BeforeSeq int64 // only events with Seq < BeforeSeq; 0 disables
	Limit     int
}

// Store persists events for audit. Append assigns e.Seq.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, q Query) ([]*Event, error)
}

func (q Query) matches(e *Event) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if q.BeforeSeq > 0 && e.Seq >= q.BeforeSeq {
		return false
	}
	return true
}

const (
	defaultListLimit = 100
	// MaxListLimit bounds a single page.
	MaxListLimit = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
