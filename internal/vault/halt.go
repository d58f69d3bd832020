package vault

import (
	"context"
	"fmt"
	"slices"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/emergency"
	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/traces"
)

// PortfolioSource is the emergency source recorded when the weighted
// portfolio risk, rather than a single entity, breaches the threshold.
const PortfolioSource = "portfolio"

// RiskEventTypes are the engine events ObserveRisk acts on. Each carries the
// entity's current risk in bps as NewScore.
var RiskEventTypes = []events.Type{
	events.TypeAssetRiskUpdated,
	events.TypeValidatorUpdated,
	events.TypeRiskThresholdBreach,
}

// tripLocked halts the vault and exits every active strategy. source is the
// entity (or caller) responsible; actor is the caller, empty for automatic
// triggers. Caller holds v.mu.
func (v *Vault) tripLocked(reason string, score uint64, source, actor string) ([]*events.Event, error) {
	st, err := v.emergency.Trip(reason, score, source)
	if err != nil {
		return nil, err
	}
	var evts []*events.Event
	for _, s := range v.activeSortedLocked() {
		evts = append(evts, v.exitLocked(s, actor, "emergency: "+reason))
	}
	v.observeLocked()
	emergencyTriggers.WithLabelValues(triggerKind(actor)).Inc()

	v.logger.Warn("emergency triggered",
		"reason", reason, "score", score, "source", st.Source, "strategies_exited", len(evts))

	// The halt record goes first so subscribers see the cause before the exits.
	trig := &events.Event{
		Type:     events.TypeEmergencyTriggered,
		EntityID: st.Source,
		Actor:    actor,
		NewScore: score,
		Reason:   reason,
		Data:     map[string]any{"strategiesExited": len(evts), "threshold": v.emergency.Threshold()},
	}
	return append([]*events.Event{trig}, evts...), nil
}

func triggerKind(actor string) string {
	if actor == "" {
		return "automatic"
	}
	return "manual"
}

// TriggerEmergency halts the vault by hand. A non-empty reason is required.
func (v *Vault) TriggerEmergency(ctx context.Context, caller, reason string) (emergency.Status, error) {
	ctx, span := traces.StartSpan(ctx, "vault.TriggerEmergency", traces.Caller(caller))
	defer span.End()

	if err := v.require(caller, access.RoleEmergency); err != nil {
		return emergency.Status{}, err
	}
	v.mu.Lock()
	evts, err := v.tripLocked(reason, 0, caller, normalize(caller))
	st := v.emergency.Status()
	v.mu.Unlock()
	if err != nil {
		return st, err
	}
	v.publish(ctx, evts)
	return st, nil
}

// ClearEmergency returns the vault to Active. Exited strategies stay exited;
// allocators re-add them explicitly.
func (v *Vault) ClearEmergency(ctx context.Context, caller string) (emergency.Status, error) {
	if err := v.require(caller, access.RoleEmergency); err != nil {
		return emergency.Status{}, err
	}
	v.mu.Lock()
	st, err := v.emergency.Clear()
	v.mu.Unlock()
	if err != nil {
		return st, err
	}

	v.logger.Info("emergency cleared", "caller", normalize(caller))
	v.publish(ctx, []*events.Event{{
		Type:     events.TypeEmergencyCleared,
		EntityID: st.Source,
		Actor:    normalize(caller),
		OldScore: st.TriggerScore,
		Reason:   st.Reason,
	}})
	return st, nil
}

// EmergencyStatus returns the controller snapshot.
func (v *Vault) EmergencyStatus() emergency.Status {
	return v.emergency.Status()
}

// ReportOperatorPerformance records a risk reading (bps) for a monitored
// entity. If the entity underlies an active strategy and the reading reaches
// the threshold, the vault halts. Reports true when this call halted it.
func (v *Vault) ReportOperatorPerformance(ctx context.Context, caller, entity string, riskBps uint64) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "vault.ReportOperatorPerformance", traces.Caller(caller), traces.Entity(entity), traces.Score(riskBps))
	defer span.End()

	if err := v.require(caller, access.RoleFeedWriter, access.RoleRiskManager); err != nil {
		return false, err
	}
	entity = normalize(entity)
	if entity == "" {
		return false, ErrInvalidAddress
	}
	if riskBps > Scale {
		return false, fmt.Errorf("%w: %d exceeds %d", ErrInvalidRiskScore, riskBps, Scale)
	}

	v.mu.Lock()
	evts := []*events.Event{{
		Type:     events.TypeOperatorPerformance,
		EntityID: entity,
		Actor:    normalize(caller),
		NewScore: riskBps,
	}}
	trip := v.breachEventsLocked(entity, riskBps)
	v.mu.Unlock()

	v.publish(ctx, append(evts, trip...))
	return len(trip) > 0, nil
}

// ObserveRisk is an events.HandlerFunc for RiskEventTypes. Every reading is
// checked against the vault's own threshold and strategies, so a score that
// stays above the threshold still halts a vault that was cleared since.
func (v *Vault) ObserveRisk(ctx context.Context, e *events.Event) {
	if !slices.Contains(RiskEventTypes, e.Type) {
		return
	}
	v.mu.Lock()
	evts := v.breachEventsLocked(normalize(e.EntityID), e.NewScore)
	v.mu.Unlock()
	v.publish(ctx, evts)
}

// breachEventsLocked trips the vault when score breaches and entity underlies
// an active strategy. Returns the resulting events, nil when nothing tripped.
func (v *Vault) breachEventsLocked(entity string, score uint64) []*events.Event {
	if !v.emergency.Breached(score) || v.emergency.Halted() {
		return nil
	}
	monitored := false
	for _, s := range v.active {
		if s.Underlying == entity || s.Handle == entity {
			monitored = true
			break
		}
	}
	if !monitored {
		return nil
	}
	reason := fmt.Sprintf("%s risk %d at or above threshold %d", entity, score, v.emergency.Threshold())
	evts, err := v.tripLocked(reason, score, entity, "")
	if err != nil {
		return nil
	}
	return evts
}
