package vault

import (
	"context"
	"fmt"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/traces"
)

// RiskProfile returns user's profile, or the defaults if none was written.
func (v *Vault) RiskProfile(user string) Profile {
	user = normalize(user)
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.profiles[user]; ok {
		return p.clone()
	}
	return defaultProfile(user)
}

// EffectiveRisk is the risk user is exposed to: the weighted risk of their
// rebalanced targets while every target is still active, otherwise the
// portfolio risk.
func (v *Vault) EffectiveRisk(user string) uint64 {
	user = normalize(user)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.effectiveRiskLocked(v.profiles[user])
}

func (v *Vault) effectiveRiskLocked(p *Profile) uint64 {
	sum, weights := v.exposureLocked(p)
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// exposureLocked returns the unreduced Σ weight×risk and Σ weight behind
// effectiveRiskLocked.
func (v *Vault) exposureLocked(p *Profile) (sum, weights uint64) {
	if p != nil {
		sum, weights, ok := weightedRiskSums(p.Targets, func(handle string) (uint64, bool) {
			s, ok := v.active[handle]
			if !ok {
				return 0, false
			}
			return s.RiskScore, true
		})
		if ok {
			return sum, weights
		}
	}
	return v.portfolioSumsLocked()
}

// overLimitLocked compares exposure to p's limit without rounding the
// weighted average.
func (v *Vault) overLimitLocked(p *Profile) bool {
	sum, weights := v.exposureLocked(p)
	return weights > 0 && sum > p.MaxRiskScore*weights
}

// UpdateRiskProfile upserts the caller's profile. When auto-rebalance is on
// and the caller's effective risk exceeds the new limit, a rebalance runs
// immediately and its result is returned; an infeasible rebalance is
// reported in the result, not as an error.
func (v *Vault) UpdateRiskProfile(ctx context.Context, caller string, u ProfileUpdate) (*Profile, *RebalanceResult, error) {
	ctx, span := traces.StartSpan(ctx, "vault.UpdateRiskProfile", traces.Caller(caller))
	defer span.End()

	user := normalize(caller)
	if user == "" {
		return nil, nil, ErrInvalidAddress
	}
	if u.MaxRiskScore > MaxStrategyRisk {
		return nil, nil, fmt.Errorf("%w: %d exceeds %d", ErrInvalidRiskScore, u.MaxRiskScore, MaxStrategyRisk)
	}

	v.mu.Lock()
	p, ok := v.profiles[user]
	if !ok {
		np := defaultProfile(user)
		p = &np
		v.profiles[user] = p
	}
	p.MaxRiskScore = u.MaxRiskScore
	p.PreferredYieldBps = u.PreferredYieldBps
	p.AutoRebalance = u.AutoRebalance
	p.UpdatedAt = v.now()

	evts := []*events.Event{{
		Type:     events.TypeProfileUpdated,
		EntityID: user,
		Actor:    user,
		NewScore: u.MaxRiskScore,
		Data: map[string]any{
			"autoRebalance":     u.AutoRebalance,
			"preferredYieldBps": u.PreferredYieldBps,
		},
	}}

	// Current scores are read before deciding; a breach unwinds every
	// strategy first.
	trip, _ := v.checkRiskLocked()
	evts = append(trip, evts...)

	var result *RebalanceResult
	if p.AutoRebalance && v.overLimitLocked(p) {
		var rebalanceEvts []*events.Event
		result, rebalanceEvts = v.rebalanceLocked(p, user)
		evts = append(evts, rebalanceEvts...)
	}
	out := p.clone()
	v.mu.Unlock()

	v.publish(ctx, evts)
	return &out, result, nil
}

// ExecuteAutoRebalance rebalances user's target allocation. Callable by the
// user or a risk manager. It is a no-op when the user has not opted in or is
// already within their limit. ErrRebalanceInfeasible is returned together
// with a result when no allocation satisfies the limit.
func (v *Vault) ExecuteAutoRebalance(ctx context.Context, caller, user string) (*RebalanceResult, error) {
	ctx, span := traces.StartSpan(ctx, "vault.ExecuteAutoRebalance", traces.Caller(caller), traces.Entity(user))
	defer span.End()

	user = normalize(user)
	if user == "" || normalize(caller) != user {
		if err := v.require(caller, access.RoleRiskManager); err != nil {
			return nil, err
		}
	}
	if user == "" {
		return nil, ErrInvalidAddress
	}

	v.mu.Lock()
	p, ok := v.profiles[user]
	if !ok || !p.AutoRebalance {
		v.mu.Unlock()
		maxRisk := DefaultMaxRiskScore
		if ok {
			maxRisk = p.MaxRiskScore
		}
		return &RebalanceResult{User: user, Feasible: true, MaxRiskScore: maxRisk, Reason: "auto-rebalance not enabled", At: v.now()}, nil
	}
	trip, _ := v.checkRiskLocked()
	if !v.overLimitLocked(p) {
		risk := v.effectiveRiskLocked(p)
		v.mu.Unlock()
		v.publish(ctx, trip)
		return &RebalanceResult{
			User:         user,
			Feasible:     true,
			MaxRiskScore: p.MaxRiskScore,
			RiskBefore:   risk,
			RiskAfter:    risk,
			Reason:       "within tolerance",
			At:           v.now(),
		}, nil
	}
	result, evts := v.rebalanceLocked(p, normalize(caller))
	v.mu.Unlock()

	v.publish(ctx, append(trip, evts...))
	if !result.Feasible {
		return result, fmt.Errorf("%w: %s", ErrRebalanceInfeasible, result.Reason)
	}
	return result, nil
}

// rebalanceLocked computes and stores a new target allocation for p. The
// attempt timestamp is recorded whether or not a feasible allocation exists.
// Caller holds v.mu.
func (v *Vault) rebalanceLocked(p *Profile, actor string) (*RebalanceResult, []*events.Event) {
	now := v.now()
	p.LastRebalance = &now
	result := &RebalanceResult{
		User:         p.User,
		Executed:     true,
		MaxRiskScore: p.MaxRiskScore,
		RiskBefore:   v.effectiveRiskLocked(p),
		At:           now,
	}

	var cands []candidate
	for _, s := range v.activeSortedLocked() {
		if s.AllocationBps == 0 {
			continue
		}
		cands = append(cands, candidate{handle: s.Handle, risk: s.RiskScore, yield: s.ExpectedYieldBps})
	}

	best, ok := optimize(cands, p.MaxRiskScore)
	if !ok {
		result.Reason = infeasibleReason(cands, p.MaxRiskScore)
		result.RiskAfter = result.RiskBefore
		rebalancesTotal.WithLabelValues("infeasible").Inc()
		v.logger.Warn("rebalance infeasible", "user", p.User, "max_risk", p.MaxRiskScore, "reason", result.Reason)
		return result, []*events.Event{{
			Type:     events.TypeRebalanceInfeasible,
			EntityID: p.User,
			Actor:    actor,
			OldScore: result.RiskBefore,
			NewScore: result.RiskBefore,
			Reason:   result.Reason,
			Data:     map[string]any{"maxRiskScore": p.MaxRiskScore},
		}}
	}

	p.Targets = best.targets
	result.Feasible = true
	result.RiskAfter = best.risk
	result.ExpectedYieldBps = best.yield
	result.Targets = append([]Target(nil), best.targets...)
	rebalancesTotal.WithLabelValues("ok").Inc()

	data := map[string]any{"expectedYieldBps": best.yield, "maxRiskScore": p.MaxRiskScore}
	for _, t := range best.targets {
		data["target."+t.Handle] = t.WeightBps
	}
	return result, []*events.Event{{
		Type:     events.TypeRebalanced,
		EntityID: p.User,
		Actor:    actor,
		OldScore: result.RiskBefore,
		NewScore: result.RiskAfter,
		Data:     data,
	}}
}

func infeasibleReason(cands []candidate, limit uint64) string {
	if len(cands) == 0 {
		return "no active strategies with allocation"
	}
	lowest := cands[0].risk
	for _, c := range cands[1:] {
		lowest = min(lowest, c.risk)
	}
	return fmt.Sprintf("lowest strategy risk %d exceeds limit %d", lowest, limit)
}
