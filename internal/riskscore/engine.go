package riskscore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/fault"
	"github.com/mbd888/yieldguard/internal/traces"
)

// Engine stores risk records and computes scores. All mutations are
// serialized under one lock; events are published after the lock is released.
type Engine struct {
	mu         sync.RWMutex
	assets     map[string]*RiskRecord
	validators map[string]*ValidatorRecord
	protocols  map[string]*ProtocolRecord
	weights    WeightSet

	threshold uint64
	access    access.Checker
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a risk scoring engine with default weights.
func NewEngine(checker access.Checker, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Engine{
		assets:     make(map[string]*RiskRecord),
		validators: make(map[string]*ValidatorRecord),
		protocols:  make(map[string]*ProtocolRecord),
		weights:    DefaultWeights,
		threshold:  DefaultEmergencyThreshold,
		access:     checker,
		events:     publisher,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithEmergencyThreshold overrides the breach threshold.
func (e *Engine) WithEmergencyThreshold(t uint64) *Engine {
	e.threshold = t
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// EmergencyThreshold returns the configured breach threshold.
func (e *Engine) EmergencyThreshold() uint64 {
	return e.threshold
}

func (e *Engine) authorize(caller string, role access.Role) error {
	if e.access == nil || !e.access.HasRole(caller, role) {
		return fmt.Errorf("%w: %s required", fault.ErrForbidden, role)
	}
	return nil
}

func normalizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", ErrInvalidEntity
	}
	return id, nil
}

// UpdateAssetRisk replaces an asset's components and recomputes its
// composite score. A breach event is raised when the composite crosses the
// emergency threshold and the asset was not already flagged.
func (e *Engine) UpdateAssetRisk(ctx context.Context, caller, asset string, c Components) (*RiskRecord, error) {
	ctx, span := traces.StartSpan(ctx, "riskscore.UpdateAssetRisk", traces.Caller(caller), traces.Entity(asset))
	defer span.End()

	if err := e.authorize(caller, access.RoleFeedWriter); err != nil {
		observeUpdate("asset", err)
		return nil, err
	}
	asset, err := normalizeID(asset)
	if err != nil {
		observeUpdate("asset", err)
		return nil, err
	}
	if err := c.validate(); err != nil {
		span.SetStatus(codes.Error, "invalid components")
		observeUpdate("asset", err)
		return nil, err
	}

	e.mu.Lock()
	rec, evts := e.applyAssetLocked(asset, c, caller)
	e.mu.Unlock()

	observeUpdate("asset", nil)
	e.publish(ctx, evts)
	return rec, nil
}

// RefreshAssetRisk derives an asset's slashing, liquidity and contract
// components from stored validator and protocol records and applies them
// together with the given market risk.
func (e *Engine) RefreshAssetRisk(ctx context.Context, caller, asset, validator, protocol string, marketRisk uint64) (*RiskRecord, error) {
	ctx, span := traces.StartSpan(ctx, "riskscore.RefreshAssetRisk", traces.Caller(caller), traces.Entity(asset))
	defer span.End()

	if err := e.authorize(caller, access.RoleFeedWriter); err != nil {
		return nil, err
	}
	asset, err := normalizeID(asset)
	if err != nil {
		return nil, err
	}
	validator, _ = normalizeID(validator)
	protocol, _ = normalizeID(protocol)
	if marketRisk > Scale {
		return nil, fmt.Errorf("%w: marketRisk=%d exceeds %d", ErrInvalidComponent, marketRisk, Scale)
	}

	e.mu.Lock()
	c := Components{
		Slashing:  e.slashingRiskLocked(validator),
		Liquidity: e.liquidityRiskLocked(protocol),
		Contract:  e.contractRiskLocked(protocol),
		Market:    marketRisk,
	}
	rec, evts := e.applyAssetLocked(asset, c, caller)
	e.mu.Unlock()

	observeUpdate("asset", nil)
	e.publish(ctx, evts)
	return rec, nil
}

// applyAssetLocked writes components and returns a copy of the new record
// plus the events to publish. Caller holds e.mu.
func (e *Engine) applyAssetLocked(asset string, c Components, actor string) (*RiskRecord, []*events.Event) {
	prev, existed := e.assets[asset]
	var oldScore uint64
	wasFlagged := false
	if existed {
		oldScore = prev.CompositeRisk
		wasFlagged = prev.Flagged
	}

	composite := e.weights.Composite(c)
	rec := &RiskRecord{
		Asset:         asset,
		CompositeRisk: composite,
		SlashingRisk:  c.Slashing,
		LiquidityRisk: c.Liquidity,
		ContractRisk:  c.Contract,
		MarketRisk:    c.Market,
		LastUpdate:    e.now(),
		Valid:         true,
		Flagged:       composite >= e.threshold,
	}
	e.assets[asset] = rec
	compositeGauge.WithLabelValues(asset).Set(float64(composite))

	evts := []*events.Event{{
		Type:     events.TypeAssetRiskUpdated,
		EntityID: asset,
		Actor:    actor,
		OldScore: oldScore,
		NewScore: composite,
		Data: map[string]any{
			"slashingRisk":  c.Slashing,
			"liquidityRisk": c.Liquidity,
			"contractRisk":  c.Contract,
			"marketRisk":    c.Market,
		},
	}}
	if rec.Flagged && !wasFlagged {
		evts = append(evts, e.breachEvent(asset, "asset", actor, oldScore, composite))
	}

	out := *rec
	return &out, evts
}

func (e *Engine) breachEvent(entity, kind, actor string, oldScore, newScore uint64) *events.Event {
	breachesTotal.WithLabelValues(kind).Inc()
	return &events.Event{
		Type:     events.TypeRiskThresholdBreach,
		EntityID: entity,
		Actor:    actor,
		OldScore: oldScore,
		NewScore: newScore,
		Reason:   fmt.Sprintf("%s risk %d reached emergency threshold %d", kind, newScore, e.threshold),
		Data:     map[string]any{"kind": kind, "threshold": e.threshold},
	}
}

// UpdateValidatorMetrics stores a validator update verbatim. A breach event
// is raised when the derived slashing risk crosses the emergency threshold.
func (e *Engine) UpdateValidatorMetrics(ctx context.Context, caller, validator string, m ValidatorMetrics) (*ValidatorRecord, error) {
	ctx, span := traces.StartSpan(ctx, "riskscore.UpdateValidatorMetrics", traces.Caller(caller), traces.Entity(validator))
	defer span.End()

	if err := e.authorize(caller, access.RoleFeedWriter); err != nil {
		observeUpdate("validator", err)
		return nil, err
	}
	validator, err := normalizeID(validator)
	if err != nil {
		observeUpdate("validator", err)
		return nil, err
	}
	if err := m.validate(); err != nil {
		observeUpdate("validator", err)
		return nil, err
	}

	e.mu.Lock()
	oldRisk := e.slashingRiskLocked(validator)
	wasFlagged := false
	if prev, ok := e.validators[validator]; ok {
		wasFlagged = prev.Flagged
	}
	newRisk := SlashingRiskOf(m)
	rec := &ValidatorRecord{
		Validator:        validator,
		ValidatorMetrics: m,
		LastUpdate:       e.now(),
		Flagged:          newRisk >= e.threshold,
	}
	e.validators[validator] = rec
	out := *rec
	e.mu.Unlock()

	observeUpdate("validator", nil)
	evts := []*events.Event{{
		Type:     events.TypeValidatorUpdated,
		EntityID: validator,
		Actor:    caller,
		OldScore: oldRisk,
		NewScore: newRisk,
		Data: map[string]any{
			"performanceScore":     m.PerformanceScore,
			"uptime":               m.Uptime,
			"slashingHistoryCount": m.SlashingHistoryCount,
			"active":               m.Active,
		},
	}}
	if out.Flagged && !wasFlagged {
		evts = append(evts, e.breachEvent(validator, "validator", caller, oldRisk, newRisk))
	}
	e.publish(ctx, evts)
	return &out, nil
}

// UpdateProtocolMetrics stores a protocol update verbatim.
func (e *Engine) UpdateProtocolMetrics(ctx context.Context, caller, protocol string, m ProtocolMetrics) (*ProtocolRecord, error) {
	ctx, span := traces.StartSpan(ctx, "riskscore.UpdateProtocolMetrics", traces.Caller(caller), traces.Entity(protocol))
	defer span.End()

	if err := e.authorize(caller, access.RoleFeedWriter); err != nil {
		observeUpdate("protocol", err)
		return nil, err
	}
	protocol, err := normalizeID(protocol)
	if err != nil {
		observeUpdate("protocol", err)
		return nil, err
	}
	if err := m.validate(); err != nil {
		observeUpdate("protocol", err)
		return nil, err
	}

	e.mu.Lock()
	oldLiquidity := e.liquidityRiskLocked(protocol)
	rec := &ProtocolRecord{Protocol: protocol, ProtocolMetrics: m, LastUpdate: e.now()}
	e.protocols[protocol] = rec
	out := *rec
	e.mu.Unlock()

	observeUpdate("protocol", nil)
	e.publish(ctx, []*events.Event{{
		Type:     events.TypeProtocolUpdated,
		EntityID: protocol,
		Actor:    caller,
		OldScore: oldLiquidity,
		NewScore: LiquidityRiskOf(m),
		Data: map[string]any{
			"liquidityRisk": LiquidityRiskOf(m),
			"contractRisk":  ContractRiskOf(m),
			"utilization":   m.Utilization,
		},
	}})
	return &out, nil
}

// SetWeights atomically replaces the weight set and recomputes every
// composite score under the new weights.
func (e *Engine) SetWeights(ctx context.Context, caller string, w WeightSet) error {
	if err := e.authorize(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	old := e.weights
	e.weights = w
	evts := []*events.Event{{
		Type:  events.TypeWeightsUpdated,
		Actor: caller,
		Data: map[string]any{
			"old": old,
			"new": w,
		},
	}}
	for asset, rec := range e.assets {
		if !rec.Valid {
			continue
		}
		oldScore := rec.CompositeRisk
		wasFlagged := rec.Flagged
		rec.CompositeRisk = w.Composite(rec.components())
		rec.Flagged = rec.CompositeRisk >= e.threshold
		compositeGauge.WithLabelValues(asset).Set(float64(rec.CompositeRisk))
		if rec.Flagged && !wasFlagged {
			evts = append(evts, e.breachEvent(asset, "asset", caller, oldScore, rec.CompositeRisk))
		}
	}
	e.mu.Unlock()

	e.logger.Info("risk weights updated", "caller", caller, "weights", w)
	e.publish(ctx, evts)
	return nil
}

// Weights returns the current weight set.
func (e *Engine) Weights() WeightSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// RiskScore returns the asset's composite score, 0 for unknown assets.
func (e *Engine) RiskScore(asset string) uint64 {
	asset, _ = normalizeID(asset)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.assets[asset]; ok {
		return rec.CompositeRisk
	}
	return 0
}

// RiskMetrics returns a copy of the asset's record. Unknown assets yield a
// record with Valid=false.
func (e *Engine) RiskMetrics(asset string) RiskRecord {
	asset, _ = normalizeID(asset)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.assets[asset]; ok {
		return *rec
	}
	return RiskRecord{Asset: asset}
}

// Validator returns a copy of the validator record.
func (e *Engine) Validator(id string) (ValidatorRecord, bool) {
	id, _ = normalizeID(id)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.validators[id]; ok {
		return *rec, true
	}
	return ValidatorRecord{}, false
}

// Protocol returns a copy of the protocol record.
func (e *Engine) Protocol(id string) (ProtocolRecord, bool) {
	id, _ = normalizeID(id)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.protocols[id]; ok {
		return *rec, true
	}
	return ProtocolRecord{}, false
}

// SlashingRisk returns the validator's derived slashing risk. Unknown
// validators carry maximal risk.
func (e *Engine) SlashingRisk(validator string) uint64 {
	validator, _ = normalizeID(validator)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slashingRiskLocked(validator)
}

// LiquidityRisk returns the protocol's derived liquidity risk.
func (e *Engine) LiquidityRisk(protocol string) uint64 {
	protocol, _ = normalizeID(protocol)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liquidityRiskLocked(protocol)
}

// ContractRisk returns the protocol's derived contract risk.
func (e *Engine) ContractRisk(protocol string) uint64 {
	protocol, _ = normalizeID(protocol)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contractRiskLocked(protocol)
}

func (e *Engine) slashingRiskLocked(validator string) uint64 {
	rec, ok := e.validators[validator]
	if !ok {
		return Scale
	}
	return SlashingRiskOf(rec.ValidatorMetrics)
}

func (e *Engine) liquidityRiskLocked(protocol string) uint64 {
	rec, ok := e.protocols[protocol]
	if !ok {
		return Scale
	}
	return LiquidityRiskOf(rec.ProtocolMetrics)
}

func (e *Engine) contractRiskLocked(protocol string) uint64 {
	rec, ok := e.protocols[protocol]
	if !ok {
		return Scale
	}
	return ContractRiskOf(rec.ProtocolMetrics)
}

// IsStale reports whether the asset's data is older than threshold. Assets
// that were never updated are stale.
func (e *Engine) IsStale(asset string, threshold time.Duration) bool {
	asset, _ = normalizeID(asset)
	e.mu.RLock()
	rec, ok := e.assets[asset]
	var last time.Time
	valid := false
	if ok {
		last, valid = rec.LastUpdate, rec.Valid
	}
	e.mu.RUnlock()
	if !valid {
		return true
	}
	return e.now().Sub(last) > threshold
}

// Age returns how long ago the asset was last updated, and false for unknown
// assets.
func (e *Engine) Age(asset string) (time.Duration, bool) {
	asset, _ = normalizeID(asset)
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.assets[asset]
	if !ok {
		return 0, false
	}
	return e.now().Sub(rec.LastUpdate), true
}

// StaleAssets lists known assets older than threshold, sorted.
func (e *Engine) StaleAssets(threshold time.Duration) []string {
	now := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	var stale []string
	for asset, rec := range e.assets {
		if now.Sub(rec.LastUpdate) > threshold {
			stale = append(stale, asset)
		}
	}
	sort.Strings(stale)
	return stale
}

// Assets lists every known asset, sorted.
func (e *Engine) Assets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.assets))
	for asset := range e.assets {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) publish(ctx context.Context, evts []*events.Event) {
	for _, ev := range evts {
		if ev.Type == events.TypeRiskThresholdBreach {
			e.logger.Warn("risk threshold breached",
				"entity", ev.EntityID, "old_score", ev.OldScore, "new_score", ev.NewScore)
		}
		e.events.Publish(ctx, ev)
	}
}
