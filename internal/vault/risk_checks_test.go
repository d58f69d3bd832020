package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/riskscore"
)

func uniform(bps uint64) riskscore.Components {
	return riskscore.Components{Slashing: bps, Liquidity: bps, Contract: bps, Market: bps}
}

// After a halt is cleared, the underlying is still flagged in the engine and
// raises no new breach event; the vault must not take on a strategy there.
func TestEmergency_ClearedVaultStaysGuarded(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(events.NewMemoryStore(), nil)
	acl := testACL()
	engine := riskscore.NewEngine(acl, bus).WithEmergencyThreshold(9000)
	v, err := New(Config{EmergencyThreshold: 9000}, engine, acl, bus)
	require.NoError(t, err)
	bus.Subscribe("vault", v.ObserveRisk, RiskEventTypes...)

	params := StrategyParams{Handle: "s", Underlying: "steth", AllocationBps: 5000, RiskScore: 40}
	_, err = v.AddStrategy(ctx, allocator, params)
	require.NoError(t, err)
	mustDeposit(t, v, alice, 1000)

	_, err = engine.UpdateAssetRisk(ctx, feeder, "steth", uniform(9200))
	require.NoError(t, err)
	require.True(t, v.Emergency().Halted())

	_, err = v.ClearEmergency(ctx, guardian)
	require.NoError(t, err)

	_, err = v.AddStrategy(ctx, allocator, params)
	require.ErrorIs(t, err, ErrUnderlyingAtRisk)
	assert.Empty(t, v.ActiveStrategies())

	// Recovers, is re-added, then breaches again.
	_, err = engine.UpdateAssetRisk(ctx, feeder, "steth", uniform(5000))
	require.NoError(t, err)
	_, err = v.AddStrategy(ctx, allocator, params)
	require.NoError(t, err)
	_, err = engine.UpdateAssetRisk(ctx, feeder, "steth", uniform(9900))
	require.NoError(t, err)
	assert.True(t, v.Emergency().Halted())
	assert.Equal(t, uint64(9900), v.EmergencyStatus().TriggerScore)

	_, err = v.Withdraw(ctx, alice, n(100), alice, alice)
	assert.NoError(t, err)
	assert.True(t, v.Emergency().Halted())
}

// A plain score update on a monitored entity halts the vault even when the
// engine raises no breach event for it.
func TestObserveRisk_LevelTriggered(t *testing.T) {
	v, rec, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	_, err := v.AddStrategy(ctx, allocator, StrategyParams{Handle: "s", Underlying: "steth", AllocationBps: 5000, RiskScore: 40})
	require.NoError(t, err)

	v.ObserveRisk(ctx, &events.Event{Type: events.TypeWeightsUpdated, EntityID: "steth", NewScore: 9900})
	assert.False(t, v.Emergency().Halted(), "unrelated event types are ignored")

	v.ObserveRisk(ctx, &events.Event{Type: events.TypeAssetRiskUpdated, EntityID: "steth", NewScore: 8999})
	assert.False(t, v.Emergency().Halted())

	v.ObserveRisk(ctx, &events.Event{Type: events.TypeAssetRiskUpdated, EntityID: "steth", NewScore: 9000})
	assert.True(t, v.Emergency().Halted())
	assert.Equal(t, "steth", v.EmergencyStatus().Source)
	assert.Equal(t, 1, rec.count(events.TypeEmergencyTriggered))
}

func TestAddStrategy_UnderlyingAlreadyBreached(t *testing.T) {
	risk := staticRisk{"steth": 9000, "reth": 8999}
	v, _, _ := newTestVault(t, Config{}, risk)
	ctx := context.Background()

	_, err := v.AddStrategy(ctx, allocator, StrategyParams{Handle: "a", Underlying: "stETH", AllocationBps: 1000, RiskScore: 10})
	assert.ErrorIs(t, err, ErrUnderlyingAtRisk)

	_, err = v.AddStrategy(ctx, allocator, StrategyParams{Handle: "b", Underlying: "rETH", AllocationBps: 1000, RiskScore: 10})
	assert.NoError(t, err)
	assert.False(t, v.Emergency().Halted(), "rejecting a strategy does not halt the vault")
}

func TestAddStrategy_YieldBound(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()

	_, err := v.AddStrategy(ctx, allocator, StrategyParams{Handle: "a", ExpectedYieldBps: MaxExpectedYieldBps + 1})
	assert.ErrorIs(t, err, ErrYieldTooHigh)

	_, err = v.AddStrategy(ctx, allocator, StrategyParams{Handle: "a", ExpectedYieldBps: MaxExpectedYieldBps})
	assert.NoError(t, err)
}

// Withdrawals read current scores too: a breach halts the vault and the
// withdrawal is still paid.
func TestWithdraw_RiskCheckHaltsAndPays(t *testing.T) {
	risk := staticRisk{"steth": 4000}
	v, rec, _ := newTestVault(t, Config{}, risk)
	ctx := context.Background()
	_, err := v.AddStrategy(ctx, allocator, StrategyParams{Handle: "s", Underlying: "steth", AllocationBps: 5000, RiskScore: 40})
	require.NoError(t, err)
	mustDeposit(t, v, alice, 1000)
	require.Equal(t, int64(500), position(t, v, "s"))

	risk["steth"] = 9500
	rec.events = nil
	burned, err := v.Withdraw(ctx, alice, n(400), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(400), burned.Int64())

	assert.True(t, v.Emergency().Halted())
	assert.Equal(t, uint64(9500), v.EmergencyStatus().TriggerScore)
	assert.Empty(t, v.ActiveStrategies())
	assert.Equal(t, int64(600), v.Status().Idle.Int64())

	require.NotEmpty(t, rec.events)
	assert.Equal(t, events.TypeEmergencyTriggered, rec.events[0].Type)
	assert.Equal(t, events.TypeWithdraw, rec.events[len(rec.events)-1].Type)

	_, err = v.Redeem(ctx, alice, n(100), alice, alice)
	assert.NoError(t, err)
	assert.Equal(t, 1, rec.count(events.TypeEmergencyTriggered))
	assertInvariants(t, v)
}

func TestRedeem_RiskCheckHalts(t *testing.T) {
	risk := staticRisk{"steth": 4000}
	v, _, _ := newTestVault(t, Config{}, risk)
	ctx := context.Background()
	_, err := v.AddStrategy(ctx, allocator, StrategyParams{Handle: "s", Underlying: "steth", AllocationBps: 5000, RiskScore: 40})
	require.NoError(t, err)
	mustDeposit(t, v, alice, 1000)

	risk["steth"] = 9000
	assets, err := v.Redeem(ctx, alice, n(250), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(250), assets.Int64())
	assert.True(t, v.Emergency().Halted())
}

func TestUpdateRiskProfile_RiskCheckBeforeRebalance(t *testing.T) {
	risk := staticRisk{"a": 1000, "b": 1000}
	v, rec, _ := newTestVault(t, Config{}, risk)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 40, 500)
	mustAdd(t, v, "b", 5000, 80, 1500)

	risk["b"] = 9600
	p, result, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err)
	assert.True(t, v.Emergency().Halted())
	assert.Equal(t, "b", v.EmergencyStatus().Source)
	assert.Nil(t, result, "nothing is left to rebalance once every strategy exited")
	assert.Nil(t, p.LastRebalance)
	assert.Equal(t, 1, rec.count(events.TypeProfileUpdated))
	assert.Zero(t, rec.count(events.TypeRebalanced))
}

func TestExecuteAutoRebalance_RiskCheck(t *testing.T) {
	risk := staticRisk{"a": 1000, "b": 1000}
	v, _, _ := newTestVault(t, Config{}, risk)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 40, 500)
	mustAdd(t, v, "b", 5000, 100, 1500)
	_, result, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err)
	require.True(t, result.Feasible)

	risk["a"] = 9100
	result, err = v.ExecuteAutoRebalance(ctx, riskMgr, alice)
	require.NoError(t, err)
	assert.True(t, v.Emergency().Halted())
	assert.Equal(t, "a", v.EmergencyStatus().Source)
	assert.False(t, result.Executed)
	assert.Zero(t, result.RiskBefore)
}

func TestDeposit_PortfolioRiskHalts(t *testing.T) {
	v, rec, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 100, 900)
	mustAdd(t, v, "b", 4000, 80, 700)
	require.Equal(t, uint64(91), v.PortfolioRiskScore())

	_, err := v.Deposit(ctx, alice, n(1000), alice)
	require.ErrorIs(t, err, ErrHalted)
	st := v.EmergencyStatus()
	assert.Equal(t, PortfolioSource, st.Source)
	assert.Equal(t, uint64(9111), st.TriggerScore)
	assert.Empty(t, v.ActiveStrategies())
	assert.Equal(t, 1, rec.count(events.TypeEmergencyTriggered))
}

func TestDeposit_PortfolioRiskBelowThreshold(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	mustAdd(t, v, "a", 5000, 100, 900)
	mustAdd(t, v, "b", 5000, 79, 700)

	mustDeposit(t, v, alice, 1000)
	assert.False(t, v.Emergency().Halted(), "89.5 stays under 90")
}

// Exposure just over the limit is not hidden by rounding the weighted
// average down.
func TestUpdateRiskProfile_FractionalExposure(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 50, 300)
	mustAdd(t, v, "b", 5000, 51, 400)
	require.Equal(t, uint64(50), v.PortfolioRiskScore())

	_, result, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Feasible)
	assert.Equal(t, []Target{{"a", Scale}}, result.Targets)
	assert.Equal(t, uint64(50), v.EffectiveRisk(alice))

	result, err = v.ExecuteAutoRebalance(ctx, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "within tolerance", result.Reason)
}

// Once settlement marks the pool to zero, the leftover shares are written
// off and the vault accepts capital again at 1:1.
func TestDeposit_AfterTotalLoss(t *testing.T) {
	v, rec, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "a", Scale, 20, 300)
	mustDeposit(t, v, alice, 1000)

	_, err := v.SettleStrategy(ctx, allocator, "a", n(0))
	require.NoError(t, err)
	require.Zero(t, v.TotalAssets().Sign())
	assert.Equal(t, int64(100), v.ConvertToShares(n(100)).Int64())

	shares := mustDeposit(t, v, bob, 500)
	assert.Equal(t, int64(500), shares.Int64())
	assert.Zero(t, v.BalanceOf(alice).Sign())
	assert.Equal(t, int64(500), v.TotalShares().Int64())
	assert.Equal(t, 1, rec.count(events.TypeSharesWrittenOff))
	assertInvariants(t, v)

	assets, err := v.Redeem(ctx, bob, n(500), bob, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(500), assets.Int64())
}
