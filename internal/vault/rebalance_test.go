package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/fault"
)

func TestOptimize(t *testing.T) {
	tests := []struct {
		name    string
		cands   []candidate
		limit   uint64
		want    []Target
		wantOK  bool
		maxRisk uint64
	}{
		{
			name:   "no candidates",
			limit:  50,
			wantOK: false,
		},
		{
			name:   "everything too risky",
			cands:  []candidate{{"a", 60, 100}, {"b", 90, 900}},
			limit:  50,
			wantOK: false,
		},
		{
			name:   "best single within limit",
			cands:  []candidate{{"a", 10, 300}, {"b", 20, 500}},
			limit:  30,
			want:   []Target{{"b", Scale}},
			wantOK: true,
		},
		{
			name:   "pair straddling the limit",
			cands:  []candidate{{"b", 100, 1500}, {"a", 40, 500}},
			limit:  50,
			want:   []Target{{"a", 8334}, {"b", 1666}},
			wantOK: true,
		},
		{
			name:   "equal yield prefers lower risk",
			cands:  []candidate{{"b", 20, 500}, {"a", 10, 500}},
			limit:  30,
			want:   []Target{{"a", Scale}},
			wantOK: true,
		},
		{
			name:   "low leg already at the limit",
			cands:  []candidate{{"a", 50, 100}, {"b", 90, 900}},
			limit:  50,
			want:   []Target{{"a", Scale}},
			wantOK: true,
		},
		{
			name:   "riskier leg with lower yield is ignored",
			cands:  []candidate{{"a", 10, 800}, {"b", 90, 200}},
			limit:  50,
			want:   []Target{{"a", Scale}},
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := optimize(tt.cands, tt.limit)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, got.targets)
			assert.LessOrEqual(t, got.wrisk, tt.limit*Scale)
			var sum uint64
			for _, tg := range got.targets {
				sum += tg.WeightBps
			}
			assert.Equal(t, Scale, sum)
		})
	}
}

func TestWeightedRisk(t *testing.T) {
	risks := map[string]uint64{"a": 40, "b": 100}
	lookup := func(h string) (uint64, bool) { r, ok := risks[h]; return r, ok }

	r, ok := weightedRisk([]Target{{"a", 8334}, {"b", 1666}}, lookup)
	require.True(t, ok)
	assert.Equal(t, uint64(49), r)

	_, ok = weightedRisk([]Target{{"a", 5000}, {"gone", 5000}}, lookup)
	assert.False(t, ok)

	_, ok = weightedRisk(nil, lookup)
	assert.False(t, ok)
}

func TestRiskProfile_Defaults(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	p := v.RiskProfile("0xNEW")
	assert.Equal(t, "0xnew", p.User)
	assert.Equal(t, DefaultMaxRiskScore, p.MaxRiskScore)
	assert.False(t, p.AutoRebalance)
	assert.Nil(t, p.LastRebalance)
}

func TestUpdateRiskProfile_Validation(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()

	_, _, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 101})
	assert.ErrorIs(t, err, ErrInvalidRiskScore)

	_, _, err = v.UpdateRiskProfile(ctx, "", ProfileUpdate{MaxRiskScore: 10})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	p, result, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 100, PreferredYieldBps: 700})
	require.NoError(t, err)
	assert.Nil(t, result, "no rebalance without opt-in")
	assert.Equal(t, uint64(100), p.MaxRiskScore)
	assert.Equal(t, uint64(700), v.RiskProfile(alice).PreferredYieldBps)
}

// Opting in while above the limit rebalances immediately.
func TestUpdateRiskProfile_ImmediateRebalance(t *testing.T) {
	v, rec, clock := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 40, 500)
	mustAdd(t, v, "b", 5000, 100, 1500)
	require.Equal(t, uint64(70), v.PortfolioRiskScore())

	p, result, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Executed)
	assert.True(t, result.Feasible)
	assert.Equal(t, uint64(70), result.RiskBefore)
	assert.Equal(t, uint64(49), result.RiskAfter)
	assert.Equal(t, uint64(666), result.ExpectedYieldBps)
	assert.Equal(t, []Target{{"a", 8334}, {"b", 1666}}, result.Targets)

	require.NotNil(t, p.LastRebalance)
	assert.Equal(t, clock.Now(), *p.LastRebalance)
	assert.Equal(t, uint64(49), v.EffectiveRisk(alice))
	assert.Equal(t, uint64(70), v.PortfolioRiskScore(), "portfolio allocation is unchanged")
	assert.Equal(t, 1, rec.count(events.TypeRebalanced))

	// Now within tolerance: explicit calls are no-ops.
	clock.Advance(time.Hour)
	result, err = v.ExecuteAutoRebalance(ctx, alice, alice)
	require.NoError(t, err)
	assert.False(t, result.Executed)
	assert.Equal(t, "within tolerance", result.Reason)
	assert.Equal(t, clock.Now().Add(-time.Hour), *v.RiskProfile(alice).LastRebalance)
}

func TestRebalance_TargetsInvalidatedByExit(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "a", 5000, 40, 500)
	mustAdd(t, v, "b", 5000, 100, 1500)
	_, _, err := v.UpdateRiskProfile(ctx, alice, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err)

	_, err = v.RemoveStrategy(ctx, allocator, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v.EffectiveRisk(alice), "falls back to portfolio risk")
}

func TestRebalance_Infeasible(t *testing.T) {
	v, rec, clock := newTestVault(t, Config{}, nil)
	ctx := context.Background()
	mustAdd(t, v, "b", 5000, 80, 1500)

	p, result, err := v.UpdateRiskProfile(ctx, bob, ProfileUpdate{MaxRiskScore: 50, AutoRebalance: true})
	require.NoError(t, err, "profile is saved even when no allocation fits")
	require.NotNil(t, result)
	assert.False(t, result.Feasible)
	assert.Contains(t, result.Reason, "exceeds limit 50")
	assert.Equal(t, clock.Now(), *p.LastRebalance, "the attempt is recorded")

	result, err = v.ExecuteAutoRebalance(ctx, riskMgr, bob)
	require.ErrorIs(t, err, ErrRebalanceInfeasible)
	assert.Equal(t, fault.KindState, fault.KindOf(err))
	require.NotNil(t, result)
	assert.False(t, result.Feasible)
	assert.Equal(t, 2, rec.count(events.TypeRebalanceInfeasible))
}

func TestExecuteAutoRebalance_Permissions(t *testing.T) {
	v, _, _ := newTestVault(t, Config{}, nil)
	ctx := context.Background()

	_, err := v.ExecuteAutoRebalance(ctx, alice, bob)
	assert.ErrorIs(t, err, fault.ErrForbidden)

	result, err := v.ExecuteAutoRebalance(ctx, riskMgr, bob)
	require.NoError(t, err)
	assert.False(t, result.Executed)
	assert.Equal(t, "auto-rebalance not enabled", result.Reason)

	_, err = v.ExecuteAutoRebalance(ctx, riskMgr, "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
