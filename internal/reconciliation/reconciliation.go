// Package reconciliation periodically audits vault accounting and the
// freshness of the risk data backing live strategies.
package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/yieldguard/internal/vault"
)

// VaultSource is the part of the vault a run inspects.
type VaultSource interface {
	CheckInvariants() vault.InvariantReport
	Status() vault.Status
	Underlyings() []string
}

// StalenessSource answers whether an entity's risk data is stale.
type StalenessSource interface {
	IsStale(asset string, threshold time.Duration) bool
}

// Report is the outcome of one reconciliation run.
type Report struct {
	SharesMatch      bool          `json:"sharesMatch"`
	BalanceSum       string        `json:"balanceSum"`
	TotalShares      string        `json:"totalShares"`
	AllocatedBps     uint64        `json:"allocatedBps"`
	AllocationOK     bool          `json:"allocationOk"`
	InactiveFunds    bool          `json:"inactiveFunds"`
	HaltedWithActive bool          `json:"haltedWithActive"`
	StaleUnderlyings []string      `json:"staleUnderlyings"`
	Healthy          bool          `json:"healthy"`
	Duration         time.Duration `json:"durationNs"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Runner executes reconciliation checks.
type Runner struct {
	vault     VaultSource
	risk      StalenessSource
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner. Underlyings whose risk data is older than
// staleness are reported.
func NewRunner(v VaultSource, risk StalenessSource, staleness time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		vault:     v,
		risk:      risk,
		staleness: staleness,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll executes every check, updates gauges, and stores the report as the
// latest.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	start := r.now()

	inv := r.vault.CheckInvariants()
	st := r.vault.Status()

	rep := &Report{
		SharesMatch:      inv.SharesMatch,
		BalanceSum:       inv.BalanceSum.String(),
		TotalShares:      inv.TotalShares.String(),
		AllocatedBps:     inv.AllocatedBps,
		AllocationOK:     inv.AllocationOK,
		InactiveFunds:    inv.InactiveFunds,
		HaltedWithActive: st.Halted && st.ActiveStrategies > 0,
		StaleUnderlyings: []string{},
		Timestamp:        start,
	}
	if r.risk != nil {
		for _, u := range r.vault.Underlyings() {
			if r.risk.IsStale(u, r.staleness) {
				rep.StaleUnderlyings = append(rep.StaleUnderlyings, u)
			}
		}
	}
	rep.Healthy = inv.OK() && !rep.HaltedWithActive && len(rep.StaleUnderlyings) == 0
	rep.Duration = r.now().Sub(start)

	setGauge(reconcileShareMismatch, !rep.SharesMatch)
	setGauge(reconcileAllocationOverflow, !rep.AllocationOK)
	setGauge(reconcileInactiveFunds, rep.InactiveFunds)
	setGauge(reconcileHaltedWithActive, rep.HaltedWithActive)
	reconcileStaleUnderlyings.Set(float64(len(rep.StaleUnderlyings)))
	reconcileDuration.Observe(rep.Duration.Seconds())

	if rep.Healthy {
		r.logger.Debug("reconciliation passed")
	} else {
		r.logger.Warn("reconciliation found issues",
			"shares_match", rep.SharesMatch,
			"allocated_bps", rep.AllocatedBps,
			"inactive_funds", rep.InactiveFunds,
			"halted_with_active", rep.HaltedWithActive,
			"stale", rep.StaleUnderlyings,
		)
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

// Last returns the most recent report, nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func setGauge(g interface{ Set(float64) }, bad bool) {
	if bad {
		g.Set(1)
		return
	}
	g.Set(0)
}
