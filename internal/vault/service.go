package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/amount"
	"github.com/mbd888/yieldguard/internal/emergency"
	"github.com/mbd888/yieldguard/internal/events"
	"github.com/mbd888/yieldguard/internal/fault"
	"github.com/mbd888/yieldguard/internal/traces"
)

// Vault is the allocation vault. Every public mutation holds mu for its whole
// duration; events are published after mu is released.
type Vault struct {
	mu          sync.Mutex
	totalShares *big.Int
	idle        *big.Int
	balances    map[string]*big.Int
	strategies  []*Strategy
	active      map[string]*Strategy
	profiles    map[string]*Profile

	fees           FeeConfig
	lastFeeAccrual time.Time
	lastRiskCheck  time.Time
	decimals       int32

	emergency *emergency.Controller
	risk      RiskReader
	access    access.Checker
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty vault.
func New(cfg Config, risk RiskReader, checker access.Checker, publisher events.Publisher) (*Vault, error) {
	fees := FeeConfig{
		ManagementFeeBps:  cfg.ManagementFeeBps,
		PerformanceFeeBps: cfg.PerformanceFeeBps,
		Recipient:         strings.ToLower(strings.TrimSpace(cfg.FeeRecipient)),
	}
	if err := fees.validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = events.Discard
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = amount.DefaultDecimals
	}
	v := &Vault{
		totalShares: new(big.Int),
		idle:        new(big.Int),
		balances:    make(map[string]*big.Int),
		active:      make(map[string]*Strategy),
		profiles:    make(map[string]*Profile),
		fees:        fees,
		decimals:    decimals,
		emergency:   emergency.New(cfg.EmergencyThreshold),
		risk:        risk,
		access:      checker,
		events:      publisher,
		logger:      slog.Default(),
		now:         time.Now,
	}
	v.lastFeeAccrual = v.now()
	return v, nil
}

// WithClock overrides the time source for the vault and its controller.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	v.emergency.WithClock(now)
	v.lastFeeAccrual = now()
	return v
}

// WithLogger sets the logger.
func (v *Vault) WithLogger(l *slog.Logger) *Vault {
	v.logger = l
	return v
}

// Emergency exposes the controller for health checks and transition hooks.
func (v *Vault) Emergency() *emergency.Controller {
	return v.emergency
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (v *Vault) require(caller string, roles ...access.Role) error {
	if v.access != nil {
		for _, r := range roles {
			if v.access.HasRole(caller, r) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s required", fault.ErrForbidden, roles[0])
}

func (v *Vault) publish(ctx context.Context, evts []*events.Event) {
	for _, e := range evts {
		v.events.Publish(ctx, e)
	}
}

// --- ledger ---

// totalAssetsLocked is idle plus every active position. Caller holds v.mu.
func (v *Vault) totalAssetsLocked() *big.Int {
	total := new(big.Int).Set(v.idle)
	for _, s := range v.active {
		total.Add(total, s.Position)
	}
	return total
}

func (v *Vault) balanceLocked(addr string) *big.Int {
	if b, ok := v.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (v *Vault) mintLocked(to string, shares *big.Int) {
	b, ok := v.balances[to]
	if !ok {
		b = new(big.Int)
		v.balances[to] = b
	}
	b.Add(b, shares)
	v.totalShares.Add(v.totalShares, shares)
}

func (v *Vault) burnLocked(from string, shares *big.Int) {
	b := v.balances[from]
	b.Sub(b, shares)
	if b.Sign() == 0 {
		delete(v.balances, from)
	}
	v.totalShares.Sub(v.totalShares, shares)
}

// sharesForDepositLocked converts assets to shares, rounding down. A pool
// with no assets prices shares 1:1, whether or not worthless shares remain.
func (v *Vault) sharesForDepositLocked(assets *big.Int) *big.Int {
	total := v.totalAssetsLocked()
	if v.totalShares.Sign() == 0 || total.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return amount.MulDivDown(assets, v.totalShares, total)
}

// writeOffLocked burns shares left outstanding after every position was
// settled to zero. They redeem for nothing, and a new deposit must not be
// diluted by them. Caller holds v.mu.
func (v *Vault) writeOffLocked(actor string) *events.Event {
	if v.totalShares.Sign() == 0 || v.totalAssetsLocked().Sign() != 0 {
		return nil
	}
	burned := new(big.Int).Set(v.totalShares)
	holders := len(v.balances)
	v.balances = make(map[string]*big.Int)
	v.totalShares.SetInt64(0)
	v.logger.Warn("worthless shares written off", "shares", burned.String(), "holders", holders)
	return &events.Event{
		Type:   events.TypeSharesWrittenOff,
		Actor:  actor,
		Reason: "total assets are zero",
		Data:   map[string]any{"shares": burned.String(), "holders": holders},
	}
}

// allocateLocked spreads assets over active strategies by allocation weight.
// The remainder, including rounding dust, stays idle.
func (v *Vault) allocateLocked(assets *big.Int) {
	rest := new(big.Int).Set(assets)
	for _, s := range v.activeSortedLocked() {
		portion := amount.Bps(assets, s.AllocationBps)
		s.Position.Add(s.Position, portion)
		rest.Sub(rest, portion)
	}
	v.idle.Add(v.idle, rest)
}

// pullLocked removes assets from the vault, idle first, then pro rata from
// strategy positions. Caller guarantees assets ≤ total assets.
func (v *Vault) pullLocked(assets *big.Int) {
	fromIdle := amount.Min(v.idle, assets)
	v.idle.Sub(v.idle, fromIdle)
	need := new(big.Int).Sub(assets, fromIdle)
	if need.Sign() == 0 {
		return
	}

	strategies := v.activeSortedLocked()
	deployed := new(big.Int)
	for _, s := range strategies {
		deployed.Add(deployed, s.Position)
	}
	if deployed.Sign() == 0 {
		return
	}
	target := new(big.Int).Set(need)
	for _, s := range strategies {
		take := amount.Min(amount.MulDivDown(target, s.Position, deployed), need)
		s.Position.Sub(s.Position, take)
		need.Sub(need, take)
	}
	// Rounding leftovers come from whichever positions still have funds.
	for _, s := range strategies {
		if need.Sign() == 0 {
			break
		}
		take := amount.Min(s.Position, need)
		s.Position.Sub(s.Position, take)
		need.Sub(need, take)
	}
}

// activeSortedLocked returns active strategies in append order.
func (v *Vault) activeSortedLocked() []*Strategy {
	out := make([]*Strategy, 0, len(v.active))
	for _, s := range v.strategies {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

func (v *Vault) allocatedBpsLocked() uint64 {
	var sum uint64
	for _, s := range v.active {
		sum += s.AllocationBps
	}
	return sum
}

// Deposit adds assets on behalf of receiver and returns the shares minted.
// Before accepting funds the vault re-reads the composite risk of every
// active strategy's underlying and the portfolio risk; a breach halts the
// vault and the deposit is refused.
func (v *Vault) Deposit(ctx context.Context, caller string, assets *big.Int, receiver string) (*big.Int, error) {
	ctx, span := traces.StartSpan(ctx, "vault.Deposit", traces.Caller(caller), traces.Amount(amount.Format(assets, v.decimals)))
	defer span.End()

	receiver = normalize(receiver)
	if receiver == "" {
		return nil, ErrInvalidAddress
	}
	if assets == nil || assets.Sign() <= 0 {
		rejected("deposit", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	if err := v.emergency.Allow(); err != nil {
		v.mu.Unlock()
		rejected("deposit", err)
		return nil, err
	}
	if evts, breached := v.checkRiskLocked(); breached {
		v.mu.Unlock()
		v.publish(ctx, evts)
		span.SetStatus(codes.Error, "risk breach on deposit")
		rejected("deposit", ErrHalted)
		return nil, fmt.Errorf("%w: risk breach detected on deposit", ErrHalted)
	}

	shares := v.sharesForDepositLocked(assets)
	if shares.Sign() == 0 {
		v.mu.Unlock()
		err := fmt.Errorf("%w: deposit too small to mint a share", ErrInvalidAmount)
		rejected("deposit", err)
		return nil, err
	}

	var evts []*events.Event
	if e := v.writeOffLocked(normalize(caller)); e != nil {
		evts = append(evts, e)
	}
	v.allocateLocked(assets)
	v.mintLocked(receiver, shares)
	v.observeLocked()
	v.mu.Unlock()

	depositsTotal.Inc()
	v.publish(ctx, append(evts, &events.Event{
		Type:     events.TypeDeposit,
		EntityID: receiver,
		Actor:    normalize(caller),
		Data: map[string]any{
			"assets": assets.String(),
			"shares": shares.String(),
		},
	}))
	return shares, nil
}

// checkRiskLocked trips the emergency if any active underlying, or the
// allocation-weighted portfolio risk lifted to bps, is at or above the
// threshold. Caller holds v.mu.
func (v *Vault) checkRiskLocked() ([]*events.Event, bool) {
	if v.emergency.Halted() {
		return nil, false
	}
	v.lastRiskCheck = v.now()
	if v.risk != nil {
		for _, s := range v.activeSortedLocked() {
			score := v.risk.RiskScore(s.Underlying)
			if v.emergency.Breached(score) {
				reason := fmt.Sprintf("underlying %s risk %d at or above threshold %d", s.Underlying, score, v.emergency.Threshold())
				evts, _ := v.tripLocked(reason, score, s.Underlying, "")
				return evts, true
			}
		}
	}
	sum, weights := v.portfolioSumsLocked()
	if weights > 0 && sum*riskToBps >= v.emergency.Threshold()*weights {
		score := sum * riskToBps / weights
		reason := fmt.Sprintf("portfolio risk %d at or above threshold %d", score, v.emergency.Threshold())
		evts, _ := v.tripLocked(reason, score, PortfolioSource, "")
		return evts, true
	}
	return nil, false
}

func (v *Vault) checkOwner(caller, owner string) (string, string, error) {
	caller, owner = normalize(caller), normalize(owner)
	if caller == "" || caller != owner {
		return "", "", fmt.Errorf("%w: caller must be the owner", fault.ErrForbidden)
	}
	return caller, owner, nil
}

// Withdraw sends assets to receiver, burning the owner's shares (rounded up).
// Withdrawals are allowed in every state, including while halted.
func (v *Vault) Withdraw(ctx context.Context, caller string, assets *big.Int, receiver, owner string) (*big.Int, error) {
	ctx, span := traces.StartSpan(ctx, "vault.Withdraw", traces.Caller(caller), traces.Amount(amount.Format(assets, v.decimals)))
	defer span.End()

	caller, owner, err := v.checkOwner(caller, owner)
	if err != nil {
		rejected("withdraw", err)
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		rejected("withdraw", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	receiver = normalize(receiver)
	if receiver == "" {
		receiver = owner
	}

	v.mu.Lock()
	// A breach halts the vault but the withdrawal still goes through.
	evts, _ := v.checkRiskLocked()
	total := v.totalAssetsLocked()
	if v.totalShares.Sign() == 0 || assets.Cmp(total) > 0 {
		v.mu.Unlock()
		v.publish(ctx, evts)
		rejected("withdraw", ErrInsufficientBalance)
		return nil, ErrInsufficientBalance
	}
	burn := amount.MulDivUp(assets, v.totalShares, total)
	if bal := v.balanceLocked(owner); bal.Cmp(burn) < 0 {
		v.mu.Unlock()
		v.publish(ctx, evts)
		rejected("withdraw", ErrInsufficientBalance)
		return nil, fmt.Errorf("%w: need %s shares, have %s", ErrInsufficientBalance, burn, bal)
	}
	v.pullLocked(assets)
	v.burnLocked(owner, burn)
	v.observeLocked()
	v.mu.Unlock()

	withdrawalsTotal.Inc()
	v.publish(ctx, append(evts, &events.Event{
		Type:     events.TypeWithdraw,
		EntityID: owner,
		Actor:    caller,
		Data: map[string]any{
			"assets":   assets.String(),
			"shares":   burn.String(),
			"receiver": receiver,
		},
	}))
	return burn, nil
}

// Redeem burns exactly shares from owner and sends the assets they are worth
// (rounded down) to receiver. Allowed in every state.
func (v *Vault) Redeem(ctx context.Context, caller string, shares *big.Int, receiver, owner string) (*big.Int, error) {
	ctx, span := traces.StartSpan(ctx, "vault.Redeem", traces.Caller(caller))
	defer span.End()

	caller, owner, err := v.checkOwner(caller, owner)
	if err != nil {
		rejected("redeem", err)
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		rejected("redeem", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	receiver = normalize(receiver)
	if receiver == "" {
		receiver = owner
	}

	v.mu.Lock()
	evts, _ := v.checkRiskLocked()
	if bal := v.balanceLocked(owner); bal.Cmp(shares) < 0 {
		v.mu.Unlock()
		v.publish(ctx, evts)
		rejected("redeem", ErrInsufficientBalance)
		return nil, fmt.Errorf("%w: have %s shares", ErrInsufficientBalance, bal)
	}
	assets := amount.MulDivDown(shares, v.totalAssetsLocked(), v.totalShares)
	if assets.Sign() == 0 {
		v.mu.Unlock()
		v.publish(ctx, evts)
		rejected("redeem", ErrInvalidAmount)
		return nil, fmt.Errorf("%w: shares redeem to zero assets", ErrInvalidAmount)
	}
	v.pullLocked(assets)
	v.burnLocked(owner, shares)
	v.observeLocked()
	v.mu.Unlock()

	withdrawalsTotal.Inc()
	v.publish(ctx, append(evts, &events.Event{
		Type:     events.TypeWithdraw,
		EntityID: owner,
		Actor:    caller,
		Data: map[string]any{
			"assets":   assets.String(),
			"shares":   shares.String(),
			"receiver": receiver,
		},
	}))
	return assets, nil
}

// ConvertToShares previews the shares a deposit of assets would mint.
func (v *Vault) ConvertToShares(assets *big.Int) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return new(big.Int)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sharesForDepositLocked(assets)
}

// ConvertToAssets previews the assets shares would redeem for.
func (v *Vault) ConvertToAssets(shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 {
		return new(big.Int)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return amount.MulDivDown(shares, v.totalAssetsLocked(), v.totalShares)
}

// BalanceOf returns addr's share balance.
func (v *Vault) BalanceOf(addr string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceLocked(normalize(addr)))
}

// TotalAssets returns idle plus deployed assets.
func (v *Vault) TotalAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked()
}

// TotalShares returns the outstanding share supply.
func (v *Vault) TotalShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalShares)
}

// --- strategies ---

// AddStrategy appends a new active strategy.
func (v *Vault) AddStrategy(ctx context.Context, caller string, p StrategyParams) (*Strategy, error) {
	ctx, span := traces.StartSpan(ctx, "vault.AddStrategy", traces.Caller(caller), traces.Strategy(p.Handle))
	defer span.End()

	if err := v.require(caller, access.RoleAllocator); err != nil {
		return nil, err
	}
	handle := normalize(p.Handle)
	if handle == "" {
		return nil, ErrInvalidStrategy
	}
	underlying := normalize(p.Underlying)
	if underlying == "" {
		underlying = handle
	}
	if p.RiskScore > MaxStrategyRisk {
		return nil, fmt.Errorf("%w: got %d", ErrRiskTooHigh, p.RiskScore)
	}
	if p.AllocationBps > Scale {
		return nil, fmt.Errorf("%w: got %d", ErrAllocationExceeded, p.AllocationBps)
	}
	if p.ExpectedYieldBps > MaxExpectedYieldBps {
		return nil, fmt.Errorf("%w: got %d", ErrYieldTooHigh, p.ExpectedYieldBps)
	}
	v.mu.Lock()
	if err := v.emergency.Allow(); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	// Breach events are edge-triggered, so an underlying already over the
	// threshold would never raise one for this strategy.
	if v.risk != nil {
		if score := v.risk.RiskScore(underlying); v.emergency.Breached(score) {
			v.mu.Unlock()
			return nil, fmt.Errorf("%w: %s at %d, threshold %d", ErrUnderlyingAtRisk, underlying, score, v.emergency.Threshold())
		}
	}
	if _, exists := v.active[handle]; exists {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, handle)
	}
	if sum := v.allocatedBpsLocked() + p.AllocationBps; sum > Scale {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: total would be %d", ErrAllocationExceeded, sum)
	}
	s := &Strategy{
		ID:               len(v.strategies) + 1,
		Handle:           handle,
		Underlying:       underlying,
		Active:           true,
		AllocationBps:    p.AllocationBps,
		RiskScore:        p.RiskScore,
		ExpectedYieldBps: p.ExpectedYieldBps,
		Position:         new(big.Int),
		AddedAt:          v.now(),
	}
	v.strategies = append(v.strategies, s)
	v.active[handle] = s
	out := s.clone()
	v.observeLocked()
	v.mu.Unlock()

	v.logger.Info("strategy added", "handle", handle, "underlying", underlying,
		"allocation_bps", p.AllocationBps, "risk", p.RiskScore)
	v.publish(ctx, []*events.Event{{
		Type:     events.TypeStrategyAdded,
		EntityID: handle,
		Actor:    normalize(caller),
		NewScore: p.RiskScore,
		Data: map[string]any{
			"underlying":       underlying,
			"allocationBps":    p.AllocationBps,
			"expectedYieldBps": p.ExpectedYieldBps,
		},
	}})
	return &out, nil
}

// exitLocked returns a strategy's position to idle and deactivates it.
func (v *Vault) exitLocked(s *Strategy, actor, reason string) *events.Event {
	returned := new(big.Int).Set(s.Position)
	v.idle.Add(v.idle, s.Position)
	s.Position.SetInt64(0)
	s.Active = false
	now := v.now()
	s.RemovedAt = &now
	delete(v.active, s.Handle)
	return &events.Event{
		Type:     events.TypeStrategyExited,
		EntityID: s.Handle,
		Actor:    actor,
		OldScore: s.RiskScore,
		Reason:   reason,
		Data:     map[string]any{"returned": returned.String(), "underlying": s.Underlying},
	}
}

// RemoveStrategy exits an active strategy: its position moves to idle and the
// record is kept with Active=false.
func (v *Vault) RemoveStrategy(ctx context.Context, caller, handle string) (*Strategy, error) {
	ctx, span := traces.StartSpan(ctx, "vault.RemoveStrategy", traces.Caller(caller), traces.Strategy(handle))
	defer span.End()

	if err := v.require(caller, access.RoleAllocator); err != nil {
		return nil, err
	}
	handle = normalize(handle)

	v.mu.Lock()
	s, ok := v.active[handle]
	if !ok {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, handle)
	}
	ev := v.exitLocked(s, normalize(caller), "removed by allocator")
	out := s.clone()
	v.observeLocked()
	v.mu.Unlock()

	v.publish(ctx, []*events.Event{ev})
	return &out, nil
}

// SettleStrategy marks a strategy's position to reportedValue. A gain accrues
// the performance fee to the fee recipient as newly minted shares.
func (v *Vault) SettleStrategy(ctx context.Context, caller, handle string, reportedValue *big.Int) (*Strategy, error) {
	ctx, span := traces.StartSpan(ctx, "vault.SettleStrategy", traces.Caller(caller), traces.Strategy(handle))
	defer span.End()

	if err := v.require(caller, access.RoleAllocator); err != nil {
		return nil, err
	}
	if reportedValue == nil || reportedValue.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	handle = normalize(handle)

	v.mu.Lock()
	s, ok := v.active[handle]
	if !ok {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, handle)
	}
	old := new(big.Int).Set(s.Position)
	s.Position.Set(reportedValue)
	gain := new(big.Int).Sub(reportedValue, old)

	evts := []*events.Event{{
		Type:     events.TypeStrategySettled,
		EntityID: handle,
		Actor:    normalize(caller),
		Data: map[string]any{
			"previous": old.String(),
			"reported": reportedValue.String(),
			"gain":     gain.String(),
		},
	}}
	if gain.Sign() > 0 && v.fees.PerformanceFeeBps > 0 {
		feeAssets := amount.Bps(gain, v.fees.PerformanceFeeBps)
		if minted := v.mintFeeLocked(feeAssets); minted != nil {
			evts = append(evts, &events.Event{
				Type:     events.TypeFeesAccrued,
				EntityID: v.fees.Recipient,
				Actor:    normalize(caller),
				Data: map[string]any{
					"kind":   "performance",
					"assets": feeAssets.String(),
					"shares": minted.String(),
				},
			})
		}
	}
	out := s.clone()
	v.observeLocked()
	v.mu.Unlock()

	v.publish(ctx, evts)
	return &out, nil
}

// mintFeeLocked mints shares to the fee recipient worth feeAssets at the
// post-mint share price. Returns nil when nothing is minted.
func (v *Vault) mintFeeLocked(feeAssets *big.Int) *big.Int {
	if v.fees.Recipient == "" || feeAssets.Sign() <= 0 || v.totalShares.Sign() == 0 {
		return nil
	}
	rest := new(big.Int).Sub(v.totalAssetsLocked(), feeAssets)
	if rest.Sign() <= 0 {
		return nil
	}
	shares := amount.MulDivDown(feeAssets, v.totalShares, rest)
	if shares.Sign() == 0 {
		return nil
	}
	v.mintLocked(v.fees.Recipient, shares)
	feeSharesMinted.Add(amount.Float64(shares, v.decimals))
	return shares
}

// Strategy returns a copy of the active strategy with handle.
func (v *Vault) Strategy(handle string) (Strategy, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.active[normalize(handle)]
	if !ok {
		return Strategy{}, false
	}
	return s.clone(), true
}

// ActiveStrategies returns copies of active strategies in append order.
func (v *Vault) ActiveStrategies() []Strategy {
	v.mu.Lock()
	defer v.mu.Unlock()
	active := v.activeSortedLocked()
	out := make([]Strategy, 0, len(active))
	for _, s := range active {
		out = append(out, s.clone())
	}
	return out
}

// Strategies returns copies of every strategy record, including exited ones.
func (v *Vault) Strategies() []Strategy {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Strategy, 0, len(v.strategies))
	for _, s := range v.strategies {
		out = append(out, s.clone())
	}
	return out
}

// Underlyings lists the monitored entities of active strategies, sorted and
// de-duplicated.
func (v *Vault) Underlyings() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range v.active {
		if !seen[s.Underlying] {
			seen[s.Underlying] = true
			out = append(out, s.Underlying)
		}
	}
	sort.Strings(out)
	return out
}

// PortfolioRiskScore is the allocation-weighted average risk of active
// strategies, 0 when nothing is allocated.
func (v *Vault) PortfolioRiskScore() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.portfolioRiskLocked()
}

func (v *Vault) portfolioRiskLocked() uint64 {
	weighted, weights := v.portfolioSumsLocked()
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// portfolioSumsLocked returns Σ allocation×risk and Σ allocation over active
// strategies.
func (v *Vault) portfolioSumsLocked() (weighted, weights uint64) {
	for _, s := range v.active {
		weighted += s.AllocationBps * s.RiskScore
		weights += s.AllocationBps
	}
	return weighted, weights
}

// --- fees ---

// SetFees replaces the fee configuration. Pending management fees are
// accrued at the old rate first.
func (v *Vault) SetFees(ctx context.Context, caller string, f FeeConfig) error {
	if err := v.require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := f.validate(); err != nil {
		return fmt.Errorf("%w: management ≤ %d, performance ≤ %d", err, MaxManagementFeeBps, MaxPerformanceFeeBps)
	}

	v.mu.Lock()
	_, evts := v.accrueLocked(normalize(caller))
	old := v.fees
	v.fees.ManagementFeeBps = f.ManagementFeeBps
	v.fees.PerformanceFeeBps = f.PerformanceFeeBps
	if r := normalize(f.Recipient); r != "" {
		v.fees.Recipient = r
	}
	current := v.fees
	v.mu.Unlock()

	evts = append(evts, &events.Event{
		Type:  events.TypeFeesUpdated,
		Actor: normalize(caller),
		Data: map[string]any{
			"oldManagementFeeBps":  old.ManagementFeeBps,
			"oldPerformanceFeeBps": old.PerformanceFeeBps,
			"managementFeeBps":     current.ManagementFeeBps,
			"performanceFeeBps":    current.PerformanceFeeBps,
			"recipient":            current.Recipient,
		},
	})
	v.publish(ctx, evts)
	return nil
}

// Fees returns the current fee configuration.
func (v *Vault) Fees() FeeConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees
}

// AccrueManagementFee mints the management fee owed since the last accrual
// and returns the shares minted.
func (v *Vault) AccrueManagementFee(ctx context.Context, caller string) (*big.Int, error) {
	if err := v.require(caller, access.RoleAdmin); err != nil {
		return nil, err
	}
	v.mu.Lock()
	minted, evts := v.accrueLocked(normalize(caller))
	v.observeLocked()
	v.mu.Unlock()

	v.publish(ctx, evts)
	return minted, nil
}

// accrueLocked charges managementFeeBps per year on total assets, pro rata
// to the time since the last accrual.
func (v *Vault) accrueLocked(actor string) (*big.Int, []*events.Event) {
	now := v.now()
	elapsed := now.Sub(v.lastFeeAccrual)
	v.lastFeeAccrual = now
	if elapsed <= 0 || v.fees.ManagementFeeBps == 0 {
		return new(big.Int), nil
	}
	total := v.totalAssetsLocked()
	num := new(big.Int).Mul(total, new(big.Int).SetUint64(v.fees.ManagementFeeBps))
	num.Mul(num, big.NewInt(int64(elapsed/time.Second)))
	den := new(big.Int).Mul(new(big.Int).SetUint64(Scale), big.NewInt(secondsPerYear))
	feeAssets := num.Quo(num, den)

	minted := v.mintFeeLocked(feeAssets)
	if minted == nil {
		return new(big.Int), nil
	}
	return minted, []*events.Event{{
		Type:     events.TypeFeesAccrued,
		EntityID: v.fees.Recipient,
		Actor:    actor,
		Data: map[string]any{
			"kind":    "management",
			"assets":  feeAssets.String(),
			"shares":  minted.String(),
			"elapsed": elapsed.String(),
		},
	}}
}

// --- status ---

// Status returns a snapshot of the vault.
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := v.totalAssetsLocked()
	return Status{
		TotalAssets:       total,
		TotalShares:       new(big.Int).Set(v.totalShares),
		Idle:              new(big.Int).Set(v.idle),
		Allocated:         new(big.Int).Sub(total, v.idle),
		Depositors:        len(v.balances),
		ActiveStrategies:  len(v.active),
		AllocatedBps:      v.allocatedBpsLocked(),
		PortfolioRisk:     v.portfolioRiskLocked(),
		ManagementFeeBps:  v.fees.ManagementFeeBps,
		PerformanceFeeBps: v.fees.PerformanceFeeBps,
		FeeRecipient:      v.fees.Recipient,
		LastRiskCheck:     v.lastRiskCheck,
		LastFeeAccrual:    v.lastFeeAccrual,
		Halted:            v.emergency.Halted(),
		Emergency:         v.emergency.Status(),
	}
}

// Decimals returns the asset precision used for display.
func (v *Vault) Decimals() int32 {
	return v.decimals
}

// CheckInvariants verifies share and allocation accounting.
func (v *Vault) CheckInvariants() InvariantReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	sum := new(big.Int)
	for _, b := range v.balances {
		sum.Add(sum, b)
	}
	alloc := v.allocatedBpsLocked()
	inactiveFunds := false
	for _, s := range v.strategies {
		if !s.Active && s.Position.Sign() != 0 {
			inactiveFunds = true
		}
	}
	return InvariantReport{
		BalanceSum:    sum,
		TotalShares:   new(big.Int).Set(v.totalShares),
		SharesMatch:   sum.Cmp(v.totalShares) == 0,
		AllocatedBps:  alloc,
		AllocationOK:  alloc <= Scale,
		InactiveFunds: inactiveFunds,
	}
}

func (v *Vault) observeLocked() {
	total := v.totalAssetsLocked()
	totalAssetsGauge.Set(amount.Float64(total, v.decimals))
	totalSharesGauge.Set(amount.Float64(v.totalShares, v.decimals))
	idleGauge.Set(amount.Float64(v.idle, v.decimals))
	activeStrategiesGauge.Set(float64(len(v.active)))
	portfolioRiskGauge.Set(float64(v.portfolioRiskLocked()))
}
