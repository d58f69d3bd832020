package vault

import "sort"

// candidate is an active strategy eligible for a rebalanced allocation.
type candidate struct {
	handle string
	risk   uint64 // 0..100
	yield  uint64 // bps
}

// plan is an optimizer output. Weights sum to Scale.
type plan struct {
	targets []Target
	risk    uint64 // weighted average, 0..100
	yield   uint64 // weighted average, bps
	score   uint64 // Σ weight × yield, for comparison
	wrisk   uint64 // Σ weight × risk
}

// optimize maximizes Σ wᵢ·yieldᵢ subject to Σ wᵢ = Scale and
// Σ wᵢ·riskᵢ ≤ limit·Scale. The linear program has an optimal vertex with at
// most two nonzero weights, so every single and every pair straddling the
// limit is evaluated. In a pair the riskier leg gets floor of its maximal
// weight so the constraint holds in integers.
func optimize(cands []candidate, limit uint64) (plan, bool) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].handle < cands[j].handle })

	var best plan
	found := false
	consider := func(p plan) {
		if !found || better(p, best) {
			best, found = p, true
		}
	}

	for _, c := range cands {
		if c.risk <= limit {
			consider(makePlan([]Target{{Handle: c.handle, WeightBps: Scale}}, cands))
		}
	}
	for _, lo := range cands {
		if lo.risk > limit {
			continue
		}
		for _, hi := range cands {
			if hi.risk <= limit || hi.yield <= lo.yield {
				continue
			}
			wHi := (limit - lo.risk) * Scale / (hi.risk - lo.risk)
			if wHi == 0 {
				continue
			}
			consider(makePlan([]Target{
				{Handle: lo.handle, WeightBps: Scale - wHi},
				{Handle: hi.handle, WeightBps: wHi},
			}, cands))
		}
	}
	return best, found
}

// better prefers higher yield, then lower risk, then fewer legs.
func better(a, b plan) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.wrisk != b.wrisk {
		return a.wrisk < b.wrisk
	}
	return len(a.targets) < len(b.targets)
}

func makePlan(targets []Target, cands []candidate) plan {
	byHandle := make(map[string]candidate, len(cands))
	for _, c := range cands {
		byHandle[c.handle] = c
	}
	p := plan{targets: targets}
	for _, t := range targets {
		c := byHandle[t.Handle]
		p.score += t.WeightBps * c.yield
		p.wrisk += t.WeightBps * c.risk
	}
	p.risk = p.wrisk / Scale
	p.yield = p.score / Scale
	return p
}

// weightedRisk returns Σ wᵢ·riskᵢ / Σ wᵢ over targets that still resolve,
// and false if any target no longer does.
func weightedRisk(targets []Target, riskOf func(handle string) (uint64, bool)) (uint64, bool) {
	sum, weights, ok := weightedRiskSums(targets, riskOf)
	if !ok {
		return 0, false
	}
	return sum / weights, true
}

// weightedRiskSums returns Σ wᵢ·riskᵢ and Σ wᵢ. ok is false when targets is
// empty, carries no weight, or names a strategy that no longer resolves.
func weightedRiskSums(targets []Target, riskOf func(handle string) (uint64, bool)) (sum, weights uint64, ok bool) {
	for _, t := range targets {
		r, found := riskOf(t.Handle)
		if !found {
			return 0, 0, false
		}
		sum += t.WeightBps * r
		weights += t.WeightBps
	}
	return sum, weights, weights > 0
}
