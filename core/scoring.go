package core

import (
	"math"
	"math/big"
	"sort"
)

// ScoringConfig parameterizes the trust-weighted aggregation algorithm of
// spec.md §4.6. Grounded on the original Python reference's weight_matrix.py
// / yudkowsky_v2.py defaults.
type ScoringConfig struct {
	Dampening       float64 // stake exponent; default 0.5
	MinTrust        float64 // validators below this contribute zero weight
	OutlierThreshold float64 // column outlier cutoff in standard deviations; default 1.5
	BondingExponent float64 // alpha in f(x) = x^alpha; default 2.0
	TrustUpdateRate float64 // EMA rate for participants
	TrustDecayRate  float64 // decay rate for non-participants
	MinValidators   int     // minimum participating validators; default 3
	UseWeightedMean bool    // false selects weighted median (the default)
}

// DefaultScoringConfig returns the parameter defaults named in spec.md §4.6.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Dampening:        0.5,
		MinTrust:         0.1,
		OutlierThreshold: 1.5,
		BondingExponent:  2.0,
		TrustUpdateRate:  0.2,
		TrustDecayRate:   0.05,
		MinValidators:    3,
	}
}

// TrustStore holds each validator's persistent trust score across epochs.
// Unseen validators are initialized at 0.5 on first use.
type TrustStore struct {
	trust map[Address]float64
}

// NewTrustStore returns an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{trust: make(map[Address]float64)}
}

func (t *TrustStore) get(addr Address) float64 {
	if v, ok := t.trust[addr]; ok {
		return v
	}
	t.trust[addr] = 0.5
	return 0.5
}

// Trust returns addr's current trust score.
func (t *TrustStore) Trust(addr Address) float64 { return t.get(addr) }

// ScoringResult is the outcome of running the aggregation algorithm for one
// epoch: the final per-miner consensus scores and the weight assigned to
// each participating validator (published as part of the rollup commitment).
type ScoringResult struct {
	ConsensusScores map[Address]float64 // keyed by miner address
	Weights         map[Address]float64 // keyed by validator address
}

// AggregateScores runs the six-step algorithm of spec.md §4.6: weight
// computation, outlier-filtered aggregation per miner, bonding-curve
// reshaping, and trust updates (mutating trust in place). scores maps
// validator address to its per-miner score vector, indexed identically
// (by position) to miners; stake maps validator address to bonded stake.
func AggregateScores(
	miners []Address,
	scores map[Address][]float64,
	stake map[Address]float64,
	trust *TrustStore,
	cfg ScoringConfig,
) (ScoringResult, error) {
	validators := make([]Address, 0, len(scores))
	for addr := range scores {
		validators = append(validators, addr)
	}
	sort.Slice(validators, func(i, j int) bool { return lessAddress(validators[i], validators[j]) })

	if len(validators) < cfg.MinValidators {
		return ScoringResult{}, NewError(KindInsufficientValidators, "fewer participating validators than min_validators")
	}

	weights := computeWeights(validators, stake, trust, cfg)

	consensus := make(map[Address]float64, len(miners))
	rawByValidator := make(map[Address][]float64, len(validators))
	for _, v := range validators {
		rawByValidator[v] = make([]float64, len(miners))
	}

	for minerIdx, miner := range miners {
		column := make([]float64, len(validators))
		for i, v := range validators {
			column[i] = scores[v][minerIdx]
		}
		filtered := suppressOutliers(column, cfg.OutlierThreshold)
		for i, v := range validators {
			rawByValidator[v][minerIdx] = filtered[i]
		}

		pairs := make([]weightedValue, 0, len(validators))
		for i, v := range validators {
			pairs = append(pairs, weightedValue{value: filtered[i], weight: weights[v]})
		}
		var aggregated float64
		if cfg.UseWeightedMean {
			aggregated = weightedMean(pairs)
		} else {
			aggregated = weightedMedian(pairs)
		}
		consensus[miner] = bondingCurve(aggregated, cfg.BondingExponent)
	}

	updateTrust(validators, rawByValidator, consensus, miners, trust, cfg)

	return ScoringResult{ConsensusScores: consensus, Weights: weights}, nil
}

// StakeWeights converts a registry's integer stake (as tracked by
// StateStore/ValidatorRegistry) into the float64 view the weight formula
// operates on: the dampening exponent and weight normalization are
// inherently floating-point, so integer stake is converted once at the
// scoring boundary rather than carried through in fixed point.
func StakeWeights(registry *ValidatorRegistry, validators []Address) map[Address]float64 {
	out := make(map[Address]float64, len(validators))
	for _, addr := range validators {
		if v, ok := registry.Get(addr); ok {
			f, _ := new(big.Float).SetInt(v.Stake.ToBig()).Float64()
			out[addr] = f
		}
	}
	return out
}

func computeWeights(validators []Address, stake map[Address]float64, trust *TrustStore, cfg ScoringConfig) map[Address]float64 {
	raw := make(map[Address]float64, len(validators))
	var total float64
	for _, v := range validators {
		t := trust.get(v)
		if t < cfg.MinTrust {
			raw[v] = 0
			continue
		}
		w := math.Pow(stake[v], cfg.Dampening) * (0.5 + t)
		raw[v] = w
		total += w
	}
	out := make(map[Address]float64, len(validators))
	if total == 0 {
		for _, v := range validators {
			out[v] = 0
		}
		return out
	}
	for _, v := range validators {
		out[v] = raw[v] / total
	}
	return out
}

// suppressOutliers replaces entries outside mean +/- threshold*stddev with
// the column median, per spec.md §4.6 step 3. Requires at least 3 samples
// and a nonzero standard deviation to engage; otherwise returns column
// unchanged.
func suppressOutliers(column []float64, threshold float64) []float64 {
	out := make([]float64, len(column))
	copy(out, column)
	if len(column) < 3 {
		return out
	}
	mean, stddev := meanStddev(column)
	if stddev == 0 {
		return out
	}
	median := medianOf(column)
	for i, v := range column {
		if math.Abs(v-mean) > threshold*stddev {
			out[i] = median
		}
	}
	return out
}

func meanStddev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func medianOf(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

type weightedValue struct {
	value  float64
	weight float64
}

// weightedMean returns sum(value*weight)/sum(weight), ignoring zero-weight
// entries entirely.
func weightedMean(pairs []weightedValue) float64 {
	var num, den float64
	for _, p := range pairs {
		num += p.value * p.weight
		den += p.weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// weightedMedian returns the value at which cumulative weight first reaches
// half of the total weight, the standard weighted-median definition.
func weightedMedian(pairs []weightedValue) float64 {
	sorted := make([]weightedValue, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value < sorted[j].value })

	var total float64
	for _, p := range sorted {
		total += p.weight
	}
	if total == 0 {
		return 0
	}
	half := total / 2
	var cumulative float64
	for _, p := range sorted {
		cumulative += p.weight
		if cumulative >= half {
			return p.value
		}
	}
	return sorted[len(sorted)-1].value
}

// bondingCurve applies f(x) = x^alpha, clamped to [0, 1].
func bondingCurve(x, alpha float64) float64 {
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	return math.Pow(x, alpha)
}

// updateTrust mutates trust in place per spec.md §4.6 step 6: participants'
// trust moves toward 1-deviation by EMA. Non-participants are left as they
// are here; their decay is applied separately by DecayTrust.
func updateTrust(
	validators []Address,
	rawByValidator map[Address][]float64,
	consensus map[Address]float64,
	miners []Address,
	trust *TrustStore,
	cfg ScoringConfig,
) {
	for _, v := range validators {
		var deviation float64
		for i, miner := range miners {
			deviation += math.Abs(rawByValidator[v][i] - consensus[miner])
		}
		deviation /= float64(len(miners))

		accuracy := 1 - deviation
		if accuracy < 0 {
			accuracy = 0
		}
		current := trust.get(v)
		updated := current + cfg.TrustUpdateRate*(accuracy-current)
		trust.trust[v] = clampTrust(updated, cfg.MinTrust)
	}
}

// DecayTrust applies the non-participant decay to every validator in
// known that did not appear in this epoch's participants set.
func DecayTrust(trust *TrustStore, known, participants []Address, cfg ScoringConfig) {
	participating := make(map[Address]struct{}, len(participants))
	for _, v := range participants {
		participating[v] = struct{}{}
	}
	for _, v := range known {
		if _, ok := participating[v]; ok {
			continue
		}
		current := trust.get(v)
		decayed := current * (1 - cfg.TrustDecayRate)
		trust.trust[v] = clampTrust(decayed, cfg.MinTrust)
	}
}

func clampTrust(v, minTrust float64) float64 {
	if v < minTrust {
		return minTrust
	}
	if v > 1 {
		return 1
	}
	return v
}
