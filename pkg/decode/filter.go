// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
)

// NegInf is the value written to filtered out logits.
var NegInf = float32(math.Inf(-1))

// FilterLogits filters a distribution of logits (one position, full vocabulary) using top-k,
// nucleus (top-p) and threshold filtering, in that order. Filtered entries are set to NegInf.
//
//   - topK <= 0 disables top-k. Otherwise, entries strictly below the k-th largest logit are removed.
//   - topP <= 0 disables nucleus filtering. Otherwise, the smallest set of highest-probability
//     entries whose cumulative probability reaches topP is kept. The most likely entry is always kept.
//   - Entries below threshold are removed. Use math.Inf(-1) to disable it.
//
// The input is not modified: a new slice is returned.
func FilterLogits(logits []float32, topK int, topP, threshold float64) []float32 {
	filtered := slices.Clone(logits)
	if len(filtered) == 0 {
		return filtered
	}

	topK = min(topK, len(filtered))
	if topK > 0 {
		sorted := slices.Clone(filtered)
		slices.SortFunc(sorted, func(a, b float32) int {
			// Descending.
			if a > b {
				return -1
			} else if a < b {
				return 1
			}
			return 0
		})
		kth := sorted[topK-1]
		for ii, v := range filtered {
			if v < kth {
				filtered[ii] = NegInf
			}
		}
	}

	if topP > 0 {
		order := make([]int, len(filtered))
		for ii := range order {
			order[ii] = ii
		}
		sort.SliceStable(order, func(i, j int) bool {
			return filtered[order[i]] > filtered[order[j]]
		})
		sortedLogits := make([]float32, len(order))
		for ii, idx := range order {
			sortedLogits[ii] = filtered[idx]
		}
		probs := Softmax(sortedLogits)
		// Entry i is removed if the mass before it already exceeds topP: this is the
		// "cumulative > topP" mask shifted right by one, so position 0 always survives.
		var cumulative float64
		toRemove := make([]bool, len(order))
		for ii, p := range probs {
			if ii > 0 && cumulative > topP {
				toRemove[ii] = true
			}
			cumulative += p
		}
		for ii, remove := range toRemove {
			if remove {
				filtered[order[ii]] = NegInf
			}
		}
	}

	for ii, v := range filtered {
		if float64(v) < threshold {
			filtered[ii] = NegInf
		}
	}
	return filtered
}

// Softmax converts logits to probabilities. NegInf entries get probability 0.
// If every entry is NegInf it returns all zeros.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = max(maxLogit, float64(v))
	}
	if math.IsInf(maxLogit, -1) {
		return probs
	}
	var sum float64
	for ii, v := range logits {
		probs[ii] = math.Exp(float64(v) - maxLogit)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return probs
}

// ArgMax returns the index of the largest probability, the lowest index on ties.
func ArgMax(probs []float64) int {
	best := 0
	for ii, p := range probs {
		if p > probs[best] {
			best = ii
		}
	}
	return best
}

// Categorical draws one index from probs (which must sum to ~1) using rng.
// Zero probability entries are never drawn.
func Categorical(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	var cumulative float64
	last := -1
	for ii, p := range probs {
		if p <= 0 {
			continue
		}
		cumulative += p
		last = ii
		if r < cumulative {
			return ii
		}
	}
	if last < 0 {
		// Degenerate (all zero) distribution.
		return ArgMax(probs)
	}
	// Rounding: r landed past the accumulated mass.
	return last
}
