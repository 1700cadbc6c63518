// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

var negInf = math.Inf(-1)

func TestFilterLogitsIdentity(t *testing.T) {
	logits := []float32{0.5, -1, 3, 2, 2}
	filtered := FilterLogits(logits, 0, 0, negInf)
	require.Equal(t, logits, filtered)

	// Input is never modified.
	_ = FilterLogits(logits, 1, 0.1, 10)
	require.Equal(t, []float32{0.5, -1, 3, 2, 2}, logits)

	require.Empty(t, FilterLogits(nil, 3, 0.5, 0))
}

func TestFilterLogitsTopK(t *testing.T) {
	logits := []float32{0.5, -1, 3, 2, 2}
	require.Equal(t, []float32{NegInf, NegInf, 3, NegInf, NegInf}, FilterLogits(logits, 1, 0, negInf))
	// Ties with the k-th value are kept.
	require.Equal(t, []float32{NegInf, NegInf, 3, 2, 2}, FilterLogits(logits, 2, 0, negInf))
	// k larger than the vocabulary keeps everything.
	require.Equal(t, logits, FilterLogits(logits, 100, 0, negInf))
}

func TestFilterLogitsTopP(t *testing.T) {
	// Probabilities 0.5, 0.25, 0.125, 0.125.
	logits := []float32{
		float32(math.Log(0.125)), float32(math.Log(0.5)),
		float32(math.Log(0.125)), float32(math.Log(0.25)),
	}
	filtered := FilterLogits(logits, 0, 0.6, negInf)
	require.Equal(t, NegInf, filtered[0])
	require.Equal(t, logits[1], filtered[1])
	require.Equal(t, NegInf, filtered[2])
	require.Equal(t, logits[3], filtered[3])

	// A large p keeps everything.
	require.Equal(t, logits, FilterLogits(logits, 0, 1.5, negInf))

	// Tiny p keeps only the global maximum.
	for _, p := range []float64{1e-9, 0.01, 0.4} {
		filtered = FilterLogits(logits, 0, p, negInf)
		finite := 0
		for ii, v := range filtered {
			if !math.IsInf(float64(v), -1) {
				finite++
				require.Equal(t, 1, ii)
			}
		}
		require.Equal(t, 1, finite)
	}

	// The maximum survives even when its own probability is above p.
	peaked := []float32{10, 0, 0}
	filtered = FilterLogits(peaked, 0, 0.5, negInf)
	require.Equal(t, []float32{10, NegInf, NegInf}, filtered)
}

func TestFilterLogitsThresholdAndComposition(t *testing.T) {
	logits := []float32{0.5, -1, 3, 2, 1}
	require.Equal(t, []float32{NegInf, NegInf, 3, 2, 1}, FilterLogits(logits, 0, 0, 1))
	// Top-k keeps 3 entries, threshold removes one of them.
	require.Equal(t, []float32{NegInf, NegInf, 3, 2, NegInf}, FilterLogits(logits, 3, 0, 1.5))
}

func TestSoftmaxAndPicks(t *testing.T) {
	probs := Softmax([]float32{0, 0, NegInf})
	require.InDelta(t, 0.5, probs[0], 1e-9)
	require.InDelta(t, 0.5, probs[1], 1e-9)
	require.Equal(t, 0.0, probs[2])
	require.Equal(t, []float64{0, 0}, Softmax([]float32{NegInf, NegInf}))

	require.Equal(t, 0, ArgMax(probs))
	require.Equal(t, 2, ArgMax([]float64{0.1, 0.2, 0.7}))

	rng := rand.New(rand.NewPCG(1, 2))
	counts := make([]int, 3)
	for range 2000 {
		counts[Categorical(rng, []float64{0.25, 0, 0.75})]++
	}
	require.Zero(t, counts[1])
	require.InDelta(t, 500, counts[0], 100)
	require.InDelta(t, 1500, counts[2], 100)
	require.Equal(t, 1, Categorical(rng, []float64{0, 1}))
}
