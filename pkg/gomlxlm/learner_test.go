// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gomlxlm

import (
	"math"
	"testing"

	"github.com/gomlx/convai/pkg/dialogue"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestNextPow2(t *testing.T) {
	for n, want := range map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 16: 16, 17: 32} {
		require.Equal(t, want, nextPow2(n), "nextPow2(%d)", n)
	}
}

func TestBatchTensors(t *testing.T) {
	batch := &dialogue.Batch{
		InputIDs:     [][][]int{{{1, 2, 3}, {4, 5, 6}}},
		TokenTypeIDs: [][][]int{{{7, 7, 8}, {7, 8, 8}}},
		Labels:       [][][]int{{{-100, -100, -100}, {-100, 5, 6}}},
		MCTokenIDs:   [][]int{{2, 2}},
		MCLabels:     []int{1},
	}
	inputs, labels, err := batchTensors(batch)
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	require.Len(t, labels, 2)
	require.Equal(t, [][][]int32{{{1, 2, 3, 0}, {4, 5, 6, 0}}}, inputs[0].Value())
	require.Equal(t, [][][]int32{{{7, 7, 8, 0}, {7, 8, 8, 0}}}, inputs[1].Value())
	require.Equal(t, [][]int32{{2, 2}}, inputs[2].Value())
	require.Equal(t, [][][]int32{{{-100, -100, -100, -100}, {-100, 5, 6, -100}}}, labels[0].Value())
	require.Equal(t, []int32{1}, labels[1].Value())

	_, _, err = batchTensors(&dialogue.Batch{})
	require.Error(t, err)
}

func TestLMLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Uniform logits over a vocabulary of 3: every predicted token costs log(3).
	logits := tensors.FromValue([][][][]float32{{{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}, {0, 0, 0}}}})
	labels := tensors.FromValue([][][]int32{{{dialogue.IgnoreIndex, 1, dialogue.IgnoreIndex, 2}}})
	loss, err := ExecOnce(backend, func(logits, labels *Node) *Node {
		return lmLoss(logits, labels)
	}, logits, labels)
	require.NoError(t, err)
	require.InDelta(t, math.Log(3), float64(loss.Value().(float32)), 1e-5)

	// Confident and correct predictions cost close to 0.
	sharp := tensors.FromValue([][][][]float32{{{{0, 0, 0}, {0, 20, 0}, {0, 0, 0}, {0, 0, 0}}}})
	labels = tensors.FromValue([][][]int32{{{dialogue.IgnoreIndex, dialogue.IgnoreIndex, 1, dialogue.IgnoreIndex}}})
	loss, err = ExecOnce(backend, func(logits, labels *Node) *Node {
		return lmLoss(logits, labels)
	}, sharp, labels)
	require.NoError(t, err)
	require.Less(t, float64(loss.Value().(float32)), 1e-6)
}

func TestGrowAxis(t *testing.T) {
	data, dims := growAxis([]float32{1, 2, 3, 4, 5, 6}, []int{3, 2}, 0, 5)
	require.Equal(t, []int{5, 2}, dims)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 3, 4, 3, 4}, data)

	data, dims = growAxis([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3}, 1, 4)
	require.Equal(t, []int{2, 4}, dims)
	require.Equal(t, []float32{1, 2, 3, 2, 4, 5, 6, 5}, data)

	data, dims = growAxis([]float32{1, 2, 3}, []int{3}, 0, 5)
	require.Equal(t, []int{5}, dims)
	require.Equal(t, []float32{1, 2, 3, 2, 2}, data)
}

func TestVocabAxis(t *testing.T) {
	require.Equal(t, 0, vocabAxis([]int{50257, 768}, 50257))
	require.Equal(t, 1, vocabAxis([]int{768, 50257}, 50257))
	require.Equal(t, -1, vocabAxis([]int{768, 768}, 50257))
	require.Equal(t, -1, vocabAxis([]int{3, 3}, 3))
}

func TestResizeVocab(t *testing.T) {
	ctx := context.New()
	ctx.In("wte").VariableWithValue("embeddings", [][]float32{{1, 2}, {3, 4}, {5, 6}})
	ctx.In("head").VariableWithValue("bias", []float32{1, 2, 3})
	ctx.In("other").VariableWithValue("weights", [][]float32{{1, 2}})

	n, err := resizeVocab(ctx, 3, 5)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	embeddings := ctx.GetVariableByScopeAndName("/wte", "embeddings")
	require.NotNil(t, embeddings)
	require.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}, {3, 4}, {3, 4}}, embeddings.MustValue().Value())
	bias := ctx.GetVariableByScopeAndName("/head", "bias")
	require.NotNil(t, bias)
	require.Equal(t, []float32{1, 2, 3, 2, 2}, bias.MustValue().Value())
	other := ctx.GetVariableByScopeAndName("/other", "weights")
	require.Equal(t, [][]float32{{1, 2}}, other.MustValue().Value())
}

func TestNewContext(t *testing.T) {
	seed := int64(42)
	ctx := newContext(Config{Seed: &seed})
	value, found := ctx.GetParam(context.ParamInitialSeed)
	require.True(t, found)
	require.Equal(t, int64(42), value)

	_, found = newContext(Config{}).GetParam(context.ParamInitialSeed)
	require.False(t, found)
}

func TestArgMax(t *testing.T) {
	require.Equal(t, 1, argMax([]float32{0, 3, 3, 1}))
	require.Equal(t, 0, argMax([]float32{-1}))
}
