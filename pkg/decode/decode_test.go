// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/stretchr/testify/require"
)

const vocabSize = 16

var special = dialogue.SpecialTokens{BOS: 11, EOS: 12, Speaker1: 13, Speaker2: 14, Pad: 15}

// lmFunc adapts a function to the LM interface, recording the inputs it was called with.
type lmFunc struct {
	fn    func(step int, inputIDs []int) []float32
	calls [][]int
}

func (m *lmFunc) Logits(_ context.Context, inputIDs, tokenTypeIDs []int) ([]float32, error) {
	if len(inputIDs) != len(tokenTypeIDs) {
		panic("inputIDs and tokenTypeIDs lengths differ")
	}
	step := len(m.calls)
	m.calls = append(m.calls, append([]int(nil), inputIDs...))
	return m.fn(step, inputIDs), nil
}

// onehot returns logits where only the given tokens are possible, with the given probabilities.
func onehot(tokensAndProbs map[int]float64) []float32 {
	logits := make([]float32, vocabSize)
	for ii := range logits {
		logits[ii] = NegInf
	}
	for tok, p := range tokensAndProbs {
		logits[tok] = float32(math.Log(p))
	}
	return logits
}

func newTestDecoder(lm LM) *Decoder {
	return New(lm, dialogue.NewEncoder(special)).
		WithTopP(0).WithTopK(0).WithTemperature(1).WithSeed(7)
}

func TestSampleSequenceStopsOnControlToken(t *testing.T) {
	script := []int{3, 4, special.EOS, 5}
	lm := &lmFunc{fn: func(step int, _ []int) []float32 {
		return onehot(map[int]float64{script[step]: 1})
	}}
	d := newTestDecoder(lm).WithSampling(false).WithMaxLength(10)
	persona := [][]int{{1, 2}}
	history := [][]int{{6, 7}}
	out, err := d.SampleSequence(context.Background(), persona, history)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, out)
	require.Len(t, lm.calls, 3)

	// Each step re-encodes the reply so far, without <eos>.
	require.Equal(t, []int{special.BOS, 1, 2, special.Speaker2, 6, 7, special.Speaker1}, lm.calls[0])
	require.Equal(t, []int{special.BOS, 1, 2, special.Speaker2, 6, 7, special.Speaker1, 3, 4}, lm.calls[2])
}

func TestSampleSequenceMaxLength(t *testing.T) {
	lm := &lmFunc{fn: func(int, []int) []float32 {
		return onehot(map[int]float64{2: 0.6, 3: 0.4})
	}}
	d := newTestDecoder(lm).WithMaxLength(5)
	out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.Len(t, lm.calls, 5)
	for _, tok := range out {
		require.Contains(t, []int{2, 3}, tok)
	}

	out, err = d.WithMaxLength(0).SampleSequence(context.Background(), [][]int{{1}}, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSampleSequenceGreedyIsDeterministic(t *testing.T) {
	fn := func(_ int, inputIDs []int) []float32 {
		logits := make([]float32, vocabSize)
		last := inputIDs[len(inputIDs)-1]
		for ii := range logits {
			logits[ii] = float32((ii*7 + last*3 + len(inputIDs)) % 11)
		}
		return logits
	}
	run := func() []int {
		d := New(&lmFunc{fn: fn}, dialogue.NewEncoder(special)).
			WithSampling(false).WithMaxLength(8).WithMinLength(8).WithSeed(3)
		out, err := d.SampleSequence(context.Background(), [][]int{{1, 2}}, [][]int{{3}})
		require.NoError(t, err)
		return out
	}
	first := run()
	require.NotEmpty(t, first)
	for range 3 {
		require.Equal(t, first, run())
	}
}

func TestSampleSequenceRejectsEarlyControlTokens(t *testing.T) {
	lm := &lmFunc{fn: func(step int, _ []int) []float32 {
		if step == 0 {
			return onehot(map[int]float64{special.EOS: 0.9, 5: 0.1})
		}
		return onehot(map[int]float64{special.EOS: 1})
	}}
	for seed := range uint64(20) {
		lm.calls = nil
		d := newTestDecoder(lm).WithSeed(seed).WithMinLength(1).WithMaxLength(10)
		out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
		require.NoError(t, err)
		require.Equal(t, []int{5}, out)
		require.Len(t, lm.calls, 2)
	}

	// Greedy decoding also redraws before MinLength.
	lm.calls = nil
	out, err := newTestDecoder(lm).WithSampling(false).SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Equal(t, []int{5}, out)
}

func TestSampleSequenceSaturatedControlToken(t *testing.T) {
	// Probability 1 on a control token before MinLength must not hang.
	lm := &lmFunc{fn: func(int, []int) []float32 {
		return onehot(map[int]float64{special.Pad: 1})
	}}
	d := newTestDecoder(lm).WithMinLength(5).WithMaxLength(10)
	out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Len(t, lm.calls, 1)

	// All the mass on control tokens, none of them saturated.
	lm = &lmFunc{fn: func(int, []int) []float32 {
		return onehot(map[int]float64{special.EOS: 0.5, special.Speaker2: 0.5})
	}}
	d = newTestDecoder(lm).WithMinLength(5).WithMaxLength(10)
	out, err = d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSampleSequenceCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lm := &lmFunc{}
	lm.fn = func(step int, _ []int) []float32 {
		if step == 1 {
			cancel()
		}
		return onehot(map[int]float64{4: 1})
	}
	d := newTestDecoder(lm).WithMaxLength(10)
	out, err := d.SampleSequence(ctx, [][]int{{1}}, [][]int{{2}})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{4, 4}, out)
}

func TestSampleSequenceFiltersAndTemperature(t *testing.T) {
	// Top-k=1 makes sampling pick the arg-max.
	lm := &lmFunc{fn: func(step int, _ []int) []float32 {
		if step >= 3 {
			return onehot(map[int]float64{special.EOS: 1})
		}
		return onehot(map[int]float64{2: 0.2, 3: 0.5, 4: 0.3})
	}}
	d := newTestDecoder(lm).WithTopK(1).WithTemperature(2).WithMaxLength(10)
	out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Equal(t, []int{3, 3, 3}, out)

	_, err = New(nil, nil).SampleSequence(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestSampleSequenceEverythingFiltered(t *testing.T) {
	for _, doSample := range []bool{false, true} {
		lm := &lmFunc{fn: func(int, []int) []float32 {
			return onehot(map[int]float64{5: 0.5, 6: 0.5})
		}}
		// All logits are below the threshold: no token can be chosen.
		d := newTestDecoder(lm).WithSampling(doSample).WithThreshold(10).WithMaxLength(3)
		out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
		require.NoError(t, err)
		require.Empty(t, out)
		require.Len(t, lm.calls, 1)
	}

	// Tokens generated before the filters reject everything are kept.
	lm := &lmFunc{fn: func(step int, _ []int) []float32 {
		if step == 0 {
			return onehot(map[int]float64{5: 1})
		}
		return onehot(map[int]float64{5: 0.5, 6: 0.5})
	}}
	d := newTestDecoder(lm).WithSampling(false).WithThreshold(-0.5).WithMaxLength(3)
	out, err := d.SampleSequence(context.Background(), [][]int{{1}}, [][]int{{2}})
	require.NoError(t, err)
	require.Equal(t, []int{5}, out)
	require.Len(t, lm.calls, 2)
}
