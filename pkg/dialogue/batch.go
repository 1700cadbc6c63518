// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"github.com/pkg/errors"
)

// Batch groups the candidate instances of several turns, padded to a common sequence length.
//
// InputIDs, TokenTypeIDs and Labels are indexed [turn][candidate][position], MCTokenIDs is
// indexed [turn][candidate] and MCLabels [turn].
type Batch struct {
	InputIDs     [][][]int
	TokenTypeIDs [][][]int
	Labels       [][][]int
	MCTokenIDs   [][]int
	MCLabels     []int
}

// NumTurns returns the number of turns (the leading dimension) in the batch.
func (b *Batch) NumTurns() int { return len(b.MCLabels) }

// NumCandidates returns the number of candidates per turn.
func (b *Batch) NumCandidates() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// SeqLen returns the padded sequence length.
func (b *Batch) SeqLen() int {
	if b.NumCandidates() == 0 {
		return 0
	}
	return len(b.InputIDs[0][0])
}

// PadAndBatch pads the instances to their maximum length and groups them into turns of
// nCandidates consecutive instances. The gold candidate is assumed to be the last of each turn.
//
// InputIDs and TokenTypeIDs are padded with padID, Labels with IgnoreIndex. The instances
// themselves are not modified.
func PadAndBatch(instances []*Instance, nCandidates, padID int) (*Batch, error) {
	if nCandidates <= 0 {
		return nil, errors.Errorf("PadAndBatch requires nCandidates > 0, got %d", nCandidates)
	}
	if len(instances)%nCandidates != 0 {
		return nil, errors.Errorf("PadAndBatch got %d instances, not a multiple of %d candidates",
			len(instances), nCandidates)
	}
	maxLen := 0
	for _, inst := range instances {
		maxLen = max(maxLen, inst.Len())
	}
	numTurns := len(instances) / nCandidates
	b := &Batch{
		InputIDs:     make([][][]int, numTurns),
		TokenTypeIDs: make([][][]int, numTurns),
		Labels:       make([][][]int, numTurns),
		MCTokenIDs:   make([][]int, numTurns),
		MCLabels:     make([]int, numTurns),
	}
	for turn := range numTurns {
		b.InputIDs[turn] = make([][]int, nCandidates)
		b.TokenTypeIDs[turn] = make([][]int, nCandidates)
		b.Labels[turn] = make([][]int, nCandidates)
		b.MCTokenIDs[turn] = make([]int, nCandidates)
		b.MCLabels[turn] = nCandidates - 1
		for cand := range nCandidates {
			inst := instances[turn*nCandidates+cand]
			b.InputIDs[turn][cand] = padTo(inst.InputIDs, maxLen, padID)
			b.TokenTypeIDs[turn][cand] = padTo(inst.TokenTypeIDs, maxLen, padID)
			b.Labels[turn][cand] = padTo(inst.Labels, maxLen, IgnoreIndex)
			b.MCTokenIDs[turn][cand] = inst.MCTokenID
		}
	}
	return b, nil
}

func padTo(values []int, length, fill int) []int {
	padded := make([]int, length)
	n := copy(padded, values)
	for ii := n; ii < length; ii++ {
		padded[ii] = fill
	}
	return padded
}
