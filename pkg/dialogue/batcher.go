// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Batcher yields padded batches of turns, one Batch at a time, in the style of a GoMLX
// train.Dataset: Yield returns io.EOF at the end of the epoch and Reset starts a new one.
//
// Padding is done per batch, so sequence lengths vary from batch to batch.
type Batcher struct {
	name        string
	turns       [][]*Instance
	nCandidates int
	batchSize   int
	padID       int

	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
}

// NewBatcher groups instances (nCandidates consecutive instances per turn) into batches of
// batchSize turns. Use WithShuffle to randomize the order of turns at every epoch.
func NewBatcher(name string, instances []*Instance, nCandidates, batchSize, padID int) (*Batcher, error) {
	if nCandidates <= 0 || len(instances)%nCandidates != 0 {
		return nil, errors.Errorf("Batcher(%q): %d instances can't be split in turns of %d candidates",
			name, len(instances), nCandidates)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("Batcher(%q): batchSize must be > 0, got %d", name, batchSize)
	}
	b := &Batcher{
		name:        name,
		nCandidates: nCandidates,
		batchSize:   batchSize,
		padID:       padID,
	}
	numTurns := len(instances) / nCandidates
	b.turns = make([][]*Instance, numTurns)
	b.order = make([]int, numTurns)
	for ii := range numTurns {
		b.turns[ii] = instances[ii*nCandidates : (ii+1)*nCandidates]
		b.order[ii] = ii
	}
	return b, nil
}

// WithShuffle enables shuffling of turns, seeded with seed. It reshuffles immediately.
func (b *Batcher) WithShuffle(seed uint64) *Batcher {
	b.shuffle = true
	b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b.Reset()
	return b
}

// Name of the dataset.
func (b *Batcher) Name() string { return b.name }

// NumTurns returns the number of turns (multiple-choice examples).
func (b *Batcher) NumTurns() int { return len(b.turns) }

// NumCandidates returns the number of candidates per turn.
func (b *Batcher) NumCandidates() int { return b.nCandidates }

// NumBatches returns the number of batches in one epoch, the last one possibly partial.
func (b *Batcher) NumBatches() int {
	return (len(b.turns) + b.batchSize - 1) / b.batchSize
}

// Reset restarts the epoch, reshuffling if enabled.
func (b *Batcher) Reset() {
	b.pos = 0
	if b.shuffle {
		b.rng.Shuffle(len(b.order), func(i, j int) {
			b.order[i], b.order[j] = b.order[j], b.order[i]
		})
	}
}

// Yield returns the next batch, or io.EOF at the end of the epoch.
func (b *Batcher) Yield() (*Batch, error) {
	if b.pos >= len(b.order) {
		return nil, io.EOF
	}
	end := min(b.pos+b.batchSize, len(b.order))
	instances := make([]*Instance, 0, (end-b.pos)*b.nCandidates)
	for _, turnIdx := range b.order[b.pos:end] {
		instances = append(instances, b.turns[turnIdx]...)
	}
	b.pos = end
	return PadAndBatch(instances, b.nCandidates, b.padID)
}
