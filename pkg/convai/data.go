// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"context"

	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loadDialogues reads and tokenizes the dataset at path (PERSONA-CHAT if path is empty).
func (m *Model) loadDialogues(ctx context.Context, path string) (map[string][]dialogue.Dialogue, error) {
	return dialogue.LoadDataset(ctx, m.tokenizer, dialogue.LoadOptions{
		Path:          path,
		CacheDir:      m.Args.CacheDir,
		NoCache:       m.Args.NoCache,
		TokenizerName: m.tokenizer.Name(),
		Workers:       m.Args.ProcessCount,
	})
}

// loadBatcher builds the batches of the train split, shuffled, or of the valid split when
// evaluate is set.
func (m *Model) loadBatcher(ctx context.Context, path string, evaluate bool) (*dialogue.Batcher, error) {
	splits, err := m.loadDialogues(ctx, path)
	if err != nil {
		return nil, err
	}
	split, batchSize := dialogue.SplitTrain, m.Args.TrainBatchSize
	if evaluate {
		split, batchSize = dialogue.SplitValid, m.Args.EvalBatchSize
	}
	dialogs, found := splits[split]
	if !found {
		return nil, errors.Errorf("dataset %q has no %q split", path, split)
	}
	instances, nCandidates, err := m.encoder.Expand(dialogs, dialogue.ExpandOptions{
		MaxHistory:              m.Args.MaxHistory,
		NumCandidates:           m.Args.NumCandidates,
		PersonalityPermutations: m.Args.PersonalityPermutations,
		Evaluate:                evaluate,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "split %q", split)
	}
	batcher, err := dialogue.NewBatcher(split, instances, nCandidates, batchSize, m.special.Pad)
	if err != nil {
		return nil, err
	}
	if !evaluate {
		batcher.WithShuffle(m.rng.Uint64())
	}
	klog.V(1).Infof("%s split: %d turns of %d candidates, %d batches", split, batcher.NumTurns(), nCandidates, batcher.NumBatches())
	return batcher, nil
}

// randomPersonality picks the personality of a random dialogue of the dataset at path.
func (m *Model) randomPersonality(ctx context.Context, path string) ([][]int, error) {
	splits, err := m.loadDialogues(ctx, path)
	if err != nil {
		return nil, err
	}
	var personalities [][][]int
	for _, split := range []string{dialogue.SplitTrain, dialogue.SplitValid} {
		for _, dialog := range splits[split] {
			personalities = append(personalities, dialog.Personality)
		}
	}
	if len(personalities) == 0 {
		return nil, errors.New("no personalities in the dataset")
	}
	return personalities[m.rng.IntN(len(personalities))], nil
}
