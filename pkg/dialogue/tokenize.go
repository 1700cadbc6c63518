// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// TextEncoder converts text to token ids.
type TextEncoder interface {
	Encode(text string) []int
}

// Tokenize converts every sentence of the raw dialogues into token ids, using up to workers
// goroutines (runtime.NumCPU() if workers <= 0). The output preserves the input order.
func Tokenize(ctx context.Context, enc TextEncoder, raw []RawDialogue, workers int) ([]Dialogue, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	dialogs := make([]Dialogue, len(raw))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ii := range raw {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			dialogs[ii] = tokenizeDialogue(enc, &raw[ii])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessage(err, "tokenizing dialogues")
	}
	return dialogs, nil
}

func tokenizeDialogue(enc TextEncoder, raw *RawDialogue) Dialogue {
	encodeAll := func(texts []string) [][]int {
		ids := make([][]int, len(texts))
		for ii, text := range texts {
			ids[ii] = enc.Encode(text)
		}
		return ids
	}
	d := Dialogue{
		Personality: encodeAll(raw.Personality),
		Utterances:  make([]Utterance, len(raw.Utterances)),
	}
	for ii, utt := range raw.Utterances {
		d.Utterances[ii] = Utterance{
			Candidates: encodeAll(utt.Candidates),
			History:    encodeAll(utt.History),
		}
	}
	return d
}

// TokenizeSplits tokenizes every split of a raw dataset. Splits sharing the same backing list
// (see ParseRaw) are tokenized once.
func TokenizeSplits(ctx context.Context, enc TextEncoder, raw map[string][]RawDialogue, workers int) (map[string][]Dialogue, error) {
	splits := make(map[string][]Dialogue, len(raw))
	for name, dialogs := range raw {
		if done, found := sharedSplit(raw, splits, name); found {
			splits[name] = done
			continue
		}
		tokenized, err := Tokenize(ctx, enc, dialogs, workers)
		if err != nil {
			return nil, errors.WithMessagef(err, "split %q", name)
		}
		splits[name] = tokenized
		klog.V(1).Infof("Tokenized %d dialogues of split %q", len(tokenized), name)
	}
	return splits, nil
}

// sharedSplit returns an already tokenized split whose raw list is the same as raw[name].
func sharedSplit(raw map[string][]RawDialogue, done map[string][]Dialogue, name string) ([]Dialogue, bool) {
	list := raw[name]
	if len(list) == 0 {
		return nil, false
	}
	for other, tokenized := range done {
		otherList := raw[other]
		if len(otherList) == len(list) && &otherList[0] == &list[0] {
			return tokenized, true
		}
	}
	return nil, false
}

// LoadOptions configures LoadDataset.
type LoadOptions struct {
	// Path of a dialogue JSON file. If empty, PERSONA-CHAT is downloaded into CacheDir.
	Path string

	// CacheDir holds the downloaded dataset and the tokenized caches.
	CacheDir string

	// NoCache disables reading and writing the tokenized cache.
	NoCache bool

	// TokenizerName is part of the cache file name, so different tokenizers don't collide.
	TokenizerName string

	// Workers is the tokenization parallelism.
	Workers int
}

// LoadDataset reads (or downloads) a dialogue dataset and tokenizes it, using a JSON cache of the
// tokenized result in opts.CacheDir.
func LoadDataset(ctx context.Context, enc TextEncoder, opts LoadOptions) (map[string][]Dialogue, error) {
	if opts.CacheDir == "" {
		opts.CacheDir = "cache_dir"
	}
	if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %q", opts.CacheDir)
	}
	sourceName := "personachat"
	if opts.Path != "" {
		sourceName = strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
	}
	cachePath := filepath.Join(opts.CacheDir, cacheFileName(sourceName, opts.TokenizerName))
	if !opts.NoCache {
		if splits, err := readCache(cachePath); err == nil {
			klog.V(1).Infof("Loaded tokenized dataset from cache %q", cachePath)
			return splits, nil
		} else if !os.IsNotExist(errors.Cause(err)) {
			klog.Warningf("Ignoring unreadable dataset cache %q: %v", cachePath, err)
		}
	}

	path := opts.Path
	if path == "" {
		var err error
		path, err = DownloadPersonaChat(ctx, opts.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %q", path)
	}
	raw, err := ParseRaw(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", path)
	}
	klog.Infof("Tokenizing dataset %q", path)
	splits, err := TokenizeSplits(ctx, enc, raw, opts.Workers)
	if err != nil {
		return nil, err
	}
	if !opts.NoCache {
		if err := writeCache(cachePath, splits); err != nil {
			klog.Warningf("Failed to write dataset cache: %+v", err)
		}
	}
	return splits, nil
}

func cacheFileName(source, tokenizerName string) string {
	name := "dataset_cache_" + source
	if tokenizerName != "" {
		name += "_" + strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(tokenizerName)
	}
	return name + ".json"
}

func readCache(path string) (map[string][]Dialogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var splits map[string][]Dialogue
	if err := json.Unmarshal(data, &splits); err != nil {
		return nil, errors.Wrapf(err, "corrupt cache %q", path)
	}
	return splits, nil
}

func writeCache(path string, splits map[string][]Dialogue) error {
	data, err := json.Marshal(splits)
	if err != nil {
		return errors.Wrap(err, "failed to encode dataset cache")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write dataset cache %q", path)
	}
	return nil
}
