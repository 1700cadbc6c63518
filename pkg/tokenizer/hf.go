// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConfigFile holds the model configuration, where the vocabulary size is read from.
const ConfigFile = "config.json"

// HF adapts a go-huggingface tokenizer to Base.
type HF struct {
	name      string
	tok       api.Tokenizer
	vocabSize int
}

var _ Base = (*HF)(nil)

// NewHF wraps tok. vocabSize is the size of the model's embedding table for the base vocabulary.
func NewHF(name string, tok api.Tokenizer, vocabSize int) *HF {
	return &HF{name: name, tok: tok, vocabSize: vocabSize}
}

// Encode implements Base.
func (t *HF) Encode(text string) []int { return t.tok.Encode(text) }

// Decode implements Base.
func (t *HF) Decode(ids []int) string { return t.tok.Decode(ids) }

// VocabSize implements Base.
func (t *HF) VocabSize() int { return t.vocabSize }

// Name implements Base.
func (t *HF) Name() string { return t.name }

// TokenID implements Base. A token is in the vocabulary if it encodes to exactly one id that
// decodes back to it.
func (t *HF) TokenID(token string) (int, bool) {
	ids := t.tok.Encode(token)
	if len(ids) != 1 || t.tok.Decode(ids) != token {
		return 0, false
	}
	return ids[0], true
}

// readVocabSize reads "vocab_size" from a model config.json.
func readVocabSize(configPath string) (int, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %q", configPath)
	}
	var config struct {
		VocabSize int `json:"vocab_size"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return 0, errors.Wrapf(err, "failed to parse %q", configPath)
	}
	if config.VocabSize <= 0 {
		return 0, errors.Errorf("no vocab_size in %q", configPath)
	}
	return config.VocabSize, nil
}

// Load returns the tokenizer for a model, wrapped with the given control tokens.
//
// nameOrPath is either a local directory (a previously saved model) or a HuggingFace repository
// id. A local directory must hold vocab.json and merges.txt, and if it holds added_tokens.json
// the saved control token ids are reused. For a repository, its GPT-2 style BPE files are used
// when present, otherwise the repository's tokenizer.json is loaded through go-huggingface.
func Load(nameOrPath string, controlTokens ...string) (*Special, error) {
	if info, err := os.Stat(nameOrPath); err == nil && info.IsDir() {
		base, err := LoadBPEDir(nameOrPath)
		if err != nil {
			return nil, err
		}
		added, err := LoadAddedTokens(nameOrPath)
		if err != nil {
			return nil, err
		}
		if added != nil {
			return WithAddedTokens(base, added), nil
		}
		return WithSpecialTokens(base, controlTokens...), nil
	}

	repo := hub.New(nameOrPath).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of model %q", nameOrPath)
	}
	base, err := loadFromRepo(repo, nameOrPath)
	if err != nil {
		return nil, err
	}
	s := WithSpecialTokens(base, controlTokens...)
	klog.V(1).Infof("tokenizer %q: base vocabulary %d, %d control tokens added", nameOrPath, base.VocabSize(), s.NumAdded())
	return s, nil
}

func loadFromRepo(repo *hub.Repo, name string) (Base, error) {
	bpe, bpeErr := LoadBPE(repo, name)
	if bpeErr == nil {
		return bpe, nil
	}
	klog.V(1).Infof("model %q has no BPE files (%v), using its tokenizer.json", name, bpeErr)
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for %q", name)
	}
	configPath, err := repo.DownloadFile(ConfigFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s of %q", ConfigFile, name)
	}
	vocabSize, err := readVocabSize(configPath)
	if err != nil {
		return nil, err
	}
	return NewHF(name, tok, vocabSize), nil
}

// Save writes the tokenizer files into dir, so Load(dir) restores it.
func (s *Special) Save(dir string) error {
	saver, ok := s.base.(interface{ Save(dir string) error })
	if !ok {
		return errors.Errorf("tokenizer %q (%T) can't be saved", s.Name(), s.base)
	}
	if err := saver.Save(dir); err != nil {
		return err
	}
	return s.SaveAddedTokens(dir)
}

// Base returns the wrapped pretrained tokenizer.
func (s *Special) Base() Base { return s.base }

// LoadDir is Load restricted to local directories, with a clearer error when dir is missing.
func LoadDir(dir string, controlTokens ...string) (*Special, error) {
	if _, err := os.Stat(filepath.Join(dir, VocabFile)); err != nil {
		return nil, errors.Wrapf(err, "no tokenizer in %q", dir)
	}
	return Load(dir, controlTokens...)
}
