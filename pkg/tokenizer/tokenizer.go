// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizer provides the text <-> token ids conversion used for dialogues, with support
// for control tokens that are not part of the pretrained vocabulary.
//
// A Base tokenizer (GPT-2 byte-level BPE, or any HuggingFace tokenizer) is wrapped by
// WithSpecialTokens, which assigns ids beyond the base vocabulary to the missing control tokens
// and makes sure they are never split by the base tokenizer.
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Tokenizer is the capability needed by the dialogue model.
type Tokenizer interface {
	// Encode converts text to token ids. Control token strings in the text map to their ids.
	Encode(text string) []int

	// Decode converts token ids to text, optionally dropping the control tokens.
	Decode(ids []int, skipSpecial bool) string

	// IDsFor returns the ids of the given token strings, or an error if any is unknown.
	IDsFor(tokens ...string) ([]int, error)

	// VocabSize includes the added control tokens.
	VocabSize() int

	// Name identifies the tokenizer, used to key caches.
	Name() string
}

// Base is a pretrained tokenizer, without knowledge of the added control tokens.
type Base interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
	Name() string

	// TokenID returns the id of a token in the base vocabulary, if present.
	TokenID(token string) (int, bool)
}

// AddedTokensFile is the name of the file listing the added control tokens in a saved model.
const AddedTokensFile = "added_tokens.json"

// Special wraps a Base tokenizer with extra control tokens.
type Special struct {
	base     Base
	tokens   []string
	tokenIDs map[string]int
	idTokens map[int]string
}

var _ Tokenizer = (*Special)(nil)

// WithSpecialTokens wraps base, adding the tokens not yet in its vocabulary. Added tokens get
// consecutive ids starting at base.VocabSize(), in the order given.
func WithSpecialTokens(base Base, tokens ...string) *Special {
	s := &Special{
		base:     base,
		tokenIDs: make(map[string]int, len(tokens)),
		idTokens: make(map[int]string, len(tokens)),
	}
	nextID := base.VocabSize()
	for _, token := range tokens {
		if _, found := s.tokenIDs[token]; found {
			continue
		}
		id, found := base.TokenID(token)
		if !found {
			id = nextID
			nextID++
		}
		s.add(token, id)
	}
	return s
}

// WithAddedTokens wraps base with a fixed token -> id table, as saved by SaveAddedTokens.
func WithAddedTokens(base Base, added map[string]int) *Special {
	s := &Special{
		base:     base,
		tokenIDs: make(map[string]int, len(added)),
		idTokens: make(map[int]string, len(added)),
	}
	tokens := make([]string, 0, len(added))
	for token := range added {
		tokens = append(tokens, token)
	}
	slices.SortFunc(tokens, func(a, b string) int { return added[a] - added[b] })
	for _, token := range tokens {
		s.add(token, added[token])
	}
	return s
}

func (s *Special) add(token string, id int) {
	s.tokens = append(s.tokens, token)
	s.tokenIDs[token] = id
	s.idTokens[id] = token
}

// NumAdded returns how many control tokens were added beyond the base vocabulary.
func (s *Special) NumAdded() int {
	n := 0
	for _, id := range s.tokenIDs {
		if id >= s.base.VocabSize() {
			n++
		}
	}
	return n
}

// Name implements Tokenizer.
func (s *Special) Name() string { return s.base.Name() }

// VocabSize implements Tokenizer.
func (s *Special) VocabSize() int { return s.base.VocabSize() + s.NumAdded() }

// IDsFor implements Tokenizer.
func (s *Special) IDsFor(tokens ...string) ([]int, error) {
	ids := make([]int, len(tokens))
	for ii, token := range tokens {
		id, found := s.tokenIDs[token]
		if !found {
			id, found = s.base.TokenID(token)
		}
		if !found {
			return nil, errors.Errorf("token %q not in the vocabulary of tokenizer %q", token, s.Name())
		}
		ids[ii] = id
	}
	return ids, nil
}

// Encode implements Tokenizer. The text between control tokens is encoded by the base tokenizer.
func (s *Special) Encode(text string) []int {
	var ids []int
	for len(text) > 0 {
		pos, token := s.nextSpecial(text)
		if pos < 0 {
			ids = append(ids, s.base.Encode(text)...)
			break
		}
		if pos > 0 {
			ids = append(ids, s.base.Encode(text[:pos])...)
		}
		ids = append(ids, s.tokenIDs[token])
		text = text[pos+len(token):]
	}
	return ids
}

// nextSpecial finds the first (longest on ties) control token in text.
func (s *Special) nextSpecial(text string) (pos int, token string) {
	pos = -1
	for _, candidate := range s.tokens {
		idx := strings.Index(text, candidate)
		if idx < 0 {
			continue
		}
		if pos < 0 || idx < pos || (idx == pos && len(candidate) > len(token)) {
			pos, token = idx, candidate
		}
	}
	return
}

// Decode implements Tokenizer.
func (s *Special) Decode(ids []int, skipSpecial bool) string {
	var sb strings.Builder
	start := 0
	flush := func(end int) {
		if end > start {
			sb.WriteString(s.base.Decode(ids[start:end]))
		}
	}
	for ii, id := range ids {
		token, isSpecial := s.idTokens[id]
		if !isSpecial {
			continue
		}
		flush(ii)
		start = ii + 1
		if !skipSpecial {
			sb.WriteString(token)
		}
	}
	flush(len(ids))
	return sb.String()
}

// SaveAddedTokens writes the control token table to dir/added_tokens.json.
func (s *Special) SaveAddedTokens(dir string) error {
	data, err := json.MarshalIndent(s.tokenIDs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode added tokens")
	}
	path := filepath.Join(dir, AddedTokensFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// LoadAddedTokens reads a table written by SaveAddedTokens. It returns a nil map and no error
// if the file doesn't exist.
func LoadAddedTokens(dir string) (map[string]int, error) {
	path := filepath.Join(dir, AddedTokensFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	var added map[string]int
	if err := json.Unmarshal(data, &added); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	return added, nil
}
