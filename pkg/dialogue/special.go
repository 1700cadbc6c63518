// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"slices"

	"github.com/pkg/errors"
)

// IgnoreIndex is the label value excluded from the language-model loss.
const IgnoreIndex = -100

// Reserved control tokens, in the canonical order used by IDsFor and SpecialTokens.
const (
	TokBOS      = "<bos>"
	TokEOS      = "<eos>"
	TokSpeaker1 = "<speaker1>"
	TokSpeaker2 = "<speaker2>"
	TokPad      = "<pad>"
)

// SpecialTokenNames lists the control tokens every tokenizer must provide.
var SpecialTokenNames = []string{TokBOS, TokEOS, TokSpeaker1, TokSpeaker2, TokPad}

// SpecialTokens holds the ids of the reserved control tokens.
type SpecialTokens struct {
	BOS, EOS, Speaker1, Speaker2, Pad int
}

// IDResolver maps token strings to ids. It is satisfied by tokenizer.Tokenizer.
type IDResolver interface {
	IDsFor(tokens ...string) ([]int, error)
}

// ResolveSpecialTokens looks up the ids of SpecialTokenNames.
func ResolveSpecialTokens(r IDResolver) (SpecialTokens, error) {
	ids, err := r.IDsFor(SpecialTokenNames...)
	if err != nil {
		return SpecialTokens{}, errors.WithMessage(err, "resolving dialogue special tokens")
	}
	if len(ids) != len(SpecialTokenNames) {
		return SpecialTokens{}, errors.Errorf("expected %d special token ids, got %d", len(SpecialTokenNames), len(ids))
	}
	return SpecialTokens{BOS: ids[0], EOS: ids[1], Speaker1: ids[2], Speaker2: ids[3], Pad: ids[4]}, nil
}

// IDs returns the ids in the order of SpecialTokenNames.
func (s SpecialTokens) IDs() []int {
	return []int{s.BOS, s.EOS, s.Speaker1, s.Speaker2, s.Pad}
}

// IsSpecial reports whether id is one of the control tokens.
func (s SpecialTokens) IsSpecial(id int) bool {
	return slices.Contains(s.IDs(), id)
}
