// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dialogue converts persona-conditioned dialogues into model inputs.
//
// A dialogue turn is packed into a single token sequence:
//
//	<bos> persona... <speakerX> history_1 ... <speaker2> history_k <speaker1> reply [<eos>]
//
// Speaker roles alternate backwards from the reply, so the reply is always spoken by <speaker1>
// no matter how long the history is. Every candidate reply of a turn becomes one Instance, and
// PadAndBatch groups the candidates of each turn so a multiple-choice head can score them jointly.
package dialogue

// Instance is the flattened training unit built from (persona, history, one candidate).
type Instance struct {
	InputIDs     []int
	TokenTypeIDs []int

	// MCTokenID is the index of the last token, used to pool the multiple-choice head.
	MCTokenID int

	// Labels holds the target id per position, or IgnoreIndex.
	Labels []int
}

// Len returns the sequence length of the instance.
func (inst *Instance) Len() int { return len(inst.InputIDs) }

// Encoder builds instances using a fixed set of special tokens.
type Encoder struct {
	Special SpecialTokens
}

// NewEncoder returns an Encoder for the given special tokens.
func NewEncoder(special SpecialTokens) *Encoder {
	return &Encoder{Special: special}
}

// roleFor returns the speaker-role token of the segment at index segIdx (segIdx >= 1) in a
// list of numSegments segments. The last segment always gets Speaker1.
func (e *Encoder) roleFor(segIdx, numSegments int) int {
	if (numSegments-segIdx+1)%2 == 1 {
		return e.Special.Speaker2
	}
	return e.Special.Speaker1
}

// BuildInput packs persona, history and one candidate reply into an Instance.
//
// If isGold is set the reply span (excluding its role token) is used as the language-model
// target, otherwise all labels are IgnoreIndex. withEOS appends <eos> to the reply; it is
// disabled during incremental generation.
//
// Roles alternate backward from the reply, which is always Speaker1: the last history turn is
// Speaker2, the one before Speaker1 and so on. The persona block is always typed Speaker1,
// regardless of the number of history turns: with an even number of turns the first turn is
// Speaker1 too, so the persona and the first turn share a token type; with an odd number they
// differ.
//
// No validation is done: empty inputs yield degenerate (but consistent) instances.
func (e *Encoder) BuildInput(persona, history [][]int, reply []int, isGold, withEOS bool) *Instance {
	numSegments := len(history) + 2

	total := 1
	for _, sentence := range persona {
		total += len(sentence)
	}
	for _, turn := range history {
		total += len(turn) + 1
	}
	replyLen := len(reply) + 1
	if withEOS {
		replyLen++
	}
	total += replyLen

	inst := &Instance{
		InputIDs:     make([]int, 0, total),
		TokenTypeIDs: make([]int, 0, total),
		Labels:       make([]int, total),
	}

	// The persona block is always typed as Speaker1, the bot's own role.
	inst.InputIDs = append(inst.InputIDs, e.Special.BOS)
	for _, sentence := range persona {
		inst.InputIDs = append(inst.InputIDs, sentence...)
	}
	for range inst.InputIDs {
		inst.TokenTypeIDs = append(inst.TokenTypeIDs, e.Special.Speaker1)
	}

	appendSegment := func(role int, tokens []int) {
		inst.InputIDs = append(inst.InputIDs, role)
		inst.InputIDs = append(inst.InputIDs, tokens...)
		for range len(tokens) + 1 {
			inst.TokenTypeIDs = append(inst.TokenTypeIDs, role)
		}
	}
	for ii, turn := range history {
		appendSegment(e.roleFor(ii+1, numSegments), turn)
	}
	replyStart := len(inst.InputIDs)
	replyRole := e.roleFor(numSegments-1, numSegments)
	appendSegment(replyRole, reply)
	if withEOS {
		inst.InputIDs = append(inst.InputIDs, e.Special.EOS)
		inst.TokenTypeIDs = append(inst.TokenTypeIDs, replyRole)
	}

	inst.MCTokenID = len(inst.InputIDs) - 1
	for ii := range inst.Labels {
		inst.Labels[ii] = IgnoreIndex
	}
	if isGold {
		// The role token at replyStart stays masked.
		copy(inst.Labels[replyStart+1:], inst.InputIDs[replyStart+1:])
	}
	return inst
}
