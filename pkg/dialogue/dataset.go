// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Dataset split names, as used by PERSONA-CHAT.
const (
	SplitTrain = "train"
	SplitValid = "valid"
)

// RawUtterance is one turn of a dialogue in text form. The gold reply is the last candidate.
type RawUtterance struct {
	Candidates []string `json:"candidates"`
	History    []string `json:"history"`
}

// RawDialogue is a dialogue record in text form.
type RawDialogue struct {
	Personality []string       `json:"personality"`
	Utterances  []RawUtterance `json:"utterances"`
}

// Utterance is a tokenized RawUtterance.
type Utterance struct {
	Candidates [][]int `json:"candidates"`
	History    [][]int `json:"history"`
}

// Dialogue is a tokenized RawDialogue.
type Dialogue struct {
	Personality [][]int     `json:"personality"`
	Utterances  []Utterance `json:"utterances"`
}

// ParseRaw decodes dialogue records from JSON.
//
// Two layouts are accepted: a list of dialogues (a user provided file), which is returned
// under both SplitTrain and SplitValid, or an object mapping split names to lists of dialogues
// (the PERSONA-CHAT layout).
func ParseRaw(data []byte) (map[string][]RawDialogue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty dialogue dataset")
	}
	if trimmed[0] == '[' {
		var list []RawDialogue
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, errors.Wrap(err, "failed to parse list of dialogues")
		}
		return map[string][]RawDialogue{SplitTrain: list, SplitValid: list}, nil
	}
	var splits map[string][]RawDialogue
	if err := json.Unmarshal(trimmed, &splits); err != nil {
		return nil, errors.Wrap(err, "failed to parse dialogue splits")
	}
	return splits, nil
}

// ExpandOptions configures how dialogues are expanded into instances.
type ExpandOptions struct {
	// MaxHistory keeps the last 2*MaxHistory+1 history entries of each utterance.
	MaxHistory int

	// NumCandidates caps the candidates per utterance when training. If <= 0, or when
	// Evaluate is set, the candidate count of the first utterance is used.
	NumCandidates int

	// PersonalityPermutations is the number of passes over each dialogue, rotating the
	// persona sentences between passes.
	PersonalityPermutations int

	// Evaluate disables the NumCandidates cap.
	Evaluate bool
}

// Expand converts dialogues into instances, nCandidates per utterance, the gold candidate last.
// It returns the instances and the number of candidates per turn.
func (e *Encoder) Expand(dialogs []Dialogue, opts ExpandOptions) (instances []*Instance, nCandidates int, err error) {
	if len(dialogs) == 0 || len(dialogs[0].Utterances) == 0 {
		return nil, 0, errors.New("no dialogues (or utterances) to expand")
	}
	nCandidates = len(dialogs[0].Utterances[0].Candidates)
	if opts.NumCandidates > 0 && !opts.Evaluate {
		nCandidates = min(opts.NumCandidates, nCandidates)
	}
	if nCandidates == 0 {
		return nil, 0, errors.New("first utterance has no candidates")
	}
	permutations := max(opts.PersonalityPermutations, 1)
	for dialogIdx, dialog := range dialogs {
		persona := append([][]int(nil), dialog.Personality...)
		for range permutations {
			for uttIdx, utt := range dialog.Utterances {
				if len(utt.Candidates) < nCandidates {
					return nil, 0, errors.Errorf("dialogue #%d utterance #%d has %d candidates, %d required",
						dialogIdx, uttIdx, len(utt.Candidates), nCandidates)
				}
				history := TruncateHistory(utt.History, opts.MaxHistory)
				candidates := utt.Candidates[len(utt.Candidates)-nCandidates:]
				for candIdx, candidate := range candidates {
					isGold := candIdx == nCandidates-1
					instances = append(instances, e.BuildInput(persona, history, candidate, isGold, true))
				}
			}
			persona = RotatePersona(persona)
		}
	}
	return instances, nCandidates, nil
}

// TruncateHistory returns the last 2*maxHistory+1 entries of history.
func TruncateHistory[T any](history []T, maxHistory int) []T {
	keep := 2*maxHistory + 1
	if keep < 0 || len(history) <= keep {
		return history
	}
	return history[len(history)-keep:]
}

// RotatePersona moves the last sentence to the front. It returns a new slice.
func RotatePersona(persona [][]int) [][]int {
	if len(persona) < 2 {
		return persona
	}
	rotated := make([][]int, 0, len(persona))
	rotated = append(rotated, persona[len(persona)-1])
	return append(rotated, persona[:len(persona)-1]...)
}
