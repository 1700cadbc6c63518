// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testBOS = 100 + iota
	testEOS
	testSpeaker1
	testSpeaker2
	testPad
)

var testSpecial = SpecialTokens{BOS: testBOS, EOS: testEOS, Speaker1: testSpeaker1, Speaker2: testSpeaker2, Pad: testPad}

func TestBuildInput(t *testing.T) {
	enc := NewEncoder(testSpecial)
	persona := [][]int{{5, 6}}
	history := [][]int{{7, 8, 9}}

	t.Run("gold", func(t *testing.T) {
		inst := enc.BuildInput(persona, history, []int{12, 13}, true, true)
		require.Equal(t, []int{testBOS, 5, 6, testSpeaker2, 7, 8, 9, testSpeaker1, 12, 13, testEOS}, inst.InputIDs)
		require.Equal(t, []int{
			testSpeaker1, testSpeaker1, testSpeaker1,
			testSpeaker2, testSpeaker2, testSpeaker2, testSpeaker2,
			testSpeaker1, testSpeaker1, testSpeaker1, testSpeaker1,
		}, inst.TokenTypeIDs)
		require.Equal(t, 10, inst.MCTokenID)
		require.Equal(t, []int{
			IgnoreIndex, IgnoreIndex, IgnoreIndex,
			IgnoreIndex, IgnoreIndex, IgnoreIndex, IgnoreIndex,
			IgnoreIndex, 12, 13, testEOS,
		}, inst.Labels)
	})

	t.Run("distractor", func(t *testing.T) {
		inst := enc.BuildInput(persona, history, []int{10, 11}, false, true)
		require.Len(t, inst.Labels, inst.Len())
		for _, label := range inst.Labels {
			require.Equal(t, IgnoreIndex, label)
		}
	})

	t.Run("without eos", func(t *testing.T) {
		inst := enc.BuildInput(persona, history, nil, false, false)
		require.Equal(t, []int{testBOS, 5, 6, testSpeaker2, 7, 8, 9, testSpeaker1}, inst.InputIDs)
		require.Equal(t, 7, inst.MCTokenID)
	})
}

func TestBuildInputPersonaTyping(t *testing.T) {
	enc := NewEncoder(testSpecial)
	persona := [][]int{{5}}

	// Even number of history turns: the first turn shares the persona token type.
	inst := enc.BuildInput(persona, [][]int{{7}, {8}}, []int{9}, false, false)
	require.Equal(t, []int{testBOS, 5, testSpeaker1, 7, testSpeaker2, 8, testSpeaker1, 9}, inst.InputIDs)
	require.Equal(t, []int{
		testSpeaker1, testSpeaker1,
		testSpeaker1, testSpeaker1,
		testSpeaker2, testSpeaker2,
		testSpeaker1, testSpeaker1,
	}, inst.TokenTypeIDs)

	// Odd number of history turns: the first turn is typed Speaker2.
	inst = enc.BuildInput(persona, [][]int{{8}}, []int{9}, false, false)
	require.Equal(t, []int{testSpeaker1, testSpeaker1, testSpeaker2, testSpeaker2, testSpeaker1, testSpeaker1}, inst.TokenTypeIDs)
}

func TestBuildInputInvariants(t *testing.T) {
	enc := NewEncoder(testSpecial)
	persona := [][]int{{1, 2, 3}, {4}}
	for numHistory := range 6 {
		history := make([][]int, numHistory)
		for ii := range history {
			history[ii] = []int{20 + ii, 30 + ii}
		}
		for _, isGold := range []bool{false, true} {
			for _, withEOS := range []bool{false, true} {
				inst := enc.BuildInput(persona, history, []int{7, 8, 9}, isGold, withEOS)
				require.Len(t, inst.TokenTypeIDs, inst.Len())
				require.Len(t, inst.Labels, inst.Len())
				require.Equal(t, inst.Len()-1, inst.MCTokenID)

				// Collect the role tokens prefixing each non-persona segment.
				var roles []int
				for _, id := range inst.InputIDs {
					if id == testSpeaker1 || id == testSpeaker2 {
						roles = append(roles, id)
					}
				}
				require.Len(t, roles, numHistory+1)
				require.Equal(t, testSpeaker1, roles[len(roles)-1], "reply role must not depend on history length")
				for ii := 1; ii < len(roles); ii++ {
					require.NotEqual(t, roles[ii-1], roles[ii], "roles must alternate")
				}
			}
		}
	}
}

func TestBuildInputGoldLabelSpan(t *testing.T) {
	enc := NewEncoder(testSpecial)
	inst := enc.BuildInput([][]int{{1}}, [][]int{{2}, {3}, {4}}, []int{5, 6, 7}, true, true)
	numLabeled := 0
	firstLabeled := -1
	for ii, label := range inst.Labels {
		if label != IgnoreIndex {
			numLabeled++
			if firstLabeled < 0 {
				firstLabeled = ii
			}
			require.Equal(t, inst.InputIDs[ii], label)
		}
	}
	require.Equal(t, 4, numLabeled) // 5, 6, 7 and <eos>.
	require.Equal(t, testSpeaker1, inst.InputIDs[firstLabeled-1])
	require.Equal(t, IgnoreIndex, inst.Labels[firstLabeled-1])
}

func TestSpecialTokens(t *testing.T) {
	require.Equal(t, []int{testBOS, testEOS, testSpeaker1, testSpeaker2, testPad}, testSpecial.IDs())
	require.True(t, testSpecial.IsSpecial(testPad))
	require.False(t, testSpecial.IsSpecial(5))

	resolved, err := ResolveSpecialTokens(fakeResolver{"<bos>": 1, "<eos>": 2, "<speaker1>": 3, "<speaker2>": 4, "<pad>": 5})
	require.NoError(t, err)
	require.Equal(t, SpecialTokens{BOS: 1, EOS: 2, Speaker1: 3, Speaker2: 4, Pad: 5}, resolved)

	_, err = ResolveSpecialTokens(fakeResolver{"<bos>": 1})
	require.Error(t, err)
}

type fakeResolver map[string]int

func (r fakeResolver) IDsFor(tokens ...string) ([]int, error) {
	ids := make([]int, len(tokens))
	for ii, tok := range tokens {
		id, found := r[tok]
		if !found {
			return nil, errUnknownToken(tok)
		}
		ids[ii] = id
	}
	return ids, nil
}

type errUnknownToken string

func (e errUnknownToken) Error() string { return "unknown token " + string(e) }
