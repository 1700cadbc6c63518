// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prompt is printed before reading each message in Interact.
const Prompt = ">>> "

// blender-small replies are wrapped in these markers.
const (
	blenderSmallStart = "__start__ "
	blenderSmallEnd   = " __end__"
)

// Interact runs a conversation on the terminal: it reads messages from in, one per line, and
// writes the replies to out, until in is exhausted or ctx is cancelled.
//
// If personality is empty, the personality of a random dialogue of PERSONA-CHAT is used.
func (m *Model) Interact(ctx context.Context, in io.Reader, out io.Writer, personality []string) error {
	if !IsTrainable(m.Type) {
		return m.interactGenerator(ctx, in, out)
	}
	persona, err := m.persona(ctx, personality)
	if err != nil {
		return err
	}
	klog.Infof("Selected personality: %s", m.tokenizer.Decode(flatten(persona), true))

	m.mu.Lock()
	defer m.mu.Unlock()
	decoder := m.newDecoder()
	var history [][]int
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, Prompt)
		if !scanner.Scan() {
			return errors.Wrap(scanner.Err(), "failed to read message")
		}
		message := scanner.Text()
		if message == "" {
			_, _ = fmt.Fprintln(out, "Prompt should not be empty!")
			continue
		}
		history = append(history, m.tokenizer.Encode(message))
		outIDs, err := decoder.SampleSequence(ctx, persona, history)
		if err != nil {
			return err
		}
		history = append(history, outIDs)
		history = dialogue.TruncateHistory(history, m.Args.MaxHistory)
		_, _ = fmt.Fprintln(out, m.tokenizer.Decode(outIDs, m.Args.SkipSpecialTokens))
	}
}

// interactGenerator is Interact for generation-only models: the conversation so far is given
// to the Generator as text, one turn per line.
func (m *Model) interactGenerator(ctx context.Context, in io.Reader, out io.Writer) error {
	var history []string
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, Prompt)
		if !scanner.Scan() {
			return errors.Wrap(scanner.Err(), "failed to read message")
		}
		message := scanner.Text()
		if message == "" {
			_, _ = fmt.Fprintln(out, "Prompt should not be empty!")
			continue
		}
		history = append(history, message)
		reply, err := m.generate(ctx, history)
		if err != nil {
			return err
		}
		history = append(history, reply)
		history = dialogue.TruncateHistory(history, m.Args.MaxHistory)
		_, _ = fmt.Fprintln(out, reply)
	}
}

// InteractSingle replies to one message, given the previous turns of the conversation in
// history, and returns the reply with the updated history (history + message + reply).
//
// If personality is empty, the personality of a random dialogue of PERSONA-CHAT is used.
// With encodeHistory the returned history keeps every turn; otherwise it is truncated to the
// last 2*Args.MaxHistory+1 turns, which is enough to continue the conversation.
func (m *Model) InteractSingle(ctx context.Context, message string, history, personality []string, encodeHistory bool) (string, []string, error) {
	history = append(history[:len(history):len(history)], message)
	if !IsTrainable(m.Type) {
		reply, err := m.generate(ctx, history)
		if err != nil {
			return "", nil, err
		}
		return reply, m.replied(history, reply, encodeHistory), nil
	}
	persona, err := m.persona(ctx, personality)
	if err != nil {
		return "", nil, err
	}
	historyIDs := make([][]int, len(history))
	for ii, text := range history {
		historyIDs[ii] = m.tokenizer.Encode(text)
	}

	m.mu.Lock()
	outIDs, err := m.newDecoder().SampleSequence(ctx, persona, historyIDs)
	m.mu.Unlock()
	if err != nil {
		return "", nil, err
	}
	reply := m.tokenizer.Decode(outIDs, m.Args.SkipSpecialTokens)
	return reply, m.replied(history, reply, encodeHistory), nil
}

// replied appends reply to history, truncated unless keepAll.
func (m *Model) replied(history []string, reply string, keepAll bool) []string {
	history = append(history, reply)
	if !keepAll {
		history = dialogue.TruncateHistory(history, m.Args.MaxHistory)
	}
	return history
}

// persona encodes the given personality, lower-cased, or picks a random one from PERSONA-CHAT.
func (m *Model) persona(ctx context.Context, personality []string) ([][]int, error) {
	if len(personality) == 0 {
		persona, err := m.randomPersonality(ctx, "")
		if err != nil {
			return nil, errors.WithMessage(err, "failed to pick a random personality")
		}
		return persona, nil
	}
	persona := make([][]int, len(personality))
	for ii, sentence := range personality {
		persona[ii] = m.tokenizer.Encode(strings.ToLower(sentence))
	}
	return persona, nil
}

// generate replies to the last of turns with the Generator, stripping the blender-small markers.
// The turns are joined by new lines.
func (m *Model) generate(ctx context.Context, turns []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply, err := m.generator.Generate(ctx, strings.Join(turns, "\n"))
	if err != nil {
		return "", err
	}
	if m.Type == TypeBlenderSmall {
		reply = strings.TrimSuffix(strings.TrimPrefix(reply, blenderSmallStart), blenderSmallEnd)
	}
	return reply, nil
}

func flatten(persona [][]int) []int {
	var ids []int
	for _, sentence := range persona {
		ids = append(ids, sentence...)
	}
	return ids
}
