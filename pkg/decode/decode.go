// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode generates persona-conditioned replies token by token.
//
// Each step re-encodes (persona, history, reply-so-far) with the dialogue encoder, asks the
// model for the next-token scores, filters them (see FilterLogits) and picks the next token,
// either greedily or by sampling. Control tokens end the reply, except that before MinLength
// tokens have been generated they are rejected and redrawn.
package decode

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LM is the model capability needed for generation.
type LM interface {
	// Logits returns the next-token scores (full vocabulary) at the last position of the
	// given sequence.
	Logits(ctx context.Context, inputIDs, tokenTypeIDs []int) ([]float32, error)
}

// Decoder configures and runs reply generation. Create it with New and configure it with the
// With* methods.
//
// MinLength is a soft guarantee: if the filtered distribution leaves no way to draw a regular
// token (a control token has probability 1, or all the mass is on control tokens), the control
// token is accepted with a warning and generation stops early.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	model   LM
	encoder *dialogue.Encoder

	MaxLength   int
	MinLength   int
	Temperature float64
	DoSample    bool
	TopK        int
	TopP        float64
	Threshold   float64
	Seed        uint64

	rng *rand.Rand
}

// New creates a Decoder with the default conversational settings: sampling with
// temperature 0.7, top-p 0.9, up to 20 tokens, at least 1.
func New(model LM, encoder *dialogue.Encoder) *Decoder {
	d := &Decoder{
		model:       model,
		encoder:     encoder,
		MaxLength:   20,
		MinLength:   1,
		Temperature: 0.7,
		DoSample:    true,
		TopK:        0,
		TopP:        0.9,
		Threshold:   math.Inf(-1),
	}
	return d.WithSeed(rand.Uint64())
}

// WithMaxLength sets the maximum number of generated tokens.
func (d *Decoder) WithMaxLength(maxLength int) *Decoder {
	d.MaxLength = maxLength
	return d
}

// WithMinLength sets the number of tokens generated before control tokens are accepted.
func (d *Decoder) WithMinLength(minLength int) *Decoder {
	d.MinLength = minLength
	return d
}

// WithTemperature sets the logits divisor. Values <= 0 disable scaling.
func (d *Decoder) WithTemperature(temperature float64) *Decoder {
	d.Temperature = temperature
	return d
}

// WithSampling selects sampling (true) or greedy decoding (false).
func (d *Decoder) WithSampling(doSample bool) *Decoder {
	d.DoSample = doSample
	return d
}

// WithTopK sets top-k filtering, 0 disables it.
func (d *Decoder) WithTopK(topK int) *Decoder {
	d.TopK = topK
	return d
}

// WithTopP sets nucleus filtering, 0 disables it.
func (d *Decoder) WithTopP(topP float64) *Decoder {
	d.TopP = topP
	return d
}

// WithThreshold sets the absolute logit threshold, math.Inf(-1) disables it.
func (d *Decoder) WithThreshold(threshold float64) *Decoder {
	d.Threshold = threshold
	return d
}

// WithSeed resets the random number generator used for sampling.
func (d *Decoder) WithSeed(seed uint64) *Decoder {
	d.Seed = seed
	d.rng = newRNG(seed)
	return d
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
}

// SampleSequence generates a reply to the last turn of history, conditioned on persona.
//
// It returns the generated token ids, never including the control token that ended the reply.
// ctx is checked once per step: on cancellation the tokens generated so far are returned along
// with the context error.
//
// With sampling disabled the result is a deterministic function of the inputs, the model and
// Seed.
func (d *Decoder) SampleSequence(ctx context.Context, persona, history [][]int) ([]int, error) {
	if d.model == nil || d.encoder == nil {
		return nil, errors.New("decode.Decoder requires a model and an encoder")
	}
	rng := d.rng
	if !d.DoSample {
		rng = newRNG(d.Seed)
	}
	special := d.encoder.Special
	output := make([]int, 0, max(d.MaxLength, 0))
	for step := range max(d.MaxLength, 0) {
		if err := ctx.Err(); err != nil {
			return output, errors.Wrapf(err, "generation interrupted at step %d", step)
		}
		inst := d.encoder.BuildInput(persona, history, output, false, false)
		logits, err := d.model.Logits(ctx, inst.InputIDs, inst.TokenTypeIDs)
		if err != nil {
			return output, errors.WithMessagef(err, "model failed at generation step %d", step)
		}
		if d.Temperature > 0 && d.Temperature != 1 {
			scaled := make([]float32, len(logits))
			for ii, v := range logits {
				scaled[ii] = float32(float64(v) / d.Temperature)
			}
			logits = scaled
		}
		probs := Softmax(FilterLogits(logits, d.TopK, d.TopP, d.Threshold))
		if len(probs) == 0 || probs[ArgMax(probs)] == 0 {
			// No token survived the filters: there is nothing to draw from.
			klog.Warningf("decode: every token filtered out at generation step %d (top_k=%d, top_p=%g, threshold=%g), stopping",
				step, d.TopK, d.TopP, d.Threshold)
			break
		}

		var next int
		if d.DoSample {
			next = Categorical(rng, probs)
		} else {
			next = ArgMax(probs)
		}
		if step < d.MinLength && special.IsSpecial(next) {
			next = d.rejectSpecial(rng, probs, next, special)
		}
		if special.IsSpecial(next) {
			break
		}
		output = append(output, next)
	}
	return output, nil
}

// rejectSpecial redraws from probs until a non-control token comes out. If that is impossible
// it returns the control token it started with.
func (d *Decoder) rejectSpecial(rng *rand.Rand, probs []float64, next int, special dialogue.SpecialTokens) int {
	maxProb := probs[ArgMax(probs)]
	if maxProb >= 1 {
		klog.Warningf("decode: model generating special token %d with probability 1", next)
		return next
	}
	var regularMass float64
	for ii, p := range probs {
		if !special.IsSpecial(ii) {
			regularMass += p
		}
	}
	if regularMass <= 0 {
		klog.Warningf("decode: only special tokens have non-zero probability, accepting token %d", next)
		return next
	}
	for range MaxRedraws {
		if !special.IsSpecial(next) {
			return next
		}
		next = Categorical(rng, probs)
	}
	if special.IsSpecial(next) {
		klog.Warningf("decode: no regular token after %d redraws (regular mass %g), accepting token %d",
			MaxRedraws, regularMass, next)
	}
	return next
}

// MaxRedraws bounds the redraws done to avoid a control token before MinLength.
var MaxRedraws = 10_000
