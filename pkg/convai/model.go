// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convai fine-tunes and runs persona-conditioned conversational models.
//
// A Model ties together a tokenizer with the dialogue control tokens, the dialogue encoder
// (package dialogue), the constrained decoder (package decode) and a Learner, the trainable
// double-heads language model that does the tensor work (package gomlxlm provides the default
// one, built with GoMLX).
//
// Typical use:
//
//	args := convai.DefaultArgs()
//	model, err := convai.New("gpt", "openai-community/openai-gpt", args)
//	...
//	result, err := model.Train(ctx, "", "")
//	...
//	reply, history, err := model.InteractSingle(ctx, "Hi! How are you?", nil, nil, true)
package convai

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/gomlx/convai/pkg/decode"
	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/gomlx/convai/pkg/gomlxlm"
	"github.com/gomlx/convai/pkg/tokenizer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Learner is a trainable double-heads model: a language model head over the whole sequence and
// a multiple-choice head reading the last token of each candidate.
//
// Learners are not safe for concurrent use.
type Learner interface {
	decode.LM

	// TrainStep runs forward and backward on the batch and returns the joint loss
	// lm_loss*lm_coef + mc_loss*mc_coef. Gradients may be accumulated over several calls before
	// being applied, according to how the Learner was configured.
	TrainStep(batch *dialogue.Batch, learningRate float64) (loss float64, err error)

	// EvalStep returns the language model loss over the non-ignored labels, and the
	// multiple-choice scores shaped [turns][candidates].
	EvalStep(batch *dialogue.Batch) (lmLoss float64, mcLogits [][]float32, err error)

	// Save writes the model weights into dir.
	Save(dir string) error

	// NumParameters returns the number of trainable scalars.
	NumParameters() int
}

// Generator produces a whole reply from a message, for model families that are not driven by
// the dialogue encoder.
type Generator interface {
	Generate(ctx context.Context, text string) (string, error)
}

// Observer receives training progress. See ui/commandline for a terminal progress bar.
type Observer interface {
	// OnStep is called after every optimizer step.
	OnStep(globalStep, totalSteps int, loss, learningRate float64)

	// OnEvaluation is called with the results of each evaluation during training.
	OnEvaluation(globalStep int, results map[string]float64)

	// OnEnd is called once training finishes, successfully or not.
	OnEnd()
}

// Model types.
const (
	TypeGPT          = "gpt"
	TypeGPT2         = "gpt2"
	TypeBlender      = "blender"
	TypeBlenderSmall = "blender-small"
)

// Model is a conversational model. Its methods serialize access to the underlying Learner.
type Model struct {
	Type string
	Name string
	Args *Args

	tokenizer tokenizer.Tokenizer
	special   dialogue.SpecialTokens
	encoder   *dialogue.Encoder
	learner   Learner
	generator Generator
	observer  Observer

	mu      sync.Mutex
	rng     *rand.Rand
	results map[string]float64
}

// Option configures New.
type Option func(o *options)

type options struct {
	tokenizer tokenizer.Tokenizer
	learner   Learner
	generator Generator
	observer  Observer
}

// WithTokenizer uses tok instead of loading the tokenizer of the pretrained model.
func WithTokenizer(tok tokenizer.Tokenizer) Option {
	return func(o *options) { o.tokenizer = tok }
}

// WithLearner uses learner instead of loading the pretrained model with GoMLX.
func WithLearner(learner Learner) Option {
	return func(o *options) { o.learner = learner }
}

// WithGenerator sets the reply generator of generation-only model types.
func WithGenerator(generator Generator) Option {
	return func(o *options) { o.generator = generator }
}

// WithObserver reports training progress to observer.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// IsTrainable reports whether models of the given type can be fine-tuned.
func IsTrainable(modelType string) bool {
	return modelType == TypeGPT || modelType == TypeGPT2
}

// New creates a Model of the given type from a pretrained model: a HuggingFace repository id,
// or a directory written by Model.Save.
//
// If args is nil, the defaults updated with the model_args.json saved in modelName (if any)
// are used.
func New(modelType, modelName string, args *Args, opts ...Option) (*Model, error) {
	switch modelType {
	case TypeGPT, TypeGPT2, TypeBlender, TypeBlenderSmall:
	default:
		return nil, errors.Errorf("unknown model type %q, valid types are %q", modelType,
			[]string{TypeGPT, TypeGPT2, TypeBlender, TypeBlenderSmall})
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if args == nil {
		var err error
		args, err = LoadArgs(modelName)
		if err != nil {
			return nil, err
		}
	} else {
		args = args.Clone()
	}
	args.ModelType = modelType
	args.ModelName = modelName
	if args.RunID == "" {
		args.RunID = uuid.NewString()
	}

	m := &Model{
		Type:     modelType,
		Name:     modelName,
		Args:     args,
		observer: o.observer,
		results:  make(map[string]float64),
	}
	seed, hasSeed := args.Seed()
	if !hasSeed {
		seed = rand.Int64()
	}
	m.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	klog.V(1).Infof("convai run %s: model %q (%s)", args.RunID, modelName, modelType)

	if !IsTrainable(modelType) {
		m.generator = o.generator
		if m.generator == nil {
			gen, err := gomlxlm.LoadSeq2Seq(modelName, m.learnerConfig(0))
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to load %s model %q", modelType, modelName)
			}
			m.generator = gen
		}
		return m, nil
	}

	m.tokenizer = o.tokenizer
	if m.tokenizer == nil {
		tok, err := tokenizer.Load(modelName, dialogue.SpecialTokenNames...)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load tokenizer of %q", modelName)
		}
		m.tokenizer = tok
	}
	special, err := dialogue.ResolveSpecialTokens(m.tokenizer)
	if err != nil {
		return nil, err
	}
	m.special = special
	m.encoder = dialogue.NewEncoder(special)

	m.learner = o.learner
	if m.learner == nil {
		learner, err := gomlxlm.Load(modelName, m.learnerConfig(m.tokenizer.VocabSize()))
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load model %q", modelName)
		}
		m.learner = learner
	}
	if sized, ok := m.learner.(interface{ VocabSize() int }); ok {
		for _, id := range special.IDs() {
			if id >= sized.VocabSize() {
				return nil, errors.Errorf("model vocabulary (%d) doesn't cover control token id %d", sized.VocabSize(), id)
			}
		}
	}
	return m, nil
}

// learnerConfig translates the arguments into the configuration of the GoMLX learner.
func (m *Model) learnerConfig(vocabSize int) gomlxlm.Config {
	cfg := gomlxlm.Config{
		VocabSize:                 vocabSize,
		LMCoef:                    m.Args.LMCoef,
		MCCoef:                    m.Args.MCCoef,
		LearningRate:              m.Args.LearningRate,
		AdamEpsilon:               m.Args.AdamEpsilon,
		WeightDecay:               m.Args.WeightDecay,
		MaxGradNorm:               m.Args.MaxGradNorm,
		GradientAccumulationSteps: m.Args.GradientAccumulationSteps,
		UseCUDA:                   m.Args.UseCUDA,
		MaxLength:                 m.Args.MaxLength,
	}
	if seed, ok := m.Args.Seed(); ok {
		cfg.Seed = &seed
	}
	return cfg
}

// Tokenizer returns the tokenizer, nil for generation-only models.
func (m *Model) Tokenizer() tokenizer.Tokenizer { return m.tokenizer }

// Learner returns the underlying trainable model, nil for generation-only models.
func (m *Model) Learner() Learner { return m.learner }

// Results returns the results of the last evaluation.
func (m *Model) Results() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(map[string]float64, len(m.results))
	for k, v := range m.results {
		results[k] = v
	}
	return results
}

// newDecoder configures the constrained decoder from the arguments.
func (m *Model) newDecoder() *decode.Decoder {
	d := decode.New(m.learner, m.encoder).
		WithMaxLength(m.Args.MaxLength).
		WithMinLength(m.Args.MinLength).
		WithTemperature(m.Args.Temperature).
		WithSampling(m.Args.DoSample).
		WithTopK(m.Args.TopK).
		WithTopP(m.Args.TopP)
	return d.WithSeed(m.rng.Uint64())
}

// checkOutputDir fails if dir exists, is not empty, and overwriting was not requested.
func checkOutputDir(dir string, overwrite bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 || overwrite {
		return nil
	}
	return errors.Errorf("output directory %q already exists and is not empty, set overwrite_output_dir to overcome", dir)
}
