// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gomlxlm

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultONNXFile is the ONNX export of the language model looked up in a HuggingFace repository.
const DefaultONNXFile = "onnx/model.onnx"

// Config of the learner. The zero value of each field means its default.
type Config struct {
	// VocabSize is the size of the tokenizer vocabulary, including added control tokens. If larger
	// than the model vocabulary, the vocabulary-sized weights are grown to match.
	VocabSize int

	// LMCoef and MCCoef weight the language-model and multiple-choice losses.
	LMCoef, MCCoef float64

	LearningRate float64
	AdamEpsilon  float64
	WeightDecay  float64

	// MaxGradNorm is not supported by the optimizer and only logged.
	MaxGradNorm float64

	// GradientAccumulationSteps is the number of TrainStep calls over which gradients are
	// accumulated before being applied.
	GradientAccumulationSteps int

	// UseCUDA selects the "xla:cuda" backend, unless GOMLX_BACKEND is already set.
	UseCUDA bool

	// MaxLength limits the generation of sequence-to-sequence models.
	MaxLength int

	// ONNXFile is the file within the HuggingFace repository, DefaultONNXFile if empty.
	ONNXFile string

	// Seed of the context random number generator, used to initialize new weights.
	Seed *int64
}

func (c Config) onnxFile() string {
	if c.ONNXFile == "" {
		return DefaultONNXFile
	}
	return c.ONNXFile
}

// newBackend creates the backend, honoring UseCUDA.
func newBackend(cfg Config) (backends.Backend, error) {
	if cfg.UseCUDA && os.Getenv("GOMLX_BACKEND") == "" {
		if err := os.Setenv("GOMLX_BACKEND", "xla:cuda"); err != nil {
			klog.Warningf("Failed to set backend: %v", err)
		}
	}
	backend, err := backends.New()
	if err != nil {
		if cfg.UseCUDA {
			return nil, errors.WithMessage(err, "use_cuda set but CUDA unavailable")
		}
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	klog.V(1).Infof("Backend: %s", backend.Name())
	return backend, nil
}
