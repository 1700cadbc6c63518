// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gomlxlm

import (
	stdcontext "context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ONNX files of an encoder-decoder export, and the model configuration.
const (
	ConfigFile      = "config.json"
	EncoderONNXFile = "onnx/encoder_model.onnx"
	DecoderONNXFile = "onnx/decoder_model.onnx"
)

// DefaultMaxLength bounds the reply length when Config.MaxLength is not set.
const DefaultMaxLength = 128

// Seq2Seq generates replies with greedy decoding of an ONNX encoder-decoder model, such as
// BlenderBot.
type Seq2Seq struct {
	mu        sync.Mutex
	name      string
	maxLength int
	backend   backends.Backend
	tok       api.Tokenizer
	startID   int
	eosID     int

	encoder, decoder       onnx.Model
	encoderCtx, decoderCtx *context.Context
	encoderExec            *context.Exec
	decoderExec            *context.Exec
}

// seq2seqConfig holds the fields read from the model config.json.
type seq2seqConfig struct {
	DecoderStartTokenID *int `json:"decoder_start_token_id"`
	EOSTokenID          *int `json:"eos_token_id"`
}

// LoadSeq2Seq downloads and loads the encoder-decoder model from the HuggingFace repository
// modelName.
func LoadSeq2Seq(modelName string, cfg Config) (*Seq2Seq, error) {
	repo := hub.New(modelName).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of repository %q", modelName)
	}
	s := &Seq2Seq{name: modelName, maxLength: cfg.MaxLength}
	if s.maxLength <= 0 {
		s.maxLength = DefaultMaxLength
	}
	var err error
	s.tok, err = tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for %q", modelName)
	}
	if err := s.readConfig(repo); err != nil {
		return nil, err
	}

	s.encoder, s.encoderCtx, err = loadONNX(repo, EncoderONNXFile)
	if err != nil {
		return nil, err
	}
	s.decoder, s.decoderCtx, err = loadONNX(repo, DecoderONNXFile)
	if err != nil {
		return nil, err
	}
	s.backend, err = newBackend(cfg)
	if err != nil {
		return nil, err
	}
	encoderInputs := inputSet(s.encoder)
	decoderInputs := inputSet(s.decoder)

	s.encoderExec, err = context.NewExec(s.backend, s.encoderCtx.Reuse(),
		func(ctx *context.Context, inputIDs *Node) *Node {
			inputs := map[string]*Node{"input_ids": ConvertDType(inputIDs, dtypes.Int64)}
			if encoderInputs["attention_mask"] {
				inputs["attention_mask"] = OnesLike(inputs["input_ids"])
			}
			return s.encoder.CallGraph(ctx, inputIDs.Graph(), inputs)[0]
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create encoder executor")
	}
	s.decoderExec, err = context.NewExec(s.backend, s.decoderCtx.Reuse(),
		func(ctx *context.Context, inputIDs, sourceIDs, hidden, lastPos *Node) *Node {
			g := inputIDs.Graph()
			ids := ConvertDType(inputIDs, dtypes.Int64)
			inputs := map[string]*Node{"input_ids": ids}
			if decoderInputs["encoder_hidden_states"] {
				inputs["encoder_hidden_states"] = hidden
			}
			if decoderInputs["encoder_attention_mask"] {
				inputs["encoder_attention_mask"] = OnesLike(ConvertDType(sourceIDs, dtypes.Int64))
			}
			if decoderInputs["attention_mask"] {
				inputs["attention_mask"] = OnesLike(ids)
			}
			logits := s.decoder.CallGraph(ctx, g, inputs)[0]
			vocabSize := logits.Shape().Dimensions[2]
			lastLogits := DynamicSlice(logits, []*Node{
				Const(g, int32(0)), lastPos, Const(g, int32(0)),
			}, []int{1, 1, vocabSize})
			return Reshape(lastLogits, vocabSize)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create decoder executor")
	}
	klog.V(1).Infof("Loaded encoder-decoder %q (decoder start %d, eos %d)", modelName, s.startID, s.eosID)
	return s, nil
}

// readConfig reads the decoder start and end-of-sentence token ids, falling back to the
// tokenizer special tokens.
func (s *Seq2Seq) readConfig(repo *hub.Repo) error {
	s.startID, s.eosID = -1, -1
	if path, err := repo.DownloadFile(ConfigFile); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read %q", path)
		}
		var cfg seq2seqConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return errors.Wrapf(err, "failed to parse %q", path)
		}
		if cfg.DecoderStartTokenID != nil {
			s.startID = *cfg.DecoderStartTokenID
		}
		if cfg.EOSTokenID != nil {
			s.eosID = *cfg.EOSTokenID
		}
	}
	if s.eosID < 0 {
		id, err := s.tok.SpecialTokenID(api.TokEndOfSentence)
		if err != nil {
			return errors.WithMessagef(err, "no end-of-sentence token for %q", s.name)
		}
		s.eosID = id
	}
	if s.startID < 0 {
		id, err := s.tok.SpecialTokenID(api.TokBeginningOfSentence)
		if err != nil {
			id = s.eosID
		}
		s.startID = id
	}
	return nil
}

// Generate encodes text and greedily decodes the reply, up to Config.MaxLength tokens.
func (s *Seq2Seq) Generate(ctx stdcontext.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source := s.tok.Encode(text)
	if len(source) == 0 || source[len(source)-1] != s.eosID {
		source = append(source, s.eosID)
	}
	sourceIDs := tensors.FromFlatDataAndDimensions(padInt32(source, len(source), 0), 1, len(source))
	hidden, err := s.encoderExec.Exec1(sourceIDs)
	if err != nil {
		return "", errors.WithMessage(err, "failed to encode message")
	}

	reply := []int{s.startID}
	for len(reply) <= s.maxLength {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seqLen := nextPow2(len(reply))
		logits, err := s.decoderExec.Exec1(
			tensors.FromFlatDataAndDimensions(padInt32(reply, seqLen, s.eosID), 1, seqLen),
			sourceIDs, hidden,
			tensors.FromScalar(int32(len(reply)-1)))
		if err != nil {
			return "", errors.WithMessagef(err, "failed to decode token %d", len(reply))
		}
		id := argMax(tensors.MustCopyFlatData[float32](logits))
		if id == s.eosID {
			break
		}
		reply = append(reply, id)
	}
	return strings.TrimSpace(s.tok.Decode(reply[1:])), nil
}

// loadONNX downloads an ONNX file of repo and loads its weights into a new context.
func loadONNX(repo *hub.Repo, file string) (onnx.Model, *context.Context, error) {
	path, err := repo.DownloadFile(file)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to download %q", file)
	}
	model, err := parser.ParseFile(path)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to read ONNX model %q", path)
	}
	ctx := context.New()
	if err := model.VariablesToContext(ctx); err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load variables of %q", file)
	}
	return model, ctx, nil
}

func inputSet(model onnx.Model) map[string]bool {
	names, _ := model.Inputs()
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// argMax returns the index of the largest score, the first one on ties.
func argMax(scores []float32) int {
	best := 0
	for ii, score := range scores {
		if score > scores[best] {
			best = ii
		}
	}
	return best
}
