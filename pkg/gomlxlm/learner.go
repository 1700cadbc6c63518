// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gomlxlm runs the pretrained language models on GoMLX: a double-heads learner
// (language modeling plus multiple-choice) built on an ONNX causal language model, and a
// sequence-to-sequence generator built on an ONNX encoder-decoder.
//
// Models are read from HuggingFace repositories with their ONNX exports, or from a directory
// previously written with Learner.Save.
package gomlxlm

import (
	stdcontext "context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LearnerFile records where the ONNX graph of a saved learner comes from.
	LearnerFile = "learner.json"

	// WeightsDir is the subdirectory of a saved learner holding the weights checkpoint.
	WeightsDir = "weights"
)

// learnerInfo is the content of LearnerFile.
type learnerInfo struct {
	Repo      string `json:"repo,omitempty"`
	ONNXFile  string `json:"onnx_file"`
	ONNXPath  string `json:"onnx_path"`
	BaseVocab int    `json:"base_vocab_size"`
	VocabSize int    `json:"vocab_size"`
}

// Learner is a double-heads model: the ONNX language model plus a multiple-choice head
// scoring each candidate from the language-model logits at its classification token.
//
// It is safe for concurrent use, but calls are serialized.
type Learner struct {
	mu      sync.Mutex
	cfg     Config
	info    learnerInfo
	backend backends.Backend
	ctx     *context.Context
	model   onnx.Model

	inputs     map[string]bool
	logitsName string

	trainer    *train.Trainer
	logitsExec *context.Exec
	evalExec   *context.Exec
}

// Load creates the learner from modelName: a directory written by Learner.Save, a directory
// with a model.onnx file, or a HuggingFace repository with an ONNX export (Config.ONNXFile).
func Load(modelName string, cfg Config) (*Learner, error) {
	l := &Learner{cfg: cfg}
	savedDir := ""
	if info, err := readLearnerInfo(modelName); err == nil {
		l.info = info
		savedDir = modelName
		if _, err := os.Stat(info.ONNXPath); err != nil {
			if info.Repo == "" {
				return nil, errors.Wrapf(err, "ONNX graph of saved learner %q not found", modelName)
			}
			if l.info.ONNXPath, err = downloadONNX(info.Repo, info.ONNXFile); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	} else if local := filepath.Join(modelName, "model.onnx"); fileExists(local) {
		l.info = learnerInfo{ONNXFile: "model.onnx", ONNXPath: local}
	} else {
		path, err := downloadONNX(modelName, cfg.onnxFile())
		if err != nil {
			return nil, err
		}
		l.info = learnerInfo{Repo: modelName, ONNXFile: cfg.onnxFile(), ONNXPath: path}
	}

	var err error
	l.model, err = parser.ParseFile(l.info.ONNXPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model %q", l.info.ONNXPath)
	}
	inputNames, _ := l.model.Inputs()
	l.inputs = make(map[string]bool, len(inputNames))
	for _, name := range inputNames {
		if strings.HasPrefix(name, "past_key_values") {
			return nil, errors.Errorf("ONNX model %q takes a KV cache (%q), export it without past key values",
				l.info.ONNXPath, name)
		}
		l.inputs[name] = true
	}
	if !l.inputs["input_ids"] {
		return nil, errors.Errorf("ONNX model %q has no input_ids input, inputs are %q", l.info.ONNXPath, inputNames)
	}
	outputNames, outputShapes := l.model.Outputs()
	if len(outputNames) == 0 {
		return nil, errors.Errorf("ONNX model %q has no outputs", l.info.ONNXPath)
	}
	logitsIdx := 0
	for ii, name := range outputNames {
		if name == "logits" {
			logitsIdx = ii
			break
		}
	}
	l.logitsName = outputNames[logitsIdx]

	l.ctx = newContext(cfg)
	if savedDir != "" {
		// Values in the checkpoint take precedence over the ones in the ONNX graph.
		if _, err := checkpoints.Build(l.ctx).Dir(filepath.Join(savedDir, WeightsDir)).Done(); err != nil {
			return nil, errors.WithMessagef(err, "failed to load weights from %q", savedDir)
		}
	}
	if err := l.model.VariablesToContext(l.ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to load model variables")
	}
	if l.info.BaseVocab == 0 {
		dims := outputShapes[logitsIdx].Dimensions
		if len(dims) > 0 && dims[len(dims)-1] > 0 {
			l.info.BaseVocab = dims[len(dims)-1]
		} else {
			klog.Warningf("Vocabulary size of %q unknown, control tokens must be part of the model vocabulary", l.info.ONNXPath)
		}
	}
	l.info.VocabSize = max(l.info.VocabSize, l.info.BaseVocab)
	if cfg.VocabSize > l.info.VocabSize && l.info.BaseVocab > 0 {
		n, err := resizeVocab(l.ctx, l.info.BaseVocab, cfg.VocabSize)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.Errorf("no weights of vocabulary size %d to resize in %q", l.info.BaseVocab, l.info.ONNXPath)
		}
		l.info.VocabSize = cfg.VocabSize
	}

	l.backend, err = newBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := l.buildExecs(); err != nil {
		return nil, err
	}
	if cfg.MaxGradNorm > 0 {
		klog.V(1).Infof("max_grad_norm=%g ignored: gradient norm clipping is not supported", cfg.MaxGradNorm)
	}
	klog.Infof("Loaded %s: %d parameters, vocabulary %d", l.info.ONNXPath, l.ctx.NumParameters(), l.info.VocabSize)
	return l, nil
}

// newContext creates the context holding the weights. With Config.Seed the random number
// generator, which initializes new weights (the multiple-choice head), is seeded with it.
// A generator state restored from a checkpoint takes precedence.
func newContext(cfg Config) *context.Context {
	ctx := context.New()
	if cfg.Seed != nil {
		ctx.SetParam(context.ParamInitialSeed, *cfg.Seed)
	}
	return ctx
}

// buildExecs creates the trainer and the inference executors.
func (l *Learner) buildExecs() error {
	cfg := l.cfg
	adam := optimizers.Adam().LearningRate(cfg.LearningRate)
	if cfg.AdamEpsilon > 0 {
		adam = adam.Epsilon(cfg.AdamEpsilon)
	}
	if cfg.WeightDecay > 0 {
		adam = adam.WeightDecay(cfg.WeightDecay)
	}
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		lmLogits, mcLogits := l.doubleHeads(ctx, inputs[0], inputs[1], inputs[2])
		return []*Node{lmLogits, mcLogits}
	}
	l.trainer = train.NewTrainer(l.backend, l.ctx, modelFn, l.jointLoss, adam.Done(), nil, nil)
	if cfg.GradientAccumulationSteps > 1 {
		if err := l.trainer.AccumulateGradients(cfg.GradientAccumulationSteps); err != nil {
			return errors.WithMessage(err, "failed to configure gradient accumulation")
		}
	}

	var err error
	l.logitsExec, err = context.NewExec(l.backend, l.ctx.Checked(false),
		func(ctx *context.Context, inputIDs, tokenTypeIDs, lastPos *Node) *Node {
			ctx.SetTraining(inputIDs.Graph(), false)
			logits := l.languageModel(ctx, inputIDs, tokenTypeIDs)
			g := logits.Graph()
			vocabSize := logits.Shape().Dimensions[2]
			lastLogits := DynamicSlice(logits, []*Node{
				Const(g, int32(0)), lastPos, Const(g, int32(0)),
			}, []int{1, 1, vocabSize})
			return Reshape(lastLogits, vocabSize)
		})
	if err != nil {
		return errors.WithMessage(err, "failed to create logits executor")
	}
	l.evalExec, err = context.NewExec(l.backend, l.ctx.Checked(false),
		func(ctx *context.Context, inputIDs, tokenTypeIDs, mcTokenIDs, lmLabels *Node) (*Node, *Node) {
			ctx.SetTraining(inputIDs.Graph(), false)
			lmLogits, mcLogits := l.doubleHeads(ctx, inputIDs, tokenTypeIDs, mcTokenIDs)
			return lmLoss(lmLogits, lmLabels), mcLogits
		})
	if err != nil {
		return errors.WithMessage(err, "failed to create evaluation executor")
	}
	return nil
}

// languageModel returns the logits shaped [batch, seqLen, vocab] for inputIDs and tokenTypeIDs
// shaped [batch, seqLen].
func (l *Learner) languageModel(ctx *context.Context, inputIDs, tokenTypeIDs *Node) *Node {
	g := inputIDs.Graph()
	ids := ConvertDType(inputIDs, dtypes.Int64)
	inputs := map[string]*Node{"input_ids": ids}
	if l.inputs["attention_mask"] {
		inputs["attention_mask"] = OnesLike(ids)
	}
	if l.inputs["position_ids"] {
		inputs["position_ids"] = Iota(g, ids.Shape(), 1)
	}
	if l.inputs["token_type_ids"] {
		inputs["token_type_ids"] = ConvertDType(tokenTypeIDs, dtypes.Int64)
	}
	return l.model.CallGraph(ctx, g, inputs, l.logitsName)[0]
}

// doubleHeads returns the language-model logits [batch, candidates, seqLen, vocab] and the
// multiple-choice logits [batch, candidates] for inputs shaped [batch, candidates, seqLen] and
// mcTokenIDs shaped [batch, candidates].
func (l *Learner) doubleHeads(ctx *context.Context, inputIDs, tokenTypeIDs, mcTokenIDs *Node) (lmLogits, mcLogits *Node) {
	dims := inputIDs.Shape().Dimensions
	batchSize, numCandidates, seqLen := dims[0], dims[1], dims[2]
	logits := l.languageModel(ctx,
		Reshape(inputIDs, batchSize*numCandidates, seqLen),
		Reshape(tokenTypeIDs, batchSize*numCandidates, seqLen))
	vocabSize := logits.Shape().Dimensions[2]
	lmLogits = Reshape(logits, batchSize, numCandidates, seqLen, vocabSize)

	positions := OneHot(mcTokenIDs, seqLen, lmLogits.DType())
	features := Einsum("bct,bctv->bcv", positions, lmLogits)
	mcLogits = layers.Dense(ctx.In("mc_head"), features, true, 1)
	mcLogits = Reshape(mcLogits, batchSize, numCandidates)
	return
}

// lmLoss is the mean cross-entropy of the next-token predictions over the labels that are not
// dialogue.IgnoreIndex.
func lmLoss(lmLogits, lmLabels *Node) *Node {
	g := lmLogits.Graph()
	rank := lmLogits.Rank()
	seqLen := lmLogits.Shape().Dimensions[rank-2]
	logitsSpec := make([]SliceAxisSpec, rank)
	labelsSpec := make([]SliceAxisSpec, rank-1)
	for ii := range rank - 2 {
		logitsSpec[ii] = AxisRange()
		labelsSpec[ii] = AxisRange()
	}
	logitsSpec[rank-2], logitsSpec[rank-1] = AxisRange(0, seqLen-1), AxisRange()
	labelsSpec[rank-2] = AxisRange(1)
	shiftedLogits := Slice(lmLogits, logitsSpec...)
	shiftedLabels := Slice(lmLabels, labelsSpec...)

	mask := NotEqual(shiftedLabels, Scalar(g, shiftedLabels.DType(), dialogue.IgnoreIndex))
	safeLabels := Where(mask, shiftedLabels, ZerosLike(shiftedLabels))
	perToken := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{InsertAxes(safeLabels, -1), mask}, []*Node{shiftedLogits})
	return MaskedReduceAllMean(perToken, mask)
}

// jointLoss is lmLoss*LMCoef + mcLoss*MCCoef, with labels [lmLabels, mcLabels] and predictions
// [lmLogits, mcLogits].
func (l *Learner) jointLoss(labels, predictions []*Node) *Node {
	lm := lmLoss(predictions[0], labels[0])
	mcLabels := InsertAxes(labels[1], -1)
	mc := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{mcLabels}, predictions[1:2]))
	return Add(MulScalar(lm, l.cfg.LMCoef), MulScalar(mc, l.cfg.MCCoef))
}

// Logits implements decode.LM: it returns the next-token logits after the sequence inputIDs.
func (l *Learner) Logits(ctx stdcontext.Context, inputIDs, tokenTypeIDs []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inputIDs) == 0 {
		return nil, errors.New("empty input sequence")
	}
	if len(tokenTypeIDs) != len(inputIDs) {
		return nil, errors.Errorf("got %d token types for %d input ids", len(tokenTypeIDs), len(inputIDs))
	}
	seqLen := nextPow2(len(inputIDs))
	ids := padInt32(inputIDs, seqLen, 0)
	types := padInt32(tokenTypeIDs, seqLen, 0)
	l.mu.Lock()
	defer l.mu.Unlock()
	logits, err := l.logitsExec.Exec1(
		tensors.FromFlatDataAndDimensions(ids, 1, seqLen),
		tensors.FromFlatDataAndDimensions(types, 1, seqLen),
		tensors.FromScalar(int32(len(inputIDs)-1)))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute logits")
	}
	return tensors.MustCopyFlatData[float32](logits), nil
}

// TrainStep runs one training step on the batch with the given learning rate and returns the
// joint loss.
func (l *Learner) TrainStep(batch *dialogue.Batch, learningRate float64) (float64, error) {
	inputs, labels, err := batchTensors(batch)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	optimizers.LearningRateVar(l.ctx, dtypes.Float32, learningRate).MustSetValue(tensors.FromScalar(float32(learningRate)))
	metrics, err := l.trainer.TrainStep(nil, inputs, labels)
	if err != nil {
		return 0, errors.WithMessage(err, "train step")
	}
	return float64(metrics[0].Value().(float32)), nil
}

// EvalStep returns the language-model loss and the multiple-choice logits [turns][candidates]
// of the batch.
func (l *Learner) EvalStep(batch *dialogue.Batch) (float64, [][]float32, error) {
	inputs, labels, err := batchTensors(batch)
	if err != nil {
		return 0, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	loss, mcLogits, err := l.evalExec.Exec2(inputs[0], inputs[1], inputs[2], labels[0])
	if err != nil {
		return 0, nil, errors.WithMessage(err, "eval step")
	}
	flat := tensors.MustCopyFlatData[float32](mcLogits)
	numCandidates := batch.NumCandidates()
	scores := make([][]float32, batch.NumTurns())
	for ii := range scores {
		scores[ii] = flat[ii*numCandidates : (ii+1)*numCandidates]
	}
	return float64(tensors.MustCopyFlatData[float32](loss)[0]), scores, nil
}

// Save writes the weights (including the optimizer state) into dir/weights and the location
// of the ONNX graph into dir/learner.json.
func (l *Learner) Save(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	weightsDir := filepath.Join(dir, WeightsDir)
	if err := os.MkdirAll(weightsDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", weightsDir)
	}
	handler, err := checkpoints.Build(l.ctx).Dir(weightsDir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", weightsDir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", weightsDir)
	}
	data, err := json.MarshalIndent(l.info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode learner info")
	}
	path := filepath.Join(dir, LearnerFile)
	return errors.Wrapf(os.WriteFile(path, data, 0644), "failed to write %q", path)
}

// NumParameters returns the number of scalars in the model weights.
func (l *Learner) NumParameters() int {
	return l.ctx.NumParameters()
}

// VocabSize returns the size of the model vocabulary, after any resize.
func (l *Learner) VocabSize() int {
	return l.info.VocabSize
}

// Close releases the ONNX model.
func (l *Learner) Close() {
	if err := l.model.Close(); err != nil {
		klog.Warningf("Failed to close ONNX model %q: %v", l.info.ONNXPath, err)
	}
}

// batchTensors converts the batch to the trainer inputs [inputIDs, tokenTypeIDs, mcTokenIDs]
// and labels [lmLabels, mcLabels], padding the sequence length to a power of 2 to bound the
// number of compiled graphs.
func batchTensors(batch *dialogue.Batch) (inputs, labels []*tensors.Tensor, err error) {
	numTurns, numCandidates := batch.NumTurns(), batch.NumCandidates()
	if numTurns == 0 || numCandidates == 0 {
		return nil, nil, errors.New("empty batch")
	}
	seqLen := max(nextPow2(batch.SeqLen()), 2)
	size := numTurns * numCandidates * seqLen
	ids := make([]int32, 0, size)
	types := make([]int32, 0, size)
	lmLabels := make([]int32, 0, size)
	mcTokens := make([]int32, 0, numTurns*numCandidates)
	for turn := range numTurns {
		for cand := range numCandidates {
			ids = append(ids, padInt32(batch.InputIDs[turn][cand], seqLen, 0)...)
			types = append(types, padInt32(batch.TokenTypeIDs[turn][cand], seqLen, 0)...)
			lmLabels = append(lmLabels, padInt32(batch.Labels[turn][cand], seqLen, dialogue.IgnoreIndex)...)
			mcTokens = append(mcTokens, int32(batch.MCTokenIDs[turn][cand]))
		}
	}
	mcLabels := make([]int32, numTurns)
	for ii, label := range batch.MCLabels {
		mcLabels[ii] = int32(label)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids, numTurns, numCandidates, seqLen),
		tensors.FromFlatDataAndDimensions(types, numTurns, numCandidates, seqLen),
		tensors.FromFlatDataAndDimensions(mcTokens, numTurns, numCandidates),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(lmLabels, numTurns, numCandidates, seqLen),
		tensors.FromFlatDataAndDimensions(mcLabels, numTurns),
	}
	return inputs, labels, nil
}

// padInt32 converts values to int32, padded with pad up to length.
func padInt32(values []int, length int, pad int) []int32 {
	padded := make([]int32, length)
	for ii := range padded {
		if ii < len(values) {
			padded[ii] = int32(values[ii])
		} else {
			padded[ii] = int32(pad)
		}
	}
	return padded
}

// nextPow2 returns the next power of 2 >= n.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// downloadONNX downloads the ONNX file of a HuggingFace repository, and its external weights
// if present, returning the local path.
func downloadONNX(repoID, onnxFile string) (string, error) {
	repo := hub.New(repoID).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of repository %q", repoID)
	}
	path, err := repo.DownloadFile(onnxFile)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from %q", onnxFile, repoID)
	}
	if _, err := repo.DownloadFile(onnxFile + "_data"); err != nil {
		klog.V(1).Infof("No external data for %q: %v", onnxFile, err)
	}
	return path, nil
}

func readLearnerInfo(dir string) (learnerInfo, error) {
	var info learnerInfo
	data, err := os.ReadFile(filepath.Join(dir, LearnerFile))
	if err != nil {
		return info, errors.WithStack(err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, errors.Wrapf(err, "failed to parse %q", filepath.Join(dir, LearnerFile))
	}
	return info, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
