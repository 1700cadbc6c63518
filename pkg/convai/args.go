// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ArgsFile is the name of the configuration file stored with a saved model.
const ArgsFile = "model_args.json"

// Args configures a Model: data preparation, training, evaluation and generation.
//
// The JSON names are the keys accepted by the command line -set flag and stored in
// model_args.json.
type Args struct {
	ModelType string `json:"model_type"`
	ModelName string `json:"model_name"`
	RunID     string `json:"run_id"`

	// Directories.
	OutputDir          string `json:"output_dir"`
	CacheDir           string `json:"cache_dir"`
	BestModelDir       string `json:"best_model_dir"`
	OverwriteOutputDir bool   `json:"overwrite_output_dir"`
	NoCache            bool   `json:"no_cache"`
	NoSave             bool   `json:"no_save"`

	ManualSeed   *int64 `json:"manual_seed"`
	UseCUDA      bool   `json:"use_cuda"`
	ProcessCount int    `json:"process_count"`
	Silent       bool   `json:"silent"`

	// Data.
	MaxHistory              int `json:"max_history"`
	NumCandidates           int `json:"num_candidates"`
	PersonalityPermutations int `json:"personality_permutations"`

	// Generation.
	MaxLength         int     `json:"max_length"`
	MinLength         int     `json:"min_length"`
	Temperature       float64 `json:"temperature"`
	TopK              int     `json:"top_k"`
	TopP              float64 `json:"top_p"`
	DoSample          bool    `json:"do_sample"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`

	// Loss.
	LMCoef float64 `json:"lm_coef"`
	MCCoef float64 `json:"mc_coef"`

	// Optimization.
	Optimizer                     string  `json:"optimizer"`
	Scheduler                     string  `json:"scheduler"`
	LearningRate                  float64 `json:"learning_rate"`
	AdamEpsilon                   float64 `json:"adam_epsilon"`
	WeightDecay                   float64 `json:"weight_decay"`
	MaxGradNorm                   float64 `json:"max_grad_norm"`
	WarmupRatio                   float64 `json:"warmup_ratio"`
	WarmupSteps                   int     `json:"warmup_steps"`
	CosineScheduleNumCycles       float64 `json:"cosine_schedule_num_cycles"`
	PolynomialDecayScheduleLREnd  float64 `json:"polynomial_decay_schedule_lr_end"`
	PolynomialDecaySchedulePower  float64 `json:"polynomial_decay_schedule_power"`
	TrainBatchSize                int     `json:"train_batch_size"`
	EvalBatchSize                 int     `json:"eval_batch_size"`
	GradientAccumulationSteps     int     `json:"gradient_accumulation_steps"`
	NumTrainEpochs                int     `json:"num_train_epochs"`
	LoggingSteps                  int     `json:"logging_steps"`
	SaveSteps                     int     `json:"save_steps"`
	SaveModelEveryEpoch           bool    `json:"save_model_every_epoch"`
	SaveEvalCheckpoints           bool    `json:"save_eval_checkpoints"`
	SaveBestModel                 bool    `json:"save_best_model"`
	EvaluateDuringTraining        bool    `json:"evaluate_during_training"`
	EvaluateDuringTrainingSteps   int     `json:"evaluate_during_training_steps"`
	EvaluateDuringTrainingVerbose bool    `json:"evaluate_during_training_verbose"`
	EvaluateEachEpoch             bool    `json:"evaluate_each_epoch"`

	// Early stopping.
	UseEarlyStopping            bool    `json:"use_early_stopping"`
	EarlyStoppingMetric         string  `json:"early_stopping_metric"`
	EarlyStoppingMetricMinimize bool    `json:"early_stopping_metric_minimize"`
	EarlyStoppingDelta          float64 `json:"early_stopping_delta"`
	EarlyStoppingPatience       int     `json:"early_stopping_patience"`
	EarlyStoppingConsiderEpochs bool    `json:"early_stopping_consider_epochs"`
}

// DefaultArgs returns the default configuration for conversational fine-tuning.
func DefaultArgs() *Args {
	return &Args{
		RunID:        uuid.NewString(),
		OutputDir:    "outputs/",
		CacheDir:     "cache_dir/",
		BestModelDir: "outputs/best_model",
		ProcessCount: 1,

		MaxHistory:              2,
		NumCandidates:           2,
		PersonalityPermutations: 1,

		MaxLength:         20,
		MinLength:         1,
		Temperature:       0.7,
		TopK:              0,
		TopP:              0.9,
		DoSample:          true,
		SkipSpecialTokens: true,

		LMCoef: 2.0,
		MCCoef: 1.0,

		Optimizer:                    "AdamW",
		Scheduler:                    "linear_schedule_with_warmup",
		LearningRate:                 4e-5,
		AdamEpsilon:                  1e-8,
		WeightDecay:                  0,
		MaxGradNorm:                  1.0,
		WarmupRatio:                  0.06,
		CosineScheduleNumCycles:      0.5,
		PolynomialDecayScheduleLREnd: 1e-7,
		PolynomialDecaySchedulePower: 1.0,
		TrainBatchSize:               8,
		EvalBatchSize:                8,
		GradientAccumulationSteps:    1,
		NumTrainEpochs:               1,
		LoggingSteps:                 50,
		SaveSteps:                    2000,
		SaveModelEveryEpoch:          true,
		SaveEvalCheckpoints:          true,
		SaveBestModel:                true,
		EvaluateDuringTrainingSteps:  2000,
		EvaluateEachEpoch:            true,

		EarlyStoppingMetric:         MetricLMLoss,
		EarlyStoppingMetricMinimize: true,
		EarlyStoppingPatience:       3,
		EarlyStoppingConsiderEpochs: false,
	}
}

// Clone returns a deep copy of the arguments.
func (a *Args) Clone() *Args {
	c := *a
	if a.ManualSeed != nil {
		seed := *a.ManualSeed
		c.ManualSeed = &seed
	}
	return &c
}

// Seed returns the manual seed and whether one was configured.
func (a *Args) Seed() (int64, bool) {
	if a.ManualSeed == nil {
		return 0, false
	}
	return *a.ManualSeed, true
}

// Save writes the arguments to dir/model_args.json.
func (a *Args) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode model arguments")
	}
	path := filepath.Join(dir, ArgsFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// LoadArgs returns the default arguments updated with dir/model_args.json, if present.
// Keys missing from the file keep their default values.
func LoadArgs(dir string) (*Args, error) {
	args := DefaultArgs()
	path := filepath.Join(dir, ArgsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return args, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	return args, nil
}
