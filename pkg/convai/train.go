// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package convai

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convai/pkg/dialogue"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Optimizer names.
const (
	OptimizerAdamW     = "AdamW"
	OptimizerAdafactor = "Adafactor"
)

// TrainResult summarizes a training run.
type TrainResult struct {
	// GlobalStep is the number of optimizer steps taken, including the ones of a resumed checkpoint.
	GlobalStep int

	// AverageLoss is the accumulated training loss divided by GlobalStep.
	AverageLoss float64

	// Scores holds the evaluations done during training, nil if Args.EvaluateDuringTraining is off.
	Scores *ProgressScores
}

// Train fine-tunes the model on the train split of trainFile (PERSONA-CHAT if empty), then saves
// it into Args.OutputDir.
//
// With Args.EvaluateDuringTraining the valid split of evalFile (PERSONA-CHAT if empty) is
// evaluated every Args.EvaluateDuringTrainingSteps steps and, with Args.EvaluateEachEpoch, after
// every epoch. The best model according to Args.EarlyStoppingMetric is saved into
// Args.BestModelDir, and training stops early if Args.UseEarlyStopping is set and the metric
// doesn't improve for more than Args.EarlyStoppingPatience evaluations.
func (m *Model) Train(ctx context.Context, trainFile, evalFile string, extraMetrics map[string]Metric) (*TrainResult, error) {
	if !IsTrainable(m.Type) {
		return nil, errors.Errorf("fine-tuning %s models is not supported, only %q and %q can be trained",
			m.Type, TypeGPT, TypeGPT2)
	}
	if err := checkOutputDir(m.Args.OutputDir, m.Args.OverwriteOutputDir); err != nil {
		return nil, err
	}
	switch m.Args.Optimizer {
	case OptimizerAdamW:
	case OptimizerAdafactor:
		return nil, errors.Errorf("optimizer %q is not supported by this backend, use %q", OptimizerAdafactor, OptimizerAdamW)
	default:
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q and %q", m.Args.Optimizer, OptimizerAdamW, OptimizerAdafactor)
	}
	if _, err := NewSchedule(m.Args, 0, 1); err != nil {
		return nil, err
	}
	if m.Args.EvaluateDuringTraining && evalFile == "" && trainFile != "" {
		klog.Warningf("evaluate_during_training is set but no evaluation file was given, using PERSONA-CHAT validation data")
	}

	trainBatcher, err := m.loadBatcher(ctx, trainFile, false)
	if err != nil {
		return nil, err
	}
	var evalBatcher *dialogue.Batcher
	if m.Args.EvaluateDuringTraining {
		evalBatcher, err = m.loadBatcher(ctx, evalFile, true)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	result, err := m.train(ctx, trainBatcher, evalBatcher, extraMetrics)
	if m.observer != nil {
		m.observer.OnEnd()
	}
	if err != nil {
		return nil, err
	}
	if err := m.save(m.Args.OutputDir, nil); err != nil {
		return nil, err
	}
	klog.Infof("Training of %s model complete: %s steps, saved to %q", m.Type, humanize.Comma(int64(result.GlobalStep)), m.Args.OutputDir)
	return result, nil
}

// train runs the training loop. The caller must hold m.mu.
func (m *Model) train(ctx context.Context, batcher, evalBatcher *dialogue.Batcher, extraMetrics map[string]Metric) (*TrainResult, error) {
	args := m.Args
	gradAcc := max(args.GradientAccumulationSteps, 1)
	stepsPerEpoch := batcher.NumBatches() / gradAcc
	totalSteps := stepsPerEpoch * args.NumTrainEpochs
	warmup := WarmupSteps(args, totalSteps)
	schedule, err := NewSchedule(args, warmup, totalSteps)
	if err != nil {
		return nil, err
	}
	klog.Infof("Training %s (%s parameters): %s turns, %s optimizer steps, %d warmup",
		m.Name, humanize.Comma(int64(m.learner.NumParameters())),
		humanize.Comma(int64(batcher.NumTurns())), humanize.Comma(int64(totalSteps)), warmup)

	result := &TrainResult{}
	epochsTrained, skipBatches := 0, 0
	if step, ok := resumedStep(m.Name); ok && stepsPerEpoch > 0 {
		result.GlobalStep = step
		epochsTrained = step / stepsPerEpoch
		skipBatches = step % stepsPerEpoch
		klog.Infof("Continuing training from checkpoint at global step %d (epoch %d)", step, epochsTrained)
	}
	if evalBatcher != nil {
		extraNames := maps.Keys(extraMetrics)
		slices.Sort(extraNames)
		result.Scores = NewProgressScores(extraNames...)
	}
	stopper := &earlyStopping{
		metric:   args.EarlyStoppingMetric,
		minimize: args.EarlyStoppingMetricMinimize,
		delta:    args.EarlyStoppingDelta,
		patience: args.EarlyStoppingPatience,
	}
	finish := func(trLoss float64) *TrainResult {
		if result.GlobalStep > 0 {
			result.AverageLoss = trLoss / float64(result.GlobalStep)
		}
		return result
	}

	var trLoss, loggingLoss float64
	for epoch := range args.NumTrainEpochs {
		if epoch < epochsTrained {
			continue
		}
		batcher.Reset()
		for batchIdx := 0; ; batchIdx++ {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrapf(err, "training interrupted at global step %d", result.GlobalStep)
			}
			batch, err := batcher.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			if skipBatches > 0 {
				skipBatches--
				continue
			}
			lr := schedule(result.GlobalStep)
			loss, err := m.learner.TrainStep(batch, lr)
			if err != nil {
				return nil, errors.WithMessagef(err, "training step failed at global step %d", result.GlobalStep)
			}
			trLoss += loss / float64(gradAcc)
			if (batchIdx+1)%gradAcc != 0 {
				continue
			}

			result.GlobalStep++
			globalStep := result.GlobalStep
			if m.observer != nil {
				m.observer.OnStep(globalStep, totalSteps, loss, lr)
			}
			if args.LoggingSteps > 0 && globalStep%args.LoggingSteps == 0 {
				klog.Infof("Step %s: learning rate %.3g, loss %.4f", humanize.Comma(int64(globalStep)), lr,
					(trLoss-loggingLoss)/float64(args.LoggingSteps))
				loggingLoss = trLoss
			}
			checkpointDir := filepath.Join(args.OutputDir, fmt.Sprintf("checkpoint-%d", globalStep))
			if args.SaveSteps > 0 && globalStep%args.SaveSteps == 0 {
				if err := m.save(checkpointDir, nil); err != nil {
					return nil, err
				}
			}
			if evalBatcher != nil && args.EvaluateDuringTrainingSteps > 0 && globalStep%args.EvaluateDuringTrainingSteps == 0 {
				stop, err := m.evaluateDuringTraining(ctx, evalBatcher, extraMetrics, result, loss, checkpointDir, stopper, true)
				if err != nil {
					return nil, err
				}
				if stop {
					return finish(trLoss), nil
				}
			}
		}

		epochDir := filepath.Join(args.OutputDir, fmt.Sprintf("checkpoint-%d-epoch-%d", result.GlobalStep, epoch+1))
		if args.SaveModelEveryEpoch {
			if err := m.save(epochDir, nil); err != nil {
				return nil, err
			}
		}
		if evalBatcher != nil && args.EvaluateEachEpoch {
			stop, err := m.evaluateDuringTraining(ctx, evalBatcher, extraMetrics, result, 0, epochDir, stopper,
				args.EarlyStoppingConsiderEpochs)
			if err != nil {
				return nil, err
			}
			if stop {
				return finish(trLoss), nil
			}
		}
	}
	return finish(trLoss), nil
}

// evaluateDuringTraining evaluates, records the progress scores, keeps the best model and
// reports whether training should stop early. countPatience selects whether this evaluation
// counts towards early stopping.
func (m *Model) evaluateDuringTraining(ctx context.Context, evalBatcher *dialogue.Batcher, extraMetrics map[string]Metric,
	result *TrainResult, trainLoss float64, checkpointDir string, stopper *earlyStopping, countPatience bool) (stop bool, err error) {
	args := m.Args
	results, err := m.evaluate(ctx, evalBatcher, extraMetrics)
	if err != nil {
		return false, err
	}
	for k, v := range results {
		m.results[k] = v
	}
	globalStep := result.GlobalStep
	if args.EvaluateDuringTrainingVerbose {
		klog.Infof("Evaluation at step %s: %v", humanize.Comma(int64(globalStep)), results)
	}
	if args.SaveEvalCheckpoints {
		if err := m.save(checkpointDir, results); err != nil {
			return false, err
		}
	}
	result.Scores.Append(globalStep, trainLoss, results)
	if err := result.Scores.WriteCSV(args.OutputDir); err != nil {
		return false, err
	}
	if m.observer != nil {
		m.observer.OnEvaluation(globalStep, results)
	}

	improved, err := stopper.update(results)
	if err != nil {
		return false, err
	}
	if improved {
		if args.SaveBestModel {
			if err := m.save(args.BestModelDir, results); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if !args.UseEarlyStopping || !countPatience {
		return false, nil
	}
	if stopper.counter < stopper.patience {
		stopper.counter++
		klog.Infof("No improvement in %s, early stopping patience %d/%d", stopper.metric, stopper.counter, stopper.patience)
		return false, nil
	}
	klog.Infof("Patience of %d evaluations reached, stopping training at step %s", stopper.patience, humanize.Comma(int64(globalStep)))
	return true, nil
}

// earlyStopping tracks the best value of the early stopping metric.
type earlyStopping struct {
	metric   string
	minimize bool
	delta    float64
	patience int

	best    float64
	hasBest bool
	counter int
}

// update records results and reports whether the metric improved. An improvement resets the
// patience counter.
func (e *earlyStopping) update(results map[string]float64) (improved bool, err error) {
	value, found := results[e.metric]
	if !found {
		names := maps.Keys(results)
		slices.Sort(names)
		return false, errors.Errorf("early stopping metric %q not in the evaluation results %q", e.metric, names)
	}
	switch {
	case !e.hasBest:
		improved = true
	case e.minimize:
		improved = value-e.best < e.delta
	default:
		improved = value-e.best > e.delta
	}
	if improved {
		e.best, e.hasBest = value, true
		e.counter = 0
	}
	return improved, nil
}

var checkpointDirRegexp = regexp.MustCompile(`^checkpoint-(\d+)`)

// resumedStep returns the global step of a checkpoint directory written by Train, if modelName
// is one.
func resumedStep(modelName string) (int, bool) {
	info, err := os.Stat(modelName)
	if err != nil || !info.IsDir() {
		return 0, false
	}
	match := checkpointDirRegexp.FindStringSubmatch(filepath.Base(filepath.Clean(modelName)))
	if match == nil {
		return 0, false
	}
	step, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return step, true
}
