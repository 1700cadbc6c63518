// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// convai fine-tunes, evaluates and chats with persona-conditioned conversational models.
//
// Usage:
//
//	convai [flags] train
//	convai [flags] eval
//	convai [flags] interact
//	convai [flags] info <model_dir> [<model_dir> ...]
//
// Model arguments are set with -set, e.g.: -set="num_train_epochs=3;learning_rate=6.25e-5".
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/gomlx/convai/pkg/convai"
	"github.com/gomlx/convai/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModelType = flag.String("model_type", convai.TypeGPT,
		fmt.Sprintf("Model type, one of %q.", []string{convai.TypeGPT, convai.TypeGPT2, convai.TypeBlender, convai.TypeBlenderSmall}))
	flagModel = flag.String("model", "openai-community/openai-gpt",
		"HuggingFace repository id of the pretrained model, or a directory with a saved model.")
	flagTrainFile = flag.String("train_file", "", "JSON file with the training dialogues. PERSONA-CHAT is downloaded if empty.")
	flagEvalFile  = flag.String("eval_file", "", "JSON file with the evaluation dialogues. PERSONA-CHAT is downloaded if empty.")
	flagOutputDir = flag.String("output_dir", "", "Directory where to write the evaluation results. Defaults to the output_dir argument.")
	flagPersona   = flag.String("personality", "",
		"Personality sentences separated by \"|\", used by interact. A random PERSONA-CHAT personality is used if empty.")
	flagMessage = flag.String("message", "",
		"If set, interact replies to this one message and exits, instead of reading messages from the standard input.")
	flagNoProgress = flag.Bool("no_progress", false, "Disables the training progress bar.")
	flagF1Only     = flag.Bool("f1_only", false, "Reports only the f1_score as the extra multiple-choice metric.")
	flagSettings   = commandline.CreateSettingsFlag(convai.DefaultArgs(), "set")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] train|eval|interact|info [model_dirs...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	command := flag.Arg(0)
	var err error
	switch command {
	case "train":
		err = train(ctx)
	case "eval":
		err = evaluate(ctx)
	case "interact":
		err = interact(ctx)
	case "info":
		if flag.NArg() < 2 {
			err = errors.New("info requires at least one model directory")
			break
		}
		err = info(flag.Args()[1:])
	default:
		err = errors.Errorf("unknown command %q", command)
	}
	if err != nil {
		klog.Errorf("%s failed: %+v", command, err)
		os.Exit(1)
	}
}

// loadArgs returns the arguments saved with the model (or the defaults) updated with -set.
func loadArgs() (*convai.Args, error) {
	args, err := convai.LoadArgs(*flagModel)
	if err != nil {
		return nil, err
	}
	paramsSet, err := commandline.ParseSettings(args, *flagSettings)
	if err != nil {
		return nil, err
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Arguments set:\n%s", commandline.SprintModifiedSettings(args, paramsSet))
	}
	return args, nil
}

func newModel(withProgress bool) (*convai.Model, error) {
	args, err := loadArgs()
	if err != nil {
		return nil, err
	}
	var opts []convai.Option
	if withProgress && !*flagNoProgress && !args.Silent {
		opts = append(opts, convai.WithObserver(commandline.NewProgressBar()))
	}
	return convai.New(*flagModelType, *flagModel, args, opts...)
}

func extraMetrics() map[string]convai.Metric {
	if *flagF1Only {
		return nil
	}
	return map[string]convai.Metric{"accuracy": accuracy}
}

// accuracy is the fraction of turns where the gold candidate scored highest.
func accuracy(labels, preds []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	var correct int
	for ii, label := range labels {
		if preds[ii] == label {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

func train(ctx context.Context) error {
	model, err := newModel(true)
	if err != nil {
		return err
	}
	result, err := model.Train(ctx, *flagTrainFile, *flagEvalFile, extraMetrics())
	if err != nil {
		return err
	}
	fmt.Printf("Trained %d steps, average loss %.4f, saved to %q\n", result.GlobalStep, result.AverageLoss, model.Args.OutputDir)
	if result.Scores != nil && result.Scores.Len() > 0 {
		return commandline.ReportResults(os.Stdout, "Last evaluation", model.Results())
	}
	return nil
}

func evaluate(ctx context.Context) error {
	model, err := newModel(false)
	if err != nil {
		return err
	}
	results, err := model.Evaluate(ctx, *flagEvalFile, *flagOutputDir, extraMetrics())
	if err != nil {
		return err
	}
	return commandline.ReportResults(os.Stdout, "Evaluation", results)
}

func interact(ctx context.Context) error {
	model, err := newModel(false)
	if err != nil {
		return err
	}
	var personality []string
	if *flagPersona != "" {
		personality = strings.Split(*flagPersona, "|")
	}
	if *flagMessage != "" {
		reply, _, err := model.InteractSingle(ctx, *flagMessage, nil, personality, true)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}
	return model.Interact(ctx, bufio.NewReader(os.Stdin), os.Stdout, personality)
}
