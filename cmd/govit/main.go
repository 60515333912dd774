// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

// govit trains and evaluates a Vision Transformer image classifier on a
// directory-per-class image dataset.
//
// The data directory must hold a train/ and a test/ sub-directory, each laid
// out as one sub-directory per class (see the imagefolder package). Model and
// training hyperparameters can be overridden with --set, e.g.:
//
//	govit --data=~/work/flowers --set="vit_num_layers=6;learning_rate=1e-3"
package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/govit-ml/govit/classifier"
	"github.com/govit-ml/govit/imagefolder"
	"github.com/govit-ml/govit/vit"
)

var (
	flagDataDir   = flag.String("data", "~/work/govit", "Dataset directory, with one train/ and one test/ sub-directory, each holding one sub-directory per class.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the test data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

func main() {
	ctx := classifier.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	*flagDataDir = must.M1(fsutil.ReplaceTildeInDir(*flagDataDir))
	if !must.M1(fsutil.FileExists(*flagDataDir)) {
		Panicf("--data directory %q does not exist", *flagDataDir)
	}
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	trainAndEvaluate(ctx)
}

func trainAndEvaluate(ctx *context.Context) {
	backend := backends.New()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	trainDS, evalDS, numClasses := createDatasets(backend, ctx)
	ctx.SetParam(vit.ParamNumClasses, numClasses)
	cfg := vit.NewFromContext(ctx)
	must.M(cfg.Validate())

	// Checkpoints: loading one restores the model variables and
	// hyperparameters into ctx, so training resumes where it stopped.
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpointPath := must.M1(fsutil.ReplaceTildeInDir(*flagCheckpoint))
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(checkpointPath).Keep(*flagCheckpointKeep).Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		if globalStep := optimizers.GetGlobalStep(ctx); globalStep != 0 {
			fmt.Printf("Restarting training from global_step=%d\n", globalStep)
			ctx = ctx.Reuse()
		}
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	start := time.Now()
	trainer := must.M1(classifier.Train(backend, ctx, cfg, trainDS, *flagVerbosity))
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	if *flagEval {
		accuracy := must.M1(classifier.Evaluate(backend, ctx, cfg, evalDS))
		fmt.Printf("Test accuracy: %.2f%% (total time: %s)\n",
			accuracy, time.Since(start).Round(time.Second))
		if *flagVerbosity >= 1 {
			must.M(commandline.ReportEval(trainer, evalDS))
		}
	}
}

// createDatasets loads the train/ and test/ image folders into memory and
// returns the training dataset (shuffled, batched), the evaluation dataset
// (batched, one epoch) and the number of classes.
func createDatasets(backend backends.Backend, ctx *context.Context) (trainDS, evalDS train.Dataset, numClasses int) {
	// Provisional model configuration, just for the input geometry. The class
	// count is only known after scanning the training directory.
	geometry := vit.New(2).FromContext(ctx)
	batchSize := context.GetParamOr(ctx, classifier.ParamBatchSize, 0)
	if batchSize <= 0 {
		Panicf("batch_size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, classifier.ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}

	baseTrain, trainClasses := must.M2(imagefolder.Load(
		backend, "train", filepath.Join(*flagDataDir, "train"), geometry.ImageSize, geometry.DType))
	baseEval, evalClasses := must.M2(imagefolder.Load(
		backend, "test", filepath.Join(*flagDataDir, "test"), geometry.ImageSize, geometry.DType))
	if len(trainClasses) != len(evalClasses) {
		Panicf("train has %d classes but test has %d, the class sub-directories must match",
			len(trainClasses), len(evalClasses))
	}
	if *flagVerbosity >= 1 {
		fmt.Printf("%d classes: %v\n", len(trainClasses), trainClasses)
		fmt.Printf("Train: %d examples (%s), Test: %d examples (%s)\n",
			baseTrain.NumExamples(), humanize.Bytes(uint64(baseTrain.Memory())),
			baseEval.NumExamples(), humanize.Bytes(uint64(baseEval.Memory())))
	}

	trainDS = baseTrain.BatchSize(batchSize, true).Shuffle()
	evalDS = baseEval.BatchSize(evalBatchSize, false)
	return trainDS, evalDS, len(trainClasses)
}
