// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier orchestrates training and evaluation of the ViT image
// classifier: it owns the hyperparameter defaults, the epoch/batch training
// loop (cross-entropy loss, AdamW updates, periodic loss reporting, a
// non-finite-loss guard) and the gradient-free evaluation loop that reports
// accuracy as a percentage.
package classifier

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"

	"github.com/govit-ml/govit/vit"
)

const (
	// ParamBatchSize is the training batch size hyperparameter.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the evaluation batch size; it falls back to
	// ParamBatchSize when unset or <= 0.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumEpochs is the number of passes over the training data.
	ParamNumEpochs = "num_epochs"

	// ReportEverySteps is the cadence at which the most recent batch loss and
	// the elapsed wall time are printed during training. Observability only,
	// it does not affect training.
	ReportEverySteps = 50
)

// CreateDefaultContext returns a context holding the reference
// hyperparameters: ViT-Base model dimensions, batch size 64, 7 epochs, and
// Adam with learning rate 3e-3 and weight decay 0.3. The optimizer settings
// are intentionally kept identical to the reference configuration, aggressive
// as they are.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamBatchSize:     64,
		ParamEvalBatchSize: 64,
		ParamNumEpochs:     7,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    3e-3,
		optimizers.ParamAdamWeightDecay: 0.3,

		vit.ParamNumClasses:  2,
		vit.ParamImageSize:   224,
		vit.ParamPatchSize:   16,
		vit.ParamNumChannels: 3,
		vit.ParamEmbedDim:    768,
		vit.ParamNumHeads:    12,
		vit.ParamNumLayers:   12,
		vit.ParamMLPDim:      3072,
		vit.ParamDropout:     0.1,
	})
	return ctx
}

// NewTrainer builds a train.Trainer for the given model configuration:
// sparse categorical cross-entropy on the logits, optimizer from the context
// hyperparameters, and categorical accuracy metrics for training (moving
// average) and evaluation (mean).
//
// The model variables are created under the "model" scope of ctx.
func NewTrainer(backend backends.Backend, ctx *context.Context, cfg *vit.Config) (*train.Trainer, error) {
	modelFn, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	movingAccuracy := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx.In("model"), modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})
	return trainer, nil
}

// Train runs the training loop: for each of the configured epochs, every
// batch of trainDS goes through one forward pass, loss computation, gradient
// backpropagation and one optimizer step -- batches strictly in sequence,
// each fully retired before the next is requested.
//
// Every ReportEverySteps batches the most recent batch loss and the elapsed
// wall time are printed. A non-finite (NaN/Inf) batch loss aborts the run
// with an error: parameters after a masked numerical fault cannot be trusted,
// so there is no retry or skip.
//
// A training dataset that yields no examples is an error, whether it reports
// its size up front (NumExamples) or is only discovered empty after the loop.
//
// Set verbosity < 0 to suppress the progress bar and periodic reporting.
func Train(backend backends.Backend, ctx *context.Context, cfg *vit.Config, trainDS train.Dataset, verbosity int) (*train.Trainer, error) {
	if err := checkNotEmpty(trainDS); err != nil {
		return nil, err
	}
	trainer, err := NewTrainer(backend, ctx, cfg)
	if err != nil {
		return nil, err
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	start := time.Now()
	if verbosity >= 0 {
		train.EveryNSteps(loop, ReportEverySteps, "batch loss report", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				loss, err := scalarToFloat(stepMetrics[0])
				if err != nil {
					return err
				}
				fmt.Printf("[step %d] batch loss: %.5f, elapsed: %s\n",
					loop.LoopStep, loss, time.Since(start).Round(time.Millisecond))
				return nil
			})
	}
	loop.OnStep("finite loss guard", 110,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			loss, err := scalarToFloat(stepMetrics[0])
			if err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return errors.Errorf("non-finite loss %g at step %d, aborting training", loss, loop.LoopStep)
			}
			return nil
		})

	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 7)
	startStep := loop.LoopStep
	if _, err := loop.RunEpochs(trainDS, numEpochs); err != nil {
		return nil, errors.WithMessagef(err, "training failed after %s", time.Since(start))
	}
	if loop.LoopStep == startStep {
		// Datasets without NumExamples() pass checkNotEmpty; catch them here
		// rather than report a "trained" model that never saw a batch.
		return nil, errors.Errorf("dataset %q yielded no examples over %d epochs", trainDS.Name(), numEpochs)
	}
	if verbosity >= 1 {
		fmt.Printf("Finished training: %d steps in %s (median train step: %s)\n",
			loop.LoopStep, time.Since(start).Round(time.Millisecond),
			loop.MedianTrainStepDuration().Round(time.Microsecond))
	}
	return trainer, nil
}

// Evaluate runs the model over evalDS once with training mode disabled --
// dropout is the identity and no gradients are computed or applied -- and
// returns the accuracy as a percentage: 100 x correct / total, where an
// example counts as correct when the arg-max of its logits equals its label.
//
// Model parameters and optimizer state are never mutated. An evaluation
// dataset that yields zero examples is an error (0/0 accuracy is undefined).
func Evaluate(backend backends.Backend, ctx *context.Context, cfg *vit.Config, evalDS train.Dataset) (accuracy float64, err error) {
	modelFn, err := cfg.Build()
	if err != nil {
		return 0, err
	}
	// Checked(false) so the same graph function works both on a freshly
	// initialized model and on one restored from training.
	return evaluate(backend, ctx.In("model").Checked(false), modelFn, evalDS)
}

// evaluate iterates evalDS once and accumulates arg-max accuracy for the
// given model graph function.
func evaluate(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, evalDS train.Dataset) (accuracy float64, err error) {
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return 0, err
	}

	evalDS.Reset()
	var correct, total int
	for {
		_, inputs, labels, err := evalDS.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		predictions, err := exec.Exec1(inputs[0])
		if err != nil {
			return 0, err
		}
		predicted, err := intFlatValues(predictions)
		if err != nil {
			return 0, err
		}
		wanted, err := intFlatValues(labels[0])
		if err != nil {
			return 0, err
		}
		if len(predicted) != len(wanted) {
			return 0, errors.Errorf("evaluation batch mismatch: %d predictions for %d labels",
				len(predicted), len(wanted))
		}
		for i, label := range wanted {
			if predicted[i] == label {
				correct++
			}
		}
		total += len(wanted)
	}
	if total == 0 {
		return 0, errors.New("evaluation dataset yielded no examples, accuracy is undefined")
	}
	return 100 * float64(correct) / float64(total), nil
}

// checkNotEmpty errors out before the loop starts on datasets known to hold
// zero examples.
func checkNotEmpty(ds train.Dataset) error {
	sized, ok := ds.(interface{ NumExamples() int })
	if ok && sized.NumExamples() == 0 {
		return errors.Errorf("dataset %q holds no examples", ds.Name())
	}
	return nil
}

// scalarToFloat reads a scalar metric tensor as float64.
func scalarToFloat(t *tensors.Tensor) (float64, error) {
	switch value := t.Value().(type) {
	case float32:
		return float64(value), nil
	case float64:
		return value, nil
	default:
		return 0, errors.Errorf("expected a float scalar metric, got %s", t.Shape())
	}
}

// intFlatValues copies the flat contents of an integer tensor.
func intFlatValues(t *tensors.Tensor) ([]int, error) {
	values := make([]int, 0, t.Shape().Size())
	var err error
	switch t.DType() {
	case dtypes.Int32:
		err = tensors.ConstFlatData[int32](t, func(flat []int32) {
			for _, v := range flat {
				values = append(values, int(v))
			}
		})
	case dtypes.Int64:
		err = tensors.ConstFlatData[int64](t, func(flat []int64) {
			for _, v := range flat {
				values = append(values, int(v))
			}
		})
	default:
		return nil, errors.Errorf("expected an integer tensor, got %s", t.Shape())
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}
