// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"fmt"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

var (
	// ValidTasks lists the training tasks: the supervised classifier and
	// the two self-supervised pretext tasks.
	ValidTasks = []string{"edema", "rotation", "jigsaw"}

	// ParamsExcludedFromSaving is the list of parameters (see the demo's
	// createDefaultContext) that shouldn't be saved along the model's
	// checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		"data_dir", "train_manifest", "valid_manifest", "train_steps", "num_checkpoints", "validate_data",
	}
)

// Backend is created once and reused if Train is called multiple times.
var Backend backends.Backend

// Train runs the task selected by the "task" hyperparameter with the
// hyperparameters given in ctx. Pretraining a pretext task and then
// training "edema" against the same checkpoint directory reuses the shared
// encoder weights.
func Train(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	task := context.GetParamOr(ctx, "task", ValidTasks[0])
	modelFn, err := TaskModelFn(task)
	if err != nil {
		panic(err)
	}

	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validEvalDS := CreateDatasets(ctx, Backend, task, batchSize, evalBatchSize)

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute*3, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validEvalDS, trainEvalDS))
	}
}

// TaskModelFn maps a task name to its model graph function.
func TaskModelFn(task string) (modelFn train.ModelFn, err error) {
	if slices.Index(ValidTasks, task) == -1 {
		return nil, errors.Errorf("Parameter \"task\" must take one value from %v, got %q", ValidTasks, task)
	}
	switch task {
	case "rotation":
		modelFn = RotationModelGraph
	case "jigsaw":
		modelFn = JigsawModelGraph
	default:
		modelFn = EdemaModelGraph
	}
	return modelFn, nil
}

// CreateDatasets builds the training and evaluation datasets from the
// manifests named by the "train_manifest" and "valid_manifest"
// hyperparameters. Augmentation only applies to the training split.
func CreateDatasets(ctx *context.Context, backend backends.Backend, task string,
	batchSize, evalBatchSize int) (trainDS, trainEvalDS, validEvalDS train.Dataset) {
	trainManifest := context.GetParamOr(ctx, "train_manifest", "train.csv")
	validManifest := context.GetParamOr(ctx, "valid_manifest", "valid.csv")
	trainEntries := must.M1(ReadManifest(trainManifest))
	validEntries := must.M1(ReadManifest(validManifest))

	mean := context.GetParamOr(ctx, "normalize_mean", 0.0)
	std := context.GetParamOr(ctx, "normalize_std", 1.0)
	seed := int64(context.GetParamOr(ctx, "seed", 42))
	useCoarseDropout := context.GetParamOr(ctx, "coarse_dropout", false)

	if context.GetParamOr(ctx, "validate_data", false) {
		rng := rand.New(rand.NewSource(seed))
		loader, _, _ := BuildTransforms(backend, rng, mean, std)
		all := append(append([]*ManifestEntry{}, trainEntries...), validEntries...)
		must.M(ValidateManifest(all, loader))
	}

	pretext := NoPretext
	switch task {
	case "rotation":
		pretext = RotationPretext
	case "jigsaw":
		pretext = JigsawPretext
	}
	newSplit := func(name string, entries []*ManifestEntry, seedOffset int64, augmented bool) *Dataset {
		rng := rand.New(rand.NewSource(seed + seedOffset))
		loader, augment, augmentCoarse := BuildTransforms(backend, rng, mean, std)
		ds := NewDataset(name, backend, rng, entries, loader).
			WithPretext(pretext)
		if augmented {
			if useCoarseDropout {
				ds = ds.WithAugmentation(augmentCoarse)
			} else {
				ds = ds.WithAugmentation(augment)
			}
		}
		return ds
	}
	trainDS = newSplit("Training", trainEntries, 0, true).
		BatchSize(batchSize).Shuffle().Infinite()
	trainEvalDS = newSplit("Training (eval)", trainEntries, 1, false).
		BatchSize(evalBatchSize)
	validEvalDS = newSplit("Validation", validEntries, 2, false).
		BatchSize(evalBatchSize)
	return
}
