// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

// Trainer for the edema classifier and its self-supervised pretext tasks.
//
// Typical use, pretraining the encoder and then fine-tuning the classifier
// against the same checkpoint:
//
//	edemanet --checkpoint=m3t --set="task=rotation;train_steps=2000"
//	edemanet --checkpoint=m3t --set="task=edema;train_steps=5000"
package main

import (
	"flag"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/medml/edemanet"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/edemanet", "Directory to hold checkpoints and cached dataset files.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"task":            edemanet.ValidTasks[0],
		"train_manifest":  "train.csv",
		"valid_manifest":  "valid.csv",
		"num_checkpoints": 3,
		"train_steps":     5000,

		// batch_size for training.
		"batch_size": 8,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 16,

		// Intensity statistics used to standardize the volumes, and the
		// seed driving augmentation and shuffling.
		"normalize_mean": 0.0,
		"normalize_std":  1.0,
		"seed":           42,
		"coarse_dropout": false,
		"validate_data":  false,

		// Encoder parameters.
		edemanet.ParamEmbedDim:     128,
		edemanet.ParamNumAttLayers: 4,
		edemanet.ParamNumAttHeads:  8,
		edemanet.ParamAttKeySize:   16,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.1,
		regularizers.ParamL2:            1e-5,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	edemanet.Train(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
}
