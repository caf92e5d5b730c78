// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Transform is one stage of a Pipeline: it maps a sample to a new sample,
// usually replacing the volume at ImageKey. Stochastic stages draw all of
// their randomness from the pipeline's generator, so a pipeline built with
// a seeded *rand.Rand is fully reproducible.
type Transform interface {
	// Name identifies the stage, for logging and debugging.
	Name() string

	// Apply the stage to the sample. The pipeline provides the backend for
	// graph execution and the random generator.
	Apply(p *Pipeline, sample Sample) (Sample, error)
}

// Pipeline is an ordered, fixed sequence of transforms over samples.
//
// The stage sequence is immutable after construction. Stages themselves are
// stateless across invocations except for the draws they take from the
// pipeline's random generator, so a Pipeline is not safe for concurrent
// use; create one per goroutine, each with its own generator.
type Pipeline struct {
	name    string
	backend backends.Backend
	rng     *rand.Rand
	stages  []Transform
}

// NewPipeline creates a pipeline executing the given stages in order.
// rng may be nil for pipelines with no stochastic stages.
func NewPipeline(name string, backend backends.Backend, rng *rand.Rand, stages ...Transform) *Pipeline {
	return &Pipeline{name: name, backend: backend, rng: rng, stages: stages}
}

// Name of the pipeline.
func (p *Pipeline) Name() string { return p.name }

// Stages returns the pipeline's stage sequence. The caller must not modify it.
func (p *Pipeline) Stages() []Transform { return p.stages }

// Backend used to execute the pipeline's graph computations.
func (p *Pipeline) Backend() backends.Backend { return p.backend }

// Rand returns the pipeline's random generator.
func (p *Pipeline) Rand() *rand.Rand { return p.rng }

// Apply runs every stage in order. It fails on the first stage error,
// wrapped with the stage name.
func (p *Pipeline) Apply(sample Sample) (Sample, error) {
	var err error
	for _, stage := range p.stages {
		sample, err = stage.Apply(p, sample)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q, stage %q", p.name, stage.Name())
		}
	}
	return sample, nil
}

// ApplyImage is a convenience wrapper that runs the pipeline over a bare
// volume, wrapping it in the keyed sample form the stages expect.
func (p *Pipeline) ApplyImage(volume *tensors.Tensor) (*tensors.Tensor, error) {
	sample, err := p.Apply(Sample{ImageKey: volume})
	if err != nil {
		return nil, err
	}
	return sample.Image()
}

// DefaultAugmentation returns the stage sequence used for training-time
// augmentation of CT volumes. The order and every parameter are part of the
// pipeline's semantics; callers that need a different recipe should build
// their own stage slice.
//
// With withCoarseDropout set, a coarse-dropout stage (4 holes of 16x16x16
// voxels, filled with 0) is inserted before the final type conversion.
func DefaultAugmentation(withCoarseDropout bool) []Transform {
	stages := []Transform{
		&RandFlip{Key: ImageKey, Prob: 0.5, Axis: 0},
		&RandFlip{Key: ImageKey, Prob: 0.5, Axis: 1},
		&RandFlip{Key: ImageKey, Prob: 0.5, Axis: 2},
		&RandAffine{
			Key:            ImageKey,
			Prob:           0.7,
			RotateRange:    math.Pi / 36,
			TranslateRange: 4,
			ScaleRange:     0.05,
		},
		&RandAdjustContrast{Key: ImageKey, Prob: 0.3, GammaLow: 0.7, GammaHigh: 1.4},
		&RandScaleIntensity{Key: ImageKey, Prob: 0.3, Factor: 0.15},
		&RandShiftIntensity{Key: ImageKey, Prob: 0.3, Offset: 0.10},
		&RandGaussianNoise{Key: ImageKey, Prob: 0.25, Mean: 0, StdDev: 0.01},
		&RandGaussianSmooth{Key: ImageKey, Prob: 0.15, SigmaLow: 0, SigmaHigh: 1},
	}
	if withCoarseDropout {
		stages = append(stages, &RandCoarseDropout{
			Key:      ImageKey,
			Prob:     0.2,
			Holes:    4,
			HoleSize: [3]int{16, 16, 16},
			Fill:     0,
		})
	}
	stages = append(stages, &EnsureType{Key: ImageKey, DType: DType})
	return stages
}

// Augmentation assembles the DefaultAugmentation stages into a pipeline.
func Augmentation(backend backends.Backend, rng *rand.Rand, withCoarseDropout bool) *Pipeline {
	name := "augment"
	if withCoarseDropout {
		name = "augment-coarse"
	}
	return NewPipeline(name, backend, rng, DefaultAugmentation(withCoarseDropout)...)
}

// BuildTransforms creates the three pipelines of the training data flow:
// a deterministic load pipeline (read volume, channel-first, reorient to
// SAR, z-score normalize with the given mean/std, convert to DType), the
// moderate augmentation pipeline, and the same augmentation with coarse
// dropout. The three pipelines are independent; composing them per batch is
// the caller's choice.
func BuildTransforms(backend backends.Backend, rng *rand.Rand, mean, std float64) (load, augment, augmentCoarse *Pipeline) {
	load = NewPipeline("load", backend, rng,
		&LoadImage{Key: ImageKey, Reader: AutoReader{}},
		&EnsureChannelFirst{Key: ImageKey},
		&Orientation{Key: ImageKey, From: DefaultSourceAxcodes, To: TargetAxcodes},
		&NormalizeIntensity{Key: ImageKey, Mean: mean, Std: std},
		&EnsureType{Key: ImageKey, DType: DType},
	)
	augment = Augmentation(backend, rng, false)
	augmentCoarse = Augmentation(backend, rng, true)
	return
}

// AugmentBatch applies tf independently to every volume of a batch shaped
// [N, C, D, H, W] and re-stacks the results, preserving order. It fails if
// any per-sample application fails or if the augmented volumes do not all
// share one shape.
func AugmentBatch(batch *tensors.Tensor, tf *Pipeline) (*tensors.Tensor, error) {
	dims := batch.Shape().Dimensions
	if len(dims) < 2 {
		return nil, errors.Errorf("AugmentBatch: batch must be at least rank 2, got shape %s", batch.Shape())
	}
	if batch.Shape().DType != DType {
		return nil, errors.Errorf("AugmentBatch: batch dtype must be %s, got %s", DType, batch.Shape().DType)
	}
	n := dims[0]
	sampleDims := dims[1:]
	sampleSize := 1
	for _, d := range sampleDims {
		sampleSize *= d
	}

	// Split the batch host-side: each sample is a contiguous run of the
	// batch's flat data.
	samples := make([]*tensors.Tensor, n)
	tensors.MustConstFlatData[float32](batch, func(flat []float32) {
		for i := range n {
			part := make([]float32, sampleSize)
			copy(part, flat[i*sampleSize:(i+1)*sampleSize])
			samples[i] = tensors.FromFlatDataAndDimensions(part, sampleDims...)
		}
	})

	out := make([]*tensors.Tensor, n)
	for i, sample := range samples {
		augmented, err := tf.ApplyImage(sample)
		if err != nil {
			return nil, errors.WithMessagef(err, "AugmentBatch: sample %d", i)
		}
		out[i] = augmented
	}
	stacked, err := stackVolumes(out)
	if err != nil {
		return nil, errors.WithMessage(err, "AugmentBatch")
	}
	return stacked, nil
}
