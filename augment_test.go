// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVolume builds a [c, d, h, w] volume with a deterministic, non-uniform
// value pattern.
func testVolume(c, d, h, w int) *tensors.Tensor {
	flat := make([]float32, c*d*h*w)
	for i := range flat {
		flat[i] = float32(i%17) - 8
	}
	return tensors.FromFlatDataAndDimensions(flat, c, d, h, w)
}

func flatValues(t *testing.T, v *tensors.Tensor) []float32 {
	t.Helper()
	out := make([]float32, 0, v.Shape().Size())
	tensors.MustConstFlatData[float32](v, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

func applyStage(t *testing.T, p *Pipeline, stage Transform, vol *tensors.Tensor) *tensors.Tensor {
	t.Helper()
	sample, err := stage.Apply(p, Sample{ImageKey: vol})
	require.NoError(t, err)
	img, err := sample.Image()
	require.NoError(t, err)
	return img
}

func TestDefaultAugmentationStages(t *testing.T) {
	plain := DefaultAugmentation(false)
	withDropout := DefaultAugmentation(true)
	require.Equal(t, len(plain)+1, len(withDropout))

	names := func(stages []Transform) []string {
		out := make([]string, len(stages))
		for i, s := range stages {
			out[i] = s.Name()
		}
		return out
	}
	assert.Equal(t, "EnsureType", plain[len(plain)-1].Name())
	assert.Equal(t, "EnsureType", withDropout[len(withDropout)-1].Name())
	assert.NotContains(t, names(plain), "RandCoarseDropout")
	assert.Contains(t, names(withDropout), "RandCoarseDropout")
}

func TestRandFlip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	vol := testVolume(1, 2, 2, 2)

	flipped := applyStage(t, p, &RandFlip{Key: ImageKey, Prob: 1, Axis: 0}, vol)
	original := flatValues(t, vol)
	got := flatValues(t, flipped)
	// Reversing the depth axis of a [1, 2, 2, 2] volume swaps its halves.
	want := append(append([]float32{}, original[4:]...), original[:4]...)
	assert.Equal(t, want, got)

	// A second flip undoes the first.
	restored := applyStage(t, p, &RandFlip{Key: ImageKey, Prob: 1, Axis: 0}, flipped)
	assert.Equal(t, original, flatValues(t, restored))

	// A non-positive probability never triggers.
	p2 := NewPipeline("test2", backend, rand.New(rand.NewSource(1)))
	same := applyStage(t, p2, &RandFlip{Key: ImageKey, Prob: 0, Axis: 0}, vol)
	assert.Equal(t, original, flatValues(t, same))
}

func TestStageIdentities(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vol := testVolume(1, 8, 8, 8)
	original := flatValues(t, vol)

	cases := []struct {
		name  string
		stage Transform
		delta float64
	}{
		{"AffineZeroRanges", &RandAffine{Key: ImageKey, Prob: 1}, 1e-4},
		{"ContrastGammaOne", &RandAdjustContrast{Key: ImageKey, Prob: 1, GammaLow: 1, GammaHigh: 1}, 1e-3},
		{"ScaleFactorZero", &RandScaleIntensity{Key: ImageKey, Prob: 1, Factor: 0}, 0},
		{"ShiftOffsetZero", &RandShiftIntensity{Key: ImageKey, Prob: 1, Offset: 0}, 0},
		{"SmoothSigmaZero", &RandGaussianSmooth{Key: ImageKey, Prob: 1, SigmaLow: 0, SigmaHigh: 0}, 0},
		{"NoiseStdZero", &RandGaussianNoise{Key: ImageKey, Prob: 1, Mean: 0, StdDev: 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPipeline("test", backend, rand.New(rand.NewSource(7)))
			got := flatValues(t, applyStage(t, p, tc.stage, vol))
			require.Len(t, got, len(original))
			for i := range got {
				assert.InDelta(t, original[i], got[i], tc.delta, "voxel %d", i)
			}
		})
	}
}

func TestRandCoarseDropoutFillsHoles(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(3)))
	vol := testVolume(1, 4, 4, 4)

	// A single hole as large as the volume paints everything with Fill.
	stage := &RandCoarseDropout{
		Key: ImageKey, Prob: 1, Holes: 1, HoleSize: [3]int{4, 4, 4}, Fill: 7,
	}
	got := flatValues(t, applyStage(t, p, stage, vol))
	for i, v := range got {
		require.Equal(t, float32(7), v, "voxel %d", i)
	}

	// A small hole keeps most voxels intact.
	stage = &RandCoarseDropout{
		Key: ImageKey, Prob: 1, Holes: 1, HoleSize: [3]int{2, 2, 2}, Fill: 1000,
	}
	got = flatValues(t, applyStage(t, p, stage, vol))
	filled := 0
	for _, v := range got {
		if v == 1000 {
			filled++
		}
	}
	assert.Equal(t, 8, filled)
}

func TestPipelineReproducible(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vol := testVolume(1, 8, 8, 8)

	run := func(seed int64) []float32 {
		p := Augmentation(backend, rand.New(rand.NewSource(seed)), true)
		out, err := p.ApplyImage(vol)
		require.NoError(t, err)
		return flatValues(t, out)
	}
	assert.Equal(t, run(42), run(42), "same seed must reproduce the same augmentation")
	assert.NotEqual(t, run(42), run(43), "different seeds should diverge")
}

func TestAugmentBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Two distinguishable samples stacked into one batch.
	flat := make([]float32, 2*1*2*2*2)
	for i := range flat {
		flat[i] = float32(i)
	}
	batch := tensors.FromFlatDataAndDimensions(flat, 2, 1, 2, 2, 2)

	identity := NewPipeline("identity", backend, rand.New(rand.NewSource(1)),
		&RandShiftIntensity{Key: ImageKey, Prob: 1, Offset: 0})
	out, err := AugmentBatch(batch, identity)
	require.NoError(t, err)
	assert.True(t, out.Shape().Equal(batch.Shape()))
	assert.Equal(t, flat, flatValues(t, out), "identity augmentation must preserve batch order and values")

	// The full recipe with every probability zeroed is also an identity.
	var untriggered []Transform
	for _, stage := range DefaultAugmentation(true) {
		switch s := stage.(type) {
		case *RandFlip:
			s.Prob = 0
		case *RandAffine:
			s.Prob = 0
		case *RandAdjustContrast:
			s.Prob = 0
		case *RandScaleIntensity:
			s.Prob = 0
		case *RandShiftIntensity:
			s.Prob = 0
		case *RandGaussianNoise:
			s.Prob = 0
		case *RandGaussianSmooth:
			s.Prob = 0
		case *RandCoarseDropout:
			s.Prob = 0
		}
		untriggered = append(untriggered, stage)
	}
	silent := NewPipeline("silent", backend, rand.New(rand.NewSource(2)), untriggered...)
	out, err = AugmentBatch(batch, silent)
	require.NoError(t, err)
	assert.Equal(t, flat, flatValues(t, out))

	_, err = AugmentBatch(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2), identity)
	assert.Error(t, err)
}

func TestBuildTransforms(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))
	load, augment, augmentCoarse := BuildTransforms(backend, rng, 0, 1)
	require.NotNil(t, load)
	require.NotNil(t, augment)
	require.NotNil(t, augmentCoarse)
	assert.Equal(t, len(augment.Stages())+1, len(augmentCoarse.Stages()))
	assert.Equal(t, "LoadImage", load.Stages()[0].Name())
}
