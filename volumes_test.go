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

func TestAxcodeTransform(t *testing.T) {
	perm, flip, err := axcodeTransform("RAS", "SAR")
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 1, 0}, perm)
	assert.Equal(t, [3]bool{false, false, false}, flip)

	perm, flip, err = axcodeTransform("RAS", "LPI")
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 1, 2}, perm)
	assert.Equal(t, [3]bool{true, true, true}, flip)

	perm, flip, err = axcodeTransform("RAS", "RAS")
	require.NoError(t, err)
	assert.Equal(t, [3]int{0, 1, 2}, perm)
	assert.Equal(t, [3]bool{false, false, false}, flip)

	_, _, err = axcodeTransform("RAS", "RAX")
	assert.Error(t, err)
	_, _, err = axcodeTransform("RA", "SAR")
	assert.Error(t, err)
	_, _, err = axcodeTransform("RAS", "RAP")
	assert.Error(t, err, "R, A and P do not name three distinct axes")
}

func TestOrientationRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	vol := testVolume(1, 2, 3, 4)

	forward := &Orientation{Key: ImageKey, From: "RAS", To: "SAR"}
	reoriented := applyStage(t, p, forward, vol)
	assert.Equal(t, []int{1, 4, 3, 2}, reoriented.Shape().Dimensions)

	backward := &Orientation{Key: ImageKey, From: "SAR", To: "RAS"}
	restored := applyStage(t, p, backward, reoriented)
	assert.True(t, restored.Shape().Equal(vol.Shape()))
	assert.Equal(t, flatValues(t, vol), flatValues(t, restored))
}

func TestOrientationWithFlips(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	vol := testVolume(1, 2, 3, 4)

	// Reorienting to the fully mirrored codes reverses every spatial axis.
	mirrored := applyStage(t, p, &Orientation{Key: ImageKey, From: "RAS", To: "LPI"}, vol)
	restored := applyStage(t, p, &Orientation{Key: ImageKey, From: "LPI", To: "RAS"}, mirrored)
	assert.Equal(t, flatValues(t, vol), flatValues(t, restored))
	assert.NotEqual(t, flatValues(t, vol), flatValues(t, mirrored))
}

func TestEnsureChannelFirst(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	stage := &EnsureChannelFirst{Key: ImageKey}

	flat := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	vol := tensors.FromFlatDataAndDimensions(flat, 2, 2, 2)
	out := applyStage(t, p, stage, vol)
	assert.Equal(t, []int{1, 2, 2, 2}, out.Shape().Dimensions)
	assert.Equal(t, flat, flatValues(t, out))

	// Already channel-first volumes pass through.
	out2 := applyStage(t, p, stage, out)
	assert.Same(t, out, out2)

	_, err := stage.Apply(p, Sample{ImageKey: tensors.FromFlatDataAndDimensions(flat, 8)})
	assert.Error(t, err)
}

func TestNormalizeIntensity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	vol := tensors.FromFlatDataAndDimensions([]float32{0, 2, 4, 6}, 1, 1, 2, 2)

	out := applyStage(t, p, &NormalizeIntensity{Key: ImageKey, Mean: 2, Std: 2}, vol)
	assert.Equal(t, []float32{-1, 0, 1, 2}, flatValues(t, out))

	_, err := (&NormalizeIntensity{Key: ImageKey}).Apply(p, Sample{ImageKey: vol})
	assert.Error(t, err, "zero std must be rejected")
}

func TestLoadImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPipeline("test", backend, rand.New(rand.NewSource(1)))
	stage := &LoadImage{Key: ImageKey, Reader: AutoReader{}}

	// A sample already holding a tensor passes through.
	vol := testVolume(1, 2, 2, 2)
	sample, err := stage.Apply(p, Sample{ImageKey: vol})
	require.NoError(t, err)
	img, err := sample.Image()
	require.NoError(t, err)
	assert.Same(t, vol, img)

	_, err = stage.Apply(p, Sample{})
	assert.Error(t, err)

	_, err = stage.Apply(p, Sample{ImageKey: "no-such-file.mhd"})
	assert.Error(t, err, "unknown volume format")

	_, err = stage.Apply(p, Sample{ImageKey: "no-such-file.nii.gz"})
	assert.Error(t, err)
}

func TestDICOMSeriesReaderErrors(t *testing.T) {
	_, err := DICOMSeriesReader{}.Read("does-not-exist")
	assert.Error(t, err)

	_, err = DICOMSeriesReader{}.Read(t.TempDir())
	assert.Error(t, err, "empty directory has no slices")
}
