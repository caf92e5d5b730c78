// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestReadManifest(t *testing.T) {
	path := writeManifest(t, "path,label\na.nii.gz,0\nb.nii.gz,1\n")
	entries, err := ReadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.nii.gz", entries[0].Path)
	assert.Equal(t, 0, entries[0].Label)
	assert.Equal(t, 1, entries[1].Label)

	_, err = ReadManifest(writeManifest(t, "path,label\na.nii.gz,7\n"))
	assert.Error(t, err, "labels beyond the class count are rejected")

	_, err = ReadManifest(writeManifest(t, "path,label\n,0\n"))
	assert.Error(t, err, "empty paths are rejected")

	_, err = ReadManifest(writeManifest(t, "path,label\n"))
	assert.Error(t, err, "an empty manifest is rejected")

	_, err = ReadManifest(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

// fakeLoader stands in for disk access: it replaces the path at Key with a
// small deterministic volume derived from the path's bytes.
type fakeLoader struct {
	dims []int
}

func (f *fakeLoader) Name() string { return "fakeLoader" }

func (f *fakeLoader) Apply(p *Pipeline, sample Sample) (Sample, error) {
	path := sample[ImageKey].(string)
	seed := float32(0)
	for _, b := range []byte(path) {
		seed += float32(b)
	}
	size := 1
	for _, d := range f.dims {
		size *= d
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = seed + float32(i)
	}
	return withImage(sample, ImageKey, tensors.FromFlatDataAndDimensions(flat, f.dims...)), nil
}

func testEntries(n int) []*ManifestEntry {
	entries := make([]*ManifestEntry, n)
	for i := range entries {
		entries[i] = &ManifestEntry{
			Path:  string(rune('a'+i)) + ".nii.gz",
			Label: i % NumEdemaClasses,
		}
	}
	return entries
}

func TestDatasetYield(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))
	loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 4, 4, 4}})

	ds := NewDataset("test", backend, rng, testEntries(5), loader).BatchSize(2)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{2, 1, 4, 4, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)

	// 5 entries at batch size 2: batches of 2, 2 and 1, then io.EOF.
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 1, inputs[0].Shape().Dimensions[0])
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset starts a new epoch.
	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}

func TestDatasetInfinite(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))
	loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 4, 4, 4}})

	ds := NewDataset("test", backend, rng, testEntries(2), loader).
		BatchSize(2).Shuffle().Infinite()
	for range 10 {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
	}
}

func TestDatasetLabels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))
	loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 4, 4, 4}})

	ds := NewDataset("test", backend, rng, testEntries(4), loader).BatchSize(4)
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	var got []int32
	tensors.MustConstFlatData[int32](labels[0], func(flat []int32) {
		got = append(got, flat...)
	})
	assert.Equal(t, []int32{0, 1, 0, 1}, got)
}

func TestDatasetPretextLabels(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Rotation", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 4, 4, 4}})
		ds := NewDataset("test", backend, rng, testEntries(4), loader).
			BatchSize(4).Infinite().WithPretext(RotationPretext)
		for range 3 {
			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			assert.Equal(t, []int{4, 1, 4, 4, 4}, inputs[0].Shape().Dimensions)
			tensors.MustConstFlatData[int32](labels[0], func(flat []int32) {
				for _, label := range flat {
					assert.GreaterOrEqual(t, label, int32(0))
					assert.Less(t, label, int32(NumRotationClasses))
				}
			})
		}
	})

	t.Run("Jigsaw", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 6, 4, 4}})
		ds := NewDataset("test", backend, rng, testEntries(4), loader).
			BatchSize(4).Infinite().WithPretext(JigsawPretext)
		_, _, labels, err := ds.Yield()
		require.NoError(t, err)
		tensors.MustConstFlatData[int32](labels[0], func(flat []int32) {
			for _, label := range flat {
				assert.GreaterOrEqual(t, label, int32(0))
				assert.Less(t, label, int32(NumJigsawClasses))
			}
		})
	})
}

func TestValidateManifest(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(1))

	loader := NewPipeline("fake", backend, rng, &fakeLoader{dims: []int{1, 4, 4, 4}})
	assert.NoError(t, ValidateManifest(testEntries(3), loader))

	realLoader, _, _ := BuildTransforms(backend, rng, 0, 1)
	err := ValidateManifest([]*ManifestEntry{{Path: "missing.nii.gz"}}, realLoader)
	assert.Error(t, err)
}
