// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ManifestEntry is one row of a dataset manifest CSV: the path of a volume
// (a NIfTI file or a DICOM series directory) and its class label.
type ManifestEntry struct {
	Path  string `csv:"path"`
	Label int    `csv:"label"`
}

// ReadManifest loads a manifest CSV with a "path,label" header.
func ReadManifest(path string) ([]*ManifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read manifest %q", path)
	}
	var entries []*ManifestEntry
	if err := gocsv.UnmarshalBytes(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "cannot parse manifest %q", path)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("manifest %q has no entries", path)
	}
	for i, entry := range entries {
		if entry.Path == "" {
			return nil, errors.Errorf("manifest %q entry %d has an empty path", path, i)
		}
		if entry.Label < 0 || entry.Label >= NumEdemaClasses {
			return nil, errors.Errorf("manifest %q entry %d has label %d, want 0..%d",
				path, i, entry.Label, NumEdemaClasses-1)
		}
	}
	return entries, nil
}

// ValidateManifest loads every volume named by the manifest through the
// loader pipeline and reports the first failure. Useful before a long
// training run, since a bad scan would otherwise only surface mid-epoch.
func ValidateManifest(entries []*ManifestEntry, loader *Pipeline) error {
	pbar := progressbar.Default(int64(len(entries)), "Validating volumes")
	for _, entry := range entries {
		sample := Sample{ImageKey: entry.Path}
		sample, err := loader.Apply(sample)
		if err != nil {
			return errors.WithMessagef(err, "validating %q", entry.Path)
		}
		if _, err := sample.Image(); err != nil {
			return errors.WithMessagef(err, "validating %q", entry.Path)
		}
		_ = pbar.Add(1)
	}
	_ = pbar.Finish()
	return nil
}

// PretextTask selects what a Dataset uses as labels.
type PretextTask int

const (
	// NoPretext yields the manifest labels.
	NoPretext PretextTask = iota
	// RotationPretext rotates each volume and yields the rotation class.
	RotationPretext
	// JigsawPretext shuffles depth slabs and yields the permutation class.
	JigsawPretext
)

// Dataset yields batches of volumes with labels, implementing
// train.Dataset. Volumes are loaded, normalized and optionally augmented
// per sample, then stacked host-side into [B, C, D, H, W] batches.
//
// The pipelines and the random generator are owned by the Dataset, so one
// Dataset must not be shared across goroutines without external
// serialization; Yield itself is protected for use with datasets.Parallel.
type Dataset struct {
	name    string
	backend backends.Backend
	rng     *rand.Rand
	entries []*ManifestEntry
	loader  *Pipeline
	augment *Pipeline

	pretext   PretextTask
	batchSize int
	shuffle   bool
	infinite  bool

	mu    sync.Mutex
	next  int
	order []int
}

// NewDataset creates a Dataset over the manifest entries. Volumes are read
// through the loader pipeline. The returned dataset yields batches of 1
// and can be further configured with the chained setters.
func NewDataset(name string, backend backends.Backend, rng *rand.Rand,
	entries []*ManifestEntry, loader *Pipeline) *Dataset {
	ds := &Dataset{
		name:      name,
		backend:   backend,
		rng:       rng,
		entries:   entries,
		loader:    loader,
		batchSize: 1,
	}
	ds.Reset()
	return ds
}

// BatchSize sets how many volumes each Yield stacks together.
func (ds *Dataset) BatchSize(n int) *Dataset {
	ds.batchSize = n
	return ds
}

// Shuffle reshuffles the sample order on every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop forever instead of returning io.EOF at
// the end of the epoch. Use with Loop.RunSteps, never with Loop.RunEpochs.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// WithAugmentation applies the pipeline to every volume after loading.
func (ds *Dataset) WithAugmentation(p *Pipeline) *Dataset {
	ds.augment = p
	return ds
}

// WithPretext switches the labels to a self-supervised pretext task.
func (ds *Dataset) WithPretext(task PretextTask) *Dataset {
	ds.pretext = task
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting (and reshuffling, if enabled)
// the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.next = 0
	if ds.order == nil {
		ds.order = make([]int, len(ds.entries))
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.next >= len(ds.order) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.resetLocked()
	}
	take := min(ds.batchSize, len(ds.order)-ds.next)
	volumes := make([]*tensors.Tensor, 0, take)
	labelValues := make([]int32, 0, take)
	for range take {
		entry := ds.entries[ds.order[ds.next]]
		ds.next++
		volume, label, err := ds.loadOne(entry)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "dataset %q, sample %q", ds.name, entry.Path)
		}
		volumes = append(volumes, volume)
		labelValues = append(labelValues, int32(label))
	}
	batch, err := stackVolumes(volumes)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	labelsT := tensors.FromFlatDataAndDimensions(labelValues, len(labelValues), 1)
	return nil, []*tensors.Tensor{batch}, []*tensors.Tensor{labelsT}, nil
}

func (ds *Dataset) loadOne(entry *ManifestEntry) (*tensors.Tensor, int, error) {
	sample := Sample{ImageKey: entry.Path}
	sample, err := ds.loader.Apply(sample)
	if err != nil {
		return nil, 0, err
	}
	if ds.augment != nil {
		sample, err = ds.augment.Apply(sample)
		if err != nil {
			return nil, 0, err
		}
	}
	volume, err := sample.Image()
	if err != nil {
		return nil, 0, err
	}
	switch ds.pretext {
	case NoPretext:
		return volume, entry.Label, nil
	case RotationPretext:
		return RandomRotation(ds.backend, ds.rng, volume)
	case JigsawPretext:
		return RandomJigsaw(ds.backend, ds.rng, volume)
	default:
		return nil, 0, errors.Errorf("unknown pretext task %d", ds.pretext)
	}
}

// stackVolumes stacks same-shaped float32 volumes into one tensor with a
// new leading batch axis.
func stackVolumes(volumes []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(volumes) == 0 {
		return nil, errors.New("cannot stack an empty batch")
	}
	first := volumes[0].Shape()
	if first.DType != DType {
		return nil, errors.Errorf("cannot stack %s volumes, want %s", first.DType, DType)
	}
	for i, v := range volumes[1:] {
		if !v.Shape().Equal(first) {
			return nil, errors.Errorf("volume %d has shape %s, but volume 0 has %s: cannot stack",
				i+1, v.Shape(), first)
		}
	}
	size := first.Size()
	stacked := make([]float32, len(volumes)*size)
	for i, v := range volumes {
		tensors.MustConstFlatData[float32](v, func(flat []float32) {
			copy(stacked[i*size:(i+1)*size], flat)
		})
	}
	dims := append([]int{len(volumes)}, first.Dimensions...)
	return tensors.FromFlatDataAndDimensions(stacked, dims...), nil
}
