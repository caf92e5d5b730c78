// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

// Package edemanet implements the data pipeline and model for a two-class
// ("edema present / absent") classifier over CT volumes.
//
// Volumes flow through the package as channel-first float32 tensors shaped
// [C, D, H, W], where the spatial axes follow the Superior-Anterior-Right
// ("SAR") anatomical convention after loading. Samples are keyed mappings,
// with the volume bound to ImageKey, so pipelines can carry extra fields
// (source path, metadata) along untouched.
//
// All numeric work (warps, filtering, noise, the model itself) runs as
// GoMLX computation graphs; the host side only reads volume containers,
// draws random augmentation parameters and orchestrates training.
package edemanet

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// DType used for volumes and model computation.
var DType = dtypes.Float32

// ImageKey is the sample key under which pipelines expect the volume.
// The load pipeline expects a path (string) at this key and replaces it
// with the loaded tensor; augmentation pipelines expect a tensor.
const ImageKey = "image"

// Sample is a keyed record flowing through a Pipeline. Transforms replace
// the value at ImageKey and leave every other key untouched.
type Sample map[string]any

// Clone returns a shallow copy of the sample.
func (s Sample) Clone() Sample {
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Image returns the volume tensor stored at ImageKey.
func (s Sample) Image() (*tensors.Tensor, error) {
	v, ok := s[ImageKey]
	if !ok {
		return nil, errors.Errorf("sample has no %q key", ImageKey)
	}
	t, ok := v.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("sample key %q holds %T, expected a tensor", ImageKey, v)
	}
	return t, nil
}
