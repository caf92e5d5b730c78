// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

// Self-supervised pretext tasks: a volume is perturbed by a discrete,
// recoverable transformation, and the label is which transformation was
// applied. Pretraining the encoder to predict it gives a warm start when
// labeled scans are scarce.

package edemanet

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// rotationPlanes maps each spatial axis of a [C, D, H, W] volume to the
// tensor axes of the plane perpendicular to it.
var rotationPlanes = [3][2]int{
	0: {2, 3},
	1: {1, 3},
	2: {1, 2},
}

// NumRotationClasses is the label space of the rotation pretext task:
// 3 axes times 4 quarter turns.
const NumRotationClasses = 12

// Rotate90 rotates a [C, D, H, W] volume by turns quarter turns in the
// plane perpendicular to the given spatial axis (0=D, 1=H, 2=W). turns is
// taken modulo 4; zero turns returns the volume unchanged.
func Rotate90(backend backends.Backend, vol *tensors.Tensor, axis, turns int) (*tensors.Tensor, error) {
	if axis < 0 || axis > 2 {
		return nil, errors.Errorf("rotation axis must be in 0..2, got %d", axis)
	}
	if vol.Shape().Rank() != 4 {
		return nil, errors.Errorf("Rotate90 requires a [C, D, H, W] volume, got shape %s", vol.Shape())
	}
	turns = ((turns % 4) + 4) % 4
	if turns == 0 {
		return vol, nil
	}
	a, b := rotationPlanes[axis][0], rotationPlanes[axis][1]
	return ExecOnce(backend, func(x *Node) *Node {
		for range turns {
			x = Reverse(Transpose(x, a, b), a)
		}
		return x
	}, vol)
}

// RandomRotation applies a random quarter-turn rotation and returns the
// rotated volume together with its class label, axis*4 + turns.
func RandomRotation(backend backends.Backend, rng *rand.Rand, vol *tensors.Tensor) (*tensors.Tensor, int, error) {
	axis := rng.Intn(3)
	turns := rng.Intn(4)
	rotated, err := Rotate90(backend, vol, axis, turns)
	if err != nil {
		return nil, 0, err
	}
	return rotated, axis*4 + turns, nil
}

// NumJigsawClasses is the label space of the jigsaw pretext task:
// depth slices shuffled or not.
const NumJigsawClasses = 2

// ApplyJigsaw splits the depth axis of a [C, D, H, W] volume into
// len(perm) equal slabs and reorders them according to perm, so slab i of
// the output is slab perm[i] of the input.
func ApplyJigsaw(backend backends.Backend, vol *tensors.Tensor, perm []int) (*tensors.Tensor, error) {
	if vol.Shape().Rank() != 4 {
		return nil, errors.Errorf("ApplyJigsaw requires a [C, D, H, W] volume, got shape %s", vol.Shape())
	}
	depth := vol.Shape().Dimensions[1]
	segments := len(perm)
	if segments == 0 || depth%segments != 0 {
		return nil, errors.Errorf("depth %d is not divisible into %d slabs", depth, segments)
	}
	slab := depth / segments
	order := make([]int32, depth)
	for i, src := range perm {
		if src < 0 || src >= segments {
			return nil, errors.Errorf("invalid slab index %d in permutation %v", src, perm)
		}
		for j := range slab {
			order[i*slab+j] = int32(src*slab + j)
		}
	}
	orderT := tensors.FromFlatDataAndDimensions(order, depth, 1)

	return ExecOnce(backend, func(x, order *Node) *Node {
		depthFirst := Transpose(x, 0, 1) // [D, C, H, W]
		shuffled := Gather(depthFirst, order)
		return Transpose(shuffled, 0, 1)
	}, vol, orderT)
}

// RandomJigsaw reorders the depth slices of the volume by a uniformly
// random permutation with probability 0.5. The binary label says whether
// the slices were shuffled: 0 returns the volume untouched, 1 returns
// the reordered volume.
func RandomJigsaw(backend backends.Backend, rng *rand.Rand, vol *tensors.Tensor) (*tensors.Tensor, int, error) {
	if vol.Shape().Rank() != 4 {
		return nil, 0, errors.Errorf("RandomJigsaw requires a [C, D, H, W] volume, got shape %s", vol.Shape())
	}
	if rng.Float64() < 0.5 {
		return vol, 0, nil
	}
	depth := vol.Shape().Dimensions[1]
	shuffled, err := ApplyJigsaw(backend, vol, rng.Perm(depth))
	if err != nil {
		return nil, 0, err
	}
	return shuffled, 1, nil
}
