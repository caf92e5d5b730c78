// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// CreateMask draws an independent Bernoulli(ratio) coin per element and
// returns the resulting boolean tensor of the given dimensions. The
// expected fraction of true elements is ratio. Randomness comes from the
// given generator, so a seeded generator yields a reproducible mask.
func CreateMask(backend backends.Backend, rng *rand.Rand, ratio float64, dims ...int) (*tensors.Tensor, error) {
	if ratio < 0 || ratio > 1 {
		return nil, errors.Errorf("mask ratio must be in [0, 1], got %g", ratio)
	}
	if len(dims) == 0 {
		return nil, errors.New("mask requires at least one dimension")
	}
	state, err := RNGStateFromSeed(rng.Int63())
	if err != nil {
		return nil, err
	}
	return ExecOnce(backend, func(state *Node) *Node {
		_, uniform := RandomUniform(state, shapes.Make(dtypes.Float32, dims...))
		return LessThan(uniform, Scalar(uniform.Graph(), dtypes.Float32, ratio))
	}, state)
}
