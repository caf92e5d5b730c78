// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// This file implements the stochastic augmentation stages. Every stage
// follows the same pattern: the probability coin-flip and all parameter
// draws happen host-side on the pipeline's generator, and the voxel work is
// a GoMLX graph compiled once per volume shape (the Exec caches programs
// per input shape).

// sampleImage fetches the volume tensor stored at key.
func sampleImage(sample Sample, key string) (*tensors.Tensor, error) {
	v, ok := sample[key]
	if !ok {
		return nil, errors.Errorf("sample has no %q key", key)
	}
	t, ok := v.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("sample key %q holds %T, expected a tensor", key, v)
	}
	return t, nil
}

// withImage returns a copy of the sample with the volume at key replaced.
func withImage(sample Sample, key string, img *tensors.Tensor) Sample {
	out := sample.Clone()
	out[key] = img
	return out
}

// lazyExec builds the cached executor on first use.
func lazyExec(cache **Exec, backend backends.Backend, graphFn any) *Exec {
	if *cache == nil {
		*cache = MustNewExecAny(backend, graphFn)
	}
	return *cache
}

// triggered flips the stage coin. A non-positive probability never triggers
// and consumes no randomness.
func (p *Pipeline) triggered(prob float64) bool {
	if prob <= 0 {
		return false
	}
	return p.rng.Float64() < prob
}

// RandFlip mirrors the volume along one spatial axis (0=D, 1=H, 2=W of a
// [C, D, H, W] volume) with the given probability.
type RandFlip struct {
	Key  string
	Prob float64
	Axis int

	exec *Exec
}

func (t *RandFlip) Name() string { return fmt.Sprintf("RandFlip(axis=%d)", t.Axis) }

func (t *RandFlip) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	exec := lazyExec(&t.exec, p.backend, func(x *Node) *Node {
		return Reverse(x, t.Axis+1)
	})
	results, err := exec.Exec(img)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// RandAffine applies one combined random affine warp: per-axis rotation in
// [-RotateRange, RotateRange] radians, per-axis translation in
// [-TranslateRange, TranslateRange] voxels and per-axis scaling in
// [1-ScaleRange, 1+ScaleRange], resampled with trilinear interpolation.
// Voxels mapped outside the volume take the nearest border value.
type RandAffine struct {
	Key            string
	Prob           float64
	RotateRange    float64
	TranslateRange float64
	ScaleRange     float64

	exec *Exec
}

func (t *RandAffine) Name() string { return "RandAffine" }

func (t *RandAffine) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	dims := img.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("RandAffine requires a [C, D, H, W] volume, got shape %s", img.Shape())
	}

	uniform := func(r float64) float64 { return (2*p.rng.Float64() - 1) * r }
	var angles, translate, scale [3]float64
	for a := range 3 {
		angles[a] = uniform(t.RotateRange)
		translate[a] = uniform(t.TranslateRange)
		scale[a] = 1 + uniform(t.ScaleRange)
	}
	minv, offset := affineSampling(dims[1:], angles, translate, scale)

	exec := lazyExec(&t.exec, p.backend, affineResampleGraph)
	results, err := exec.Exec(img, minv, offset)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// affineSampling composes the forward affine transform q = A(p-c) + c + t
// about the volume center c and returns the inverse mapping for sampling,
// src = Minv*dst + b, as tensors ready to feed the resampling graph.
func affineSampling(spatial []int, angles, translate, scale [3]float64) (minv, offset *tensors.Tensor) {
	rot := func(axis int, theta float64) *mat.Dense {
		c, s := math.Cos(theta), math.Sin(theta)
		m := mat.NewDense(3, 3, nil)
		for i := range 3 {
			m.Set(i, i, 1)
		}
		a, b := (axis+1)%3, (axis+2)%3
		m.Set(a, a, c)
		m.Set(a, b, -s)
		m.Set(b, a, s)
		m.Set(b, b, c)
		return m
	}
	fwd := mat.NewDense(3, 3, nil)
	fwd.Mul(rot(0, angles[0]), rot(1, angles[1]))
	fwd.Mul(fwd, rot(2, angles[2]))
	scaling := mat.NewDense(3, 3, nil)
	for i := range 3 {
		scaling.Set(i, i, scale[i])
	}
	fwd.Mul(fwd, scaling)

	var inv mat.Dense
	must.M(inv.Inverse(fwd))

	// b = c - Minv*(c + t)
	center := mat.NewVecDense(3, nil)
	shifted := mat.NewVecDense(3, nil)
	for i := range 3 {
		center.SetVec(i, float64(spatial[i]-1)/2)
		shifted.SetVec(i, center.AtVec(i)+translate[i])
	}
	var b mat.VecDense
	b.MulVec(&inv, shifted)
	b.SubVec(center, &b)

	minvData := make([]float32, 9)
	for i := range 3 {
		for j := range 3 {
			minvData[i*3+j] = float32(inv.At(i, j))
		}
	}
	offsetData := make([]float32, 3)
	for i := range 3 {
		offsetData[i] = float32(b.AtVec(i))
	}
	return tensors.FromFlatDataAndDimensions(minvData, 3, 3),
		tensors.FromFlatDataAndDimensions(offsetData, 3)
}

// affineResampleGraph resamples a [C, D, H, W] volume at the source
// coordinates Minv*dst + b with trilinear interpolation, clamping source
// coordinates to the volume bounds (border padding).
func affineResampleGraph(x, minv, b *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	d, h, w := dims[1], dims[2], dims[3]
	spatial := shapes.Make(dtypes.Float32, d, h, w)

	// Destination voxel coordinates, one row per axis: [3, N].
	coords := Stack([]*Node{
		Iota(g, spatial, 0),
		Iota(g, spatial, 1),
		Iota(g, spatial, 2),
	}, 0)
	coords = Reshape(coords, 3, -1)

	src := Add(MatMul(minv, coords), Reshape(b, 3, 1)) // [3, N]

	rows := make([]*Node, 3)
	for a, size := range []int{d, h, w} {
		row := Slice(src, AxisElem(a), AxisRange())
		rows[a] = ClipScalar(row, 0, float64(size-1)) // border padding
	}

	// Floor/ceil per axis, with the interpolation weight of the ceil side.
	var lo, hi, frac [3]*Node
	for a, size := range []int{d, h, w} {
		f := Floor(rows[a])
		frac[a] = Sub(rows[a], f)
		lo[a] = f
		hi[a] = ClipScalar(AddScalar(f, 1), 0, float64(size-1))
	}

	channelsLast := TransposeAllDims(x, 1, 2, 3, 0) // [D, H, W, C]
	var acc *Node
	for corner := range 8 {
		idx := make([]*Node, 3)
		weightRow := OnesLike(frac[0])
		for a := range 3 {
			if corner&(1<<a) != 0 {
				idx[a] = hi[a]
				weightRow = Mul(weightRow, frac[a])
			} else {
				idx[a] = lo[a]
				weightRow = Mul(weightRow, OneMinus(frac[a]))
			}
		}
		indices := Concatenate(idx, 0)                          // [3, N]
		indices = ConvertDType(Transpose(indices, 0, 1), dtypes.Int32) // [N, 3]
		gathered := Gather(channelsLast, indices)               // [N, C]
		weighted := Mul(gathered, Transpose(weightRow, 0, 1))   // [N, C]
		if acc == nil {
			acc = weighted
		} else {
			acc = Add(acc, weighted)
		}
	}
	out := Reshape(acc, d, h, w, dims[0])
	return TransposeAllDims(out, 3, 0, 1, 2)
}

// RandAdjustContrast applies gamma correction with gamma drawn uniformly
// from [GammaLow, GammaHigh], preserving the volume's intensity range.
type RandAdjustContrast struct {
	Key                 string
	Prob                float64
	GammaLow, GammaHigh float64

	exec *Exec
}

func (t *RandAdjustContrast) Name() string { return "RandAdjustContrast" }

func (t *RandAdjustContrast) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	gamma := t.GammaLow + p.rng.Float64()*(t.GammaHigh-t.GammaLow)
	exec := lazyExec(&t.exec, p.backend, func(x, gamma *Node) *Node {
		lowest := ReduceAllMin(x)
		span := Sub(ReduceAllMax(x), lowest)
		normalized := Div(Sub(x, lowest), AddScalar(span, 1e-7))
		return Add(Mul(Pow(normalized, gamma), span), lowest)
	})
	results, err := exec.Exec(img, float32(gamma))
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// RandScaleIntensity multiplies the volume by 1+f, f drawn uniformly from
// [-Factor, Factor].
type RandScaleIntensity struct {
	Key    string
	Prob   float64
	Factor float64

	exec *Exec
}

func (t *RandScaleIntensity) Name() string { return "RandScaleIntensity" }

func (t *RandScaleIntensity) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	factor := 1 + (2*p.rng.Float64()-1)*t.Factor
	exec := lazyExec(&t.exec, p.backend, func(x, factor *Node) *Node {
		return Mul(x, factor)
	})
	results, err := exec.Exec(img, float32(factor))
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// RandShiftIntensity adds an offset drawn uniformly from [-Offset, Offset].
type RandShiftIntensity struct {
	Key    string
	Prob   float64
	Offset float64

	exec *Exec
}

func (t *RandShiftIntensity) Name() string { return "RandShiftIntensity" }

func (t *RandShiftIntensity) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	offset := (2*p.rng.Float64() - 1) * t.Offset
	exec := lazyExec(&t.exec, p.backend, func(x, offset *Node) *Node {
		return Add(x, offset)
	})
	results, err := exec.Exec(img, float32(offset))
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// RandGaussianNoise adds element-wise gaussian noise with the configured
// mean and standard deviation. The noise is generated on-device from a
// seed drawn on the pipeline's generator.
type RandGaussianNoise struct {
	Key          string
	Prob         float64
	Mean, StdDev float64

	exec *Exec
}

func (t *RandGaussianNoise) Name() string { return "RandGaussianNoise" }

func (t *RandGaussianNoise) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	state, err := RNGStateFromSeed(p.rng.Int63())
	if err != nil {
		return nil, err
	}
	exec := lazyExec(&t.exec, p.backend, func(x, state *Node) *Node {
		_, noise := RandomNormal(state, x.Shape())
		noise = AddScalar(MulScalar(noise, t.StdDev), t.Mean)
		return Add(x, noise)
	})
	results, err := exec.Exec(img, state)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// smoothKernelRadius bounds the gaussian kernels at 4 voxels each side,
// which covers a 4-sigma truncation for sigmas up to 1.
const smoothKernelRadius = 4

// RandGaussianSmooth blurs the volume with a separable gaussian filter,
// drawing an independent sigma per spatial axis from [SigmaLow, SigmaHigh].
type RandGaussianSmooth struct {
	Key                 string
	Prob                float64
	SigmaLow, SigmaHigh float64

	exec *Exec
}

func (t *RandGaussianSmooth) Name() string { return "RandGaussianSmooth" }

func (t *RandGaussianSmooth) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	if img.Shape().Rank() != 4 {
		return nil, errors.Errorf("RandGaussianSmooth requires a [C, D, H, W] volume, got shape %s", img.Shape())
	}
	kernels := make([]*tensors.Tensor, 3)
	for a := range 3 {
		sigma := t.SigmaLow + p.rng.Float64()*(t.SigmaHigh-t.SigmaLow)
		kernels[a] = gaussianKernel1D(sigma)
	}
	exec := lazyExec(&t.exec, p.backend, gaussianSmoothGraph)
	results, err := exec.Exec(img, kernels[0], kernels[1], kernels[2])
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// gaussianKernel1D builds a normalized 1-D gaussian of fixed width
// 2*smoothKernelRadius+1. A sigma of (near) zero degenerates to the
// identity kernel.
func gaussianKernel1D(sigma float64) *tensors.Tensor {
	size := 2*smoothKernelRadius + 1
	k := make([]float32, size)
	if sigma < 1e-3 {
		k[smoothKernelRadius] = 1
		return tensors.FromFlatDataAndDimensions(k, size)
	}
	var sum float64
	for i := range size {
		x := float64(i - smoothKernelRadius)
		v := math.Exp(-x * x / (2 * sigma * sigma))
		k[i] = float32(v)
		sum += v
	}
	for i := range size {
		k[i] = float32(float64(k[i]) / sum)
	}
	return tensors.FromFlatDataAndDimensions(k, size)
}

// gaussianSmoothGraph convolves a [C, D, H, W] volume with three 1-D
// kernels, one pass per spatial axis. Channels are folded into the batch
// axis so all channels share the same filter.
func gaussianSmoothGraph(x, kd, kh, kw *Node) *Node {
	dims := x.Shape().Dimensions
	size := 2*smoothKernelRadius + 1
	out := Reshape(x, dims[0], dims[1], dims[2], dims[3], 1) // [batch=C, D, H, W, channels=1]
	out = Convolve(out, Reshape(kd, size, 1, 1, 1, 1)).PadSame().Done()
	out = Convolve(out, Reshape(kh, 1, size, 1, 1, 1)).PadSame().Done()
	out = Convolve(out, Reshape(kw, 1, 1, size, 1, 1)).PadSame().Done()
	return Reshape(out, dims...)
}

// RandCoarseDropout zeroes (or fills) a fixed number of randomly placed
// axis-aligned boxes of HoleSize voxels.
type RandCoarseDropout struct {
	Key      string
	Prob     float64
	Holes    int
	HoleSize [3]int
	Fill     float64

	exec *Exec
}

func (t *RandCoarseDropout) Name() string { return "RandCoarseDropout" }

func (t *RandCoarseDropout) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if !p.triggered(t.Prob) {
		return sample, nil
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	dims := img.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("RandCoarseDropout requires a [C, D, H, W] volume, got shape %s", img.Shape())
	}
	starts := make([]int32, t.Holes*3)
	for hole := range t.Holes {
		for a := range 3 {
			span := dims[a+1] - t.HoleSize[a]
			if span < 0 {
				span = 0
			}
			starts[hole*3+a] = int32(p.rng.Intn(span + 1))
		}
	}
	startsT := tensors.FromFlatDataAndDimensions(starts, t.Holes, 3)

	exec := lazyExec(&t.exec, p.backend, func(x, starts *Node) *Node {
		g := x.Graph()
		dims := x.Shape().Dimensions
		spatial := shapes.Make(dtypes.Int32, dims[1], dims[2], dims[3])
		axes := [3]*Node{
			Iota(g, spatial, 0),
			Iota(g, spatial, 1),
			Iota(g, spatial, 2),
		}
		var dropped *Node
		for hole := range t.Holes {
			var inside *Node
			for a := range 3 {
				start := Reshape(Slice(starts, AxisElem(hole), AxisElem(a)))
				stop := AddScalar(start, float64(t.HoleSize[a]))
				in := LogicalAnd(
					GreaterOrEqual(axes[a], start),
					LessThan(axes[a], stop))
				if inside == nil {
					inside = in
				} else {
					inside = LogicalAnd(inside, in)
				}
			}
			if dropped == nil {
				dropped = inside
			} else {
				dropped = LogicalOr(dropped, inside)
			}
		}
		dropped = BroadcastToDims(ExpandDims(dropped, 0), dims...)
		return Where(dropped, Scalar(g, x.DType(), t.Fill), x)
	})
	results, err := exec.Exec(img, startsT)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// EnsureType converts the volume to the given dtype. It is a no-op when the
// volume already has it.
type EnsureType struct {
	Key   string
	DType dtypes.DType

	exec *Exec
}

func (t *EnsureType) Name() string { return "EnsureType" }

func (t *EnsureType) Apply(p *Pipeline, sample Sample) (Sample, error) {
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	if img.DType() == t.DType {
		return sample, nil
	}
	exec := lazyExec(&t.exec, p.backend, func(x *Node) *Node {
		return ConvertDType(x, t.DType)
	})
	results, err := exec.Exec(img)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}
