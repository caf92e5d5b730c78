// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/henghuang/nifti"
	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"
)

// Axis codes name the anatomical direction each spatial axis points toward:
// R/L (right/left), A/P (anterior/posterior), S/I (superior/inferior).
const (
	// DefaultSourceAxcodes is the orientation volumes are assumed to be
	// stored in when the manifest doesn't say otherwise.
	DefaultSourceAxcodes = "RAS"

	// TargetAxcodes is the canonical orientation every volume is brought
	// to before augmentation and modeling.
	TargetAxcodes = "SAR"
)

// VolumeReader loads a scalar volume from disk as a [X, Y, Z] float32
// tensor in the file's native axis order.
type VolumeReader interface {
	Read(path string) (*tensors.Tensor, error)
}

// NIfTIReader reads .nii and .nii.gz volumes. 4-D files are truncated to
// their first time point.
type NIfTIReader struct{}

func (NIfTIReader) Read(path string) (*tensors.Tensor, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "cannot read NIfTI volume %q", path)
	}
	var img nifti.Nifti1Image
	img.LoadImage(path, true)
	dims := img.GetDims()
	xm, ym, zm := dims[0], dims[1], dims[2]
	if xm == 0 || ym == 0 || zm == 0 {
		return nil, errors.Errorf("NIfTI volume %q has empty dimensions %v", path, dims)
	}
	flat := make([]float32, xm*ym*zm)
	for x := 0; x < xm; x++ {
		for y := 0; y < ym; y++ {
			for z := 0; z < zm; z++ {
				flat[(x*ym+y)*zm+z] = img.GetAt(x, y, z, 0)
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, xm, ym, zm), nil
}

// DICOMSeriesReader reads a directory of single-frame DICOM slices and
// stacks them, ordered by InstanceNumber, into one volume. Raw pixel values
// are converted to output units with the per-slice RescaleSlope and
// RescaleIntercept.
type DICOMSeriesReader struct{}

type dicomSlice struct {
	instance int
	rows     int
	cols     int
	values   []float32
}

func (DICOMSeriesReader) Read(path string) (*tensors.Tensor, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list DICOM series directory %q", path)
	}
	var slices []dicomSlice
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".dcm") {
			continue
		}
		slice, err := readDICOMSlice(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		slices = append(slices, slice)
	}
	if len(slices) == 0 {
		return nil, errors.Errorf("no .dcm files in %q", path)
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })

	rows, cols := slices[0].rows, slices[0].cols
	for _, s := range slices {
		if s.rows != rows || s.cols != cols {
			return nil, errors.Errorf(
				"inconsistent slice sizes in %q: %dx%d vs %dx%d", path, rows, cols, s.rows, s.cols)
		}
	}

	// Stack as [X=cols, Y=rows, Z=slices].
	zm := len(slices)
	flat := make([]float32, cols*rows*zm)
	for z, s := range slices {
		for j, v := range s.values {
			x, y := j%cols, j/cols
			flat[(x*rows+y)*zm+z] = v
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, cols, rows, zm), nil
}

func readDICOMSlice(path string) (dicomSlice, error) {
	var out dicomSlice
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, errors.Wrapf(err, "cannot read DICOM file %q", path)
	}
	p, err := dicom.NewParserFromBytes(raw, nil)
	if err != nil {
		return out, errors.Wrapf(err, "cannot parse DICOM file %q", path)
	}
	parsed, err := p.Parse(dicom.ParseOptions{DropPixelData: false})
	if parsed == nil || err != nil {
		return out, errors.Wrapf(err, "cannot parse DICOM file %q", path)
	}

	slope, intercept := 1.0, 0.0
	for _, elem := range parsed.Elements {
		switch elem.Tag {
		case dicomtag.InstanceNumber:
			out.instance, err = elementInt(elem.Value[0])
		case dicomtag.RescaleSlope:
			slope, err = elementFloat(elem.Value[0])
		case dicomtag.RescaleIntercept:
			intercept, err = elementFloat(elem.Value[0])
		case dicomtag.PixelData:
			data, ok := elem.Value[0].(element.PixelDataInfo)
			if !ok {
				return out, errors.Errorf("unexpected pixel data payload %T in %q", elem.Value[0], path)
			}
			if len(data.Frames) != 1 {
				return out, errors.Errorf("expected a single frame in %q, got %d", path, len(data.Frames))
			}
			frame := data.Frames[0]
			if frame.IsEncapsulated() {
				return out, errors.Errorf("encapsulated frames are not supported (%q)", path)
			}
			out.rows = frame.NativeData.Rows
			out.cols = frame.NativeData.Cols
			out.values = make([]float32, len(frame.NativeData.Data))
			for j := range frame.NativeData.Data {
				out.values[j] = float32(frame.NativeData.Data[j][0])
			}
		}
		if err != nil {
			return out, errors.Wrapf(err, "bad DICOM element in %q", path)
		}
	}
	if out.values == nil {
		return out, errors.Errorf("DICOM file %q carries no native pixel data", path)
	}
	if slope != 1 || intercept != 0 {
		for j, v := range out.values {
			out.values[j] = float32(slope*float64(v) + intercept)
		}
	}
	return out, nil
}

// DICOM decimal and integer strings arrive as strings from the parser, but
// some writers store them as binary shorts.
func elementFloat(v any) (float64, error) {
	switch value := v.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(value), 64)
	case uint16:
		return float64(value), nil
	case int:
		return float64(value), nil
	default:
		return 0, errors.Errorf("unsupported DICOM element value %T", v)
	}
}

func elementInt(v any) (int, error) {
	f, err := elementFloat(v)
	return int(f), err
}

// AutoReader picks a reader from the path: directories are DICOM series,
// .nii/.nii.gz files are NIfTI.
type AutoReader struct{}

func (AutoReader) Read(path string) (*tensors.Tensor, error) {
	if stat, err := os.Stat(path); err == nil && stat.IsDir() {
		return DICOMSeriesReader{}.Read(path)
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz") {
		return NIfTIReader{}.Read(path)
	}
	return nil, errors.Errorf("cannot infer volume format of %q", path)
}

// LoadImage replaces a path stored at Key with the volume it points to. A
// sample that already carries a tensor at Key passes through unchanged.
type LoadImage struct {
	Key    string
	Reader VolumeReader
}

func (t *LoadImage) Name() string { return "LoadImage" }

func (t *LoadImage) Apply(p *Pipeline, sample Sample) (Sample, error) {
	v, ok := sample[t.Key]
	if !ok {
		return nil, errors.Errorf("sample has no %q key", t.Key)
	}
	path, ok := v.(string)
	if !ok {
		if _, isTensor := v.(*tensors.Tensor); isTensor {
			return sample, nil
		}
		return nil, errors.Errorf("sample key %q holds %T, expected a path or a tensor", t.Key, v)
	}
	img, err := t.Reader.Read(path)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, img), nil
}

// EnsureChannelFirst prepends a channel axis to [X, Y, Z] volumes. Already
// channel-first [C, X, Y, Z] volumes pass through.
type EnsureChannelFirst struct {
	Key string

	exec *Exec
}

func (t *EnsureChannelFirst) Name() string { return "EnsureChannelFirst" }

func (t *EnsureChannelFirst) Apply(p *Pipeline, sample Sample) (Sample, error) {
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	switch img.Shape().Rank() {
	case 4:
		return sample, nil
	case 3:
		exec := lazyExec(&t.exec, p.backend, func(x *Node) *Node {
			return ExpandDims(x, 0)
		})
		results, err := exec.Exec(img)
		if err != nil {
			return nil, err
		}
		return withImage(sample, t.Key, results[0]), nil
	default:
		return nil, errors.Errorf("EnsureChannelFirst requires a rank 3 or 4 volume, got shape %s", img.Shape())
	}
}

// Orientation permutes and flips the spatial axes of a [C, X, Y, Z] volume
// to reorient it from the From axis codes to the To axis codes.
type Orientation struct {
	Key      string
	From, To string

	exec *Exec
}

func (t *Orientation) Name() string { return "Orientation" }

func (t *Orientation) Apply(p *Pipeline, sample Sample) (Sample, error) {
	perm, flip, err := axcodeTransform(t.From, t.To)
	if err != nil {
		return nil, err
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	if img.Shape().Rank() != 4 {
		return nil, errors.Errorf("Orientation requires a channel-first rank 4 volume, got shape %s", img.Shape())
	}
	exec := lazyExec(&t.exec, p.backend, func(x *Node) *Node {
		x = TransposeAllDims(x, 0, perm[0]+1, perm[1]+1, perm[2]+1)
		for a, flipped := range flip {
			if flipped {
				x = Reverse(x, a+1)
			}
		}
		return x
	})
	results, err := exec.Exec(img)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}

// axcodeFamilies groups each direction letter with its opposite.
var axcodeFamilies = map[byte]byte{
	'R': 'L', 'L': 'R',
	'A': 'P', 'P': 'A',
	'S': 'I', 'I': 'S',
}

// axcodeTransform computes, per target spatial axis, which source axis
// feeds it (perm) and whether that axis must be reversed (flip).
func axcodeTransform(from, to string) (perm [3]int, flip [3]bool, err error) {
	if len(from) != 3 || len(to) != 3 {
		return perm, flip, errors.Errorf("axis codes must have 3 letters, got %q and %q", from, to)
	}
	var used [3]bool
	for i := range 3 {
		want := to[i]
		opposite, ok := axcodeFamilies[want]
		if !ok {
			return perm, flip, errors.Errorf("invalid axis code letter %q in %q", string(want), to)
		}
		found := false
		for j := range 3 {
			if used[j] {
				continue
			}
			if from[j] == want || from[j] == opposite {
				perm[i] = j
				flip[i] = from[j] == opposite
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return perm, flip, errors.Errorf("axis codes %q and %q do not describe the same axes", from, to)
		}
	}
	return perm, flip, nil
}

// NormalizeIntensity standardizes the volume with fixed statistics,
// (x - Mean) / Std.
type NormalizeIntensity struct {
	Key       string
	Mean, Std float64

	exec *Exec
}

func (t *NormalizeIntensity) Name() string { return "NormalizeIntensity" }

func (t *NormalizeIntensity) Apply(p *Pipeline, sample Sample) (Sample, error) {
	if t.Std == 0 {
		return nil, errors.New("NormalizeIntensity requires a non-zero Std")
	}
	img, err := sampleImage(sample, t.Key)
	if err != nil {
		return nil, err
	}
	exec := lazyExec(&t.exec, p.backend, func(x *Node) *Node {
		return DivScalar(AddScalar(x, -t.Mean), t.Std)
	})
	results, err := exec.Exec(img)
	if err != nil {
		return nil, err
	}
	return withImage(sample, t.Key, results[0]), nil
}
