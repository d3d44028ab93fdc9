// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a multidimensional array of float32 values stored in host
// memory, and the numeric kernels the layers are built on.
//
// There are various ways to construct a Tensor:
//
//   - Zeros(dimensions ...int) or FromShape(shape shapes.Shape): creates a tensor with zero values.
//
//   - FromFlatData(flat []float32, dimensions ...int): creates a Tensor with the given dimensions and a copy
//     of the flat (row-major) values. Example:
//
//     t, err := FromFlatData([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): takes a float32 scalar or a regular multidimensional slice of float32, up to rank 4.
//
// Tensors are not safe for concurrent mutation: the kernels never modify their inputs, and always
// return newly allocated tensors, except Reshape which shares the underlying storage.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrShape is wrapped by all errors (returned or raised) caused by incompatible shapes.
var ErrShape = errors.New("incompatible tensor shape")

// Tensor is a multidimensional array of float32 values, stored in row-major order.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape returns a zero initialized Tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// Zeros returns a zero initialized Tensor with the given dimensions.
//
// It panics if any dimension is <= 0.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dimensions...))
}

// FromFlatData returns a Tensor with the given dimensions holding a copy of flat.
//
// It returns an error wrapping ErrShape if len(flat) doesn't match the dimensions.
func FromFlatData(flat []float32, dimensions ...int) (*Tensor, error) {
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Wrapf(ErrShape, "FromFlatData: invalid dimensions %v", dimensions)
		}
	}
	shape := shapes.Make(dimensions...)
	if shape.Size() != len(flat) {
		return nil, errors.Wrapf(ErrShape, "FromFlatData: %d values given for dimensions %v (size %d)",
			len(flat), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(flat)}, nil
}

// FromValue converts a float32 scalar or a regular multidimensional slice of float32 (up to rank 4)
// to a Tensor.
//
// It panics if the value is not supported or if the slice is irregular.
func FromValue(value any) *Tensor {
	var dims []int
	var flat []float32
	switch v := value.(type) {
	case float32:
		return &Tensor{shape: shapes.Make(), flat: []float32{v}}
	case []float32:
		dims = []int{len(v)}
		flat = slices.Clone(v)
	case [][]float32:
		dims = []int{len(v), len(v[0])}
		for _, row := range v {
			flat = appendRegular(flat, row, dims[1])
		}
	case [][][]float32:
		dims = []int{len(v), len(v[0]), len(v[0][0])}
		for _, m := range v {
			checkRegular(len(m), dims[1])
			for _, row := range m {
				flat = appendRegular(flat, row, dims[2])
			}
		}
	case [][][][]float32:
		dims = []int{len(v), len(v[0]), len(v[0][0]), len(v[0][0][0])}
		for _, cube := range v {
			checkRegular(len(cube), dims[1])
			for _, m := range cube {
				checkRegular(len(m), dims[2])
				for _, row := range m {
					flat = appendRegular(flat, row, dims[3])
				}
			}
		}
	default:
		exceptions.Panicf("tensors.FromValue: unsupported type %T", value)
	}
	return &Tensor{shape: shapes.Make(dims...), flat: flat}
}

func checkRegular(got, want int) {
	if got != want {
		panic(errors.Wrapf(ErrShape, "tensors.FromValue: irregular slice, got a sub-slice of length %d, wanted %d", got, want))
	}
}

func appendRegular(flat, row []float32, want int) []float32 {
	checkRegular(len(row), want)
	return append(flat, row...)
}

// Shape of the tensor. The returned shape must not be modified.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying row-major storage. Changes to it are reflected in the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// flatIndex converts the multidimensional indices to the position in the flat storage.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensor of shape %s accessed with %d indices", t.shape, len(indices))
	}
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			exceptions.Panicf("index %v out-of-bounds for tensor of shape %s", indices, t.shape)
		}
		idx = idx*dim + i
	}
	return idx
}

// At returns the value at the given indices. It panics if the indices are out-of-bounds.
func (t *Tensor) At(indices ...int) float32 {
	return t.flat[t.flatIndex(indices)]
}

// Set the value at the given indices. It panics if the indices are out-of-bounds.
func (t *Tensor) Set(value float32, indices ...int) {
	t.flat[t.flatIndex(indices)] = value
}

// Reshape returns a tensor with the new dimensions that shares the storage with t.
// One of the dimensions can be -1, in which case it is inferred from the size of the tensor.
//
// It returns an error wrapping ErrShape if the total size is different.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	dims := slices.Clone(dimensions)
	inferredAxis := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == -1 && inferredAxis == -1:
			inferredAxis = axis
		case dim <= 0:
			return nil, errors.Wrapf(ErrShape, "Reshape(%v) of tensor shaped %s: invalid dimensions", dimensions, t.shape)
		default:
			known *= dim
		}
	}
	if inferredAxis >= 0 {
		if t.Size()%known != 0 {
			return nil, errors.Wrapf(ErrShape, "Reshape(%v) of tensor shaped %s: cannot infer dimension", dimensions, t.shape)
		}
		dims[inferredAxis] = t.Size() / known
		known *= dims[inferredAxis]
	}
	if known != t.Size() {
		return nil, errors.Wrapf(ErrShape, "Reshape(%v) of tensor shaped %s (size %d): sizes differ",
			dimensions, t.shape, t.Size())
	}
	return &Tensor{shape: shapes.Make(dims...), flat: t.flat}, nil
}

// MustReshape is like Reshape, but panics with the error.
func (t *Tensor) MustReshape(dimensions ...int) *Tensor {
	reshaped, err := t.Reshape(dimensions...)
	if err != nil {
		panic(err)
	}
	return reshaped
}

// Equal returns whether both tensors have the same shape and exactly the same values.
// NaN values are considered equal to each other.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.InDelta(other, 0)
}

// InDelta returns whether both tensors have the same shape and all values are within delta of each other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		o := other.flat[ii]
		if v == o || (isNaN(v) && isNaN(o)) {
			continue
		}
		if math.Abs(float64(v)-float64(o)) > delta {
			return false
		}
	}
	return true
}

func isNaN(v float32) bool { return v != v }

// Value returns the tensor as a multidimensional Go slice of float32 (e.g. [][]float32 for rank 2),
// or a float32 for a scalar.
func (t *Tensor) Value() any {
	if t.Rank() == 0 {
		return t.flat[0]
	}
	sliceType := reflect.TypeOf(float32(0))
	for range t.Rank() {
		sliceType = reflect.SliceOf(sliceType)
	}
	value, _ := buildValue(sliceType, t.shape.Dimensions, t.flat)
	return value.Interface()
}

func buildValue(sliceType reflect.Type, dims []int, flat []float32) (reflect.Value, []float32) {
	if len(dims) == 1 {
		return reflect.ValueOf(slices.Clone(flat[:dims[0]])), flat[dims[0]:]
	}
	value := reflect.MakeSlice(sliceType, dims[0], dims[0])
	for ii := range dims[0] {
		var sub reflect.Value
		sub, flat = buildValue(sliceType.Elem(), dims[1:], flat)
		value.Index(ii).Set(sub)
	}
	return value, flat
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	const maxValues = 8
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s: [", t.shape)
	for ii, v := range t.flat {
		if ii == maxValues {
			_, _ = fmt.Fprintf(&sb, " ... (%d more)", len(t.flat)-maxValues)
			break
		}
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%.4g", v)
	}
	sb.WriteString("]")
	return sb.String()
}
