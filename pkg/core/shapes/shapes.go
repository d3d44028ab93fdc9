// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dimensions of a float32 tensor, and associated tools.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//
// Example: a feature map with batch size 2, 8x8 pixels and 16 channels has shape `[2 8 8 16]`,
// rank 4, and axis 3 (or -1) has dimension 16. It is created with `shapes.Make(2, 8, 8, 16)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape represents the shape of a Tensor. All tensors in this module hold float32 values, so
// there is no dtype.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension <= 0", dimensions)
		}
	}
	return s
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.AdjustAxis(axis)]
}

// AdjustAxis converts a negative axis to its positive counterpart.
// It panics for an out-of-bound axis.
func (s Shape) AdjustAxis(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjustedAxis
}

// Size returns the number of elements needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store a float32 tensor of this shape.
func (s Shape) Memory() uintptr {
	return 4 * uintptr(s.Size())
}

// Equal compares the dimensions of two shapes.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer, and pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "(scalar)"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// HasShape is implemented by anything that has a shape, like tensors.Tensor.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
//
// It returns an error if the rank is different or if any of the dimensions don't match.
func CheckDims(shaped HasShape, dimensions ...int) error {
	shape := shaped.Shape()
	if shape.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has rank %d, wanted rank %d (dimensions=%v)",
			shape, shape.Rank(), len(dimensions), dimensions)
	}
	for axis, wantDim := range dimensions {
		if wantDim != -1 && shape.Dimensions[axis] != wantDim {
			return errors.Errorf("shape %s axis %d has dimension %d, wanted %d (dimensions=%v)",
				shape, axis, shape.Dimensions[axis], wantDim, dimensions)
		}
	}
	return nil
}
