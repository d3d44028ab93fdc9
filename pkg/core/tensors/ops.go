// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/sagan/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// The kernels below panic with an error wrapping ErrShape on incompatible inputs, in the same
// way a computation graph op fails while being built. Layers catch those with exceptions.TryCatch.

var workers = workerspool.New()

// SetMaxParallelism sets the soft limit of goroutines used by the kernels. 0 disables
// parallelism, -1 makes it unlimited. Results don't depend on this setting.
func SetMaxParallelism(maxParallelism int) {
	workers.SetMaxParallelism(maxParallelism)
}

// MaxParallelism returns the current soft limit of goroutines used by the kernels.
func MaxParallelism() int {
	return workers.MaxParallelism()
}

// minParallelizeChunk is the minimum number of elements to parallelize over.
const minParallelizeChunk = 4096

func shapeErrorf(format string, args ...any) {
	panic(errors.Wrapf(ErrShape, format, args...))
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul returns the matrix multiplication of lhs and rhs.
//
// Both must have rank 2 (`[M, K] x [K, N] -> [M, N]`) or both rank 3, where the first axis is a
// batch axis (`[B, M, K] x [B, K, N] -> [B, M, N]`). If transposeRHS is set, rhs is given
// transposed, `[N, K]` or `[B, N, K]`.
func MatMul(lhs, rhs *Tensor, transposeRHS bool) *Tensor {
	if lhs.Rank() != rhs.Rank() || (lhs.Rank() != 2 && lhs.Rank() != 3) {
		shapeErrorf("MatMul(%s, %s): operands must both be rank 2 or both rank 3", lhs.shape, rhs.shape)
	}
	batchSize := 1
	if lhs.Rank() == 3 {
		batchSize = lhs.shape.Dimensions[0]
		if rhs.shape.Dimensions[0] != batchSize {
			shapeErrorf("MatMul(%s, %s): batch dimensions differ", lhs.shape, rhs.shape)
		}
	}
	m, k := lhs.shape.Dim(-2), lhs.shape.Dim(-1)
	rhsK, n := rhs.shape.Dim(-2), rhs.shape.Dim(-1)
	tB := blas.NoTrans
	if transposeRHS {
		rhsK, n = n, rhsK
		tB = blas.Trans
	}
	if rhsK != k {
		shapeErrorf("MatMul(%s, %s, transposeRHS=%v): contracting dimensions differ (%d != %d)",
			lhs.shape, rhs.shape, transposeRHS, k, rhsK)
	}

	var output *Tensor
	if lhs.Rank() == 3 {
		output = Zeros(batchSize, m, n)
	} else {
		output = Zeros(m, n)
	}
	lhsStride, rhsStride, outStride := m*k, k*n, m*n
	matMulExample := func(b int) {
		a := general(m, k, lhs.flat[b*lhsStride:(b+1)*lhsStride])
		var bMat blas32.General
		if transposeRHS {
			bMat = general(n, k, rhs.flat[b*rhsStride:(b+1)*rhsStride])
		} else {
			bMat = general(k, n, rhs.flat[b*rhsStride:(b+1)*rhsStride])
		}
		c := general(m, n, output.flat[b*outStride:(b+1)*outStride])
		blas32.Gemm(blas.NoTrans, tB, 1, a, bMat, 0, c)
	}
	if output.Size() > minParallelizeChunk {
		workers.ParallelFor(batchSize, matMulExample)
	} else {
		for b := range batchSize {
			matMulExample(b)
		}
	}
	return output
}

// Dense applies the affine transformation `x·weight + bias` over the last axis of x.
//
// x is shaped `[..., inputDim]`, weight `[inputDim, outputDim]` and bias, if not nil, `[outputDim]`.
// The output is shaped `[..., outputDim]`. A 1x1 convolution over an image is a Dense over the
// channels axis.
func Dense(x, weight, bias *Tensor) *Tensor {
	if x.Rank() < 1 || weight.Rank() != 2 {
		shapeErrorf("Dense(x=%s, weight=%s): x must have rank >= 1 and weight rank 2", x.shape, weight.shape)
	}
	inputDim, outputDim := weight.shape.Dimensions[0], weight.shape.Dimensions[1]
	if x.shape.Dim(-1) != inputDim {
		shapeErrorf("Dense(x=%s, weight=%s): last axis of x must match the first axis of weight", x.shape, weight.shape)
	}
	if bias != nil && (bias.Rank() != 1 || bias.shape.Dimensions[0] != outputDim) {
		shapeErrorf("Dense(x=%s, weight=%s, bias=%s): bias must be shaped [%d]", x.shape, weight.shape, bias.shape, outputDim)
	}
	numRows := x.Size() / inputDim
	outputDims := append([]int(nil), x.shape.Dimensions...)
	outputDims[len(outputDims)-1] = outputDim
	output := Zeros(outputDims...)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(numRows, inputDim, x.flat),
		general(inputDim, outputDim, weight.flat),
		0, general(numRows, outputDim, output.flat))
	if bias != nil {
		for row := range numRows {
			outRow := output.flat[row*outputDim : (row+1)*outputDim]
			for ii, b := range bias.flat {
				outRow[ii] += b
			}
		}
	}
	return output
}

// computeAxisStrides returns the outer size, axis size, and inner size for iterating
// over an axis of the given tensor.
func computeAxisStrides(dims []int, axis int) (outerSize, axisSize, innerSize int) {
	outerSize = 1
	for i := range axis {
		outerSize *= dims[i]
	}
	axisSize = dims[axis]
	innerSize = 1
	for i := axis + 1; i < len(dims); i++ {
		innerSize *= dims[i]
	}
	return
}

// Softmax returns `exp(x) / sum(exp(x))` over the given axis (negative values count from the end),
// computed in a numerically stable way: the maximum of each slice is subtracted first.
func Softmax(x *Tensor, axis int) *Tensor {
	if x.Rank() == 0 {
		shapeErrorf("Softmax(%s): cannot take softmax of a scalar", x.shape)
	}
	if axis < -x.Rank() || axis >= x.Rank() {
		shapeErrorf("Softmax(%s, axis=%d): invalid axis", x.shape, axis)
	}
	axis = x.shape.AdjustAxis(axis)
	output := FromShape(x.shape)
	outerSize, axisSize, innerSize := computeAxisStrides(x.shape.Dimensions, axis)

	// Parallelize over chunks of the outer axes.
	chunkOuter := max(1, minParallelizeChunk/(axisSize*innerSize))
	numChunks := (outerSize + chunkOuter - 1) / chunkOuter
	workers.ParallelFor(numChunks, func(chunk int) {
		start := chunk * chunkOuter
		end := min(start+chunkOuter, outerSize)
		softmaxOuterRange(x.flat, output.flat, start, end, axisSize, innerSize)
	})
	return output
}

func softmaxOuterRange(input, output []float32, outerStart, outerEnd, axisSize, innerSize int) {
	for outer := outerStart; outer < outerEnd; outer++ {
		for inner := range innerSize {
			baseIdx := outer*axisSize*innerSize + inner

			// Pass 1: Find max.
			maxVal := float32(math.Inf(-1))
			for i := range axisSize {
				idx := baseIdx + i*innerSize
				if input[idx] > maxVal {
					maxVal = input[idx]
				}
			}

			// Pass 2: Exp and sum.
			var sum float32
			for i := range axisSize {
				idx := baseIdx + i*innerSize
				output[idx] = float32(math.Exp(float64(input[idx] - maxVal)))
				sum += output[idx]
			}

			// Pass 3: Normalize.
			invSum := 1.0 / sum
			for i := range axisSize {
				idx := baseIdx + i*innerSize
				output[idx] *= invSum
			}
		}
	}
}

// MaxPool2D takes the maximum over windows of `window x window` pixels, moving `stride` pixels at a time,
// of an image shaped `[batch, height, width, channels]`.
//
// Padding is "VALID": windows that don't fit entirely are dropped, so an odd height or width with
// window=stride=2 silently loses the last row or column.
// It returns a tensor shaped `[batch, (height-window)/stride+1, (width-window)/stride+1, channels]`.
func MaxPool2D(x *Tensor, window, stride int) *Tensor {
	if x.Rank() != 4 {
		shapeErrorf("MaxPool2D(%s): input must be shaped [batch, height, width, channels]", x.shape)
	}
	if window <= 0 || stride <= 0 {
		shapeErrorf("MaxPool2D(%s, window=%d, stride=%d): window and stride must be positive", x.shape, window, stride)
	}
	batchSize, height, width, channels := x.shape.Dimensions[0], x.shape.Dimensions[1], x.shape.Dimensions[2], x.shape.Dimensions[3]
	if height < window || width < window {
		shapeErrorf("MaxPool2D(%s, window=%d): spatial dimensions smaller than the window", x.shape, window)
	}
	outHeight := (height-window)/stride + 1
	outWidth := (width-window)/stride + 1
	output := Zeros(batchSize, outHeight, outWidth, channels)
	workers.ParallelFor(batchSize, func(b int) {
		in := x.flat[b*height*width*channels : (b+1)*height*width*channels]
		out := output.flat[b*outHeight*outWidth*channels : (b+1)*outHeight*outWidth*channels]
		for oh := range outHeight {
			for ow := range outWidth {
				outPixel := out[(oh*outWidth+ow)*channels : (oh*outWidth+ow+1)*channels]
				for c := range outPixel {
					outPixel[c] = float32(math.Inf(-1))
				}
				for wh := range window {
					for ww := range window {
						h, w := oh*stride+wh, ow*stride+ww
						inPixel := in[(h*width+w)*channels : (h*width+w+1)*channels]
						for c, v := range inPixel {
							if v > outPixel[c] {
								outPixel[c] = v
							}
						}
					}
				}
			}
		}
	})
	return output
}

// AddScaled returns `x + y*scale`. x and y must have the same shape.
func AddScaled(x, y *Tensor, scale float32) *Tensor {
	if !x.shape.Equal(y.shape) {
		shapeErrorf("AddScaled(%s, %s): shapes must be equal", x.shape, y.shape)
	}
	output := FromShape(x.shape)
	for ii, v := range x.flat {
		output.flat[ii] = v + y.flat[ii]*scale
	}
	return output
}

// RoundToFloat16 returns a copy of x with every value rounded to the nearest half-precision float.
// It's used to emulate the input perturbation of half-precision activations.
func RoundToFloat16(x *Tensor) *Tensor {
	output := FromShape(x.shape)
	for ii, v := range x.flat {
		output.flat[ii] = float16.Fromfloat32(v).Float32()
	}
	return output
}

// MaxAbsDiff returns the largest absolute difference between the values of x and y, which must have the same shape.
func MaxAbsDiff(x, y *Tensor) float64 {
	if !x.shape.Equal(y.shape) {
		shapeErrorf("MaxAbsDiff(%s, %s): shapes must be equal", x.shape, y.shape)
	}
	var maxDiff float64
	for ii, v := range x.flat {
		maxDiff = max(maxDiff, math.Abs(float64(v)-float64(y.flat[ii])))
	}
	return maxDiff
}
