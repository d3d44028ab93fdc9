// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"testing"

	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDense(t *testing.T) {
	dense := must.M1(NewDense(2, 3).Done())
	assert.Equal(t, 2, dense.InputDim())
	assert.Equal(t, 3, dense.OutputDim())
	assert.False(t, dense.IsConv1x1())
	require.NoError(t, dense.SetWeight(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})))
	require.NoError(t, dense.SetBias(tensors.FromValue([]float32{0.5, 0, -0.5})))

	x := tensors.FromValue([][]float32{{1, 1}, {0, 2}})
	got := must.M1(dense.Call(x))
	want := tensors.FromValue([][]float32{{5.5, 7, 8.5}, {8.5, 10, 11.5}})
	assert.True(t, want.InDelta(got, 1e-6), "got %s", got)

	// Apply with a replacement weight doesn't change the kernel.
	doubled := tensors.FromValue([][]float32{{2, 4, 6}, {8, 10, 12}})
	got = must.M1(dense.Apply(doubled, x))
	want = tensors.FromValue([][]float32{{10.5, 14, 17.5}, {16.5, 20, 23.5}})
	assert.True(t, want.InDelta(got, 1e-6), "got %s", got)
	assert.Equal(t, float32(1), dense.Weight().At(0, 0))
}

func TestConv1x1(t *testing.T) {
	conv := must.M1(NewConv1x1(16, 2).Seed(42).Done())
	assert.True(t, conv.IsConv1x1())
	require.NoError(t, shapes.CheckDims(conv.Weight(), 16, 2))
	require.NoError(t, shapes.CheckDims(conv.Bias(), 2))
	for _, v := range conv.Bias().Flat() {
		require.Zero(t, v)
	}

	// Kernel values are within the glorot uniform limit of a [1, 1, 16, 2] kernel.
	limit := float32(math.Sqrt(6.0 / 18.0))
	var nonZero int
	for _, v := range conv.Weight().Flat() {
		require.LessOrEqual(t, v, limit)
		require.GreaterOrEqual(t, v, -limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0)

	// A 1x1 convolution is a dense layer applied at every pixel.
	rng := initializer.NewRNG(1)
	x := initializer.Normal(rng, 1)(shapes.Make(2, 4, 4, 16))
	y := must.M1(conv.Call(x))
	require.NoError(t, shapes.CheckDims(y, 2, 4, 4, 2))
	for _, pixel := range [][2]int{{0, 0}, {1, 3}, {2, 1}} {
		for f := range 2 {
			var want float32
			for c := range 16 {
				want += x.At(1, pixel[0], pixel[1], c) * conv.Weight().At(c, f)
			}
			assert.InDelta(t, want, y.At(1, pixel[0], pixel[1], f), 1e-5)
		}
	}

	// Same seed, same kernel.
	conv2 := must.M1(NewConv1x1(16, 2).Seed(42).Done())
	assert.True(t, conv.Weight().Equal(conv2.Weight()))
}

func TestLinearErrors(t *testing.T) {
	_, err := NewDense(0, 3).Done()
	require.ErrorIs(t, err, tensors.ErrShape)

	conv := must.M1(NewConv1x1(8, 4).UseBias(false).Done())
	assert.Nil(t, conv.Bias())
	require.Error(t, conv.SetBias(tensors.Zeros(4)))
	require.ErrorIs(t, conv.SetWeight(tensors.Zeros(4, 8)), tensors.ErrShape)

	// Conv1x1 requires images.
	_, err = conv.Call(tensors.Zeros(3, 8))
	require.ErrorIs(t, err, tensors.ErrShape)

	// Wrong number of channels is caught from the kernel's panic.
	_, err = conv.Call(tensors.Zeros(1, 2, 2, 7))
	require.ErrorIs(t, err, tensors.ErrShape)

	// Wrong replacement weight.
	_, err = conv.Apply(tensors.Zeros(8, 5), tensors.Zeros(1, 2, 2, 8))
	require.ErrorIs(t, err, tensors.ErrShape)
}

func TestLinearClone(t *testing.T) {
	dense := must.M1(NewDense(3, 3).Seed(7).Done())
	cloned := dense.Clone()
	assert.True(t, dense.Weight().Equal(cloned.Weight()))
	cloned.Weight().Flat()[0] += 1
	assert.False(t, dense.Weight().Equal(cloned.Weight()))
}
