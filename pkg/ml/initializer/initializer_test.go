// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"testing"

	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlorotUniform(t *testing.T) {
	shape := shapes.Make(16, 2)
	limit := math.Sqrt(6.0 / 18.0)
	w := GlorotUniform(NewRNG(1))(shape)
	require.Equal(t, []int{16, 2}, w.Shape().Dimensions)
	var nonZero int
	for _, v := range w.Flat() {
		require.LessOrEqual(t, math.Abs(float64(v)), limit)
		if v != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0)

	// Same seed, same values.
	assert.True(t, w.Equal(GlorotUniform(NewRNG(1))(shape)))
	assert.False(t, w.Equal(GlorotUniform(NewRNG(2))(shape)))

	// Biases are zero.
	b := GlorotUniform(NewRNG(1))(shapes.Make(2))
	assert.Equal(t, []float32{0, 0}, b.Flat())
}

func TestComputeFanInFanOut(t *testing.T) {
	fanIn, fanOut := ComputeFanInFanOut(shapes.Make(16, 8))
	assert.Equal(t, 16, fanIn)
	assert.Equal(t, 8, fanOut)

	// 3x3 convolution kernel.
	fanIn, fanOut = ComputeFanInFanOut(shapes.Make(3, 3, 4, 8))
	assert.Equal(t, 36, fanIn)
	assert.Equal(t, 72, fanOut)
}

func TestRandomUnitVector(t *testing.T) {
	rng := NewRNG(3)
	for _, length := range []int{1, 2, 16, 100} {
		v := RandomUnitVector(rng, length)
		require.Len(t, v, length)
		var sumSq float64
		for _, x := range v {
			sumSq += x * x
		}
		require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-12)
	}
}

func TestConstantInitializers(t *testing.T) {
	assert.Equal(t, []float32{0, 0, 0}, Zero(shapes.Make(3)).Flat())
	assert.Equal(t, []float32{1, 1}, One(shapes.Make(2)).Flat())
	n := Normal(NewRNG(5), 0.1)(shapes.Make(1000))
	var sum float64
	for _, v := range n.Flat() {
		sum += float64(v)
	}
	assert.InDelta(t, 0.0, sum/1000, 0.02)
}
