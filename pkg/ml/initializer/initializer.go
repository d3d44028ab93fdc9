// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer provides the functions used to set the initial values of layer weights and
// of the spectral normalization estimates.
//
// All random initializers take an explicit *rand.Rand, so a model built from the same seed is
// always initialized the same way.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/gomlx/sagan/pkg/core/tensors"
)

// Initializer returns a new tensor with the given shape.
type Initializer func(shape shapes.Shape) *tensors.Tensor

// NewRNG returns a deterministic random number generator for the given seed.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

var (
	// Zero initializes tensors with zero.
	Zero Initializer = func(shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes tensors with one.
	One Initializer = func(shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		for ii := range t.Flat() {
			t.Flat()[ii] = 1
		}
		return t
	}
)

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		for ii := range t.Flat() {
			t.Flat()[ii] = float32(rng.NormFloat64() * stddev)
		}
		return t
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		for ii := range t.Flat() {
			t.Flat()[ii] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
		return t
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier uniform initializer.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(6 / (fan_in + fan_out))` (`fan_in` is the number of input units in
// the weight tensor and fan_out is the number of output units). This is Keras' "glorot_uniform".
//
// It assumes the shape is either the weights of a dense layer (`[inputDim, outputDim]`) or
// a convolution kernel (`[spatial..., inputChannels, outputChannels]`).
//
// It initializes biases (anything with rank <= 1) to zeros.
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			// Zero-bias.
			return tensors.FromShape(shape)
		}
		fanIn, fanOut := ComputeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut))
		limit := math.Sqrt(6.0 / scale)
		return Uniform(rng, -limit, limit)(shape)
	}
}

// ComputeFanInFanOut of a weight expected to be the parameters of either a dense layer or a convolution.
func ComputeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term in a dense layer.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default: // Assuming convolution kernels (2D, 3D, or more):
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// RandomUnitVector returns a vector of the given length with normally distributed direction and
// Euclidean norm 1. It's the starting point of power iterations.
func RandomUnitVector(rng *rand.Rand, length int) []float64 {
	v := make([]float64, length)
	for {
		var sumSq float64
		for ii := range v {
			v[ii] = rng.NormFloat64()
			sumSq += v[ii] * v[ii]
		}
		if sumSq > 0 {
			norm := math.Sqrt(sumSq)
			for ii := range v {
				v[ii] /= norm
			}
			return v
		}
	}
}
