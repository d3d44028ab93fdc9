// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the linear operators used by the generative models: dense layers and
// 1x1 convolutions. Both hold their weight as a matrix shaped `[fanIn, fanOut]`, which makes them
// usable with spectral normalization (see package spectralnorm).
package layers

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/pkg/errors"
)

// LinearConfig is a helper to build a Linear operator. Create it with NewDense or NewConv1x1, set the desired
// parameters, and when all is set, call Done.
type LinearConfig struct {
	inputDim, outputDim int
	conv1x1             bool
	useBias             bool
	rng                 *rand.Rand
	kernelInitializer   initializer.Initializer
}

// NewDense prepares a dense layer mapping the last axis of its input from inputDim to outputDim.
//
// It returns a LinearConfig object for configuration. Once it is set up, call `LinearConfig.Done`.
// By default, it uses a bias and a glorot uniform kernel initializer seeded with 0.
func NewDense(inputDim, outputDim int) *LinearConfig {
	return &LinearConfig{
		inputDim:  inputDim,
		outputDim: outputDim,
		useBias:   true,
	}
}

// NewConv1x1 prepares a convolution with a 1x1 kernel, stride 1 and "same" padding, over images
// shaped `[batch, height, width, inputChannels]`.
// It is equivalent to a dense layer applied independently at every pixel.
//
// It returns a LinearConfig object for configuration. Once it is set up, call `LinearConfig.Done`.
func NewConv1x1(inputChannels, filters int) *LinearConfig {
	c := NewDense(inputChannels, filters)
	c.conv1x1 = true
	return c
}

// UseBias configures whether to add a bias term (initialized to zero). Default is true.
func (c *LinearConfig) UseBias(useBias bool) *LinearConfig {
	c.useBias = useBias
	return c
}

// RNG sets the random number generator used to initialize the kernel.
func (c *LinearConfig) RNG(rng *rand.Rand) *LinearConfig {
	c.rng = rng
	return c
}

// Seed sets the random number generator used to initialize the kernel to a new one with the given seed.
func (c *LinearConfig) Seed(seed uint64) *LinearConfig {
	return c.RNG(initializer.NewRNG(seed))
}

// KernelInitializer sets the initializer of the kernel. The default is initializer.GlorotUniform.
func (c *LinearConfig) KernelInitializer(init initializer.Initializer) *LinearConfig {
	c.kernelInitializer = init
	return c
}

// Done creates the Linear operator and initializes its weights.
func (c *LinearConfig) Done() (*Linear, error) {
	if c.inputDim <= 0 || c.outputDim <= 0 {
		return nil, errors.Wrapf(tensors.ErrShape, "linear operator requires positive dimensions, got inputDim=%d, outputDim=%d",
			c.inputDim, c.outputDim)
	}
	init := c.kernelInitializer
	if init == nil {
		rng := c.rng
		if rng == nil {
			rng = initializer.NewRNG(0)
		}
		init = initializer.GlorotUniform(rng)
	}
	kernelShape := shapes.Make(c.inputDim, c.outputDim)
	if c.conv1x1 {
		// Initialize with the fan-in/fan-out of a [1, 1, in, out] convolution kernel: it's the same.
		kernelShape = shapes.Make(1, 1, c.inputDim, c.outputDim)
	}
	kernel := init(kernelShape)
	if kernel.Size() != c.inputDim*c.outputDim {
		return nil, errors.Wrapf(tensors.ErrShape, "kernel initializer returned shape %s, wanted %s", kernel.Shape(), kernelShape)
	}
	l := &Linear{
		kernel:  kernel.MustReshape(c.inputDim, c.outputDim),
		conv1x1: c.conv1x1,
	}
	if c.useBias {
		l.bias = initializer.Zero(shapes.Make(c.outputDim))
	}
	return l, nil
}

// Linear is a dense layer or a 1x1 convolution: `y = x·W + b` over the last axis of x.
//
// The kernel W is shaped `[inputDim, outputDim]` and the optional bias b `[outputDim]`.
// It implements spectralnorm.Operator.
type Linear struct {
	kernel, bias *tensors.Tensor
	conv1x1      bool
}

// InputDim is the size of the last axis of the inputs.
func (l *Linear) InputDim() int { return l.kernel.Shape().Dimensions[0] }

// OutputDim is the size of the last axis of the outputs. For a 1x1 convolution it's the number of filters.
func (l *Linear) OutputDim() int { return l.kernel.Shape().Dimensions[1] }

// IsConv1x1 returns whether the operator was created with NewConv1x1, and hence expects images as input.
func (l *Linear) IsConv1x1() bool { return l.conv1x1 }

// Weight returns the kernel shaped `[inputDim, outputDim]`. It's the trainable weight, and it is not copied.
func (l *Linear) Weight() *tensors.Tensor { return l.kernel }

// Bias returns the bias, or nil if the operator has no bias.
func (l *Linear) Bias() *tensors.Tensor { return l.bias }

// SetWeight replaces the kernel. It must have the same shape.
func (l *Linear) SetWeight(kernel *tensors.Tensor) error {
	if !kernel.Shape().Equal(l.kernel.Shape()) {
		return errors.Wrapf(tensors.ErrShape, "SetWeight: kernel shaped %s, wanted %s", kernel.Shape(), l.kernel.Shape())
	}
	l.kernel = kernel.Clone()
	return nil
}

// SetBias replaces the bias. It must have the same shape, and the operator must have been created with a bias.
func (l *Linear) SetBias(bias *tensors.Tensor) error {
	if l.bias == nil {
		return errors.New("SetBias: operator was created without bias")
	}
	if !bias.Shape().Equal(l.bias.Shape()) {
		return errors.Wrapf(tensors.ErrShape, "SetBias: bias shaped %s, wanted %s", bias.Shape(), l.bias.Shape())
	}
	l.bias = bias.Clone()
	return nil
}

// Apply computes the operator on x using the given weight in place of the kernel. It's used by spectral
// normalization to apply the rescaled kernel. The bias is not rescaled.
func (l *Linear) Apply(weight, x *tensors.Tensor) (output *tensors.Tensor, err error) {
	if !weight.Shape().Equal(l.kernel.Shape()) {
		return nil, errors.Wrapf(tensors.ErrShape, "Apply: weight shaped %s, wanted %s", weight.Shape(), l.kernel.Shape())
	}
	if l.conv1x1 && x.Rank() != 4 {
		return nil, errors.Wrapf(tensors.ErrShape, "Conv1x1: input shaped %s, wanted [batch, height, width, %d]",
			x.Shape(), l.InputDim())
	}
	err = exceptions.TryCatch[error](func() {
		output = tensors.Dense(x, weight, l.bias)
	})
	return
}

// Call computes the operator on x with its own kernel.
func (l *Linear) Call(x *tensors.Tensor) (*tensors.Tensor, error) {
	return l.Apply(l.kernel, x)
}

// Clone returns a deep copy of the operator.
func (l *Linear) Clone() *Linear {
	newL := &Linear{kernel: l.kernel.Clone(), conv1x1: l.conv1x1}
	if l.bias != nil {
		newL.bias = l.bias.Clone()
	}
	return newL
}
