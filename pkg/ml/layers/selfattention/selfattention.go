// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package selfattention implements the self-attention block of Self-Attention Generative Adversarial
// Networks (SAGAN), with spectral normalized 1x1 convolutions as projections.
//
// For an image x shaped `[batch, height, width, channels]` the block computes:
//
//	f = query(x)                   -> [batch, height*width, channels/8]
//	g = maxPool(key(x))            -> [batch, height*width/4, channels/8]
//	h = maxPool(value(x))          -> [batch, height*width/4, channels/2]
//	attention = softmax(f·gᵀ)      -> [batch, height*width, height*width/4]
//	o = output(attention·h)        -> [batch, width, height, channels]
//	y = x + gate*o
//
// The gate is a scalar initialized to 0, so a freshly built block is the identity.
// Each projection keeps its own spectral normalization estimate, advanced at every call.
//
// Based on paper "Self-Attention Generative Adversarial Networks" (Han Zhang, Ian Goodfellow,
// Dimitris Metaxas, Augustus Odena), https://arxiv.org/abs/1805.08318.
package selfattention

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/gomlx/sagan/pkg/ml/layers"
	"github.com/gomlx/sagan/pkg/ml/layers/spectralnorm"
	"github.com/gomlx/sagan/pkg/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotBuilt is returned by Forward if the block was configured without lazy build and Build was not called.
	ErrNotBuilt = errors.New("self-attention block not built")

	// ErrChannels is returned if the number of channels is not a positive multiple of 8, or if it
	// differs from the number of channels the block was built with.
	ErrChannels = errors.New("invalid number of channels for self-attention")
)

const (
	// ParamSeed is the hyperparameter key for the seed of the projections' initialization.
	ParamSeed = "sagan_seed"

	// ParamUseBias is the hyperparameter key for whether the projections have a bias term.
	ParamUseBias = "sagan_use_bias"

	// ParamInitialGate is the hyperparameter key for the value of the gate when the block is built.
	ParamInitialGate = "sagan_initial_gate"
)

// Scope names of the projections, under the block's scope, used to configure each of their
// spectral normalizations individually with FromParams.
const (
	QueryScope  = "query"
	KeyScope    = "key"
	ValueScope  = "value"
	OutputScope = "output"
)

// PoolSize is the window and stride of the max-pooling of the keys and values.
const PoolSize = 2

// Config for a self-attention block. Create it with New, set the desired parameters, and when
// all is set, call Done.
type Config struct {
	epsilon         float64
	powerIterations int
	seed            uint64
	useBias         bool
	lazyBuild       bool
	initialGate     float32

	params *params.Params
	scope  string
}

// New creates a builder for a self-attention block.
//
// Defaults: spectral normalization epsilon 1e-12 with 1 power iteration, seed 0, projections with bias,
// lazy build on the first call to Forward, and initial gate 0.
func New() *Config {
	return &Config{
		epsilon:         spectralnorm.DefaultEpsilon,
		powerIterations: 1,
		useBias:         true,
		lazyBuild:       true,
		scope:           params.RootScope,
	}
}

// Epsilon sets the floor of the squared norm in the spectral normalization of all projections.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// PowerIterations sets the number of power iterations per call in the spectral normalization of all projections.
func (c *Config) PowerIterations(n int) *Config {
	c.powerIterations = n
	return c
}

// Seed sets the seed used to initialize the projection kernels and the spectral normalization estimates.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// UseBias configures whether the projections have a bias term. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// LazyBuild configures whether the block is built by the first call to Forward, using the number of
// channels of its input. If false, Build must be called before Forward, or it returns ErrNotBuilt.
// Default is true.
func (c *Config) LazyBuild(lazyBuild bool) *Config {
	c.lazyBuild = lazyBuild
	return c
}

// InitialGate sets the value of the gate when the block is built. Default is 0.
func (c *Config) InitialGate(gate float32) *Config {
	c.initialGate = gate
	return c
}

// FromParams reads the block hyperparameters from p, searching from scope up: ParamSeed, ParamUseBias,
// ParamInitialGate and the spectral normalization parameters (spectralnorm.ParamEpsilon and
// spectralnorm.ParamPowerIterations).
//
// The spectral normalization of each projection is further configured, when the block is built, from the
// sub-scopes QueryScope, KeyScope, ValueScope and OutputScope. E.g.: "/value/spectral_norm_epsilon".
func (c *Config) FromParams(p *params.Params, scope string) *Config {
	c.params = p
	c.scope = scope
	c.seed = params.GetParamOr(p, scope, ParamSeed, c.seed)
	c.useBias = params.GetParamOr(p, scope, ParamUseBias, c.useBias)
	c.initialGate = params.GetParamOr(p, scope, ParamInitialGate, c.initialGate)
	c.epsilon = params.GetParamOr(p, scope, spectralnorm.ParamEpsilon, c.epsilon)
	c.powerIterations = params.GetParamOr(p, scope, spectralnorm.ParamPowerIterations, c.powerIterations)
	return c
}

// Done returns the unbuilt block.
func (c *Config) Done() *Block {
	return &Block{config: *c}
}

// projection is a spectral normalized 1x1 convolution.
type projection struct {
	conv *layers.Linear
	sn   *spectralnorm.SpectralNorm
}

// Block is a self-attention block. It's either unbuilt, or built for a fixed number of channels.
//
// Calls to Forward advance the spectral normalization estimates, and are serialized.
type Block struct {
	config Config

	mu                         sync.Mutex
	built                      bool
	channels                   int
	query, key, value, outProj projection
	gate                       float32
}

// Build creates the projections and the gate for the given number of channels, which must be a positive
// multiple of 8.
//
// It is idempotent for the same number of channels, and it returns ErrChannels if the block was already
// built with a different number.
func (b *Block) Build(channels int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedBuild(channels)
}

func (b *Block) lockedBuild(channels int) error {
	if b.built {
		if channels != b.channels {
			return errors.Wrapf(ErrChannels, "block built for %d channels, got %d", b.channels, channels)
		}
		return nil
	}
	if channels <= 0 || channels%8 != 0 {
		return errors.Wrapf(ErrChannels, "channels must be a positive multiple of 8, got %d", channels)
	}

	rng := initializer.NewRNG(b.config.seed)
	newProjection := func(name string, inputDim, filters int) (projection, error) {
		conv, err := layers.NewConv1x1(inputDim, filters).UseBias(b.config.useBias).RNG(rng).Done()
		if err != nil {
			return projection{}, errors.WithMessagef(err, "building %s projection", name)
		}
		sn, err := spectralnorm.New(conv).
			Epsilon(b.config.epsilon).
			PowerIterations(b.config.powerIterations).
			RNG(rng).
			FromParams(b.config.params, params.JoinScope(b.config.scope, name)).
			Done()
		if err != nil {
			return projection{}, errors.WithMessagef(err, "building %s projection", name)
		}
		return projection{conv: conv, sn: sn}, nil
	}
	var err error
	if b.query, err = newProjection(QueryScope, channels, channels/8); err != nil {
		return err
	}
	if b.key, err = newProjection(KeyScope, channels, channels/8); err != nil {
		return err
	}
	if b.value, err = newProjection(ValueScope, channels, channels/2); err != nil {
		return err
	}
	// The output projection maps the attention output (channels/2) back to channels.
	if b.outProj, err = newProjection(OutputScope, channels/2, channels); err != nil {
		return err
	}
	b.gate = b.config.initialGate
	b.channels = channels
	b.built = true
	klog.V(1).Infof("selfattention: built for %d channels (query/key width %d, value width %d, seed %d)",
		channels, channels/8, channels/2, b.config.seed)
	return nil
}

// IsBuilt returns whether the projections were created.
func (b *Block) IsBuilt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.built
}

// Channels returns the number of channels the block was built for, or 0 if not built.
func (b *Block) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// Gate returns the current value of the gate scalar.
func (b *Block) Gate() float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gate
}

// SetGate sets the value of the gate scalar, e.g. when restoring a trained block.
func (b *Block) SetGate(gate float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = gate
}

// Query returns the spectral normalized query projection, or nil if the block is not built.
func (b *Block) Query() *spectralnorm.SpectralNorm { return b.projectionSN(&b.query) }

// Key returns the spectral normalized key projection, or nil if the block is not built.
func (b *Block) Key() *spectralnorm.SpectralNorm { return b.projectionSN(&b.key) }

// Value returns the spectral normalized value projection, or nil if the block is not built.
func (b *Block) Value() *spectralnorm.SpectralNorm { return b.projectionSN(&b.value) }

// OutputProjection returns the spectral normalized output projection, or nil if the block is not built.
func (b *Block) OutputProjection() *spectralnorm.SpectralNorm { return b.projectionSN(&b.outProj) }

func (b *Block) projectionSN(p *projection) *spectralnorm.SpectralNorm {
	b.mu.Lock()
	defer b.mu.Unlock()
	return p.sn
}

// Trace holds the intermediary results of a forward pass.
type Trace struct {
	// Query is the projected query, shaped `[batch, height, width, channels/8]`.
	Query *tensors.Tensor

	// Key and Value are the projected and max-pooled keys and values, shaped
	// `[batch, height/2, width/2, channels/8]` and `[batch, height/2, width/2, channels/2]`.
	Key, Value *tensors.Tensor

	// AttentionWeights is the softmax of the attention logits, shaped `[batch, height*width, height*width/4]`.
	// Each row sums to 1.
	AttentionWeights *tensors.Tensor

	// AttentionOutput is the weighted sum of values, before the output projection, shaped
	// `[batch, width, height, channels/2]`.
	AttentionOutput *tensors.Tensor

	// Output is the block output, shaped like the input.
	Output *tensors.Tensor
}

// Forward applies the self-attention block to x, shaped `[batch, height, width, channels]`, and returns a
// tensor with the same shape.
//
// If the block is not built and it was configured with lazy build (the default), it is built with the number
// of channels of x.
//
// Height and width should be even: the max-pooling truncates odd dimensions, which makes the number of pooled
// positions inconsistent with height*width/4 in most cases, and it fails with tensors.ErrShape.
func (b *Block) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	trace, err := b.ForwardTrace(x)
	if err != nil {
		return nil, err
	}
	return trace.Output, nil
}

// ForwardTrace is like Forward, but it also returns the intermediary results.
func (b *Block) ForwardTrace(x *tensors.Tensor) (*Trace, error) {
	if x == nil {
		return nil, errors.Wrap(tensors.ErrShape, "self-attention input is nil")
	}
	if x.Rank() != 4 {
		return nil, errors.Wrapf(tensors.ErrShape, "self-attention input shaped %s, wanted [batch, height, width, channels]",
			x.Shape())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.built && !b.config.lazyBuild {
		return nil, ErrNotBuilt
	}
	if err := b.lockedBuild(x.Shape().Dim(-1)); err != nil {
		return nil, err
	}
	return b.lockedForward(x)
}

func (b *Block) lockedForward(x *tensors.Tensor) (*Trace, error) {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	numPositions := height * width
	numPooled := numPositions / (PoolSize * PoolSize)
	qkWidth, valueWidth := channels/8, channels/2

	query, err := b.query.sn.Forward(x)
	if err != nil {
		return nil, errors.WithMessage(err, "query projection")
	}
	key, err := b.key.sn.Forward(x)
	if err != nil {
		return nil, errors.WithMessage(err, "key projection")
	}
	value, err := b.value.sn.Forward(x)
	if err != nil {
		return nil, errors.WithMessage(err, "value projection")
	}

	trace := &Trace{Query: query}
	err = exceptions.TryCatch[error](func() {
		trace.Key = tensors.MaxPool2D(key, PoolSize, PoolSize)
		trace.Value = tensors.MaxPool2D(value, PoolSize, PoolSize)
		f := trace.Query.MustReshape(batchSize, numPositions, qkWidth)
		g := trace.Key.MustReshape(batchSize, numPooled, qkWidth)
		h := trace.Value.MustReshape(batchSize, numPooled, valueWidth)
		logits := tensors.MatMul(f, g, true)
		trace.AttentionWeights = tensors.Softmax(logits, -1)
		attentionOutput := tensors.MatMul(trace.AttentionWeights, h, false)
		// Height and width are swapped here: the attention output is laid out as [batch, width, height, ...].
		trace.AttentionOutput = attentionOutput.MustReshape(batchSize, width, height, valueWidth)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "self-attention of input shaped %s", x.Shape())
	}

	projected, err := b.outProj.sn.Forward(trace.AttentionOutput)
	if err != nil {
		return nil, errors.WithMessage(err, "output projection")
	}
	err = exceptions.TryCatch[error](func() {
		// The residual sum is taken over the row-major buffers: projected is read as [batch, height, width, channels].
		trace.Output = tensors.AddScaled(x, projected.MustReshape(batchSize, height, width, channels), b.gate)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "self-attention of input shaped %s", x.Shape())
	}
	return trace, nil
}

// Clone returns a deep copy of the block: projection weights, spectral normalization estimates and gate.
// The copy evolves independently of the original.
func (b *Block) Clone() (*Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	newB := &Block{
		config:   b.config,
		built:    b.built,
		channels: b.channels,
		gate:     b.gate,
	}
	if !b.built {
		return newB, nil
	}
	var err error
	for _, pair := range []struct{ from, to *projection }{
		{&b.query, &newB.query}, {&b.key, &newB.key}, {&b.value, &newB.value}, {&b.outProj, &newB.outProj},
	} {
		pair.to.conv = pair.from.conv.Clone()
		pair.to.sn, err = pair.from.sn.Clone(pair.to.conv)
		if err != nil {
			return nil, err
		}
	}
	return newB, nil
}
