// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package spectralnorm implements spectral normalization of linear operators.
//
// The wrapped operator's weight is divided by an estimate of its largest singular value, so the
// operator is approximately 1-Lipschitz. The estimate is refined by one step of power iteration
// (configurable) at every call, amortizing the cost of the decomposition over the calls.
//
// Based on paper "Spectral Normalization for Generative Adversarial Networks" (Takeru Miyato,
// Toshiki Kataoka, Masanori Koyama, Yuichi Yoshida), https://arxiv.org/abs/1802.05957.
package spectralnorm

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/gomlx/sagan/pkg/ml/params"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Operator is any linear operator with a weight that can be treated as a matrix.
//
// Weight returns the current (trainable) weight: its last axis is the output dimension (fanOut),
// all the other axes are flattened into the input dimension (fanIn).
// Apply computes the operator on x, but using the given weight, with the same shape as Weight(),
// in place of its own.
//
// layers.Linear (dense layers and 1x1 convolutions) implements it.
type Operator interface {
	Weight() *tensors.Tensor
	Apply(weight, x *tensors.Tensor) (*tensors.Tensor, error)
}

const (
	// DefaultEpsilon is the floor of the squared norm used when normalizing vectors.
	DefaultEpsilon = 1e-12

	// ParamEpsilon is the hyperparameter key for the floor of the squared norm when normalizing vectors.
	ParamEpsilon = "spectral_norm_epsilon"

	// ParamPowerIterations is the hyperparameter key for the number of power iterations per call.
	ParamPowerIterations = "spectral_norm_power_iterations"
)

// Config for a spectral normalization wrapper.
// Create it with New, set the desired parameters, and when all is set, call Done.
type Config struct {
	op              Operator
	epsilon         float64
	powerIterations int
	rng             *rand.Rand
	initialU        []float64
}

// New creates a builder for the spectral normalization of op.
//
// The returned SpectralNorm holds the estimate of the first right singular vector of the weight,
// which is updated at every call: it must wrap one operator only, and it must not be shared.
func New(op Operator) *Config {
	return &Config{
		op:              op,
		epsilon:         DefaultEpsilon,
		powerIterations: 1,
	}
}

// Epsilon sets the floor of the squared Euclidean norm when normalizing vectors, to avoid dividing by zero.
// The default is 1e-12.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// PowerIterations sets the number of power iteration steps per call. The default is 1.
func (c *Config) PowerIterations(n int) *Config {
	c.powerIterations = n
	return c
}

// RNG sets the random number generator used to initialize the estimate vector u.
func (c *Config) RNG(rng *rand.Rand) *Config {
	c.rng = rng
	return c
}

// Seed sets a new random number generator with the given seed to initialize the estimate vector u.
func (c *Config) Seed(seed uint64) *Config {
	return c.RNG(initializer.NewRNG(seed))
}

// InitialU sets the initial estimate vector u, instead of a random one. It must have length fanOut,
// and it is normalized before use.
func (c *Config) InitialU(u []float64) *Config {
	c.initialU = slices.Clone(u)
	return c
}

// FromParams reads ParamEpsilon and ParamPowerIterations from p, searching from the given scope up.
// Values not set in p are left unchanged.
func (c *Config) FromParams(p *params.Params, scope string) *Config {
	c.epsilon = params.GetParamOr(p, scope, ParamEpsilon, c.epsilon)
	c.powerIterations = params.GetParamOr(p, scope, ParamPowerIterations, c.powerIterations)
	return c
}

// Done creates the SpectralNorm and its estimate vector.
func (c *Config) Done() (*SpectralNorm, error) {
	if c.op == nil {
		return nil, errors.New("spectralnorm: nil operator")
	}
	if c.powerIterations < 1 {
		return nil, errors.Errorf("spectralnorm: power iterations must be >= 1, got %d", c.powerIterations)
	}
	if c.epsilon < 0 {
		return nil, errors.Errorf("spectralnorm: epsilon must be >= 0, got %g", c.epsilon)
	}
	weight := c.op.Weight()
	if weight.Rank() < 2 {
		return nil, errors.Wrapf(tensors.ErrShape, "spectralnorm: weight shaped %s, it must have rank >= 2", weight.Shape())
	}
	fanOut := weight.Shape().Dim(-1)
	sn := &SpectralNorm{
		op:              c.op,
		epsilon:         c.epsilon,
		powerIterations: c.powerIterations,
		fanIn:           weight.Size() / fanOut,
		fanOut:          fanOut,
	}
	if c.initialU != nil {
		if len(c.initialU) != fanOut {
			return nil, errors.Wrapf(tensors.ErrShape, "spectralnorm: initial u has length %d, wanted %d (fanOut)",
				len(c.initialU), fanOut)
		}
		sn.u = slices.Clone(c.initialU)
		l2Normalize(sn.u, sn.epsilon)
	} else {
		rng := c.rng
		if rng == nil {
			rng = initializer.NewRNG(0)
		}
		sn.u = initializer.RandomUnitVector(rng, fanOut)
	}
	return sn, nil
}

// SpectralNorm wraps an Operator, and applies it with its weight divided by the estimate of its
// spectral norm (largest singular value).
//
// Every call to Forward or NormalizedWeight advances the estimate: it is not reentrant, and calls are
// serialized by a mutex. Concurrent training streams should use separate instances.
type SpectralNorm struct {
	mu              sync.Mutex
	op              Operator
	epsilon         float64
	powerIterations int
	fanIn, fanOut   int

	// u is the estimate of the first right singular vector (length fanOut), always of unit norm
	// unless the weight is degenerate (zero).
	u     []float64
	sigma float64
}

// Operator returns the wrapped operator.
func (sn *SpectralNorm) Operator() Operator { return sn.op }

// FanIn is the number of rows of the weight seen as a matrix.
func (sn *SpectralNorm) FanIn() int { return sn.fanIn }

// FanOut is the number of columns of the weight seen as a matrix, and the length of u.
func (sn *SpectralNorm) FanOut() int { return sn.fanOut }

// Epsilon used when normalizing vectors.
func (sn *SpectralNorm) Epsilon() float64 { return sn.epsilon }

// PowerIterations per call.
func (sn *SpectralNorm) PowerIterations() int { return sn.powerIterations }

// U returns a copy of the current estimate vector.
func (sn *SpectralNorm) U() []float64 {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return slices.Clone(sn.u)
}

// SetU replaces the estimate vector, for instance when restoring a model. It must have length FanOut.
// It is used as given, not normalized.
func (sn *SpectralNorm) SetU(u []float64) error {
	if len(u) != sn.fanOut {
		return errors.Wrapf(tensors.ErrShape, "SetU: u has length %d, wanted %d", len(u), sn.fanOut)
	}
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.u = slices.Clone(u)
	return nil
}

// Sigma returns the spectral norm estimate of the last call, or 0 if it was never called.
func (sn *SpectralNorm) Sigma() float64 {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.sigma
}

// NormalizedWeight advances the power iteration one call and returns the weight divided by the new estimate
// of its spectral norm. The returned tensor has the shape of the operator's weight.
func (sn *SpectralNorm) NormalizedWeight() (*tensors.Tensor, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.lockedNormalizedWeight()
}

// Forward advances the power iteration and applies the operator with the normalized weight.
func (sn *SpectralNorm) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	normalized, err := sn.lockedNormalizedWeight()
	if err != nil {
		return nil, err
	}
	output, err := sn.op.Apply(normalized, x)
	if err != nil {
		return nil, errors.WithMessage(err, "spectralnorm: failed to apply wrapped operator")
	}
	return output, nil
}

// lockedNormalizedWeight implements NormalizedWeight. It must be called with sn.mu locked.
func (sn *SpectralNorm) lockedNormalizedWeight() (*tensors.Tensor, error) {
	weight := sn.op.Weight()
	if weight.Size() != sn.fanIn*sn.fanOut || weight.Shape().Dim(-1) != sn.fanOut {
		return nil, errors.Wrapf(tensors.ErrShape, "spectralnorm: weight shaped %s, wanted [%d, %d] once flattened",
			weight.Shape(), sn.fanIn, sn.fanOut)
	}
	w := mat.NewDense(sn.fanIn, sn.fanOut, nil)
	for row := range sn.fanIn {
		for col := range sn.fanOut {
			w.Set(row, col, float64(weight.Flat()[row*sn.fanOut+col]))
		}
	}
	sn.sigma = powerIteration(w, sn.u, sn.powerIterations, sn.epsilon)
	if sn.sigma == 0 || math.IsNaN(sn.sigma) || math.IsInf(sn.sigma, 0) {
		klog.Warningf("spectralnorm: degenerate spectral norm estimate %g for weight shaped %s", sn.sigma, weight.Shape())
	} else if klog.V(2).Enabled() {
		klog.Infof("spectralnorm: sigma=%g for weight shaped %s", sn.sigma, weight.Shape())
	}

	normalized := tensors.FromShape(weight.Shape())
	for ii, value := range weight.Flat() {
		normalized.Flat()[ii] = float32(float64(value) / sn.sigma)
	}
	return normalized, nil
}

// powerIteration updates u in place with n steps of power iteration over w, and returns the
// estimate of the largest singular value:
//
//	v = normalize(w·u); u = normalize(wᵀ·v)  (n times)
//	sigma = vᵀ·w·u
func powerIteration(w *mat.Dense, u []float64, n int, epsilon float64) (sigma float64) {
	fanIn, fanOut := w.Dims()
	uVec := mat.NewVecDense(fanOut, u) // Shares storage with u.
	vVec := mat.NewVecDense(fanIn, nil)
	for range n {
		vVec.MulVec(w, uVec)
		l2Normalize(vVec.RawVector().Data, epsilon)
		uVec.MulVec(w.T(), vVec)
		l2Normalize(uVec.RawVector().Data, epsilon)
	}
	wu := mat.NewVecDense(fanIn, nil)
	wu.MulVec(w, uVec)
	return mat.Dot(vVec, wu)
}

// l2Normalize divides x by its Euclidean norm, in place, using max(‖x‖², epsilon) as the squared norm.
func l2Normalize(x []float64, epsilon float64) {
	sumSq := floats.Dot(x, x)
	floats.Scale(1/math.Sqrt(max(sumSq, epsilon)), x)
}

// Clone returns a copy of the SpectralNorm state (estimate vector, last sigma and configuration)
// wrapping the given operator, which must have a weight with the same fanIn and fanOut.
func (sn *SpectralNorm) Clone(op Operator) (*SpectralNorm, error) {
	weight := op.Weight()
	if weight.Rank() < 2 || weight.Shape().Dim(-1) != sn.fanOut || weight.Size() != sn.fanIn*sn.fanOut {
		return nil, errors.Wrapf(tensors.ErrShape, "spectralnorm: cannot clone state of a [%d, %d] weight to weight shaped %s",
			sn.fanIn, sn.fanOut, weight.Shape())
	}
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return &SpectralNorm{
		op:              op,
		epsilon:         sn.epsilon,
		powerIterations: sn.powerIterations,
		fanIn:           sn.fanIn,
		fanOut:          sn.fanOut,
		u:               slices.Clone(sn.u),
		sigma:           sn.sigma,
	}, nil
}
