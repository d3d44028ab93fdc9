// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package selfattention

import (
	"math"
	"testing"

	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/gomlx/sagan/pkg/ml/layers"
	"github.com/gomlx/sagan/pkg/ml/layers/spectralnorm"
	"github.com/gomlx/sagan/pkg/ml/params"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func randomImage(seed uint64, dimensions ...int) *tensors.Tensor {
	return initializer.Normal(initializer.NewRNG(seed), 1)(shapes.Make(dimensions...))
}

func TestScenario(t *testing.T) {
	block := New().Done()
	assert.False(t, block.IsBuilt())
	assert.Nil(t, block.Query())

	x := randomImage(1, 2, 8, 8, 16)
	trace := must.M1(block.ForwardTrace(x))
	require.True(t, block.IsBuilt())
	assert.Equal(t, 16, block.Channels())
	assert.Equal(t, float32(0), block.Gate())

	assert.Equal(t, 2, block.Query().FanOut())
	assert.Equal(t, 2, block.Key().FanOut())
	assert.Equal(t, 8, block.Value().FanOut())
	assert.Equal(t, 16, block.OutputProjection().FanOut())
	assert.Equal(t, 16, block.Query().FanIn())
	assert.Equal(t, 16, block.Value().FanIn())

	// The output projection maps the attention output (channels/2) back to channels.
	assert.Equal(t, 8, block.OutputProjection().FanIn())
	require.NoError(t, shapes.CheckDims(block.OutputProjection().Operator().Weight(), 8, 16))

	require.NoError(t, shapes.CheckDims(trace.Query, 2, 8, 8, 2))
	require.NoError(t, shapes.CheckDims(trace.Key, 2, 4, 4, 2))
	require.NoError(t, shapes.CheckDims(trace.Value, 2, 4, 4, 8))
	require.NoError(t, shapes.CheckDims(trace.AttentionWeights, 2, 64, 16))
	require.NoError(t, shapes.CheckDims(trace.AttentionOutput, 2, 8, 8, 8))

	// Gate is 0: identity.
	require.NoError(t, shapes.CheckDims(trace.Output, 2, 8, 8, 16))
	assert.True(t, x.Equal(trace.Output))

	// Subsequent calls with other batch and spatial sizes.
	x = randomImage(2, 3, 4, 6, 16)
	y := must.M1(block.Forward(x))
	assert.True(t, x.Equal(y))
}

func TestLargerImage(t *testing.T) {
	block := New().Seed(2).InitialGate(0.1).Done()
	x := randomImage(8, 2, 32, 32, 64)
	trace := must.M1(block.ForwardTrace(x))
	require.NoError(t, shapes.CheckDims(trace.AttentionOutput, 2, 32, 32, 32))
	require.NoError(t, shapes.CheckDims(trace.Output, 2, 32, 32, 64))
	assert.False(t, x.Equal(trace.Output))
	for _, v := range trace.Output.Flat() {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestAttentionRowsSumToOne(t *testing.T) {
	block := New().Seed(7).Done()
	trace := must.M1(block.ForwardTrace(randomImage(3, 2, 6, 6, 32)))
	weights := trace.AttentionWeights
	require.NoError(t, shapes.CheckDims(weights, 2, 36, 9))
	numRows := weights.Size() / 9
	for row := range numRows {
		var sum float64
		for _, v := range weights.Flat()[row*9 : (row+1)*9] {
			require.GreaterOrEqual(t, v, float32(0))
			sum += float64(v)
		}
		require.InDelta(t, 1.0, sum, 1e-5, "row %d", row)
	}
}

func TestUnitNorm(t *testing.T) {
	block := New().Seed(5).InitialGate(0.5).Done()
	x := randomImage(4, 1, 4, 4, 16)
	for step := range 3 {
		_ = must.M1(block.Forward(x))
		for name, sn := range map[string]*spectralnorm.SpectralNorm{
			"query": block.Query(), "key": block.Key(), "value": block.Value(), "output": block.OutputProjection(),
		} {
			require.InDelta(t, 1.0, floats.Norm(sn.U(), 2), 1e-9, "step %d, %s projection", step, name)
		}
	}
}

func TestDeterminism(t *testing.T) {
	block := New().Seed(11).Done()
	x := randomImage(5, 2, 4, 4, 16)
	_ = must.M1(block.Forward(x))
	block.SetGate(0.3)

	cloned := must.M1(block.Clone())
	for range 3 {
		y1 := must.M1(block.Forward(x))
		y2 := must.M1(cloned.Forward(x))
		require.True(t, y1.Equal(y2))
		require.False(t, x.Equal(y1))
		require.Equal(t, block.Value().U(), cloned.Value().U())
		require.Equal(t, block.OutputProjection().U(), cloned.OutputProjection().U())
	}

	// Same seed, same block.
	other := New().Seed(11).Done()
	_ = must.M1(other.Forward(x))
	other.SetGate(0.3)
	fresh := New().Seed(11).InitialGate(0.3).Done()
	_ = must.M1(fresh.Forward(x))
	assert.True(t, must.M1(other.Forward(x)).Equal(must.M1(fresh.Forward(x))))

	// Results don't depend on parallelism.
	defer tensors.SetMaxParallelism(tensors.MaxParallelism())
	parallel := must.M1(block.Clone())
	sequential := must.M1(block.Clone())
	tensors.SetMaxParallelism(-1)
	yParallel := must.M1(parallel.Forward(x))
	tensors.SetMaxParallelism(0)
	ySequential := must.M1(sequential.Forward(x))
	assert.True(t, yParallel.Equal(ySequential))
}

func TestErrors(t *testing.T) {
	_, err := New().Done().Forward(nil)
	require.ErrorIs(t, err, tensors.ErrShape)

	_, err = New().Done().Forward(tensors.Zeros(2, 8, 16))
	require.ErrorIs(t, err, tensors.ErrShape)

	_, err = New().Done().Forward(tensors.Zeros(1, 4, 4, 12))
	require.ErrorIs(t, err, ErrChannels)

	block := New().Done()
	_, err = block.Forward(randomImage(1, 1, 5, 4, 16))
	require.ErrorIs(t, err, tensors.ErrShape)
	assert.True(t, block.IsBuilt())

	_, err = block.Forward(randomImage(1, 1, 1, 4, 16))
	require.ErrorIs(t, err, tensors.ErrShape)

	_, err = block.Forward(randomImage(1, 1, 4, 4, 8))
	require.ErrorIs(t, err, ErrChannels)

	// The block still works after errors.
	x := randomImage(1, 1, 4, 4, 16)
	assert.True(t, x.Equal(must.M1(block.Forward(x))))
}

func TestExplicitBuild(t *testing.T) {
	block := New().LazyBuild(false).Done()
	x := randomImage(1, 1, 4, 4, 16)
	_, err := block.Forward(x)
	require.ErrorIs(t, err, ErrNotBuilt)

	require.ErrorIs(t, block.Build(0), ErrChannels)
	require.ErrorIs(t, block.Build(20), ErrChannels)
	require.False(t, block.IsBuilt())

	require.NoError(t, block.Build(16))
	u := block.Query().U()
	require.NoError(t, block.Build(16))
	assert.Equal(t, u, block.Query().U())
	require.ErrorIs(t, block.Build(32), ErrChannels)

	assert.True(t, x.Equal(must.M1(block.Forward(x))))
}

func TestFromParams(t *testing.T) {
	p := params.New().
		SetRoot(ParamSeed, 3).
		SetRoot(ParamUseBias, false).
		Set("/value", spectralnorm.ParamEpsilon, 1e-6).
		Set("/output", spectralnorm.ParamPowerIterations, 2)
	block := New().FromParams(p, params.RootScope).Done()
	require.NoError(t, block.Build(16))
	assert.Equal(t, 1e-6, block.Value().Epsilon())
	assert.Equal(t, spectralnorm.DefaultEpsilon, block.Query().Epsilon())
	assert.Equal(t, 2, block.OutputProjection().PowerIterations())
	assert.Equal(t, 1, block.Key().PowerIterations())
	assert.Nil(t, block.Key().Operator().(*layers.Linear).Bias())

	reference := New().Seed(3).UseBias(false).Done()
	require.NoError(t, reference.Build(16))
	assert.True(t, reference.Query().Operator().Weight().Equal(block.Query().Operator().Weight()))
	assert.Equal(t, reference.Query().U(), block.Query().U())
}

// refProjection is a straightforward float64 re-implementation of a spectral normalized 1x1 convolution.
type refProjection struct {
	w    [][]float64 // [fanIn][fanOut]
	bias []float64
	u    []float64
}

func newRefProjection(sn *spectralnorm.SpectralNorm) *refProjection {
	conv := sn.Operator().(*layers.Linear)
	p := &refProjection{u: sn.U()}
	for i := range conv.InputDim() {
		row := make([]float64, conv.OutputDim())
		for j := range row {
			row[j] = float64(conv.Weight().At(i, j))
		}
		p.w = append(p.w, row)
	}
	p.bias = make([]float64, conv.OutputDim())
	if conv.Bias() != nil {
		for j := range p.bias {
			p.bias[j] = float64(conv.Bias().At(j))
		}
	}
	return p
}

func refNormalize(x []float64) {
	var sumSq float64
	for _, v := range x {
		sumSq += v * v
	}
	norm := math.Sqrt(max(sumSq, spectralnorm.DefaultEpsilon))
	for i := range x {
		x[i] /= norm
	}
}

// apply does one power iteration step and applies the normalized weight to each row.
func (p *refProjection) apply(rows [][]float64) [][]float64 {
	fanIn, fanOut := len(p.w), len(p.w[0])
	v := make([]float64, fanIn)
	for i := range fanIn {
		for j := range fanOut {
			v[i] += p.w[i][j] * p.u[j]
		}
	}
	refNormalize(v)
	u := make([]float64, fanOut)
	for j := range fanOut {
		for i := range fanIn {
			u[j] += p.w[i][j] * v[i]
		}
	}
	refNormalize(u)
	var sigma float64
	for i := range fanIn {
		for j := range fanOut {
			sigma += v[i] * p.w[i][j] * u[j]
		}
	}
	p.u = u

	output := make([][]float64, len(rows))
	for r, row := range rows {
		output[r] = make([]float64, fanOut)
		for j := range fanOut {
			sum := p.bias[j]
			for i := range fanIn {
				sum += row[i] * p.w[i][j] / sigma
			}
			output[r][j] = sum
		}
	}
	return output
}

// refMaxPool pools the rows of one example, laid out as [height*width][channels].
func refMaxPool(rows [][]float64, height, width int) [][]float64 {
	var pooled [][]float64
	for ph := range height / 2 {
		for pw := range width / 2 {
			out := make([]float64, len(rows[0]))
			for c := range out {
				out[c] = math.Inf(-1)
				for dh := range 2 {
					for dw := range 2 {
						out[c] = max(out[c], rows[(2*ph+dh)*width+2*pw+dw][c])
					}
				}
			}
			pooled = append(pooled, out)
		}
	}
	return pooled
}

// refForward computes the block output over the flat buffers: positions are indexed in row-major order.
func refForward(x *tensors.Tensor, query, key, value, output *refProjection, gate float64) []float64 {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	numPositions := height * width
	rows := make([][]float64, batchSize*numPositions)
	for r := range rows {
		rows[r] = make([]float64, channels)
		for c := range channels {
			rows[r][c] = float64(x.Flat()[r*channels+c])
		}
	}
	f := query.apply(rows)
	g := key.apply(rows)
	h := value.apply(rows)

	attention := make([][]float64, len(rows))
	for b := range batchSize {
		exampleRange := func(m [][]float64) [][]float64 { return m[b*numPositions : (b+1)*numPositions] }
		gPooled := refMaxPool(exampleRange(g), height, width)
		hPooled := refMaxPool(exampleRange(h), height, width)
		for pos, fRow := range exampleRange(f) {
			logits := make([]float64, len(gPooled))
			maxLogit := math.Inf(-1)
			for q, gRow := range gPooled {
				logits[q] = floats.Dot(fRow, gRow)
				maxLogit = max(maxLogit, logits[q])
			}
			var sum float64
			for q := range logits {
				logits[q] = math.Exp(logits[q] - maxLogit)
				sum += logits[q]
			}
			out := make([]float64, len(hPooled[0]))
			for q, hRow := range hPooled {
				floats.AddScaled(out, logits[q]/sum, hRow)
			}
			attention[b*numPositions+pos] = out
		}
	}
	projected := output.apply(attention)
	result := make([]float64, x.Size())
	for r, row := range projected {
		for c, v := range row {
			result[r*channels+c] = rows[r][c] + gate*v
		}
	}
	return result
}

func TestExactRecomputation(t *testing.T) {
	for _, dims := range [][]int{{2, 4, 4, 16}, {1, 4, 6, 8}} {
		block := New().Seed(13).InitialGate(0.7).Done()
		require.NoError(t, block.Build(dims[3]))
		rng := initializer.NewRNG(17)
		for _, sn := range []*spectralnorm.SpectralNorm{block.Query(), block.Key(), block.Value(), block.OutputProjection()} {
			conv := sn.Operator().(*layers.Linear)
			require.NoError(t, conv.SetWeight(initializer.Normal(rng, 0.3)(conv.Weight().Shape())))
			require.NoError(t, conv.SetBias(initializer.Normal(rng, 0.1)(conv.Bias().Shape())))
		}
		query, key := newRefProjection(block.Query()), newRefProjection(block.Key())
		value, output := newRefProjection(block.Value()), newRefProjection(block.OutputProjection())

		for step := range 2 {
			x := randomImage(uint64(19+step), dims...)
			want := refForward(x, query, key, value, output, 0.7)
			got := must.M1(block.Forward(x))
			require.NoError(t, shapes.CheckDims(got, dims...))
			for ii, v := range got.Flat() {
				require.InDelta(t, want[ii], float64(v), 1e-4, "dims=%v, step=%d, flat index %d", dims, step, ii)
			}
			assert.InDeltaSlice(t, query.u, block.Query().U(), 1e-9)
			assert.InDeltaSlice(t, output.u, block.OutputProjection().U(), 1e-9)
		}
	}
}
