// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/sagan/pkg/core/shapes"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/pkg/ml/initializer"
	"github.com/gomlx/sagan/pkg/ml/layers/selfattention"
	"github.com/gomlx/sagan/pkg/ml/layers/spectralnorm"
	"github.com/gomlx/sagan/pkg/ml/params"
	"github.com/gomlx/sagan/ui/commandline"
	"github.com/gomlx/sagan/ui/plots"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// createDefaultParams returns the hyperparameters of the block with their default values.
// Any of them can be changed with the -set flag.
func createDefaultParams() *params.Params {
	return params.New().
		SetRoot(selfattention.ParamSeed, uint64(0)).
		SetRoot(selfattention.ParamUseBias, true).
		SetRoot(selfattention.ParamInitialGate, float32(0)).
		SetRoot(spectralnorm.ParamEpsilon, spectralnorm.DefaultEpsilon).
		SetRoot(spectralnorm.ParamPowerIterations, 1)
}

type runConfig struct {
	batchSize, height, width, channels int
	numSteps                           int
	inputSeed                          uint64
	output                             io.Writer

	// plotPath, if not empty, is where to write the SVG plot of the spectral norm estimates per step.
	plotPath string

	// plotLogScale makes the y-axis of the plot logarithmic.
	plotLogScale bool
}

// runStats are the numeric health statistics collected by run.
type runStats struct {
	runID string

	sigmas, uNorms map[string]float64

	// maxRowSumError is the largest deviation from 1 of the sum of a row of attention weights.
	maxRowSumError float64

	// inputRoundingError and outputRoundingError are the largest absolute difference between the input
	// and its rounding to float16, and between the corresponding outputs.
	inputRoundingError, outputRoundingError float64
}

var projectionNames = []string{selfattention.QueryScope, selfattention.KeyScope, selfattention.ValueScope, selfattention.OutputScope}

func projections(block *selfattention.Block) map[string]*spectralnorm.SpectralNorm {
	return map[string]*spectralnorm.SpectralNorm{
		selfattention.QueryScope:  block.Query(),
		selfattention.KeyScope:    block.Key(),
		selfattention.ValueScope:  block.Value(),
		selfattention.OutputScope: block.OutputProjection(),
	}
}

// run builds a block from hyperParams, and runs cfg.numSteps forward passes over random images.
// It returns a printable report.
func run(hyperParams *params.Params, cfg runConfig) (string, error) {
	if cfg.numSteps < 1 {
		return "", errors.Errorf("number of steps must be >= 1, got %d", cfg.numSteps)
	}
	if cfg.batchSize < 1 || cfg.height < 1 || cfg.width < 1 || cfg.channels < 1 {
		return "", errors.Wrapf(tensors.ErrShape, "invalid image dimensions batch=%d, height=%d, width=%d, channels=%d",
			cfg.batchSize, cfg.height, cfg.width, cfg.channels)
	}
	block := selfattention.New().FromParams(hyperParams, params.RootScope).Done()
	inputShape := shapes.Make(cfg.batchSize, cfg.height, cfg.width, cfg.channels)
	rng := initializer.NewRNG(cfg.inputSeed)
	stats := &runStats{runID: uuid.NewString()}
	klog.V(1).Infof("Run %s: %d forward passes over images shaped %s (%s)",
		stats.runID, cfg.numSteps, inputShape, humanize.Bytes(uint64(inputShape.Memory())))
	sigmaPlot := plots.New("Spectral norm estimates", "sigma")
	if cfg.plotLogScale {
		sigmaPlot.LogScaleY()
	}
	pBar := commandline.NewProgressBar(cfg.output, cfg.numSteps, "Forward",
		func() (string, string) { return "Max |row sum - 1|", fmt.Sprintf("%.3g", stats.maxRowSumError) })
	for step := range cfg.numSteps {
		x := initializer.Normal(rng, 1)(inputShape)
		trace, err := block.ForwardTrace(x)
		if err != nil {
			pBar.Done()
			return "", err
		}
		stats.maxRowSumError = max(stats.maxRowSumError, maxRowSumError(trace.AttentionWeights))
		for name, sn := range projections(block) {
			sigmaPlot.AddPoint(name, float64(step), sn.Sigma())
		}
		pBar.Step()
	}
	pBar.Done()
	if cfg.plotPath != "" {
		if err := sigmaPlot.WriteFile(cfg.plotPath, 1024, 400); err != nil {
			return "", err
		}
		klog.V(1).Infof("Spectral norm estimates plotted to %q", cfg.plotPath)
	}

	stats.sigmas = make(map[string]float64)
	stats.uNorms = make(map[string]float64)
	for name, sn := range projections(block) {
		stats.sigmas[name] = sn.Sigma()
		stats.uNorms[name] = floats.Norm(sn.U(), 2)
	}
	if err := roundingSensitivity(block, initializer.Normal(rng, 1)(inputShape), stats); err != nil {
		return "", err
	}
	return sprintReport(block, inputShape, pBar, stats), nil
}

// maxRowSumError returns the largest deviation from 1 of the sums of the rows (last axis) of weights.
func maxRowSumError(weights *tensors.Tensor) float64 {
	rowSize := weights.Shape().Dim(-1)
	var maxErr float64
	flat := weights.Flat()
	for start := 0; start < len(flat); start += rowSize {
		var sum float64
		for _, v := range flat[start : start+rowSize] {
			sum += float64(v)
		}
		maxErr = max(maxErr, math.Abs(sum-1))
	}
	return maxErr
}

// roundingSensitivity compares the outputs of two copies of the block, one fed with x and the other with x
// rounded to float16. The block itself is not changed.
func roundingSensitivity(block *selfattention.Block, x *tensors.Tensor, stats *runStats) error {
	exact, err := block.Clone()
	if err != nil {
		return err
	}
	rounded, err := block.Clone()
	if err != nil {
		return err
	}
	xRounded := tensors.RoundToFloat16(x)
	yExact, err := exact.Forward(x)
	if err != nil {
		return err
	}
	yRounded, err := rounded.Forward(xRounded)
	if err != nil {
		return err
	}
	stats.inputRoundingError = tensors.MaxAbsDiff(x, xRounded)
	stats.outputRoundingError = tensors.MaxAbsDiff(yExact, yRounded)
	return nil
}

func sprintReport(block *selfattention.Block, inputShape shapes.Shape, pBar *commandline.ProgressBar, stats *runStats) string {
	var parts []string
	parts = append(parts, pBar.SprintStats("Forward passes"))

	cpu := cpuid.CPU
	parts = append(parts, commandline.SprintTable("Machine", [][2]string{
		{"CPU", cpu.BrandName},
		{"Cores", fmt.Sprintf("%d physical, %d logical", cpu.PhysicalCores, cpu.LogicalCores)},
		{"AVX2 / AVX512F", fmt.Sprintf("%v / %v", cpu.Supports(cpuid.AVX2), cpu.Supports(cpuid.AVX512F))},
		{"Kernels parallelism", fmt.Sprintf("%d", tensors.MaxParallelism())},
	}))

	rows := [][2]string{
		{"Run ID", stats.runID},
		{"Input shape", inputShape.String()},
		{"Input size", humanize.Bytes(uint64(inputShape.Memory()))},
		{"Gate", fmt.Sprintf("%g", block.Gate())},
	}
	for _, name := range projectionNames {
		rows = append(rows, [2]string{
			fmt.Sprintf("%s: sigma / |u|", name),
			fmt.Sprintf("%.5g / %.6f", stats.sigmas[name], stats.uNorms[name]),
		})
	}
	rows = append(rows,
		[2]string{"Max |row sum - 1|", fmt.Sprintf("%.3g", stats.maxRowSumError)},
		[2]string{"float16 input rounding", fmt.Sprintf("%.3g", stats.inputRoundingError)},
		[2]string{"Output change", fmt.Sprintf("%.3g", stats.outputRoundingError)},
	)
	parts = append(parts, commandline.SprintTable("Self-attention", rows))
	return strings.Join(parts, "\n")
}
