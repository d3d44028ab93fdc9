// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sagan runs forward passes of a self-attention block over random images, and reports timing and
// the numeric health of the block: spectral norm estimates, softmax normalization and sensitivity
// to half-precision rounding of the input.
//
// Usage:
//
//	sagan -batch=8 -height=32 -width=32 -channels=64 -steps=100 -set="sagan_initial_gate=0.5"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sagan/pkg/core/tensors"
	"github.com/gomlx/sagan/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagBatchSize   = flag.Int("batch", 4, "Batch size of the random images.")
	flagHeight      = flag.Int("height", 16, "Height of the random images. It should be even.")
	flagWidth       = flag.Int("width", 16, "Width of the random images. It should be even.")
	flagChannels    = flag.Int("channels", 64, "Number of channels of the random images. It must be a multiple of 8.")
	flagNumSteps    = flag.Int("steps", 20, "Number of forward passes to run.")
	flagParallelism = flag.Int("parallelism", -2, "Maximum number of goroutines used by the tensor kernels: 0 disables parallelism, -1 is unlimited. Leave as -2 to use the number of CPUs.")
	flagInputSeed   = flag.Uint64("input_seed", 42, "Seed used to generate the random images.")
	flagPlot        = flag.String("plot", "", "If set, the spectral norm estimate of each projection per step is plotted to this SVG file.")
	flagPlotLog     = flag.Bool("plot_log_scale", false, "Use a log scale for the y-axis of the -plot file.")
)

func main() {
	klog.InitFlags(nil)
	hyperParams := createDefaultParams()
	settings := commandline.CreateSettingsFlag(hyperParams, "")
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		paramsSet, err := commandline.ParseSettings(hyperParams, *settings)
		if err != nil {
			panic(err)
		}
		if len(paramsSet) > 0 {
			fmt.Printf("Modified hyperparameters:\n%s\n", commandline.SprintModifiedSettings(hyperParams, paramsSet))
		}
		klog.V(1).Infof("Hyperparameters:\n%s", commandline.SprintSettings(hyperParams))
		if *flagParallelism != -2 {
			tensors.SetMaxParallelism(*flagParallelism)
		}

		cfg := runConfig{
			batchSize:    *flagBatchSize,
			height:       *flagHeight,
			width:        *flagWidth,
			channels:     *flagChannels,
			numSteps:     *flagNumSteps,
			inputSeed:    *flagInputSeed,
			output:       os.Stdout,
			plotPath:     *flagPlot,
			plotLogScale: *flagPlotLog,
		}
		report, err := run(hyperParams, cfg)
		if err != nil {
			panic(err)
		}
		fmt.Println(report)
	})
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}
