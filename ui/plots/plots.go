// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots renders line plots of values collected per step (e.g. the spectral norm estimates
// of each projection) as SVG, using github.com/erkkah/margaid.
package plots

import (
	"io"
	"maps"
	"os"
	"slices"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/sagan/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Plot holds the series of one plot, one series per name, all sharing the same axes.
type Plot struct {
	title, yLabel            string
	perName                  map[string]*mg.Series
	allPoints                *mg.Series
	xProjection, yProjection mg.Projection
}

// New creates an empty plot with the given title and y-axis label. Either can be left empty.
func New(title, yLabel string) *Plot {
	return &Plot{
		title:       title,
		yLabel:      yLabel,
		perName:     make(map[string]*mg.Series),
		allPoints:   mg.NewSeries(),
		xProjection: mg.Lin,
		yProjection: mg.Lin,
	}
}

// LogScaleY makes the y-axis use a log scale. All values must then be positive.
func (p *Plot) LogScaleY() *Plot {
	p.yProjection = mg.Log
	return p
}

// AddPoint adds a point to the series named name. The step is the x-axis.
func (p *Plot) AddPoint(name string, step, value float64) {
	s, found := p.perName[name]
	if !found {
		s = mg.NewSeries(mg.Titled(name))
		p.perName[name] = s
	}
	mgValue := mg.MakeValue(step, value)
	s.Add(mgValue)
	p.allPoints.Add(mgValue)
}

// NumSeries returns the number of series in the plot.
func (p *Plot) NumSeries() int { return len(p.perName) }

// Render writes the plot as an SVG to w.
func (p *Plot) Render(w io.Writer, width, height int) error {
	if len(p.perName) == 0 {
		return errors.New("plots: nothing to plot")
	}
	allSeries := make([]*mg.Series, 0, len(p.perName))
	names := slices.Sorted(maps.Keys(p.perName))
	for _, name := range names {
		allSeries = append(allSeries, p.perName[name])
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithProjection(mg.XAxis, p.xProjection),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithProjection(mg.YAxis, p.yProjection),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(p.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(p.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, p.yLabel)
	diagram.Frame()
	if p.title != "" {
		diagram.Title(p.title)
	}
	if len(names) > 1 || names[0] != "" {
		diagram.Legend(mg.BottomLeft)
	}
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render plot %q", p.title)
	}
	return nil
}

// WriteFile renders the plot as an SVG file. A leading "~" in filePath is replaced by the home directory.
func (p *Plot) WriteFile(filePath string, width, height int) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", filePath)
	}
	if err = p.Render(f, width, height); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close plot file %q", filePath)
}
