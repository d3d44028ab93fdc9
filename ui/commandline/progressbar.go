// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the statistics are printed, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progression of a fixed number of steps, and keeps the duration of each step.
//
// It is safe for concurrent use.
type ProgressBar struct {
	mu             sync.Mutex
	bar            *progressbar.ProgressBar
	termenv        *termenv.Output
	numSteps       int
	stepsDone      int
	start, last    time.Time
	stepDurations  []time.Duration
	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates a progress bar for numSteps, written to w (typically os.Stdout).
//
// Optionally, one can provide extraMetrics: functions that are called when the statistics table
// is printed, see SprintStats.
func NewProgressBar(w io.Writer, numSteps int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		termenv:        termenv.NewOutput(w),
		numSteps:       numSteps,
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(maxUpdateFrequency),
	)
	pBar.termenv.HideCursor()
	pBar.start = time.Now()
	pBar.last = pBar.start
	return pBar
}

// maxUpdateFrequency is the time between updates to the commandline display.
const maxUpdateFrequency = time.Millisecond * 200

// Step marks one more step as done, and records its duration (time since the previous step).
func (pBar *ProgressBar) Step() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	now := time.Now()
	pBar.stepDurations = append(pBar.stepDurations, now.Sub(pBar.last))
	pBar.last = now
	pBar.stepsDone++
	_ = pBar.bar.Add(1)
}

// Done finishes the progress bar and restores the cursor.
func (pBar *ProgressBar) Done() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.termenv)
}

// StepsDone returns the number of steps marked as done.
func (pBar *ProgressBar) StepsDone() int {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.stepsDone
}

// Elapsed returns the time from the creation of the progress bar to the last step.
func (pBar *ProgressBar) Elapsed() time.Duration {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.last.Sub(pBar.start)
}

// MedianStepDuration returns the median duration of the steps, or 0 if no steps were done.
func (pBar *ProgressBar) MedianStepDuration() time.Duration {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if len(pBar.stepDurations) == 0 {
		return 0
	}
	durations := slices.Clone(pBar.stepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// SprintStats renders a table with the steps done, the elapsed time, the median step duration and
// the extra metrics.
func (pBar *ProgressBar) SprintStats(title string) string {
	rows := [][2]string{
		{"Steps", fmt.Sprintf("%s of %s", humanize.Comma(int64(pBar.StepsDone())), humanize.Comma(int64(pBar.numSteps)))},
		{"Elapsed", FormatDuration(pBar.Elapsed())},
		{"Median step duration", FormatDuration(pBar.MedianStepDuration())},
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return SprintTable(title, rows)
}
