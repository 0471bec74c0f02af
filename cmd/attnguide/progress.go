// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/schollz/progressbar/v3"
)

// progress displays a progress bar over the diffusion steps, with the current centroid and loss.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(numSteps int) *progress {
	return &progress{
		bar: progressbar.NewOptions(numSteps,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("diffusion"),
			progressbar.OptionSetTheme(commandline.ProgressbarStyle),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// observe implements diffusion.StepObserver.
func (p *progress) observe(info diffusion.StepInfo) {
	r := info.Result
	p.bar.Describe(fmt.Sprintf("t=%4d centroid=(%5.2f, %5.2f) loss=%6.3f [%s/step]",
		r.Timestep, r.X, r.Y, r.Loss, commandline.FormatDuration(info.Elapsed)))
	_ = p.bar.Add(1)
}

func (p *progress) done() {
	_ = p.bar.Finish()
}
