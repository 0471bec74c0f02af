// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guidance

import (
	"github.com/gomlx/attnguide/pkg/crossattn"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Sigma returns the standard deviation of all elements of x, with Bessel's correction (dividing by N-1).
func Sigma(x *Node) *Node {
	n := x.Shape().Size()
	mean := ReduceAllMean(x)
	sumSquares := ReduceAllSum(Square(Sub(x, mean)))
	if n > 1 {
		sumSquares = DivScalar(sumSquares, float64(n-1))
	}
	return Sqrt(sumSquares)
}

// Inject returns the guidance noise correction strength * sigma * ∂loss/∂latent, where sigma is the standard
// deviation of noiseUncond, and the sigma itself.
//
// If the loss doesn't depend on latent, the gradient (and the correction) is zero.
// The correction has the shape of latent.
func Inject(loss, latent, noiseUncond *Node, strength float64) (correction, sigma *Node) {
	// Sigma is a scale factor, not part of the differentiated path.
	sigma = StopGradient(Sigma(noiseUncond))
	gradient := Gradient(ReduceAllSum(loss), latent)[0]
	scale := MulScalar(ConvertDType(sigma, gradient.DType()), strength)
	correction = Mul(gradient, scale)
	return
}

// Signal is the guidance computed at one step.
type Signal struct {
	// X, Y is the centroid of the guided token heatmap.
	X, Y *Node

	// Loss is the guidance loss, Sigma the standard deviation of the unconditional noise.
	Loss, Sigma *Node

	// Degenerate is a boolean scalar, true if the centroid is undefined.
	Degenerate *Node

	// Correction to add to the noise prediction, shaped like the latent.
	Correction *Node
}

// Compute the full guidance signal from the maps recorded in source: aggregation, centroid of cfg.TokenIndex,
// loss and its gradient with respect to latent, scaled by cfg.Strength and the standard deviation
// of noiseUncond.
func Compute(source crossattn.Source, numPrompts int, latent, noiseUncond *Node, cfg Config) Signal {
	aggregated := Aggregate(source, numPrompts, cfg)
	heatmap := TokenHeatmap(aggregated, cfg.TokenIndex)
	var s Signal
	s.X, s.Y, s.Degenerate = Centroid(heatmap, cfg.Sharpness)
	s.Loss = Loss(s.X, s.Y, cfg)
	s.Correction, s.Sigma = Inject(s.Loss, latent, noiseUncond, cfg.Strength)
	return s
}
