// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guidance

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// normalizeMinMax scales x to [0, 1]. It returns the range (max - min) used: when it is 0 the output is 0.
func normalizeMinMax(x *Node) (normalized, valueRange *Node) {
	minValue := ReduceAllMin(x)
	valueRange = Sub(ReduceAllMax(x), minValue)
	isZero := Equal(valueRange, ZerosLike(valueRange))
	safeRange := Where(isZero, OnesLike(valueRange), valueRange)
	normalized = Div(Sub(x, minValue), safeRange)
	return
}

// Sharpen the heatmap: normalize to [0, 1], apply sigmoid(s*(x-0.5)), normalize again and scale to [0, 255].
//
// degenerate is a boolean scalar, true if any of the two normalizations had a zero range.
func Sharpen(heatmap *Node, sharpness float64) (sharpened, degenerate *Node) {
	normalized, range0 := normalizeMinMax(heatmap)
	sharpened = Sigmoid(MulScalar(AddScalar(normalized, -0.5), sharpness))
	sharpened, range1 := normalizeMinMax(sharpened)
	sharpened = MulScalar(sharpened, 255.0)
	degenerate = Or(
		Equal(range0, ZerosLike(range0)),
		Equal(range1, ZerosLike(range1)))
	return
}

// Centroid computes the intensity-weighted center of mass of the sharpened [R, R] heatmap.
// x is the column coordinate and y the row coordinate, both in [0, R-1].
//
// degenerate is a boolean scalar, true if the centroid is undefined (zero-range heatmap or zero total
// intensity); in that case x and y hold meaningless (but finite) values.
//
// The result stays differentiable with respect to whatever the heatmap was computed from.
func Centroid(heatmap *Node, sharpness float64) (x, y, degenerate *Node) {
	if heatmap.Rank() != 2 {
		exceptions.Panicf("guidance.Centroid: heatmap must be shaped [R, R], got %s", heatmap.Shape())
	}
	if !heatmap.DType().IsFloat() {
		heatmap = ConvertDType(heatmap, dtypes.Float32)
	}
	g := heatmap.Graph()
	intensity, degenerate := Sharpen(heatmap, sharpness)
	total := ReduceAllSum(intensity)
	zeroTotal := Equal(total, ZerosLike(total))
	degenerate = Or(degenerate, zeroTotal)
	safeTotal := Where(zeroTotal, OnesLike(total), total)

	rows := Iota(g, intensity.Shape(), 0)
	cols := Iota(g, intensity.Shape(), 1)
	x = Div(ReduceAllSum(Mul(intensity, cols)), safeTotal)
	y = Div(ReduceAllSum(Mul(intensity, rows)), safeTotal)
	return
}

// Loss is the L1 distance from the centroid (x, y) to the target, on the axes configured.
func Loss(x, y *Node, cfg Config) *Node {
	dx := Abs(AddScalar(x, -cfg.TargetX))
	dy := Abs(AddScalar(y, -cfg.TargetY))
	switch cfg.Axes {
	case AxesY:
		return dy
	case AxesXY:
		return Add(dx, dy)
	default:
		return dx
	}
}
