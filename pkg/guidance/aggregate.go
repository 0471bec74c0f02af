// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guidance

import (
	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// Aggregate the cross-attention maps of the prompt cfg.Select recorded in source at resolution cfg.Resolution,
// from the places in cfg.FromWhere, into a heatmap shaped [R, R, numTokens].
//
// Each recorded map is shaped [numPrompts * k, heads, R*R, numTokens], for some k >= 1. The maps of the selected
// prompt are concatenated along the heads and averaged.
//
// It panics with a wrapped ErrResolutionNotFound if no recorded map matches.
func Aggregate(source crossattn.Source, numPrompts int, cfg Config) *Node {
	res := cfg.Resolution
	numPixels := res * res
	if cfg.Select < 0 || cfg.Select >= numPrompts {
		exceptions.Panicf("guidance.Aggregate: select=%d out of range for %d prompts", cfg.Select, numPrompts)
	}
	var matched []*Node
	for _, place := range cfg.FromWhere {
		for _, m := range source.Maps(crossattn.Key{Place: place, IsCross: true}) {
			if m.Shape().Dim(2) == numPixels {
				matched = append(matched, m)
			}
		}
	}
	if cfg.LastMaps > 0 && len(matched) > cfg.LastMaps {
		matched = matched[len(matched)-cfg.LastMaps:]
	}
	if len(matched) == 0 {
		panic(errors.Wrapf(ErrResolutionNotFound, "guidance.Aggregate: no cross-attention map with %dx%d queries in %v",
			res, res, cfg.FromWhere))
	}

	selected := make([]*Node, 0, len(matched))
	for _, m := range matched {
		batchSize, numTokens := m.Shape().Dim(0), m.Shape().Dim(-1)
		if batchSize%numPrompts != 0 {
			exceptions.Panicf("guidance.Aggregate: attention map %s batch size is not a multiple of the %d prompts",
				m.Shape(), numPrompts)
		}
		numHeads := (batchSize / numPrompts) * m.Shape().Dim(1)
		m = Reshape(m, numPrompts, numHeads, res, res, numTokens)
		m = Slice(m, AxisElem(cfg.Select))
		selected = append(selected, Reshape(m, numHeads, res, res, numTokens))
	}
	heatmaps := Concatenate(selected, 0)
	return ReduceMean(heatmaps, 0)
}

// TokenHeatmap returns the [R, R] slice of the aggregated heatmap for the token.
func TokenHeatmap(aggregated *Node, tokenIndex int) *Node {
	numTokens := aggregated.Shape().Dim(-1)
	if tokenIndex < 0 || tokenIndex >= numTokens {
		exceptions.Panicf("guidance.TokenHeatmap: token index %d out of range for %d tokens", tokenIndex, numTokens)
	}
	dims := aggregated.Shape().Dimensions
	return Reshape(Slice(aggregated, AxisRange(), AxisRange(), AxisElem(tokenIndex)), dims[0], dims[1])
}
