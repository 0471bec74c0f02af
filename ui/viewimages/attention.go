// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viewimages

import (
	"image"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/guidance"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TokenLabels returns the decoded text of each token of prompt, including the begin and end markers.
func TokenLabels(tok tokenizer.Tokenizer, prompt string) []string {
	ids := tok.Encode(prompt)
	labels := make([]string, len(ids))
	for ii, id := range ids {
		labels[ii] = tok.Decode([]int{id})
	}
	return labels
}

// nodeSource serves graph parameters as recorded attention maps.
type nodeSource map[crossattn.Key][]*Node

func (s nodeSource) Maps(key crossattn.Key) []*Node { return s[key] }

// AggregateAverage aggregates the step-averaged maps of avg the same way the location guidance does (see
// guidance.Aggregate), returning a tensor shaped [R, R, numTokens].
func AggregateAverage(backend backends.Backend, avg *crossattn.Average, numPrompts int,
	cfg guidance.Config) (*tensors.Tensor, error) {
	if avg == nil || avg.NumSteps() == 0 {
		return nil, errors.New("viewimages: no attention maps were recorded")
	}
	averages := avg.Maps()
	var keys []crossattn.Key
	var args []any
	var counts []int
	for _, place := range cfg.FromWhere {
		key := crossattn.Key{Place: place, IsCross: true}
		maps := averages[key]
		if len(maps) == 0 {
			continue
		}
		keys = append(keys, key)
		counts = append(counts, len(maps))
		for _, m := range maps {
			args = append(args, m)
		}
	}
	if len(args) == 0 {
		return nil, errors.Wrapf(guidance.ErrResolutionNotFound, "viewimages: no cross-attention maps recorded in %v",
			cfg.FromWhere)
	}
	var aggregated *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		aggregated = MustExecOnce(backend, func(inputs []*Node) *Node {
			source := make(nodeSource)
			for ii, key := range keys {
				source[key], inputs = inputs[:counts[ii]], inputs[counts[ii]:]
			}
			return guidance.Aggregate(source, numPrompts, cfg)
		}, args...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "viewimages: aggregating attention maps")
	}
	return aggregated, nil
}

// CrossAttention returns one heatmap per token of the aggregated maps (see AggregateAverage), each of
// size x size pixels and captioned with labels[token]. Only as many tokens as labels are rendered.
func CrossAttention(backend backends.Backend, avg *crossattn.Average, numPrompts int, cfg guidance.Config,
	labels []string, size int) ([]image.Image, error) {
	aggregated, err := AggregateAverage(backend, avg, numPrompts, cfg)
	if err != nil {
		return nil, err
	}
	dims := aggregated.Shape().Dimensions
	height, width, numTokens := dims[0], dims[1], dims[2]
	flat := tensors.MustCopyFlatData[float32](aggregated)
	numTokens = min(numTokens, len(labels))
	heatmaps := make([]image.Image, numTokens)
	for token := range numTokens {
		values := make([][]float32, height)
		for r := range height {
			values[r] = make([]float32, width)
			for c := range width {
				values[r][c] = flat[(r*width+c)*dims[2]+token]
			}
		}
		heatmaps[token] = Caption(Heatmap(values, size), labels[token])
	}
	return heatmaps, nil
}
