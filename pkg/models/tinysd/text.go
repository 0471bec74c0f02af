// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinysd

import (
	"fmt"

	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// TextEncoderScope is the context scope of the text encoder variables.
const TextEncoderScope = "text_encoder"

// TextEncoder embeds token ids with a token and a positional embedding followed by a few feed-forward
// residual layers. It has no attention, so each token's embedding only depends on its own id and position.
type TextEncoder struct {
	cfg       Config
	vocabSize int
	numLayers int
}

var _ diffusion.TextEncoder = (*TextEncoder)(nil)

// NewTextEncoder for the given vocabulary size.
func NewTextEncoder(cfg Config, vocabSize int) *TextEncoder {
	return &TextEncoder{cfg: cfg, vocabSize: vocabSize, numLayers: cfg.LayersPerBlock}
}

// Embed implements diffusion.TextEncoder.
func (te *TextEncoder) Embed(ctx *context.Context, ids *Node) *Node {
	cfg := te.cfg
	ctx = ctx.In(TextEncoderScope)
	if ids.Rank() != 2 {
		exceptions.Panicf("tinysd.TextEncoder: ids must be shaped [batch, contextLength], got %s", ids.Shape())
	}
	g := ids.Graph()
	seqLen := ids.Shape().Dim(1)
	if seqLen > cfg.ContextLength {
		exceptions.Panicf("tinysd.TextEncoder: sequence length %d > context length %d", seqLen, cfg.ContextLength)
	}
	if !ids.DType().IsInt() {
		ids = ConvertDType(ids, dtypes.Int32)
	}

	x := layers.Embedding(ctx.In("token_embed"), ids, cfg.DType, te.vocabSize, cfg.EmbedDim)
	posEmbed := ctx.In("pos_embed").VariableWithShape("embeddings",
		shapes.Make(cfg.DType, cfg.ContextLength, cfg.EmbedDim)).ValueGraph(g)
	posEmbed = Slice(posEmbed, AxisRange(0, seqLen))
	x = Add(x, ExpandLeftToRank(posEmbed, 3))

	for layer := range te.numLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		normalized := layers.LayerNormalization(layerCtx.In("norm"), x, -1).Done()
		ff := layers.Dense(layerCtx.In("ff_1"), normalized, true, 2*cfg.EmbedDim)
		ff = activations.Gelu(ff)
		ff = layers.Dense(layerCtx.In("ff_2"), ff, true, cfg.EmbedDim)
		x = Add(x, ff)
	}
	return layers.LayerNormalization(ctx.In("final_norm"), x, -1).Done()
}
