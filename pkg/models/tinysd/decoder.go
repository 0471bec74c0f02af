// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinysd

import (
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// DecoderScope is the context scope of the latent decoder variables.
const DecoderScope = "vae"

// DownsampleFactor between pixels and latents.
const DownsampleFactor = 8

// Decoder maps each latent pixel to a DownsampleFactor x DownsampleFactor block of RGB pixels.
type Decoder struct {
	cfg Config
}

var _ diffusion.ImageDecoder = (*Decoder)(nil)

// NewDecoder creates the latent decoder.
func NewDecoder(cfg Config) *Decoder { return &Decoder{cfg: cfg} }

// Decode implements diffusion.ImageDecoder. The output is shaped [batch, 3, height*8, width*8] in [-1, 1].
func (d *Decoder) Decode(ctx *context.Context, latent *Node) *Node {
	ctx = ctx.In(DecoderScope)
	if latent.Rank() != 4 || latent.Shape().Dim(1) != d.cfg.LatentChannels {
		exceptions.Panicf("tinysd.Decoder: latent must be shaped [batch, %d, height, width], got %s",
			d.cfg.LatentChannels, latent.Shape())
	}
	x := TransposeAllDims(latent, 0, 2, 3, 1)
	x = ConvertDType(x, d.cfg.DType)
	x = layers.Dense(ctx.In("dense_0"), x, true, d.cfg.DecoderDim)
	x = activations.Swish(x)
	x = layers.Dense(ctx.In("dense_1"), x, true, DownsampleFactor*DownsampleFactor*3)
	x = Tanh(x)
	x = depthToSpace(x, DownsampleFactor)
	return TransposeAllDims(x, 0, 3, 1, 2)
}
