// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinysd

import (
	"fmt"
	"math"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// UNetScope is the context scope of the denoiser variables.
const UNetScope = "unet"

// ReadoutInitStdDev of the initial weights of the denoiser's last layer.
const ReadoutInitStdDev = 0.02

// UNet is the denoiser: latent patches go through two down blocks (the second at half resolution), a mid block
// and two up blocks with skip connections. Each block is a stack of transformer layers with a self-attention
// and a cross-attention to the text conditioning.
type UNet struct {
	cfg    Config
	blocks []*unetBlock
}

var _ diffusion.Denoiser = (*UNet)(nil)

// NewUNet creates the denoiser structure. Variables are created on the first PredictNoise.
func NewUNet(cfg Config) *UNet {
	u := &UNet{cfg: cfg}
	for _, layout := range []struct {
		scope string
		place crossattn.Place
	}{
		{"down_0", crossattn.Down},
		{"down_1", crossattn.Down},
		{"mid", crossattn.Mid},
		{"up_0", crossattn.Up},
		{"up_1", crossattn.Up},
	} {
		u.blocks = append(u.blocks, newUNetBlock(layout.scope, layout.place, cfg))
	}
	return u
}

// Children implements crossattn.Module.
func (u *UNet) Children() []crossattn.Module {
	children := make([]crossattn.Module, len(u.blocks))
	for ii, b := range u.blocks {
		children[ii] = b
	}
	return children
}

// GridSize returns the token grid size the denoiser sees at full resolution for a latent of the given size.
func (u *UNet) GridSize(latentSize int) int { return latentSize / u.cfg.PatchSize }

// PredictNoise implements diffusion.Denoiser.
func (u *UNet) PredictNoise(ctx *context.Context, latent, timestep, conditioning *Node) *Node {
	cfg := u.cfg
	ctx = ctx.In(UNetScope)
	if latent.Rank() != 4 || latent.Shape().Dim(1) != cfg.LatentChannels {
		exceptions.Panicf("tinysd.UNet: latent must be shaped [batch, %d, height, width], got %s",
			cfg.LatentChannels, latent.Shape())
	}
	batchSize, height, width := latent.Shape().Dim(0), latent.Shape().Dim(2), latent.Shape().Dim(3)
	p := cfg.PatchSize
	if height%(2*p) != 0 || width%(2*p) != 0 {
		exceptions.Panicf("tinysd.UNet: latent size %dx%d must be divisible by twice the patch size %d",
			height, width, p)
	}
	dtype := latent.DType()
	conditioning = ConvertDType(conditioning, dtype)

	// Patchify: NCHW -> [batch, gridH, gridW, p*p*channels] -> model dim.
	x := TransposeAllDims(latent, 0, 2, 3, 1)
	x = spaceToDepth(x, p)
	x = layers.Dense(ctx.In("patch_embed"), x, true, cfg.ModelDim)

	timeEmbed := SinusoidalEmbedding(ConvertDType(timestep, dtype), cfg.ModelDim)
	timeEmbed = layers.Dense(ctx.In("time_embed_0"), timeEmbed, true, cfg.ModelDim)
	timeEmbed = activations.Swish(timeEmbed)
	timeEmbed = layers.Dense(ctx.In("time_embed_1"), timeEmbed, true, cfg.ModelDim)

	down0, down1, mid, up0, up1 := u.blocks[0], u.blocks[1], u.blocks[2], u.blocks[3], u.blocks[4]
	skip0 := down0.apply(ctx, x, timeEmbed, conditioning)
	x = spaceToDepth(skip0, 2)
	x = layers.Dense(ctx.In("downsample"), x, true, cfg.ModelDim)
	skip1 := down1.apply(ctx, x, timeEmbed, conditioning)
	x = mid.apply(ctx, skip1, timeEmbed, conditioning)

	x = layers.Dense(ctx.In("skip_1"), Concatenate([]*Node{x, skip1}, -1), true, cfg.ModelDim)
	x = up0.apply(ctx, x, timeEmbed, conditioning)
	x = layers.Dense(ctx.In("upsample"), x, true, 4*cfg.ModelDim)
	x = depthToSpace(x, 2)
	x = layers.Dense(ctx.In("skip_0"), Concatenate([]*Node{x, skip0}, -1), true, cfg.ModelDim)
	x = up1.apply(ctx, x, timeEmbed, conditioning)

	// Readout initialized with small values, so an untrained model still predicts some noise.
	x = layers.LayerNormalization(ctx.In("readout_norm"), x, -1).Done()
	readoutCtx := ctx.In("readout")
	readoutCtx = readoutCtx.WithInitializer(initializers.RandomNormalFn(readoutCtx, ReadoutInitStdDev))
	x = layers.Dense(readoutCtx, x, true, p*p*cfg.LatentChannels)
	x = depthToSpace(x, p)
	x.AssertDims(batchSize, height, width, cfg.LatentChannels)
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// SinusoidalEmbedding of x shaped [batch] (or a scalar, taken as a batch of 1) into [batch, dim] features:
// half sines, half cosines of geometrically spaced frequencies.
func SinusoidalEmbedding(x *Node, dim int) *Node {
	g := x.Graph()
	if dim < 2 || dim%2 != 0 {
		exceptions.Panicf("tinysd.SinusoidalEmbedding: dim must be even and >= 2, got %d", dim)
	}
	half := dim / 2
	x = Reshape(x, -1, 1)
	frequencies := IotaFull(g, shapes.Make(x.DType(), 1, half))
	frequencies = Exp(MulScalar(frequencies, -math.Log(10000.0)/float64(half)))
	angles := Mul(frequencies, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// spaceToDepth folds blocks of size x size pixels into the channels: [b, h, w, c] -> [b, h/size, w/size, size*size*c].
func spaceToDepth(x *Node, size int) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, b, h/size, size, w/size, size, c)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, b, h/size, w/size, size*size*c)
}

// depthToSpace is the inverse of spaceToDepth.
func depthToSpace(x *Node, size int) *Node {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]/(size*size)
	x = Reshape(x, b, h, w, size, size, c)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5)
	return Reshape(x, b, h*size, w*size, c)
}

// unetBlock is a placed stack of transformer layers.
type unetBlock struct {
	scope    string
	location crossattn.Place
	layers   []*transformerLayer
}

var _ crossattn.Placed = (*unetBlock)(nil)

func newUNetBlock(scope string, place crossattn.Place, cfg Config) *unetBlock {
	b := &unetBlock{scope: scope, location: place}
	for ii := range cfg.LayersPerBlock {
		layerScope := fmt.Sprintf("layer_%d", ii)
		b.layers = append(b.layers, &transformerLayer{
			scope:     layerScope,
			self:      crossattn.NewCrossAttention("attn_self", cfg.NumHeads, cfg.HeadDim),
			cross:     crossattn.NewCrossAttention("attn_cross", cfg.NumHeads, cfg.HeadDim),
			hiddenDim: 4 * cfg.ModelDim,
		})
	}
	return b
}

// Children implements crossattn.Module.
func (b *unetBlock) Children() []crossattn.Module {
	children := make([]crossattn.Module, len(b.layers))
	for ii, l := range b.layers {
		children[ii] = l
	}
	return children
}

// Place implements crossattn.Placed.
func (b *unetBlock) Place() crossattn.Place { return b.location }

// apply the block to x shaped [batch, gridH, gridW, dim].
func (b *unetBlock) apply(ctx *context.Context, x, timeEmbed, conditioning *Node) *Node {
	ctx = ctx.In(b.scope)
	dims := x.Shape().Dimensions
	batchSize, gridH, gridW, dim := dims[0], dims[1], dims[2], dims[3]

	timeBias := layers.Dense(ctx.In("time"), timeEmbed, true, dim)
	x = Add(x, ExpandLeftToRank(timeBias, 4))
	embed := Reshape(x, batchSize, gridH*gridW, dim)
	for _, layer := range b.layers {
		embed = layer.apply(ctx, embed, conditioning)
	}
	return Reshape(embed, batchSize, gridH, gridW, dim)
}

// transformerLayer is a pre-normalized transformer layer: self-attention, cross-attention and a feed-forward
// network, each with a residual connection.
type transformerLayer struct {
	scope       string
	self, cross *crossattn.CrossAttention
	hiddenDim   int
}

// Children implements crossattn.Module.
func (l *transformerLayer) Children() []crossattn.Module {
	return []crossattn.Module{l.self, l.cross}
}

func (l *transformerLayer) apply(ctx *context.Context, x, conditioning *Node) *Node {
	ctx = ctx.In(l.scope)
	dim := x.Shape().Dim(-1)

	normalized := layers.LayerNormalization(ctx.In("norm_1"), x, -1).Done()
	x = Add(x, l.self.Apply(ctx, normalized, nil, nil))

	normalized = layers.LayerNormalization(ctx.In("norm_2"), x, -1).Done()
	x = Add(x, l.cross.Apply(ctx, normalized, conditioning, nil))

	normalized = layers.LayerNormalization(ctx.In("norm_3"), x, -1).Done()
	ff := layers.Dense(ctx.In("ff_1"), normalized, true, l.hiddenDim)
	ff = activations.Gelu(ff)
	ff = layers.Dense(ctx.In("ff_2"), ff, true, dim)
	return Add(x, ff)
}
