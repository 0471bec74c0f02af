// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tinysd is a small latent diffusion model: a UNet-like transformer denoiser, a text encoder and a
// latent decoder, structured like Stable Diffusion (4 latent channels, 8x latent down-sampling, cross-attention
// at the down, mid and up blocks) but with few parameters.
//
// It is used as the pretrained collaborators of the diffusion pipeline in tests and in the command line tool,
// with weights read from a GoMLX checkpoint.
package tinysd

import (
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Config of the model architecture.
type Config struct {
	DType dtypes.DType

	// LatentChannels of the latent space.
	LatentChannels int

	// PatchSize of the denoiser's input patches: a latent of size h is seen as a grid of h/PatchSize tokens.
	PatchSize int

	// ModelDim is the token embedding size of the denoiser, EmbedDim the one of the text encoder.
	ModelDim, EmbedDim int

	NumHeads, HeadDim int

	// LayersPerBlock is the number of transformer layers in each down, mid and up block.
	LayersPerBlock int

	// ContextLength of the text encoder.
	ContextLength int

	// DecoderDim is the hidden size of the latent decoder.
	DecoderDim int
}

// Context hyperparameter keys.
const (
	ParamDType          = "tinysd_dtype"
	ParamLatentChannels = "tinysd_latent_channels"
	ParamPatchSize      = "tinysd_patch_size"
	ParamModelDim       = "tinysd_model_dim"
	ParamEmbedDim       = "tinysd_embed_dim"
	ParamNumHeads       = "tinysd_num_heads"
	ParamHeadDim        = "tinysd_head_dim"
	ParamLayersPerBlock = "tinysd_layers_per_block"
	ParamDecoderDim     = "tinysd_decoder_dim"

	// ParamVocabSize of the text encoder's token embedding table. 0 means the size of the tokenizer's
	// vocabulary.
	ParamVocabSize = "tinysd_vocab_size"
)

// SetDefaultParams sets the model hyperparameters in ctx.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamDType:          "float32",
		ParamLatentChannels: 4,
		ParamPatchSize:      4,
		ParamModelDim:       64,
		ParamEmbedDim:       64,
		ParamNumHeads:       4,
		ParamHeadDim:        16,
		ParamLayersPerBlock: 2,
		ParamDecoderDim:     64,
		ParamVocabSize:      0,
	})
}

// NewConfig reads the model configuration from the context hyperparameters.
func NewConfig(ctx *context.Context) (Config, error) {
	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, ParamDType, "float32"))
	if err != nil || !dtype.IsFloat() {
		return Config{}, errors.Errorf("invalid %q=%q: it must be a float dtype", ParamDType,
			context.GetParamOr(ctx, ParamDType, "float32"))
	}
	cfg := Config{
		DType:          dtype,
		LatentChannels: context.GetParamOr(ctx, ParamLatentChannels, 4),
		PatchSize:      context.GetParamOr(ctx, ParamPatchSize, 4),
		ModelDim:       context.GetParamOr(ctx, ParamModelDim, 64),
		EmbedDim:       context.GetParamOr(ctx, ParamEmbedDim, 64),
		NumHeads:       context.GetParamOr(ctx, ParamNumHeads, 4),
		HeadDim:        context.GetParamOr(ctx, ParamHeadDim, 16),
		LayersPerBlock: context.GetParamOr(ctx, ParamLayersPerBlock, 2),
		ContextLength:  context.GetParamOr(ctx, diffusion.ParamContextLength, diffusion.DefaultContextLength),
		DecoderDim:     context.GetParamOr(ctx, ParamDecoderDim, 64),
	}
	for name, v := range map[string]int{
		ParamLatentChannels: cfg.LatentChannels, ParamPatchSize: cfg.PatchSize, ParamModelDim: cfg.ModelDim,
		ParamEmbedDim: cfg.EmbedDim, ParamNumHeads: cfg.NumHeads, ParamHeadDim: cfg.HeadDim,
		ParamLayersPerBlock: cfg.LayersPerBlock, ParamDecoderDim: cfg.DecoderDim,
	} {
		if v <= 0 {
			return cfg, errors.Errorf("hyperparameter %q must be > 0, got %d", name, v)
		}
	}
	return cfg, nil
}

// PatchSizeFor returns the patch size such that a latent of size latentSize is seen by the denoiser as a grid
// of resolution tokens, the resolution of the cross-attention maps used for guidance.
// It returns 0 if there is no such integer patch size.
func PatchSizeFor(latentSize, resolution int) int {
	if resolution <= 0 || latentSize%resolution != 0 {
		return 0
	}
	return latentSize / resolution
}

// Model holds the three networks of the tiny diffusion model.
type Model struct {
	Config      Config
	VocabSize   int
	UNet        *UNet
	TextEncoder *TextEncoder
	Decoder     *Decoder
}

// New creates the model. Its variables are created lazily under the "unet", "text_encoder" and "vae" scopes.
func New(cfg Config, vocabSize int) *Model {
	return &Model{
		Config:      cfg,
		VocabSize:   vocabSize,
		UNet:        NewUNet(cfg),
		TextEncoder: NewTextEncoder(cfg, vocabSize),
		Decoder:     NewDecoder(cfg),
	}
}

// Pipeline returns the diffusion pipeline using this model, the tokenizer and a DDIM scheduler.
func (m *Model) Pipeline(backend backends.Backend, tok tokenizer.Tokenizer) *diffusion.Pipeline {
	return &diffusion.Pipeline{
		Denoiser:         m.UNet,
		TextEncoder:      m.TextEncoder,
		Decoder:          m.Decoder,
		Scheduler:        diffusion.NewDefaultDDIMScheduler(backend),
		Tokenizer:        tok,
		LatentChannels:   m.Config.LatentChannels,
		DownsampleFactor: DownsampleFactor,
		LatentScale:      diffusion.DefaultLatentScale,
		DType:            m.Config.DType,
	}
}
