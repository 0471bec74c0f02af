// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffusion implements attention-guided latent diffusion sampling: a step orchestrator that combines
// classifier-free guidance with a location guidance gradient computed from the denoiser's cross-attention,
// and a generation driver that runs the full text-to-image loop.
//
// The pretrained networks are collaborators given by a Pipeline: a Denoiser, a TextEncoder, an ImageDecoder,
// a Scheduler and a tokenizer. Their variables are stored in a context.Context.
package diffusion

import (
	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Denoiser predicts the noise of a latent.
//
// PredictNoise takes latent shaped [batch, channels, height, width], a scalar timestep and the text
// conditioning shaped [batch, contextLength, embedDim], and returns the predicted noise shaped like the latent.
//
// Its attention units are reachable through the crossattn.Module tree, so a Controller can be registered.
type Denoiser interface {
	crossattn.Module
	PredictNoise(ctx *context.Context, latent, timestep, conditioning *Node) *Node
}

// TextEncoder embeds token ids shaped [batch, contextLength] into the conditioning shaped
// [batch, contextLength, embedDim].
type TextEncoder interface {
	Embed(ctx *context.Context, ids *Node) *Node
}

// ImageDecoder converts (unscaled) latents shaped [batch, channels, height, width] to images shaped
// [batch, 3, height*f, width*f] with values roughly in [-1, 1], where f is the decoder's up-sampling factor.
type ImageDecoder interface {
	Decode(ctx *context.Context, latent *Node) *Node
}

// Scheduler maps predicted noise to the next latent, on the host.
//
// SetTimesteps prepares numSteps timesteps, shifted by offset, retrievable in (strictly decreasing) order with
// Timesteps.
type Scheduler interface {
	SetTimesteps(numSteps, offset int) error
	Timesteps() []int
	Step(noise *tensors.Tensor, timestep int, latent *tensors.Tensor) (*tensors.Tensor, error)
}

// Pipeline bundles the pretrained collaborators of the generation.
type Pipeline struct {
	Denoiser    Denoiser
	TextEncoder TextEncoder
	Decoder     ImageDecoder
	Scheduler   Scheduler
	Tokenizer   tokenizer.Tokenizer

	// LatentChannels is the number of channels of the latent space.
	LatentChannels int

	// DownsampleFactor between pixel and latent resolution, usually 8.
	DownsampleFactor int

	// LatentScale is the factor latents are multiplied by before diffusion. Decoding divides by it.
	LatentScale float64

	// DType of the latents, the dtype of the denoiser's variables. If not set, it defaults to Float32.
	DType dtypes.DType
}

// LatentDType returns the dtype of the latents.
func (p *Pipeline) LatentDType() dtypes.DType {
	if p.DType == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return p.DType
}

// DefaultLatentScale of the standard latent diffusion auto-encoders.
const DefaultLatentScale = 0.18215

// Validate checks that all collaborators are set.
func (p *Pipeline) Validate() error {
	switch {
	case p == nil:
		return errors.New("nil pipeline")
	case p.Denoiser == nil:
		return errors.New("pipeline has no denoiser")
	case p.TextEncoder == nil:
		return errors.New("pipeline has no text encoder")
	case p.Decoder == nil:
		return errors.New("pipeline has no image decoder")
	case p.Scheduler == nil:
		return errors.New("pipeline has no scheduler")
	case p.Tokenizer == nil:
		return errors.New("pipeline has no tokenizer")
	case p.LatentChannels <= 0 || p.DownsampleFactor <= 0 || p.LatentScale <= 0:
		return errors.Errorf("pipeline has invalid latent channels (%d), downsample factor (%d) or scale (%g)",
			p.LatentChannels, p.DownsampleFactor, p.LatentScale)
	case !p.LatentDType().IsFloat():
		return errors.Errorf("pipeline latent dtype must be a float, got %s", p.LatentDType())
	}
	return nil
}
