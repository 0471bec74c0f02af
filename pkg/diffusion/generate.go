// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"time"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepInfo is passed to a StepObserver after each step.
type StepInfo struct {
	// Step is the index of the step, from 0 to NumSteps-1.
	Step, NumSteps int

	Result  StepResult
	Elapsed time.Duration
}

// StepObserver is called after each diffusion step, e.g. to report progress.
type StepObserver func(info StepInfo)

// Trace of one diffusion step, collected in Result.
type Trace struct {
	Step, Timestep    int
	X, Y, Loss, Sigma float64
}

// Result of a generation.
type Result struct {
	// Images shaped [batch, height, width, 3], uint8.
	Images *tensors.Tensor

	// Latent is the initial latent before expansion to the batch, shaped [1, channels, height/f, width/f].
	Latent *tensors.Tensor

	// Trace of each step.
	Trace []Trace

	// Attention holds the average attention maps across steps, if Config.KeepAttention was set.
	Attention *crossattn.Average
}

// Generator runs the guided text-to-image generation.
type Generator struct {
	backend  backends.Backend
	ctx      *context.Context
	pipeline *Pipeline
	config   Config

	embedExec, decodeExec *context.Exec
}

// NewGenerator creates a generator for the pipeline, with the networks' variables in ctx.
func NewGenerator(backend backends.Backend, ctx *context.Context, pipeline *Pipeline, config Config) (*Generator, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Height%pipeline.DownsampleFactor != 0 || config.Width%pipeline.DownsampleFactor != 0 {
		return nil, errors.Errorf("image size %dx%d must be a multiple of the latent downsample factor %d",
			config.Width, config.Height, pipeline.DownsampleFactor)
	}
	gen := &Generator{
		backend:  backend,
		ctx:      ctx.Checked(false),
		pipeline: pipeline,
		config:   config,
	}
	var err error
	gen.embedExec, err = context.NewExec(backend, gen.ctx, func(ctx *context.Context, ids *Node) *Node {
		return pipeline.TextEncoder.Embed(ctx, ids)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create text encoder executor")
	}
	gen.decodeExec, err = context.NewExec(backend, gen.ctx, gen.decodeGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create image decoder executor")
	}
	return gen, nil
}

// Config returns the generator configuration.
func (gen *Generator) Config() Config { return gen.config }

// LatentShape returns the shape of the initial latent, for one image, in the pipeline's latent dtype.
func (gen *Generator) LatentShape() shapes.Shape {
	f := gen.pipeline.DownsampleFactor
	return shapes.Make(gen.pipeline.LatentDType(), 1, gen.pipeline.LatentChannels, gen.config.Height/f, gen.config.Width/f)
}

// InitLatent returns the given latent, after checking its shape, or, if it is nil, draws one from the
// normal distribution with the configured seed. It also returns the latent expanded to batchSize.
//
// The noise is always sampled in float32 and then converted, so a seed gives the same latent for every dtype.
func (gen *Generator) InitLatent(latent *tensors.Tensor, batchSize int) (initial, expanded *tensors.Tensor, err error) {
	shape := gen.LatentShape()
	if latent == nil {
		rngCtx := context.New()
		if err = rngCtx.SetRNGStateFromSeed(gen.config.Seed); err != nil {
			return nil, nil, errors.WithMessage(err, "failed to seed initial latent")
		}
		latent, err = context.ExecOnce(gen.backend, rngCtx, func(ctx *context.Context, g *Graph) *Node {
			return ConvertDType(ctx.RandomNormal(g, shapes.Make(dtypes.Float32, shape.Dimensions...)), shape.DType)
		})
		if err != nil {
			return nil, nil, errors.WithMessage(err, "failed to sample initial latent")
		}
	} else if !latent.Shape().Equal(shape) {
		return nil, nil, errors.Errorf("initial latent must be shaped %s, got %s", shape, latent.Shape())
	}
	expanded, err = ExecOnce(gen.backend, func(x *Node) *Node {
		dims := x.Shape().Clone().Dimensions
		dims[0] = batchSize
		return BroadcastToDims(x, dims...)
	}, latent)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to expand initial latent")
	}
	return latent, expanded, nil
}

// Embed the prompts, padded to the configured context length.
func (gen *Generator) Embed(prompts []string) (*tensors.Tensor, error) {
	length := gen.config.ContextLength
	ids := make([]int32, 0, len(prompts)*length)
	for _, prompt := range prompts {
		for _, id := range tokenizer.EncodePadded(gen.pipeline.Tokenizer, prompt, length) {
			ids = append(ids, int32(id))
		}
	}
	embed, err := gen.embedExec.Exec1(tensors.FromFlatDataAndDimensions(ids, len(prompts), length))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to embed prompts")
	}
	return embed, nil
}

// decodeGraph converts latents to uint8 images shaped [batch, height, width, 3].
func (gen *Generator) decodeGraph(ctx *context.Context, latent *Node) *Node {
	latent = DivScalar(latent, gen.pipeline.LatentScale)
	images := gen.pipeline.Decoder.Decode(ctx, latent)
	if images.Rank() != 4 || images.Shape().Dim(1) != 3 {
		exceptions.Panicf("image decoder must return images shaped [batch, 3, height, width], got %s", images.Shape())
	}
	images = ClipScalar(AddScalar(DivScalar(images, 2), 0.5), 0, 1)
	images = TransposeAllDims(images, 0, 2, 3, 1)
	return ConvertDType(MulScalar(images, 255), dtypes.Uint8)
}

// Decode latents shaped [batch, channels, h, w] to uint8 images shaped [batch, height, width, 3].
func (gen *Generator) Decode(latent *tensors.Tensor) (*tensors.Tensor, error) {
	images, err := gen.decodeExec.Exec1(latent)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decode latents")
	}
	return images, nil
}

// Generate one image per prompt, guided to move the configured token toward the target location.
//
// controller, if not nil, is chained after the attention store in every attention unit. latent, if not nil,
// is the initial latent shaped LatentShape(). observer, if not nil, is called after each step.
//
// Any failure aborts the generation: no partial images are returned.
func (gen *Generator) Generate(prompts []string, controller crossattn.Controller, latent *tensors.Tensor,
	observer StepObserver) (*Result, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to generate")
	}
	if gen.config.Guidance.Select >= len(prompts) {
		return nil, errors.Errorf("guidance selects prompt %d, but only %d prompts given",
			gen.config.Guidance.Select, len(prompts))
	}
	condEmbed, err := gen.Embed(prompts)
	if err != nil {
		return nil, err
	}
	uncondEmbed, err := gen.Embed(make([]string, len(prompts)))
	if err != nil {
		return nil, err
	}
	result := &Result{}
	var latents *tensors.Tensor
	result.Latent, latents, err = gen.InitLatent(latent, len(prompts))
	if err != nil {
		return nil, err
	}

	scheduler := gen.pipeline.Scheduler
	if err = scheduler.SetTimesteps(gen.config.NumSteps, gen.config.TimestepOffset()); err != nil {
		return nil, err
	}
	stepper, err := NewStepper(gen.backend, gen.ctx, gen.pipeline, controller, StepConfig{
		GuidanceScale: gen.config.GuidanceScale,
		LowResource:   gen.config.LowResource,
		Guidance:      gen.config.Guidance,
		KeepAttention: gen.config.KeepAttention,
	})
	if err != nil {
		return nil, err
	}
	defer stepper.Finalize()
	if gen.config.KeepAttention {
		result.Attention = crossattn.NewAverage()
	}

	timesteps := scheduler.Timesteps()
	klog.V(1).Infof("generating %d images (%s, %dx%d) in %d steps, %d attention layers",
		len(prompts), gen.config.Variant, gen.config.Width, gen.config.Height, len(timesteps), stepper.NumLayers())
	for step, t := range timesteps {
		start := time.Now()
		stepResult, err := stepper.Step(latents, t, uncondEmbed, condEmbed)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d of %d", step, len(timesteps))
		}
		latents = stepResult.Latent
		result.Trace = append(result.Trace, Trace{
			Step: step, Timestep: t,
			X: stepResult.X, Y: stepResult.Y, Loss: stepResult.Loss, Sigma: stepResult.Sigma,
		})
		if result.Attention != nil {
			if err = result.Attention.Add(stepResult.AttentionKeys, stepResult.AttentionMaps); err != nil {
				return nil, err
			}
		}
		if observer != nil {
			observer(StepInfo{Step: step, NumSteps: len(timesteps), Result: stepResult, Elapsed: time.Since(start)})
		}
	}

	result.Images, err = gen.Decode(latents)
	if err != nil {
		return nil, err
	}
	return result, nil
}
