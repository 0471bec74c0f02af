// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"strings"

	"github.com/gomlx/attnguide/pkg/guidance"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Variant of the generation driver.
//
//go:generate go tool enumer -type=Variant -transform=snake -json -yaml -text -output=gen_variant_enumer.go
type Variant int

const (
	// LDM is the latent diffusion text-to-image variant: 256x256 images, guidance scale 7.
	LDM Variant = iota

	// Stable is the Stable Diffusion variant: 512x512 images, guidance scale 7.5, timesteps offset by 1 and
	// optional low-resource mode.
	Stable
)

// ParseVariant converts "ldm" or "stable" (also "sd") to a Variant.
func ParseVariant(name string) (Variant, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "sd") {
		return Stable, nil
	}
	v, err := VariantString(name)
	if err != nil {
		return 0, errors.Errorf("unknown diffusion variant %q, valid values are %q", name, VariantStrings())
	}
	return v, nil
}

// DefaultContextLength of the text encoder (number of tokens of the conditioning).
const DefaultContextLength = 77

// Config of the generation driver.
type Config struct {
	Variant Variant

	// Height, Width of the generated images in pixels. They must be multiples of the pipeline's
	// DownsampleFactor.
	Height, Width int

	NumSteps      int
	GuidanceScale float64
	LowResource   bool

	// Seed of the initial latent noise, when one is not given.
	Seed int64

	// ContextLength the prompts are padded (or truncated) to.
	ContextLength int

	// KeepAttention accumulates the average attention maps over the steps, see Result.Attention.
	KeepAttention bool

	Guidance guidance.Config
}

// DefaultConfig returns the default configuration for the variant.
func DefaultConfig(variant Variant) Config {
	cfg := Config{
		Variant:       variant,
		NumSteps:      50,
		Seed:          8888,
		ContextLength: DefaultContextLength,
		Guidance:      guidance.DefaultConfig(),
	}
	switch variant {
	case Stable:
		cfg.Height, cfg.Width = 512, 512
		cfg.GuidanceScale = 7.5
	default:
		cfg.Height, cfg.Width = 256, 256
		cfg.GuidanceScale = 7.0
	}
	return cfg
}

// TimestepOffset is the scheduler timesteps offset used by the variant.
func (cfg Config) TimestepOffset() int {
	if cfg.Variant == Stable {
		return 1
	}
	return 0
}

// Context hyperparameter keys.
const (
	ParamVariant       = "variant"
	ParamImageSize     = "image_size"
	ParamNumSteps      = "num_inference_steps"
	ParamGuidanceScale = "guidance_scale"
	ParamLowResource   = "low_resource"
	ParamSeed          = "seed"
	ParamContextLength = "context_length"
	ParamKeepAttention = "keep_attention"
)

// SetDefaultParams sets the generation (and guidance) hyperparameters in ctx to their defaults.
// Values 0 for image_size and guidance_scale mean the variant's default.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamVariant:       "stable",
		ParamImageSize:     0,
		ParamNumSteps:      50,
		ParamGuidanceScale: 0.0,
		ParamLowResource:   false,
		ParamSeed:          8888,
		ParamContextLength: DefaultContextLength,
		ParamKeepAttention: false,
	})
	guidance.SetDefaultParams(ctx)
}

// NewConfig creates the generation configuration from the hyperparameters in ctx.
func NewConfig(ctx *context.Context) (Config, error) {
	variant, err := ParseVariant(context.GetParamOr(ctx, ParamVariant, "stable"))
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig(variant)
	if size := context.GetParamOr(ctx, ParamImageSize, 0); size > 0 {
		cfg.Height, cfg.Width = size, size
	}
	if scale := context.GetParamOr(ctx, ParamGuidanceScale, 0.0); scale > 0 {
		cfg.GuidanceScale = scale
	}
	cfg.NumSteps = context.GetParamOr(ctx, ParamNumSteps, cfg.NumSteps)
	cfg.LowResource = context.GetParamOr(ctx, ParamLowResource, cfg.LowResource)
	cfg.Seed = int64(context.GetParamOr(ctx, ParamSeed, int(cfg.Seed)))
	cfg.ContextLength = context.GetParamOr(ctx, ParamContextLength, cfg.ContextLength)
	cfg.KeepAttention = context.GetParamOr(ctx, ParamKeepAttention, cfg.KeepAttention)
	cfg.Guidance, err = guidance.NewConfig(ctx)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return errors.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.NumSteps <= 0 {
		return errors.Errorf("number of inference steps must be > 0, got %d", cfg.NumSteps)
	}
	if cfg.ContextLength <= 2 {
		return errors.Errorf("context length must be > 2, got %d", cfg.ContextLength)
	}
	return cfg.Guidance.Validate()
}
