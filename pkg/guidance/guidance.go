// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package guidance turns recorded cross-attention maps into a location guidance signal: it aggregates the maps
// into a per-token heatmap, computes the differentiable centroid of the heatmap of one token, measures its L1
// distance to a target location and converts the gradient of that loss with respect to the latent into an
// additive noise correction.
//
// Everything is built as computation graph: the centroid stays connected to the latent, and the correction
// is obtained with graph.Gradient.
package guidance

import (
	"strings"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrResolutionNotFound is returned (or panicked, during graph building) when no recorded cross-attention
	// map matches the requested resolution and places.
	ErrResolutionNotFound = errors.New("no cross-attention map with the requested resolution")

	// ErrTokenNotFound is returned when the word to guide is not a token of the prompt.
	ErrTokenNotFound = errors.New("word not found among the prompt tokens")

	// ErrDegenerateCentroid is returned when the centroid is undefined: the token heatmap has zero range or
	// zero total intensity.
	ErrDegenerateCentroid = errors.New("degenerate attention heatmap, centroid undefined")
)

// Axes selects which coordinates of the centroid contribute to the loss.
//
//go:generate go tool enumer -type=Axes -trimprefix=Axes -transform=snake -json -yaml -text -output=gen_axes_enumer.go
type Axes int

const (
	// AxesX uses only the horizontal (column) distance.
	AxesX Axes = iota
	// AxesY uses only the vertical (row) distance.
	AxesY
	// AxesXY sums both distances.
	AxesXY
)

// ParseAxes converts "x", "y" or "xy" (also "yx") to Axes.
func ParseAxes(name string) (Axes, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "yx") {
		return AxesXY, nil
	}
	a, err := AxesString(name)
	if err != nil {
		return 0, errors.Errorf("invalid guidance axes %q, valid values are %q", name, AxesStrings())
	}
	return a, nil
}

// Default values of the guidance hyperparameters.
const (
	DefaultResolution = 16
	DefaultSharpness  = 10.0
	DefaultStrength   = 7500.0
	DefaultTargetX    = 4.0
	DefaultTargetY    = 12.0
)

// Config of the guidance signal.
type Config struct {
	// Resolution R of the attention maps aggregated: only maps with R*R queries are used.
	Resolution int

	// FromWhere lists the network places whose cross-attention maps are aggregated.
	FromWhere []crossattn.Place

	// LastMaps, if > 0, keeps only the last LastMaps matching maps (in places then layer order).
	LastMaps int

	// Select is the index of the prompt whose maps are used.
	Select int

	// TokenIndex is the index of the guided token in the encoded prompt.
	TokenIndex int

	// Sharpness s of the sigmoid applied to the normalized heatmap.
	Sharpness float64

	// TargetX, TargetY is the target location in heatmap coordinates: x is the column and y the row.
	TargetX, TargetY float64

	// Axes used in the loss.
	Axes Axes

	// Strength V multiplying the gradient (together with the standard deviation of the unconditional noise).
	Strength float64
}

// DefaultConfig returns the default configuration, guiding token 3 of the first prompt.
func DefaultConfig() Config {
	return Config{
		Resolution: DefaultResolution,
		FromWhere:  []crossattn.Place{crossattn.Up},
		TokenIndex: 3,
		Sharpness:  DefaultSharpness,
		TargetX:    DefaultTargetX,
		TargetY:    DefaultTargetY,
		Axes:       AxesX,
		Strength:   DefaultStrength,
	}
}

// Context hyperparameter keys.
const (
	ParamResolution = "guidance_resolution"
	ParamFromWhere  = "guidance_from_where"
	ParamLastMaps   = "guidance_last_maps"
	ParamSelect     = "guidance_select"
	ParamToken      = "guidance_token"
	ParamSharpness  = "guidance_sharpness"
	ParamTargetX    = "guidance_target_x"
	ParamTargetY    = "guidance_target_y"
	ParamAxes       = "guidance_axes"
	ParamStrength   = "guidance_strength"
)

// SetDefaultParams sets the guidance hyperparameters in ctx to their default values.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamResolution: DefaultResolution,
		ParamFromWhere:  []string{"up"},
		ParamLastMaps:   0,
		ParamSelect:     0,
		ParamToken:      3,
		ParamSharpness:  DefaultSharpness,
		ParamTargetX:    DefaultTargetX,
		ParamTargetY:    DefaultTargetY,
		ParamAxes:       "x",
		ParamStrength:   DefaultStrength,
	})
}

// NewConfig reads the guidance hyperparameters from ctx, using the defaults for those not set.
func NewConfig(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.Resolution = context.GetParamOr(ctx, ParamResolution, cfg.Resolution)
	cfg.LastMaps = context.GetParamOr(ctx, ParamLastMaps, cfg.LastMaps)
	cfg.Select = context.GetParamOr(ctx, ParamSelect, cfg.Select)
	cfg.TokenIndex = context.GetParamOr(ctx, ParamToken, cfg.TokenIndex)
	cfg.Sharpness = context.GetParamOr(ctx, ParamSharpness, cfg.Sharpness)
	cfg.TargetX = context.GetParamOr(ctx, ParamTargetX, cfg.TargetX)
	cfg.TargetY = context.GetParamOr(ctx, ParamTargetY, cfg.TargetY)
	cfg.Strength = context.GetParamOr(ctx, ParamStrength, cfg.Strength)

	var err error
	cfg.FromWhere, err = crossattn.ParsePlaces(context.GetParamOr(ctx, ParamFromWhere, []string{"up"}))
	if err != nil {
		return cfg, errors.WithMessagef(err, "hyperparameter %q", ParamFromWhere)
	}
	cfg.Axes, err = ParseAxes(context.GetParamOr(ctx, ParamAxes, "x"))
	if err != nil {
		return cfg, errors.WithMessagef(err, "hyperparameter %q", ParamAxes)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration values.
func (cfg Config) Validate() error {
	if cfg.Resolution <= 0 {
		return errors.Errorf("guidance resolution must be > 0, got %d", cfg.Resolution)
	}
	if len(cfg.FromWhere) == 0 {
		return errors.New("guidance needs at least one place (down, mid or up) to aggregate attention from")
	}
	if cfg.Select < 0 || cfg.TokenIndex < 0 || cfg.LastMaps < 0 {
		return errors.Errorf("guidance select (%d), token (%d) and last maps (%d) must be non-negative",
			cfg.Select, cfg.TokenIndex, cfg.LastMaps)
	}
	if cfg.Sharpness <= 0 {
		return errors.Errorf("guidance sharpness must be > 0, got %g", cfg.Sharpness)
	}
	return nil
}
