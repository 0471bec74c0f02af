// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinysd

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FromContext creates the model configured by the hyperparameters in ctx, e.g. as loaded from a checkpoint.
// The vocabulary size is taken from ParamVocabSize if set, otherwise from tokenizerVocabSize.
func FromContext(ctx *context.Context, tokenizerVocabSize int) (*Model, error) {
	cfg, err := NewConfig(ctx)
	if err != nil {
		return nil, err
	}
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 0)
	if vocabSize <= 0 {
		vocabSize = tokenizerVocabSize
	}
	if vocabSize <= 0 {
		return nil, errors.Errorf("tinysd: invalid vocabulary size %d", vocabSize)
	}
	return New(cfg, vocabSize), nil
}

// Load the variables and hyperparameters of a checkpoint in dir into ctx.
// It fails if there is no checkpoint in dir.
func Load(ctx *context.Context, dir string) error {
	_, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "tinysd: loading checkpoint from %q", dir)
	}
	klog.V(1).Infof("tinysd: loaded checkpoint from %q", dir)
	return nil
}

// Save ctx (variables and hyperparameters) as a checkpoint in dir, keeping only the latest one.
func Save(ctx *context.Context, dir string) error {
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "tinysd: creating checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "tinysd: saving checkpoint in %q", dir)
	}
	klog.V(1).Infof("tinysd: saved checkpoint %s", handler)
	return nil
}

// Initialize creates (with random values) all the model variables in ctx, by running each network once on
// zero inputs sized for images of imageSize x imageSize pixels.
// Variables already in ctx are reused.
func (m *Model) Initialize(backend backends.Backend, ctx *context.Context, imageSize int) error {
	cfg := m.Config
	if imageSize%DownsampleFactor != 0 {
		return errors.Errorf("tinysd: image size %d must be a multiple of %d", imageSize, DownsampleFactor)
	}
	latentSize := imageSize / DownsampleFactor
	ctx = ctx.Checked(false)
	err := exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			ids := Zeros(g, shapes.Make(dtypes.Int32, 1, cfg.ContextLength))
			conditioning := m.TextEncoder.Embed(ctx, ids)
			latent := Zeros(g, shapes.Make(cfg.DType, 1, cfg.LatentChannels, latentSize, latentSize))
			noise := m.UNet.PredictNoise(ctx, latent, Scalar(g, cfg.DType, 0), conditioning)
			images := m.Decoder.Decode(ctx, noise)
			return ReduceAllSum(images)
		})
	})
	if err != nil {
		return errors.WithMessagef(err, "tinysd: initializing variables for %dx%d images", imageSize, imageSize)
	}
	return nil
}
