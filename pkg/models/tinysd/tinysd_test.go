// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinysd

import (
	"testing"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testConfig is a very small model whose up-block attention maps are 16x16 for 128x128 images.
func testConfig(t *testing.T) (*context.Context, Config) {
	ctx := context.New()
	SetDefaultParams(ctx)
	ctx.SetParams(map[string]any{
		ParamPatchSize:      1,
		ParamModelDim:       16,
		ParamEmbedDim:       16,
		ParamNumHeads:       2,
		ParamHeadDim:        8,
		ParamLayersPerBlock: 1,
		ParamDecoderDim:     16,
	})
	ctx.SetParam(diffusion.ParamContextLength, 8)
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	return ctx, cfg
}

func TestConfig(t *testing.T) {
	ctx := context.New()
	SetDefaultParams(ctx)
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, cfg.DType)
	assert.Equal(t, 4, cfg.LatentChannels)
	assert.Equal(t, diffusion.DefaultContextLength, cfg.ContextLength)

	ctx.SetParam(ParamModelDim, 0)
	_, err = NewConfig(ctx)
	require.Error(t, err)

	ctx.SetParam(ParamModelDim, 64)
	ctx.SetParam(ParamDType, "int32")
	_, err = NewConfig(ctx)
	require.Error(t, err)

	assert.Equal(t, 4, PatchSizeFor(64, 16))
	assert.Equal(t, 2, PatchSizeFor(32, 16))
	assert.Equal(t, 0, PatchSizeFor(20, 16))
}

func TestSpaceToDepth(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := MustExecOnceN(backend, func(g *Graph) (folded, restored, original *Node) {
		original = IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 6, 3))
		folded = spaceToDepth(original, 2)
		restored = depthToSpace(folded, 2)
		return
	})
	assert.Equal(t, []int{2, 2, 3, 12}, outputs[0].Shape().Dimensions)
	assert.Equal(t, tensors.MustCopyFlatData[float32](outputs[2]), tensors.MustCopyFlatData[float32](outputs[1]))
	// First folded pixel holds the 2x2 top-left block: (0,0), (0,1), (1,0), (1,1), 3 channels each.
	folded := tensors.MustCopyFlatData[float32](outputs[0])
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 18, 19, 20, 21, 22, 23}, folded[:12])
}

func TestSinusoidalEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	embed := MustExecOnce(backend, func(g *Graph) *Node {
		return SinusoidalEmbedding(Scalar(g, dtypes.Float32, 0), 8)
	})
	assert.Equal(t, []int{1, 8}, embed.Shape().Dimensions)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 1, 1, 1}, tensors.MustCopyFlatData[float32](embed))
}

func TestModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testConfig(t)
	tok := tokenizer.NewDefault()
	model := New(cfg, tok.VocabSize())

	// 5 blocks with 1 layer each, with one self- and one cross-attention per layer.
	store := crossattn.NewStore()
	require.Equal(t, 10, crossattn.Register(model.UNet, store))
	assert.Equal(t, 10, store.NumLayers())

	outputs := context.MustExecOnceN(backend, ctx.Checked(false), func(ctx *context.Context, g *Graph) []*Node {
		store.BeginStep(false)
		store.BeginPass(true)
		ids := Zeros(g, shapes.Make(dtypes.Int32, 2, cfg.ContextLength))
		conditioning := model.TextEncoder.Embed(ctx, ids)
		latent := Ones(g, shapes.Make(dtypes.Float32, 2, cfg.LatentChannels, 16, 16))
		noise := model.UNet.PredictNoise(ctx, latent, Scalar(g, dtypes.Float32, 981), conditioning)
		images := model.Decoder.Decode(ctx, noise)
		upCross := store.Maps(crossattn.Key{Place: crossattn.Up, IsCross: true})
		return []*Node{conditioning, noise, images, upCross[0], ReduceAllMax(Abs(images))}
	})
	assert.Equal(t, []int{2, cfg.ContextLength, cfg.EmbedDim}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, cfg.LatentChannels, 16, 16}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 16 * DownsampleFactor, 16 * DownsampleFactor}, outputs[2].Shape().Dimensions)
	// Up block maps: the first registered is at half resolution (8x8 queries), the second at full resolution.
	assert.Equal(t, []int{2, cfg.NumHeads, 8 * 8, cfg.ContextLength}, outputs[3].Shape().Dimensions)
	assert.LessOrEqual(t, tensors.ToScalar[float32](outputs[4]), float32(1))
	assert.Equal(t, 10, store.NumCalls())
}

func TestSaveLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testConfig(t)
	tok := tokenizer.NewDefault()
	model := New(cfg, tok.VocabSize())
	require.NoError(t, model.Initialize(backend, ctx, 64))
	require.Greater(t, ctx.NumVariables(), 0)
	require.Error(t, model.Initialize(backend, ctx, 60))

	dir := t.TempDir()
	require.NoError(t, Save(ctx, dir))

	loaded := context.New()
	require.NoError(t, Load(loaded, dir))
	loadedCfg, err := NewConfig(loaded)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)

	for v := range ctx.IterVariables() {
		other := loaded.GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNilf(t, other, "variable %s not loaded", v.ScopeAndName())
		if v.DType() != dtypes.Float32 {
			continue
		}
		assert.Equal(t, tensors.MustCopyFlatData[float32](v.MustValue()),
			tensors.MustCopyFlatData[float32](other.MustValue()), "variable %s", v.ScopeAndName())
	}

	require.Error(t, Load(context.New(), t.TempDir()))
}

func TestGenerateFloat64(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, _ := testConfig(t)
	diffusion.SetDefaultParams(ctx)
	ctx.SetParams(map[string]any{
		ParamDType:                   "float64",
		diffusion.ParamVariant:       "ldm",
		diffusion.ParamImageSize:     128,
		diffusion.ParamNumSteps:      1,
		diffusion.ParamContextLength: 8,
	})
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float64, cfg.DType)
	genCfg, err := diffusion.NewConfig(ctx)
	require.NoError(t, err)

	tok := tokenizer.NewDefault()
	model := New(cfg, tok.VocabSize())
	require.NoError(t, model.Initialize(backend, ctx, 128))
	pipeline := model.Pipeline(backend, tok)
	assert.Equal(t, dtypes.Float64, pipeline.LatentDType())
	gen, err := diffusion.NewGenerator(backend, ctx, pipeline, genCfg)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, gen.LatentShape().DType)
	result, err := gen.Generate([]string{"a red ball"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, result.Latent.DType())
	assert.Equal(t, []int{1, 128, 128, 3}, result.Images.Shape().Dimensions)
	require.Len(t, result.Trace, 1)
	assert.Greater(t, result.Trace[0].Sigma, 0.0)
}

func TestGenerate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full generation in short mode")
	}
	backend := graphtest.BuildTestBackend()
	ctx, _ := testConfig(t)
	diffusion.SetDefaultParams(ctx)
	ctx.SetParams(map[string]any{
		diffusion.ParamNumSteps:      2,
		diffusion.ParamContextLength: 8,
		ParamPatchSize:               PatchSizeFor(512/DownsampleFactor, 16),
	})
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.PatchSize)
	genCfg, err := diffusion.NewConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, diffusion.Stable, genCfg.Variant)

	tok := tokenizer.NewDefault()
	model := New(cfg, tok.VocabSize())
	gen, err := diffusion.NewGenerator(backend, ctx, model.Pipeline(backend, tok), genCfg)
	require.NoError(t, err)
	result, err := gen.Generate([]string{"a red ball"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 512, 512, 3}, result.Images.Shape().Dimensions)
	assert.Equal(t, dtypes.Uint8, result.Images.DType())
	require.Len(t, result.Trace, 2)
	assert.Equal(t, 501, result.Trace[0].Timestep)
	assert.Equal(t, 1, result.Trace[1].Timestep)
}
