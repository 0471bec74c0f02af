// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guidance

import (
	"math"
	"testing"

	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// mapSource is a crossattn.Source backed by a map.
type mapSource map[crossattn.Key][]*Node

func (s mapSource) Maps(key crossattn.Key) []*Node { return s[key] }

func oneHotHeatmap(size, row, col int) [][]float32 {
	heatmap := make([][]float32, size)
	for r := range heatmap {
		heatmap[r] = make([]float32, size)
	}
	heatmap[row][col] = 1
	return heatmap
}

func TestCentroid(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("one-hot", func(t *testing.T) {
		outputs := MustExecOnceN(backend, func(heatmap *Node) (x, y, degenerate *Node) {
			return Centroid(heatmap, DefaultSharpness)
		}, oneHotHeatmap(16, 2, 5))
		assert.InDelta(t, 5.0, tensors.ToScalar[float32](outputs[0]), 1e-4)
		assert.InDelta(t, 2.0, tensors.ToScalar[float32](outputs[1]), 1e-4)
		assert.False(t, tensors.ToScalar[bool](outputs[2]))
	})

	t.Run("range", func(t *testing.T) {
		outputs := MustExecOnceN(backend, func(g *Graph) (x, y, degenerate *Node) {
			heatmap := Sin(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 16, 16)), 0.37))
			return Centroid(heatmap, DefaultSharpness)
		})
		for _, output := range outputs[:2] {
			v := tensors.ToScalar[float32](output)
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(15))
		}
		assert.False(t, tensors.ToScalar[bool](outputs[2]))
	})

	t.Run("constant", func(t *testing.T) {
		outputs := MustExecOnceN(backend, func(g *Graph) (x, y, degenerate *Node) {
			heatmap := OnesLike(IotaFull(g, shapes.Make(dtypes.Float32, 8, 8)))
			return Centroid(heatmap, DefaultSharpness)
		})
		assert.True(t, tensors.ToScalar[bool](outputs[2]))
		for _, output := range outputs[:2] {
			assert.False(t, math.IsNaN(float64(tensors.ToScalar[float32](output))))
		}
	})
}

func TestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	for _, tc := range []struct {
		axes Axes
		want float32
	}{{AxesX, 3}, {AxesY, 2}, {AxesXY, 5}} {
		cfg.Axes = tc.axes
		got := MustExecOnce(backend, func(x, y *Node) *Node {
			return Loss(x, y, cfg)
		}, float32(7), float32(10))
		assert.InDelta(t, tc.want, tensors.ToScalar[float32](got), 1e-5, "axes=%s", tc.axes)
	}
}

func TestSigma(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, Sigma, []float32{1, 2, 3, 4})
	assert.InDelta(t, math.Sqrt(5.0/3.0), tensors.ToScalar[float32](got), 1e-5)
}

func TestAggregate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numPrompts, numHeads, res, numTokens = 2, 2, 2, 3
	cfg := DefaultConfig()
	cfg.Resolution = res
	cfg.Select = 1

	output := MustExecOnce(backend, func(g *Graph) *Node {
		m := IotaFull(g, shapes.Make(dtypes.Float32, numPrompts, numHeads, res*res, numTokens))
		other := OnesLike(IotaFull(g, shapes.Make(dtypes.Float32, numPrompts, numHeads, 16, numTokens)))
		src := mapSource{
			{Place: crossattn.Up, IsCross: true}:   {m, other},
			{Place: crossattn.Down, IsCross: true}: {other},
		}
		return Aggregate(src, numPrompts, cfg)
	})
	require.Equal(t, []int{res, res, numTokens}, output.Shape().Dimensions)
	// Prompt 1 heads start at offsets 24 and 36: the mean is offset 30.
	flat := tensors.MustCopyFlatData[float32](output)
	for ii, v := range flat {
		assert.Equal(t, float32(30+ii), v, "element %d", ii)
	}

	t.Run("resolution not found", func(t *testing.T) {
		cfg := cfg
		cfg.Resolution = 3
		err := exceptions.TryCatch[error](func() {
			_ = MustExecOnce(backend, func(g *Graph) *Node {
				m := IotaFull(g, shapes.Make(dtypes.Float32, numPrompts, numHeads, res*res, numTokens))
				return Aggregate(mapSource{{Place: crossattn.Up, IsCross: true}: {m}}, numPrompts, cfg)
			})
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrResolutionNotFound), "got %+v", err)
	})
}

func TestInjectGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := DefaultConfig()
	cfg.Resolution = 4
	cfg.TargetX = 0 // Centroid x is always > 0, so the loss is smooth.
	cfg.Strength = 1

	// The heatmap is a smooth function of the latent, the "noise" is a fixed tensor of std 1.29.
	lossFn := func(latent *Node) *Node {
		heatmap := Exp(Mul(latent, latent))
		x, y, _ := Centroid(heatmap, 2.0)
		return Loss(x, y, cfg)
	}
	exec := MustNewExec(backend, func(latent, noise *Node) []*Node {
		loss := lossFn(latent)
		correction, sigma := Inject(loss, latent, noise, cfg.Strength)
		return []*Node{loss, correction, sigma}
	})
	lossExec := MustNewExec(backend, lossFn)

	latent := make([]float64, 16)
	for ii := range latent {
		latent[ii] = 0.1 * math.Cos(float64(ii))
	}
	noise := []float64{1, 2, 3, 4}
	outputs := exec.MustExec(tensors.FromFlatDataAndDimensions(latent, 4, 4), noise)
	sigma := tensors.ToScalar[float64](outputs[2])
	require.InDelta(t, math.Sqrt(5.0/3.0), sigma, 1e-9)
	correction := tensors.MustCopyFlatData[float64](outputs[1])

	const eps = 1e-6
	for _, ii := range []int{0, 5, 10, 15} {
		perturbed := append([]float64(nil), latent...)
		perturbed[ii] += eps
		plus := tensors.ToScalar[float64](lossExec.MustExec(tensors.FromFlatDataAndDimensions(perturbed, 4, 4))[0])
		perturbed[ii] -= 2 * eps
		minus := tensors.ToScalar[float64](lossExec.MustExec(tensors.FromFlatDataAndDimensions(perturbed, 4, 4))[0])
		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric*sigma, correction[ii], 1e-4, "element %d", ii)
	}

	t.Run("unused latent", func(t *testing.T) {
		got := MustExecOnce(backend, func(latent, noise *Node) *Node {
			correction, _ := Inject(ReduceAllSum(noise), latent, noise, DefaultStrength)
			return correction
		}, [][]float32{{1, 2}, {3, 4}}, []float32{1, 2, 3})
		assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, got.Value())
	})
}

func TestResolveToken(t *testing.T) {
	tok := tokenizer.NewDefault()
	idx, err := ResolveToken(tok, "a red ball", "ball", 77)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	_, err = ResolveToken(tok, "a red ball", "cube", 77)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenNotFound))

	// Encoded as [begin, a, red, ball, end]: with 4 positions, "ball" is replaced by the end marker.
	idx, err = ResolveToken(tok, "a red ball", "ball", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	_, err = ResolveToken(tok, "a red ball", "ball", 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenNotFound))
	idx, err = ResolveToken(tok, "a red ball", "red", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	assert.True(t, IsEncoded(4, 5, 8))
	assert.False(t, IsEncoded(8, 5, 8))
	assert.False(t, IsEncoded(3, 5, 4))
}

func TestNewConfig(t *testing.T) {
	ctx := context.New()
	SetDefaultParams(ctx)
	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	ctx.SetParam(ParamFromWhere, []string{"down", "up"})
	ctx.SetParam(ParamAxes, "xy")
	cfg, err = NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, []crossattn.Place{crossattn.Down, crossattn.Up}, cfg.FromWhere)
	assert.Equal(t, AxesXY, cfg.Axes)

	ctx.SetParam(ParamAxes, " YX")
	cfg, err = NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, AxesXY, cfg.Axes)
	assert.Equal(t, []string{"x", "y", "xy"}, AxesStrings())
	assert.Equal(t, "y", AxesY.String())

	ctx.SetParam(ParamAxes, "z")
	_, err = NewConfig(ctx)
	require.Error(t, err)
}
