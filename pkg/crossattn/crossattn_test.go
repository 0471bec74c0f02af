// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import (
	"testing"

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

func TestKeyAndPlace(t *testing.T) {
	assert.Equal(t, "up_cross", Key{Place: Up, IsCross: true}.String())
	assert.Equal(t, "down_self", Key{Place: Down}.String())
	assert.Len(t, AllKeys(), 6)

	places, err := ParsePlaces([]string{"Down", " mid", "up"})
	require.NoError(t, err)
	assert.Equal(t, []Place{Down, Mid, Up}, places)
	_, err = ParsePlace("sideways")
	require.Error(t, err)

	assert.Equal(t, []string{"down", "mid", "up"}, PlaceStrings())
	assert.Equal(t, "Place(7)", Place(7).String())
	var p Place
	require.NoError(t, p.UnmarshalText([]byte("MID")))
	assert.Equal(t, Mid, p)
}

func TestRegister(t *testing.T) {
	units := make([]*CrossAttention, 6)
	for ii := range units {
		units[ii] = NewCrossAttention("attn", 2, 4)
	}
	root := Group{
		&Block{Location: Down, Modules: []Module{units[0], units[1]}},
		&Block{Location: Mid, Modules: []Module{units[2]}},
		&Block{Location: Up, Modules: []Module{Group{units[3], Group{units[4]}}}},
		units[5], // Outside any placed block.
	}

	t.Run("nil controller", func(t *testing.T) {
		n := Register(root, nil)
		assert.Equal(t, 5, n)
		counter, ok := units[0].Controller().(*Counter)
		require.True(t, ok)
		assert.Equal(t, 5, counter.NumLayers)
		assert.Nil(t, units[5].Controller())
	})

	t.Run("store", func(t *testing.T) {
		store := NewStore()
		n := Register(root, store)
		assert.Equal(t, 5, n)
		assert.Equal(t, 5, store.NumLayers())
		wantPlaces := []Place{Down, Down, Mid, Up, Up}
		for ii, want := range wantPlaces {
			assert.Equal(t, want, units[ii].Place(), "unit #%d", ii)
			assert.Same(t, store, units[ii].Controller())
		}
	})
}

func TestCrossAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const batchSize, numQueries, numKeys, dim, contextDim = 4, 16, 7, 8, 6
	unit := NewCrossAttention("xattn", 3, 5)
	store := NewStore()
	Register(&Block{Location: Up, Modules: []Module{unit}}, store)

	var recordedShape shapes.Shape
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		store.BeginStep(true)
		x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, batchSize, numQueries, dim)), 0.01)
		c := Cos(IotaFull(g, shapes.Make(dtypes.Float32, batchSize, numKeys, contextDim)))
		y := unit.Apply(ctx, x, c, nil)
		maps := store.Maps(Key{Place: Up, IsCross: true})
		require.Len(t, maps, 1)
		assert.Empty(t, store.Maps(Key{Place: Up}))
		recordedShape = maps[0].Shape()
		// Coefficients sum to 1 over the keys axis.
		return []*Node{y, ReduceSum(maps[0], -1)}
	})
	assert.Equal(t, []int{batchSize, numQueries, dim}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{batchSize / 2, 3, numQueries, numKeys}, recordedShape.Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
		assert.InDelta(t, 1.0, v, 1e-5)
	}
}

func TestStoreFiltering(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	small := NewCrossAttention("small", 2, 4)
	large := NewCrossAttention("large", 2, 4)
	self := NewCrossAttention("self", 2, 4)
	store := NewStore()
	store.MaxQueries = 16
	Register(Group{
		&Block{Location: Down, Modules: []Module{small, self}},
		&Block{Location: Up, Modules: []Module{large}},
	}, store)

	_ = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		store.BeginStep(false)
		c := OnesLike(IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 3)))
		xSmall := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 16, 4)), 0.1)
		xLarge := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 64, 4)), 0.1)

		// Unconditional pass: nothing recorded.
		store.BeginPass(false)
		y0 := small.Apply(ctx, xSmall, c, nil)
		assert.Equal(t, 0, store.NumRecorded())

		store.BeginPass(true)
		y1 := small.Apply(ctx.Reuse(), xSmall, c, nil)
		y2 := self.Apply(ctx, xSmall, nil, nil)
		y3 := large.Apply(ctx, xLarge, c, nil)
		assert.Equal(t, 4, store.NumCalls())
		assert.Equal(t, 2, store.NumRecorded())
		assert.Equal(t, []Key{{Place: Down}, {Place: Down, IsCross: true}}, store.Keys())
		keys, maps := store.Outputs()
		assert.Len(t, keys, 2)
		assert.Equal(t, []int{2, 2, 16, 16}, maps[0].Shape().Dimensions)
		assert.Equal(t, []int{2, 2, 16, 5}, maps[1].Shape().Dimensions)
		return []*Node{y0, y1, y2, y3}
	})

	// A new step starts empty.
	store.BeginStep(false)
	assert.Equal(t, 0, store.NumRecorded())
}

func TestChain(t *testing.T) {
	counter := &Counter{}
	store := NewStore()
	c := Chain(store, nil, counter)
	n := Register(&Block{Location: Mid, Modules: []Module{NewCrossAttention("a", 1, 2)}}, c)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, counter.NumLayers)
	assert.Equal(t, 1, store.NumLayers())

	latents := tensors.FromValue([]float32{1, 2})
	got, err := c.Step(latents)
	require.NoError(t, err)
	assert.Same(t, latents, got)
	assert.Equal(t, 1, counter.Steps)
}

func TestAverage(t *testing.T) {
	avg := NewAverage()
	keys := []Key{{Place: Up, IsCross: true}, {Place: Up, IsCross: true}}
	require.NoError(t, avg.Add(keys, []*tensors.Tensor{
		tensors.FromValue([][]float32{{1, 2}}),
		tensors.FromValue([]float32{0, 0, 4}),
	}))
	require.NoError(t, avg.Add(keys, []*tensors.Tensor{
		tensors.FromValue([][]float32{{3, 4}}),
		tensors.FromValue([]float32{2, 2, 0}),
	}))
	assert.Equal(t, 2, avg.NumSteps())
	maps := avg.Maps()
	require.Len(t, maps[keys[0]], 2)
	assert.Equal(t, [][]float32{{2, 3}}, maps[keys[0]][0].Value())
	assert.Equal(t, []float32{1, 1, 2}, maps[keys[0]][1].Value())

	// Mismatched layout.
	require.Error(t, avg.Add(keys[:1], []*tensors.Tensor{tensors.FromValue([]float32{1})}))
	avg.Reset()
	assert.Nil(t, avg.Maps())
}
