// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package viewimages

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/attnguide/pkg/crossattn"
	"github.com/gomlx/attnguide/pkg/guidance"
	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func solid(width, height int, c color.Color) image.Image {
	return imaging.New(width, height, c)
}

func TestGrid(t *testing.T) {
	black := color.NRGBA{A: 255}
	images := []image.Image{solid(10, 10, black), solid(10, 10, black), solid(20, 20, black)}
	grid, err := Grid(images, 1, 0.2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 34, 10), grid.Bounds())
	// Gap between cells is white, the resized third image is black.
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(11, 5))
	assert.Equal(t, black, grid.NRGBAAt(30, 5))

	grid, err = Grid(append(images, solid(10, 10, black)), 2, 0.2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 22, 22), grid.Bounds())

	_, err = Grid(nil, 1, DefaultOffsetRatio)
	require.Error(t, err)
	_, err = Grid(images, 4, DefaultOffsetRatio)
	require.Error(t, err)
}

func TestCaption(t *testing.T) {
	captioned := Caption(solid(40, 10, color.NRGBA{A: 255}), "ball")
	assert.Equal(t, 40, captioned.Bounds().Dx())
	assert.Equal(t, 10+17, captioned.Bounds().Dy())
	var dark int
	for y := 10; y < captioned.Bounds().Dy(); y++ {
		for x := range 40 {
			if captioned.NRGBAAt(x, y).R < 128 {
				dark++
			}
		}
	}
	assert.Greater(t, dark, 0, "caption text must be drawn")
}

func TestMarkCentroid(t *testing.T) {
	img := solid(64, 64, color.NRGBA{A: 255})
	marked := MarkCentroid(img, 3, 5, 16)
	assert.Equal(t, CentroidColor, marked.NRGBAAt(14, 22))
	assert.Equal(t, color.NRGBA{A: 255}, marked.NRGBAAt(40, 40))
	// Original is not modified.
	assert.Equal(t, uint32(0), func() uint32 { r, _, _, _ := img.At(14, 22).RGBA(); return r }())
}

func TestHeatmap(t *testing.T) {
	heatmap := Heatmap([][]float32{{0, 1}, {0.5, 0}}, 2)
	gray, ok := heatmap.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, []uint8{0, 255, 128, 0}, gray.Pix)

	resized := Heatmap([][]float32{{0, 1}, {0.5, 0}}, 4)
	assert.Equal(t, image.Rect(0, 0, 4, 4), resized.Bounds())
	r, _, _, _ := resized.At(3, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestFromTensorAndSave(t *testing.T) {
	pixels := make([]uint8, 2*2*3)
	pixels[0] = 255
	images, err := FromTensor(tensors.FromFlatDataAndDimensions(pixels, 1, 2, 2, 3))
	require.NoError(t, err)
	require.Len(t, images, 1)
	r, g, _, _ := images[0].At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), g)

	_, err = FromTensor(tensors.FromFlatDataAndDimensions(make([]uint8, 8), 1, 2, 2, 2))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, SavePNG(images[0], path))
	loaded, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, images[0].Bounds(), loaded.Bounds())

	html, err := ToHTML(images)
	require.NoError(t, err)
	assert.True(t, strings.Contains(html, `<img src="data:image/png;base64,`), html)
}

func TestCrossAttention(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tok := tokenizer.NewDefault()
	labels := TokenLabels(tok, "a red ball")
	assert.Equal(t, []string{"<|startoftext|>", "a", "red", "ball", "<|endoftext|>"}, labels)

	// 1 prompt, 2 heads, 2x2 queries, 3 tokens: head 0 attends to token 1, head 1 to token 2.
	const numTokens = 3
	values := make([]float32, 2*4*numTokens)
	for q := range 4 {
		values[(0*4+q)*numTokens+1] = 1
		values[(1*4+q)*numTokens+2] = float32(q)
	}
	avg := crossattn.NewAverage()
	upCross := crossattn.Key{Place: crossattn.Up, IsCross: true}
	for range 2 {
		require.NoError(t, avg.Add([]crossattn.Key{upCross},
			[]*tensors.Tensor{tensors.FromFlatDataAndDimensions(values, 1, 2, 4, numTokens)}))
	}
	cfg := guidance.DefaultConfig()
	cfg.Resolution = 2
	aggregated, err := AggregateAverage(backend, avg, 1, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, numTokens}, aggregated.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](aggregated)
	for q := range 4 {
		assert.InDelta(t, 0.5, flat[q*numTokens+1], 1e-6)
		assert.InDelta(t, float64(q)/2, flat[q*numTokens+2], 1e-6)
	}

	heatmaps, err := CrossAttention(backend, avg, 1, cfg, labels[:numTokens], 16)
	require.NoError(t, err)
	require.Len(t, heatmaps, numTokens)
	assert.Equal(t, 16, heatmaps[0].Bounds().Dx())

	cfg.Resolution = 16
	_, err = AggregateAverage(backend, avg, 1, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, guidance.ErrResolutionNotFound), "got %+v", err)

	_, err = AggregateAverage(backend, crossattn.NewAverage(), 1, cfg)
	require.Error(t, err)
}
