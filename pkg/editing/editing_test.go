// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package editing

import (
	"testing"

	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordIndices(t *testing.T) {
	tok := tokenizer.NewDefault()
	assert.Equal(t, []int{2}, WordIndices("a red ball", "red", tok))
	assert.Equal(t, []int{3}, WordIndices("a red ball", "ball", tok))
	assert.Empty(t, WordIndices("a red ball", "cube", tok))

	// "balls" is split into "ball" and "##s": both tokens belong to the word.
	assert.Equal(t, []int{3, 4}, WordIndices("the red balls", "balls", tok))
	assert.Equal(t, []int{2}, WordPlaceIndices("a red ball", 1, tok))
}

func TestTimeWordsAlpha(t *testing.T) {
	tok := tokenizer.NewDefault()
	const numSteps = 10
	alpha, err := TimeWordsAlpha([]string{"a", "a red ball"}, numSteps,
		Windows{Words: map[string]Window{"red": Until(0.5)}}, tok, DefaultMaxTokens)
	require.NoError(t, err)
	require.Equal(t, []int{numSteps + 1, 1, 1, 1, DefaultMaxTokens}, alpha.Shape().Dimensions)

	flat := tensors.MustCopyFlatData[float32](alpha)
	redIdx := 2
	for row := range numSteps + 1 {
		want := float32(0)
		if row < 5 {
			want = 1
		}
		assert.Equal(t, want, flat[row*DefaultMaxTokens+redIdx], "row %d, token \"red\"", row)
		// Other tokens use the full default window.
		assert.Equal(t, float32(1), flat[row*DefaultMaxTokens+1], "row %d, token \"a\"", row)
	}
}

func TestTimeWordsAlphaDefaultWindow(t *testing.T) {
	tok := tokenizer.NewDefault()
	alpha, err := TimeWordsAlpha([]string{"a cat", "a dog", "a bird"}, 4, Windows{Default: &Window{Start: 0.2, End: 0.6}}, tok, 8)
	require.NoError(t, err)
	require.Equal(t, []int{5, 2, 1, 1, 8}, alpha.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](alpha)
	// rows [int(0.2*5), int(0.6*5)) = [1, 3)
	for row := range 5 {
		want := float32(0)
		if row >= 1 && row < 3 {
			want = 1
		}
		for target := range 2 {
			for token := range 8 {
				assert.Equal(t, want, flat[(row*2+target)*8+token])
			}
		}
	}
}

func TestTimeWordsAlphaEmptyDefaultWindow(t *testing.T) {
	tok := tokenizer.NewDefault()
	// An explicit empty default window replaces nothing, except the words given their own window.
	alpha, err := TimeWordsAlpha([]string{"a red ball", "a blue ball"}, 4,
		Windows{Default: &Window{}, Words: map[string]Window{"ball": FullWindow}}, tok, 8)
	require.NoError(t, err)
	flat := tensors.MustCopyFlatData[float32](alpha)
	const ballIdx = 3
	for row := range 5 {
		for token := range 8 {
			want := float32(0)
			if token == ballIdx {
				want = 1
			}
			assert.Equal(t, want, flat[row*8+token], "row %d, token %d", row, token)
		}
	}
}

func TestTimeWordsAlphaErrors(t *testing.T) {
	tok := tokenizer.NewDefault()
	_, err := TimeWordsAlpha([]string{"a"}, 10, Windows{}, tok, DefaultMaxTokens)
	require.Error(t, err)
	_, err = TimeWordsAlpha([]string{"a", "b"}, 10, Windows{Words: map[string]Window{"b": {Start: 0.8, End: 0.2}}}, tok, DefaultMaxTokens)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}
