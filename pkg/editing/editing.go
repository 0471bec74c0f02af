// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package editing builds the time/word schedules used by prompt-to-prompt attention replacement: for each
// diffusion step, target prompt and token, whether the target prompt uses the source prompt's cross-attention.
package editing

import (
	"strings"

	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultMaxTokens is the default token length of the mask, matching the text encoder context length.
const DefaultMaxTokens = 77

// ErrInvalidWindow is returned for windows outside [0, 1] or with start > end.
var ErrInvalidWindow = errors.New("invalid replacement window")

// Window is a fraction [Start, End) of the diffusion steps.
type Window struct {
	Start, End float64
}

// Until returns the window [0, end).
func Until(end float64) Window { return Window{End: end} }

// FullWindow covers all the steps.
var FullWindow = Window{Start: 0, End: 1}

// Validate the window bounds.
func (w Window) Validate() error {
	if w.Start < 0 || w.End > 1 || w.Start > w.End {
		return errors.Wrapf(ErrInvalidWindow, "window [%g, %g) must satisfy 0 <= start <= end <= 1", w.Start, w.End)
	}
	return nil
}

// rows returns the range of step rows [start, end) the window covers, out of numRows.
func (w Window) rows(numRows int) (start, end int) {
	return int(w.Start * float64(numRows)), int(w.End * float64(numRows))
}

// Windows configures the replacement schedule: Default applies to all tokens, and Words override it for the
// tokens of the given words.
//
// A nil Default means FullWindow.
type Windows struct {
	Default *Window
	Words   map[string]Window
}

// WordIndices returns the indices, in the encoded text (begin marker included), of the tokens of the
// words of text equal to word. The text is split on single spaces.
func WordIndices(text, word string, tok tokenizer.Tokenizer) []int {
	splitText := strings.Split(text, " ")
	var places []int
	for ii, w := range splitText {
		if w == word {
			places = append(places, ii)
		}
	}
	return wordPlacesIndices(splitText, places, tok.Encode(text), tok)
}

// WordPlaceIndices is like WordIndices, but the word is given by its position in the space-split text.
func WordPlaceIndices(text string, place int, tok tokenizer.Tokenizer) []int {
	return wordPlacesIndices(strings.Split(text, " "), []int{place}, tok.Encode(text), tok)
}

func wordPlacesIndices(splitText []string, places []int, encoded []int, tok tokenizer.Tokenizer) []int {
	if len(places) == 0 || len(encoded) < 2 {
		return nil
	}
	isPlace := make(map[int]bool, len(places))
	for _, p := range places {
		isPlace[p] = true
	}
	var indices []int
	curLen, ptr := 0, 0
	for ii, id := range encoded[1 : len(encoded)-1] {
		if ptr >= len(splitText) {
			break
		}
		piece := strings.Trim(tok.Decode([]int{id}), "#")
		curLen += len(piece)
		if isPlace[ptr] {
			indices = append(indices, ii+1)
		}
		if curLen >= len(splitText[ptr]) {
			ptr++
			curLen = 0
		}
	}
	return indices
}

// TimeWordsAlpha builds the replacement mask shaped [numSteps+1, len(prompts)-1, 1, 1, maxTokens] (float32):
// 1 where the target prompt i+1 uses the source prompt's attention for the token at the step, 0 otherwise.
//
// windows.Default applies to all tokens of every target prompt; if it is nil, the full window is used. Each of windows.Words then sets the rows of its window to 1 and the others to 0, for the tokens of the
// word in each target prompt where it appears.
func TimeWordsAlpha(prompts []string, numSteps int, windows Windows, tok tokenizer.Tokenizer, maxTokens int) (*tensors.Tensor, error) {
	if len(prompts) < 2 {
		return nil, errors.Errorf("editing.TimeWordsAlpha needs at least 2 prompts (source and targets), got %d", len(prompts))
	}
	if numSteps < 0 || maxTokens <= 0 {
		return nil, errors.Errorf("editing.TimeWordsAlpha: invalid numSteps=%d or maxTokens=%d", numSteps, maxTokens)
	}
	defaultWindow := FullWindow
	if windows.Default != nil {
		defaultWindow = *windows.Default
	}
	if err := defaultWindow.Validate(); err != nil {
		return nil, errors.WithMessage(err, "default window")
	}

	numRows, numTargets := numSteps+1, len(prompts)-1
	alpha := make([]float32, numRows*numTargets*maxTokens)
	set := func(window Window, target int, tokens []int) {
		start, end := window.rows(numRows)
		for row := range numRows {
			value := float32(0)
			if row >= start && row < end {
				value = 1
			}
			base := (row*numTargets + target) * maxTokens
			for _, token := range tokens {
				if token >= 0 && token < maxTokens {
					alpha[base+token] = value
				}
			}
		}
	}

	allTokens := make([]int, maxTokens)
	for ii := range allTokens {
		allTokens[ii] = ii
	}
	for target := range numTargets {
		set(defaultWindow, target, allTokens)
	}
	for word, window := range windows.Words {
		if err := window.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "window of word %q", word)
		}
		for target := range numTargets {
			if indices := WordIndices(prompts[target+1], word, tok); len(indices) > 0 {
				set(window, target, indices)
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(alpha, numRows, numTargets, 1, 1, maxTokens), nil
}
