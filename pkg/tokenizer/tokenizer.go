// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizer defines the prompt tokenizer used by the text encoders, with a small self-contained
// WordPiece implementation and an adapter for HuggingFace tokenizers.
package tokenizer

// Tokenizer converts prompts to token ids and back.
//
// Encode returns the ids wrapped with the begin and end markers, so encoded[1:len-1] are the prompt tokens.
// Decode of a single id returns its text piece: continuation pieces may carry a "#" prefix.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// Padded is implemented by tokenizers that know their padding token.
type Padded interface {
	PadID() int
}

// EncodePadded encodes text and pads (or truncates) it to length.
// When truncating, the last id (the end marker) is preserved.
func EncodePadded(tok Tokenizer, text string, length int) []int {
	padID := 0
	if p, ok := tok.(Padded); ok {
		padID = p.PadID()
	}
	return Pad(tok.Encode(text), length, padID)
}

// Pad ids to length with padID. If ids is longer, it is truncated keeping its last element.
func Pad(ids []int, length, padID int) []int {
	if len(ids) > length {
		if length <= 0 {
			return nil
		}
		truncated := append([]int(nil), ids[:length-1]...)
		return append(truncated, ids[len(ids)-1])
	}
	padded := make([]int, length)
	copy(padded, ids)
	for ii := len(ids); ii < length; ii++ {
		padded[ii] = padID
	}
	return padded
}
