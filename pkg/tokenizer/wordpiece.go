// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Special tokens of WordPiece vocabularies.
const (
	PadToken     = "<|pad|>"
	BeginToken   = "<|startoftext|>"
	EndToken     = "<|endoftext|>"
	UnknownToken = "<|unk|>"

	// ContinuationPrefix marks pieces that continue a word.
	ContinuationPrefix = "##"
)

// WordPiece is a greedy longest-match-first sub-word tokenizer.
//
// Text is lower-cased and split on white space and punctuation; each word is then split into the longest
// vocabulary pieces, the first one being a word start and the following ones continuation pieces
// (prefixed with "##" in the vocabulary). Characters not covered by the vocabulary map to the unknown token.
type WordPiece struct {
	pieces      []string
	ids         map[string]int
	maxPieceLen int

	padID, beginID, endID, unknownID int
}

var (
	_ Tokenizer = (*WordPiece)(nil)
	_ Padded    = (*WordPiece)(nil)
)

// NewWordPiece creates a tokenizer for the given vocabulary: the id of a piece is its index.
// The vocabulary must include the special tokens PadToken, BeginToken, EndToken and UnknownToken.
func NewWordPiece(vocabulary []string) (*WordPiece, error) {
	wp := &WordPiece{
		pieces: vocabulary,
		ids:    make(map[string]int, len(vocabulary)),
	}
	for id, piece := range vocabulary {
		if piece == "" {
			return nil, errors.Errorf("tokenizer.NewWordPiece: empty piece at id %d", id)
		}
		if prevID, found := wp.ids[piece]; found {
			return nil, errors.Errorf("tokenizer.NewWordPiece: piece %q duplicated at ids %d and %d", piece, prevID, id)
		}
		wp.ids[piece] = id
		wp.maxPieceLen = max(wp.maxPieceLen, len(strings.TrimPrefix(piece, ContinuationPrefix)))
	}
	for _, special := range []struct {
		token string
		id    *int
	}{{PadToken, &wp.padID}, {BeginToken, &wp.beginID}, {EndToken, &wp.endID}, {UnknownToken, &wp.unknownID}} {
		id, found := wp.ids[special.token]
		if !found {
			return nil, errors.Errorf("tokenizer.NewWordPiece: vocabulary is missing special token %q", special.token)
		}
		*special.id = id
	}
	return wp, nil
}

// VocabSize returns the number of pieces in the vocabulary.
func (wp *WordPiece) VocabSize() int { return len(wp.pieces) }

// PadID implements Padded.
func (wp *WordPiece) PadID() int { return wp.padID }

// BeginID returns the id of the begin marker.
func (wp *WordPiece) BeginID() int { return wp.beginID }

// EndID returns the id of the end marker.
func (wp *WordPiece) EndID() int { return wp.endID }

// Encode implements Tokenizer.
func (wp *WordPiece) Encode(text string) []int {
	ids := []int{wp.beginID}
	for _, word := range splitWords(text) {
		ids = wp.encodeWord(word, ids)
	}
	return append(ids, wp.endID)
}

func (wp *WordPiece) encodeWord(word string, ids []int) []int {
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := min(len(runes), start+wp.maxPieceLen)
		found := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = ContinuationPrefix + piece
			}
			if id, ok := wp.ids[piece]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			ids = append(ids, wp.unknownID)
			start++
			continue
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// Decode implements Tokenizer. Continuation pieces are glued to the previous piece, except when decoding a
// single id, where the piece is returned as is. Padding is dropped.
func (wp *WordPiece) Decode(ids []int) string {
	if len(ids) == 1 {
		return wp.piece(ids[0])
	}
	var sb strings.Builder
	for _, id := range ids {
		if id == wp.padID {
			continue
		}
		piece := wp.piece(id)
		if rest, isContinuation := strings.CutPrefix(piece, ContinuationPrefix); isContinuation && sb.Len() > 0 {
			sb.WriteString(rest)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(piece)
	}
	return sb.String()
}

func (wp *WordPiece) piece(id int) string {
	if id < 0 || id >= len(wp.pieces) {
		return UnknownToken
	}
	return wp.pieces[id]
}

// splitWords lower-cases text and splits it on white space, making each punctuation character its own word.
func splitWords(text string) []string {
	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current = append(current, r)
		}
	}
	flush()
	return words
}

// DefaultWords is the word list of DefaultVocabulary.
var DefaultWords = []string{
	"a", "an", "the", "of", "on", "in", "at", "and", "with", "to", "is",
	"photo", "picture", "painting", "drawing", "image",
	"red", "blue", "green", "yellow", "white", "black", "orange", "brown", "pink", "purple",
	"big", "small", "round", "shiny", "wooden",
	"ball", "cat", "dog", "squirrel", "bird", "car", "tree", "house", "flower", "apple", "burger",
	"cake", "lion", "horse", "boat", "bicycle", "table", "chair", "bowl", "cup",
	"grass", "field", "beach", "sky", "road", "street", "forest", "river", "mountain", "room", "kitchen",
	"eating", "playing", "sitting", "running", "standing", "lying", "near", "under", "over", "next",
}

// DefaultVocabulary returns a small vocabulary with the special tokens, the DefaultWords, single letters
// and digits, and their continuation pieces, so any latin text can be encoded.
func DefaultVocabulary() []string {
	vocab := []string{PadToken, BeginToken, EndToken, UnknownToken}
	vocab = append(vocab, DefaultWords...)
	seen := make(map[string]bool, len(vocab))
	for _, piece := range vocab {
		seen[piece] = true
	}
	for _, r := range "abcdefghijklmnopqrstuvwxyz0123456789" {
		if !seen[string(r)] {
			vocab = append(vocab, string(r))
		}
	}
	for _, r := range "abcdefghijklmnopqrstuvwxyz0123456789" {
		vocab = append(vocab, ContinuationPrefix+string(r))
	}
	for _, suffix := range []string{"es", "ed", "ing", "er", "ly"} {
		vocab = append(vocab, ContinuationPrefix+suffix)
	}
	for _, r := range ".,;:!?'\"-" {
		vocab = append(vocab, string(r))
	}
	return vocab
}

// NewDefault returns a WordPiece tokenizer over DefaultVocabulary.
func NewDefault() *WordPiece {
	wp, err := NewWordPiece(DefaultVocabulary())
	if err != nil {
		panic(err)
	}
	return wp
}
