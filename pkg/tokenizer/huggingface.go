// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizer

import (
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HuggingFace adapts a tokenizer downloaded from a HuggingFace Hub repository, adding the begin and end
// markers on Encode.
type HuggingFace struct {
	tok                   api.Tokenizer
	beginID, endID, padID int
}

var (
	_ Tokenizer = (*HuggingFace)(nil)
	_ Padded    = (*HuggingFace)(nil)
)

// LoadHuggingFace downloads (or uses the cached copy of) the tokenizer of the repository, for instance
// "openai/clip-vit-large-patch14".
// authToken may be empty for public repositories.
func LoadHuggingFace(repoID, authToken string) (*HuggingFace, error) {
	repo := hub.New(repoID).WithProgressBar(true)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load tokenizer from HuggingFace repository %q", repoID)
	}
	return NewHuggingFace(tok)
}

// NewHuggingFace wraps an already created HuggingFace tokenizer.
// The tokenizer must define begin and end of sentence special tokens. If it has no padding token, the end
// token is used for padding.
func NewHuggingFace(tok api.Tokenizer) (*HuggingFace, error) {
	h := &HuggingFace{tok: tok}
	var err error
	h.beginID, err = tok.SpecialTokenID(api.TokBeginningOfSentence)
	if err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no begin of sentence token")
	}
	h.endID, err = tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no end of sentence token")
	}
	h.padID, err = tok.SpecialTokenID(api.TokPad)
	if err != nil {
		klog.V(1).Infof("tokenizer has no padding token, padding with the end of sentence token (%d)", h.endID)
		h.padID = h.endID
	}
	return h, nil
}

// Encode implements Tokenizer.
func (h *HuggingFace) Encode(text string) []int {
	encoded := h.tok.Encode(text)
	ids := make([]int, 0, len(encoded)+2)
	ids = append(ids, h.beginID)
	ids = append(ids, encoded...)
	return append(ids, h.endID)
}

// Decode implements Tokenizer.
func (h *HuggingFace) Decode(ids []int) string {
	return h.tok.Decode(ids)
}

// PadID implements Padded.
func (h *HuggingFace) PadID() int { return h.padID }
