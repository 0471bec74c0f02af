// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guidance

import (
	"strings"

	"github.com/gomlx/attnguide/pkg/tokenizer"
	"github.com/pkg/errors"
)

// ResolveToken returns the index, in the encoded prompt (begin marker included), of the first token that
// decodes to word, ignoring spaces.
//
// contextLength is the length prompts are padded or truncated to (see tokenizer.EncodePadded): tokens
// truncated away are not seen by the text encoder and can't be guided.
//
// It returns a wrapped ErrTokenNotFound if no token matches, or if the matching token is truncated away.
func ResolveToken(tok tokenizer.Tokenizer, prompt, word string, contextLength int) (int, error) {
	word = strings.ReplaceAll(word, " ", "")
	encoded := tok.Encode(prompt)
	for ii, id := range encoded {
		if strings.ReplaceAll(tok.Decode([]int{id}), " ", "") != word {
			continue
		}
		if !IsEncoded(ii, len(encoded), contextLength) {
			return 0, errors.Wrapf(ErrTokenNotFound, "word %q is token %d of prompt %q, beyond the context length %d",
				word, ii, prompt, contextLength)
		}
		return ii, nil
	}
	return 0, errors.Wrapf(ErrTokenNotFound, "word %q in prompt %q", word, prompt)
}

// IsEncoded returns whether the token at index, out of numTokens, is kept when the encoding is padded or
// truncated to contextLength. Truncation keeps the end marker in the last position.
func IsEncoded(index, numTokens, contextLength int) bool {
	if numTokens <= contextLength {
		return index < contextLength
	}
	return index < contextLength-1
}
