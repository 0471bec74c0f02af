// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// CrossAttention is a multi-head attention unit that routes its normalized coefficients through a Controller.
//
// When applied with a nil context it works as self-attention over its input.
// Without a controller (see Register) the coefficients are used as computed.
type CrossAttention struct {
	// Scope is the context scope of the unit's variables.
	Scope string

	NumHeads, HeadDim int

	controller Controller
	place      Place
}

var _ Unit = (*CrossAttention)(nil)

// NewCrossAttention creates an attention unit whose variables live under the given context scope.
func NewCrossAttention(scope string, numHeads, headDim int) *CrossAttention {
	if numHeads <= 0 || headDim <= 0 {
		exceptions.Panicf("crossattn.NewCrossAttention(%q): numHeads (%d) and headDim (%d) must be > 0", scope, numHeads, headDim)
	}
	return &CrossAttention{Scope: scope, NumHeads: numHeads, HeadDim: headDim}
}

// Children implements Module. CrossAttention is a leaf.
func (a *CrossAttention) Children() []Module { return nil }

// SetController implements Unit.
func (a *CrossAttention) SetController(controller Controller, place Place) {
	a.controller = controller
	a.place = place
}

// Controller returns the installed controller, or nil.
func (a *CrossAttention) Controller() Controller { return a.controller }

// Place where the unit was registered. Only meaningful after Register.
func (a *CrossAttention) Place() Place { return a.place }

// Apply the attention unit to x shaped [batch, queries, dim].
//
// contextEmbed, if not nil, is shaped [batch, keys, contextDim] and makes this a cross-attention.
// mask, if not nil, is a boolean shaped [batch, keys]: false keys are excluded from attention.
//
// It returns a node shaped like x.
func (a *CrossAttention) Apply(ctx *context.Context, x, contextEmbed, mask *Node) *Node {
	ctx = ctx.In(a.Scope)
	if x.Rank() != 3 {
		exceptions.Panicf("CrossAttention(%q): input must be shaped [batch, queries, dim], got %s", a.Scope, x.Shape())
	}
	isCross := contextEmbed != nil
	if !isCross {
		contextEmbed = x
	}
	batchSize, dim := x.Shape().Dim(0), x.Shape().Dim(-1)
	if contextEmbed.Rank() != 3 || contextEmbed.Shape().Dim(0) != batchSize {
		exceptions.Panicf("CrossAttention(%q): context must be shaped [batch=%d, keys, contextDim], got %s",
			a.Scope, batchSize, contextEmbed.Shape())
	}
	numQueries, numKeys := x.Shape().Dim(1), contextEmbed.Shape().Dim(1)

	query := layers.Dense(ctx.In("to_q"), x, false, a.NumHeads, a.HeadDim)
	key := layers.Dense(ctx.In("to_k"), contextEmbed, false, a.NumHeads, a.HeadDim)
	value := layers.Dense(ctx.In("to_v"), contextEmbed, false, a.NumHeads, a.HeadDim)

	// scores: [batch, heads, queries, keys]
	scores := Einsum("bqhd,bkhd->bhqk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(a.HeadDim)))
	var coefficients *Node
	if mask != nil {
		if mask.DType() != dtypes.Bool || mask.Rank() != 2 || mask.Shape().Dim(1) != numKeys {
			exceptions.Panicf("CrossAttention(%q): mask must be a boolean shaped [batch, keys=%d], got %s",
				a.Scope, numKeys, mask.Shape())
		}
		mask = Reshape(mask, batchSize, 1, 1, numKeys)
		mask = BroadcastToShape(mask, scores.Shape())
		coefficients = MaskedSoftmax(scores, mask, -1)
	} else {
		coefficients = Softmax(scores, -1)
	}

	if a.controller != nil {
		coefficients = a.controller.Attention(coefficients, isCross, a.place)
	}

	output := Einsum("bhqk,bkhd->bqhd", coefficients, value)
	output = Reshape(output, batchSize, numQueries, a.NumHeads*a.HeadDim)
	return layers.Dense(ctx.In("to_out"), output, true, dim)
}
