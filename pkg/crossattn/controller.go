// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Controller observes and optionally modifies attention coefficients during graph building, and is notified
// once per diffusion step with the updated latents.
//
// Attention is called with the normalized coefficients shaped [batch, heads, queries, keys] of each attention
// unit as it is built, and it must return a node with the same shape. Returning the input unchanged is a
// pass-through.
//
// Step is called after the scheduler update, with the new latents. It may return a modified latent tensor,
// or the given one.
type Controller interface {
	Attention(coefficients *Node, isCross bool, place Place) *Node
	Step(latents *tensors.Tensor) (*tensors.Tensor, error)
}

// LayerCounter is optionally implemented by controllers that want to know how many attention units were
// registered, see Register.
type LayerCounter interface {
	SetNumLayers(n int)
}

// Counter is a pass-through Controller that only counts attention layers and calls.
// It is installed by Register when no controller is given.
type Counter struct {
	NumLayers int

	// Calls counts calls to Attention (one per unit per graph built), and Steps calls to Step.
	Calls, Steps int
}

var (
	_ Controller   = (*Counter)(nil)
	_ LayerCounter = (*Counter)(nil)
)

// Attention implements Controller.
func (c *Counter) Attention(coefficients *Node, _ bool, _ Place) *Node {
	c.Calls++
	return coefficients
}

// Step implements Controller.
func (c *Counter) Step(latents *tensors.Tensor) (*tensors.Tensor, error) {
	c.Steps++
	return latents, nil
}

// SetNumLayers implements LayerCounter.
func (c *Counter) SetNumLayers(n int) { c.NumLayers = n }

// chain of controllers, see Chain.
type chain []Controller

// Chain returns a controller that calls each of the given controllers in order: the coefficients returned by
// one are passed to the next one, and the same for the latents on Step. Nil controllers are skipped.
func Chain(controllers ...Controller) Controller {
	c := make(chain, 0, len(controllers))
	for _, controller := range controllers {
		if controller != nil {
			c = append(c, controller)
		}
	}
	return c
}

// Attention implements Controller.
func (c chain) Attention(coefficients *Node, isCross bool, place Place) *Node {
	for _, controller := range c {
		coefficients = controller.Attention(coefficients, isCross, place)
	}
	return coefficients
}

// Step implements Controller.
func (c chain) Step(latents *tensors.Tensor) (*tensors.Tensor, error) {
	var err error
	for _, controller := range c {
		latents, err = controller.Step(latents)
		if err != nil {
			return nil, err
		}
	}
	return latents, nil
}

// SetNumLayers implements LayerCounter, forwarding to the chained controllers that implement it.
func (c chain) SetNumLayers(n int) {
	for _, controller := range c {
		if lc, ok := controller.(LayerCounter); ok {
			lc.SetNumLayers(n)
		}
	}
}
