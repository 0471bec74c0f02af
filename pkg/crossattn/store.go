// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// DefaultMaxQueries is the largest number of queries (spatial positions) of an attention map the Store records.
// Larger maps, from high resolution layers, are skipped to save memory.
const DefaultMaxQueries = 32 * 32

// Source of recorded attention maps, grouped by Key. Store implements it.
type Source interface {
	// Maps returns the recorded maps for the key, in layer order, each shaped [batch, heads, queries, keys].
	Maps(key Key) []*Node
}

// Store is a Controller that records the attention coefficients of the conditional part of the batch, for the
// current diffusion step only.
//
// The maps are graph nodes of the graph being built: BeginStep must be called at the start of the graph
// building function of each step, and the recorded maps are only valid while building that graph.
//
// Store returns the coefficients unchanged.
type Store struct {
	// MaxQueries is the largest query axis dimension recorded. Defaults to DefaultMaxQueries.
	MaxQueries int

	numLayers   int
	split       bool
	conditional bool
	numCalls    int
	maps        map[Key][]*Node
}

var (
	_ Controller   = (*Store)(nil)
	_ LayerCounter = (*Store)(nil)
	_ Source       = (*Store)(nil)
)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		MaxQueries:  DefaultMaxQueries,
		conditional: true,
		maps:        make(map[Key][]*Node),
	}
}

// BeginStep discards every map recorded so far.
//
// If split is true the network runs on a doubled batch, with the unconditional half first, and only the
// second (conditional) half of each map is recorded. Otherwise, the whole batch is recorded, subject to
// BeginPass.
func (s *Store) BeginStep(split bool) {
	s.maps = make(map[Key][]*Node)
	s.split = split
	s.conditional = true
	s.numCalls = 0
}

// BeginPass marks whether the network pass about to be built is the conditional one. Maps of unconditional
// passes are not recorded. Used when the unconditional and conditional network evaluations are separate.
func (s *Store) BeginPass(conditional bool) {
	s.conditional = conditional
}

// Attention implements Controller.
func (s *Store) Attention(coefficients *Node, isCross bool, place Place) *Node {
	s.numCalls++
	if !s.conditional {
		return coefficients
	}
	if coefficients.Rank() != 4 {
		exceptions.Panicf("crossattn.Store: attention coefficients must be shaped [batch, heads, queries, keys], got %s",
			coefficients.Shape())
	}
	if coefficients.Shape().Dim(2) > s.MaxQueries {
		return coefficients
	}
	recorded := coefficients
	if s.split {
		batchSize := coefficients.Shape().Dim(0)
		if batchSize%2 != 0 {
			exceptions.Panicf("crossattn.Store: split batch must have an even size, got coefficients shaped %s",
				coefficients.Shape())
		}
		recorded = Slice(coefficients, AxisRange(batchSize/2))
	}
	key := Key{Place: place, IsCross: isCross}
	s.maps[key] = append(s.maps[key], recorded)
	return coefficients
}

// Step implements Controller. Recorded maps are per-step, so this is a no-op.
func (s *Store) Step(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return latents, nil
}

// SetNumLayers implements LayerCounter.
func (s *Store) SetNumLayers(n int) { s.numLayers = n }

// NumLayers returns the number of attention units the store was registered with.
func (s *Store) NumLayers() int { return s.numLayers }

// NumCalls returns the number of attention coefficients seen since BeginStep, recorded or not.
func (s *Store) NumCalls() int { return s.numCalls }

// Maps implements Source.
func (s *Store) Maps(key Key) []*Node {
	return s.maps[key]
}

// Keys returns the keys with at least one recorded map, in the order of AllKeys.
func (s *Store) Keys() []Key {
	var keys []Key
	for _, key := range AllKeys() {
		if len(s.maps[key]) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

// NumRecorded returns the total number of recorded maps in the current step.
func (s *Store) NumRecorded() int {
	var n int
	for _, maps := range s.maps {
		n += len(maps)
	}
	return n
}

// Outputs flattens the recorded maps in the order of Keys, and returns the key of each.
// It is used to return the maps from the step graph, see Average.
func (s *Store) Outputs() (keys []Key, maps []*Node) {
	for _, key := range s.Keys() {
		for _, m := range s.maps[key] {
			keys = append(keys, key)
			maps = append(maps, m)
		}
	}
	return
}
