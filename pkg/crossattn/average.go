// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Average accumulates, on the host, the attention maps recorded at each diffusion step, so they can be
// averaged over the whole generation. It's used for visualization.
//
// The zero value is not usable, create it with NewAverage.
type Average struct {
	numSteps int
	keys     []Key
	sums     [][]float32
	dims     [][]int
}

// NewAverage returns an empty Average.
func NewAverage() *Average {
	return &Average{}
}

// Add the maps of one step. keys and maps are aligned, as returned by the step graph built with Store.Outputs.
// Every step must record the same layout of maps.
func (a *Average) Add(keys []Key, maps []*tensors.Tensor) error {
	if len(keys) != len(maps) {
		return errors.Errorf("crossattn.Average.Add: got %d keys but %d maps", len(keys), len(maps))
	}
	if a.numSteps == 0 {
		a.keys = append([]Key(nil), keys...)
		a.sums = make([][]float32, len(maps))
		a.dims = make([][]int, len(maps))
		for ii, m := range maps {
			a.sums[ii] = make([]float32, m.Size())
			a.dims[ii] = m.Shape().Dimensions
		}
	} else if len(keys) != len(a.keys) {
		return errors.Errorf("crossattn.Average.Add: step recorded %d maps, previous steps recorded %d",
			len(keys), len(a.keys))
	}
	for ii, m := range maps {
		if m.DType() != dtypes.Float32 {
			return errors.Errorf("crossattn.Average.Add: only float32 maps are supported, map #%d is %s", ii, m.Shape())
		}
		if keys[ii] != a.keys[ii] || m.Size() != len(a.sums[ii]) {
			return errors.Errorf("crossattn.Average.Add: map #%d (%s, %s) doesn't match previous steps (%s, %v)",
				ii, keys[ii], m.Shape(), a.keys[ii], a.dims[ii])
		}
		sum := a.sums[ii]
		for jj, v := range tensors.MustCopyFlatData[float32](m) {
			sum[jj] += v
		}
	}
	a.numSteps++
	return nil
}

// NumSteps added so far.
func (a *Average) NumSteps() int { return a.numSteps }

// Maps returns the average over the steps of the maps of each key, in layer order.
// It returns nil if no steps were added.
func (a *Average) Maps() map[Key][]*tensors.Tensor {
	if a.numSteps == 0 {
		return nil
	}
	averages := make(map[Key][]*tensors.Tensor)
	scale := 1 / float32(a.numSteps)
	for ii, key := range a.keys {
		avg := make([]float32, len(a.sums[ii]))
		for jj, v := range a.sums[ii] {
			avg[jj] = v * scale
		}
		averages[key] = append(averages[key], tensors.FromFlatDataAndDimensions(avg, a.dims[ii]...))
	}
	return averages
}

// Reset discards all accumulated maps.
func (a *Average) Reset() {
	*a = Average{}
}
