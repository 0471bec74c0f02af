// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package crossattn implements attention units whose normalized attention coefficients can be observed,
// recorded and modified by a Controller, and the registration walk that wires a Controller into every
// attention unit of a denoising network.
//
// Attention coefficients are graph nodes: recording them keeps them connected to the network inputs, so
// later losses computed from the recorded maps are differentiable with respect to those inputs.
package crossattn

import (
	"strings"

	"github.com/pkg/errors"
)

// Place identifies the group of blocks of a UNet-like network an attention unit belongs to.
//
//go:generate go tool enumer -type=Place -transform=snake -json -yaml -text -output=gen_place_enumer.go
type Place int

const (
	// Down are the encoder (down-sampling) blocks.
	Down Place = iota
	// Mid is the bottleneck block.
	Mid
	// Up are the decoder (up-sampling) blocks.
	Up
)

// AllPlaces lists all places in network order.
var AllPlaces = PlaceValues()

// ParsePlace converts "down", "mid" or "up" (case-insensitive) to a Place.
func ParsePlace(name string) (Place, error) {
	p, err := PlaceString(strings.TrimSpace(name))
	if err != nil {
		return 0, errors.Errorf("unknown attention place %q, valid values are %q", name, PlaceStrings())
	}
	return p, nil
}

// ParsePlaces parses a list of place names, see ParsePlace.
func ParsePlaces(names []string) ([]Place, error) {
	places := make([]Place, 0, len(names))
	for _, name := range names {
		p, err := ParsePlace(name)
		if err != nil {
			return nil, err
		}
		places = append(places, p)
	}
	return places, nil
}

// Key is the layer-location tag of a recorded attention map, e.g. "up_cross" or "down_self".
type Key struct {
	Place   Place
	IsCross bool
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k.IsCross {
		return k.Place.String() + "_cross"
	}
	return k.Place.String() + "_self"
}

// AllKeys returns all the 6 keys, ordered by place and with self-attention before cross-attention.
func AllKeys() []Key {
	keys := make([]Key, 0, 2*len(AllPlaces))
	for _, p := range AllPlaces {
		keys = append(keys, Key{Place: p}, Key{Place: p, IsCross: true})
	}
	return keys
}
