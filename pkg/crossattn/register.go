// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crossattn

import "k8s.io/klog/v2"

// Module is a node of a network's declared module tree.
// Leaves return no children.
type Module interface {
	Children() []Module
}

// Placed is implemented by the top-level blocks of a network that belong to one of the places (down, mid or up).
// All attention units below a Placed module inherit its place.
type Placed interface {
	Module
	Place() Place
}

// Unit is implemented by attention-capable units.
type Unit interface {
	Module
	SetController(controller Controller, place Place)
}

// Walk visits every module below and including root, depth-first, pre-order.
// For each module it passes the place of the nearest Placed ancestor (or the module itself), with
// placed set to false if there is none.
func Walk(root Module, visit func(m Module, place Place, placed bool)) {
	walk(root, 0, false, visit)
}

func walk(m Module, place Place, placed bool, visit func(m Module, place Place, placed bool)) {
	if m == nil {
		return
	}
	if p, ok := m.(Placed); ok {
		place, placed = p.Place(), true
	}
	visit(m, place, placed)
	for _, child := range m.Children() {
		walk(child, place, placed, visit)
	}
}

// Register installs controller into every attention Unit reachable from root that sits below a Placed block,
// and returns the number of units registered.
//
// If controller is nil, a pass-through Counter is installed instead.
// If the controller implements LayerCounter, it is told the number of registered units.
//
// Units outside any Placed block are left untouched.
func Register(root Module, controller Controller) int {
	if controller == nil {
		controller = &Counter{}
	}
	var count int
	Walk(root, func(m Module, place Place, placed bool) {
		unit, ok := m.(Unit)
		if !ok {
			return
		}
		if !placed {
			klog.V(2).Infof("crossattn.Register: skipping attention unit %T outside of a down/mid/up block", m)
			return
		}
		unit.SetController(controller, place)
		count++
	})
	if lc, ok := controller.(LayerCounter); ok {
		lc.SetNumLayers(count)
	}
	klog.V(1).Infof("crossattn.Register: %d attention units registered", count)
	return count
}

// Block is a generic Placed container of modules.
type Block struct {
	Location Place
	Modules  []Module
}

var _ Placed = (*Block)(nil)

// Children implements Module.
func (b *Block) Children() []Module { return b.Modules }

// Place implements Placed.
func (b *Block) Place() Place { return b.Location }

// Group is a generic container of modules, without a place.
type Group []Module

// Children implements Module.
func (g Group) Children() []Module { return g }
