// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extent

import (
	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/containers"
	"github.com/agentmishra/fstransform/lib/ferr"
)

type physKey = containers.NativeOrdered[blockaddr.PhysicalAddr]

func key(p blockaddr.PhysicalAddr) physKey { return physKey{Val: p} }

// Map is an ordered, physical-keyed collection of extents with
// pairwise-disjoint, non-touching-and-mergeable physical ranges: the
// long-lived representation used for dev_map, storage_map, and
// dev_free_map. It implements the "pair with mutable key" pattern of
// §9 by re-keying (erase+insert) a node's Extent whenever Insert
// merges it with a neighbor.
type Map struct {
	tree containers.RBTree[physKey, Extent]
}

func (m *Map) init() {
	if m.tree.KeyFn == nil {
		m.tree.KeyFn = func(e Extent) physKey { return key(e.Physical) }
	}
}

func (m *Map) Len() int {
	return m.tree.Len()
}

// Extents returns every extent in m, ordered by physical address.
func (m *Map) Extents() Vector {
	out := make(Vector, 0, m.tree.Len())
	_ = m.tree.Walk(func(node *containers.RBNode[physKey, Extent]) error {
		out = append(out, node.Value)
		return nil
	})
	return out
}

// Lookup returns the extent (if any) whose Physical exactly equals p.
func (m *Map) Lookup(p blockaddr.PhysicalAddr) (Extent, bool) {
	m.init()
	return m.tree.Lookup(key(p))
}

// Insert adds e to m, merging it with its immediate physical
// predecessor and/or successor when Relate reports TouchBefore or
// TouchAfter (§4.1).
func (m *Map) Insert(e Extent) error {
	m.init()
	if e.Length == 0 {
		return nil
	}

	for {
		prev, _, next := m.tree.Neighbors(key(e.Physical))
		merged := false

		if prev != nil {
			switch Relate(prev.Value, e) {
			case TouchBefore:
				sum, ok := addLength(prev.Value.Length, e.Length)
				if !ok {
					return ferr.New(ferr.Overflow, "extent.Map.Insert: length overflow merging %v and %v", prev.Value, e)
				}
				merge := prev.Value
				merge.Length = sum
				m.tree.Delete(key(prev.Value.Physical))
				e = merge
				merged = true
			case Intersect:
				return ferr.New(ferr.InvalidArgument, "extent.Map.Insert: %v intersects existing entry %v", e, prev.Value)
			}
		}
		if next != nil {
			switch Relate(e, next.Value) {
			case TouchBefore:
				sum, ok := addLength(e.Length, next.Value.Length)
				if !ok {
					return ferr.New(ferr.Overflow, "extent.Map.Insert: length overflow merging %v and %v", e, next.Value)
				}
				e.Length = sum
				m.tree.Delete(key(next.Value.Physical))
				merged = true
			case Intersect:
				return ferr.New(ferr.InvalidArgument, "extent.Map.Insert: %v intersects existing entry %v", e, next.Value)
			}
		}
		if !merged {
			break
		}
	}

	m.tree.Insert(e)
	return nil
}

func addLength(a, b blockaddr.Length) (blockaddr.Length, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Remove subtracts e's physical range from m, splitting an existing
// entry in two if e falls in its interior, or shortening one if e
// overlaps an edge.
func (m *Map) Remove(e Extent) error {
	m.init()
	lo, hi := e.Physical, e.PhysicalEnd()
	for lo < hi {
		_, exact, _ := m.tree.Neighbors(key(lo))
		var hit *containers.RBNode[physKey, Extent]
		if exact != nil {
			hit = exact
		} else {
			prev, _, _ := m.tree.Neighbors(key(lo))
			if prev != nil && prev.Value.PhysicalEnd() > lo {
				hit = prev
			}
		}
		if hit == nil {
			// No entry covers [lo, hi); nothing left to remove
			// in this gap, so skip ahead to the next entry (if
			// any) that starts before hi.
			_, _, next := m.tree.Neighbors(key(lo))
			if next == nil || next.Value.Physical >= hi {
				return nil
			}
			lo = next.Value.Physical
			continue
		}

		entry := hit.Value
		m.tree.Delete(key(entry.Physical))

		cutLo, cutHi := lo, hi
		if cutLo < entry.Physical {
			cutLo = entry.Physical
		}
		if cutHi > entry.PhysicalEnd() {
			cutHi = entry.PhysicalEnd()
		}

		if entry.Physical < cutLo {
			head := entry
			head.Length = blockaddr.Length(cutLo - entry.Physical)
			m.tree.Insert(head)
		}
		if cutHi < entry.PhysicalEnd() {
			tailDelta := cutHi.Sub(entry.Physical)
			tail := Extent{
				Physical: cutHi,
				Logical:  entry.Logical.Add(blockaddr.AddrDelta(tailDelta)),
				Length:   blockaddr.Length(entry.PhysicalEnd() - cutHi),
				UserData: entry.UserData,
			}
			m.tree.Insert(tail)
		}

		lo = cutHi
	}
	return nil
}

// RemoveAll subtracts every extent of other from m.
func (m *Map) RemoveAll(other *Map) error {
	for _, e := range other.Extents() {
		if err := m.Remove(e); err != nil {
			return err
		}
	}
	return nil
}

// Mode selects which axis IntersectAllAll matches and reports on,
// mirroring the original's ft_match enum (FC_BOTH=0, FC_PHYSICAL1=1,
// FC_PHYSICAL2=-1).
type Mode int8

const (
	// ModeBoth requires a and b to agree on both axes: an overlap is
	// only emitted where the two entries' Logical values also agree
	// at every physical offset in the overlap (the "simultaneous
	// match of physical and logical ranges" the original documents).
	ModeBoth Mode = 0
	// ModePhysical1 matches by physical range only, reporting the
	// overlap on a's Logical axis.
	ModePhysical1 Mode = 1
	// ModePhysical2 matches by physical range only, reporting the
	// overlap on b's Logical axis.
	ModePhysical2 Mode = -1
)

// IntersectAllAll populates m with the intersection of every pair
// (a-entry, b-entry) whose physical ranges overlap: one output extent
// per overlapping region, clipped to that region. mode selects whose
// Logical axis (and UserData) the output carries, and for ModeBoth,
// additionally filters out regions where a's and b's Logical values
// disagree. This is how the remap executor checks e.g. that dev_map
// and dev_free_map remain disjoint (§3's invariant), and how it would
// narrow a storage_map down to the portion of it that also falls
// inside a particular dev_free_map entry.
func (m *Map) IntersectAllAll(a, b *Map, mode Mode) error {
	m.init()
	av := a.Extents()
	bv := b.Extents()

	i, j := 0, 0
	for i < len(av) && j < len(bv) {
		ae, be := av[i], bv[j]
		lo := ae.Physical
		if be.Physical > lo {
			lo = be.Physical
		}
		hi := ae.PhysicalEnd()
		if be.PhysicalEnd() < hi {
			hi = be.PhysicalEnd()
		}
		if lo < hi {
			aLogical := ae.Logical.Add(lo.Sub(ae.Physical))
			bLogical := be.Logical.Add(lo.Sub(be.Physical))

			emit, logical, userData := true, aLogical, ae.UserData
			switch mode {
			case ModePhysical2:
				logical, userData = bLogical, be.UserData
			case ModeBoth:
				emit = aLogical == bLogical
			}

			if emit {
				out := Extent{
					Physical: lo,
					Logical:  logical,
					Length:   blockaddr.Length(hi - lo),
					UserData: userData,
				}
				if err := m.Insert(out); err != nil {
					return err
				}
			}
		}
		if ae.PhysicalEnd() <= be.PhysicalEnd() {
			i++
		} else {
			j++
		}
	}
	return nil
}

// Complement0PhysicalShift populates m with the physical complement
// of occupied (v, sorted by physical, non-overlapping) within
// [0, deviceLength): the gaps between entries of v, each with
// Logical set to 0.
func (m *Map) Complement0PhysicalShift(occupied Vector, deviceLength blockaddr.PhysicalAddr) error {
	m.init()
	cursor := blockaddr.PhysicalAddr(0)
	for _, e := range occupied {
		if e.Physical > cursor {
			if err := m.Insert(Extent{
				Physical: cursor,
				Logical:  0,
				Length:   blockaddr.Length(e.Physical - cursor),
				UserData: Default,
			}); err != nil {
				return err
			}
		}
		if e.PhysicalEnd() > cursor {
			cursor = e.PhysicalEnd()
		}
	}
	if cursor < deviceLength {
		if err := m.Insert(Extent{
			Physical: cursor,
			Logical:  0,
			Length:   blockaddr.Length(deviceLength - cursor),
			UserData: Default,
		}); err != nil {
			return err
		}
	}
	return nil
}
