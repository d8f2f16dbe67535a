// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pool implements the best-fit scratch-space allocator (§4.2):
// a secondary index over a backing extent.Map of free space, ordered
// by length, used to satisfy requests (extents pulled out of some
// other map, e.g. the portion of dev_map that needs storage) from
// whichever free extent fits most tightly, fragmenting a request
// across multiple free extents when no single one is big enough.
package pool

import (
	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/containers"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
)

type lengthKey = containers.NativeOrdered[blockaddr.Length]

func lenKey(l blockaddr.Length) lengthKey { return lengthKey{Val: l} }

// Pool is a best-fit index over a backing extent.Map of free space.
// It owns that backing map (mirroring fr_pool's "private
// std::map<T, fr_pool_entry<T>>" relationship, plus its reference to
// the fr_map<T> it indexes): Allocate both carves from the index and
// removes the carved range from backing, keeping the two in lockstep.
type Pool struct {
	backing  *extent.Map
	byLength containers.SortedMap[lengthKey, []blockaddr.PhysicalAddr]
}

// Init points the pool at backing and builds the length index from
// backing's current contents.
func (p *Pool) Init(backing *extent.Map) {
	p.backing = backing
	for _, e := range backing.Extents() {
		p.insert(e.Length, e.Physical)
	}
}

func (p *Pool) insert(length blockaddr.Length, physical blockaddr.PhysicalAddr) {
	if length == 0 {
		return
	}
	entries := containers.LoadOrElse(&p.byLength, lenKey(length), func(lengthKey) []blockaddr.PhysicalAddr {
		return nil
	})
	p.byLength.Store(lenKey(length), append(entries, physical))
}

func (p *Pool) remove(length blockaddr.Length, physical blockaddr.PhysicalAddr) {
	entries, ok := p.byLength.Load(lenKey(length))
	if !ok {
		return
	}
	for i, addr := range entries {
		if addr == physical {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		p.byLength.Delete(lenKey(length))
	} else {
		p.byLength.Store(lenKey(length), entries)
	}
}

// smallestFit returns the physical address and length of the
// smallest pool entry whose length is >= want, or ok=false if none
// is big enough.
func (p *Pool) smallestFit(want blockaddr.Length) (physical blockaddr.PhysicalAddr, length blockaddr.Length, ok bool) {
	p.byLength.Range(func(k lengthKey, v []blockaddr.PhysicalAddr) bool {
		if k.Val < want || len(v) == 0 {
			return true
		}
		physical, length, ok = v[0], k.Val, true
		return false
	})
	return physical, length, ok
}

// largest returns the physical address and length of the single
// largest pool entry, or ok=false if the pool is empty.
func (p *Pool) largest() (physical blockaddr.PhysicalAddr, length blockaddr.Length, ok bool) {
	p.byLength.Range(func(k lengthKey, v []blockaddr.PhysicalAddr) bool {
		if len(v) == 0 {
			return true
		}
		if !ok || k.Val > length {
			physical, length, ok = v[0], k.Val, true
		}
		return true
	})
	return physical, length, ok
}

// Allocate carves request.Length bytes of scratch space out of the
// pool to back request (whose Logical is preserved), inserting the
// satisfied piece into allocated and removing it from m and from the
// pool's backing map and index.
//
// If a single pool entry is big enough, it is carved from the head
// and the remainder stays in the pool under its new (shorter) length;
// Allocate removes request from m and returns ok=true.
//
// If no entry is big enough, Allocate consumes the single largest
// entry in full, removes only that much of request from m, returns
// ok=false, and sets remainder to the portion of request still
// needing a home — the caller retries Allocate with remainder until
// either it is fully satisfied or the pool is exhausted (the
// fragmentation path of §4.2, scenario S4).
func (p *Pool) Allocate(request extent.Extent, m, allocated *extent.Map) (remainder extent.Extent, ok bool, err error) {
	if request.Length == 0 {
		return extent.Extent{}, true, nil
	}

	if physical, length, fits := p.smallestFit(request.Length); fits {
		if err := p.backing.Remove(extent.Extent{Physical: physical, Length: request.Length}); err != nil {
			return extent.Extent{}, false, err
		}
		p.remove(length, physical)
		if leftover := length - request.Length; leftover > 0 {
			p.insert(leftover, physical.Add(blockaddr.AddrDelta(request.Length)))
		}
		if err := m.Remove(extent.Extent{Physical: request.Physical, Length: request.Length}); err != nil {
			return extent.Extent{}, false, err
		}
		if err := allocated.Insert(extent.Extent{
			Physical: physical,
			Logical:  request.Logical,
			Length:   request.Length,
			UserData: extent.Storage(int64(physical)),
		}); err != nil {
			return extent.Extent{}, false, err
		}
		return extent.Extent{}, true, nil
	}

	physical, length, any := p.largest()
	if !any {
		return request, false, ferr.New(ferr.NoSpace, "pool.Allocate: pool exhausted with %d bytes still requested", int64(request.Length))
	}

	if err := p.backing.Remove(extent.Extent{Physical: physical, Length: length}); err != nil {
		return extent.Extent{}, false, err
	}
	p.remove(length, physical)
	if err := m.Remove(extent.Extent{Physical: request.Physical, Length: length}); err != nil {
		return extent.Extent{}, false, err
	}
	if err := allocated.Insert(extent.Extent{
		Physical: physical,
		Logical:  request.Logical,
		Length:   length,
		UserData: extent.Storage(int64(physical)),
	}); err != nil {
		return extent.Extent{}, false, err
	}

	remainder = extent.Extent{
		Physical: request.Physical.Add(blockaddr.AddrDelta(length)),
		Logical:  request.Logical.Add(blockaddr.AddrDelta(length)),
		Length:   request.Length - length,
		UserData: request.UserData,
	}
	return remainder, false, nil
}

// Release returns a previously allocated scratch range back to the
// pool, merging it into backing and re-indexing it by length. Used
// when a pending-writeback entry completes and its storage is no
// longer needed (§4.4 step 3/4).
func (p *Pool) Release(physical blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if length == 0 {
		return nil
	}
	end := physical.Add(blockaddr.AddrDelta(length))

	// Find the backing entries physically adjacent to this range.
	// Map.Insert merges only entries whose Logical also lines up, so
	// they are removed from backing and re-inserted as one range, and
	// the length index's stale entries for them are dropped.
	var before, after extent.Extent
	var haveBefore, haveAfter bool
	for _, e := range p.backing.Extents() {
		if e.PhysicalEnd() == physical {
			before, haveBefore = e, true
		}
		if e.Physical == end {
			after, haveAfter = e, true
		}
	}
	if haveBefore {
		if err := p.backing.Remove(before); err != nil {
			return err
		}
		physical, length = before.Physical, length+before.Length
	}
	if haveAfter {
		if err := p.backing.Remove(after); err != nil {
			return err
		}
		length += after.Length
	}

	if err := p.backing.Insert(extent.Extent{Physical: physical, Length: length, UserData: extent.Default}); err != nil {
		return err
	}
	if haveBefore {
		p.remove(before.Length, before.Physical)
	}
	if haveAfter {
		p.remove(after.Length, after.Physical)
	}

	mergedPhysical := physical
	if haveBefore {
		mergedPhysical = before.Physical
	}
	merged, ok := p.backing.Lookup(mergedPhysical)
	if !ok {
		return ferr.New(ferr.FatalInternal, "pool.Release: merged entry at %d not found in backing", int64(mergedPhysical))
	}
	p.insert(merged.Length, merged.Physical)
	return nil
}

// AllocateAll repeatedly calls Allocate for every extent of m, largest
// request first so big requests are served from big holes first (§4.2).
func (p *Pool) AllocateAll(m, allocated *extent.Map) error {
	requests := m.Extents()
	requests.SortByReverseLength()

	for _, req := range requests {
		for req.Length > 0 {
			rem, ok, err := p.Allocate(req, m, allocated)
			if err != nil {
				return err
			}
			if ok {
				break
			}
			req = rem
		}
	}
	return nil
}
