// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"sort"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// PreallocDriver wraps another Driver whose storage side is a single
// large preallocated region, and retargets every SideStorage address
// through a virtual→real mapping before delegating (§4.1's `compose`:
// "used by the prealloc variant of the I/O driver to retarget extent
// lists"). This lets the rest of the executor address the storage
// side by a caller-assigned virtual offset (e.g. the offsets a
// journal entry was written against before the arena was resized)
// while the underlying bytes actually live wherever the preallocation
// put them.
type PreallocDriver struct {
	inner   Driver
	mapping extent.Vector // Physical = virtual offset, Logical = real offset
}

// NewPreallocDriver builds a PreallocDriver over inner using mapping
// (virtual→real, Physical is the virtual axis). mapping must be
// sorted by Physical and cover every virtual offset the caller will
// address; NewPreallocDriver sorts a copy defensively.
func NewPreallocDriver(inner Driver, mapping extent.Vector) *PreallocDriver {
	m := make(extent.Vector, len(mapping))
	copy(m, mapping)
	m.SortByPhysical()
	return &PreallocDriver{inner: inner, mapping: m}
}

// RetargetExtents composes callerMap (virtual-offset domain A → the
// caller's own logical axis B) against the driver's virtual→real
// mapping (A → real offset C) to produce the caller's logical→real
// mapping, per §4.1's compose contract. unmapped, if non-nil,
// collects any portion of B the mapping does not cover.
func (p *PreallocDriver) RetargetExtents(callerMap extent.Vector, unmapped *extent.Vector) (extent.Vector, error) {
	return callerMap.Compose(p.mapping, unmapped)
}

func (p *PreallocDriver) translate(virtual blockaddr.PhysicalAddr, length blockaddr.Length) (blockaddr.PhysicalAddr, error) {
	i := sort.Search(len(p.mapping), func(i int) bool { return p.mapping[i].PhysicalEnd() > virtual })
	if i >= len(p.mapping) || p.mapping[i].Physical > virtual {
		return 0, ferr.New(ferr.InvalidArgument, "diskio.PreallocDriver: virtual offset %d is not preallocated", int64(virtual))
	}
	e := p.mapping[i]
	end, ok := virtual.AddChecked(blockaddr.AddrDelta(length))
	if !ok || blockaddr.Length(end-e.Physical) > e.Length {
		return 0, ferr.New(ferr.InvalidArgument, "diskio.PreallocDriver: range [%d, %d) crosses a prealloc boundary", int64(virtual), int64(virtual)+int64(length))
	}
	real := e.Logical.Add(virtual.Sub(e.Physical))
	return blockaddr.PhysicalAddr(int64(real)), nil
}

func (p *PreallocDriver) Copy(fromSide Side, from blockaddr.PhysicalAddr, toSide Side, to blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if fromSide == SideStorage {
		real, err := p.translate(from, length)
		if err != nil {
			return err
		}
		from = real
	}
	if toSide == SideStorage {
		real, err := p.translate(to, length)
		if err != nil {
			return err
		}
		to = real
	}
	return p.inner.Copy(fromSide, from, toSide, to, length)
}

func (p *PreallocDriver) Zero(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if side == SideStorage {
		real, err := p.translate(offset, length)
		if err != nil {
			return err
		}
		offset = real
	}
	return p.inner.Zero(side, offset, length)
}

func (p *PreallocDriver) ReadSide(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error) {
	if side == SideStorage {
		real, err := p.translate(offset, length)
		if err != nil {
			return nil, err
		}
		offset = real
	}
	return p.inner.ReadSide(side, offset, length)
}

func (p *PreallocDriver) WriteSide(side Side, offset blockaddr.PhysicalAddr, data []byte) error {
	if side == SideStorage {
		real, err := p.translate(offset, blockaddr.Length(len(data)))
		if err != nil {
			return err
		}
		offset = real
	}
	return p.inner.WriteSide(side, offset, data)
}

func (p *PreallocDriver) Flush() error                                      { return p.inner.Flush() }
func (p *PreallocDriver) CheckLastBlock(deviceLength blockaddr.Length) error { return p.inner.CheckLastBlock(deviceLength) }
func (p *PreallocDriver) DeviceLength() blockaddr.Length                    { return p.inner.DeviceLength() }
func (p *PreallocDriver) ArenaLength() blockaddr.Length                     { return p.inner.ArenaLength() }
func (p *PreallocDriver) Close() error                                      { return p.inner.Close() }

var _ Driver = (*PreallocDriver)(nil)
