// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/pool"
)

func ext(p, l, n int64) extent.Extent {
	return extent.Extent{
		Physical: blockaddr.PhysicalAddr(p),
		Logical:  blockaddr.LogicalAddr(l),
		Length:   blockaddr.Length(n),
		UserData: extent.Default,
	}
}

func TestAllocateSingleFit(t *testing.T) {
	var free extent.Map
	require.NoError(t, free.Insert(ext(0, 0, 10)))

	var p pool.Pool
	p.Init(&free)

	var m, allocated extent.Map
	require.NoError(t, m.Insert(ext(1000, 2000, 5)))

	rem, ok, err := p.Allocate(ext(1000, 2000, 5), &m, &allocated)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, rem.Length)

	require.Equal(t, 0, m.Len())
	av := allocated.Extents()
	require.Len(t, av, 1)
	require.Equal(t, int64(2000), int64(av[0].Logical))

	fv := free.Extents()
	require.Len(t, fv, 1)
	require.Equal(t, int64(5), int64(fv[0].Physical))
	require.Equal(t, int64(5), int64(fv[0].Length))
}

func TestAllocateFragmentation(t *testing.T) {
	// S4: request 8 against a pool holding [{len:5},{len:5}].
	var free extent.Map
	require.NoError(t, free.Insert(ext(0, 0, 5)))
	require.NoError(t, free.Insert(ext(100, 0, 5)))

	var p pool.Pool
	p.Init(&free)

	var m, allocated extent.Map
	request := ext(1000, 2000, 8)
	require.NoError(t, m.Insert(request))

	rem, ok, err := p.Allocate(request, &m, &allocated)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(3), int64(rem.Length))
	require.Equal(t, int64(2005), int64(rem.Logical))

	rem, ok, err = p.Allocate(rem, &m, &allocated)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, rem.Length)

	fv := free.Extents()
	require.Len(t, fv, 1)
	require.Equal(t, int64(2), int64(fv[0].Length))

	av := allocated.Extents()
	require.Len(t, av, 2)
}

func TestAllocateNoSpace(t *testing.T) {
	var free extent.Map
	var p pool.Pool
	p.Init(&free)

	var m, allocated extent.Map
	request := ext(1000, 2000, 8)
	require.NoError(t, m.Insert(request))

	_, ok, err := p.Allocate(request, &m, &allocated)
	require.Error(t, err)
	require.False(t, ok)
}

func TestAllocateAll(t *testing.T) {
	var free extent.Map
	require.NoError(t, free.Insert(ext(0, 0, 20)))
	require.NoError(t, free.Insert(ext(100, 0, 10)))

	var p pool.Pool
	p.Init(&free)

	var m, allocated extent.Map
	require.NoError(t, m.Insert(ext(1000, 5000, 5)))
	require.NoError(t, m.Insert(ext(2000, 6000, 15)))

	require.NoError(t, p.AllocateAll(&m, &allocated))
	require.Equal(t, 0, m.Len())
	require.Equal(t, 2, allocated.Len())
}

func TestReleaseMergesWithNeighbors(t *testing.T) {
	var free extent.Map
	require.NoError(t, free.Insert(ext(0, 0, 5)))
	require.NoError(t, free.Insert(ext(10, 0, 5)))

	var p pool.Pool
	p.Init(&free)

	// Releasing [5,10) should merge all three into a single [0,15) run.
	require.NoError(t, p.Release(blockaddr.PhysicalAddr(5), blockaddr.Length(5)))

	fv := free.Extents()
	require.Len(t, fv, 1)
	require.Equal(t, int64(0), int64(fv[0].Physical))
	require.Equal(t, int64(15), int64(fv[0].Length))
}

func TestReleaseStandalone(t *testing.T) {
	var free extent.Map
	require.NoError(t, free.Insert(ext(0, 0, 5)))

	var p pool.Pool
	p.Init(&free)

	require.NoError(t, p.Release(blockaddr.PhysicalAddr(100), blockaddr.Length(5)))

	fv := free.Extents()
	require.Len(t, fv, 2)
}
