// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
	"github.com/agentmishra/fstransform/lib/extent"
)

func mkExt(p, l, n int64) extent.Extent {
	return extent.Extent{
		Physical: blockaddr.PhysicalAddr(p),
		Logical:  blockaddr.LogicalAddr(l),
		Length:   blockaddr.Length(n),
		UserData: extent.Default,
	}
}

func TestPreallocDriverTranslatesStorageAddresses(t *testing.T) {
	inner := diskio.NewTestDriver(100, 100)
	require.NoError(t, inner.Zero(diskio.SideDev, 0, 100))
	copy(inner.Bytes()[0:4], []byte("WXYZ"))

	// virtual [0,10) maps to real storage [50,60).
	mapping := extent.Vector{mkExt(0, 50, 10)}
	p := diskio.NewPreallocDriver(inner, mapping)

	require.NoError(t, p.Copy(diskio.SideDev, 0, diskio.SideStorage, 2, 4))
	require.NoError(t, p.Copy(diskio.SideStorage, 2, diskio.SideDev, 10, 4))
	require.Equal(t, []byte("WXYZ"), inner.Bytes()[10:14])
}

func TestPreallocDriverRejectsUnmappedVirtualOffset(t *testing.T) {
	inner := diskio.NewTestDriver(100, 100)
	mapping := extent.Vector{mkExt(0, 50, 10)}
	p := diskio.NewPreallocDriver(inner, mapping)

	err := p.Zero(diskio.SideStorage, 20, 4)
	require.Error(t, err)
}

func TestPreallocDriverRejectsCrossingBoundary(t *testing.T) {
	inner := diskio.NewTestDriver(100, 100)
	mapping := extent.Vector{mkExt(0, 50, 10), mkExt(20, 70, 10)}
	p := diskio.NewPreallocDriver(inner, mapping)

	err := p.Zero(diskio.SideStorage, 8, 4)
	require.Error(t, err)
}

func TestPreallocDriverRetargetExtents(t *testing.T) {
	inner := diskio.NewTestDriver(100, 100)
	mapping := extent.Vector{mkExt(0, 50, 10)}
	p := diskio.NewPreallocDriver(inner, mapping)

	callerMap := extent.Vector{mkExt(0, 1000, 10)}
	out, err := p.RetargetExtents(callerMap, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, blockaddr.PhysicalAddr(1000), out[0].Physical)
	require.Equal(t, blockaddr.LogicalAddr(50), out[0].Logical)
}
