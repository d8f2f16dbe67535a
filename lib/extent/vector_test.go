// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extent_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
)

func mk(p, l, n int64) extent.Extent {
	return extent.Extent{
		Physical: blockaddr.PhysicalAddr(p),
		Logical:  blockaddr.LogicalAddr(l),
		Length:   blockaddr.Length(n),
		UserData: extent.Default,
	}
}

func TestVectorAppendMerges(t *testing.T) {
	var v extent.Vector
	require.NoError(t, v.Append(0, 0, 10, extent.Default))
	require.NoError(t, v.Append(10, 10, 5, extent.Default))
	require.Len(t, v, 1)
	require.Equal(t, int64(15), int64(v[0].Length))
}

func TestVectorAppendDoesNotMergeAcrossGap(t *testing.T) {
	var v extent.Vector
	require.NoError(t, v.Append(0, 0, 10, extent.Default))
	require.NoError(t, v.Append(20, 20, 5, extent.Default))
	require.Len(t, v, 2)
}

func TestVectorAppendDoesNotMergeDifferentUserData(t *testing.T) {
	var v extent.Vector
	require.NoError(t, v.Append(0, 0, 10, extent.Default))
	require.NoError(t, v.Append(10, 10, 5, extent.Zeroed))
	require.Len(t, v, 2)
}

func TestVectorSortByPhysicalLogical(t *testing.T) {
	v := extent.Vector{mk(20, 0, 5), mk(10, 30, 5), mk(0, 10, 5)}
	v.SortByPhysical()
	require.Equal(t, []int64{0, 10, 20}, physicals(v))

	v.SortByLogical()
	require.Equal(t, []int64{0, 10, 30}, logicals(v))
}

func physicals(v extent.Vector) []int64 {
	out := make([]int64, len(v))
	for i, e := range v {
		out[i] = int64(e.Physical)
	}
	return out
}

func logicals(v extent.Vector) []int64 {
	out := make([]int64, len(v))
	for i, e := range v {
		out[i] = int64(e.Logical)
	}
	return out
}

func TestVectorTransposeIsInvolution(t *testing.T) {
	v := extent.Vector{mk(0, 100, 5), mk(5, 200, 5)}
	twice := v.Transpose().Transpose()
	require.Equal(t, v, twice)
}

func TestVectorTruncateAtLogical(t *testing.T) {
	v := extent.Vector{mk(0, 0, 10), mk(10, 10, 10)}
	out := v.TruncateAtLogical(15)
	require.Len(t, out, 2)
	require.Equal(t, int64(5), int64(out[1].Length))

	out = v.TruncateAtLogical(10)
	require.Len(t, out, 1)
}

func TestVectorComposeSimple(t *testing.T) {
	a2b := extent.Vector{mk(0, 100, 10)}
	a2c := extent.Vector{mk(0, 1000, 10)}

	out, err := a2b.Compose(a2c, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, int64(100), int64(out[0].Physical))
	require.Equal(t, int64(1000), int64(out[0].Logical))
	require.Equal(t, int64(10), int64(out[0].Length))
}

func TestVectorComposeSplitsAcrossMultipleA2CSegments(t *testing.T) {
	a2b := extent.Vector{mk(0, 100, 10)}
	a2c := extent.Vector{mk(0, 1000, 5), mk(5, 2000, 5)}

	out, err := a2b.Compose(a2c, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(100), int64(out[0].Physical))
	require.Equal(t, int64(1000), int64(out[0].Logical))
	require.Equal(t, int64(105), int64(out[1].Physical))
	require.Equal(t, int64(2000), int64(out[1].Logical))
}

func TestVectorComposeErrorsOnHole(t *testing.T) {
	a2b := extent.Vector{mk(0, 100, 10)}
	a2c := extent.Vector{mk(0, 1000, 5)}

	_, err := a2b.Compose(a2c, nil)
	require.Error(t, err)
}

func TestVectorFprintEmptyAndNonEmpty(t *testing.T) {
	var buf bytes.Buffer
	var v extent.Vector
	v.Fprint(&buf, "dev_map")
	require.Contains(t, buf.String(), "no extents in dev_map")

	buf.Reset()
	v = extent.Vector{mk(0, 0, 10)}
	v.Fprint(&buf, "dev_map")
	require.Contains(t, buf.String(), "1 extent in dev_map")
}
