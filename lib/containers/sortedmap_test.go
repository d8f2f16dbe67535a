// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedMapStoreLoadDelete(t *testing.T) {
	var m SortedMap[NativeOrdered[int], string]

	_, ok := m.Load(NativeOrdered[int]{Val: 1})
	require.False(t, ok)

	m.Store(NativeOrdered[int]{Val: 1}, "one")
	m.Store(NativeOrdered[int]{Val: 2}, "two")
	m.Store(NativeOrdered[int]{Val: 1}, "uno")

	v, ok := m.Load(NativeOrdered[int]{Val: 1})
	require.True(t, ok)
	require.Equal(t, "uno", v)

	m.Delete(NativeOrdered[int]{Val: 2})
	_, ok = m.Load(NativeOrdered[int]{Val: 2})
	require.False(t, ok)
}

func TestSortedMapRangeOrder(t *testing.T) {
	var m SortedMap[NativeOrdered[int], int]
	for _, v := range []int{5, 1, 3, 4, 2} {
		m.Store(NativeOrdered[int]{Val: v}, v*10)
	}

	var keys []int
	m.Range(func(k NativeOrdered[int], v int) bool {
		keys = append(keys, k.Val)
		require.Equal(t, k.Val*10, v)
		return true
	})
	require.Equal(t, []int{1, 2, 3, 4, 5}, keys)
}

func TestSortedMapSubrange(t *testing.T) {
	var m SortedMap[NativeOrdered[int], int]
	for _, v := range []int{1, 2, 3, 4, 5, 6} {
		m.Store(NativeOrdered[int]{Val: v}, v)
	}

	var got []int
	m.Subrange(
		func(k NativeOrdered[int], _ int) int {
			switch {
			case k.Val < 2:
				return -1
			case k.Val > 4:
				return 1
			default:
				return 0
			}
		},
		func(k NativeOrdered[int], _ int) bool {
			got = append(got, k.Val)
			return true
		},
	)
	require.Equal(t, []int{2, 3, 4}, got)
}

var (
	_ Map[NativeOrdered[int], int]         = (*SortedMap[NativeOrdered[int], int])(nil)
	_ RangeMap[NativeOrdered[int], int]    = (*SortedMap[NativeOrdered[int], int])(nil)
	_ SubrangeMap[NativeOrdered[int], int] = (*SortedMap[NativeOrdered[int], int])(nil)
)
