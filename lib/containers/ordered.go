// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"golang.org/x/exp/constraints"
)

// Ordered is implemented by any key type that can be stored in an
// RBTree or SortedMap: it must provide a three-way comparison against
// another value of its own type.
type Ordered[T any] interface {
	// Cmp returns <0 if the receiver sorts before b, 0 if equal to
	// b, and >0 if it sorts after b.
	Cmp(b T) int
}

// NativeOrdered adapts one of Go's built-in ordered types
// (constraints.Ordered: integers, floats, strings) to the Ordered
// interface, so it can be used as a key without a hand-written
// wrapper. Address types such as blockaddr.PhysicalAddr have no Cmp
// method of their own and are used as keys through this wrapper (see
// extent.Map).
type NativeOrdered[T constraints.Ordered] struct {
	Val T
}

func (a NativeOrdered[T]) Cmp(b NativeOrdered[T]) int {
	switch {
	case a.Val < b.Val:
		return -1
	case a.Val > b.Val:
		return 1
	default:
		return 0
	}
}

var _ Ordered[NativeOrdered[int]] = NativeOrdered[int]{}
