// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package containers implements generic (type-parameterized)
// ordered-map data structures used to back the extent maps and
// best-fit storage pool: a red-black tree keyed by an Ordered key,
// plus thin SortedMap/Optional/pool wrappers over it.
package containers

import (
	"errors"
	"reflect"
)

type Color bool

const (
	Black Color = false
	Red   Color = true
)

// RBNode is one node of an RBTree. Callers may read (but must not
// write) the tree-structure fields; KeyFn-driven re-keying happens
// through RBTree.Insert/Delete, not by mutating a node's Key in
// place.
type RBNode[K Ordered[K], V any] struct {
	Parent, Left, Right *RBNode[K, V]

	Color Color

	Key   K
	Value V
}

func (node *RBNode[K, V]) getColor() Color {
	if node == nil {
		return Black
	}
	return node.Color
}

// RBTree is a red-black tree mapping an Ordered key type K to an
// arbitrary value type V. KeyFn extracts the key a given value should
// be stored under; this mirrors the "pair with mutable key" pattern
// of fr_map<T>: callers work in terms of values, and the tree derives
// and re-derives the key as values are inserted, merged, and removed.
type RBTree[K Ordered[K], V any] struct {
	KeyFn func(V) K

	root *RBNode[K, V]
	len  int
}

func (t *RBTree[K, V]) Len() int {
	return t.len
}

func (t *RBTree[K, V]) key(v V) K {
	return t.KeyFn(v)
}

// Walk visits every node in ascending key order, stopping and
// returning the first non-nil error a callback produces.
func (t *RBTree[K, V]) Walk(fn func(*RBNode[K, V]) error) error {
	return walk(t.root, fn)
}

func walk[K Ordered[K], V any](node *RBNode[K, V], fn func(*RBNode[K, V]) error) error {
	if node == nil {
		return nil
	}
	if err := walk(node.Left, fn); err != nil {
		return err
	}
	if err := fn(node); err != nil {
		return err
	}
	return walk(node.Right, fn)
}

var errStopWalk = errors.New("stop")

// Range visits every node in ascending key order until fn returns
// false.
func (t *RBTree[K, V]) Range(fn func(*RBNode[K, V]) bool) {
	_ = t.Walk(func(node *RBNode[K, V]) error {
		if fn(node) {
			return nil
		}
		return errStopWalk
	})
}

// Search looks up a node by a three-way comparison callback: cmp(k)
// should return <0 if k is too high (go left), >0 if k is too low (go
// right), 0 for a match. Returns nil if no node matches.
func (t *RBTree[K, V]) Search(cmp func(K) int) *RBNode[K, V] {
	node := t.root
	for node != nil {
		switch direction := cmp(node.Key); {
		case direction < 0:
			node = node.Left
		case direction > 0:
			node = node.Right
		default:
			return node
		}
	}
	return nil
}

// Neighbors descends the tree for key, returning the node with the
// largest key < key (prev, or nil), the exact match (exact, or nil),
// and the node with the smallest key > key (next, or nil). This is
// the "find predecessor/successor" primitive that extent-map
// insert-with-merge uses to decide whether a new entry touches its
// neighbors.
func (t *RBTree[K, V]) Neighbors(key K) (prev, exact, next *RBNode[K, V]) {
	node := t.root
	for node != nil {
		switch d := key.Cmp(node.Key); {
		case d < 0:
			next = node
			node = node.Left
		case d > 0:
			prev = node
			node = node.Right
		default:
			return prev, node, next
		}
	}
	return prev, nil, next
}

// SearchRange collects the values of every node for which rangeFn
// returns 0, in ascending key order. rangeFn must partition the tree
// into a (possibly empty) contiguous run of <0s, then 0s, then >0s.
func (t *RBTree[K, V]) SearchRange(rangeFn func(K) int) []V {
	var out []V
	t.Range(func(node *RBNode[K, V]) bool {
		switch d := rangeFn(node.Key); {
		case d < 0:
			return true
		case d > 0:
			return false
		default:
			out = append(out, node.Value)
			return true
		}
	})
	return out
}

func (t *RBTree[K, V]) Lookup(key K) (V, bool) {
	node := t.Search(key.Cmp)
	if node == nil {
		var zero V
		return zero, false
	}
	return node.Value, true
}

func (node *RBNode[K, V]) min() *RBNode[K, V] {
	if node == nil {
		return nil
	}
	for node.Left != nil {
		node = node.Left
	}
	return node
}

func (node *RBNode[K, V]) max() *RBNode[K, V] {
	if node == nil {
		return nil
	}
	for node.Right != nil {
		node = node.Right
	}
	return node
}

func (t *RBTree[K, V]) Min() *RBNode[K, V] { return t.root.min() }
func (t *RBTree[K, V]) Max() *RBNode[K, V] { return t.root.max() }

func (cur *RBNode[K, V]) Next() *RBNode[K, V] {
	if cur.Right != nil {
		return cur.Right.min()
	}
	child, parent := cur, cur.Parent
	for parent != nil && child == parent.Right {
		child, parent = parent, parent.Parent
	}
	return parent
}

func (cur *RBNode[K, V]) Prev() *RBNode[K, V] {
	if cur.Left != nil {
		return cur.Left.max()
	}
	child, parent := cur, cur.Parent
	for parent != nil && child == parent.Left {
		child, parent = parent, parent.Parent
	}
	return parent
}

func (t *RBTree[K, V]) parentChild(node *RBNode[K, V]) **RBNode[K, V] {
	switch {
	case node.Parent == nil:
		return &t.root
	case node.Parent.Left == node:
		return &node.Parent.Left
	default:
		return &node.Parent.Right
	}
}

func (t *RBTree[K, V]) leftRotate(x *RBNode[K, V]) {
	p := x.Parent
	pChild := t.parentChild(x)
	y := x.Right
	b := y.Left

	y.Parent = p
	*pChild = y

	x.Parent = y
	y.Left = x

	if b != nil {
		b.Parent = x
	}
	x.Right = b
}

func (t *RBTree[K, V]) rightRotate(y *RBNode[K, V]) {
	p := y.Parent
	pChild := t.parentChild(y)
	x := y.Left
	b := x.Right

	x.Parent = p
	*pChild = x

	y.Parent = x
	x.Right = y

	if b != nil {
		b.Parent = y
	}
	y.Left = b
}

// search returns the exact node for key, or (nil, parent-it-would-hang-off-of).
func (t *RBTree[K, V]) search(key K) (exact, parent *RBNode[K, V]) {
	node := t.root
	for node != nil {
		switch d := key.Cmp(node.Key); {
		case d < 0:
			parent, node = node, node.Left
		case d > 0:
			parent, node = node, node.Right
		default:
			return node, nil
		}
	}
	return nil, parent
}

// Insert stores value, keyed by KeyFn(value). If a value with an
// equal key is already present, it is overwritten in place (no
// rebalance needed, since the tree shape depends only on keys).
func (t *RBTree[K, V]) Insert(value V) {
	key := t.key(value)
	exact, parent := t.search(key)
	if exact != nil {
		exact.Value = value
		return
	}
	t.len++

	node := &RBNode[K, V]{
		Color:  Red,
		Parent: parent,
		Key:    key,
		Value:  value,
	}
	switch {
	case parent == nil:
		t.root = node
	case key.Cmp(parent.Key) < 0:
		parent.Left = node
	default:
		parent.Right = node
	}

	// Rebalance. This is closely based on the algorithm presented
	// in CLRS 3e.
	for node.Parent.getColor() == Red {
		if node.Parent == node.Parent.Parent.Left {
			uncle := node.Parent.Parent.Right
			if uncle.getColor() == Red {
				node.Parent.Color = Black
				uncle.Color = Black
				node.Parent.Parent.Color = Red
				node = node.Parent.Parent
			} else {
				if node == node.Parent.Right {
					node = node.Parent
					t.leftRotate(node)
				}
				node.Parent.Color = Black
				node.Parent.Parent.Color = Red
				t.rightRotate(node.Parent.Parent)
			}
		} else {
			uncle := node.Parent.Parent.Left
			if uncle.getColor() == Red {
				node.Parent.Color = Black
				uncle.Color = Black
				node.Parent.Parent.Color = Red
				node = node.Parent.Parent
			} else {
				if node == node.Parent.Left {
					node = node.Parent
					t.rightRotate(node)
				}
				node.Parent.Color = Black
				node.Parent.Parent.Color = Red
				t.leftRotate(node.Parent.Parent)
			}
		}
	}
	t.root.Color = Black
}

func (t *RBTree[K, V]) transplant(oldNode, newNode *RBNode[K, V]) {
	*t.parentChild(oldNode) = newNode
	if newNode != nil {
		newNode.Parent = oldNode.Parent
	}
}

// Delete removes the node (if any) whose key equals key.
func (t *RBTree[K, V]) Delete(key K) {
	nodeToDelete, _ := t.search(key)
	if nodeToDelete == nil {
		return
	}
	t.len--

	var nodeToRebalance, nodeToRebalanceParent *RBNode[K, V]
	needsRebalance := nodeToDelete.Color == Black

	switch {
	case nodeToDelete.Left == nil:
		nodeToRebalance = nodeToDelete.Right
		nodeToRebalanceParent = nodeToDelete.Parent
		t.transplant(nodeToDelete, nodeToDelete.Right)
	case nodeToDelete.Right == nil:
		nodeToRebalance = nodeToDelete.Left
		nodeToRebalanceParent = nodeToDelete.Parent
		t.transplant(nodeToDelete, nodeToDelete.Left)
	default:
		next := nodeToDelete.Next()
		if next.Parent == nodeToDelete {
			nodeToRebalance = next.Right
			nodeToRebalanceParent = next

			*t.parentChild(nodeToDelete) = next
			next.Parent = nodeToDelete.Parent

			next.Left = nodeToDelete.Left
			next.Left.Parent = next
		} else {
			y := next.Parent
			b := next.Right
			nodeToRebalance = b
			nodeToRebalanceParent = y

			*t.parentChild(nodeToDelete) = next
			next.Parent = nodeToDelete.Parent

			next.Left = nodeToDelete.Left
			next.Left.Parent = next

			next.Right = nodeToDelete.Right
			next.Right.Parent = next

			y.Left = b
			if b != nil {
				b.Parent = y
			}
		}

		needsRebalance = next.Color == Black
		next.Color = nodeToDelete.Color
	}

	if needsRebalance {
		node := nodeToRebalance
		nodeParent := nodeToRebalanceParent
		for node != t.root && node.getColor() == Black {
			if node == nodeParent.Left {
				sibling := nodeParent.Right
				if sibling.getColor() == Red {
					sibling.Color = Black
					nodeParent.Color = Red
					t.leftRotate(nodeParent)
					sibling = nodeParent.Right
				}
				if sibling.Left.getColor() == Black && sibling.Right.getColor() == Black {
					sibling.Color = Red
					node, nodeParent = nodeParent, nodeParent.Parent
				} else {
					if sibling.Right.getColor() == Black {
						sibling.Left.Color = Black
						sibling.Color = Red
						t.rightRotate(sibling)
						sibling = nodeParent.Right
					}
					sibling.Color = nodeParent.Color
					nodeParent.Color = Black
					sibling.Right.Color = Black
					t.leftRotate(nodeParent)
					node, nodeParent = t.root, nil
				}
			} else {
				sibling := nodeParent.Left
				if sibling.getColor() == Red {
					sibling.Color = Black
					nodeParent.Color = Red
					t.rightRotate(nodeParent)
					sibling = nodeParent.Left
				}
				if sibling.Right.getColor() == Black && sibling.Left.getColor() == Black {
					sibling.Color = Red
					node, nodeParent = nodeParent, nodeParent.Parent
				} else {
					if sibling.Left.getColor() == Black {
						sibling.Right.Color = Black
						sibling.Color = Red
						t.leftRotate(sibling)
						sibling = nodeParent.Left
					}
					sibling.Color = nodeParent.Color
					nodeParent.Color = Black
					sibling.Left.Color = Black
					t.rightRotate(nodeParent)
					node, nodeParent = t.root, nil
				}
			}
		}
		if node != nil {
			node.Color = Black
		}
	}

	if t.len == 0 {
		t.root = nil
	}
}

// Equal compares two trees by their in-order sequence of values, not
// by internal shape (two red-black trees holding the same values may
// be balanced differently depending on insertion order).
func (t *RBTree[K, V]) Equal(u *RBTree[K, V]) bool {
	if (t == nil) != (u == nil) {
		return false
	}
	if t == nil {
		return true
	}
	if t.len != u.len {
		return false
	}
	tSlice := make([]V, 0, t.len)
	_ = t.Walk(func(node *RBNode[K, V]) error {
		tSlice = append(tSlice, node.Value)
		return nil
	})
	uSlice := make([]V, 0, u.len)
	_ = u.Walk(func(node *RBNode[K, V]) error {
		uSlice = append(uSlice, node.Value)
		return nil
	})
	return reflect.DeepEqual(tSlice, uSlice)
}
