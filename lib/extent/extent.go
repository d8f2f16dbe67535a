// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package extent implements the extent algebra the remap engine is
// built on: a single contiguous run of blocks described by where it
// currently lives (Physical), where it must end up (Logical), and how
// long it is, plus the Vector and Map collections of such runs and
// the operations (merge, intersect, complement, transpose, compose)
// those collections support.
package extent

import (
	"fmt"
	"math/bits"

	"github.com/agentmishra/fstransform/lib/blockaddr"
)

// Tag classifies what an Extent's UserData means. TagDefault and
// TagZeroed are the two values that ever appear in an extent read
// from loop-file/zero-file input; TagStorage only appears on entries
// of a storage_map, where the same field is overloaded to carry the
// entry's offset inside the mmap'd scratch arena instead of a tag.
type Tag int

const (
	TagDefault Tag = 0
	TagZeroed  Tag = 1
	TagStorage Tag = 2
)

// UserData is the small per-extent annotation described in §3. It is
// modeled as an explicit two-field variant, rather than reusing the
// same bare integer for both "tag" and "RAM offset" the way the
// original does, so that a caller can't mistake one for the other at
// compile time; persist.go still serializes it down to the single
// decimal column the wire format expects.
type UserData struct {
	Tag Tag
	// Offset is only meaningful when Tag == TagStorage: the byte
	// offset of this extent within the storage arena.
	Offset int64
}

var (
	Default = UserData{Tag: TagDefault}
	Zeroed  = UserData{Tag: TagZeroed}
)

// Storage builds the UserData for a storage_map entry sitting at the
// given arena offset.
func Storage(offset int64) UserData {
	return UserData{Tag: TagStorage, Offset: offset}
}

func (u UserData) String() string {
	if u.Tag == TagStorage {
		return fmt.Sprintf("storage@%d", u.Offset)
	}
	return u.Tag.String()
}

func (t Tag) String() string {
	switch t {
	case TagDefault:
		return "default"
	case TagZeroed:
		return "zeroed"
	case TagStorage:
		return "storage"
	default:
		return fmt.Sprintf("Tag(%d)", int(t))
	}
}

// Extent is one contiguous run: Length bytes that currently sit at
// Physical and must end up at Logical.
type Extent struct {
	Physical blockaddr.PhysicalAddr
	Logical  blockaddr.LogicalAddr
	Length   blockaddr.Length
	UserData UserData
}

func (e Extent) String() string {
	return fmt.Sprintf("{physical:%d logical:%d length:%d user_data:%v}",
		int64(e.Physical), int64(e.Logical), int64(e.Length), e.UserData)
}

// PhysicalEnd returns the address one past the end of e's physical
// range.
func (e Extent) PhysicalEnd() blockaddr.PhysicalAddr {
	return e.Physical.Add(blockaddr.AddrDelta(e.Length))
}

// LogicalEnd returns the address one past the end of e's logical
// range.
func (e Extent) LogicalEnd() blockaddr.LogicalAddr {
	return e.Logical.Add(blockaddr.AddrDelta(e.Length))
}

// adjoins reports whether a directly precedes b: a's physical range
// ends exactly where b's begins, a's logical range ends exactly where
// b's begins, and their UserData agree. This is the "all three of
// physical-adjacency, logical-adjacency, and user_data equality" rule
// from §4.1.
func adjoins(a, b Extent) bool {
	return a.PhysicalEnd() == b.Physical &&
		a.LogicalEnd() == b.Logical &&
		a.UserData == b.UserData
}

// Relation classifies how two extents, a and b, relate when sorted by
// physical address (a.Physical <= b.Physical).
type Relation int

const (
	Before Relation = iota
	TouchBefore
	Intersect
	TouchAfter
	After
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case TouchBefore:
		return "touch-before"
	case Intersect:
		return "intersect"
	case TouchAfter:
		return "touch-after"
	case After:
		return "after"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// Relate computes how a relates to b. The caller is not required to
// have sorted a and b by physical address first: Relate detects which
// one comes first and reports the relation from that extent's point
// of view (i.e. Relate(a,b) and Relate(b,a) are never both
// TouchBefore/TouchAfter for the same pair; they are mirror images).
func Relate(a, b Extent) Relation {
	if b.Physical < a.Physical {
		switch Relate(b, a) {
		case Before:
			return After
		case TouchBefore:
			return TouchAfter
		case TouchAfter:
			return TouchBefore
		case After:
			return Before
		default:
			return Intersect
		}
	}
	switch {
	case a.PhysicalEnd() < b.Physical:
		return Before
	case a.PhysicalEnd() == b.Physical:
		if adjoins(a, b) {
			return TouchBefore
		}
		return Before
	default:
		return Intersect
	}
}

// EffectiveBlockSize derives the largest power of two that divides
// every offset and length in extents, and also divides devLen. It is
// computed by OR-accumulating every value into a bitmask and taking
// the lowest set bit (§3); if no extent carries a nonzero low bit,
// the result degrades gracefully toward devLen's own alignment.
func EffectiveBlockSize(devLen uint64, extents []Extent) uint64 {
	mask := devLen
	for _, e := range extents {
		mask |= uint64(e.Physical) | uint64(e.Logical) | uint64(e.Length)
	}
	if mask == 0 {
		return 0
	}
	return uint64(1) << bits.TrailingZeros64(mask)
}
