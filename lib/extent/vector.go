// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extent

import (
	"fmt"
	"io"
	"sort"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// Vector is an ordered list of extents with no merge-on-insert and no
// uniqueness requirement on Physical; it is the representation used
// for batches of work (a single DEV→DEV move, an a2b/a2c composition
// input) rather than for the long-lived dev_map/storage_map/
// dev_free_map, which are Maps.
type Vector []Extent

// Append pushes (physical, logical, length, ud) onto v, extending the
// last entry in place if it is physically, logically, and
// user-data-adjacent to the new one (§4.1).
func (v *Vector) Append(physical blockaddr.PhysicalAddr, logical blockaddr.LogicalAddr, length blockaddr.Length, ud UserData) error {
	if length == 0 {
		return nil
	}
	next := Extent{Physical: physical, Logical: logical, Length: length, UserData: ud}
	if n := len(*v); n > 0 {
		last := (*v)[n-1]
		if adjoins(last, next) {
			sum := int64(last.Length) + int64(length)
			if sum < int64(last.Length) {
				return ferr.New(ferr.Overflow, "extent.Vector.Append: length overflow extending %v with %v", last, next)
			}
			(*v)[n-1].Length = blockaddr.Length(sum)
			return nil
		}
	}
	*v = append(*v, next)
	return nil
}

// AppendExtent is Append taking an already-built Extent.
func (v *Vector) AppendExtent(e Extent) error {
	return v.Append(e.Physical, e.Logical, e.Length, e.UserData)
}

func (v Vector) SortByPhysical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Physical < v[j].Physical })
}

func (v Vector) SortByLogical() {
	sort.Slice(v, func(i, j int) bool { return v[i].Logical < v[j].Logical })
}

func (v Vector) SortByReverseLength() {
	sort.Slice(v, func(i, j int) bool { return v[i].Length > v[j].Length })
}

// Transpose swaps physical and logical in every extent of v, and
// returns the result as a new Vector; it does not re-sort, since
// doing so twice must be an involution (§8): transposing a
// physical-sorted vector yields a logical-sorted one, and
// transposing that back yields the original physical-sorted vector.
func (v Vector) Transpose() Vector {
	out := make(Vector, len(v))
	for i, e := range v {
		out[i] = Extent{
			Physical: blockaddr.PhysicalAddr(e.Logical),
			Logical:  blockaddr.LogicalAddr(e.Physical),
			Length:   e.Length,
			UserData: e.UserData,
		}
	}
	return out
}

// TruncateAtLogical drops every extent whose Logical >= end, and
// trims (shortens) any extent straddling end so that none of the
// result extends past it. v must be sorted by logical.
func (v Vector) TruncateAtLogical(end blockaddr.LogicalAddr) Vector {
	out := make(Vector, 0, len(v))
	for _, e := range v {
		switch {
		case e.Logical >= end:
			continue
		case e.LogicalEnd() > end:
			e.Length = blockaddr.Length(end - e.Logical)
			out = append(out, e)
		default:
			out = append(out, e)
		}
	}
	return out
}

// Fprint renders v as "#"-prefixed tabular physical/logical/length/
// user_data lines for human-readable diagnostics. Its column line is
// the same as the last banner line of the persisted extent-set format
// (§6), but Save does not use Fprint for the rows.
func (v Vector) Fprint(w io.Writer, label string) {
	if len(v) == 0 {
		fmt.Fprintf(w, "#   no extents in %s\n", label)
		return
	}
	fmt.Fprintf(w, "# %4d extent%s in %s\n", len(v), plural(len(v)), label)
	fmt.Fprintln(w, "#  extent           physical         logical      length  user_data")
	for i, e := range v {
		fmt.Fprintf(w, "#%8d\t%12d\t%12d\t%8d\t(%v)\n",
			i, int64(e.Physical), int64(e.Logical), int64(e.Length), e.UserData)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Compose computes the B→C mapping implied by two A-domain-sorted
// vectors: v (A→B, this receiver) and a2c (A→C). user_data is copied
// from v. Any portion of B that a2c does not cover is appended to
// unmapped, if non-nil. Compose errors if a2c's domain is smaller
// than v's, or has a hole that v does not — i.e. a2c must cover every
// A-offset that v covers.
func (v Vector) Compose(a2c Vector, unmapped *Vector) (Vector, error) {
	av := make(Vector, len(v))
	copy(av, v)
	av.SortByPhysical()
	ac := make(Vector, len(a2c))
	copy(ac, a2c)
	ac.SortByPhysical()

	var out Vector
	i, j := 0, 0
	for i < len(av) {
		ab := av[i]
		for j < len(ac) && ac[j].PhysicalEnd() <= ab.Physical {
			j++
		}
		if j >= len(ac) || ac[j].Physical > ab.Physical {
			return nil, ferr.New(ferr.InvalidArgument,
				"extent.Vector.Compose: a2c has no coverage for a-offset %d (from a2b entry %v)", int64(ab.Physical), ab)
		}
		aStart := ab.Physical
		aEnd := ab.PhysicalEnd()
		for aStart < aEnd {
			if j >= len(ac) || ac[j].Physical > aStart {
				return nil, ferr.New(ferr.InvalidArgument,
					"extent.Vector.Compose: a2c has a hole at a-offset %d", int64(aStart))
			}
			segEnd := ac[j].PhysicalEnd()
			if segEnd > aEnd {
				segEnd = aEnd
			}
			segLen := blockaddr.Length(segEnd - aStart)

			bOff := ab.Logical.Add(aStart.Sub(ab.Physical))
			cOff := ac[j].Logical.Add(blockaddr.AddrDelta(aStart - ac[j].Physical))

			if err := out.Append(blockaddr.PhysicalAddr(bOff), cOff, segLen, ab.UserData); err != nil {
				return nil, err
			}

			aStart = aStart.Add(blockaddr.AddrDelta(segLen))
			if aStart == ac[j].PhysicalEnd() {
				j++
			}
		}
		i++
	}

	if unmapped != nil {
		// B (the codomain of v=a2b) is exactly v's Logical range.
		// out is keyed by B (out.Physical == some v[i].Logical
		// offset), so whatever B-range v claims but out does not
		// cover is unmapped.
		bRanges := make(Vector, len(av))
		copy(bRanges, av)
		for i := range bRanges {
			bRanges[i].Physical = blockaddr.PhysicalAddr(bRanges[i].Logical)
		}
		bRanges.SortByPhysical()
		covered := make(Vector, len(out))
		copy(covered, out)
		covered.SortByPhysical()

		for _, b := range bRanges {
			start, end := b.Physical, b.PhysicalEnd()
			for _, c := range covered {
				cs, ce := c.Physical, c.PhysicalEnd()
				if ce <= start || cs >= end {
					continue
				}
				if cs > start {
					if err := unmapped.Append(start, 0, blockaddr.Length(cs-start), Default); err != nil {
						return nil, err
					}
				}
				if ce > start {
					start = ce
				}
			}
			if start < end {
				if err := unmapped.Append(start, 0, blockaddr.Length(end-start), Default); err != nil {
					return nil, err
				}
			}
		}
	}

	return out, nil
}
