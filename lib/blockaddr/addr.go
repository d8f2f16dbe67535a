// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockaddr defines the distinct address types used to talk
// about offsets on the source device ("physical") and offsets within
// the target filesystem being renumbered ("logical"), so that the two
// address spaces can never be silently confused at a call site.
package blockaddr

import (
	"fmt"

	"github.com/agentmishra/fstransform/lib/fmtutil"
)

type (
	// PhysicalAddr is a byte offset into the device being remapped,
	// in its *current* (pre-remap) layout.
	PhysicalAddr int64
	// LogicalAddr is a byte offset into the device, in the *target*
	// (post-remap) layout that the filesystem wants its blocks moved
	// to.
	LogicalAddr int64
	// AddrDelta is the signed distance between two addresses of the
	// same kind.
	AddrDelta int64
)

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a PhysicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }
func (a LogicalAddr) Format(f fmt.State, verb rune)  { formatAddr(int64(a), f, verb) }
func (d AddrDelta) Format(f fmt.State, verb rune)    { formatAddr(int64(d), f, verb) }

func (a PhysicalAddr) Sub(b PhysicalAddr) AddrDelta { return AddrDelta(a - b) }
func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta   { return AddrDelta(a - b) }

func (a PhysicalAddr) Add(b AddrDelta) PhysicalAddr { return a + PhysicalAddr(b) }
func (a LogicalAddr) Add(b AddrDelta) LogicalAddr   { return a + LogicalAddr(b) }

// AddChecked is Add, but returns ok=false instead of silently
// wrapping around on signed overflow. The remap executor treats
// overflow as an ferr.Overflow error rather than letting it corrupt
// an extent map.
func (a PhysicalAddr) AddChecked(b AddrDelta) (PhysicalAddr, bool) {
	sum := a + PhysicalAddr(b)
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func (a LogicalAddr) AddChecked(b AddrDelta) (LogicalAddr, bool) {
	sum := a + LogicalAddr(b)
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Length is a non-negative span of bytes; it is its own type rather
// than a bare AddrDelta so that "length" and "signed delta" can't be
// accidentally swapped at a call site.
type Length int64

func (l Length) Format(f fmt.State, verb rune) { formatAddr(int64(l), f, verb) }
