// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sizer computes how much scratch space a remap job should
// carve out of the device, an auxiliary file, and RAM (§4.3): the
// storage sizer that runs once, before the pool is built, to decide
// the targets the pool and RAM buffer will then try to satisfy.
package sizer

import (
	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/ferr"
)

const (
	// minScratch is the floor under the target total scratch size,
	// applied regardless of how small dev_map is.
	minScratch = 4 << 20 // 4 MiB

	// scratchFraction is the denominator of the fraction of
	// dev_map's length that the target total scratch tracks:
	// target = max(minScratch, devMapLen/scratchFraction).
	scratchFraction = 32

	kib = 1 << 10
	gib = 1 << 30
	tib = 1 << 40
)

// Caps mirrors the four configured hard caps named in §4.3
// (storage_size[{PRIMARY, SECONDARY, TOTAL, RAM_BUFFER}]); zero means
// "no cap configured" for that slot.
type Caps struct {
	Primary   blockaddr.Length
	Secondary blockaddr.Length
	Total     blockaddr.Length
	RAMBuffer blockaddr.Length
}

// Plan is the sizer's decision: how many bytes of scratch to take from
// in-device free space, how many from a new auxiliary file, and how
// large a RAM buffer to reserve for DEV→DEV moves that can't go via
// storage.
type Plan struct {
	Primary   blockaddr.Length
	Secondary blockaddr.Length
	RAMBuffer blockaddr.Length
}

// Total is the sum of the plan's device-resident scratch (primary
// plus secondary); it excludes RAMBuffer, which is not device space.
func (p Plan) Total() blockaddr.Length {
	return p.Primary + p.Secondary
}

// CriticalThreshold computes the critically-low-free-space threshold
// for a device of the given length (§4.3): 96 KiB at or below 6 GiB,
// device/65536 between 6 GiB and 64 TiB, and a flat 1 GiB above that.
func CriticalThreshold(deviceLength blockaddr.Length) blockaddr.Length {
	switch {
	case deviceLength <= 6*gib:
		return 96 * kib
	case deviceLength <= 64*tib:
		return deviceLength / 65536
	default:
		return 1 * gib
	}
}

// Plan computes the scratch-space targets described in §4.3: a total
// scratch target derived from devMapLength (clamped by cap.Total if
// set), filled first from freeLength of in-device free space (clamped
// by cap.Primary and by the critically-low-free-space threshold for a
// device of deviceLength bytes), with any shortfall assigned to a
// secondary auxiliary file (clamped by cap.Secondary), plus an
// independently sized RAM buffer (clamped by cap.RAMBuffer,
// defaulting to totalRAM divided by scratchFraction).
//
// Plan fails with an ferr.NoSpace error if even taking zero bytes of
// primary scratch would leave free space below the threshold — i.e.
// the device is already critically low, independent of this job.
func (c Caps) Plan(totalRAM, deviceLength, freeLength, devMapLength blockaddr.Length) (Plan, error) {
	threshold := CriticalThreshold(deviceLength)
	if freeLength < threshold {
		return Plan{}, ferr.New(ferr.NoSpace,
			"sizer.Plan: device free space %d is already below the critical threshold %d", int64(freeLength), int64(threshold))
	}

	target := devMapLength / scratchFraction
	if target < minScratch {
		target = minScratch
	}
	if c.Total > 0 && target > c.Total {
		target = c.Total
	}

	primary := target
	if c.Primary > 0 && primary > c.Primary {
		primary = c.Primary
	}
	if maxPrimary := freeLength - threshold; primary > maxPrimary {
		primary = maxPrimary
	}

	secondary := target - primary
	if secondary < 0 {
		secondary = 0
	}
	if c.Secondary > 0 && secondary > c.Secondary {
		secondary = c.Secondary
	}

	ramBuffer := totalRAM / scratchFraction
	if c.RAMBuffer > 0 && ramBuffer > c.RAMBuffer {
		ramBuffer = c.RAMBuffer
	}
	if ramBuffer > totalRAM {
		ramBuffer = totalRAM
	}

	return Plan{Primary: primary, Secondary: secondary, RAMBuffer: ramBuffer}, nil
}
