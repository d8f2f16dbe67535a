// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// Side names which side of a copy an offset refers to (§4.5).
type Side int

const (
	SideDev Side = iota
	SideStorage
)

// Driver is the I/O contract the remap executor is built on (§4.5):
// byte-unit copy/zero/flush/check operations against the device and
// the storage arena. Every implementation must validate that
// offset+length does not overflow the relevant side's maximum extent
// (device length for Dev, arena size for Storage) and return an
// ferr.Overflow error rather than wrapping around.
type Driver interface {
	// Copy moves length bytes from (fromSide, from) to (toSide, to).
	// Exactly one of fromSide/toSide may be SideStorage when the other
	// is SideDev; DevToDev copies are internally RAM-buffered (§4.4
	// step 2), so Driver never sees a direct dev-to-dev memmove.
	Copy(fromSide Side, from blockaddr.PhysicalAddr, toSide Side, to blockaddr.PhysicalAddr, length blockaddr.Length) error

	// ReadSide and WriteSide move bytes between (side, offset) and a
	// caller-owned Go slice. The remap executor's RAM-buffered
	// DEV→DEV fill/drain loop (§4.4 step 2) is built from these
	// rather than from Copy, since Copy has no side that is "a Go
	// slice in the executor's own memory".
	ReadSide(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error)
	WriteSide(side Side, offset blockaddr.PhysicalAddr, data []byte) error

	// Zero writes length bytes of zero to (side, offset).
	Zero(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) error

	// Flush msyncs the storage arena, then syncs the device. The
	// executor calls this at the end of every DEV→DEV batch and
	// before releasing a scratch extent back to the pool (§5).
	Flush() error

	// CheckLastBlock verifies the final logical block of the device
	// is writable, per §4.5.
	CheckLastBlock(deviceLength blockaddr.Length) error

	// DeviceLength and ArenaLength report the two sides' sizes, for
	// bounds-checking by callers that build requests.
	DeviceLength() blockaddr.Length
	ArenaLength() blockaddr.Length

	// Close releases any OS resources (file descriptors, mmap'd
	// memory) the driver holds.
	Close() error
}

// checkBounds is the shared overflow/bounds check every Driver
// implementation's Copy/Zero should run before touching the OS: it
// rejects negative offsets, negative lengths, and any offset+length
// that overflows or exceeds max.
func checkBounds(offset blockaddr.PhysicalAddr, length, max blockaddr.Length) error {
	if offset < 0 || length < 0 {
		return ferr.New(ferr.InvalidArgument, "diskio: negative offset %d or length %d", int64(offset), int64(length))
	}
	end, ok := offset.AddChecked(blockaddr.AddrDelta(length))
	if !ok {
		return ferr.New(ferr.Overflow, "diskio: offset %d + length %d overflows", int64(offset), int64(length))
	}
	if blockaddr.Length(end) > max {
		return ferr.New(ferr.Overflow, "diskio: range [%d, %d) exceeds bound %d", int64(offset), int64(end), int64(max))
	}
	return nil
}
