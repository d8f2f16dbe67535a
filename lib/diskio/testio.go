// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"io"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// TestDriver is a Driver over two in-memory byte slices: it backs
// `--simulate`/`--test-extents` (§6), letting the executor and CLI be
// exercised end to end without touching a real block device. The
// device side's initial extent layout is loaded from the §6 text
// format rather than discovered via FIEMAP, since there is no real
// file to stat.
type TestDriver struct {
	dev   []byte
	arena []byte
}

// NewTestDriver allocates a zeroed device of devLength bytes and a
// zeroed arena of arenaLength bytes.
func NewTestDriver(devLength, arenaLength blockaddr.Length) *TestDriver {
	return &TestDriver{
		dev:   make([]byte, int64(devLength)),
		arena: make([]byte, int64(arenaLength)),
	}
}

// LoadExtents parses the §6 text format from r and returns the
// extents it describes, for seeding a TestDriver's initial dev_map
// without a real FIEMAP call (the --test-extents flag).
func LoadExtents(r io.Reader) (extent.Vector, error) {
	return extent.Load(r)
}

func (d *TestDriver) sideSlice(side Side) ([]byte, error) {
	switch side {
	case SideDev:
		return d.dev, nil
	case SideStorage:
		return d.arena, nil
	default:
		return nil, ferr.New(ferr.InvalidArgument, "diskio.TestDriver: unknown side %d", int(side))
	}
}

func (d *TestDriver) ReadSide(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error) {
	buf, err := d.sideSlice(side)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(offset, length, blockaddr.Length(len(buf))); err != nil {
		return nil, err
	}
	out := make([]byte, int64(length))
	copy(out, buf[offset:int64(offset)+int64(length)])
	return out, nil
}

func (d *TestDriver) WriteSide(side Side, offset blockaddr.PhysicalAddr, data []byte) error {
	buf, err := d.sideSlice(side)
	if err != nil {
		return err
	}
	if err := checkBounds(offset, blockaddr.Length(len(data)), blockaddr.Length(len(buf))); err != nil {
		return err
	}
	copy(buf[offset:], data)
	return nil
}

func (d *TestDriver) Copy(fromSide Side, from blockaddr.PhysicalAddr, toSide Side, to blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if fromSide == SideDev && toSide == SideDev {
		return ferr.New(ferr.InvalidArgument, "diskio.TestDriver.Copy: direct dev-to-dev copy must go through a RAM buffer")
	}
	src, err := d.sideSlice(fromSide)
	if err != nil {
		return err
	}
	if err := checkBounds(from, length, blockaddr.Length(len(src))); err != nil {
		return err
	}
	dst, err := d.sideSlice(toSide)
	if err != nil {
		return err
	}
	if err := checkBounds(to, length, blockaddr.Length(len(dst))); err != nil {
		return err
	}
	copy(dst[to:int64(to)+int64(length)], src[from:int64(from)+int64(length)])
	return nil
}

func (d *TestDriver) Zero(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) error {
	buf, err := d.sideSlice(side)
	if err != nil {
		return err
	}
	if err := checkBounds(offset, length, blockaddr.Length(len(buf))); err != nil {
		return err
	}
	dst := buf[offset : int64(offset)+int64(length)]
	for i := range dst {
		dst[i] = 0
	}
	return nil
}

func (d *TestDriver) Flush() error { return nil }

func (d *TestDriver) CheckLastBlock(deviceLength blockaddr.Length) error {
	if deviceLength <= 0 || int64(deviceLength) > int64(len(d.dev)) {
		return ferr.New(ferr.InvalidArgument, "diskio.TestDriver.CheckLastBlock: device length %d out of range", int64(deviceLength))
	}
	return nil
}

func (d *TestDriver) DeviceLength() blockaddr.Length { return blockaddr.Length(len(d.dev)) }
func (d *TestDriver) ArenaLength() blockaddr.Length  { return blockaddr.Length(len(d.arena)) }
func (d *TestDriver) Close() error                   { return nil }

// Bytes exposes the device side for test assertions; it is not part
// of the Driver interface.
func (d *TestDriver) Bytes() []byte { return d.dev }

var _ Driver = (*TestDriver)(nil)
