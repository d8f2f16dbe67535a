// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// PosixDriver is the real-device Driver (§4.5): the device side is an
// *os.File opened on the block device or loop/zero file named by the
// CLI's --device flag, and the storage side is an Arena mmap'd over
// the job directory's storage file.
type PosixDriver struct {
	dev       *OSFile[blockaddr.PhysicalAddr]
	devLength blockaddr.Length
	arena     *Arena
	umountCmd string
}

// NewPosixDriver opens dev for the device side and wraps arenaFile (an
// file sized to §4.3's Plan total) as the storage side. umountCmd
// (§6's --umount-cmd flag) is stored rather than run eagerly: it runs
// only when the caller invokes Umount.
func NewPosixDriver(dev *os.File, arenaFile *os.File, arenaLength blockaddr.Length, umountCmd string) (*PosixDriver, bool, error) {
	devLength, err := FileDeviceLength(dev)
	if err != nil {
		return nil, false, err
	}
	arena, locked, err := OpenArena(arenaFile, arenaLength, true)
	if err != nil {
		return nil, false, err
	}
	return &PosixDriver{
		dev:       &OSFile[blockaddr.PhysicalAddr]{File: dev},
		devLength: devLength,
		arena:     arena,
		umountCmd: umountCmd,
	}, locked, nil
}

// blkGetSize64 is BLKGETSIZE64 from <linux/fs.h>, not exposed by
// golang.org/x/sys/unix.
const blkGetSize64 = 0x80081272

// FileDeviceLength returns f's length: its regular-file size, or, for
// block special files (which fstat reports as size 0), the result of
// the BLKGETSIZE64 ioctl — the same raw-ioctl idiom DiscoverExtents
// uses for FIEMAP. Exported so the CLI can size the sizer's inputs
// before a Driver exists to ask.
func FileDeviceLength(f *os.File) (blockaddr.Length, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, ferr.Wrap(ferr.IOError, err, "diskio.FileDeviceLength: stat")
	}
	if size := fi.Size(); size != 0 {
		return blockaddr.Length(size), nil
	}
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, ferr.Wrap(ferr.IOError, errno, "diskio.FileDeviceLength: BLKGETSIZE64 ioctl")
	}
	return blockaddr.Length(size), nil
}

// DiscoverDeviceExtents runs FIEMAP/FIBMAP extent discovery (§4.5)
// against the device file, for callers building the initial dev_map.
func (d *PosixDriver) DiscoverDeviceExtents() (extent.Vector, error) {
	return DiscoverExtents(d.dev.File)
}

func (d *PosixDriver) sideBuf(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error) {
	switch side {
	case SideDev:
		if err := checkBounds(offset, length, d.devLength); err != nil {
			return nil, err
		}
		buf := make([]byte, int64(length))
		if _, err := d.dev.ReadAt(buf, offset); err != nil {
			return nil, ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver: read device at %d", int64(offset))
		}
		return buf, nil
	case SideStorage:
		return d.arena.ReadAt(offset, length)
	default:
		return nil, ferr.New(ferr.InvalidArgument, "diskio.PosixDriver: unknown side %d", int(side))
	}
}

func (d *PosixDriver) sideWrite(side Side, offset blockaddr.PhysicalAddr, buf []byte) error {
	switch side {
	case SideDev:
		if err := checkBounds(offset, blockaddr.Length(len(buf)), d.devLength); err != nil {
			return err
		}
		if _, err := d.dev.WriteAt(buf, offset); err != nil {
			return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver: write device at %d", int64(offset))
		}
		return nil
	case SideStorage:
		return d.arena.WriteAt(offset, buf)
	default:
		return ferr.New(ferr.InvalidArgument, "diskio.PosixDriver: unknown side %d", int(side))
	}
}

func (d *PosixDriver) ReadSide(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error) {
	buf, err := d.sideBuf(side, offset, length)
	if err != nil {
		return nil, err
	}
	if side == SideStorage {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	return buf, nil
}

func (d *PosixDriver) WriteSide(side Side, offset blockaddr.PhysicalAddr, data []byte) error {
	return d.sideWrite(side, offset, data)
}

func (d *PosixDriver) Copy(fromSide Side, from blockaddr.PhysicalAddr, toSide Side, to blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if fromSide == SideDev && toSide == SideDev {
		return ferr.New(ferr.InvalidArgument, "diskio.PosixDriver.Copy: direct dev-to-dev copy must go through a RAM buffer")
	}
	buf, err := d.sideBuf(fromSide, from, length)
	if err != nil {
		return err
	}
	return d.sideWrite(toSide, to, buf)
}

func (d *PosixDriver) Zero(side Side, offset blockaddr.PhysicalAddr, length blockaddr.Length) error {
	switch side {
	case SideDev:
		if err := checkBounds(offset, length, d.devLength); err != nil {
			return err
		}
		buf := make([]byte, int64(length))
		if _, err := d.dev.WriteAt(buf, offset); err != nil {
			return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver: zero device at %d", int64(offset))
		}
		return nil
	case SideStorage:
		return d.arena.Zero(offset, length)
	default:
		return ferr.New(ferr.InvalidArgument, "diskio.PosixDriver: unknown side %d", int(side))
	}
}

func (d *PosixDriver) Flush() error {
	if err := d.arena.Sync(); err != nil {
		return err
	}
	if err := d.dev.File.Sync(); err != nil {
		return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver.Flush: fsync device")
	}
	return nil
}

func (d *PosixDriver) CheckLastBlock(deviceLength blockaddr.Length) error {
	if deviceLength <= 0 {
		return ferr.New(ferr.InvalidArgument, "diskio.PosixDriver.CheckLastBlock: non-positive device length %d", int64(deviceLength))
	}
	var probe [1]byte
	if _, err := d.dev.ReadAt(probe[:], blockaddr.PhysicalAddr(deviceLength)-1); err != nil {
		return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver.CheckLastBlock: read last byte")
	}
	if _, err := d.dev.WriteAt(probe[:], blockaddr.PhysicalAddr(deviceLength)-1); err != nil {
		return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver.CheckLastBlock: write last byte")
	}
	return nil
}

func (d *PosixDriver) DeviceLength() blockaddr.Length { return d.devLength }
func (d *PosixDriver) ArenaLength() blockaddr.Length  { return d.arena.Length() }

// Umount runs the configured --umount-cmd, if any (§6).
func (d *PosixDriver) Umount() error {
	if d.umountCmd == "" {
		return nil
	}
	cmd := exec.Command("sh", "-c", d.umountCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return ferr.Wrap(ferr.IOError, err, "diskio.PosixDriver.Umount: %q: %s", d.umountCmd, out)
	}
	return nil
}

func (d *PosixDriver) Close() error {
	var errs []error
	if err := d.arena.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return ferr.Wrap(ferr.IOError, errs[0], "diskio.PosixDriver.Close: %d error(s)", len(errs))
	}
	return nil
}

var _ Driver = (*PosixDriver)(nil)
