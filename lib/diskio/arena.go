// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/ferr"
)

// Arena is a byte-addressable scratch region backed by an mmap'd file
// (the job directory's storage file, mapped from offset 0): the
// SideStorage half of PosixDriver's address space.
type Arena struct {
	file    *os.File
	data    []byte
	locked  bool
	ownFile bool
}

// OpenArena mmaps length bytes of f starting at offset 0 and attempts
// to mlock the mapping so scratch data isn't paged out mid-copy; a
// failed mlock is recoverable (§7's error taxonomy: "mlock failed →
// warn and continue") and is reported via the locked return rather
// than an error.
func OpenArena(f *os.File, length blockaddr.Length, ownFile bool) (arena *Arena, locked bool, err error) {
	if length <= 0 {
		return nil, false, ferr.New(ferr.InvalidArgument, "diskio.OpenArena: length %d must be positive", int64(length))
	}
	if err := f.Truncate(int64(length)); err != nil {
		return nil, false, ferr.Wrap(ferr.IOError, err, "diskio.OpenArena: truncate to %d", int64(length))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, false, ferr.Wrap(ferr.IOError, err, "diskio.OpenArena: mmap %d bytes", int64(length))
	}
	lockErr := unix.Mlock(data)
	return &Arena{file: f, data: data, locked: lockErr == nil, ownFile: ownFile}, lockErr == nil, nil
}

func (a *Arena) Length() blockaddr.Length {
	return blockaddr.Length(len(a.data))
}

func (a *Arena) checkRange(offset blockaddr.PhysicalAddr, length blockaddr.Length) error {
	return checkBounds(offset, length, a.Length())
}

func (a *Arena) ReadAt(offset blockaddr.PhysicalAddr, length blockaddr.Length) ([]byte, error) {
	if err := a.checkRange(offset, length); err != nil {
		return nil, err
	}
	return a.data[offset : int64(offset)+int64(length)], nil
}

func (a *Arena) WriteAt(offset blockaddr.PhysicalAddr, src []byte) error {
	if err := a.checkRange(offset, blockaddr.Length(len(src))); err != nil {
		return err
	}
	copy(a.data[offset:], src)
	return nil
}

func (a *Arena) Zero(offset blockaddr.PhysicalAddr, length blockaddr.Length) error {
	if err := a.checkRange(offset, length); err != nil {
		return err
	}
	dst := a.data[offset : int64(offset)+int64(length)]
	for i := range dst {
		dst[i] = 0
	}
	return nil
}

// Sync msyncs the mapping, per §4.5's Flush contract.
func (a *Arena) Sync() error {
	if len(a.data) == 0 {
		return nil
	}
	if err := unix.Msync(a.data, unix.MS_SYNC); err != nil {
		return ferr.Wrap(ferr.IOError, err, "diskio.Arena.Sync: msync")
	}
	return nil
}

// Close munmaps the arena and, if the backing file was opened solely
// for this arena (not an fd the caller still owns), closes it. The
// file itself is left on disk so an interrupted job can be resumed;
// removing it is up to the caller.
func (a *Arena) Close() error {
	var errs []error
	if a.locked {
		if err := unix.Munlock(a.data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(a.data) > 0 {
		if err := unix.Munmap(a.data); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ownFile {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return ferr.Wrap(ferr.IOError, errs[0], "diskio.Arena.Close: %d error(s) releasing arena", len(errs))
	}
	return nil
}
