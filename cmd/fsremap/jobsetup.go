// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/fmtutil"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/linux"
	"github.com/agentmishra/fstransform/lib/sizer"
	"github.com/agentmishra/fstransform/lib/slices"
)

const storageFileName = "storage.bin"

// storagePath is the secondary storage file's path within a job
// directory (§6: "{job_dir}/storage.bin ... on success, removed").
func storagePath(jobDir string) string {
	return filepath.Join(jobDir, storageFileName)
}

// jobFlags holds the CLI surface named in SPEC_FULL.md §6 for `run`.
// `resume` does not use it: it registers its own --job-dir,
// --umount-cmd, and --clear-free-space flags, and the rest comes back
// out of the journal.
type jobFlags struct {
	Device    string
	LoopFile  string
	ZeroFile  string
	JobDir    string
	Force     bool
	Simulate  bool
	TestExtents string

	StoragePrimary   int64
	StorageSecondary int64
	StorageTotal     int64
	RAMBuffer        int64

	ClearFreeSpace bool
	UmountCmd      string
	FiemapStrict   bool
}

func (f *jobFlags) register(cmd *pflag.FlagSet) {
	cmd.StringVar(&f.Device, "device", "", "block device (or regular file, with --force) to remap in place")
	cmd.StringVar(&f.LoopFile, "loop-file", "", "read-only file whose layout gives the target block positions")
	cmd.StringVar(&f.ZeroFile, "zero-file", "", "read-only file whose extents mark device free space to reserve")
	cmd.StringVar(&f.JobDir, "job-dir", "", "directory to hold the journal and secondary storage file")
	cmd.BoolVar(&f.Force, "force", false, "downgrade fstat/dev_t sanity-check failures to warnings")
	cmd.BoolVar(&f.Simulate, "simulate", false, "use an in-memory TestDriver instead of touching a real device")
	cmd.StringVar(&f.TestExtents, "test-extents", "", "§6 text-format extent file, read instead of FIEMAP in --simulate mode")
	cmd.Int64Var(&f.StoragePrimary, "storage-primary", 0, "cap, in bytes, on scratch carved from in-device free space (0 = sizer default)")
	cmd.Int64Var(&f.StorageSecondary, "storage-secondary", 0, "cap, in bytes, on scratch taken from the job dir's auxiliary file (0 = sizer default)")
	cmd.Int64Var(&f.StorageTotal, "storage-total", 0, "cap, in bytes, on total scratch space (0 = sizer default)")
	cmd.Int64Var(&f.RAMBuffer, "ram-buffer", 0, "cap, in bytes, on the RAM buffer used for DEV→DEV moves (0 = sizer default)")
	cmd.BoolVar(&f.ClearFreeSpace, "clear-free-space", false, "zero every remaining free extent during the finishing pass")
	cmd.StringVar(&f.UmountCmd, "umount-cmd", "", "shell command run to unmount the device before remapping starts")
	cmd.BoolVar(&f.FiemapStrict, "fiemap-strict", false, "fail instead of falling back from FIEMAP to FIBMAP")
}

// jobResult is what buildJob needs to hand `run`: a ready driver, the
// tag it should be journalled under, the sizer's decision, and the
// three extent sets remap.New takes.
type jobResult struct {
	Driver      diskio.Driver
	DriverTag   journal.DriverTag
	Plan        sizer.Plan
	LoopExtents extent.Vector
	FreeExtents extent.Vector
	Storage     extent.Vector
	ArenaLocked bool
}

// buildJob opens (or simulates) the device and loop/zero files named
// by f, discovers the initial dev_map/dev_free_map, sizes the scratch
// pool (§4.3), and returns a ready-to-run diskio.Driver plus the
// extent sets remap.New needs. It is only used by `run`; `resume`
// rebuilds the driver from the journal's manifest instead.
func buildJob(f *jobFlags) (*jobResult, error) {
	if f.Simulate || f.TestExtents != "" {
		return buildTestJob(f)
	}
	return buildPosixJob(f)
}

func buildTestJob(f *jobFlags) (*jobResult, error) {
	if f.TestExtents == "" {
		return nil, ferr.New(ferr.InvalidArgument, "fsremap run: --simulate requires --test-extents")
	}
	ef, err := os.Open(f.TestExtents)
	if err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap run: opening --test-extents")
	}
	defer ef.Close()
	loopExtents, err := diskio.LoadExtents(ef)
	if err != nil {
		return nil, err
	}

	var devLength blockaddr.Length
	for _, e := range loopExtents {
		devLength = slices.Max(devLength, blockaddr.Length(e.PhysicalEnd()), blockaddr.Length(int64(e.LogicalEnd())))
	}

	plan, err := planScratch(f, devLength, loopExtents)
	if err != nil {
		return nil, err
	}

	freeMap, err := complementFreeMap(loopExtents, nil, devLength)
	if err != nil {
		return nil, err
	}

	driver := diskio.NewTestDriver(devLength, plan.Total())
	storage := extent.Vector{{Physical: 0, Logical: 0, Length: plan.Total(), UserData: extent.Default}}
	return &jobResult{
		Driver: driver, DriverTag: journal.DriverTest, Plan: plan,
		LoopExtents: loopExtents, FreeExtents: freeMap, Storage: storage,
		ArenaLocked: true,
	}, nil
}

func buildPosixJob(f *jobFlags) (*jobResult, error) {
	if f.Device == "" || f.LoopFile == "" || f.JobDir == "" {
		return nil, ferr.New(ferr.InvalidArgument, "fsremap run: --device, --loop-file, and --job-dir are required")
	}

	dev, err := os.OpenFile(f.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap run: opening --device")
	}
	if err := checkDeviceMode(dev, f.Force); err != nil {
		dev.Close()
		return nil, err
	}

	loopFile, err := os.Open(f.LoopFile)
	if err != nil {
		dev.Close()
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap run: opening --loop-file")
	}
	defer loopFile.Close()

	discover := diskio.DiscoverExtents
	if f.FiemapStrict {
		discover = diskio.DiscoverExtentsStrict
	}
	loopExtents, err := discover(loopFile)
	if err != nil {
		dev.Close()
		return nil, err
	}

	var zeroExtents extent.Vector
	if f.ZeroFile != "" {
		zeroFile, err := os.Open(f.ZeroFile)
		if err != nil {
			dev.Close()
			return nil, ferr.Wrap(ferr.IOError, err, "fsremap run: opening --zero-file")
		}
		zeroExtents, err = discover(zeroFile)
		zeroFile.Close()
		if err != nil {
			dev.Close()
			return nil, err
		}
	}

	devLength, err := diskio.FileDeviceLength(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	plan, err := planScratch(f, devLength, loopExtents)
	if err != nil {
		dev.Close()
		return nil, err
	}

	freeMap, err := complementFreeMap(loopExtents, zeroExtents, devLength)
	if err != nil {
		dev.Close()
		return nil, err
	}

	arenaFile, err := os.OpenFile(filepath.Join(f.JobDir, storageFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		dev.Close()
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap run: opening storage file")
	}

	driver, locked, err := diskio.NewPosixDriver(dev, arenaFile, plan.Total(), f.UmountCmd)
	if err != nil {
		dev.Close()
		arenaFile.Close()
		return nil, err
	}

	storage := extent.Vector{{Physical: 0, Logical: 0, Length: plan.Total(), UserData: extent.Default}}
	return &jobResult{
		Driver: driver, DriverTag: journal.DriverPosix, Plan: plan,
		LoopExtents: loopExtents, FreeExtents: freeMap, Storage: storage,
		ArenaLocked: locked,
	}, nil
}

// checkDeviceMode enforces §6's "must be a block device" input
// constraint, downgradable to a warning by --force per §7.
func checkDeviceMode(dev *os.File, force bool) error {
	fi, err := dev.Stat()
	if err != nil {
		return ferr.Wrap(ferr.IOError, err, "fsremap: stat --device")
	}
	mode := linux.StatMode(fi.Mode().Perm())
	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		mode = linux.StatMode(sys.Mode)
	}
	if mode&linux.ModeFmt == linux.ModeFmtBlockDevice {
		return nil
	}
	perm := fmtutil.BitfieldString(uint16(mode&linux.ModePerm), permBitNames, fmtutil.HexLower)
	err = ferr.NewDowngradable(ferr.InvalidArgument,
		"fsremap: --device (mode %s, perm %s) is not a block device", mode, perm)
	return ferr.MaybeForce(force, err, func(msg string) {
		dlog.Warnf(context.Background(), "fsremap: %s", msg)
	})
}

// permBitNames indexes the nine low bits of a Unix permission mode,
// bit position i naming 1<<i, for fmtutil.BitfieldString's benefit.
var permBitNames = []string{
	"o+x", "o+w", "o+r",
	"g+x", "g+w", "g+r",
	"u+x", "u+w", "u+r",
}

// planScratch runs the sizer (§4.3) with the caps from f, clamped
// onto a query of total system RAM for the default RAM-buffer target.
func planScratch(f *jobFlags, devLength blockaddr.Length, loopExtents extent.Vector) (sizer.Plan, error) {
	var totalRAM blockaddr.Length = 512 << 20 // conservative fallback if Sysinfo fails
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		totalRAM = blockaddr.Length(info.Totalram) * blockaddr.Length(info.Unit)
	}

	var freeLength blockaddr.Length
	var devMapLength blockaddr.Length
	loopExtents.SortByPhysical()
	cursor := blockaddr.PhysicalAddr(0)
	for _, e := range loopExtents {
		if e.Physical > cursor {
			freeLength += blockaddr.Length(e.Physical - cursor)
		}
		if e.PhysicalEnd() > cursor {
			cursor = e.PhysicalEnd()
		}
		if int64(e.Physical) != int64(e.Logical) {
			devMapLength += e.Length
		}
	}
	if devLength > cursor {
		freeLength += devLength - cursor
	}

	caps := sizer.Caps{
		Primary:   blockaddr.Length(f.StoragePrimary),
		Secondary: blockaddr.Length(f.StorageSecondary),
		Total:     blockaddr.Length(f.StorageTotal),
		RAMBuffer: blockaddr.Length(f.RAMBuffer),
	}
	return caps.Plan(totalRAM, devLength, freeLength, devMapLength)
}

// complementFreeMap builds the initial dev_free_map (§3): the
// complement of loopExtents within [0, devLength), minus any extents
// the zero-file trick reserved.
func complementFreeMap(loopExtents, zeroExtents extent.Vector, devLength blockaddr.Length) (extent.Vector, error) {
	loopExtents.SortByPhysical()
	var m extent.Map
	if err := m.Complement0PhysicalShift(loopExtents, blockaddr.PhysicalAddr(devLength)); err != nil {
		return nil, err
	}
	for _, e := range zeroExtents {
		if err := m.Remove(e); err != nil {
			return nil, err
		}
	}
	return m.Extents(), nil
}
