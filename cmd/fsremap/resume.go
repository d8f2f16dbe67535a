// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/agentmishra/fstransform/lib/diskio"
	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/remap"
)

func newResumeCommand() *cobra.Command {
	var jobDir, umountCmd string
	var clearFreeSpace bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a job interrupted mid-run",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: wrapRunE(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runResume(ctx, jobDir, umountCmd, clearFreeSpace)
		}),
	}
	cmd.Flags().StringVar(&jobDir, "job-dir", "", "the job directory passed to the original `fsremap run`")
	cmd.Flags().StringVar(&umountCmd, "umount-cmd", "", "shell command to unmount the device, if not already unmounted")
	cmd.Flags().BoolVar(&clearFreeSpace, "clear-free-space", false, "zero every remaining free extent during the finishing pass")
	return cmd
}

func runResume(ctx context.Context, jobDir, umountCmd string, clearFreeSpace bool) error {
	if jobDir == "" {
		return ferr.New(ferr.InvalidArgument, "fsremap resume: --job-dir is required")
	}
	if !journal.Exists(jobDir) {
		return ferr.New(ferr.NotConnected, "fsremap resume: %s holds no job", jobDir)
	}
	j, err := journal.Open(jobDir)
	if err != nil {
		return err
	}
	m, err := j.LoadManifest()
	if err != nil {
		return err
	}
	if m.Completed {
		dlog.Info(ctx, "fsremap resume: job already completed, nothing to do")
		return nil
	}

	driver, err := reopenDriver(m, jobDir, umountCmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := driver.Close(); cerr != nil {
			dlog.Errorf(ctx, "fsremap resume: closing driver: %v", cerr)
		}
	}()
	if err := driver.CheckLastBlock(driver.DeviceLength()); err != nil {
		return err
	}

	if um, ok := driver.(interface{ Umount() error }); ok {
		if err := um.Umount(); err != nil {
			return err
		}
	}

	ex, err := remap.Resume(driver, j, m.Plan.RAMBuffer)
	if err != nil {
		return err
	}

	dlog.Infof(ctx, "fsremap resume: %d extent(s) remaining, %d pending writeback",
		len(ex.DevMap()), len(ex.PendingWriteback()))

	if err := ex.Run(ctx); err != nil {
		if err == context.Canceled {
			dlog.Info(ctx, "fsremap resume: interrupted again; state journalled")
		}
		return err
	}

	if err := ex.Finish(ctx, nil, clearFreeSpace); err != nil {
		return err
	}

	if err := os.Remove(storagePath(jobDir)); err != nil && !os.IsNotExist(err) {
		dlog.Errorf(ctx, "fsremap resume: removing %s: %v", storagePath(jobDir), err)
	}
	return nil
}

// reopenDriver rebuilds the Driver the original `fsremap run` used,
// per the manifest's DriverTag (§4.6). A TestDriver can't be resumed
// across process restarts (its state is all in memory), so a
// --simulate job always yields an ferr.Unsupported error here.
func reopenDriver(m journal.Manifest, jobDir, umountCmd string) (diskio.Driver, error) {
	switch m.Driver {
	case journal.DriverTest:
		return diskio.NewTestDriver(0, m.Plan.Total()), ferr.New(ferr.Unsupported,
			"fsremap resume: --simulate jobs cannot be resumed across process restarts")
	case journal.DriverPosix:
		return reopenPosixDriver(m, jobDir, umountCmd)
	default:
		return nil, ferr.New(ferr.ProtocolError, "fsremap resume: unknown driver tag %q in job.json", m.Driver)
	}
}

func reopenPosixDriver(m journal.Manifest, jobDir, umountCmdOverride string) (diskio.Driver, error) {
	if m.Device == "" {
		return nil, ferr.New(ferr.ProtocolError, "fsremap resume: job.json has no device path recorded")
	}
	dev, err := os.OpenFile(m.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap resume: reopening %s", m.Device)
	}
	arenaFile, err := os.OpenFile(storagePath(jobDir), os.O_RDWR, 0)
	if err != nil {
		dev.Close()
		return nil, ferr.Wrap(ferr.IOError, err, "fsremap resume: reopening storage file")
	}
	umountCmd := m.UmountCmd
	if umountCmdOverride != "" {
		umountCmd = umountCmdOverride
	}
	driver, _, err := diskio.NewPosixDriver(dev, arenaFile, m.Plan.Total(), umountCmd)
	if err != nil {
		dev.Close()
		arenaFile.Close()
		return nil, err
	}
	return driver, nil
}
