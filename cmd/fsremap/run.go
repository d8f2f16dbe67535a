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

	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/remap"
)

func newRunCommand() *cobra.Command {
	flags := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new block-renumbering job",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE:  wrapRunE(func(ctx context.Context, cmd *cobra.Command, args []string) error { return runRun(ctx, flags) }),
	}
	flags.register(cmd.Flags())
	return cmd
}

func runRun(ctx context.Context, flags *jobFlags) error {
	if flags.JobDir == "" {
		return ferr.New(ferr.InvalidArgument, "fsremap run: --job-dir is required")
	}
	if journal.Exists(flags.JobDir) && !flags.Force {
		return ferr.New(ferr.AlreadyConnected,
			"fsremap run: %s already holds a job; use `fsremap resume` or pass --force to start over", flags.JobDir)
	}

	job, err := buildJob(flags)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := job.Driver.Close(); cerr != nil {
			dlog.Errorf(ctx, "fsremap run: closing driver: %v", cerr)
		}
	}()
	if !job.ArenaLocked {
		dlog.Warn(ctx, "fsremap run: mlock of the storage arena failed; continuing without it")
	}
	if err := job.Driver.CheckLastBlock(job.Driver.DeviceLength()); err != nil {
		return err
	}

	if um, ok := job.Driver.(interface{ Umount() error }); ok {
		if err := um.Umount(); err != nil {
			return err
		}
	}

	j, err := journal.Open(flags.JobDir)
	if err != nil {
		return err
	}
	m := journal.Manifest{Driver: job.DriverTag, Plan: job.Plan, Completed: false}
	if job.DriverTag == journal.DriverPosix {
		m.Device = flags.Device
		m.UmountCmd = flags.UmountCmd
	}
	if err := j.SaveManifest(m); err != nil {
		return err
	}

	ex, err := remap.New(job.Driver, j, job.Plan.RAMBuffer, job.LoopExtents, job.FreeExtents, job.Storage)
	if err != nil {
		return err
	}

	dlog.Infof(ctx, "fsremap run: %d extent(s) to move, %s scratch, %s RAM buffer",
		len(ex.DevMap()), job.Plan.Total(), job.Plan.RAMBuffer)

	if err := ex.Run(ctx); err != nil {
		if err == context.Canceled {
			dlog.Info(ctx, "fsremap run: interrupted; state journalled, resume with `fsremap resume`")
		}
		return err
	}

	if err := ex.Finish(ctx, nil, flags.ClearFreeSpace); err != nil {
		return err
	}

	if err := os.Remove(storagePath(flags.JobDir)); err != nil && !os.IsNotExist(err) {
		dlog.Errorf(ctx, "fsremap run: removing %s: %v", storagePath(flags.JobDir), err)
	}
	return nil
}
