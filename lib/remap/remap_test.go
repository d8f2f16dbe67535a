// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/remap"
)

func mk(p, l, n int64) extent.Extent {
	return extent.Extent{
		Physical: blockaddr.PhysicalAddr(p),
		Logical:  blockaddr.LogicalAddr(l),
		Length:   blockaddr.Length(n),
		UserData: extent.Default,
	}
}

// TestRemapIdentity is scenario S1: a device that's already in its
// target layout is a no-op.
func TestRemapIdentity(t *testing.T) {
	d := diskio.NewTestDriver(16, 8)
	require.NoError(t, d.Zero(diskio.SideDev, 0, 16))
	original := append([]byte(nil), d.Bytes()...)

	ex, err := remap.New(d, nil, 8, extent.Vector{mk(0, 0, 16)}, nil, nil)
	require.NoError(t, err)
	require.Len(t, ex.DevMap(), 0)

	require.NoError(t, ex.Run(context.Background()))
	require.NoError(t, ex.Finish(context.Background(), nil, false))
	require.Equal(t, original, d.Bytes())
}

// TestRemapSwapHalves is scenario S2: swapping two halves of a device
// with no free space, using one 8-block scratch extent.
func TestRemapSwapHalves(t *testing.T) {
	d := diskio.NewTestDriver(16, 8)
	for i := 0; i < 8; i++ {
		d.Bytes()[i] = 'A'
	}
	for i := 8; i < 16; i++ {
		d.Bytes()[i] = 'B'
	}

	loop := extent.Vector{mk(8, 0, 8), mk(0, 8, 8)}
	storage := extent.Vector{mk(0, 0, 8)}

	ex, err := remap.New(d, nil, 8, loop, nil, storage)
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background()))
	require.Len(t, ex.DevMap(), 0)
	require.Len(t, ex.PendingWriteback(), 0)

	require.NoError(t, ex.Finish(context.Background(), nil, false))

	got := d.Bytes()
	require.Equal(t, byte('B'), got[0])
	require.Equal(t, byte('B'), got[7])
	require.Equal(t, byte('A'), got[8])
	require.Equal(t, byte('A'), got[15])
}

// TestRemapDirectViaFree is scenario S3: a single extent moves
// directly because its destination sits entirely in free space.
func TestRemapDirectViaFree(t *testing.T) {
	d := diskio.NewTestDriver(32, 8)
	for i := 0; i < 8; i++ {
		d.Bytes()[i] = 'X'
	}

	loop := extent.Vector{mk(0, 16, 8)}
	free := extent.Vector{mk(16, 0, 16)}

	ex, err := remap.New(d, nil, 8, loop, free, nil)
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background()))
	require.Len(t, ex.DevMap(), 0)

	require.NoError(t, ex.Finish(context.Background(), nil, true))

	got := d.Bytes()
	for i := 16; i < 24; i++ {
		require.Equal(t, byte('X'), got[i])
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(0), got[i])
	}
}

// TestRemapErrorsWhenScratchExhausted checks that Run fails when
// neither a direct move nor any scratch can make progress: with no
// storage at all, the indirect step's pool allocation fails with
// NoSpace before the deadlock-break step is reached.
func TestRemapErrorsWhenScratchExhausted(t *testing.T) {
	d := diskio.NewTestDriver(16, 0)
	loop := extent.Vector{mk(8, 0, 8), mk(0, 8, 8)}

	ex, err := remap.New(d, nil, 8, loop, nil, nil)
	require.NoError(t, err)

	err = ex.Run(context.Background())
	require.Error(t, err)
}

// countdownCtx reports ctx.Err() as nil for the first n-1 calls, then
// context.Canceled, letting a test force Executor.Run to stop after a
// chosen number of progress steps instead of running to completion.
type countdownCtx struct {
	context.Context
	n int
}

func (c *countdownCtx) Err() error {
	c.n--
	if c.n <= 0 {
		return context.Canceled
	}
	return nil
}

// TestRemapResume is scenario S5: an interrupted Run is resumed from
// its journal and reaches the same end state as an uninterrupted run
// of the same job.
func TestRemapResume(t *testing.T) {
	loop := extent.Vector{mk(8, 0, 8), mk(0, 8, 8)}
	storage := extent.Vector{mk(0, 0, 8)}

	seed := func(d *diskio.TestDriver) {
		for i := 0; i < 8; i++ {
			d.Bytes()[i] = 'A'
		}
		for i := 8; i < 16; i++ {
			d.Bytes()[i] = 'B'
		}
	}

	// Reference: an uninterrupted run of the same job.
	refDriver := diskio.NewTestDriver(16, 8)
	seed(refDriver)
	refEx, err := remap.New(refDriver, nil, 8, loop, nil, storage)
	require.NoError(t, err)
	require.NoError(t, refEx.Run(context.Background()))
	require.NoError(t, refEx.Finish(context.Background(), nil, false))
	want := refDriver.Bytes()

	// Interrupted: same job, same journal, a driver that survives the
	// interruption (as cmd/fsremap's --device / --test-extents would).
	dir := t.TempDir()
	j, err := journal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.SaveManifest(journal.Manifest{Driver: journal.DriverTest}))

	d := diskio.NewTestDriver(16, 8)
	seed(d)
	ex, err := remap.New(d, j, 8, loop, nil, storage)
	require.NoError(t, err)

	err = ex.Run(&countdownCtx{Context: context.Background(), n: 2})
	require.ErrorIs(t, err, context.Canceled)
	require.NotEqual(t, 0, len(ex.DevMap())+len(ex.PendingWriteback()),
		"test is only meaningful if the job didn't already finish in one step")

	wantDevMap, wantPending := ex.DevMap(), ex.PendingWriteback()

	ex2, err := remap.Resume(d, j, 8)
	require.NoError(t, err)
	require.Equal(t, wantDevMap, ex2.DevMap())
	require.Equal(t, wantPending, ex2.PendingWriteback())
	require.Equal(t, ex.DevFreeMap(), ex2.DevFreeMap())
	require.Equal(t, ex.StorageMap(), ex2.StorageMap())

	require.NoError(t, ex2.Run(context.Background()))
	require.Len(t, ex2.DevMap(), 0)
	require.Len(t, ex2.PendingWriteback(), 0)
	require.NoError(t, ex2.Finish(context.Background(), nil, false))

	require.Equal(t, want, d.Bytes())
}
