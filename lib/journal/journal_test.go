// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package journal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/sizer"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job")
	require.False(t, journal.Exists(dir))

	j, err := journal.Open(dir)
	require.NoError(t, err)

	manifest := journal.Manifest{
		Driver: journal.DriverPosix,
		Plan:   sizer.Plan{Primary: 10, Secondary: 5, RAMBuffer: 2},
	}
	require.NoError(t, j.SaveManifest(manifest))
	require.True(t, journal.Exists(dir))

	got, err := j.LoadManifest()
	require.NoError(t, err)
	require.Equal(t, manifest, got)

	devMap := extent.Vector{{
		Physical: blockaddr.PhysicalAddr(0),
		Logical:  blockaddr.LogicalAddr(100),
		Length:   blockaddr.Length(10),
		UserData: extent.Default,
	}}
	require.NoError(t, j.SaveDevMap(devMap))
	gotMap, err := j.LoadDevMap()
	require.NoError(t, err)
	require.Equal(t, devMap, gotMap)

	require.NoError(t, j.MarkCompleted())
	got, err = j.LoadManifest()
	require.NoError(t, err)
	require.True(t, got.Completed)
}

func TestJournalLoadMissingExtentsErrors(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir)
	require.NoError(t, err)

	_, err = j.LoadStorageMap()
	require.Error(t, err)
}
