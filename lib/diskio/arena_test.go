// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
)

func TestArenaReadWriteZero(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "arena")
	require.NoError(t, err)
	defer f.Close()

	arena, _, err := diskio.OpenArena(f, 64, false)
	require.NoError(t, err)
	defer arena.Close()

	require.NoError(t, arena.WriteAt(4, []byte("hello")))
	got, err := arena.ReadAt(4, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, arena.Zero(4, 5))
	got, err = arena.ReadAt(4, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0}, got)

	require.Equal(t, blockaddr.Length(64), arena.Length())
}

func TestArenaRejectsOutOfBounds(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "arena")
	require.NoError(t, err)
	defer f.Close()

	arena, _, err := diskio.OpenArena(f, 16, false)
	require.NoError(t, err)
	defer arena.Close()

	_, err = arena.ReadAt(10, 10)
	require.Error(t, err)
}

func TestOpenArenaRejectsNonPositiveLength(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "arena")
	require.NoError(t, err)
	defer f.Close()

	_, _, err = diskio.OpenArena(f, 0, false)
	require.Error(t, err)
}
