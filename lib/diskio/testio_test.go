// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
)

func TestTestDriverCopyAndZero(t *testing.T) {
	d := diskio.NewTestDriver(100, 50)
	require.NoError(t, d.Zero(diskio.SideDev, 0, 100))

	copy(d.Bytes()[10:14], []byte("ABCD"))

	require.NoError(t, d.Copy(diskio.SideDev, 10, diskio.SideStorage, 0, 4))
	require.NoError(t, d.Copy(diskio.SideStorage, 0, diskio.SideDev, 20, 4))
	require.Equal(t, []byte("ABCD"), d.Bytes()[20:24])

	require.NoError(t, d.Zero(diskio.SideDev, 10, 4))
	require.Equal(t, []byte{0, 0, 0, 0}, d.Bytes()[10:14])
}

func TestTestDriverCopyRejectsDirectDevToDev(t *testing.T) {
	d := diskio.NewTestDriver(100, 50)
	err := d.Copy(diskio.SideDev, 0, diskio.SideDev, 10, 4)
	require.Error(t, err)
}

func TestTestDriverCopyRejectsOutOfBounds(t *testing.T) {
	d := diskio.NewTestDriver(10, 10)
	err := d.Copy(diskio.SideDev, 5, diskio.SideStorage, 0, 10)
	require.Error(t, err)
}

func TestLoadExtentsFromTextFormat(t *testing.T) {
	const doc = `# fsremap extent set
#
# This file is part of a fsremap job directory.
# Do not edit it while a job is running.
#
#  extent           physical         logical      length  user_data
count 1
physical	logical	length	user_data
0	0	10	0
`
	v, err := diskio.LoadExtents(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, blockaddr.Length(10), v[0].Length)
}

func TestTestDriverLengths(t *testing.T) {
	d := diskio.NewTestDriver(123, 45)
	require.Equal(t, blockaddr.Length(123), d.DeviceLength())
	require.Equal(t, blockaddr.Length(45), d.ArenaLength())
}
