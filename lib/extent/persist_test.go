// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extent_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
)

func TestPersistRoundTrip(t *testing.T) {
	v := extent.Vector{
		mk(0, 100, 10),
		{Physical: 20, Logical: 200, Length: 5, UserData: extent.Zeroed},
		{Physical: 30, Logical: 300, Length: 5, UserData: extent.Storage(42)},
	}

	var buf bytes.Buffer
	require.NoError(t, extent.Save(&buf, v))

	got, err := extent.Load(&buf)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestPersistRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, extent.Save(&buf, nil))

	got, err := extent.Load(&buf)
	require.NoError(t, err)
	require.Len(t, got, 0)
}

func TestPersistLoadRejectsBadHeader(t *testing.T) {
	input := strings.Join([]string{
		"# a", "#", "#", "#", "#", "#",
		"count 0",
		"wrong\theader\tline\there",
	}, "\n") + "\n"

	_, err := extent.Load(strings.NewReader(input))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.ProtocolError))
}

func TestPersistLoadRejectsBadCount(t *testing.T) {
	input := strings.Join([]string{
		"# a", "#", "#", "#", "#", "#",
		"count banana",
	}, "\n") + "\n"

	_, err := extent.Load(strings.NewReader(input))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.ProtocolError))
}

func TestPersistLoadRejectsTruncatedInput(t *testing.T) {
	input := strings.Join([]string{
		"# a", "#", "#", "#", "#", "#",
		"count 1",
		"physical\tlogical\tlength\tuser_data",
	}, "\n") + "\n"

	_, err := extent.Load(strings.NewReader(input))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.ProtocolError))
}

func TestPersistLoadRejectsTrailingData(t *testing.T) {
	input := strings.Join([]string{
		"# a", "#", "#", "#", "#", "#",
		"count 0",
		"physical\tlogical\tlength\tuser_data",
		"0\t0\t1\t0",
	}, "\n") + "\n"

	_, err := extent.Load(strings.NewReader(input))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.ProtocolError))
}
