// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/containers"
)

func TestNativeOrderedCmp(t *testing.T) {
	a := containers.NativeOrdered[int]{Val: 3}
	b := containers.NativeOrdered[int]{Val: 5}

	require.Negative(t, a.Cmp(b))
	require.Positive(t, b.Cmp(a))
	require.Zero(t, a.Cmp(a))
}
