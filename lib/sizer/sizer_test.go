// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sizer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/sizer"
)

func TestCriticalThresholdBreakpoints(t *testing.T) {
	require.Equal(t, blockaddr.Length(96<<10), sizer.CriticalThreshold(1<<30))
	require.Equal(t, blockaddr.Length(6<<30)/65536, sizer.CriticalThreshold(6<<30))
	require.Equal(t, blockaddr.Length(1<<30), sizer.CriticalThreshold(65<<40))
}

func TestPlanPrefersPrimary(t *testing.T) {
	var c sizer.Caps
	plan, err := c.Plan(1<<30, 100<<30, 10<<30, 1<<30)
	require.NoError(t, err)
	require.Equal(t, plan.Primary, plan.Total()-plan.Secondary)
	require.True(t, plan.Secondary == 0)
}

func TestPlanFallsBackToSecondaryWhenFreeIsShort(t *testing.T) {
	var c sizer.Caps
	plan, err := c.Plan(1<<30, 100<<30, 2<<20, 1<<30)
	require.NoError(t, err)
	require.True(t, plan.Secondary > 0)
}

func TestPlanRespectsCaps(t *testing.T) {
	c := sizer.Caps{Total: 8 << 20}
	plan, err := c.Plan(1<<30, 100<<30, 100<<30, 1<<30)
	require.NoError(t, err)
	require.True(t, plan.Total() <= 8<<20)
}

func TestPlanErrorsWhenAlreadyCriticallyLow(t *testing.T) {
	var c sizer.Caps
	_, err := c.Plan(1<<30, 1<<30, 1<<10, 1<<30)
	require.Error(t, err)
}
