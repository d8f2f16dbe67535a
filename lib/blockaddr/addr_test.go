// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blockaddr_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmishra/fstransform/lib/blockaddr"
)

func TestAddrFormat(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0x000000001493ff97", fmt.Sprintf("%v", blockaddr.LogicalAddr(345243543)))
	assert.Equal(t, "345243543", fmt.Sprintf("%d", blockaddr.LogicalAddr(345243543)))
}

func TestAddrAddSub(t *testing.T) {
	t.Parallel()
	a := blockaddr.PhysicalAddr(100)
	b := blockaddr.PhysicalAddr(40)
	assert.Equal(t, blockaddr.AddrDelta(60), a.Sub(b))
	assert.Equal(t, blockaddr.PhysicalAddr(140), a.Add(blockaddr.AddrDelta(40)))
}

func TestAddrAddChecked(t *testing.T) {
	t.Parallel()
	max := blockaddr.PhysicalAddr(1<<63 - 1)
	_, ok := max.AddChecked(blockaddr.AddrDelta(1))
	assert.False(t, ok)

	a := blockaddr.PhysicalAddr(10)
	sum, ok := a.AddChecked(blockaddr.AddrDelta(5))
	assert.True(t, ok)
	assert.Equal(t, blockaddr.PhysicalAddr(15), sum)
}
