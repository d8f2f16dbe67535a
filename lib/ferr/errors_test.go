// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ferr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmishra/fstransform/lib/ferr"
)

func TestWrapNilIsNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ferr.Wrap(ferr.IOError, nil, "writing %s", "x"))
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	err := ferr.New(ferr.NoSpace, "no space left")
	assert.Equal(t, ferr.NoSpace, ferr.KindOf(err))

	wrapped := ferr.Wrap(ferr.IOError, err, "flushing storage")
	assert.Equal(t, ferr.IOError, ferr.KindOf(wrapped))

	assert.Equal(t, ferr.FatalInternal, ferr.KindOf(errors.New("unclassified")))
}

func TestIsWalksChain(t *testing.T) {
	t.Parallel()
	inner := ferr.New(ferr.Overflow, "addrdelta overflow")
	outer := ferr.Wrap(ferr.IOError, inner, "copying extent")

	assert.True(t, ferr.Is(outer, ferr.IOError))
	assert.True(t, ferr.Is(outer, ferr.Overflow))
	assert.False(t, ferr.Is(outer, ferr.NoSpace))
}

func TestMaybeForce(t *testing.T) {
	t.Parallel()

	var warnings []string
	warn := func(s string) { warnings = append(warnings, s) }

	plain := ferr.New(ferr.InvalidArgument, "not downgradable")
	assert.Equal(t, plain, ferr.MaybeForce(true, plain, warn))
	assert.Empty(t, warnings)

	downgradable := ferr.NewDowngradable(ferr.InvalidArgument, "fstat mismatch")
	assert.NoError(t, ferr.MaybeForce(true, downgradable, warn))
	assert.Len(t, warnings, 1)

	assert.Error(t, ferr.MaybeForce(false, downgradable, warn))
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, ferr.InvalidArgument.ExitCode())
	assert.NotEqual(t, ferr.InvalidArgument.ExitCode(), ferr.FatalInternal.ExitCode())
}
