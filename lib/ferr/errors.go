// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ferr defines the error taxonomy shared by every layer of
// the remap engine: a small closed set of Kinds that the CLI maps
// 1:1 to process exit codes, plus a wrapped-error type that carries a
// Kind through a %w chain so a caller can classify an error from deep
// inside lib/extent or lib/remap without string-matching it.
package ferr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of exit-code mapping and
// force_run downgrade decisions. The zero Kind is never used for a
// real error (see kindNames) so a forgotten Kind shows up as
// "ferr.Kind(0)" rather than silently matching InvalidArgument.
type Kind int

const (
	_ Kind = iota // reserve the zero value

	InvalidArgument
	NotConnected
	AlreadyConnected
	ProtocolError
	Overflow
	OutOfMemory
	NoSpace
	IOError
	Unsupported
	Permission
	FatalInternal
)

var kindNames = map[Kind]string{
	InvalidArgument:  "invalid-argument",
	NotConnected:     "not-connected",
	AlreadyConnected: "already-connected",
	ProtocolError:    "protocol-error",
	Overflow:         "overflow",
	OutOfMemory:      "out-of-memory",
	NoSpace:          "no-space",
	IOError:          "io-error",
	Unsupported:      "unsupported",
	Permission:       "permission",
	FatalInternal:    "fatal-internal-inconsistency",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ferr.Kind(%d)", int(k))
}

// ExitCode maps a Kind to the process exit code §7 promises:
// ordinal position in the taxonomy, 1-indexed so that 0 remains
// reserved for success.
func (k Kind) ExitCode() int {
	return int(k)
}

// Error is a classified, wrapped error: it carries both a Kind (for
// programmatic dispatch) and the usual %w-wrapped cause (for a human
// reading the message).
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-classified error with no further wrapped cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a message and classifies the result as
// kind. If err is nil, Wrap returns nil, so it is safe to use as
// `return ferr.Wrap(ferr.IOError, err, "writing %s", path)` in a
// function whose err may or may not be set.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf walks err's unwrap chain looking for a *Error, and returns
// its Kind. If none is found, it returns FatalInternal: every error
// that escapes the executor is expected to have been classified on
// the way up, so an unclassified error reaching the CLI is itself a
// bug.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FatalInternal
}

// Is reports whether err is classified as kind anywhere in its
// unwrap chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Kind == kind {
			return true
		}
		if fe.err == nil {
			return false
		}
		err = fe.err
		fe = nil
	}
	return false
}

// downgradable marks an error raised by a sanity check that
// force_run (the CLI's --force flag) is allowed to demote to a
// logged warning: fstat mismatches and device/dev_t mismatches, per
// §7. Errors not built with NewDowngradable never match MaybeForce,
// regardless of --force.
type downgradable struct {
	err *Error
}

func (d *downgradable) Error() string { return d.err.Error() }
func (d *downgradable) Unwrap() error { return d.err }

// NewDowngradable is like New, but marks the error as one force_run
// may downgrade to a warning via MaybeForce.
func NewDowngradable(kind Kind, format string, args ...any) error {
	return &downgradable{err: &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}}
}

// MaybeForce implements force_run: if force is set and err was built
// with NewDowngradable, it logs a warning via warn and returns nil;
// otherwise it returns err unchanged (including a nil err).
func MaybeForce(force bool, err error, warn func(string)) error {
	if err == nil {
		return nil
	}
	var d *downgradable
	if force && errors.As(err, &d) {
		warn(d.err.Error())
		return nil
	}
	return err
}
