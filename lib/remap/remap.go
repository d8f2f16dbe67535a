// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remap implements the block-renumbering executor (§4.4):
// the single-threaded loop that drives a device's blocks from their
// current ("physical") positions to their target ("logical")
// positions, via direct device-to-device moves where the destination
// is free and via a scratch storage pool (with pending-writeback and
// deadlock-breaking) everywhere else.
package remap

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/agentmishra/fstransform/lib/blockaddr"
	"github.com/agentmishra/fstransform/lib/diskio"
	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/journal"
	"github.com/agentmishra/fstransform/lib/pool"
)

// Executor holds the four extent sets named in §4.4 and drives them
// to completion (all Done) via the step-selection rules.
type Executor struct {
	driver diskio.Driver
	pool   *pool.Pool
	ram    []byte // only its length is used: the chunk size of DEV→DEV moves

	devMap           extent.Map
	devFreeMap       extent.Map
	storageMap       extent.Map // pool's backing; also the persisted "storage_map"
	pendingWriteback extent.Map

	journal *journal.Journal // nil if the caller doesn't want checkpoints
}

// New builds an Executor. loopExtents is the device's current layout
// (FIEMAP/text-format extents with Physical/Logical both meaningful);
// entries with Physical == Logical are dropped immediately (step 1,
// the in-place passthrough, applied once up front since no later step
// ever re-creates such an entry). freeExtents is the initial
// dev_free_map (the complement of loopExtents within [0,devLength),
// minus any reserved holes). storageExtents is the scratch pool's
// backing free-space map (the sizer+pool allocation's output,
// user_data ignored on input).
func New(driver diskio.Driver, j *journal.Journal, ramBufferLen blockaddr.Length, loopExtents, freeExtents, storageExtents extent.Vector) (*Executor, error) {
	ex := &Executor{
		driver:  driver,
		journal: j,
		ram:     make([]byte, int64(ramBufferLen)),
	}

	for _, e := range loopExtents {
		if int64(e.Physical) == int64(e.Logical) {
			continue
		}
		if err := ex.devMap.Insert(e); err != nil {
			return nil, err
		}
	}
	for _, e := range freeExtents {
		if err := ex.devFreeMap.Insert(e); err != nil {
			return nil, err
		}
	}
	for _, e := range storageExtents {
		if err := ex.storageMap.Insert(e); err != nil {
			return nil, err
		}
	}

	if err := checkDisjoint(&ex.devMap, &ex.devFreeMap); err != nil {
		return nil, err
	}

	ex.pool = &pool.Pool{}
	ex.pool.Init(&ex.storageMap)

	return ex, nil
}

// checkDisjoint enforces §3's "dev_map and dev_free_map have disjoint
// physical ranges" invariant, the same sanity check the original's
// io_self_test.cc runs on loop_file_map/free_space_map via
// intersect_all_all(..., FC_PHYSICAL2) before trusting them.
func checkDisjoint(devMap, devFreeMap *extent.Map) error {
	var overlap extent.Map
	if err := overlap.IntersectAllAll(devMap, devFreeMap, extent.ModePhysical2); err != nil {
		return err
	}
	if overlap.Len() > 0 {
		return ferr.New(ferr.InvalidArgument,
			"remap: dev_map and dev_free_map overlap at physical=%d (invariant violation)",
			int64(overlap.Extents()[0].Physical))
	}
	return nil
}

// Resume rebuilds an Executor from a journal written by a previous,
// interrupted Run (S5): dev_map, dev_free_map, storage_map, and
// pending_writeback are loaded verbatim rather than re-derived, so
// already-completed batches are not re-issued.
func Resume(driver diskio.Driver, j *journal.Journal, ramBufferLen blockaddr.Length) (*Executor, error) {
	devMap, err := j.LoadDevMap()
	if err != nil {
		return nil, err
	}
	devFree, err := j.LoadDevFreeMap()
	if err != nil {
		return nil, err
	}
	storage, err := j.LoadStorageMap()
	if err != nil {
		return nil, err
	}
	pending, err := j.LoadPendingWriteback()
	if err != nil {
		return nil, err
	}

	ex := &Executor{
		driver:  driver,
		journal: j,
		ram:     make([]byte, int64(ramBufferLen)),
	}
	for _, e := range devMap {
		if err := ex.devMap.Insert(e); err != nil {
			return nil, err
		}
	}
	for _, e := range devFree {
		if err := ex.devFreeMap.Insert(e); err != nil {
			return nil, err
		}
	}
	for _, e := range storage {
		if err := ex.storageMap.Insert(e); err != nil {
			return nil, err
		}
	}
	for _, e := range pending {
		if err := ex.pendingWriteback.Insert(e); err != nil {
			return nil, err
		}
	}

	if err := checkDisjoint(&ex.devMap, &ex.devFreeMap); err != nil {
		return nil, err
	}

	ex.pool = &pool.Pool{}
	ex.pool.Init(&ex.storageMap)

	return ex, nil
}

// DevMap, DevFreeMap, and PendingWriteback expose the executor's
// state for tests and for the CLI's progress reporting.
func (ex *Executor) DevMap() extent.Vector           { return ex.devMap.Extents() }
func (ex *Executor) DevFreeMap() extent.Vector       { return ex.devFreeMap.Extents() }
func (ex *Executor) StorageMap() extent.Vector       { return ex.storageMap.Extents() }
func (ex *Executor) PendingWriteback() extent.Vector { return ex.pendingWriteback.Extents() }

// Run drives the executor to completion, applying the step-selection
// rules in order on every iteration until dev_map and
// pending_writeback are both empty (§4.4). It checkpoints the journal
// after every step that changes state, so a cancelled ctx leaves a
// resumable job rather than a half-applied one.
func (ex *Executor) Run(ctx context.Context) error {
	for ex.devMap.Len() > 0 || ex.pendingWriteback.Len() > 0 {
		if err := ctx.Err(); err != nil {
			if jerr := ex.checkpoint(); jerr != nil {
				dlog.Errorf(ctx, "remap: checkpoint after cancellation: %v", jerr)
			}
			return err
		}

		progressed := false

		if ex.devMap.Len() > 0 {
			ok, err := ex.tryDirectMove(ctx)
			if err != nil {
				return err
			}
			progressed = progressed || ok

			if !ok {
				ok, err := ex.tryIndirect(ctx)
				if err != nil {
					return err
				}
				progressed = progressed || ok
			}
		}

		if ex.pendingWriteback.Len() > 0 {
			ok, err := ex.tryWriteback(ctx)
			if err != nil {
				return err
			}
			progressed = progressed || ok
		}

		if !progressed {
			broke, err := ex.breakDeadlock(ctx)
			if err != nil {
				return err
			}
			if !broke {
				return ferr.New(ferr.NoSpace,
					"remap: no progress possible: %d extents remain pending and %d scratch extents are free",
					ex.devMap.Len(), ex.storageMap.Len())
			}
		}

		if err := ex.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) checkpoint() error {
	if ex.journal == nil {
		return nil
	}
	if err := ex.journal.SaveDevMap(ex.devMap.Extents()); err != nil {
		return err
	}
	if err := ex.journal.SaveDevFreeMap(ex.devFreeMap.Extents()); err != nil {
		return err
	}
	if err := ex.journal.SaveStorageMap(ex.storageMap.Extents()); err != nil {
		return err
	}
	if err := ex.journal.SavePendingWriteback(ex.pendingWriteback.Extents()); err != nil {
		return err
	}
	return nil
}

// fullyFreePrefix returns the length of contiguous free space that
// freeMap has starting exactly at start, capped at max (0 if start
// itself is not free).
func fullyFreePrefix(freeMap *extent.Map, start blockaddr.PhysicalAddr, max blockaddr.Length) blockaddr.Length {
	for _, e := range freeMap.Extents() {
		if e.Physical > start {
			break
		}
		if e.Physical <= start && e.PhysicalEnd() > start {
			avail := blockaddr.Length(e.PhysicalEnd() - start)
			if avail > max {
				avail = max
			}
			return avail
		}
	}
	return 0
}

func logicalAsPhysical(l blockaddr.LogicalAddr) blockaddr.PhysicalAddr {
	return blockaddr.PhysicalAddr(int64(l))
}

// tryDirectMove implements step 2: find an extent whose entire target
// range is free, and move it there via the RAM buffer.
func (ex *Executor) tryDirectMove(ctx context.Context) (bool, error) {
	for _, e := range ex.devMap.Extents() {
		dest := logicalAsPhysical(e.Logical)
		if fullyFreePrefix(&ex.devFreeMap, dest, e.Length) != e.Length {
			continue
		}

		dlog.Debugf(ctx, "remap: direct move physical=%d logical=%d length=%d", int64(e.Physical), int64(e.Logical), int64(e.Length))
		if err := ex.ramBufferedDevToDev(e.Physical, dest, e.Length); err != nil {
			return false, err
		}
		if err := ex.driver.Flush(); err != nil {
			return false, ferr.Wrap(ferr.IOError, err, "remap: flush after direct move")
		}

		if err := ex.devFreeMap.Remove(extent.Extent{Physical: dest, Length: e.Length}); err != nil {
			return false, err
		}
		if err := ex.devFreeMap.Insert(extent.Extent{Physical: e.Physical, Length: e.Length, UserData: extent.Default}); err != nil {
			return false, err
		}
		if err := ex.devMap.Remove(extent.Extent{Physical: e.Physical, Length: e.Length}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ramBufferedDevToDev copies one extent from `from` to `to` on the
// device side in chunks of at most len(ex.ram) bytes, in ascending
// order (§4.4 step 2). Each chunk passes through the slice ReadSide
// returns, not through ex.ram. Several source extents are never
// gathered into one buffer fill, and no physical/logical sorting of
// buffered segments takes place: every direct move is one extent.
func (ex *Executor) ramBufferedDevToDev(from, to blockaddr.PhysicalAddr, length blockaddr.Length) error {
	chunk := blockaddr.Length(len(ex.ram))
	if chunk == 0 {
		return ferr.New(ferr.InvalidArgument, "remap: RAM buffer has zero length")
	}
	for remaining := length; remaining > 0; {
		n := chunk
		if n > remaining {
			n = remaining
		}
		buf, err := ex.driver.ReadSide(diskio.SideDev, from, n)
		if err != nil {
			return err
		}
		if err := ex.driver.WriteSide(diskio.SideDev, to, buf); err != nil {
			return err
		}
		from = from.Add(blockaddr.AddrDelta(n))
		to = to.Add(blockaddr.AddrDelta(n))
		remaining -= n
	}
	return nil
}

// tryIndirect implements step 3: pick the largest remaining extent,
// allocate scratch for as much of it as the pool can provide (the
// fragmentation loop of §4.2), copy it to storage, and record it as
// pending writeback.
func (ex *Executor) tryIndirect(ctx context.Context) (bool, error) {
	candidates := ex.devMap.Extents()
	if len(candidates) == 0 {
		return false, nil
	}
	candidates.SortByReverseLength()
	req := candidates[0]

	dlog.Debugf(ctx, "remap: indirect via storage physical=%d logical=%d length=%d", int64(req.Physical), int64(req.Logical), int64(req.Length))

	for req.Length > 0 {
		var reqMap extent.Map
		if err := reqMap.Insert(req); err != nil {
			return false, err
		}
		var out extent.Map

		rem, satisfied, err := ex.pool.Allocate(req, &reqMap, &out)
		if err != nil {
			return false, err
		}
		pieces := out.Extents()
		if len(pieces) != 1 {
			return false, ferr.New(ferr.FatalInternal, "remap: pool.Allocate produced %d pieces, want 1", len(pieces))
		}
		piece := pieces[0]

		consumed := req.Length
		if !satisfied {
			consumed = req.Length - rem.Length
		}

		if err := ex.driver.Copy(diskio.SideDev, req.Physical, diskio.SideStorage, piece.Physical, consumed); err != nil {
			return false, err
		}
		if err := ex.driver.Flush(); err != nil {
			return false, ferr.Wrap(ferr.IOError, err, "remap: flush after storage copy")
		}

		if err := ex.pendingWriteback.Insert(piece); err != nil {
			return false, err
		}
		if err := ex.devFreeMap.Insert(extent.Extent{Physical: req.Physical, Length: consumed, UserData: extent.Default}); err != nil {
			return false, err
		}
		if err := ex.devMap.Remove(extent.Extent{Physical: req.Physical, Length: consumed}); err != nil {
			return false, err
		}

		if satisfied {
			break
		}
		req = rem
	}
	return true, nil
}

// tryWriteback implements the writeback half of step 3: any pending
// entry whose full destination has become free is written back and
// its scratch released to the pool.
func (ex *Executor) tryWriteback(ctx context.Context) (bool, error) {
	for _, p := range ex.pendingWriteback.Extents() {
		dest := logicalAsPhysical(p.Logical)
		if fullyFreePrefix(&ex.devFreeMap, dest, p.Length) != p.Length {
			continue
		}

		dlog.Debugf(ctx, "remap: writeback storage=%d logical=%d length=%d", p.UserData.Offset, int64(p.Logical), int64(p.Length))
		if err := ex.driver.Copy(diskio.SideStorage, p.Physical, diskio.SideDev, dest, p.Length); err != nil {
			return false, err
		}
		if err := ex.driver.Flush(); err != nil {
			return false, ferr.Wrap(ferr.IOError, err, "remap: flush after writeback")
		}

		if err := ex.devFreeMap.Remove(extent.Extent{Physical: dest, Length: p.Length}); err != nil {
			return false, err
		}
		if err := ex.pendingWriteback.Remove(extent.Extent{Physical: p.Physical, Length: p.Length}); err != nil {
			return false, err
		}
		if err := ex.pool.Release(p.Physical, p.Length); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// breakDeadlock implements step 4: when nothing else can proceed,
// find a pending-writeback entry whose destination has become
// *partly* free, write back that prefix, shrink the entry to the
// unwritten remainder, and release the freed scratch.
func (ex *Executor) breakDeadlock(ctx context.Context) (bool, error) {
	for _, p := range ex.pendingWriteback.Extents() {
		dest := logicalAsPhysical(p.Logical)
		avail := fullyFreePrefix(&ex.devFreeMap, dest, p.Length)
		if avail == 0 || avail == p.Length {
			continue
		}

		dlog.Debugf(ctx, "remap: deadlock-break splitting pending entry at logical=%d, writing back prefix=%d", int64(p.Logical), int64(avail))
		if err := ex.driver.Copy(diskio.SideStorage, p.Physical, diskio.SideDev, dest, avail); err != nil {
			return false, err
		}
		if err := ex.driver.Flush(); err != nil {
			return false, ferr.Wrap(ferr.IOError, err, "remap: flush after deadlock-break writeback")
		}

		if err := ex.devFreeMap.Remove(extent.Extent{Physical: dest, Length: avail}); err != nil {
			return false, err
		}
		if err := ex.pendingWriteback.Remove(extent.Extent{Physical: p.Physical, Length: avail}); err != nil {
			return false, err
		}
		if err := ex.pool.Release(p.Physical, avail); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Finish runs the zeroing pass (§4.4): zero the primary storage
// extents and every caller-supplied to_zero_extents range, then mark
// the journal completed. It must only be called after Run returns
// nil. clearFreeSpace additionally zeroes every remaining
// dev_free_map extent, per the --clear-free-space CLI policy.
func (ex *Executor) Finish(ctx context.Context, toZero extent.Vector, clearFreeSpace bool) error {
	for _, e := range ex.storageMap.Extents() {
		if err := ex.driver.Zero(diskio.SideStorage, e.Physical, e.Length); err != nil {
			return err
		}
	}
	for _, e := range toZero {
		if err := ex.driver.Zero(diskio.SideDev, e.Physical, e.Length); err != nil {
			return err
		}
	}
	if clearFreeSpace {
		for _, e := range ex.devFreeMap.Extents() {
			if err := ex.driver.Zero(diskio.SideDev, e.Physical, e.Length); err != nil {
				return err
			}
		}
	}
	if err := ex.driver.Flush(); err != nil {
		return ferr.Wrap(ferr.IOError, err, "remap: flush after zeroing pass")
	}
	if ex.journal != nil {
		if err := ex.journal.MarkCompleted(); err != nil {
			return err
		}
	}
	dlog.Info(ctx, "remap: done")
	return nil
}
