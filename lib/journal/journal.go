// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package journal persists a remap job's progress to its job
// directory (§4.6): the pending/storage extent sets in the §6 text
// format, plus a small job.json manifest recording the sizer Plan,
// the driver tag, and a completion marker, so that `fsremap resume`
// can pick a job back up without re-deriving dev_map from FIEMAP.
package journal

import (
	"bufio"
	"os"
	"path/filepath"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/agentmishra/fstransform/lib/extent"
	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/sizer"
)

const (
	manifestName   = "job.json"
	devMapName     = "dev_map"
	devFreeMapName = "dev_free_map"
	storageMapName = "storage_map"
	pendingName    = "pending_writeback"
)

// DriverTag names which Driver implementation a job was started
// with, so resume can reconstruct the same one (§6's --simulate and
// --test-extents select a different tag at job-creation time).
type DriverTag string

const (
	DriverPosix DriverTag = "posix"
	DriverTest  DriverTag = "test"
)

// Manifest is the job.json payload. Device and UmountCmd are only
// meaningful for DriverPosix jobs; they let `fsremap resume` reopen
// the same device without the caller re-typing --device.
type Manifest struct {
	Driver    DriverTag  `json:"driver"`
	Plan      sizer.Plan `json:"plan"`
	Completed bool       `json:"completed"`
	Device    string     `json:"device,omitempty"`
	UmountCmd string     `json:"umount_cmd,omitempty"`
}

// Journal is a job directory: a manifest plus the four extent sets
// the executor needs to resume (§4.4's resume path / S5).
type Journal struct {
	dir string
}

// Open returns a Journal rooted at dir, creating dir if it does not
// exist.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "journal.Open: mkdir %s", dir)
	}
	return &Journal{dir: dir}, nil
}

// Exists reports whether dir already holds a manifest, i.e. whether
// `fsremap run` should refuse to start fresh and `fsremap resume`
// has something to load.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestName))
	return err == nil
}

func (j *Journal) path(name string) string {
	return filepath.Join(j.dir, name)
}

// SaveManifest writes job.json atomically: to a temp file, then
// renamed into place, so a crash mid-write never leaves a
// half-written manifest for resume to choke on.
func (j *Journal) SaveManifest(m Manifest) error {
	tmp := j.path(manifestName) + ".tmp"
	if err := writeAtomic(tmp, j.path(manifestName), func(f *os.File) error {
		buf := bufio.NewWriter(f)
		cfg := lowmemjson.ReEncoderConfig{
			Indent:                "\t",
			ForceTrailingNewlines: true,
		}
		re := lowmemjson.NewReEncoder(buf, cfg)
		if err := lowmemjson.NewEncoder(re).Encode(m); err != nil {
			return err
		}
		return buf.Flush()
	}); err != nil {
		return ferr.Wrap(ferr.IOError, err, "journal.SaveManifest: %s", tmp)
	}
	return nil
}

// LoadManifest reads job.json.
func (j *Journal) LoadManifest() (Manifest, error) {
	var m Manifest
	f, err := os.Open(j.path(manifestName))
	if err != nil {
		return m, ferr.Wrap(ferr.IOError, err, "journal.LoadManifest: open")
	}
	defer f.Close()
	if err := lowmemjson.NewDecoder(bufio.NewReader(f)).DecodeThenEOF(&m); err != nil {
		return m, ferr.New(ferr.ProtocolError, "journal.LoadManifest: %v", err)
	}
	return m, nil
}

func (j *Journal) saveExtents(name string, v extent.Vector) error {
	tmp := j.path(name) + ".tmp"
	err := writeAtomic(tmp, j.path(name), func(f *os.File) error {
		return extent.Save(f, v)
	})
	if err != nil {
		return ferr.Wrap(ferr.IOError, err, "journal: saving %s", name)
	}
	return nil
}

func (j *Journal) loadExtents(name string) (extent.Vector, error) {
	f, err := os.Open(j.path(name))
	if err != nil {
		return nil, ferr.Wrap(ferr.IOError, err, "journal: opening %s", name)
	}
	defer f.Close()
	return extent.Load(f)
}

// SaveDevMap, SaveDevFreeMap, SaveStorageMap, and SavePendingWriteback
// persist each of the four extent sets the executor needs across a
// resume (§4.6, S5).
func (j *Journal) SaveDevMap(v extent.Vector) error           { return j.saveExtents(devMapName, v) }
func (j *Journal) SaveDevFreeMap(v extent.Vector) error       { return j.saveExtents(devFreeMapName, v) }
func (j *Journal) SaveStorageMap(v extent.Vector) error       { return j.saveExtents(storageMapName, v) }
func (j *Journal) SavePendingWriteback(v extent.Vector) error { return j.saveExtents(pendingName, v) }

func (j *Journal) LoadDevMap() (extent.Vector, error)           { return j.loadExtents(devMapName) }
func (j *Journal) LoadDevFreeMap() (extent.Vector, error)       { return j.loadExtents(devFreeMapName) }
func (j *Journal) LoadStorageMap() (extent.Vector, error)       { return j.loadExtents(storageMapName) }
func (j *Journal) LoadPendingWriteback() (extent.Vector, error) { return j.loadExtents(pendingName) }

// MarkCompleted flips the manifest's Completed marker, the signal
// that a resumed job has nothing left to do (§4.6).
func (j *Journal) MarkCompleted() error {
	m, err := j.LoadManifest()
	if err != nil {
		return err
	}
	m.Completed = true
	return j.SaveManifest(m)
}

func writeAtomic(tmp, final string, write func(*os.File) error) error {
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}
