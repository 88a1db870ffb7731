// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package datanode

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
)

var (
	// ErrVolumeExists is returned when a volume with the same root is added twice.
	ErrVolumeExists = errors.New("a volume with that root already exists")
)

// FsDataset manages a set of directory-backed volumes.
type FsDataset struct {
	lock sync.Mutex
	vols []*FsVolume
	refs int
}

// NewFsDataset opens one FsVolume per configured root and returns a dataset
// over them.
func NewFsDataset(cfg *Config) (*FsDataset, error) {
	d := &FsDataset{}
	for _, root := range cfg.VolumeRoots {
		v, err := NewFsVolume(root, cfg)
		if err != nil {
			return nil, err
		}
		if err := d.AddVolume(v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddVolume attaches a volume to the dataset.
func (d *FsDataset) AddVolume(v *FsVolume) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, cur := range d.vols {
		if cur.BasePath() == v.BasePath() {
			return ErrVolumeExists
		}
	}
	d.vols = append(d.vols, v)
	return nil
}

// VolumeRefs acquires a reference to the current volume set.
func (d *FsDataset) VolumeRefs() (*VolumeRefs, core.Error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	vols := make([]Volume, 0, len(d.vols))
	for _, v := range d.vols {
		vols = append(vols, v)
	}
	d.refs++
	return &VolumeRefs{
		vols: vols,
		release: func() {
			d.lock.Lock()
			d.refs--
			d.lock.Unlock()
		},
	}, core.NoError
}

// IsValidBlock reports whether the block exists in finalized form on some
// volume.
func (d *FsDataset) IsValidBlock(b core.Block) bool {
	d.lock.Lock()
	vols := d.vols
	d.lock.Unlock()

	for _, v := range vols {
		if v.hasFinalizedBlock(b) {
			return true
		}
	}
	return false
}

// MoveBlockAcrossVolumes copies the block file onto dest, fsyncs it, then
// unlinks the original. The copy is written under a .tmp name and renamed
// into place so that a crash mid-move never leaves a half block visible.
func (d *FsDataset) MoveBlockAcrossVolumes(b core.Block, dest Volume) core.Error {
	dv, ok := dest.(*FsVolume)
	if !ok {
		return core.ErrInvalidArgument
	}

	d.lock.Lock()
	vols := d.vols
	d.lock.Unlock()

	var src *FsVolume
	for _, v := range vols {
		if v.hasFinalizedBlock(b) {
			src = v
			break
		}
	}
	if src == nil {
		return core.ErrNoSuchBlock
	}
	if src == dv {
		return core.ErrInvalidArgument
	}

	if err := os.MkdirAll(dv.poolDir(b.Pool), 0700); err != nil {
		return core.ErrIO
	}

	srcPath := src.blockPath(b)
	dstPath := dv.blockPath(b)
	tmpPath := dstPath + tmpSuffix

	if err := copyFileSync(srcPath, tmpPath); err != core.NoError {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return core.ErrIO
	}
	if err := os.Remove(srcPath); err != nil {
		// The copy landed but the source could not be unlinked. Leave the
		// duplicate; block ids are unique so readers are unaffected.
		log.Errorf("move of %s left a stale copy on %s: %s", b, src, err)
		return core.ErrIO
	}
	log.V(1).Infof("moved block %s from %s to %s", b, src, dv)
	return core.NoError
}

// copyFileSync copies src to dst and fsyncs dst before returning.
func copyFileSync(src, dst string) core.Error {
	in, err := os.Open(src)
	if err != nil {
		return core.ErrIO
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return core.ErrIO
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return diskErr(err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return core.ErrIO
	}
	if err = out.Close(); err != nil {
		return core.ErrIO
	}
	return core.NoError
}

// diskErr translates an OS-level error to a core.Error.
func diskErr(err error) core.Error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return core.ErrNoSuchBlock
	case errors.Is(err, syscall.ENOSPC):
		return core.ErrNoSpace
	default:
		return core.ErrIO
	}
}
