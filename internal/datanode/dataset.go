// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package datanode

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
)

// Dataset is the datanode's view of its attached volumes and the blocks on
// them. The disk balancer programs against this contract.
type Dataset interface {
	// VolumeRefs acquires a reference to the current volume set. The caller
	// must call Close on the returned value promptly; volumes may not be
	// detached while references are outstanding.
	VolumeRefs() (*VolumeRefs, core.Error)

	// IsValidBlock reports whether the block exists and is finalized.
	// Blocks still being written are not valid.
	IsValidBlock(b core.Block) bool

	// MoveBlockAcrossVolumes copies the block to the destination volume and
	// removes it from its current volume. Blocks are immutable once
	// finalized, so the copy needs no coordination with writers.
	MoveBlockAcrossVolumes(b core.Block, dest Volume) core.Error
}

// VolumeRefs is a scoped acquisition of the volume set.
type VolumeRefs struct {
	vols    []Volume
	release func()
}

// Volumes returns the referenced volumes.
func (r *VolumeRefs) Volumes() []Volume {
	return r.vols
}

// Close releases the references. The volumes must not be used afterwards.
func (r *VolumeRefs) Close() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// MemDataset is a memory-only implementation of Dataset that is useful for
// testing. It manages a set of MemVolumes.
type MemDataset struct {
	lock sync.Mutex
	vols []*MemVolume
	refs int

	// Injected move failures: the next failMoves calls to
	// MoveBlockAcrossVolumes return ErrIO without moving anything.
	failMoves int

	// Artificial per-move latency, to give tests a window for cancellation.
	moveDelay time.Duration

	// Injected enumeration failure for VolumeRefs.
	refsErr core.Error
}

// NewMemDataset returns a MemDataset over the given volumes.
func NewMemDataset(vols ...*MemVolume) *MemDataset {
	return &MemDataset{vols: vols}
}

// AddVolume attaches a volume to the dataset.
func (d *MemDataset) AddVolume(v *MemVolume) {
	d.lock.Lock()
	d.vols = append(d.vols, v)
	d.lock.Unlock()
}

// FailMoves arranges for the next n MoveBlockAcrossVolumes calls to fail
// with ErrIO.
func (d *MemDataset) FailMoves(n int) {
	d.lock.Lock()
	d.failMoves = n
	d.lock.Unlock()
}

// SetMoveDelay makes every move take at least the given duration.
func (d *MemDataset) SetMoveDelay(delay time.Duration) {
	d.lock.Lock()
	d.moveDelay = delay
	d.lock.Unlock()
}

// FailVolumeRefs makes VolumeRefs return the given error.
func (d *MemDataset) FailVolumeRefs(err core.Error) {
	d.lock.Lock()
	d.refsErr = err
	d.lock.Unlock()
}

// VolumeRefs acquires a reference to the current volume set.
func (d *MemDataset) VolumeRefs() (*VolumeRefs, core.Error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.refsErr != core.NoError {
		return nil, d.refsErr
	}
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

// IsValidBlock reports whether the block exists on some volume and is
// finalized.
func (d *MemDataset) IsValidBlock(b core.Block) bool {
	d.lock.Lock()
	vols := d.vols
	d.lock.Unlock()

	for _, v := range vols {
		if exists, finalized := v.hasBlock(b); exists {
			return finalized
		}
	}
	return false
}

// MoveBlockAcrossVolumes moves a block from its current volume to dest.
func (d *MemDataset) MoveBlockAcrossVolumes(b core.Block, dest Volume) core.Error {
	d.lock.Lock()
	if d.failMoves > 0 {
		d.failMoves--
		d.lock.Unlock()
		return core.ErrIO
	}
	delay := d.moveDelay
	vols := d.vols
	d.lock.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	dv, ok := dest.(*MemVolume)
	if !ok {
		return core.ErrInvalidArgument
	}

	var src *MemVolume
	for _, v := range vols {
		if exists, _ := v.hasBlock(b); exists {
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

	if err := dv.AddBlock(b.Pool, b); err != core.NoError {
		return err
	}
	if err := src.removeBlock(b); err != core.NoError {
		// The copy landed but the source could not be cleaned up. Leave the
		// duplicate; block ids are unique so readers are unaffected.
		log.Errorf("move of %s left a stale copy on %s: %s", b, src, err)
		return err
	}
	return core.NoError
}
