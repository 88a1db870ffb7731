// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package datanode

import (
	"fmt"
	"sync"

	"github.com/stratastorage/strata/internal/core"
)

// Volume is a storage device or mount attached to this datanode.
//
// Volume is thread-safe. Block iterators returned from NewBlockIterator are
// not; each iterator must be driven by a single goroutine.
type Volume interface {
	// StorageID returns the stable id of this volume. Plans address volumes
	// by storage id.
	StorageID() string

	// BasePath returns the mount point of this volume.
	BasePath() string

	// BlockPools returns the ids of the block pools hosted on this volume.
	BlockPools() []string

	// NewBlockIterator opens an iterator over the blocks of one pool. The tag
	// names the client of the iterator, for logging.
	NewBlockIterator(pool, tag string) (BlockIterator, core.Error)

	// IsTransientStorage reports whether this volume is a memory-backed tier.
	// Transient volumes never participate in balancing.
	IsTransientStorage() bool

	// Available returns the free space on this volume in bytes.
	Available() int64
}

// BlockIterator walks the blocks of one block pool.
type BlockIterator interface {
	// AtEnd reports whether the iterator is exhausted.
	AtEnd() bool

	// NextBlock returns the next block and advances the iterator.
	NextBlock() (core.Block, core.Error)

	// Close releases the iterator.
	Close() core.Error
}

// MemVolume is a memory-only implementation of the Volume interface that is
// useful for testing. Blocks are stored in per-pool slices.
type MemVolume struct {
	storageID string
	basePath  string
	transient bool

	lock     sync.Mutex
	pools    map[string][]memBlock
	poolIDs  []string
	capacity int64
	used     int64

	// Injected iterator failures: the next failReads calls to NextBlock on
	// any iterator of this volume return ErrIO.
	failReads int

	removed bool
}

type memBlock struct {
	block     core.Block
	finalized bool
}

// NewMemVolume returns a new MemVolume with the given identity and capacity.
func NewMemVolume(storageID, basePath string, capacity int64) *MemVolume {
	return &MemVolume{
		storageID: storageID,
		basePath:  basePath,
		pools:     make(map[string][]memBlock),
		capacity:  capacity,
	}
}

// SetTransient marks this volume as a memory-backed tier.
func (v *MemVolume) SetTransient() {
	v.transient = true
}

// StorageID returns the id of this volume.
func (v *MemVolume) StorageID() string {
	return v.storageID
}

// BasePath returns the mount point of this volume.
func (v *MemVolume) BasePath() string {
	return v.basePath
}

// IsTransientStorage reports whether this volume is memory backed.
func (v *MemVolume) IsTransientStorage() bool {
	return v.transient
}

// BlockPools returns the pool ids on this volume, in creation order.
func (v *MemVolume) BlockPools() []string {
	v.lock.Lock()
	defer v.lock.Unlock()
	out := make([]string, len(v.poolIDs))
	copy(out, v.poolIDs)
	return out
}

// Available returns the free space on this volume.
func (v *MemVolume) Available() int64 {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.capacity - v.used
}

// AddBlock places a finalized block into the given pool of this volume.
func (v *MemVolume) AddBlock(pool string, b core.Block) core.Error {
	return v.addBlock(pool, b, true)
}

// AddUnfinalizedBlock places a block that is still being written into the
// given pool. Unfinalized blocks are skipped by balancing.
func (v *MemVolume) AddUnfinalizedBlock(pool string, b core.Block) core.Error {
	return v.addBlock(pool, b, false)
}

func (v *MemVolume) addBlock(pool string, b core.Block, finalized bool) core.Error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.removed {
		return core.ErrVolumeRemoved
	}
	if v.used+b.NumBytes > v.capacity {
		return core.ErrNoSpace
	}
	if _, ok := v.pools[pool]; !ok {
		v.poolIDs = append(v.poolIDs, pool)
	}
	for _, mb := range v.pools[pool] {
		if mb.block.ID == b.ID {
			return core.ErrAlreadyExists
		}
	}
	b.Pool = pool
	v.pools[pool] = append(v.pools[pool], memBlock{block: b, finalized: finalized})
	v.used += b.NumBytes
	return core.NoError
}

// removeBlock takes a block out of this volume. Used by MemDataset during a
// cross-volume move.
func (v *MemVolume) removeBlock(b core.Block) core.Error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.removed {
		return core.ErrVolumeRemoved
	}
	blocks := v.pools[b.Pool]
	for i, mb := range blocks {
		if mb.block.ID == b.ID {
			v.pools[b.Pool] = append(blocks[:i], blocks[i+1:]...)
			v.used -= mb.block.NumBytes
			return core.NoError
		}
	}
	return core.ErrNoSuchBlock
}

// hasBlock reports whether the block exists on this volume and whether it is
// finalized.
func (v *MemVolume) hasBlock(b core.Block) (exists, finalized bool) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, mb := range v.pools[b.Pool] {
		if mb.block.ID == b.ID {
			return true, mb.finalized
		}
	}
	return false, false
}

// FailReads arranges for the next n NextBlock calls on iterators of this
// volume to return ErrIO.
func (v *MemVolume) FailReads(n int) {
	v.lock.Lock()
	v.failReads = n
	v.lock.Unlock()
}

// takeReadFailure consumes one injected read failure, if any are pending.
func (v *MemVolume) takeReadFailure() bool {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.failReads > 0 {
		v.failReads--
		return true
	}
	return false
}

// Stop causes the volume to return ErrVolumeRemoved on subsequent mutations.
func (v *MemVolume) Stop() {
	v.lock.Lock()
	v.removed = true
	v.lock.Unlock()
}

// NewBlockIterator opens an iterator over one pool of this volume. The
// iterator walks a snapshot of the pool taken at open time.
func (v *MemVolume) NewBlockIterator(pool, tag string) (BlockIterator, core.Error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.removed {
		return nil, core.ErrVolumeRemoved
	}
	if _, ok := v.pools[pool]; !ok {
		return nil, core.ErrInvalidArgument
	}
	blocks := make([]core.Block, 0, len(v.pools[pool]))
	for _, mb := range v.pools[pool] {
		blocks = append(blocks, mb.block)
	}
	return &memBlockIterator{vol: v, blocks: blocks}, core.NoError
}

type memBlockIterator struct {
	vol    *MemVolume
	blocks []core.Block
	next   int
	closed bool
}

func (it *memBlockIterator) AtEnd() bool {
	return it.closed || it.next >= len(it.blocks)
}

func (it *memBlockIterator) NextBlock() (core.Block, core.Error) {
	if it.AtEnd() {
		return core.Block{}, core.ErrEOF
	}
	if it.vol.takeReadFailure() {
		return core.Block{}, core.ErrIO
	}
	b := it.blocks[it.next]
	it.next++
	return b, core.NoError
}

func (it *memBlockIterator) Close() core.Error {
	if it.closed {
		return core.ErrInvalidArgument
	}
	it.closed = true
	return core.NoError
}

// String returns the name of the volume, for logging.
func (v *MemVolume) String() string {
	return fmt.Sprintf("%s(%s)", v.storageID, v.basePath)
}
