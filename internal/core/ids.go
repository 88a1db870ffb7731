// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

// BlockID is the unique id of a block within a block pool.
type BlockID uint64

// String returns a string representation of this BlockID.
func (id BlockID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Block identifies one block on a datanode together with its length. Blocks
// are scoped to a block pool; a volume hosts one or more pools.
type Block struct {
	// Pool is the block pool this block belongs to.
	Pool string

	// ID is the id of the block within the pool.
	ID BlockID

	// NumBytes is the length of the block in bytes.
	NumBytes int64
}

// String returns a string representation of this block.
func (b Block) String() string {
	return fmt.Sprintf("%s:%s", b.Pool, b.ID)
}

// BlockFileName returns the name of the file that backs this block on a
// file-backed volume.
func (b Block) BlockFileName() string {
	return fmt.Sprintf("blk_%016x", uint64(b.ID))
}

// ParseBlockFileName parses a block file name produced by BlockFileName.
// The length of the block is not encoded in the name and is left zero.
func ParseBlockFileName(pool, name string) (Block, error) {
	var id uint64
	if n, err := fmt.Sscanf(name, "blk_%016x", &id); err != nil || n != 1 {
		return Block{}, fmt.Errorf("%q is not a valid block file name", name)
	}
	return Block{Pool: pool, ID: BlockID(id)}, nil
}
