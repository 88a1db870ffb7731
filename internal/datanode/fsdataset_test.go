// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package datanode

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratastorage/strata/internal/core"
)

func newTestFsVolume(t *testing.T) *FsVolume {
	t.Helper()
	cfg := DefaultTestConfig
	v, err := NewFsVolume(t.TempDir(), &cfg)
	if err != nil {
		t.Fatalf("NewFsVolume: %s", err)
	}
	return v
}

func writeBlockFile(t *testing.T, v *FsVolume, pool string, id core.BlockID, size int) {
	t.Helper()
	dir := filepath.Join(v.BasePath(), pool)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("MkdirAll: %s", err)
	}
	name := core.Block{ID: id}.BlockFileName()
	if err := os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte{'x'}, size), 0600); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
}

// Test that the storage id survives a reopen.
func TestFsVolumeStorageIDStable(t *testing.T) {
	cfg := DefaultTestConfig
	root := t.TempDir()

	v1, err := NewFsVolume(root, &cfg)
	if err != nil {
		t.Fatalf("NewFsVolume: %s", err)
	}
	v2, err := NewFsVolume(root, &cfg)
	if err != nil {
		t.Fatalf("NewFsVolume reopen: %s", err)
	}
	if v1.StorageID() == "" || v1.StorageID() != v2.StorageID() {
		t.Fatalf("storage id not stable across reopen: %q vs %q", v1.StorageID(), v2.StorageID())
	}
}

// Test pool discovery and iteration over finalized blocks.
func TestFsVolumeIterator(t *testing.T) {
	v := newTestFsVolume(t)
	writeBlockFile(t, v, "p1", 1, 100)
	writeBlockFile(t, v, "p1", 2, 200)

	// A block mid-write and an unrelated file are both invisible.
	if err := os.WriteFile(filepath.Join(v.BasePath(), "p1", "blk_0000000000000003.tmp"), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	if err := os.WriteFile(filepath.Join(v.BasePath(), "p1", "junk"), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	pools := v.BlockPools()
	if len(pools) != 1 || pools[0] != "p1" {
		t.Fatalf("BlockPools = %v, want [p1]", pools)
	}

	iter, err := v.NewBlockIterator("p1", "test")
	if err != core.NoError {
		t.Fatalf("NewBlockIterator: %s", err)
	}
	defer iter.Close()

	sizes := make(map[core.BlockID]int64)
	for !iter.AtEnd() {
		b, err := iter.NextBlock()
		if err != core.NoError {
			t.Fatalf("NextBlock: %s", err)
		}
		sizes[b.ID] = b.NumBytes
	}
	if len(sizes) != 2 || sizes[1] != 100 || sizes[2] != 200 {
		t.Fatalf("iterated %v, want sizes 100 and 200 for blocks 1 and 2", sizes)
	}
}

// Test moving a block file between two volumes.
func TestFsDatasetMove(t *testing.T) {
	src := newTestFsVolume(t)
	dst := newTestFsVolume(t)

	d := &FsDataset{}
	if err := d.AddVolume(src); err != nil {
		t.Fatalf("AddVolume: %s", err)
	}
	if err := d.AddVolume(dst); err != nil {
		t.Fatalf("AddVolume: %s", err)
	}

	writeBlockFile(t, src, "p1", 7, 512)
	b := core.Block{Pool: "p1", ID: 7, NumBytes: 512}

	if !d.IsValidBlock(b) {
		t.Fatalf("block invalid before move")
	}
	if err := d.MoveBlockAcrossVolumes(b, dst); err != core.NoError {
		t.Fatalf("MoveBlockAcrossVolumes: %s", err)
	}
	if src.hasFinalizedBlock(b) {
		t.Errorf("block still on source after move")
	}
	if !dst.hasFinalizedBlock(b) {
		t.Errorf("block missing on destination after move")
	}
	fi, err := os.Stat(dst.blockPath(b))
	if err != nil || fi.Size() != 512 {
		t.Errorf("moved block has wrong size: %v %v", fi, err)
	}

	// Moving a block that exists on no volume fails.
	if err := d.MoveBlockAcrossVolumes(core.Block{Pool: "p1", ID: 8}, dst); err != core.ErrNoSuchBlock {
		t.Errorf("move of missing block = %s, want %s", err, core.ErrNoSuchBlock)
	}
}

// Test that duplicate roots are rejected.
func TestFsDatasetDuplicateRoot(t *testing.T) {
	v := newTestFsVolume(t)
	d := &FsDataset{}
	if err := d.AddVolume(v); err != nil {
		t.Fatalf("AddVolume: %s", err)
	}
	if err := d.AddVolume(v); err != ErrVolumeExists {
		t.Fatalf("duplicate AddVolume = %v, want %v", err, ErrVolumeExists)
	}
}
