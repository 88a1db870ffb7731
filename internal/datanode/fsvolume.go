// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// FsVolume is a volume backed by a directory tree. Each block pool is a
// subdirectory of the volume root; each finalized block is one file named
// blk_<id>. Blocks still being written carry a .tmp suffix.

package datanode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/google/uuid"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
)

const (
	// Name of the file holding the volume's storage id.
	storageIDFile = "storage.id"

	// How many names to ask for at once from readdir.
	readdirChunkSize = 1000

	// Suffix of blocks that are still being written.
	tmpSuffix = ".tmp"
)

// FsVolume is a directory-backed implementation of Volume.
type FsVolume struct {
	storageID string
	root      string

	lock         sync.Mutex
	cachedAvail  int64
	availUpdated time.Time
	cacheTTL     time.Duration
}

// NewFsVolume opens the volume rooted at 'root', assigning it a storage id on
// first use. The id is persisted in the volume root so that it is stable
// across restarts.
func NewFsVolume(root string, cfg *Config) (*FsVolume, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("volume root %s must be a directory", root)
	}

	id, err := loadOrCreateStorageID(root)
	if err != nil {
		return nil, err
	}

	log.V(1).Infof("[%s vol]: opened volume %s", id, root)
	return &FsVolume{
		storageID: id,
		root:      root,
		cacheTTL:  cfg.VolumeStatusCacheTTL,
	}, nil
}

// loadOrCreateStorageID reads the persisted storage id, generating and
// persisting a fresh one on first use.
func loadOrCreateStorageID(root string) (string, error) {
	path := filepath.Join(root, storageIDFile)
	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		log.Errorf("ignoring corrupt storage id %q on %s", id, root)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// StorageID returns the stable id of this volume.
func (v *FsVolume) StorageID() string {
	return v.storageID
}

// BasePath returns the mount point of this volume.
func (v *FsVolume) BasePath() string {
	return v.root
}

// IsTransientStorage returns false; directory-backed volumes are durable.
func (v *FsVolume) IsTransientStorage() bool {
	return false
}

// BlockPools lists the pool directories under the volume root.
func (v *FsVolume) BlockPools() []string {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		log.Errorf("[%s vol]: readdir of %s failed: %s", v.storageID, v.root, err)
		return nil
	}
	var pools []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			pools = append(pools, e.Name())
		}
	}
	return pools
}

// Available returns the free space on the filesystem holding this volume.
// Readings are cached for cacheTTL to keep the mover's capacity guard cheap.
func (v *FsVolume) Available() int64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.cacheTTL > 0 && time.Since(v.availUpdated) < v.cacheTTL {
		return v.cachedAvail
	}

	usage := sigar.FileSystemUsage{}
	if err := usage.Get(v.root); err != nil {
		log.Errorf("[%s vol]: statfs of %s failed: %s", v.storageID, v.root, err)
		return 0
	}
	// gosigar reports kilobytes.
	v.cachedAvail = int64(usage.Avail) * 1024
	v.availUpdated = time.Now()
	return v.cachedAvail
}

// poolDir returns the directory holding one pool of this volume.
func (v *FsVolume) poolDir(pool string) string {
	return filepath.Join(v.root, pool)
}

// blockPath turns a block into a path on this volume.
func (v *FsVolume) blockPath(b core.Block) string {
	return filepath.Join(v.root, b.Pool, b.BlockFileName())
}

// hasFinalizedBlock reports whether the finalized form of 'b' exists here.
func (v *FsVolume) hasFinalizedBlock(b core.Block) bool {
	fi, err := os.Stat(v.blockPath(b))
	return err == nil && fi.Mode().IsRegular()
}

// NewBlockIterator opens an iterator over one pool. Names are read from the
// directory in chunks; blocks that appear or vanish mid-iteration may or may
// not be observed, which is fine for balancing.
func (v *FsVolume) NewBlockIterator(pool, tag string) (BlockIterator, core.Error) {
	d, err := os.Open(v.poolDir(pool))
	if err != nil {
		log.Errorf("[%s vol]: open of pool %s for %s failed: %s", v.storageID, pool, tag, err)
		return nil, core.ErrIO
	}
	return &fsBlockIterator{vol: v, pool: pool, dir: d}, core.NoError
}

type fsBlockIterator struct {
	vol  *FsVolume
	pool string
	dir  *os.File

	// Blocks read ahead from the directory, not yet handed out.
	pending []core.Block
	eof     bool
	closed  bool
}

func (it *fsBlockIterator) AtEnd() bool {
	if it.closed {
		return true
	}
	if len(it.pending) == 0 && !it.eof {
		it.fill()
	}
	return len(it.pending) == 0 && it.eof
}

func (it *fsBlockIterator) NextBlock() (core.Block, core.Error) {
	if it.closed {
		return core.Block{}, core.ErrInvalidArgument
	}
	if len(it.pending) == 0 && !it.eof {
		if err := it.fill(); err != core.NoError {
			return core.Block{}, err
		}
	}
	if len(it.pending) == 0 {
		return core.Block{}, core.ErrEOF
	}
	b := it.pending[0]
	it.pending = it.pending[1:]
	return b, core.NoError
}

// fill reads the next chunk of directory names and stats the blocks among
// them. Unparseable names and .tmp blocks are skipped here; the dataset's
// finalized check is still the authority at move time.
func (it *fsBlockIterator) fill() core.Error {
	names, err := it.dir.Readdirnames(readdirChunkSize)
	if len(names) == 0 {
		it.eof = true
		if err != nil && err != io.EOF {
			return core.ErrIO
		}
		return core.NoError
	}
	for _, name := range names {
		if strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		b, perr := core.ParseBlockFileName(it.pool, name)
		if perr != nil {
			continue
		}
		fi, serr := os.Stat(filepath.Join(it.vol.poolDir(it.pool), name))
		if serr != nil {
			// Deleted between readdir and stat. Not an error.
			continue
		}
		b.NumBytes = fi.Size()
		it.pending = append(it.pending, b)
	}
	return core.NoError
}

func (it *fsBlockIterator) Close() core.Error {
	if it.closed {
		return core.ErrInvalidArgument
	}
	it.closed = true
	if err := it.dir.Close(); err != nil {
		return core.ErrIO
	}
	return core.NoError
}

// String returns the name of the volume, for logging.
func (v *FsVolume) String() string {
	return fmt.Sprintf("%s(%s)", v.storageID, v.root)
}
