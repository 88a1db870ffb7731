// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// VolumeMover is the inner copy loop of the disk balancer: it drains block
// pools on the source volume of a pair and moves blocks onto the destination
// until the byte target is close enough, shaping bandwidth after each move.

package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
	"github.com/stratastorage/strata/internal/datanode"
)

const megaByte = 1024 * 1024

var (
	metricMovedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "datanode",
		Name:      "balancer_moved_bytes",
		Help:      "bytes moved across volumes by the disk balancer",
	}, []string{"source", "dest"})
	metricMovedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "datanode",
		Name:      "balancer_moved_blocks",
		Help:      "blocks moved across volumes by the disk balancer",
	}, []string{"source", "dest"})
	metricMoveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "datanode",
		Name:      "balancer_move_errors",
		Help:      "I/O failures absorbed by the disk balancer",
	})
	metricMoveLatency = promauto.NewSummary(prometheus.SummaryOpts{
		Subsystem: "datanode",
		Name:      "balancer_move_latency",
		Help:      "seconds per block move",
	})
)

// BlockMover supports moving blocks across volumes.
type BlockMover interface {
	// CopyBlocks copies blocks for one volume pair until the pair's byte
	// target is met, the error budget is exhausted, the source runs dry, or
	// the exit flag is raised.
	CopyBlocks(pair VolumePair, item *WorkItem)

	// SetRunnable arms the copy loop. This is separate from CopyBlocks so
	// that tests can drive the loop directly.
	SetRunnable()

	// SetExitFlag tells CopyBlocks to exit from the copy routine.
	SetExitFlag()

	// Dataset returns the dataset this mover operates against.
	Dataset() datanode.Dataset

	// StartTime returns when the current plan started executing, ms since epoch.
	StartTime() int64

	// ElapsedSeconds returns how long the current plan has been executing.
	ElapsedSeconds() int64
}

// VolumeMover is the production BlockMover.
type VolumeMover struct {
	dataset datanode.Dataset

	// Node defaults, sanitized at construction.
	diskBandwidth  int64 // MB/s
	blockTolerance int64 // percent
	maxDiskErrors  int64

	// Rotating block-pool index. Persists across CopyBlocks calls within one
	// mover lifetime so pools are drained fairly across pairs.
	poolIndex int

	shouldRun atomic.Bool

	// stopCh interrupts the throttle sleep. Re-armed by SetRunnable.
	stopLock sync.Mutex
	stopCh   chan struct{}

	startTime      atomic.Int64
	secondsElapsed atomic.Int64
}

// NewVolumeMover constructs a mover over the given dataset. User provided
// configuration values are checked for sanity; faulty values fall back to
// the defaults.
func NewVolumeMover(dataset datanode.Dataset, cfg *datanode.Config) *VolumeMover {
	m := &VolumeMover{
		dataset:        dataset,
		diskBandwidth:  cfg.BalancerMaxThroughput,
		blockTolerance: cfg.BalancerBlockTolerance,
		maxDiskErrors:  cfg.BalancerMaxErrors,
	}
	if m.diskBandwidth <= 0 {
		log.V(1).Infof("found %d as max disk throughput, ignoring config value", m.diskBandwidth)
		m.diskBandwidth = datanode.DefaultProdConfig.BalancerMaxThroughput
	}
	if m.blockTolerance <= 0 {
		log.V(1).Infof("found %d as block tolerance, ignoring config value", m.blockTolerance)
		m.blockTolerance = datanode.DefaultProdConfig.BalancerBlockTolerance
	}
	if m.maxDiskErrors < 0 {
		log.V(1).Infof("found %d as max disk errors, ignoring config value", m.maxDiskErrors)
		m.maxDiskErrors = datanode.DefaultProdConfig.BalancerMaxErrors
	}
	return m
}

// SetRunnable arms the copy loop and re-arms the sleep interrupt channel.
func (m *VolumeMover) SetRunnable() {
	m.stopLock.Lock()
	m.stopCh = make(chan struct{})
	m.stopLock.Unlock()
	m.shouldRun.Store(true)
}

// SetExitFlag signals the copy loop to exit and interrupts any throttle
// sleep in progress.
func (m *VolumeMover) SetExitFlag() {
	m.shouldRun.Store(false)
	m.stopLock.Lock()
	if m.stopCh != nil {
		select {
		case <-m.stopCh:
			// already closed
		default:
			close(m.stopCh)
		}
	}
	m.stopLock.Unlock()
}

// ShouldRun reports whether the copy loop is armed; it is false once the
// exit flag has been raised.
func (m *VolumeMover) ShouldRun() bool {
	return m.shouldRun.Load()
}

// Dataset returns the dataset this mover operates against.
func (m *VolumeMover) Dataset() datanode.Dataset {
	return m.dataset
}

// StartTime returns when the current plan started executing, ms since epoch.
func (m *VolumeMover) StartTime() int64 {
	return m.startTime.Load()
}

// ElapsedSeconds returns how long the current plan has been executing.
func (m *VolumeMover) ElapsedSeconds() int64 {
	return m.secondsElapsed.Load()
}

// sleep sleeps for d, or until the exit flag interrupts it. Returns false if
// interrupted.
func (m *VolumeMover) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	m.stopLock.Lock()
	stop := m.stopCh
	m.stopLock.Unlock()
	if stop == nil {
		time.Sleep(d)
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-stop:
		return false
	}
}

// tolerancePct returns the effective tolerance band for an item.
func (m *VolumeMover) tolerancePct(item *WorkItem) int64 {
	if item.TolerancePercent() <= 0 {
		return m.blockTolerance
	}
	return item.TolerancePercent()
}

// bandwidth returns the effective bandwidth ceiling for an item, in MB/s.
func (m *VolumeMover) bandwidth(item *WorkItem) int64 {
	if item.Bandwidth() <= 0 {
		return m.diskBandwidth
	}
	return item.Bandwidth()
}

// maxError returns the effective error budget for an item.
func (m *VolumeMover) maxError(item *WorkItem) int64 {
	if item.MaxDiskErrors() <= 0 {
		return m.maxDiskErrors
	}
	return item.MaxDiskErrors()
}

// isLessThanNeeded reports whether a block of blockSize still fits under the
// item's remaining byte target, inflated by the tolerance band. First fit,
// not best fit.
func (m *VolumeMover) isLessThanNeeded(blockSize int64, item *WorkItem) bool {
	remaining := item.BytesToCopy() - item.BytesCopied()
	remaining += (remaining * m.tolerancePct(item)) / 100
	return blockSize <= remaining
}

// isCloseEnough inflates the copied count by the tolerance band and reports
// whether the target has been met. Once the inflated count exceeds the
// target the pair is done; chasing a last small block that may not exist is
// not worth it.
func (m *VolumeMover) isCloseEnough(item *WorkItem) bool {
	inflated := item.BytesCopied() + (item.BytesCopied()*m.tolerancePct(item))/100
	return item.BytesToCopy() < inflated
}

// computeDelay computes the sleep needed after a block copy. Copies run in
// burst mode at full throttle; afterwards we sleep long enough that the
// average transfer rate stays at or under the configured ceiling. A poor
// man's token bucket.
//
// The arithmetic is integer throughout; shaping is only meaningful for
// blocks large enough to span whole seconds at the configured bandwidth,
// which is a known concession of the scheme.
func (m *VolumeMover) computeDelay(bytesCopied int64, timeUsed time.Duration, item *WorkItem) time.Duration {
	ms := timeUsed.Milliseconds()
	// A zero-interval reading would make the math below meaningless; skip it.
	if ms == 0 {
		return 0
	}
	mb := bytesCopied / megaByte
	var lastThroughput int64
	if secs := ms / 1000; secs > 0 {
		lastThroughput = mb / secs
	}
	delay := mb/m.bandwidth(item) - lastThroughput
	if delay <= 0 {
		return 0
	}
	return time.Duration(delay) * time.Second
}

// getBlockToCopy returns the next finalized block from one pool iterator
// that fits under the item's remaining target. Per-block I/O errors are
// charged to the item's error budget; iteration stops when the iterator is
// exhausted or the budget is.
func (m *VolumeMover) getBlockToCopy(iter datanode.BlockIterator, item *WorkItem) (core.Block, bool) {
	for !iter.AtEnd() && item.ErrorCount() < m.maxError(item) {
		block, err := iter.NextBlock()
		if err == core.ErrEOF {
			break
		}
		if err != core.NoError {
			item.IncErrorCount()
			metricMoveErrors.Inc()
			continue
		}

		// A valid block is a finalized block; skip the rest.
		if !m.dataset.IsValidBlock(block) {
			continue
		}

		// We don't look for the best fit, the first fit will do.
		if m.isLessThanNeeded(block.NumBytes, item) {
			return block, true
		}
	}

	if item.ErrorCount() >= m.maxError(item) {
		item.SetErrMsg("Error count exceeded.")
		log.Infof("maximum error count exceeded, error count: %d max errors: %d",
			item.ErrorCount(), m.maxError(item))
	}
	return core.Block{}, false
}

// getNextBlock looks across all block pools in round robin for the next
// block to copy. The rotating index persists across calls, so every pool
// gets a fair shot over the lifetime of a plan.
func (m *VolumeMover) getNextBlock(iters []datanode.BlockIterator, item *WorkItem) (core.Block, bool) {
	for tries := 0; tries < len(iters); tries++ {
		idx := m.poolIndex % len(iters)
		m.poolIndex++
		if block, ok := m.getBlockToCopy(iters[idx], item); ok {
			return block, true
		}
	}
	if item.ErrMsg() == "" {
		item.SetErrMsg("No source blocks found to move.")
	}
	return core.Block{}, false
}

// openPoolIters opens one block iterator per pool on the source volume.
func (m *VolumeMover) openPoolIters(source datanode.Volume) []datanode.BlockIterator {
	var iters []datanode.BlockIterator
	for _, pool := range source.BlockPools() {
		iter, err := source.NewBlockIterator(pool, "DiskBalancerSource")
		if err != core.NoError {
			log.Errorf("opening pool %s on %s failed: %s", pool, source.BasePath(), err)
			continue
		}
		iters = append(iters, iter)
	}
	return iters
}

// closePoolIters closes all pool iterators.
func (m *VolumeMover) closePoolIters(iters []datanode.BlockIterator) {
	for _, iter := range iters {
		if err := iter.Close(); err != core.NoError {
			log.Errorf("error closing a block pool iterator: %s", err)
		}
	}
}

// CopyBlocks copies blocks for one volume pair.
func (m *VolumeMover) CopyBlocks(pair VolumePair, item *WorkItem) {
	source, dest := pair.Source, pair.Dest

	start := time.Now()
	m.startTime.Store(start.UnixMilli())
	m.secondsElapsed.Store(0)
	item.SetStartTime(start.UnixMilli())

	// Memory-backed tiers never participate in balancing.
	if source.IsTransientStorage() || dest.IsTransientStorage() {
		return
	}

	iters := m.openPoolIters(source)
	if len(iters) == 0 {
		log.Errorf("no block pools found on volume %s, exiting", source.BasePath())
		return
	}
	defer m.closePoolIters(iters)

	for m.ShouldRun() {
		// Check the error budget first; a pair that keeps failing is
		// abandoned, not retried forever.
		if item.ErrorCount() > m.maxError(item) {
			log.Errorf("exceeded the max error count, source: %s dest: %s error count: %d",
				source.BasePath(), dest.BasePath(), item.ErrorCount())
			break
		}

		if m.isCloseEnough(item) {
			log.Infof("copy from %s to %s done, copied %s and %d blocks",
				source.BasePath(), dest.BasePath(),
				humanize.IBytes(uint64(item.BytesCopied())), item.BlocksCopied())
			break
		}

		block, ok := m.getNextBlock(iters, item)
		if !ok {
			log.Errorf("no source blocks, exiting the copy, source: %s dest: %s",
				source.BasePath(), dest.BasePath())
			break
		}

		// Both getNextBlock and the move below can take a while; honor a
		// cancel that arrived in between.
		if !m.ShouldRun() {
			break
		}

		// The guard is conservative on purpose: we bail as soon as free
		// space is no longer above the item's total byte target (bytes
		// already copied are not subtracted), even if this block
		// would still fit. A smaller block might exist, but exiting is the
		// safer choice.
		if dest.Available() <= item.BytesToCopy() {
			log.Errorf("destination volume %s does not have enough space to accommodate a block, block size: %s, exiting",
				dest.BasePath(), humanize.IBytes(uint64(block.NumBytes)))
			break
		}

		begin := time.Now()
		err := m.dataset.MoveBlockAcrossVolumes(block, dest)
		timeUsed := time.Since(begin)
		if timeUsed < 0 {
			timeUsed = 0
		}
		if err != core.NoError {
			log.Errorf("error while copying block %s: %s", block, err)
			item.IncErrorCount()
			metricMoveErrors.Inc()
			continue
		}
		metricMoveLatency.Observe(timeUsed.Seconds())
		log.V(1).Infof("moved block %s with size %s from %s to %s",
			block, humanize.IBytes(uint64(block.NumBytes)), source.BasePath(), dest.BasePath())

		// Keep the promise that we copy no more than the configured MB/s on
		// average. A cancel or shutdown interrupts the sleep.
		if !m.sleep(m.computeDelay(block.NumBytes, timeUsed, item)) {
			log.Errorf("copy block interrupted, exiting the copy")
			item.IncErrorCount()
			metricMoveErrors.Inc()
			m.SetExitFlag()
			break
		}

		// Accounting is deferred until after the throttle sleep so the
		// reported rate never overstates the threshold.
		item.IncBytesCopied(block.NumBytes)
		item.IncBlocksCopied()
		metricMovedBytes.WithLabelValues(source.BasePath(), dest.BasePath()).Add(float64(block.NumBytes))
		metricMovedBlocks.WithLabelValues(source.BasePath(), dest.BasePath()).Inc()

		elapsed := int64(time.Since(start).Seconds())
		m.secondsElapsed.Store(elapsed)
		item.SetSecondsElapsed(elapsed)
	}
}
