// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stratastorage/strata/internal/datanode"
)

// Result is the lifecycle state of the worker.
type Result int

const (
	// NoPlan means no plan has ever been admitted.
	NoPlan Result = iota
	// PlanUnderProgress means the mover task for the current plan is running.
	PlanUnderProgress
	// PlanDone means the mover task finished on its own.
	PlanDone
	// PlanCancelled means the current plan was cancelled.
	PlanCancelled
)

var resultNames = map[Result]string{
	NoPlan:            "NO_PLAN",
	PlanUnderProgress: "PLAN_UNDER_PROGRESS",
	PlanDone:          "PLAN_DONE",
	PlanCancelled:     "PLAN_CANCELLED",
}

// String returns the wire name of the result.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// MarshalText makes results render as their wire names in JSON.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a wire name back into a result.
func (r *Result) UnmarshalText(text []byte) error {
	for result, name := range resultNames {
		if name == string(text) {
			*r = result
			return nil
		}
	}
	return fmt.Errorf("unknown result %q", text)
}

// VolumePair holds references to the two volumes one work item operates on.
type VolumePair struct {
	Source datanode.Volume
	Dest   datanode.Volume
}

// pairKey is the map identity of a VolumePair. Identity is derived from the
// volumes' base paths, not from reference identity, so two distinct
// references to the same device collide in the work map.
type pairKey struct {
	src, dst string
}

// key returns the map identity of this pair.
func (p VolumePair) key() pairKey {
	return pairKey{src: p.Source.BasePath(), dst: p.Dest.BasePath()}
}

// WorkItem is the mutable accounting record for one source to destination
// pair during execution. The counters are mutated only by the mover task and
// read by status queries, so they are atomics; bytesToCopy and the overrides
// are fixed at admission.
type WorkItem struct {
	bytesToCopy int64

	bytesCopied    atomic.Int64
	blocksCopied   atomic.Int64
	errorCount     atomic.Int64
	secondsElapsed atomic.Int64
	startTime      atomic.Int64 // ms since epoch

	// Per-item overrides; zero or negative means "inherit the node default".
	bandwidth        int64
	tolerancePercent int64
	maxDiskErrors    int64

	lock   sync.Mutex
	errMsg string
}

// NewWorkItem returns a work item targeting bytesToCopy bytes.
func NewWorkItem(bytesToCopy int64) *WorkItem {
	return &WorkItem{bytesToCopy: bytesToCopy}
}

// BytesToCopy returns the total byte target of this item.
func (w *WorkItem) BytesToCopy() int64 {
	return w.bytesToCopy
}

// BytesCopied returns how many bytes the mover has copied so far.
func (w *WorkItem) BytesCopied() int64 {
	return w.bytesCopied.Load()
}

// IncBytesCopied accounts for a copied block.
func (w *WorkItem) IncBytesCopied(n int64) {
	w.bytesCopied.Add(n)
}

// BlocksCopied returns how many blocks the mover has copied so far.
func (w *WorkItem) BlocksCopied() int64 {
	return w.blocksCopied.Load()
}

// IncBlocksCopied accounts for one copied block.
func (w *WorkItem) IncBlocksCopied() {
	w.blocksCopied.Add(1)
}

// ErrorCount returns how many I/O failures this item has absorbed.
func (w *WorkItem) ErrorCount() int64 {
	return w.errorCount.Load()
}

// IncErrorCount accounts for one I/O failure.
func (w *WorkItem) IncErrorCount() {
	w.errorCount.Add(1)
}

// SecondsElapsed returns how long this item has been executing.
func (w *WorkItem) SecondsElapsed() int64 {
	return w.secondsElapsed.Load()
}

// SetSecondsElapsed records how long this item has been executing.
func (w *WorkItem) SetSecondsElapsed(s int64) {
	w.secondsElapsed.Store(s)
}

// StartTime returns when the mover started on this item, in ms since epoch.
func (w *WorkItem) StartTime() int64 {
	return w.startTime.Load()
}

// SetStartTime records when the mover started on this item.
func (w *WorkItem) SetStartTime(ms int64) {
	w.startTime.Store(ms)
}

// Bandwidth returns the per-item bandwidth override in MB/s.
func (w *WorkItem) Bandwidth() int64 {
	return w.bandwidth
}

// SetBandwidth sets the per-item bandwidth override.
func (w *WorkItem) SetBandwidth(mbps int64) {
	w.bandwidth = mbps
}

// TolerancePercent returns the per-item tolerance override.
func (w *WorkItem) TolerancePercent() int64 {
	return w.tolerancePercent
}

// SetTolerancePercent sets the per-item tolerance override.
func (w *WorkItem) SetTolerancePercent(pct int64) {
	w.tolerancePercent = pct
}

// MaxDiskErrors returns the per-item error budget override.
func (w *WorkItem) MaxDiskErrors() int64 {
	return w.maxDiskErrors
}

// SetMaxDiskErrors sets the per-item error budget override.
func (w *WorkItem) SetMaxDiskErrors(n int64) {
	w.maxDiskErrors = n
}

// ErrMsg returns the diagnostic message left by the mover, if any.
func (w *WorkItem) ErrMsg() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.errMsg
}

// SetErrMsg records a diagnostic message on this item.
func (w *WorkItem) SetErrMsg(msg string) {
	w.lock.Lock()
	w.errMsg = msg
	w.lock.Unlock()
}

// WorkItemSnapshot is a point-in-time copy of a work item's counters.
type WorkItemSnapshot struct {
	BytesToCopy      int64  `json:"bytesToCopy"`
	BytesCopied      int64  `json:"bytesCopied"`
	BlocksCopied     int64  `json:"blocksCopied"`
	ErrorCount       int64  `json:"errorCount"`
	Bandwidth        int64  `json:"bandwidth"`
	TolerancePercent int64  `json:"tolerancePercent"`
	MaxDiskErrors    int64  `json:"maxDiskErrors"`
	StartTime        int64  `json:"startTime"`
	SecondsElapsed   int64  `json:"secondsElapsed"`
	ErrMsg           string `json:"errMsg,omitempty"`
}

// Snapshot copies the item's counters.
func (w *WorkItem) Snapshot() WorkItemSnapshot {
	return WorkItemSnapshot{
		BytesToCopy:      w.bytesToCopy,
		BytesCopied:      w.BytesCopied(),
		BlocksCopied:     w.BlocksCopied(),
		ErrorCount:       w.ErrorCount(),
		Bandwidth:        w.bandwidth,
		TolerancePercent: w.tolerancePercent,
		MaxDiskErrors:    w.maxDiskErrors,
		StartTime:        w.StartTime(),
		SecondsElapsed:   w.SecondsElapsed(),
		ErrMsg:           w.ErrMsg(),
	}
}

// WorkEntry is one row of a status report: a pair plus its counters.
type WorkEntry struct {
	SourcePath string           `json:"sourcePath"`
	DestPath   string           `json:"destPath"`
	Work       WorkItemSnapshot `json:"workItem"`
}

// WorkStatus is the full status report of the worker.
type WorkStatus struct {
	Result  Result      `json:"result"`
	PlanID  string      `json:"planID"`
	Entries []WorkEntry `json:"currentState"`
}
