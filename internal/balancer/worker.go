// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Worker for the disk balancer.
//
// Planners submit disk balancing plans through SubmitPlan. After a set of
// sanity checks the plan is admitted and translated into the work map; a
// background task then picks up the work items one by one and hands them to
// BlockMover.CopyBlocks.
//
// Only one plan can be executing on a datanode at any given time. This is
// ensured by checking the handle of the mover task in SubmitPlan.

package balancer

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
	"github.com/stratastorage/strata/internal/datanode"
)

// How long each phase of the mover teardown may take before we give up on it.
const executorShutdownWait = 10 * time.Second

var metricPlanRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "datanode",
	Name:      "balancer_plan_running",
	Help:      "1 while a balancing plan is executing",
})

// Balancer is the per-node disk balancing worker.
type Balancer struct {
	lock sync.Mutex

	dataset  datanode.Dataset
	nodeUUID string
	mover    BlockMover

	enabled       bool
	bandwidth     int64
	planID        string
	currentResult Result

	// The work map and its plan-order key sequence. Both are rebuilt under
	// the lock at admission and never mutated afterwards; the mover task
	// only touches the WorkItem values, through atomics.
	workMap   map[pairKey]*WorkItem
	workPairs []VolumePair

	// taskDone is closed when the mover task exits. nil until the first
	// plan is admitted.
	taskDone chan struct{}
}

// NewBalancer constructs a disk balancer worker for the node with the given
// identity. The mover supplies the dataset the worker operates against.
func NewBalancer(nodeUUID string, cfg *datanode.Config, mover BlockMover) *Balancer {
	return &Balancer{
		dataset:       mover.Dataset(),
		nodeUUID:      nodeUUID,
		mover:         mover,
		enabled:       cfg.BalancerEnabled,
		bandwidth:     cfg.BalancerMaxThroughput,
		planID:        "",
		currentResult: NoPlan,
		workMap:       make(map[pairKey]*WorkItem),
	}
}

// Shutdown disables the balancer and tears down a running mover task.
func (b *Balancer) Shutdown() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.enabled = false
	b.currentResult = NoPlan
	if b.taskRunning() {
		b.currentResult = PlanCancelled
		b.mover.SetExitFlag()
		b.shutdownExecutor()
	}
}

// SubmitPlan takes a submitted plan, verifies it, converts it into a set of
// work items, and launches the mover task over them.
//
// planID is the SHA-512 of the plan string; planVersion exists for forward
// compatibility; force skips the plan-age validation.
func (b *Balancer) SubmitPlan(planID string, planVersion int64, plan string, force bool) core.Error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := b.checkEnabled(); err != core.NoError {
		return err
	}
	if b.taskRunning() {
		log.Errorf("disk balancer: executing another plan, submit failed")
		return core.ErrPlanInProgress
	}
	nodePlan, err := b.verifyPlan(planID, planVersion, plan, force)
	if err != core.NoError {
		return err
	}
	if err := b.createWorkPlan(nodePlan); err != core.NoError {
		return err
	}
	b.planID = planID
	b.currentResult = PlanUnderProgress
	b.executePlan()
	return core.NoError
}

// QueryWorkStatus returns the current work status of a submitted plan.
func (b *Balancer) QueryWorkStatus() (*WorkStatus, core.Error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := b.checkEnabled(); err != core.NoError {
		return nil, err
	}

	// If we had a plan in progress, check whether it has finished.
	if b.currentResult == PlanUnderProgress && b.taskDone != nil && !b.taskRunning() {
		b.currentResult = PlanDone
	}

	status := &WorkStatus{
		Result:  b.currentResult,
		PlanID:  b.planID,
		Entries: make([]WorkEntry, 0, len(b.workPairs)),
	}
	for _, pair := range b.workPairs {
		status.Entries = append(status.Entries, WorkEntry{
			SourcePath: pair.Source.BasePath(),
			DestPath:   pair.Dest.BasePath(),
			Work:       b.workMap[pair.key()].Snapshot(),
		})
	}
	return status, core.NoError
}

// CancelPlan cancels a running plan, identified by its hash.
func (b *Balancer) CancelPlan(planID string) core.Error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := b.checkEnabled(); err != core.NoError {
		return err
	}
	if b.planID == "" || b.planID != planID {
		log.Errorf("disk balancer: no such plan, cancel failed, plan id: %s", planID)
		return core.ErrNoSuchPlan
	}
	if b.taskRunning() {
		b.mover.SetExitFlag()
		b.shutdownExecutor()
		b.currentResult = PlanCancelled
	}
	return core.NoError
}

// VolumeNames returns a storage id to volume base path mapping for every
// volume currently attached to the node.
func (b *Balancer) VolumeNames() (map[string]string, core.Error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := b.checkEnabled(); err != core.NoError {
		return nil, err
	}
	volMap, err := b.storageIDToVolumeMap()
	if err != core.NoError {
		return nil, err
	}
	pathMap := make(map[string]string, len(volMap))
	for id, vol := range volMap {
		pathMap[id] = vol.BasePath()
	}
	return pathMap, core.NoError
}

// Bandwidth returns the node-default bandwidth ceiling in MB/s.
func (b *Balancer) Bandwidth() (int64, core.Error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err := b.checkEnabled(); err != core.NoError {
		return 0, err
	}
	return b.bandwidth, core.NoError
}

// checkEnabled fails every operation while the balancer is disabled.
func (b *Balancer) checkEnabled() core.Error {
	if !b.enabled {
		return core.ErrBalancerNotEnabled
	}
	return core.NoError
}

// taskRunning reports whether a mover task exists and has not finished.
// Call with the lock held.
func (b *Balancer) taskRunning() bool {
	if b.taskDone == nil {
		return false
	}
	select {
	case <-b.taskDone:
		return false
	default:
		return true
	}
}

// shutdownExecutor waits for the mover task to drain. The wait is bounded:
// one grace window after the exit flag, one more after re-raising it, then
// we log and move on rather than hang the caller.
// Call with the lock held.
func (b *Balancer) shutdownExecutor() {
	select {
	case <-b.taskDone:
		return
	case <-time.After(executorShutdownWait):
	}
	b.mover.SetExitFlag()
	select {
	case <-b.taskDone:
	case <-time.After(executorShutdownWait):
		log.Errorf("disk balancer: mover task did not terminate")
	}
}

// verifyPlan verifies that a submitted plan is valid: supported version,
// matching hash, fresh enough (unless forced), and generated for this node.
// Call with the lock held.
func (b *Balancer) verifyPlan(planID string, planVersion int64, plan string, force bool) (*NodePlan, core.Error) {
	if err := b.verifyPlanVersion(planVersion); err != core.NoError {
		return nil, err
	}
	nodePlan, err := b.verifyPlanHash(planID, plan)
	if err != core.NoError {
		return nil, err
	}
	if !force {
		if err := b.verifyTimeStamp(nodePlan); err != core.NoError {
			return nil, err
		}
	}
	if err := b.verifyNodeUUID(nodePlan); err != core.NoError {
		return nil, err
	}
	return nodePlan, core.NoError
}

// verifyPlanVersion verifies the plan version is something that we support.
func (b *Balancer) verifyPlanVersion(planVersion int64) core.Error {
	if planVersion < MinPlanVersion || planVersion > MaxPlanVersion {
		log.Errorf("disk balancer: invalid plan version %d", planVersion)
		return core.ErrInvalidPlanVersion
	}
	return core.NoError
}

// verifyPlanHash verifies that the plan matches the SHA-512 provided by the
// submitter, then parses it.
func (b *Balancer) verifyPlanHash(planID, plan string) (*NodePlan, core.Error) {
	if len(plan) == 0 {
		log.Errorf("disk balancer: invalid plan")
		return nil, core.ErrInvalidPlan
	}
	if len(planID) != PlanIDLength || !strings.EqualFold(HashPlan(plan), planID) {
		log.Errorf("disk balancer: invalid plan hash")
		return nil, core.ErrInvalidPlanHash
	}
	nodePlan, err := ParsePlan([]byte(plan))
	if err != nil {
		log.Errorf("disk balancer: parsing plan failed: %s", err)
		return nil, core.ErrMalformedPlan
	}
	return nodePlan, core.NoError
}

// verifyTimeStamp verifies that the plan is not older than the validity
// window.
func (b *Balancer) verifyTimeStamp(plan *NodePlan) core.Error {
	now := time.Now().UnixMilli()
	if plan.TimeStamp+(ValidPlanHours*time.Hour).Milliseconds() < now {
		log.Errorf("disk balancer: plan was generated more than %d hours ago", ValidPlanHours)
		return core.ErrOldPlan
	}
	return core.NoError
}

// verifyNodeUUID verifies that the plan was generated for this node.
func (b *Balancer) verifyNodeUUID(plan *NodePlan) core.Error {
	if plan.NodeUUID == "" || plan.NodeUUID != b.nodeUUID {
		log.Errorf("disk balancer: plan was generated for another node")
		return core.ErrNodeIDMismatch
	}
	return core.NoError
}

// storageIDToVolumeMap returns a storage id to volume map of the current
// volume set.
func (b *Balancer) storageIDToVolumeMap() (map[string]datanode.Volume, core.Error) {
	refs, err := b.dataset.VolumeRefs()
	if err != core.NoError {
		log.Errorf("disk balancer: volume enumeration failed: %s", err)
		return nil, core.ErrInternal
	}
	defer refs.Close()

	volMap := make(map[string]datanode.Volume)
	for _, vol := range refs.Volumes() {
		volMap[vol.StorageID()] = vol
	}
	return volMap, core.NoError
}

// createWorkPlan converts a node plan into the work items that the mover
// executes. Call with the lock held.
func (b *Balancer) createWorkPlan(plan *NodePlan) core.Error {
	// Clean up any residual work in the map.
	b.workMap = make(map[pairKey]*WorkItem)
	b.workPairs = nil

	volMap, err := b.storageIDToVolumeMap()
	if err != core.NoError {
		return err
	}

	for _, step := range plan.VolumeSetPlans {
		source, ok := volMap[step.SourceVolume.UUID]
		if !ok {
			log.Errorf("disk balancer: unable to find source volume %s, submit failed", step.SourceVolume.UUID)
			return core.ErrInvalidVolume
		}
		dest, ok := volMap[step.DestinationVolume.UUID]
		if !ok {
			log.Errorf("disk balancer: unable to find destination volume %s, submit failed", step.DestinationVolume.UUID)
			return core.ErrInvalidVolume
		}
		if err := b.addWorkItem(source, dest, step); err != core.NoError {
			return err
		}
	}
	return core.NoError
}

// addWorkItem inserts the work item for one plan step, coalescing repeated
// pairs into a single work order.
func (b *Balancer) addWorkItem(source, dest datanode.Volume, step *Step) core.Error {
	if source.StorageID() == dest.StorageID() {
		log.Errorf("disk balancer: source and destination volumes are same")
		return core.ErrInvalidMove
	}

	pair := VolumePair{Source: source, Dest: dest}
	bytesToMove := step.BytesToMove
	// A plan with more than one step for the same pair is compressed into
	// one work order.
	if existing, ok := b.workMap[pair.key()]; ok {
		bytesToMove += existing.BytesToCopy()
	} else {
		b.workPairs = append(b.workPairs, pair)
	}

	item := NewWorkItem(bytesToMove)
	// All these values can be zero; the mover then falls back to the node
	// defaults.
	item.SetBandwidth(step.Bandwidth)
	item.SetTolerancePercent(step.TolerancePercent)
	item.SetMaxDiskErrors(step.MaxDiskErrors)
	b.workMap[pair.key()] = item
	return core.NoError
}

// executePlan launches the mover task over the admitted work map.
// Call with the lock held.
func (b *Balancer) executePlan() {
	b.mover.SetRunnable()

	pairs := b.workPairs
	workMap := b.workMap
	planID := b.planID
	done := make(chan struct{})
	b.taskDone = done

	metricPlanRunning.Set(1)
	go func() {
		defer close(done)
		defer metricPlanRunning.Set(0)
		defer b.mover.SetExitFlag()

		log.Infof("executing disk balancer plan, plan id: %s", planID)
		for _, pair := range pairs {
			b.mover.CopyBlocks(pair, workMap[pair.key()])
		}
	}()
}
