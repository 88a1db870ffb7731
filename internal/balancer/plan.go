// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// MinPlanVersion and MaxPlanVersion bound the plan versions this worker
	// understands.
	MinPlanVersion = 1
	MaxPlanVersion = 1

	// ValidPlanHours is how long a plan stays submittable after it was
	// generated.
	ValidPlanHours = 24

	// PlanIDLength is the length of a plan id: SHA-512 in hex.
	PlanIDLength = 128
)

// NodePlan is an instruction set describing byte volumes to shift between the
// volumes of one datanode. Plans are produced by the planner and delivered to
// the node as JSON; the worker verifies and consumes them.
type NodePlan struct {
	Version        int64   `json:"version"`
	NodeUUID       string  `json:"nodeUUID"`
	TimeStamp      int64   `json:"timeStamp"` // ms since epoch
	VolumeSetPlans []*Step `json:"volumeSetPlans"`
}

// Step is one source to destination entry in a plan. The bandwidth,
// tolerance, and error-budget overrides are optional; zero means "inherit the
// node default".
type Step struct {
	SourceVolume      *PlanVolume `json:"sourceVolume"`
	DestinationVolume *PlanVolume `json:"destinationVolume"`
	BytesToMove       int64       `json:"bytesToMove"`
	Bandwidth         int64       `json:"bandwidth,omitempty"`
	TolerancePercent  int64       `json:"tolerancePercent,omitempty"`
	MaxDiskErrors     int64       `json:"maxDiskErrors,omitempty"`
}

// PlanVolume names one volume inside a plan.
type PlanVolume struct {
	UUID string `json:"uuid"`
	Path string `json:"path,omitempty"`
}

// HashPlan returns the plan id of a plan string: the lowercase hex SHA-512 of
// its UTF-8 bytes.
func HashPlan(planText string) string {
	sum := sha512.Sum512([]byte(planText))
	return hex.EncodeToString(sum[:])
}

// ParsePlan parses the JSON form of a plan.
func ParsePlan(planText []byte) (*NodePlan, error) {
	plan := &NodePlan{}
	if err := json.Unmarshal(planText, plan); err != nil {
		return nil, err
	}
	for i, step := range plan.VolumeSetPlans {
		if step == nil || step.SourceVolume == nil || step.DestinationVolume == nil {
			return nil, fmt.Errorf("step %d is missing a volume", i)
		}
	}
	return plan, nil
}

// String returns the canonical JSON form of the plan. Hashing this string
// yields the plan id.
func (p *NodePlan) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}
