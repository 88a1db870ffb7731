// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"strings"
	"testing"
)

// Test the plan id against a known SHA-512 vector.
func TestHashPlan(t *testing.T) {
	const emptyHash = "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce" +
		"47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"

	got := HashPlan("")
	if got != emptyHash {
		t.Fatalf("HashPlan(\"\") = %s, want %s", got, emptyHash)
	}
	if len(got) != PlanIDLength {
		t.Fatalf("plan id length = %d, want %d", len(got), PlanIDLength)
	}
	if HashPlan("a") == HashPlan("b") {
		t.Fatalf("distinct plans hash identically")
	}
}

// Test round-tripping a plan through its JSON form.
func TestParsePlanRoundTrip(t *testing.T) {
	plan := &NodePlan{
		Version:   1,
		NodeUUID:  "node-1",
		TimeStamp: 1700000000000,
		VolumeSetPlans: []*Step{
			{
				SourceVolume:      &PlanVolume{UUID: "va", Path: "/a"},
				DestinationVolume: &PlanVolume{UUID: "vb", Path: "/b"},
				BytesToMove:       1 << 30,
				Bandwidth:         25,
			},
		},
	}

	text := plan.String()
	if text == "" {
		t.Fatalf("plan did not serialize")
	}

	parsed, err := ParsePlan([]byte(text))
	if err != nil {
		t.Fatalf("ParsePlan: %s", err)
	}
	if parsed.NodeUUID != "node-1" || parsed.TimeStamp != 1700000000000 {
		t.Errorf("parsed header mismatch: %+v", parsed)
	}
	if len(parsed.VolumeSetPlans) != 1 {
		t.Fatalf("parsed %d steps, want 1", len(parsed.VolumeSetPlans))
	}
	step := parsed.VolumeSetPlans[0]
	if step.SourceVolume.UUID != "va" || step.DestinationVolume.UUID != "vb" {
		t.Errorf("parsed volumes mismatch: %+v", step)
	}
	if step.BytesToMove != 1<<30 || step.Bandwidth != 25 || step.TolerancePercent != 0 {
		t.Errorf("parsed step fields mismatch: %+v", step)
	}
}

// Test that malformed plans are rejected.
func TestParsePlanErrors(t *testing.T) {
	if _, err := ParsePlan([]byte("{not json")); err == nil {
		t.Errorf("bad json accepted")
	}
	if _, err := ParsePlan([]byte(`{"volumeSetPlans":[{"bytesToMove":5}]}`)); err == nil {
		t.Errorf("step without volumes accepted")
	}
	if _, err := ParsePlan([]byte(strings.Repeat(" ", 4) + "{}")); err != nil {
		t.Errorf("empty plan rejected: %s", err)
	}
}
