// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package datanode

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for a datanode.
type Config struct {
	Addr           string // Address for the status page and metrics.
	ControllerBase string // Base directory for controller unix sockets.

	// NodeUUID is the identity of this datanode. Generated at startup when
	// left empty.
	NodeUUID string

	// VolumeRoots are the mount points of the volumes attached to this node.
	VolumeRoots []string

	// How long a cached free-space reading stays valid.
	VolumeStatusCacheTTL time.Duration

	// --- Disk Balancer ---
	// Master gate; every balancer operation fails while this is false.
	BalancerEnabled bool
	// Node-default bandwidth ceiling for block moves, in MB/s.
	BalancerMaxThroughput int64
	// Node-default tolerance band for "close enough", in percent.
	BalancerBlockTolerance int64
	// Node-default error budget per work item.
	BalancerMaxErrors int64
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Address of the datanode can not be empty")
	}
	if c.ControllerBase == "" {
		return fmt.Errorf("ControllerBase of the datanode can not be empty")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production. Balancer throughput is deliberately conservative so that a
// running balancer never starves foreground I/O.
var DefaultProdConfig = Config{
	Addr:                   ":4480",
	ControllerBase:         "/var/run/strata",
	VolumeStatusCacheTTL:   time.Minute,
	BalancerEnabled:        false,
	BalancerMaxThroughput:  10,
	BalancerBlockTolerance: 10,
	BalancerMaxErrors:      5,
}

// DefaultTestConfig specifies default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	Addr:                   "localhost:0",
	ControllerBase:         "/tmp/strata-test",
	VolumeStatusCacheTTL:   0,
	BalancerEnabled:        true,
	BalancerMaxThroughput:  10,
	BalancerBlockTolerance: 10,
	BalancerMaxErrors:      5,
}
