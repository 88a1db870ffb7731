// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/balancer"
	"github.com/stratastorage/strata/internal/datanode"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'datanode.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-datanodeCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-volumes="/disk/a,/disk/b"'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = datanode.DefaultProdConfig

	// Config file name.
	dnFile = flag.String("datanodeCfg", "", "configuration file for datanode")

	// Datanode config parameters.
	addr            = flag.String("addr", "", "address for the status page and metrics")
	controllerBase  = flag.String("controllerBase", "", "base dir for controller unix sockets")
	volumes         = flag.String("volumes", "", "comma-separated volume roots")
	nodeUUID        = flag.String("nodeUUID", "", "manually specify the node uuid for testing purposes")
	balancerEnabled = flag.Bool("balancerEnabled", false, "whether to enable the disk balancer")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *dnFile {
		f, err := os.Open(*dnFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Apply flags.
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *controllerBase {
		cfg.ControllerBase = *controllerBase
	}
	if "" != *volumes {
		cfg.VolumeRoots = strings.Split(*volumes, ",")
	}
	if "" != *nodeUUID {
		cfg.NodeUUID = *nodeUUID
	}
	if *balancerEnabled {
		cfg.BalancerEnabled = true
	}

	if err := cfg.Validate(); nil != err {
		log.Fatalf("invalid configuration: %s", err)
	}
}

func main() {
	if len(cfg.VolumeRoots) == 0 {
		log.Fatalf("no volumes configured")
	}
	if cfg.NodeUUID == "" {
		cfg.NodeUUID = uuid.NewString()
		log.Infof("no node uuid configured, generated %s", cfg.NodeUUID)
	}

	dataset, err := datanode.NewFsDataset(&cfg)
	if err != nil {
		log.Fatalf("failed to open volumes: %s", err)
	}

	mover := balancer.NewVolumeMover(dataset, &cfg)
	worker := balancer.NewBalancer(cfg.NodeUUID, &cfg, mover)
	balancer.NewController(worker, &cfg)

	http.HandleFunc("/", worker.StatusHandler)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("status page and metrics on %s", cfg.Addr)
		log.Fatalf("http server exited: %s", http.ListenAndServe(cfg.Addr, nil))
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Infof("received %s, shutting down", sig)
	worker.Shutdown()
	log.Flush()
}
