// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main contains edgegated's main function: it assembles one
// gateway from a loader registry and a topology file, starts it, and tears
// it down cleanly on shutdown signal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/abstractmachines/edgegate/internal/env"
	"github.com/abstractmachines/edgegate/logger"
	"github.com/abstractmachines/edgegate/pkg/broker"
	"github.com/abstractmachines/edgegate/pkg/gateway"
	"github.com/abstractmachines/edgegate/pkg/loader"
)

const svcName = "edgegated"

type config struct {
	LogLevel           logger.Level `env:"EDGEGATE_LOG_LEVEL"            envDefault:"info"`
	InstanceID         string       `env:"EDGEGATE_INSTANCE_ID"          envDefault:""`
	TopologyPath       string       `env:"EDGEGATE_TOPOLOGY_PATH"        envDefault:""`
	LoaderRegistryPath string       `env:"EDGEGATE_LOADER_REGISTRY_PATH" envDefault:""`
	QueueCapacity      int          `env:"EDGEGATE_QUEUE_CAPACITY"       envDefault:"1024"`
}

func main() {
	var exitCode int
	defer logger.ExitWithError(&exitCode)

	cfg, err := env.NewConfig[config]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s configuration: %s\n", svcName, err)
		exitCode = 1
		return
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	log := logger.New(os.Stdout, cfg.LogLevel)
	log.Info(fmt.Sprintf("%s instance %s starting", svcName, cfg.InstanceID))

	reg := loader.NewRegistry(log)
	if err := reg.Initialize(); err != nil {
		log.Error("failed to initialise loader registry: " + err.Error())
		exitCode = 1
		return
	}
	if err := loadLoaderOverrides(reg, cfg.LoaderRegistryPath); err != nil {
		log.Error("failed to apply loader registry overrides: " + err.Error())
		exitCode = 1
		return
	}

	props, err := loadTopology(cfg.TopologyPath)
	if err != nil {
		log.Error("failed to load topology: " + err.Error())
		exitCode = 1
		return
	}
	if props.QueueCapacity == 0 {
		props.QueueCapacity = cfg.QueueCapacity
	}
	if props.QueueCapacity <= 0 {
		props.QueueCapacity = broker.DefaultQueueCapacity
	}

	gw, err := gateway.Create(reg, log, props)
	if err != nil {
		log.Error("failed to create gateway: " + err.Error())
		exitCode = 1
		return
	}

	gw.Subscribe(func(_ *gateway.Gateway, e gateway.Event) {
		log.Debug("gateway event: " + e.String())
	})

	log.Info(fmt.Sprintf("%s starting with %d module(s)", svcName, len(props.Modules)))
	gw.Start()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info(fmt.Sprintf("%s shutting down on signal: %s", svcName, s))

	gw.Destroy()
}
