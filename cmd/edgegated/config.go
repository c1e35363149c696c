// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"os"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/pkg/gateway"
	"github.com/abstractmachines/edgegate/pkg/loader"
)

// topologyFile is the on-disk shape of the gateway's initial module and
// link batch, the JSON dialect the core itself is agnostic to (spec.md §1
// leaves configuration file parsing to the caller).
type topologyFile struct {
	Modules []moduleEntryFile `json:"modules"`
	Links   []linkEntryFile   `json:"links"`
}

type moduleEntryFile struct {
	Name          string          `json:"name"`
	Loader        string          `json:"loader"`
	Entrypoint    json.RawMessage `json:"entrypoint"`
	Configuration json.RawMessage `json:"configuration"`
}

type linkEntryFile struct {
	Source string `json:"source"`
	Sink   string `json:"sink"`
}

func loadTopology(path string) (gateway.CreateProperties, error) {
	if path == "" {
		return gateway.CreateProperties{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return gateway.CreateProperties{}, errors.Wrap(errors.ErrInvalid, errors.New("failed to read topology file: "+err.Error()))
	}
	var tf topologyFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return gateway.CreateProperties{}, errors.Wrap(errors.ErrInvalid, errors.New("malformed topology file: "+err.Error()))
	}

	props := gateway.CreateProperties{
		Modules: make([]gateway.ModuleEntry, 0, len(tf.Modules)),
		Links:   make([]gateway.LinkEntry, 0, len(tf.Links)),
	}
	for _, m := range tf.Modules {
		props.Modules = append(props.Modules, gateway.ModuleEntry{
			Name:          m.Name,
			LoaderName:    m.Loader,
			Entrypoint:    m.Entrypoint,
			Configuration: m.Configuration,
		})
	}
	for _, l := range tf.Links {
		props.Links = append(props.Links, gateway.LinkEntry{Source: l.Source, Sink: l.Sink})
	}
	return props, nil
}

func loadLoaderOverrides(reg *loader.Registry, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, errors.New("failed to read loader registry file: "+err.Error()))
	}
	return reg.InitializeFromJSON(data)
}
