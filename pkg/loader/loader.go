// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package loader implements the polymorphic "how do I turn a
// (loader-type, entry-point, configuration) triple into a live module"
// abstraction: the eight-function loader vtable from the module contract,
// realized as one Go interface per loader strategy, plus the process-wide
// loader registry.
package loader

import (
	"encoding/json"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/pkg/modapi"
)

// Type is the closed enum of loader strategies.
type Type int

const (
	// TypeNative loads an in-process Go plugin.
	TypeNative Type = iota
	// TypeOutOfProcess spawns/attaches a subprocess and proxies the
	// module contract over a framed control channel.
	TypeOutOfProcess
	// TypeManagedA hosts a module inside a managed (WebAssembly) runtime.
	TypeManagedA
	// TypeManagedB is reserved for a second managed-runtime host. No
	// built-in backs it; see SPEC_FULL.md §11.
	TypeManagedB
	// TypeInterpreted hosts a module written in an embedded scripting
	// language.
	TypeInterpreted
)

func (t Type) String() string {
	switch t {
	case TypeNative:
		return "native"
	case TypeOutOfProcess:
		return "out_of_process"
	case TypeManagedA:
		return "managed_a"
	case TypeManagedB:
		return "managed_b"
	case TypeInterpreted:
		return "interpreted"
	default:
		return "unknown"
	}
}

// Loader is the vtable every loader strategy implements: it knows how to
// bring a module's code into the process (or its proxy), hand back its
// module API, and translate the JSON configuration blobs the gateway reads
// into whatever opaque values the module itself expects.
type Loader interface {
	// Name is the loader's unique name, as referenced by configuration.
	Name() string

	// Type reports which strategy this loader implements.
	Type() Type

	// Load brings the module's code into the process and returns an
	// opaque library handle for further operations.
	Load(entrypoint interface{}) (libraryHandle interface{}, err error)

	// Unload reverses Load.
	Unload(libraryHandle interface{}) error

	// GetAPI obtains the module's API from a loaded library handle.
	GetAPI(libraryHandle interface{}) (modapi.Module, error)

	// ParseEntrypointFromJSON converts the loader-specific entry-point
	// descriptor (e.g. a library path) from JSON.
	ParseEntrypointFromJSON(data []byte) (interface{}, error)

	// FreeEntrypoint releases what ParseEntrypointFromJSON returned.
	FreeEntrypoint(entrypoint interface{})

	// ParseConfigurationFromJSON converts loader-level (not
	// module-level) configuration from JSON.
	ParseConfigurationFromJSON(data []byte) (interface{}, error)

	// FreeConfiguration releases what ParseConfigurationFromJSON
	// returned.
	FreeConfiguration(config interface{})

	// BuildModuleConfiguration combines the entry point and the
	// module-level configuration (already parsed by the module's own
	// ParseConfigurationFromJSON) into the final handoff object passed
	// to Module.Create.
	BuildModuleConfiguration(entrypoint, moduleConfig interface{}) (interface{}, error)

	// FreeModuleConfiguration releases what BuildModuleConfiguration
	// returned.
	FreeModuleConfiguration(config interface{})
}

// Entry describes one JSON-configured loader registration, as accepted by
// Registry.InitializeFromJSON.
type Entry struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
}

// well-formed validates a module returned by GetAPI against the contract in
// spec.md §4.3: create/destroy/receive non-null (a Go interface value is
// always "non-null" in the C sense, so loaders validate the version instead)
// and a version the gateway supports.
func wellFormed(m modapi.Module) error {
	if m == nil {
		return errors.Wrap(errors.ErrLoaderFailure, errors.New("module API is nil"))
	}
	if m.APIVersion() > modapi.CurrentAPIVersion {
		return errors.Wrap(errors.ErrLoaderFailure, errors.New("module API version too high"))
	}
	return nil
}
