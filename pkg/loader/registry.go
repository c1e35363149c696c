// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"encoding/json"
	"sync"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/logger"
)

// Registry is a process-wide, lazily-initialised name -> Loader mapping.
// It lives as long as any gateway exists: a gateway calls Initialize during
// Create and Destroy when it tears down.
type Registry struct {
	mu          sync.Mutex
	loaders     map[string]Loader
	initialized bool
	logger      logger.Logger
}

// NewRegistry constructs an empty, uninitialised registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewMock()
	}
	return &Registry{loaders: make(map[string]Loader), logger: log}
}

// Initialize populates the registry with the built-in loaders, registered
// as "native", "wasm" (managed), "lua" (interpreted) and "out_of_process".
// Idempotent.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	r.loaders["native"] = NewNativeLoader("native")
	r.loaders["wasm"] = NewWasmLoader("wasm")
	r.loaders["lua"] = NewLuaLoader("lua")
	r.loaders["out_of_process"] = NewOutOfProcessLoader("out_of_process")

	r.initialized = true
	return nil
}

// InitializeFromJSON augments the registry from a configuration array, each
// entry specifying {type, name, configuration}. Each entry registers a fresh
// loader of the entry's type under its name, replacing any loader already
// registered under that name, mirroring the reference implementation's
// last-one-wins update-or-add semantics. The entry's configuration is not
// read: every loader is constructed with its defaults.
func (r *Registry) InitializeFromJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(errors.ErrInvalid, errors.New("malformed loader registry JSON: "+err.Error()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		l, err := newByType(e.Type, e.Name)
		if err != nil {
			return err
		}
		r.loaders[e.Name] = l
	}
	return nil
}

func newByType(typeName, name string) (Loader, error) {
	switch typeName {
	case "native":
		return NewNativeLoader(name), nil
	case "managed_a", "wasm":
		return NewWasmLoader(name), nil
	case "interpreted", "lua":
		return NewLuaLoader(name), nil
	case "out_of_process":
		return NewOutOfProcessLoader(name), nil
	default:
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("unknown loader type "+typeName))
	}
}

// Register adds or replaces a loader under name. Unlike InitializeFromJSON,
// the caller constructs the Loader itself — the escape hatch for loader
// strategies with no JSON-describable configuration (and for tests).
func (r *Registry) Register(name string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = l
}

// FindByName looks up a loader by its registered name.
func (r *Registry) FindByName(name string) (Loader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loaders[name]
	return l, ok
}

// Destroy closes any resources loaders opened at init time and clears the
// registry.
func (r *Registry) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, l := range r.loaders {
		if closer, ok := l.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("loader registry: error closing loader " + name + ": " + err.Error())
			}
		}
	}
	r.loaders = make(map[string]Loader)
	r.initialized = false
	return nil
}
