// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway_test

import (
	"encoding/json"
	"sync"

	"github.com/abstractmachines/edgegate/pkg/loader"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/abstractmachines/edgegate/pkg/modapi"
)

// recorder collects every message a stub module's Receive was called with,
// in delivery order, safe for concurrent access from a broker worker.
type recorder struct {
	mu       sync.Mutex
	received []message.Message
}

func (r *recorder) record(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.received...)
}

// stubLoader is a test fixture loader: its entry point is just the module's
// own name, encoded as a JSON string, and Load/GetAPI skip any real code
// loading. It records every module it creates, until that module is
// destroyed, so a test can both assert on received messages and drive a
// module's own Publish calls directly.
type stubLoader struct {
	mu        sync.Mutex
	recorders map[string]*recorder
	handles   map[string]*stubHandle
}

func newStubLoader() *stubLoader {
	return &stubLoader{recorders: map[string]*recorder{}, handles: map[string]*stubHandle{}}
}

func (l *stubLoader) Name() string      { return "stub" }
func (l *stubLoader) Type() loader.Type { return loader.TypeNative }

func (l *stubLoader) Load(entrypoint interface{}) (interface{}, error) {
	return entrypoint, nil
}

func (l *stubLoader) Unload(interface{}) error { return nil }

func (l *stubLoader) GetAPI(libraryHandle interface{}) (modapi.Module, error) {
	name, _ := libraryHandle.(string)
	l.mu.Lock()
	if l.recorders[name] == nil {
		l.recorders[name] = &recorder{}
	}
	rec := l.recorders[name]
	l.mu.Unlock()
	return &stubModule{loader: l, name: name, rec: rec}, nil
}

func (l *stubLoader) ParseEntrypointFromJSON(data []byte) (interface{}, error) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return nil, err
	}
	return name, nil
}

func (l *stubLoader) FreeEntrypoint(interface{}) {}

func (l *stubLoader) ParseConfigurationFromJSON(data []byte) (interface{}, error) {
	return nil, nil
}

func (l *stubLoader) FreeConfiguration(interface{}) {}

func (l *stubLoader) BuildModuleConfiguration(_, moduleConfig interface{}) (interface{}, error) {
	return moduleConfig, nil
}

func (l *stubLoader) FreeModuleConfiguration(interface{}) {}

func (l *stubLoader) handleFor(name string) *stubHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[name]
}

// stubModule adapts one recorder to the module contract.
type stubModule struct {
	loader *stubLoader
	name   string
	rec    *recorder
}

func (m *stubModule) APIVersion() int { return modapi.CurrentAPIVersion }

func (m *stubModule) ParseConfigurationFromJSON(text []byte) (interface{}, error) {
	return nil, nil
}

func (m *stubModule) FreeConfiguration(interface{}) {}

func (m *stubModule) Create(broker modapi.Broker, config interface{}) (modapi.Handle, error) {
	h := &stubHandle{broker: broker, rec: m.rec, loader: m.loader, name: m.name}
	m.loader.mu.Lock()
	m.loader.handles[m.name] = h
	m.loader.mu.Unlock()
	return h, nil
}

type stubHandle struct {
	broker    modapi.Broker
	rec       *recorder
	loader    *stubLoader
	name      string
	startedMu sync.Mutex
	started   bool
}

func (h *stubHandle) Receive(msg message.Message) { h.rec.record(msg) }

func (h *stubHandle) Start() {
	h.startedMu.Lock()
	defer h.startedMu.Unlock()
	h.started = true
}

func (h *stubHandle) wasStarted() bool {
	h.startedMu.Lock()
	defer h.startedMu.Unlock()
	return h.started
}

// Destroy drops the handle from its loader, so handleFor reports nil for a
// module that has been torn down.
func (h *stubHandle) Destroy() {
	h.loader.mu.Lock()
	defer h.loader.mu.Unlock()
	if h.loader.handles[h.name] == h {
		delete(h.loader.handles, h.name)
	}
}

// publish lets a test act "as" this module, publishing through the bound
// broker handed to it at Create time.
func (h *stubHandle) publish(msg message.Message) error {
	return h.broker.Publish(msg)
}
