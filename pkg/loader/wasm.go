// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/abstractmachines/edgegate/pkg/modapi"
)

// WasmEntrypoint names a compiled WebAssembly module on disk.
//
// WasmLoader is the MANAGED_A loader: a sandboxed, managed-runtime module
// host, grounded on
// other_examples/53e668aa_tinywasm-wasi__host.go.go, which hosts a guest
// behind an "env" host module exporting publish/subscribe/log. This loader
// gives guest modules an "env" host module of the same shape, exporting
// publish and log.
type WasmEntrypoint struct {
	Path string `json:"path"`
}

// Guest export names. GetAPI requires create, receive, destroy and malloc;
// start is called only when the guest exports it; free is not called by
// this loader.
const (
	wasmExportCreate  = "create"
	wasmExportReceive = "receive"
	wasmExportDestroy = "destroy"
	wasmExportStart   = "start"
	wasmExportMalloc  = "malloc"
	wasmExportFree    = "free"
)

// WasmLoader hosts modules compiled to WebAssembly inside a wazero runtime.
type WasmLoader struct {
	name string

	mu      sync.Mutex
	runtime wazero.Runtime
	ctx     context.Context
}

// NewWasmLoader constructs a WasmLoader registered under name. The
// underlying wazero runtime is created lazily on first Load.
func NewWasmLoader(name string) *WasmLoader {
	return &WasmLoader{name: name, ctx: context.Background()}
}

func (l *WasmLoader) Name() string { return l.name }
func (l *WasmLoader) Type() Type   { return TypeManagedA }

func (l *WasmLoader) runtimeFor() (wazero.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runtime != nil {
		return l.runtime, nil
	}
	rt := wazero.NewRuntime(l.ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(l.ctx, rt); err != nil {
		return nil, errors.Wrap(errors.ErrResourceExhausted, errors.New("failed to instantiate WASI: "+err.Error()))
	}
	l.runtime = rt
	return rt, nil
}

// Close releases the wazero runtime and every module compiled against it.
func (l *WasmLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runtime == nil {
		return nil
	}
	err := l.runtime.Close(l.ctx)
	l.runtime = nil
	return err
}

type wasmLibrary struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	ctx      context.Context
}

func (l *WasmLoader) Load(entrypoint interface{}) (interface{}, error) {
	ep, ok := entrypoint.(*WasmEntrypoint)
	if !ok || ep == nil || ep.Path == "" {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("wasm loader requires a module path"))
	}
	rt, err := l.runtimeFor()
	if err != nil {
		return nil, err
	}
	wasmBytes, err := os.ReadFile(ep.Path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to read wasm module: "+err.Error()))
	}
	compiled, err := rt.CompileModule(l.ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to compile wasm module: "+err.Error()))
	}
	return &wasmLibrary{runtime: rt, compiled: compiled, ctx: l.ctx}, nil
}

func (l *WasmLoader) Unload(libraryHandle interface{}) error {
	lib, ok := libraryHandle.(*wasmLibrary)
	if !ok {
		return errors.Wrap(errors.ErrInvalid, errors.New("library handle is not a wasm module"))
	}
	return lib.compiled.Close(lib.ctx)
}

func (l *WasmLoader) GetAPI(libraryHandle interface{}) (modapi.Module, error) {
	lib, ok := libraryHandle.(*wasmLibrary)
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("library handle is not a wasm module"))
	}
	required := []string{wasmExportCreate, wasmExportReceive, wasmExportDestroy, wasmExportMalloc}
	exports := lib.compiled.ExportedFunctions()
	for _, name := range required {
		if _, ok := exports[name]; !ok {
			return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm module does not export "+name))
		}
	}
	return &wasmModule{lib: lib}, nil
}

func (l *WasmLoader) ParseEntrypointFromJSON(data []byte) (interface{}, error) {
	ep := &WasmEntrypoint{}
	if err := json.Unmarshal(data, ep); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed wasm entrypoint: "+err.Error()))
	}
	return ep, nil
}

func (l *WasmLoader) FreeEntrypoint(entrypoint interface{}) {}

func (l *WasmLoader) ParseConfigurationFromJSON(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed wasm loader configuration: "+err.Error()))
	}
	return cfg, nil
}

func (l *WasmLoader) FreeConfiguration(config interface{}) {}

func (l *WasmLoader) BuildModuleConfiguration(entrypoint, moduleConfig interface{}) (interface{}, error) {
	return moduleConfig, nil
}

func (l *WasmLoader) FreeModuleConfiguration(config interface{}) {}

// wasmModule adapts a compiled WASM guest to modapi.Module.
type wasmModule struct {
	lib *wasmLibrary
}

func (m *wasmModule) APIVersion() int { return modapi.CurrentAPIVersion }

func (m *wasmModule) ParseConfigurationFromJSON(text []byte) (interface{}, error) {
	return text, nil
}

func (m *wasmModule) FreeConfiguration(interface{}) {}

func (m *wasmModule) Create(broker modapi.Broker, config interface{}) (modapi.Handle, error) {
	ctx := m.lib.ctx

	h := &wasmHandle{broker: broker, ctx: ctx}

	hostModule, err := m.lib.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(h.hostPublish).Export("publish").
		NewFunctionBuilder().WithFunc(h.hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to instantiate env host module: "+err.Error()))
	}
	h.env = hostModule

	instance, err := m.lib.runtime.InstantiateModule(ctx, m.lib.compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to instantiate wasm guest: "+err.Error()))
	}
	h.instance = instance

	cfgBytes, _ := config.([]byte)
	ptr, length, err := h.writeBytes(cfgBytes)
	if err != nil {
		return nil, err
	}
	createFn := instance.ExportedFunction(wasmExportCreate)
	if createFn == nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm guest does not export create"))
	}
	results, err := createFn.Call(ctx, ptr, length)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm create failed: "+err.Error()))
	}
	if len(results) > 0 {
		h.handle = uint32(results[0])
	}
	return h, nil
}

// wasmHandle is the running instance of a WASM guest module.
type wasmHandle struct {
	broker   modapi.Broker
	ctx      context.Context
	instance api.Module
	env      api.Module
	handle   uint32
}

func (h *wasmHandle) Receive(msg message.Message) {
	data := msg.Serialize()
	ptr, length, err := h.writeBytes(data)
	if err != nil {
		return
	}
	fn := h.instance.ExportedFunction(wasmExportReceive)
	if fn == nil {
		return
	}
	_, _ = fn.Call(h.ctx, uint64(h.handle), ptr, length)
}

func (h *wasmHandle) Start() {
	if fn := h.instance.ExportedFunction(wasmExportStart); fn != nil {
		_, _ = fn.Call(h.ctx, uint64(h.handle))
	}
}

func (h *wasmHandle) Destroy() {
	if fn := h.instance.ExportedFunction(wasmExportDestroy); fn != nil {
		_, _ = fn.Call(h.ctx, uint64(h.handle))
	}
	_ = h.instance.Close(h.ctx)
	_ = h.env.Close(h.ctx)
}

// writeBytes copies data into guest memory using the guest's exported
// malloc, returning the pointer and length wazero function calls expect.
func (h *wasmHandle) writeBytes(data []byte) (uint64, uint64, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	malloc := h.instance.ExportedFunction(wasmExportMalloc)
	if malloc == nil {
		return 0, 0, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm guest does not export malloc"))
	}
	results, err := malloc.Call(h.ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm malloc failed: "+err.Error()))
	}
	ptr := uint32(results[0])
	if !h.instance.Memory().Write(ptr, data) {
		return 0, 0, errors.Wrap(errors.ErrLoaderFailure, errors.New("wasm guest memory write out of range"))
	}
	return uint64(ptr), uint64(len(data)), nil
}

// hostPublish is exported to guests as env.publish(payloadPtr, payloadLen).
// The publisher identity is always the module itself; the gateway already
// bound that into h.broker, so guests cannot spoof another module's name.
func (h *wasmHandle) hostPublish(ctx context.Context, mod api.Module, payloadPtr, payloadLen uint32) {
	data, ok := mod.Memory().Read(payloadPtr, payloadLen)
	if !ok {
		return
	}
	msg, err := message.Deserialize(data)
	if err != nil {
		return
	}
	_ = h.broker.Publish(msg)
}

func (h *wasmHandle) hostLog(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
	// Guest-originated log lines are intentionally dropped rather than
	// wired to the gateway logger: a WASM guest is untrusted input, and
	// forwarding arbitrary guest strings into structured log output
	// unbounded would let a module flood the log sink.
}
