// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/abstractmachines/edgegate/pkg/modapi"
)

// LuaEntrypoint names a Lua script implementing the module contract as four
// global functions: create(config) -> userdata, receive(handle, properties,
// payload), destroy(handle), start(handle).
//
// LuaLoader is the INTERPRETED loader type, grounded on the
// github.com/yuin/gopher-lua dependency present in cuemby-warren's module
// graph (pulled in there for embedded scripting) — the same embeddable-VM
// shape the reference implementation's managed-runtime loaders use for
// hosting foreign code behind a fixed API.
type LuaEntrypoint struct {
	ScriptPath string `json:"script"`
}

const (
	luaFuncCreate  = "create"
	luaFuncReceive = "receive"
	luaFuncDestroy = "destroy"
	luaFuncStart   = "start"
)

// LuaLoader hosts modules written as Lua scripts.
type LuaLoader struct {
	name string
}

// NewLuaLoader constructs a LuaLoader registered under name.
func NewLuaLoader(name string) *LuaLoader {
	return &LuaLoader{name: name}
}

func (l *LuaLoader) Name() string { return l.name }
func (l *LuaLoader) Type() Type   { return TypeInterpreted }

type luaLibrary struct {
	state      *lua.LState
	scriptPath string
}

func (l *LuaLoader) Load(entrypoint interface{}) (interface{}, error) {
	ep, ok := entrypoint.(*LuaEntrypoint)
	if !ok || ep == nil || ep.ScriptPath == "" {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("lua loader requires a script path"))
	}
	state := lua.NewState()
	if err := state.DoFile(ep.ScriptPath); err != nil {
		state.Close()
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("failed to load lua script: "+err.Error()))
	}
	for _, fn := range []string{luaFuncCreate, luaFuncReceive, luaFuncDestroy} {
		if state.GetGlobal(fn) == lua.LNil {
			state.Close()
			return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("lua script does not define "+fn))
		}
	}
	return &luaLibrary{state: state, scriptPath: ep.ScriptPath}, nil
}

func (l *LuaLoader) Unload(libraryHandle interface{}) error {
	lib, ok := libraryHandle.(*luaLibrary)
	if !ok {
		return errors.Wrap(errors.ErrInvalid, errors.New("library handle is not a lua script"))
	}
	lib.state.Close()
	return nil
}

func (l *LuaLoader) GetAPI(libraryHandle interface{}) (modapi.Module, error) {
	lib, ok := libraryHandle.(*luaLibrary)
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("library handle is not a lua script"))
	}
	return &luaModule{lib: lib}, nil
}

func (l *LuaLoader) ParseEntrypointFromJSON(data []byte) (interface{}, error) {
	ep := &LuaEntrypoint{}
	if err := json.Unmarshal(data, ep); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed lua entrypoint: "+err.Error()))
	}
	return ep, nil
}

func (l *LuaLoader) FreeEntrypoint(entrypoint interface{}) {}

func (l *LuaLoader) ParseConfigurationFromJSON(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed lua loader configuration: "+err.Error()))
	}
	return cfg, nil
}

func (l *LuaLoader) FreeConfiguration(config interface{}) {}

func (l *LuaLoader) BuildModuleConfiguration(entrypoint, moduleConfig interface{}) (interface{}, error) {
	return moduleConfig, nil
}

func (l *LuaLoader) FreeModuleConfiguration(config interface{}) {}

// luaModule adapts a loaded Lua script to modapi.Module.
type luaModule struct {
	lib *luaLibrary
}

func (m *luaModule) APIVersion() int { return modapi.CurrentAPIVersion }

func (m *luaModule) ParseConfigurationFromJSON(text []byte) (interface{}, error) {
	if len(text) == 0 {
		return nil, nil
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(text, &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("malformed lua module configuration: "+err.Error()))
	}
	return cfg, nil
}

func (m *luaModule) FreeConfiguration(interface{}) {}

func (m *luaModule) Create(broker modapi.Broker, config interface{}) (modapi.Handle, error) {
	L := m.lib.state

	L.SetGlobal("publish", L.NewFunction(func(L *lua.LState) int {
		propsTable := L.CheckTable(1)
		payload := L.CheckString(2)

		props := map[string]string{}
		propsTable.ForEach(func(k, v lua.LValue) {
			props[k.String()] = v.String()
		})
		msg, err := message.New(props, []byte(payload), nil)
		if err != nil {
			return 0
		}
		_ = broker.Publish(msg)
		return 0
	}))

	cfgTable := L.NewTable()
	if cfg, ok := config.(map[string]interface{}); ok {
		for k, v := range cfg {
			if s, ok := v.(string); ok {
				cfgTable.RawSetString(k, lua.LString(s))
			}
		}
	}

	if err := L.CallByParam(lua.P{Fn: L.GetGlobal(luaFuncCreate), NRet: 1, Protect: true}, cfgTable); err != nil {
		return nil, errors.Wrap(errors.ErrLoaderFailure, errors.New("lua create failed: "+err.Error()))
	}
	ret := L.Get(-1)
	L.Pop(1)

	return &luaHandle{lib: m.lib, self: ret}, nil
}

// luaHandle is the running instance of a Lua module. Publishing is wired
// through the "publish" Lua global bound in Create, not through a field
// here, since the underlying *lua.LState (and therefore its globals) is
// shared by the whole script, not per-handle.
type luaHandle struct {
	lib  *luaLibrary
	self lua.LValue
}

func (h *luaHandle) Receive(msg message.Message) {
	L := h.lib.state

	propsTable := L.NewTable()
	for _, p := range msg.Properties() {
		propsTable.RawSetString(p.Name, lua.LString(p.Value))
	}
	payload := lua.LString(string(msg.Payload()))

	_ = L.CallByParam(lua.P{Fn: L.GetGlobal(luaFuncReceive), NRet: 0, Protect: true}, h.self, propsTable, payload)
}

func (h *luaHandle) Start() {
	L := h.lib.state
	if fn := L.GetGlobal(luaFuncStart); fn != lua.LNil {
		_ = L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, h.self)
	}
}

func (h *luaHandle) Destroy() {
	L := h.lib.state
	_ = L.CallByParam(lua.P{Fn: L.GetGlobal(luaFuncDestroy), NRet: 0, Protect: true}, h.self)
}
