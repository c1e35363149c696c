// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the graph manager: the user-facing composition
// of the broker, the attached-module set, the link set (including wildcard
// links), the loader registry, and the lifecycle event system. It keeps the
// broker's concrete link table consistent with the declared topology under
// every add/remove, and makes every mutating operation transactional: a
// failure at any step leaves the gateway and broker exactly as they were
// before the call.
package gateway

import (
	"encoding/json"
	"sync"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/logger"
	"github.com/abstractmachines/edgegate/pkg/broker"
	"github.com/abstractmachines/edgegate/pkg/loader"
	"github.com/abstractmachines/edgegate/pkg/message"
	"github.com/abstractmachines/edgegate/pkg/modapi"
)

// ModuleEntry is the user-facing description of a module to load and
// attach: which loader to use, its loader-specific entry point, and the
// module's own JSON configuration.
type ModuleEntry struct {
	Name          string
	LoaderName    string
	Entrypoint    json.RawMessage
	Configuration json.RawMessage
}

// moduleRecord is everything the gateway needs to unwind a module later:
// the loader that produced it and every intermediate handle that loader
// chain returned.
type moduleRecord struct {
	name          string
	loaderName    string
	ld            loader.Loader
	libraryHandle interface{}
	api           modapi.Module
	handle        modapi.Handle
}

// boundPublisher adapts the broker's (publisher, message) Publish call to
// the narrow, per-module modapi.Broker a module sees — bound to one
// module's name at Create time, so a module can never assert another
// module's identity when publishing.
type boundPublisher struct {
	broker *broker.Broker
	name   string
}

func (p *boundPublisher) Publish(msg message.Message) error {
	return p.broker.Publish(p.name, msg)
}

// CreateProperties is the initial batch a gateway is built from: an optional
// queue capacity override, and the modules and links to bring up atomically.
type CreateProperties struct {
	QueueCapacity int
	Modules       []ModuleEntry
	Links         []LinkEntry
}

// Gateway is the graph manager: broker + modules + links + events, bound to
// one loader registry. All mutating operations (AddModule, RemoveModule,
// AddLink, RemoveLink, Destroy) must be serialised by the caller; Publish
// traffic flows independently on the broker's own worker goroutines.
type Gateway struct {
	mu       sync.Mutex
	broker   *broker.Broker
	registry *loader.Registry
	logger   logger.Logger
	events   *eventBus

	modules map[string]*moduleRecord
	links   []linkRecord
	started bool
}

// Create builds a broker, a module list, a link list, and an event system,
// then attaches every module and adds every link in props in order. If any
// step fails, everything already built is torn down and the failure is
// returned — no partially-initialised gateway is ever observable.
func Create(registry *loader.Registry, log logger.Logger, props CreateProperties) (*Gateway, error) {
	if registry == nil {
		return nil, errors.Wrap(errors.ErrInvalid, errors.New("gateway requires a loader registry"))
	}
	if log == nil {
		log = logger.NewMock()
	}
	if err := registry.Initialize(); err != nil {
		return nil, err
	}

	g := &Gateway{
		broker:   broker.New(log, props.QueueCapacity),
		registry: registry,
		logger:   log,
		events:   newEventBus(),
		modules:  make(map[string]*moduleRecord),
	}

	for _, me := range props.Modules {
		if err := g.addModuleLocked(me); err != nil {
			g.teardownPartial()
			return nil, err
		}
	}
	for _, le := range props.Links {
		if err := g.addLinkLocked(le); err != nil {
			g.teardownPartial()
			return nil, err
		}
	}

	g.events.publish(g, Created)
	g.events.publish(g, ModuleListChanged)
	return g, nil
}

// teardownPartial unwinds every module a failed Create call managed to
// attach and drops Create's broker reference. Unlike Destroy, it leaves the
// loader registry as it is.
func (g *Gateway) teardownPartial() {
	names := make([]string, 0, len(g.modules))
	for name := range g.modules {
		names = append(names, name)
	}
	for _, name := range names {
		_ = g.removeModuleLocked(name)
	}
	g.broker.DecRef()
}

// Start signals every attached module that the graph is live. It is
// idempotent: calling it more than once has no further effect. Modules
// attached afterward (via AddModule) receive Start immediately after their
// own Create instead of waiting for a second call here.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	for _, rec := range g.modules {
		rec.handle.Start()
	}
}

// Subscribe registers h to receive every future lifecycle event.
func (g *Gateway) Subscribe(h Handler) {
	g.events.subscribe(h)
}

// AddModule loads and attaches a single module, retroactively materialising
// any existing wildcard link onto it. On failure the gateway is left exactly
// as it was before the call.
func (g *Gateway) AddModule(entry ModuleEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.addModuleLocked(entry); err != nil {
		return err
	}
	g.events.publish(g, ModuleListChanged)
	return nil
}

// RemoveModule detaches a module: every link mentioning it (as source or as
// a wildcard/regular sink) is dropped, the broker reference is released, and
// the module is destroyed and unloaded.
func (g *Gateway) RemoveModule(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.removeModuleLocked(name); err != nil {
		return err
	}
	g.events.publish(g, ModuleListChanged)
	return nil
}

// AddLink adds a gateway-level link, wildcard or regular, rejecting
// duplicates under the link-equality rule.
func (g *Gateway) AddLink(entry LinkEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLinkLocked(entry)
}

// RemoveLink removes a gateway-level link looked up under the link-equality
// rule.
func (g *Gateway) RemoveLink(entry LinkEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLinkLocked(entry)
}

// Destroy tears the gateway down: every link is removed, every module is
// removed, and the broker's gateway-held reference is dropped. Destroy is
// best-effort and infallible from the caller's perspective — a failure
// removing any one link or module is logged, not returned, and destruction
// always runs to completion.
func (g *Gateway) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.events.publish(g, Destroyed)

	links := append([]linkRecord(nil), g.links...)
	for _, l := range links {
		entry := LinkEntry{Source: l.source, Sink: l.sink}
		if err := g.removeLinkLocked(entry); err != nil {
			g.logger.Warn("gateway: error removing link during destroy: " + err.Error())
		}
	}

	names := make([]string, 0, len(g.modules))
	for name := range g.modules {
		names = append(names, name)
	}
	for _, name := range names {
		if err := g.removeModuleLocked(name); err != nil {
			g.logger.Warn("gateway: error removing module " + name + " during destroy: " + err.Error())
		}
	}

	g.broker.DecRef()
	if err := g.registry.Destroy(); err != nil {
		g.logger.Warn("gateway: error destroying loader registry: " + err.Error())
	}
}

func (g *Gateway) addModuleLocked(entry ModuleEntry) (err error) {
	if entry.Name == "" || entry.Name == wildcardSource {
		return errors.Wrap(errors.ErrInvalid, errors.New("module name must be non-empty and not the wildcard token"))
	}
	if entry.LoaderName == "" {
		return errors.Wrap(errors.ErrInvalid, errors.New("module entry requires a loader name"))
	}
	if _, exists := g.modules[entry.Name]; exists {
		return errors.Wrap(errors.ErrDuplicate, errors.New("module "+entry.Name+" already attached"))
	}
	ld, ok := g.registry.FindByName(entry.LoaderName)
	if !ok {
		return errors.Wrap(errors.ErrNotFound, errors.New("no loader registered as "+entry.LoaderName))
	}

	ep, err := ld.ParseEntrypointFromJSON(entry.Entrypoint)
	if err != nil {
		return err
	}
	defer ld.FreeEntrypoint(ep)

	libHandle, err := ld.Load(ep)
	if err != nil {
		return err
	}
	loadCommitted := false
	defer func() {
		if !loadCommitted {
			_ = ld.Unload(libHandle)
		}
	}()

	api, err := ld.GetAPI(libHandle)
	if err != nil {
		return err
	}

	var moduleConfig interface{}
	if len(entry.Configuration) > 0 {
		moduleConfig, err = api.ParseConfigurationFromJSON(entry.Configuration)
		if err != nil {
			return err
		}
	}
	defer api.FreeConfiguration(moduleConfig)

	finalConfig, err := ld.BuildModuleConfiguration(ep, moduleConfig)
	if err != nil {
		return err
	}
	defer ld.FreeModuleConfiguration(finalConfig)

	publisher := &boundPublisher{broker: g.broker, name: entry.Name}
	handle, err := api.Create(publisher, finalConfig)
	if err != nil {
		return errors.Wrap(errors.ErrLoaderFailure, errors.New("module "+entry.Name+" failed to create: "+err.Error()))
	}
	createCommitted := false
	defer func() {
		if !createCommitted {
			handle.Destroy()
		}
	}()

	if err := g.broker.AddModule(entry.Name, handle.Receive); err != nil {
		return err
	}
	attachCommitted := false
	defer func() {
		if !attachCommitted {
			_ = g.broker.RemoveModule(entry.Name)
		}
	}()

	g.broker.IncRef()
	refCommitted := false
	defer func() {
		if !refCommitted {
			g.broker.DecRef()
		}
	}()

	g.modules[entry.Name] = &moduleRecord{
		name:          entry.Name,
		loaderName:    entry.LoaderName,
		ld:            ld,
		libraryHandle: libHandle,
		api:           api,
		handle:        handle,
	}
	g.reconcileBrokerLinks()

	if g.started {
		handle.Start()
	}

	loadCommitted = true
	createCommitted = true
	attachCommitted = true
	refCommitted = true
	return nil
}

func (g *Gateway) removeModuleLocked(name string) error {
	rec, ok := g.modules[name]
	if !ok {
		return errors.Wrap(errors.ErrNotFound, errors.New("module "+name+" not attached"))
	}

	kept := g.links[:0:0]
	for _, l := range g.links {
		if l.source == name || l.sink == name {
			continue
		}
		kept = append(kept, l)
	}
	g.links = kept
	delete(g.modules, name)
	g.reconcileBrokerLinks()

	if err := g.broker.RemoveModule(name); err != nil {
		g.logger.Warn("gateway: broker detach for " + name + ": " + err.Error())
	}
	g.broker.DecRef()
	rec.handle.Destroy()
	if err := rec.ld.Unload(rec.libraryHandle); err != nil {
		g.logger.Warn("gateway: failed to unload module " + name + ": " + err.Error())
	}
	return nil
}

func (g *Gateway) addLinkLocked(entry LinkEntry) error {
	if entry.Sink == "" || entry.Sink == wildcardSource {
		return errors.Wrap(errors.ErrInvalid, errors.New("link sink must be non-empty and not the wildcard token"))
	}
	if entry.Source == "" {
		return errors.Wrap(errors.ErrInvalid, errors.New("link source must be non-empty (use \"*\" for every module)"))
	}
	if _, ok := g.modules[entry.Sink]; !ok {
		return errors.Wrap(errors.ErrNotFound, errors.New("link sink "+entry.Sink+" is not attached"))
	}
	if entry.Source != wildcardSource {
		if _, ok := g.modules[entry.Source]; !ok {
			return errors.Wrap(errors.ErrNotFound, errors.New("link source "+entry.Source+" is not attached"))
		}
	}

	rec := linkRecord{source: entry.Source, sink: entry.Sink}
	for _, existing := range g.links {
		if existing.equal(rec) {
			return errors.Wrap(errors.ErrDuplicate, errors.New("link already exists"))
		}
	}

	g.links = append(g.links, rec)
	g.reconcileBrokerLinks()
	return nil
}

func (g *Gateway) removeLinkLocked(entry LinkEntry) error {
	rec := linkRecord{source: entry.Source, sink: entry.Sink}
	idx := -1
	for i, existing := range g.links {
		if existing.equal(rec) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Wrap(errors.ErrNotFound, errors.New("link does not exist"))
	}
	g.links = append(g.links[:idx], g.links[idx+1:]...)
	g.reconcileBrokerLinks()
	return nil
}
