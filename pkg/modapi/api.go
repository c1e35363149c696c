// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package modapi defines the fixed operational contract every module must
// implement, independent of how it was loaded (native plugin, WASM guest,
// Lua script, or out-of-process host). It is the Go-interface equivalent of
// the C vtable-of-function-pointers the reference implementation uses.
package modapi

import "github.com/abstractmachines/edgegate/pkg/message"

// CurrentAPIVersion is the highest module API version this gateway
// understands. Loaders must reject modules reporting a higher version.
const CurrentAPIVersion = 1

// Broker is the narrow view of the broker a module needs to publish
// messages. It is handed to Module.Create already bound to that module's
// own name, so a module never has to know (or lie about) its own identity
// when publishing — it is the gateway, not the module, that tells the
// broker who the publisher is.
type Broker interface {
	Publish(msg message.Message) error
}

// Module is the contract every module implementation must satisfy,
// regardless of loader type. A module is well-formed iff Create, Destroy,
// and Receive are usable (a Go interface value can't be "null" the way a C
// function pointer can, so loaders enforce well-formedness by refusing to
// hand back a Module at all on failure, per the Loader contract).
type Module interface {
	// APIVersion reports the module API version this module was built
	// against. Loaders reject modules reporting a version above
	// CurrentAPIVersion.
	APIVersion() int

	// ParseConfigurationFromJSON converts a JSON configuration blob into
	// the module's internal configuration value. A nil/empty blob is
	// valid and means "no configuration"; opaque is passed to Create
	// unchanged.
	ParseConfigurationFromJSON(text []byte) (opaque interface{}, err error)

	// FreeConfiguration releases anything ParseConfigurationFromJSON
	// allocated. Go's GC makes this a no-op for most modules; the hook
	// exists for modules that hold non-GC resources (file handles,
	// native buffers behind the managed-runtime loaders).
	FreeConfiguration(opaque interface{})

	// Create instantiates the module. broker may be retained for the
	// module's lifetime to publish messages; config is whatever
	// BuildModuleConfiguration produced (see pkg/loader).
	Create(broker Broker, config interface{}) (Handle, error)
}

// Handle is the live, running instance a Module.Create call produced.
// Handle.Receive is invoked by the broker's per-module worker; it must not
// block for long, since it runs on the module's one dedicated worker
// goroutine and blocks delivery of that module's own subsequent messages.
type Handle interface {
	// Receive is called once per delivered message.
	Receive(msg message.Message)

	// Start is called once, after every module in the initial batch has
	// been created and every initial link exists, signalling "the graph
	// is live, you may begin emitting". Modules added after the initial
	// batch receive Start immediately after their own Create.
	Start()

	// Destroy releases everything Create allocated. Called at most once.
	Destroy()
}
