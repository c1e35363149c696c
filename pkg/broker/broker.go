// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the gateway's publish/dispatch engine: one
// worker goroutine per attached module, a bounded inbound queue per
// subscription, and a directed (publisher, subscriber) link table. Dispatch
// is non-blocking and best-effort per subscriber, grounded in the
// mutex-guarded, drop-on-full fan-out pattern used across the retrieved
// broker implementations (see SPEC_FULL.md §11).
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/abstractmachines/edgegate/errors"
	"github.com/abstractmachines/edgegate/logger"
	"github.com/abstractmachines/edgegate/pkg/message"
)

// DefaultQueueCapacity is the recommended bound on each subscriber's inbound
// queue (spec.md §4.1 leaves Q as a design parameter).
const DefaultQueueCapacity = 1024

// ReceiveFunc is invoked by a module's dedicated worker for every message
// delivered to it. It must not block for long.
type ReceiveFunc func(message.Message)

type subState int32

const (
	stateAttached subState = iota
	stateDraining
	stateDetached
)

type subscriber struct {
	name    string
	receive ReceiveFunc
	queue   chan message.Message
	state   atomic.Int32
	done    chan struct{}
}

type linkKey struct {
	publisher  string
	subscriber string
}

// Broker owns the attached-module set and the active link table. It is
// reference-counted: the gateway holds one stake, and (conceptually) each
// attached module holds another, so the broker only tears down its workers
// once every holder has dropped its reference.
type Broker struct {
	mu       sync.Mutex
	modules  map[string]*subscriber
	links    map[linkKey]struct{}
	queueCap int
	logger   logger.Logger
	refs     atomic.Int32
}

// New creates an empty broker with reference count 1.
func New(log logger.Logger, queueCapacity int) *Broker {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if log == nil {
		log = logger.NewMock()
	}
	b := &Broker{
		modules:  make(map[string]*subscriber),
		links:    make(map[linkKey]struct{}),
		queueCap: queueCapacity,
		logger:   log,
	}
	b.refs.Store(1)
	return b
}

// RefCount returns the broker's current reference count.
func (b *Broker) RefCount() int {
	return int(b.refs.Load())
}

// IncRef records an additional stake in the broker's lifetime.
func (b *Broker) IncRef() {
	b.refs.Add(1)
}

// DecRef releases a stake in the broker's lifetime. When the last stake
// drops, every worker is signalled to drain, joined, and the link table is
// freed. DecRef returns true iff this call performed that teardown.
func (b *Broker) DecRef() bool {
	if b.refs.Add(-1) > 0 {
		return false
	}
	b.mu.Lock()
	names := make([]string, 0, len(b.modules))
	for name := range b.modules {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		_ = b.RemoveModule(name)
	}

	b.mu.Lock()
	b.links = make(map[linkKey]struct{})
	b.mu.Unlock()
	return true
}

// AddModule registers a new module, spawning its dedicated worker and
// inbound queue.
func (b *Broker) AddModule(name string, receive ReceiveFunc) error {
	if name == "" || receive == nil {
		return errors.Wrap(errors.ErrInvalid, errors.New("module name and receive func are required"))
	}

	b.mu.Lock()
	if _, exists := b.modules[name]; exists {
		b.mu.Unlock()
		return errors.Wrap(errors.ErrDuplicate, errors.New("module "+name+" already attached"))
	}

	sub := &subscriber{
		name:    name,
		receive: receive,
		queue:   make(chan message.Message, b.queueCap),
		done:    make(chan struct{}),
	}
	sub.state.Store(int32(stateAttached))
	b.modules[name] = sub
	b.mu.Unlock()

	go b.runWorker(sub)
	return nil
}

// RemoveModule signals the module's worker to drain and exit, joins it, and
// removes every link mentioning it. Idempotent: removing an absent module
// reports NotFound without side effects.
//
// The deletion from modules, the Draining transition, and the close of the
// subscriber's queue all happen while b.mu is held, in the same critical
// section a concurrent Publish uses to look up and enqueue to that same
// subscriber (see Publish). That shared lock is what makes
// Attached->Draining->Detached safe: Publish's targets are gathered and
// sent to entirely before this section runs, or entirely after — the two
// can never interleave, so Publish can never send on a queue this call has
// already closed.
func (b *Broker) RemoveModule(name string) error {
	b.mu.Lock()
	sub, ok := b.modules[name]
	if !ok {
		b.mu.Unlock()
		return errors.Wrap(errors.ErrNotFound, errors.New("module "+name+" not attached"))
	}
	delete(b.modules, name)
	for k := range b.links {
		if k.publisher == name || k.subscriber == name {
			delete(b.links, k)
		}
	}
	sub.state.Store(int32(stateDraining))
	close(sub.queue)
	b.mu.Unlock()

	<-sub.done
	sub.state.Store(int32(stateDetached))
	return nil
}

// AddLink adds a directed (publisher, subscriber) edge. Adding a link that
// already exists is an error.
func (b *Broker) AddLink(publisher, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := linkKey{publisher: publisher, subscriber: subscriber}
	if _, exists := b.links[k]; exists {
		return errors.Wrap(errors.ErrDuplicate, errors.New("link already exists"))
	}
	b.links[k] = struct{}{}
	return nil
}

// RemoveLink removes a directed (publisher, subscriber) edge. Removing a
// link that does not exist is an error.
func (b *Broker) RemoveLink(publisher, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := linkKey{publisher: publisher, subscriber: subscriber}
	if _, exists := b.links[k]; !exists {
		return errors.Wrap(errors.ErrNotFound, errors.New("link does not exist"))
	}
	delete(b.links, k)
	return nil
}

// HasLink reports whether a (publisher, subscriber) edge currently exists.
// Exposed mainly for tests asserting on broker-level state.
func (b *Broker) HasLink(publisher, subscriber string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.links[linkKey{publisher: publisher, subscriber: subscriber}]
	return exists
}

// Link is a materialised (publisher, subscriber) edge, as reported by Links.
type Link struct {
	Publisher  string
	Subscriber string
}

// Links returns a snapshot of every materialised edge currently in the link
// table. The gateway graph manager uses this to reconcile the broker's pure
// (src, dst) set against its own wildcard-expanded view of the topology.
func (b *Broker) Links() []Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Link, 0, len(b.links))
	for k := range b.links {
		out = append(out, Link{Publisher: k.publisher, Subscriber: k.subscriber})
	}
	return out
}

// Publish hands msg off to every subscriber currently linked from
// publisher. The call never blocks: each subscriber's queue is topped up
// with a non-blocking send, and a full queue causes the message to be
// dropped for that subscriber only (logged), not for the others. Publish
// with zero matching subscribers is a no-op that still returns nil.
//
// The lookup of matching subscribers and the non-blocking send to each are
// done in the same b.mu critical section (rather than releasing the lock
// between them) so this can never race RemoveModule's delete-then-close of
// the same subscriber's queue: a subscriber found here is still in
// b.modules, and RemoveModule cannot delete it and close its queue until
// this call releases b.mu. Without that, a lookup-then-unlock-then-send
// could observe a subscriber moments before RemoveModule deletes and closes
// it, sending on an already-closed channel and panicking the caller.
func (b *Broker) Publish(publisher string, msg message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.links {
		if k.publisher != publisher {
			continue
		}
		sub, ok := b.modules[k.subscriber]
		if !ok {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("broker: queue full, dropping message for subscriber " + sub.name)
		}
	}
	return nil
}

func (b *Broker) runWorker(sub *subscriber) {
	defer close(sub.done)
	for msg := range sub.queue {
		b.deliver(sub, msg)
	}
}

// deliver invokes the subscriber's receive callback, containing any panic so
// a misbehaving module cannot take down its worker (or, transitively, other
// modules or the broker).
func (b *Broker) deliver(sub *subscriber, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broker: receive callback for " + sub.name + " panicked, module isolated for this message")
		}
	}()
	sub.receive(msg)
}
