// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sequencer implements a reusable "ordered steps with error
// short-circuit" engine over a cooperative, callback-driven async runtime.
// It introduces no threading of its own: every call runs on whatever thread
// the caller's async runtime drives it from, and the caller is responsible
// for serialising Run/Resolve/AddSteps/Destroy the same way the gateway
// graph manager's mutating operations must be serialised.
package sequencer

import (
	"sync"

	"github.com/abstractmachines/edgegate/errors"
)

// State is the sequencer's lifecycle: Pending -> Running -> (Complete |
// Error). It never re-enters Pending or Running once it leaves them.
type State int32

const (
	Pending State = iota
	Running
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// StartFunc initiates one step's platform async operation. previous is the
// value the prior step's FinishFunc produced (nil for the first step).
// StartFunc arranges for the operation's eventual completion to reach
// Sequencer.Resolve; it does not return a result itself.
type StartFunc func(stepContext interface{}, previous interface{})

// FinishFunc extracts a value or error from a step's completed async
// operation. asyncResult is whatever the platform handed to Resolve.
type FinishFunc func(stepContext interface{}, asyncResult interface{}) (interface{}, error)

// OnError fires at most once, when some step's FinishFunc returns an error.
type OnError func(userContext interface{}, err error)

// OnComplete fires at most once, when every step has finished successfully
// (or immediately, with a nil result, if the sequence has zero steps).
type OnComplete func(userContext interface{}, result interface{})

// Step is one (start, finish) pair, parameterised by its own context.
type Step struct {
	Context interface{}
	Start   StartFunc
	Finish  FinishFunc
}

// Sequencer runs a pre-built list of Steps in order, threading each step's
// finish value into the next step's start call, and short-circuiting to
// OnError the moment any step's FinishFunc reports a failure.
type Sequencer struct {
	mu sync.Mutex

	userContext interface{}
	onError     OnError
	onComplete  OnComplete

	steps   []Step
	state   State
	current int
}

// Create constructs an empty, Pending sequence. userContext is the single
// piece of state shared across every step; onError and onComplete are each
// invoked at most once, mutually exclusively.
func Create(userContext interface{}, onError OnError, onComplete OnComplete) *Sequencer {
	return &Sequencer{
		userContext: userContext,
		onError:     onError,
		onComplete:  onComplete,
		state:       Pending,
	}
}

// State returns the sequencer's current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddSteps appends steps to the sequence. Valid only while Pending.
func (s *Sequencer) AddSteps(steps ...Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return errors.Wrap(errors.ErrInvalid, errors.New("cannot add steps once the sequencer has started running"))
	}
	s.steps = append(s.steps, steps...)
	return nil
}

// Run transitions Pending -> Running and invokes step 0's start with a nil
// previous result. A sequence with zero steps transitions straight to
// Complete and invokes onComplete with a nil result. Run may be called at
// most once.
func (s *Sequencer) Run() error {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInvalid, errors.New("sequencer has already run"))
	}
	s.state = Running

	if len(s.steps) == 0 {
		s.state = Complete
		s.mu.Unlock()
		s.onComplete(s.userContext, nil)
		return nil
	}

	s.current = 0
	step := s.steps[0]
	s.mu.Unlock()

	step.Start(step.Context, nil)
	return nil
}

// Resolve is invoked by the platform async machinery when the current
// step's in-flight operation completes. It runs the current step's finish
// callback; on error it transitions to Error and invokes onError exactly
// once, stopping the sequence. On success it advances to the next step (or
// to Complete, invoking onComplete, if there was no next step).
//
// Resolve is a no-op if the sequencer is not Running — a late callback
// arriving after a short-circuit or completion is simply dropped, rather
// than invoking a callback twice.
func (s *Sequencer) Resolve(asyncResult interface{}) {
	s.mu.Lock()
	if s.state != Running || s.current >= len(s.steps) {
		s.mu.Unlock()
		return
	}
	step := s.steps[s.current]
	s.mu.Unlock()

	value, err := step.Finish(step.Context, asyncResult)
	if err != nil {
		s.mu.Lock()
		s.state = Error
		s.mu.Unlock()
		s.onError(s.userContext, errors.Wrap(errors.ErrAsyncFailure, err))
		return
	}

	s.mu.Lock()
	s.current++
	if s.current >= len(s.steps) {
		s.state = Complete
		s.mu.Unlock()
		s.onComplete(s.userContext, value)
		return
	}
	next := s.steps[s.current]
	s.mu.Unlock()

	next.Start(next.Context, value)
}

// Destroy releases the step list. It does not cancel any in-flight platform
// operation; the caller must ensure none is in flight (or accept that a late
// Resolve will simply find an empty step list and be a no-op at best).
func (s *Sequencer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = nil
}
