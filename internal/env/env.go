// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package env is a thin wrapper over github.com/caarlos0/env that every
// gateway entrypoint uses to load its configuration struct from the
// environment, the same way every teacher service does.
package env

import "github.com/caarlos0/env/v7"

// Options mirrors github.com/caarlos0/env's Options, kept as our own type so
// callers don't need to import the third-party package directly.
type Options struct {
	// Environment, when non-nil, is used instead of the process
	// environment. Tests use this to avoid mutating real env vars.
	Environment map[string]string

	// TagName overrides the default "env" struct tag name.
	TagName string

	// RequiredIfNoDef makes every field without an envDefault required.
	RequiredIfNoDef bool

	// Prefix is prepended to every field's env key.
	Prefix string
}

// Parse populates v (a pointer to a struct) from the environment.
func Parse(v interface{}, opts ...Options) error {
	converted := make([]env.Options, 0, len(opts))
	for _, o := range opts {
		converted = append(converted, env.Options{
			Environment:     o.Environment,
			TagName:         o.TagName,
			RequiredIfNoDef: o.RequiredIfNoDef,
			Prefix:          o.Prefix,
		})
	}
	return env.Parse(v, converted...)
}

// NewConfig parses a fresh T from the environment.
func NewConfig[T any](opts ...Options) (T, error) {
	var cfg T
	if err := Parse(&cfg, opts...); err != nil {
		return cfg, err
	}
	return cfg, nil
}
