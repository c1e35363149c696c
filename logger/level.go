// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logger

import "github.com/abstractmachines/edgegate/errors"

const (
	// Debug level is used for fine-grained diagnostic output.
	Debug Level = iota + 1
	// Info level is used when logging informational data.
	Info
	// Warn level is used when logging warnings.
	Warn
	// Error level is used when logging errors.
	Error
)

// ErrInvalidLogLevel indicates an unrecognised log level string.
var ErrInvalidLogLevel = errors.New("unrecognized log level")

// Level represents severity level while logging.
type Level int

var levels = map[Level]string{
	Debug: "debug",
	Info:  "info",
	Warn:  "warn",
	Error: "error",
}

var names = map[string]Level{
	"debug": Debug,
	"info":  Info,
	"warn":  Warn,
	"error": Error,
}

func (lvl Level) String() string {
	return levels[lvl]
}

// Enabled reports whether a message logged at msgLevel should be emitted
// given the logger's configured minimum level.
func (lvl Level) Enabled(msgLevel Level) bool {
	return msgLevel >= lvl
}

// UnmarshalText allows Level to be parsed directly from environment
// configuration (see internal/env).
func (lvl *Level) UnmarshalText(text []byte) error {
	l, ok := names[normalize(string(text))]
	if !ok {
		return ErrInvalidLogLevel
	}
	*lvl = l
	return nil
}

func normalize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
