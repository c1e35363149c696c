// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the structured logging API used throughout the
// gateway core. It wraps a go-kit JSON logger so every log line is a single
// JSON object keyed by level/message/ts, and gates emission by a minimum
// Level so callers can ask for Debug output only when they need it.
package logger

import (
	"fmt"
	"io"
	"os"

	kitlog "github.com/go-kit/kit/log"
)

// Logger specifies the logging API used by the broker, gateway, and loader
// registry.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(string)
	// Info logs a message at info level.
	Info(string)
	// Warn logs a message at warning level.
	Warn(string)
	// Error logs a message at error level.
	Error(string)
}

var _ Logger = (*logger)(nil)

type logger struct {
	kitLogger kitlog.Logger
	min       Level
}

// New returns a Logger that writes JSON lines to out, suppressing anything
// below min.
func New(out io.Writer, min Level) Logger {
	l := kitlog.NewJSONLogger(kitlog.NewSyncWriter(out))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)
	return &logger{kitLogger: l, min: min}
}

func (l *logger) log(lvl Level, msg string) {
	if !l.min.Enabled(lvl) {
		return
	}
	if err := l.kitLogger.Log("level", lvl.String(), "message", msg); err != nil {
		// Nothing sensible to do if the sink itself is broken; surfacing it
		// to stderr keeps a failed log write from silently vanishing.
		fmt.Fprintln(os.Stderr, err)
	}
}

func (l *logger) Debug(msg string) { l.log(Debug, msg) }
func (l *logger) Info(msg string)  { l.log(Info, msg) }
func (l *logger) Warn(msg string)  { l.log(Warn, msg) }
func (l *logger) Error(msg string) { l.log(Error, msg) }
