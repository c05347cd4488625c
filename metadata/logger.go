// Copyright 2024 the go-updatetrust authors
//
// SPDX-License-Identifier: Apache-2.0

package metadata

var log Logger = DiscardLogger{}

// Logger is the subset of the go-logr/logr interface the engine logs
// through. Callers plug in logr (or any compatible implementation) via
// SetLogger; by default everything is discarded.
type Logger interface {
	// Info logs a non-error message with key/value pairs.
	Info(msg string, kv ...any)
	// Error logs an error with a message and key/value pairs.
	Error(err error, msg string, kv ...any)
}

// DiscardLogger drops everything.
type DiscardLogger struct{}

func (d DiscardLogger) Info(msg string, kv ...any) {}

func (d DiscardLogger) Error(err error, msg string, kv ...any) {}

func SetLogger(logger Logger) {
	log = logger
}

func GetLogger() Logger {
	return log
}
