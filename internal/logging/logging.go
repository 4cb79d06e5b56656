// Package logging sets up the shared go-logging backend used by every
// component in this server. One named logger per subsystem is handed out
// through Get; all of them write through the same leveled backend so a
// single --log_level flag controls verbosity everywhere.
package logging

import (
	"os"
	"sync"

	logging "gopkg.in/op/go-logging.v1"
)

var (
	mu       sync.Mutex
	initDone bool
	level    = logging.INFO
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

// Init configures the process-wide logging backend from a textual level
// name (DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL). Unrecognized
// levels fall back to INFO. Safe to call more than once; only the first
// call takes effect.
func Init(levelName string) {
	mu.Lock()
	defer mu.Unlock()
	if initDone {
		return
	}
	initDone = true

	lvl, err := logging.LogLevel(levelName)
	if err != nil {
		lvl = logging.INFO
	}
	level = lvl

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

// Get returns a named logger for the given component. Components should
// call this once at construction time and keep the handle.
func Get(component string) *logging.Logger {
	return logging.MustGetLogger(component)
}
