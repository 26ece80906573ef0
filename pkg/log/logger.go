// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logging is the runtime state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level                // lowest non-debug severity passed through
	forced  bool                 // debugging forced on for all sources
	active  Backend              // active backend
	backend map[string]BackendFn // registered backends
	loggers map[string]*logger   // loggers by source
	enable  srcmap               // source enable/disable map
	debug   srcmap               // source debug enable/disable map
	align   int                  // longest enabled source name
}

var log = &logging{
	level:   DefaultLevel,
	backend: make(map[string]BackendFn),
	loggers: make(map[string]*logger),
	enable:  make(srcmap),
	debug:   make(srcmap),
}

// logger implements Logger for a single source.
type logger struct {
	source  string
	enabled bool
	debug   bool
}

// NewLogger returns the Logger for source, creating it if necessary.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

// SetLevel sets the lowest severity for non-debug messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetBackend activates the named backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// Flush flushes any pending messages of the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Flush()
	}
}

func (log *logging) get(source string) *logger {
	source = strings.Trim(source, "[] ")

	log.Lock()
	defer log.Unlock()

	if l, ok := log.loggers[source]; ok {
		return l
	}

	l := &logger{source: source}
	l.enabled, l.debug = log.enable.state(source, true), log.debug.state(source, false)
	log.loggers[source] = l
	log.realign()

	return l
}

func (log *logging) setBackend(name string) error {
	if log.active != nil && log.active.Name() == name {
		return nil
	}
	fn, ok := log.backend[name]
	if !ok {
		return loggerError("unknown logger backend %q", name)
	}
	if log.active != nil {
		log.active.Stop()
	}
	log.active = fn()
	log.active.SetSourceAlignment(log.align)
	return nil
}

// update re-evaluates per-source state after the source maps have changed.
func (log *logging) update(enable, debug srcmap) {
	if enable != nil {
		log.enable = enable.clone()
	}
	if debug != nil {
		log.debug = debug.clone()
	}
	for source, l := range log.loggers {
		l.enabled = log.enable.state(source, true)
		l.debug = log.debug.state(source, false)
	}
	log.realign()
}

func (log *logging) realign() {
	align := 0
	for source, l := range log.loggers {
		if (l.enabled || l.debug) && len(source) > align {
			align = len(source)
		}
	}
	log.align = align
	if log.active != nil {
		log.active.SetSourceAlignment(align)
	}
}

// EnableDebug enables/disables debug logging for this logger.
func (l *logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := l.debug
	l.debug = state
	return old
}

// DebugEnabled checks debug logging is enabled for this logger.
func (l *logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return l.debug || log.forced
}

// Source returns the source for the given logger.
func (l *logger) Source() string {
	return l.source
}

func (l *logger) Debug(format string, args ...interface{}) {
	if b := l.passes(LevelDebug); b != nil {
		b.Log(LevelDebug, l.source, format, args...)
	}
}

func (l *logger) Info(format string, args ...interface{}) {
	if b := l.passes(LevelInfo); b != nil {
		b.Log(LevelInfo, l.source, format, args...)
	}
}

func (l *logger) Warn(format string, args ...interface{}) {
	if b := l.passes(LevelWarn); b != nil {
		b.Log(LevelWarn, l.source, format, args...)
	}
}

func (l *logger) Error(format string, args ...interface{}) {
	if b := l.passes(LevelError); b != nil {
		b.Log(LevelError, l.source, format, args...)
	}
}

// Fatal logs a fatal error message and os.Exit(1)'s.
func (l *logger) Fatal(format string, args ...interface{}) {
	b := l.passes(LevelFatal)
	b.Log(LevelFatal, l.source, format, args...)
	b.Sync()
	os.Exit(1)
}

// Panic logs a panic message and panic()'s.
func (l *logger) Panic(format string, args ...interface{}) {
	b := l.passes(LevelPanic)
	b.Log(LevelPanic, l.source, format, args...)
	b.Sync()
	panic(fmt.Sprintf(l.source+": "+format, args...))
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if b := l.passes(LevelDebug); b != nil {
		b.Block(LevelDebug, l.source, prefix, format, args...)
	}
}

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if b := l.passes(LevelInfo); b != nil {
		b.Block(LevelInfo, l.source, prefix, format, args...)
	}
}

func (l *logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if b := l.passes(LevelWarn); b != nil {
		b.Block(LevelWarn, l.source, prefix, format, args...)
	}
}

func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	if b := l.passes(LevelError); b != nil {
		b.Block(LevelError, l.source, prefix, format, args...)
	}
}

// passes returns the active backend if a message of level should be emitted.
func (l *logger) passes(level Level) Backend {
	log.RLock()
	defer log.RUnlock()

	switch {
	case level == LevelDebug:
		if !l.debug && !log.forced {
			return nil
		}
	case level >= LevelPanic:
	case !l.enabled || level < log.level:
		return nil
	}

	return log.active
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
