// Copyright 2021 Intel Corporation. All Rights Reserved.
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
	"os"
	"os/signal"
	"path/filepath"
)

// deflog uses the name of the running binary as its source.
var deflog Logger = log.get(filepath.Base(filepath.Clean(os.Args[0])))

// Default returns the logger of the running binary.
func Default() Logger { return deflog }

func Debug(format string, args ...interface{}) { deflog.Debug(format, args...) }
func Info(format string, args ...interface{})  { deflog.Info(format, args...) }
func Warn(format string, args ...interface{})  { deflog.Warn(format, args...) }
func Error(format string, args ...interface{}) { deflog.Error(format, args...) }

// Fatal logs an error and exits with status 1.
func Fatal(format string, args ...interface{}) { deflog.Fatal(format, args...) }

// debugToggle is the channel of the active debug toggle signal, if any.
var debugToggle chan os.Signal

// SetupDebugToggleSignal makes sig flip forced debugging for all sources.
// A previously set up signal is released.
func SetupDebugToggleSignal(sig os.Signal) {
	log.Lock()
	defer log.Unlock()

	releaseDebugToggle()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	debugToggle = ch

	go func() {
		for range ch {
			state := "off"
			if toggleForcedDebug() {
				state = "on"
			}
			deflog.Warn("debugging of all sources toggled %s by signal", state)
		}
	}()
}

// ClearDebugToggleSignal releases the debug toggle signal.
func ClearDebugToggleSignal() {
	log.Lock()
	defer log.Unlock()
	releaseDebugToggle()
}

func toggleForcedDebug() bool {
	log.Lock()
	defer log.Unlock()
	log.forced = !log.forced
	return log.forced
}

func releaseDebugToggle() {
	if debugToggle == nil {
		return
	}
	signal.Stop(debugToggle)
	close(debugToggle)
	debugToggle = nil
}
