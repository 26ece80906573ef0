// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package config

import (
	"fmt"
	"os"
)

// pkg/log registers itself as a configuration module, so it can't be
// imported here. It plugs its logger in with SetLogger instead.

// Logger is our set of logging functions.
type Logger struct {
	Debugf   func(string, ...interface{})
	Infof    func(string, ...interface{})
	Warningf func(string, ...interface{})
	Errorf   func(string, ...interface{})
	Panicf   func(string, ...interface{})
}

var log = Logger{
	Debugf:   func(f string, a ...interface{}) { emit("D", f, a...) },
	Infof:    func(f string, a ...interface{}) { emit("I", f, a...) },
	Warningf: func(f string, a ...interface{}) { emit("W", f, a...) },
	Errorf:   func(f string, a ...interface{}) { emit("E", f, a...) },
	Panicf: func(f string, a ...interface{}) {
		emit("E", f, a...)
		panic(fmt.Sprintf(f, a...))
	},
}

// SetLogger overrides the non-nil logging functions we use.
func SetLogger(logger Logger) {
	if logger.Debugf != nil {
		log.Debugf = logger.Debugf
	}
	if logger.Infof != nil {
		log.Infof = logger.Infof
	}
	if logger.Warningf != nil {
		log.Warningf = logger.Warningf
	}
	if logger.Errorf != nil {
		log.Errorf = logger.Errorf
	}
	if logger.Panicf != nil {
		log.Panicf = logger.Panicf
	}
}

func emit(tag, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, tag+": [config] "+format+"\n", args...)
}
