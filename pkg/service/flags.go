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

package service

import (
	"os"
	"time"

	"github.com/intel/pmsvc/pkg/config"
	"github.com/intel/pmsvc/pkg/liveness"
)

const (
	// DefaultRunRoot is the default root of persisted session state.
	DefaultRunRoot = "/run/pmsvc"
	// DefaultConfigRoot is the default root of the access lists.
	DefaultConfigRoot = "/etc/pmsvc"
	// RunRootEnvVar overrides the run-state root.
	RunRootEnvVar = "PMSVC_RUN_ROOT"
	// ConfigRootEnvVar overrides the access-list root.
	ConfigRootEnvVar = "PMSVC_CONFIG_ROOT"
	// DefaultMaxReferences is the default limit of attaches to a session.
	DefaultMaxReferences = 1024
)

// options captures our runtime configurable parameters.
type options struct {
	// RunRoot is the directory of session records, saved controls and the write lock.
	RunRoot string `json:",omitempty"`
	// ConfigRoot is the directory of the access lists.
	ConfigRoot string `json:",omitempty"`
	// LivenessPeriod is the interval of client liveness checks.
	LivenessPeriod config.Duration `json:",omitempty"`
	// MaxReferences limits how many times a session can be opened.
	MaxReferences int `json:",omitempty"`
}

const configHelp = `
Session service.

RunRoot and ConfigRoot default to PMSVC_RUN_ROOT and PMSVC_CONFIG_ROOT if set,
otherwise to /run/pmsvc and /etc/pmsvc. LivenessPeriod sets how often clients
are checked for having exited. MaxReferences limits the number of times the
same process can open its session without closing it.
`

// Our runtime configuration.
var opt = defaultOptions().(*options)

// defaultOptions returns a new options instance, all initialized to defaults.
func defaultOptions() interface{} {
	return &options{
		RunRoot:        envOr(RunRootEnvVar, DefaultRunRoot),
		ConfigRoot:     envOr(ConfigRootEnvVar, DefaultConfigRoot),
		LivenessPeriod: config.Duration(liveness.DefaultPeriod),
		MaxReferences:  DefaultMaxReferences,
	}
}

func envOr(name, defval string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defval
}

// RunRoot returns the configured run-state root.
func RunRoot() string {
	return opt.RunRoot
}

// ConfigRoot returns the configured access-list root.
func ConfigRoot() string {
	return opt.ConfigRoot
}

// LivenessPeriod returns the configured liveness check interval.
func LivenessPeriod() time.Duration {
	return opt.LivenessPeriod.Duration()
}

func init() {
	config.Register("service", configHelp, opt, defaultOptions)
}
