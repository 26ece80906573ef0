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
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Event describes what triggered a configuration change notification.
type Event string

const (
	// UpdateEvent is sent when a new configuration has been taken into use.
	UpdateEvent Event = "update"
	// RevertEvent is sent when configuration is reset to defaults.
	RevertEvent Event = "revert"
)

// Source describes where the active configuration came from.
type Source string

const (
	// ConfigFile is configuration read from a file.
	ConfigFile Source = "configuration file"
	// ConfigData is configuration passed in as raw data.
	ConfigData Source = "configuration data"
	// Defaults is the compiled-in default configuration.
	Defaults Source = "defaults"
)

// NotifyFn is a function called after a module's configuration has changed.
type NotifyFn func(Event, Source) error

// DefaultsFn returns a pointer to a freshly allocated, defaulted options struct.
type DefaultsFn func() interface{}

// Option is an optional setting for a registered module.
type Option func(*module)

// WithNotify sets a change notification callback for a module.
func WithNotify(fn NotifyFn) Option {
	return func(m *module) {
		m.notify = fn
	}
}

// module is a single registered configuration module.
type module struct {
	name     string
	help     string
	ptr      interface{}
	defaults DefaultsFn
	notify   NotifyFn
}

// Data is raw, parsed configuration data keyed by module name.
type Data map[string]interface{}

var (
	lock    sync.Mutex
	modules = map[string]*module{}
)

// Register registers a configuration module. ptr must point to the options
// struct the module uses and defaults must return a pointer of the same type.
func Register(name, help string, ptr interface{}, defaults DefaultsFn, opts ...Option) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := modules[name]; ok {
		log.Panicf("module %q already registered", name)
	}
	if reflect.TypeOf(ptr).Kind() != reflect.Ptr {
		log.Panicf("module %q: options %T are not a pointer", name, ptr)
	}
	if t := reflect.TypeOf(defaults()); t != reflect.TypeOf(ptr) {
		log.Panicf("module %q: defaults type %v, options type %T", name, t, ptr)
	}

	m := &module{
		name:     name,
		help:     strings.TrimSpace(help),
		ptr:      ptr,
		defaults: defaults,
	}
	for _, o := range opts {
		o(m)
	}
	modules[name] = m
}

// SetFromFile reads a YAML configuration file and activates it.
func SetFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return configError("failed to read %q: %v", path, err)
	}
	return set(raw, ConfigFile)
}

// SetFromData activates the given YAML configuration data.
func SetFromData(raw []byte) error {
	return set(raw, ConfigData)
}

// ResetToDefaults resets every module to its defaults.
func ResetToDefaults() error {
	return set(nil, Defaults)
}

// set parses raw and updates each module, falling back to defaults for the
// modules without configuration.
func set(raw []byte, src Source) error {
	lock.Lock()
	defer lock.Unlock()

	data := Data{}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return configError("failed to parse %s: %v", src, err)
		}
	}

	for name := range data {
		if _, ok := modules[name]; !ok {
			return configError("%s: unknown configuration module %q", src, name)
		}
	}

	values := map[string]interface{}{}
	for _, name := range sortedNames() {
		m := modules[name]
		obj := m.defaults()
		if d, ok := data[name]; ok && d != nil {
			bytes, err := yaml.Marshal(d)
			if err != nil {
				return configError("module %q: %v", name, err)
			}
			if err := yaml.UnmarshalStrict(bytes, obj); err != nil {
				return configError("module %q: invalid configuration: %v", name, err)
			}
		}
		values[name] = obj
	}

	event := UpdateEvent
	if src == Defaults {
		event = RevertEvent
	}

	var errs []string
	for _, name := range sortedNames() {
		m := modules[name]
		reflect.ValueOf(m.ptr).Elem().Set(reflect.ValueOf(values[name]).Elem())
		if m.notify == nil {
			continue
		}
		if err := m.notify(event, src); err != nil {
			log.Errorf("module %q: failed to activate configuration: %v", name, err)
			errs = append(errs, name+": "+err.Error())
		}
	}

	if len(errs) > 0 {
		return configError("failed to activate configuration: %s", strings.Join(errs, "; "))
	}

	log.Infof("activated %s", src)
	return nil
}

// Describe returns help for the given modules, or all of them if none given.
func Describe(names ...string) string {
	lock.Lock()
	defer lock.Unlock()

	if len(names) == 0 {
		names = sortedNames()
	}

	help := ""
	for _, name := range names {
		m, ok := modules[name]
		if !ok {
			help += fmt.Sprintf("- %s: no such module\n", name)
			continue
		}
		help += "- " + name + ":\n"
		for _, line := range strings.Split(m.help, "\n") {
			help += "    " + line + "\n"
		}
	}
	return help
}

// Dump returns the active configuration of all modules as YAML.
func Dump() (string, error) {
	lock.Lock()
	defer lock.Unlock()

	data := Data{}
	for name, m := range modules {
		data[name] = m.ptr
	}
	raw, err := yaml.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal configuration")
	}
	return string(raw), nil
}

func sortedNames() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// configError returns a formatted package-specific error.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
