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
	"encoding/json"
	"flag"
	"sort"
	"strings"

	pkgcfg "github.com/intel/pmsvc/pkg/config"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line argument prefix.
	optPrefix = "logger"
	// Flag for enabling/disabling normal non-debug logging for sources.
	optEnable = optPrefix + "-sources"
	// Flag for enabling/disabling debug logging for sources.
	optDebug = optPrefix + "-debug"
	// Flag for selecting logging level.
	optLevel = optPrefix + "-level"
	// Flag for selecting logging backend.
	optLogger = optPrefix
	// configModule is our module name in the runtime configuration.
	configModule = optPrefix
)

const configHelp = `
Logging and debugging messages.

Level sets the lowest severity passed through (debug, info, warning, error).
Enable and Debug take a comma-separated list of sources, optionally prefixed
with 'on:' or 'off:'. '*' or 'all' matches every source. For instance

  logger:
    Level: warning
    Debug: on:service,writelock

turns on debugging for the service and writelock sources.
`

// options are the logger settings configurable via the command line or pkg/config.
type options struct {
	// Level is the logging severity/level.
	Level Level
	// Enable is a map for enabling/disabling normal logging for sources.
	Enable srcmap `json:",omitempty"`
	// Debug is a map for enabling/disabling debug logging for sources.
	Debug srcmap `json:",omitempty"`
	// Logger is the name of the logger backend to use.
	Logger string `json:",omitempty"`
}

// srcmap tracks logging or debugging settings for sources.
type srcmap map[string]bool

// Command line defaults, also the baseline for configuration files.
var defaults = &options{
	Level:  DefaultLevel,
	Enable: make(srcmap),
	Debug:  make(srcmap),
	Logger: FmtBackendName,
}

// Active configuration.
var opt = &options{}

// ParseLevel parses a level name.
func ParseLevel(value string) (Level, error) {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"panic":   LevelPanic,
		"fatal":   LevelFatal,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return LevelInfo, loggerError("invalid logging level %q", value)
	}
	return level, nil
}

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	case LevelPanic:
		return "panic"
	case LevelFatal:
		return "fatal"
	}
	return "info"
}

// MarshalJSON is the JSON marshaller for Level.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON is the JSON unmarshaller for Level.
func (l *Level) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return loggerError("invalid logging level %s", string(raw))
	}
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// parse updates the srcmap from a comma-separated on:/off: source list.
func (m srcmap) parse(value string) error {
	state := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		src := entry
		if idx := strings.IndexByte(entry, ':'); idx >= 0 {
			enabled, err := parseEnabled(entry[:idx])
			if err != nil {
				return err
			}
			state, src = enabled, entry[idx+1:]
		}
		if src == "all" {
			src = "*"
		}
		if src != "" {
			m[src] = state
		}
	}
	return nil
}

// state returns the setting for source, falling back to '*', then def.
func (m srcmap) state(source string, def bool) bool {
	if state, ok := m[source]; ok {
		return state
	}
	if state, ok := m["*"]; ok {
		return state
	}
	return def
}

func (m srcmap) clone() srcmap {
	c := make(srcmap, len(m))
	for src, state := range m {
		c[src] = state
	}
	return c
}

// String returns a string representation of the srcmap.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	switch {
	case len(on) == 0 && len(off) == 0:
		return ""
	case len(off) == 0:
		return "on:" + strings.Join(on, ",")
	case len(on) == 0:
		return "off:" + strings.Join(off, ",")
	}
	return "on:" + strings.Join(on, ",") + ",off:" + strings.Join(off, ",")
}

// MarshalJSON is the JSON marshaller for srcmap.
func (m srcmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the JSON unmarshaller for srcmap.
func (m *srcmap) UnmarshalJSON(raw []byte) error {
	*m = make(srcmap)
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return loggerError("invalid logger source map %s", string(raw))
	}
	return m.parse(value)
}

func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, loggerError("invalid source state %q", value)
}

// levelFlag, srcmapFlag and backendFlag implement flag.Value for defaults.
type levelFlag struct{}
type srcmapFlag struct{ debug bool }
type backendFlag struct{}

func (levelFlag) String() string { return defaults.Level.String() }
func (levelFlag) Set(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	defaults.Level = level
	SetLevel(level)
	return nil
}

func (f srcmapFlag) String() string {
	if f.debug {
		return defaults.Debug.String()
	}
	return defaults.Enable.String()
}

func (f srcmapFlag) Set(value string) error {
	log.Lock()
	defer log.Unlock()
	if f.debug {
		if err := defaults.Debug.parse(value); err != nil {
			return err
		}
		log.update(nil, defaults.Debug)
	} else {
		if err := defaults.Enable.parse(value); err != nil {
			return err
		}
		log.update(defaults.Enable, nil)
	}
	return nil
}

func (backendFlag) String() string { return defaults.Logger }
func (backendFlag) Set(value string) error {
	if err := SetBackend(value); err != nil {
		return err
	}
	defaults.Logger = value
	return nil
}

// configNotify activates a new logger configuration.
func (o *options) configNotify(event pkgcfg.Event, src pkgcfg.Source) error {
	log.Lock()
	defer log.Unlock()

	enable, debug := defaults.Enable.clone(), defaults.Debug.clone()
	for s, state := range o.Enable {
		enable[s] = state
	}
	for s, state := range o.Debug {
		debug[s] = state
	}

	log.level = o.Level
	if err := log.setBackend(o.Logger); err != nil {
		return err
	}
	log.update(enable, debug)

	return nil
}

func defaultOptions() interface{} {
	return &options{
		Level:  defaults.Level,
		Enable: defaults.Enable.clone(),
		Debug:  defaults.Debug.clone(),
		Logger: defaults.Logger,
	}
}

func init() {
	cfglog := log.get("config")
	pkgcfg.SetLogger(pkgcfg.Logger{
		Debugf:   cfglog.Debug,
		Infof:    cfglog.Info,
		Warningf: cfglog.Warn,
		Errorf:   cfglog.Error,
		Panicf:   cfglog.Panic,
	})

	flag.Var(backendFlag{}, optLogger,
		"logger backend to use (fmt, klog).")
	flag.Var(levelFlag{}, optLevel,
		"lowest severity level to pass through (debug, info, warning, error)")
	flag.Var(srcmapFlag{}, optEnable,
		"comma-separated list of source names to enable/disable.\n"+
			"Specify '*' or 'all' to enable all sources, which is also the default.\n"+
			"Prefix a source or list with 'off:' to disable.")
	flag.Var(srcmapFlag{debug: true}, optDebug,
		"comma-separated list of source names to enable debug messages for.\n"+
			"Specify '*' or 'all' to enable all sources.\n"+
			"Prefix a source or list with 'off:' to disable, which is also the default state.")

	pkgcfg.Register(configModule, configHelp, opt, defaultOptions,
		pkgcfg.WithNotify(opt.configNotify))
}
