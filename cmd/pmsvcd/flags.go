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

package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/platform/fake"
	"github.com/intel/pmsvc/pkg/service"
	"github.com/intel/pmsvc/pkg/sysfs"
	"github.com/intel/pmsvc/pkg/version"
)

const (
	// defaultConfigFile is read if no configuration file is given.
	defaultConfigFile = "pmsvcd.yaml"
	// platform back-end names
	platformSysfs = "sysfs"
	platformFake  = "fake"
)

// options captures our command line options.
type options struct {
	configFile  string
	configHelp  bool
	dumpConfig  bool
	dumpMetrics bool
	platform    string
	sysfsRoot   string
	bus         string
}

var opt = options{}

func init() {
	flag.StringVar(&opt.configFile, "config", "",
		"configuration file to read, "+filepath.Join(service.DefaultConfigRoot, defaultConfigFile)+" if present")
	flag.BoolVar(&opt.configHelp, "config-help", false,
		"describe the configurable modules and exit")
	flag.BoolVar(&opt.dumpConfig, "dump-config", false,
		"dump the active configuration and exit")
	flag.BoolVar(&opt.dumpMetrics, "dump-metrics", false,
		"recover persisted state, dump metrics and exit")
	flag.StringVar(&opt.platform, "platform", platformSysfs,
		"hardware back-end to use ("+platformSysfs+", "+platformFake+")")
	flag.StringVar(&opt.sysfsRoot, "sysfs-root", sysfs.SysfsRootPath,
		"sysfs mount point of the "+platformSysfs+" back-end")
	flag.StringVar(&opt.bus, "bus", "",
		"message bus to serve on (system, session), $PMSVC_BUS if unset")
	version.RegisterFlag(flag.CommandLine)
}

// backendArgs are the options passed on to spawned batch servers.
func (o *options) backendArgs() []string {
	return []string{"-platform", o.platform, "-sysfs-root", o.sysfsRoot}
}

// configPath returns the configuration file to read, if any.
func (o *options) configPath() string {
	if o.configFile != "" {
		return o.configFile
	}
	path := filepath.Join(service.ConfigRoot(), defaultConfigFile)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// newPlatform creates the selected hardware back-end.
func (o *options) newPlatform() (platform.Platform, error) {
	switch o.platform {
	case platformSysfs:
		return sysfs.New(o.sysfsRoot)
	case platformFake:
		return fake.New(), nil
	}
	return nil, mainError("unknown platform %q", o.platform)
}
