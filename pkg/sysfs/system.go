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

package sysfs

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/intel/pmsvc/pkg/log"
)

const (
	// SysfsRootPath is the mount path of sysfs.
	SysfsRootPath = "/sys"
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "devices/system/cpu"
	// sysfs powercap subdirectory path
	sysfsPowercapPath = "class/powercap"
)

// System is the discovered CPU and power capping topology.
type System struct {
	logger.Logger
	path     string
	cpus     []*CPU     // CPUs sorted by id
	packages []*Package // packages sorted by id
	cores    []*Core    // cores sorted by package and core id
}

// Package is a physical package (a collection of CPUs).
type Package struct {
	id   int    // package id
	cpus []int  // indices of CPUs in this package
	rapl string // powercap zone path, if any
}

// Core is a physical core (a collection of hyperthreads).
type Core struct {
	pkg  int   // package id
	id   int   // core id within the package
	cpus []int // indices of CPUs in this core
}

// CPU is a logical CPU.
type CPU struct {
	path string // sysfs path
	id   int    // CPU id
	pkg  int    // package id
	core int    // core id
	min  uint64 // minimum frequency (kHz)
	max  uint64 // maximum frequency (kHz)
}

// DiscoverSystem discovers the topology of the system under root.
func DiscoverSystem(root string) (*System, error) {
	sys := &System{
		Logger: logger.NewLogger("sysfs"),
		path:   root,
	}

	if err := sys.discoverCPUs(); err != nil {
		return nil, err
	}
	sys.discoverPackages()
	sys.discoverCores()
	sys.discoverPowercap()

	if sys.DebugEnabled() {
		for _, pkg := range sys.packages {
			sys.Debug("package #%d: cpus %v, rapl %q", pkg.id, pkg.cpus, pkg.rapl)
		}
		for _, cpu := range sys.cpus {
			sys.Debug("CPU #%d: package %d, core %d, freq %d - %d kHz",
				cpu.id, cpu.pkg, cpu.core, cpu.min, cpu.max)
		}
	}

	return sys, nil
}

// discoverCPUs discovers the online CPUs present in the system.
func (sys *System) discoverCPUs() error {
	entries, _ := filepath.Glob(filepath.Join(sys.path, sysfsCPUPath, "cpu[0-9]*"))
	for _, entry := range entries {
		cpu := &CPU{path: entry, id: getEnumeratedID(entry)}

		online := 1
		if _, err := readSysfsEntry(entry, "online", &online); err == nil && online == 0 {
			sys.Debug("skipping offline CPU #%d", cpu.id)
			continue
		}
		if _, err := readSysfsEntry(entry, "topology/physical_package_id", &cpu.pkg); err != nil {
			return errors.Wrapf(err, "failed to discover CPU #%d", cpu.id)
		}
		if _, err := readSysfsEntry(entry, "topology/core_id", &cpu.core); err != nil {
			return errors.Wrapf(err, "failed to discover CPU #%d", cpu.id)
		}
		if _, err := readSysfsEntry(entry, "cpufreq/cpuinfo_min_freq", &cpu.min); err != nil {
			cpu.min = 0
		}
		if _, err := readSysfsEntry(entry, "cpufreq/cpuinfo_max_freq", &cpu.max); err != nil {
			cpu.max = 0
		}

		sys.cpus = append(sys.cpus, cpu)
	}

	if len(sys.cpus) == 0 {
		return errors.Errorf("no CPUs found under %s", filepath.Join(sys.path, sysfsCPUPath))
	}

	sort.Slice(sys.cpus, func(i, j int) bool { return sys.cpus[i].id < sys.cpus[j].id })
	return nil
}

// discoverPackages groups CPUs into physical packages.
func (sys *System) discoverPackages() {
	byID := map[int]*Package{}
	for idx, cpu := range sys.cpus {
		pkg, ok := byID[cpu.pkg]
		if !ok {
			pkg = &Package{id: cpu.pkg}
			byID[cpu.pkg] = pkg
			sys.packages = append(sys.packages, pkg)
		}
		pkg.cpus = append(pkg.cpus, idx)
	}
	sort.Slice(sys.packages, func(i, j int) bool { return sys.packages[i].id < sys.packages[j].id })
}

// discoverCores groups CPUs into physical cores.
func (sys *System) discoverCores() {
	type key struct{ pkg, core int }
	byID := map[key]*Core{}
	for idx, cpu := range sys.cpus {
		k := key{cpu.pkg, cpu.core}
		core, ok := byID[k]
		if !ok {
			core = &Core{pkg: cpu.pkg, id: cpu.core}
			byID[k] = core
			sys.cores = append(sys.cores, core)
		}
		core.cpus = append(core.cpus, idx)
	}
	sort.Slice(sys.cores, func(i, j int) bool {
		if sys.cores[i].pkg != sys.cores[j].pkg {
			return sys.cores[i].pkg < sys.cores[j].pkg
		}
		return sys.cores[i].id < sys.cores[j].id
	})
}

// discoverPowercap finds the RAPL package zones.
func (sys *System) discoverPowercap() {
	zones, _ := filepath.Glob(filepath.Join(sys.path, sysfsPowercapPath, "intel-rapl:[0-9]*"))
	for _, zone := range zones {
		// skip subzones like intel-rapl:0:1
		if strings.Count(filepath.Base(zone), ":") != 1 {
			continue
		}
		name := ""
		if _, err := readSysfsEntry(zone, "name", &name); err != nil {
			continue
		}
		if !strings.HasPrefix(name, "package-") {
			continue
		}
		id := getEnumeratedID(name)
		for _, pkg := range sys.packages {
			if pkg.id == id {
				pkg.rapl = zone
			}
		}
	}
}

// PackageIDs returns the ids of all packages.
func (sys *System) PackageIDs() []int {
	ids := make([]int, 0, len(sys.packages))
	for _, pkg := range sys.packages {
		ids = append(ids, pkg.id)
	}
	return ids
}

// CPUIDs returns the ids of all online CPUs.
func (sys *System) CPUIDs() []int {
	ids := make([]int, 0, len(sys.cpus))
	for _, cpu := range sys.cpus {
		ids = append(ids, cpu.id)
	}
	return ids
}

// HasPowercap checks if every package has a RAPL zone.
func (sys *System) HasPowercap() bool {
	for _, pkg := range sys.packages {
		if pkg.rapl == "" {
			return false
		}
	}
	return len(sys.packages) > 0
}
