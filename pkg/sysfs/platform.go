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

package sysfs

import (
	"math"
	"time"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/platform"
)

// Platform is a back-end reading and writing CPU frequency and RAPL power
// capping entries of sysfs. Controls can be read back as signals.
type Platform struct {
	*platform.Batcher
	sys      *System
	start    time.Time
	entries  map[string]*entry
	signals  []string
	controls []string
}

var _ platform.Platform = &Platform{}

// entry is a single signal or control.
type entry struct {
	api.SignalInfo
	control bool
	read    func(native int) (float64, error)
	write   func(native int, value float64) error
}

const (
	hzPerKHz    = 1e3
	wattsPerUW  = 1e-6
	joulesPerUJ = 1e-6
)

// New discovers the system under root and creates a back-end for it.
func New(root string) (*Platform, error) {
	sys, err := DiscoverSystem(root)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		sys:     sys,
		start:   time.Now(),
		entries: map[string]*entry{},
	}
	p.Batcher = platform.NewBatcher(p)
	p.register()

	return p, nil
}

func (p *Platform) add(e *entry) {
	p.entries[e.Name] = e
	p.signals = append(p.signals, e.Name)
	if e.control {
		p.controls = append(p.controls, e.Name)
	}
}

// register sets up the signals and controls the system supports.
func (p *Platform) register() {
	sys := p.sys

	p.add(&entry{
		SignalInfo: api.SignalInfo{Name: "TIME", Domain: api.DomainBoard, Aggregation: "select_first",
			Description: "Time since start of the back-end in seconds"},
		read: func(int) (float64, error) { return time.Since(p.start).Seconds(), nil },
	})

	cpuEntry := func(name, file, desc string, control bool) {
		e := &entry{
			SignalInfo: api.SignalInfo{Name: name, Domain: api.DomainCPU, Aggregation: "average",
				Description: desc},
			control: control,
			read: func(native int) (float64, error) {
				var khz uint64
				if _, err := readSysfsEntry(sys.cpus[native].path, file, &khz); err != nil {
					return 0, err
				}
				return float64(khz) * hzPerKHz, nil
			},
		}
		if control {
			e.write = func(native int, hz float64) error {
				cpu := sys.cpus[native]
				khz := uint64(math.Round(hz / hzPerKHz))
				if cpu.min != 0 && khz < cpu.min {
					khz = cpu.min
				}
				if cpu.max != 0 && khz > cpu.max {
					khz = cpu.max
				}
				return writeSysfsEntry(cpu.path, file, khz)
			}
		}
		p.add(e)
	}

	cpuEntry("CPU_FREQUENCY_STATUS", "cpufreq/scaling_cur_freq",
		"Current operating frequency in hertz", false)
	cpuEntry("CPU_FREQUENCY_MIN_AVAIL", "cpufreq/cpuinfo_min_freq",
		"Minimum available frequency in hertz", false)
	cpuEntry("CPU_FREQUENCY_MAX_AVAIL", "cpufreq/cpuinfo_max_freq",
		"Maximum available frequency in hertz", false)
	cpuEntry("CPU_FREQUENCY_MIN_CONTROL", "cpufreq/scaling_min_freq",
		"Minimum operating frequency in hertz", true)
	cpuEntry("CPU_FREQUENCY_MAX_CONTROL", "cpufreq/scaling_max_freq",
		"Maximum operating frequency in hertz", true)

	if !sys.HasPowercap() {
		sys.Info("no RAPL powercap zones found, package energy and power limits disabled")
		return
	}

	p.add(&entry{
		SignalInfo: api.SignalInfo{Name: "CPU_ENERGY", Domain: api.DomainPackage, Aggregation: "sum",
			Description: "Energy consumed by the package in joules"},
		read: func(native int) (float64, error) {
			var uj uint64
			if _, err := readSysfsEntry(sys.packages[native].rapl, "energy_uj", &uj); err != nil {
				return 0, err
			}
			return float64(uj) * joulesPerUJ, nil
		},
	})
	p.add(&entry{
		SignalInfo: api.SignalInfo{Name: "CPU_POWER_LIMIT_CONTROL", Domain: api.DomainPackage, Aggregation: "sum",
			Description: "Package long term power limit in watts"},
		control: true,
		read: func(native int) (float64, error) {
			var uw uint64
			if _, err := readSysfsEntry(sys.packages[native].rapl, "constraint_0_power_limit_uw", &uw); err != nil {
				return 0, err
			}
			return float64(uw) * wattsPerUW, nil
		},
		write: func(native int, watts float64) error {
			if watts < 0 {
				return api.InvalidArgument("negative power limit %f", watts)
			}
			return writeSysfsEntry(sys.packages[native].rapl, "constraint_0_power_limit_uw",
				uint64(math.Round(watts/wattsPerUW)))
		},
	})
}

func (p *Platform) SignalNames() []string {
	return platform.Sorted(p.signals)
}

func (p *Platform) ControlNames() []string {
	return platform.Sorted(p.controls)
}

func (p *Platform) SignalInfo(name string) (api.SignalInfo, error) {
	e, ok := p.entries[name]
	if !ok {
		return api.SignalInfo{}, api.InvalidArgument("unknown signal %q", name)
	}
	return e.SignalInfo, nil
}

func (p *Platform) ControlInfo(name string) (api.ControlInfo, error) {
	e, ok := p.entries[name]
	if !ok || !e.control {
		return api.ControlInfo{}, api.InvalidArgument("unknown control %q", name)
	}
	return api.ControlInfo{Name: e.Name, Description: e.Description, Domain: e.Domain}, nil
}

func (p *Platform) SignalDomainType(name string) (api.Domain, error) {
	info, err := p.SignalInfo(name)
	return info.Domain, err
}

func (p *Platform) ControlDomainType(name string) (api.Domain, error) {
	info, err := p.ControlInfo(name)
	return info.Domain, err
}

func (p *Platform) NumDomain(domain api.Domain) int {
	switch domain {
	case api.DomainBoard:
		return 1
	case api.DomainPackage:
		return len(p.sys.packages)
	case api.DomainCore:
		return len(p.sys.cores)
	case api.DomainCPU:
		return len(p.sys.cpus)
	}
	return 0
}

func (p *Platform) Nested(outer api.Domain, index int, inner api.Domain) []int {
	if !platform.Contains(outer, inner) || index < 0 || index >= p.NumDomain(outer) {
		return nil
	}
	// packages and cores are only known by their CPUs
	if outer != inner && outer != api.DomainBoard && inner != api.DomainCPU {
		return nil
	}
	return append([]int{}, p.instances(inner, outer, index)...)
}

// instances returns the native instances within the given domain instance.
func (p *Platform) instances(native, domain api.Domain, index int) []int {
	if native == domain {
		return []int{index}
	}

	var cpus []int
	switch domain {
	case api.DomainBoard:
		n := p.NumDomain(native)
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	case api.DomainPackage:
		cpus = p.sys.packages[index].cpus
	case api.DomainCore:
		cpus = p.sys.cores[index].cpus
	}
	return cpus
}

func (p *Platform) ReadSignal(name string, domain api.Domain, index int) (float64, error) {
	if err := platform.CheckSignal(p, api.Identifier{Name: name, Domain: domain, Index: index}); err != nil {
		return 0, err
	}
	e := p.entries[name]

	var values []float64
	for _, native := range p.instances(e.Domain, domain, index) {
		v, err := e.read(native)
		if err != nil {
			return 0, api.WrapError(api.KindBackend, err, "failed to read %s", name)
		}
		values = append(values, v)
	}

	return aggregate(e.Aggregation, values), nil
}

func (p *Platform) WriteControl(name string, domain api.Domain, index int, value float64) error {
	if err := platform.CheckControl(p, api.Identifier{Name: name, Domain: domain, Index: index}); err != nil {
		return err
	}
	e := p.entries[name]

	instances := p.instances(e.Domain, domain, index)
	if e.Aggregation == "sum" && len(instances) > 1 {
		// split a limit over the enclosed instances
		value /= float64(len(instances))
	}
	for _, native := range instances {
		if err := e.write(native, value); err != nil {
			if api.KindOf(err) == api.KindInvalidArgument {
				return err
			}
			return api.WrapError(api.KindBackend, err, "failed to write %s", name)
		}
	}
	return nil
}

// aggregate combines the values of several native instances.
func aggregate(how string, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	switch how {
	case "select_first":
		return values[0]
	case "sum":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
