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

// Package fake implements an in-memory hardware back-end. It is used by
// tests and by the daemon's dry-run mode.
package fake

import (
	"sort"
	"sync"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/platform"
)

// Signal describes a fake signal.
type Signal struct {
	api.SignalInfo
	Value float64
}

// Control describes a fake control.
type Control struct {
	api.ControlInfo
	Value float64
}

// Write is a record of a control write.
type Write struct {
	api.Identifier
	Value float64
}

// Platform is an in-memory back-end. Controls can be read back as signals
// of the same name.
type Platform struct {
	*platform.Batcher
	sync.Mutex
	signals   map[string]Signal
	controls  map[string]Control
	domains   map[api.Domain]int
	values    map[api.Identifier]float64
	writes    []Write
	failRead  map[string]error
	failWrite map[string]error
}

var _ platform.Platform = &Platform{}

// DefaultSignals are the signals of a platform created by New.
var DefaultSignals = []Signal{
	{SignalInfo: api.SignalInfo{Name: "TIME", Description: "Time since start of the back-end in seconds",
		Domain: api.DomainBoard, Aggregation: "select_first"}, Value: 1},
	{SignalInfo: api.SignalInfo{Name: "CPU_FREQUENCY_STATUS", Description: "Current operating frequency in hertz",
		Domain: api.DomainCPU, Aggregation: "average"}, Value: 2.0e9},
	{SignalInfo: api.SignalInfo{Name: "CPU_ENERGY", Description: "Energy consumed by the package in joules",
		Domain: api.DomainPackage, Aggregation: "sum"}, Value: 1000},
}

// DefaultControls are the controls of a platform created by New.
var DefaultControls = []Control{
	{ControlInfo: api.ControlInfo{Name: "CPU_FREQUENCY_MAX_CONTROL", Description: "Maximum operating frequency in hertz",
		Domain: api.DomainCPU}, Value: 3.0e9},
	{ControlInfo: api.ControlInfo{Name: "CPU_FREQUENCY_MIN_CONTROL", Description: "Minimum operating frequency in hertz",
		Domain: api.DomainCPU}, Value: 1.0e9},
	{ControlInfo: api.ControlInfo{Name: "CPU_POWER_LIMIT_CONTROL", Description: "Package power limit in watts",
		Domain: api.DomainPackage}, Value: 200},
}

// DefaultDomains is the topology of a platform created by New.
var DefaultDomains = map[api.Domain]int{
	api.DomainBoard:   1,
	api.DomainPackage: 2,
	api.DomainCore:    4,
	api.DomainCPU:     8,
	api.DomainMemory:  1,
}

// New creates a fake platform with the default signals, controls and topology.
func New() *Platform {
	return NewWith(DefaultSignals, DefaultControls, DefaultDomains)
}

// NewWith creates a fake platform with the given signals, controls and topology.
func NewWith(signals []Signal, controls []Control, domains map[api.Domain]int) *Platform {
	p := &Platform{
		signals:   map[string]Signal{},
		controls:  map[string]Control{},
		domains:   map[api.Domain]int{},
		values:    map[api.Identifier]float64{},
		failRead:  map[string]error{},
		failWrite: map[string]error{},
	}
	for _, s := range signals {
		p.signals[s.Name] = s
	}
	for _, c := range controls {
		p.controls[c.Name] = c
	}
	for d, n := range domains {
		p.domains[d] = n
	}
	p.Batcher = platform.NewBatcher(p)
	return p
}

func (p *Platform) SignalNames() []string {
	p.Lock()
	defer p.Unlock()
	names := make([]string, 0, len(p.signals)+len(p.controls))
	for name := range p.signals {
		names = append(names, name)
	}
	for name := range p.controls {
		if _, ok := p.signals[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (p *Platform) ControlNames() []string {
	p.Lock()
	defer p.Unlock()
	names := make([]string, 0, len(p.controls))
	for name := range p.controls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Platform) SignalInfo(name string) (api.SignalInfo, error) {
	p.Lock()
	defer p.Unlock()
	if s, ok := p.signals[name]; ok {
		return s.SignalInfo, nil
	}
	if c, ok := p.controls[name]; ok {
		return api.SignalInfo{Name: c.Name, Description: c.Description, Domain: c.Domain,
			Aggregation: "expect_same"}, nil
	}
	return api.SignalInfo{}, api.InvalidArgument("unknown signal %q", name)
}

func (p *Platform) ControlInfo(name string) (api.ControlInfo, error) {
	p.Lock()
	defer p.Unlock()
	if c, ok := p.controls[name]; ok {
		return c.ControlInfo, nil
	}
	return api.ControlInfo{}, api.InvalidArgument("unknown control %q", name)
}

func (p *Platform) SignalDomainType(name string) (api.Domain, error) {
	info, err := p.SignalInfo(name)
	if err != nil {
		return api.DomainInvalid, err
	}
	return info.Domain, nil
}

func (p *Platform) ControlDomainType(name string) (api.Domain, error) {
	info, err := p.ControlInfo(name)
	if err != nil {
		return api.DomainInvalid, err
	}
	return info.Domain, nil
}

func (p *Platform) NumDomain(domain api.Domain) int {
	p.Lock()
	defer p.Unlock()
	return p.domains[domain]
}

// Nested spreads the inner instances evenly over the outer ones, in order.
func (p *Platform) Nested(outer api.Domain, index int, inner api.Domain) []int {
	if !platform.Contains(outer, inner) {
		return nil
	}

	p.Lock()
	defer p.Unlock()

	n, m := p.domains[outer], p.domains[inner]
	if index < 0 || index >= n {
		return nil
	}
	if outer == inner {
		return []int{index}
	}

	var nested []int
	for i := index * m / n; i < (index+1)*m/n; i++ {
		nested = append(nested, i)
	}
	return nested
}

func (p *Platform) ReadSignal(name string, domain api.Domain, index int) (float64, error) {
	id := api.Identifier{Name: name, Domain: domain, Index: index}
	if err := platform.CheckSignal(p, id); err != nil {
		return 0, err
	}

	p.Lock()
	defer p.Unlock()
	if err, ok := p.failRead[name]; ok {
		return 0, api.WrapError(api.KindBackend, err, "failed to read %s", id)
	}
	if v, ok := p.values[id]; ok {
		return v, nil
	}
	if s, ok := p.signals[name]; ok {
		return s.Value, nil
	}
	return p.controls[name].Value, nil
}

func (p *Platform) WriteControl(name string, domain api.Domain, index int, value float64) error {
	id := api.Identifier{Name: name, Domain: domain, Index: index}
	if err := platform.CheckControl(p, id); err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()
	if err, ok := p.failWrite[name]; ok {
		return api.WrapError(api.KindBackend, err, "failed to write %s", id)
	}
	p.values[id] = value
	p.writes = append(p.writes, Write{Identifier: id, Value: value})
	return nil
}

// SetValue sets the value read back for a signal or control instance.
func (p *Platform) SetValue(id api.Identifier, value float64) {
	p.Lock()
	defer p.Unlock()
	p.values[id] = value
}

// Value returns the current value of a signal or control instance.
func (p *Platform) Value(id api.Identifier) float64 {
	v, _ := p.ReadSignal(id.Name, id.Domain, id.Index)
	return v
}

// Writes returns the control writes performed so far, in order.
func (p *Platform) Writes() []Write {
	p.Lock()
	defer p.Unlock()
	return append([]Write{}, p.writes...)
}

// ResetWrites clears the record of control writes.
func (p *Platform) ResetWrites() {
	p.Lock()
	defer p.Unlock()
	p.writes = nil
}

// FailRead makes reads of name fail with err, or succeed again if err is nil.
func (p *Platform) FailRead(name string, err error) {
	p.Lock()
	defer p.Unlock()
	if err == nil {
		delete(p.failRead, name)
	} else {
		p.failRead[name] = err
	}
}

// FailWrite makes writes of name fail with err, or succeed again if err is nil.
func (p *Platform) FailWrite(name string, err error) {
	p.Lock()
	defer p.Unlock()
	if err == nil {
		delete(p.failWrite, name)
	} else {
		p.failWrite[name] = err
	}
}
