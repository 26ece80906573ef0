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

// Package platform defines the hardware back-end the service reads signals
// from and writes controls to.
package platform

import (
	"sort"

	"github.com/intel/pmsvc/pkg/api"
)

// IO is the minimal set of back-end operations.
type IO interface {
	// SignalNames returns the names of all readable signals.
	SignalNames() []string
	// ControlNames returns the names of all writable controls.
	ControlNames() []string
	// SignalInfo describes a signal.
	SignalInfo(name string) (api.SignalInfo, error)
	// ControlInfo describes a control.
	ControlInfo(name string) (api.ControlInfo, error)
	// NumDomain returns the number of instances of a domain, 0 if none.
	NumDomain(domain api.Domain) int
	// ReadSignal reads a signal at the given domain instance.
	ReadSignal(name string, domain api.Domain, index int) (float64, error)
	// WriteControl writes a control at the given domain instance.
	WriteControl(name string, domain api.Domain, index int, value float64) error
}

// Platform is a back-end with batch access.
type Platform interface {
	IO
	// SignalDomainType returns the native domain of a signal.
	SignalDomainType(name string) (api.Domain, error)
	// ControlDomainType returns the native domain of a control.
	ControlDomainType(name string) (api.Domain, error)
	// Nested returns the indices of the inner instances within instance
	// index of outer.
	Nested(outer api.Domain, index int, inner api.Domain) []int
	// PushSignal adds a signal to the batch and returns its batch index.
	PushSignal(name string, domain api.Domain, index int) (int, error)
	// PushControl adds a control to the batch and returns its batch index.
	PushControl(name string, domain api.Domain, index int) (int, error)
	// ReadBatch reads all pushed signals.
	ReadBatch() error
	// Sample returns the value of a pushed signal from the last ReadBatch.
	Sample(batchIndex int) (float64, error)
	// Adjust sets the value to write to a pushed control on the next WriteBatch.
	Adjust(batchIndex int, value float64) error
	// WriteBatch writes all adjusted controls.
	WriteBatch() error
	// ClearBatch removes all pushed signals and controls.
	ClearBatch()
}

// contains lists, for each domain, the finer domains nested inside it.
var contains = map[api.Domain][]api.Domain{
	api.DomainBoard: {
		api.DomainPackage, api.DomainCore, api.DomainCPU, api.DomainMemory,
		api.DomainPackageIntegratedMemory, api.DomainNIC, api.DomainPackageIntegratedNIC,
		api.DomainGPU, api.DomainPackageIntegratedGPU, api.DomainGPUChip,
	},
	api.DomainPackage: {
		api.DomainCore, api.DomainCPU, api.DomainPackageIntegratedMemory,
		api.DomainPackageIntegratedNIC, api.DomainPackageIntegratedGPU,
	},
	api.DomainCore: {api.DomainCPU},
	api.DomainGPU:  {api.DomainGPUChip},
}

// Contains checks if domain outer is the same as or encloses domain inner.
func Contains(outer, inner api.Domain) bool {
	if outer == inner {
		return true
	}
	for _, d := range contains[outer] {
		if d == inner {
			return true
		}
	}
	return false
}

// checkIdentifier validates that name is one of names, that domain encloses
// native and that index addresses an existing instance.
func checkIdentifier(io IO, kind, name string, native, domain api.Domain, index int) error {
	if !domain.IsValid() {
		return api.InvalidArgument("%s %s: invalid domain %d", kind, name, int(domain))
	}
	if !Contains(domain, native) {
		return api.InvalidArgument("%s %s: native domain %s is not within %s",
			kind, name, native, domain)
	}
	if n := io.NumDomain(domain); index < 0 || index >= n {
		return api.InvalidArgument("%s %s: %s index %d out of range (%d instances)",
			kind, name, domain, index, n)
	}
	return nil
}

// CheckSignal validates a signal identifier against p.
func CheckSignal(p Platform, id api.Identifier) error {
	native, err := p.SignalDomainType(id.Name)
	if err != nil {
		return err
	}
	return checkIdentifier(p, "signal", id.Name, native, id.Domain, id.Index)
}

// CheckControl validates a control identifier against p.
func CheckControl(p Platform, id api.Identifier) error {
	native, err := p.ControlDomainType(id.Name)
	if err != nil {
		return err
	}
	return checkIdentifier(p, "control", id.Name, native, id.Domain, id.Index)
}

// Sorted returns a sorted copy of names.
func Sorted(names []string) []string {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	return sorted
}
