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

package api

import (
	"strconv"
	"strings"
)

// Domain is a hardware domain a signal or control is addressed at.
type Domain int

const (
	DomainInvalid Domain = iota - 1
	DomainBoard
	DomainPackage
	DomainCore
	DomainCPU
	DomainMemory
	DomainPackageIntegratedMemory
	DomainNIC
	DomainPackageIntegratedNIC
	DomainGPU
	DomainPackageIntegratedGPU
	DomainGPUChip
	numDomains
)

var domainNames = [numDomains]string{
	DomainBoard:                   "board",
	DomainPackage:                 "package",
	DomainCore:                    "core",
	DomainCPU:                     "cpu",
	DomainMemory:                  "memory",
	DomainPackageIntegratedMemory: "package_integrated_memory",
	DomainNIC:                     "nic",
	DomainPackageIntegratedNIC:    "package_integrated_nic",
	DomainGPU:                     "gpu",
	DomainPackageIntegratedGPU:    "package_integrated_gpu",
	DomainGPUChip:                 "gpu_chip",
}

// ParseDomain parses a domain name or its integer value.
func ParseDomain(value string) (Domain, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for d, n := range domainNames {
		if n == name {
			return Domain(d), nil
		}
	}
	if i, err := strconv.Atoi(name); err == nil && Domain(i).IsValid() {
		return Domain(i), nil
	}
	return DomainInvalid, InvalidArgument("unknown domain %q", value)
}

// IsValid checks if the domain is one of the known ones.
func (d Domain) IsValid() bool {
	return d >= DomainBoard && d < numDomains
}

// String returns the name of the domain.
func (d Domain) String() string {
	if !d.IsValid() {
		return "invalid"
	}
	return domainNames[d]
}

// Domains returns all valid domains.
func Domains() []Domain {
	domains := make([]Domain, 0, numDomains)
	for d := DomainBoard; d < numDomains; d++ {
		domains = append(domains, d)
	}
	return domains
}
