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
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Identifier names a signal or control instance at a domain.
type Identifier struct {
	Name   string
	Domain Domain
	Index  int
}

// String returns a human-readable form of the identifier.
func (id Identifier) String() string {
	return fmt.Sprintf("%s@%s[%d]", id.Name, id.Domain, id.Index)
}

// ParseIdentifier parses an identifier in the format produced by String.
func ParseIdentifier(value string) (Identifier, error) {
	at := strings.LastIndexByte(value, '@')
	open := strings.LastIndexByte(value, '[')
	if at <= 0 || open < at || !strings.HasSuffix(value, "]") {
		return Identifier{}, InvalidArgument("malformed identifier %q", value)
	}
	domain, err := ParseDomain(value[at+1 : open])
	if err != nil {
		return Identifier{}, err
	}
	index, err := strconv.Atoi(value[open+1 : len(value)-1])
	if err != nil || index < 0 {
		return Identifier{}, InvalidArgument("malformed identifier %q", value)
	}
	return Identifier{Name: value[:at], Domain: domain, Index: index}, nil
}

// SignalInfo describes a readable signal.
type SignalInfo struct {
	Name        string
	Description string
	Domain      Domain
	Aggregation string
}

// ControlInfo describes a writable control.
type ControlInfo struct {
	Name        string
	Description string
	Domain      Domain
}

// Names returns the de-duplicated, sorted names of the identifiers.
func Names(ids []Identifier) []string {
	seen := map[string]struct{}{}
	names := []string{}
	for _, id := range ids {
		if _, ok := seen[id.Name]; ok {
			continue
		}
		seen[id.Name] = struct{}{}
		names = append(names, id.Name)
	}
	sort.Strings(names)
	return names
}

// SortedUnique returns the sorted set of the given names.
func SortedUnique(names []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}
