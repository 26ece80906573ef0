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

// Package metrics collects the Prometheus collectors of the daemon into a
// single gatherer.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	logger "github.com/intel/pmsvc/pkg/log"
)

// InitCollector is the type for functions that initialize collectors.
type InitCollector func() (prometheus.Collector, error)

var (
	log  = logger.NewLogger("metrics")
	lock sync.Mutex
	// registered collector constructors, by name
	builtInCollectors = map[string]InitCollector{}
	// collectors already created, by name
	initializedCollectors = map[string]prometheus.Collector{}
)

// RegisterCollector registers the named prometheus.Collector for metrics collection.
func RegisterCollector(name string, init InitCollector) error {
	log.Info("registering collector %s...", name)

	lock.Lock()
	defer lock.Unlock()

	if _, found := builtInCollectors[name]; found {
		return metricsError("collector %s already registered", name)
	}

	builtInCollectors[name] = init

	return nil
}

// NewMetricGatherer creates a new prometheus.Gatherer with all registered collectors.
// Collectors failing to initialize are skipped.
func NewMetricGatherer() (prometheus.Gatherer, error) {
	lock.Lock()
	defer lock.Unlock()

	reg := prometheus.NewPedanticRegistry()

	names := make([]string, 0, len(builtInCollectors))
	for name := range builtInCollectors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, ok := initializedCollectors[name]
		if !ok {
			var err error
			if c, err = builtInCollectors[name](); err != nil {
				log.Error("failed to initialize collector %s: %v, skipping it", name, err)
				continue
			}
			initializedCollectors[name] = c
		}
		if err := reg.Register(c); err != nil {
			return nil, metricsError("failed to register collector %s: %v", name, err)
		}
	}

	return reg, nil
}

// Dump gathers metrics from g and writes them to w in the Prometheus text format.
func Dump(g prometheus.Gatherer, w io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return metricsError("failed to gather metrics: %v", err)
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return metricsError("failed to dump metric %s: %v", f.GetName(), err)
		}
	}
	return nil
}

func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
