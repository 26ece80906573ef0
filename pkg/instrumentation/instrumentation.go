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

// Package instrumentation runs the HTTP endpoint, trace exporter and metrics
// exporter of the daemon.
package instrumentation

import (
	"fmt"
	"net/http"
	"sync"

	xhttp "github.com/intel/pmsvc/pkg/instrumentation/http"
	logger "github.com/intel/pmsvc/pkg/log"
)

// ServiceName identifies the daemon towards Jaeger and Prometheus.
const ServiceName = "pmsvcd"

var log = logger.NewLogger("instrumentation")

var svc = newService()

// GetHTTPMux returns the mux other components can attach HTTP handlers to.
func GetHTTPMux() http.Handler { return svc.http.GetMux() }

// TracingEnabled tells whether requests are being sampled for tracing.
func TracingEnabled() bool { return svc.TracingEnabled() }

// Start brings up instrumentation as currently configured.
func Start() error { return svc.Start() }

// Stop shuts instrumentation down.
func Stop() { svc.Stop() }

// Restart stops and starts instrumentation.
func Restart() error { return svc.Restart() }

// service ties the HTTP server to the exporters using it.
type service struct {
	sync.RWMutex
	http    *xhttp.Server
	tracing *tracing
	metrics *metrics
	started bool
}

func newService() *service {
	return &service{
		http:    xhttp.NewServer(),
		tracing: &tracing{},
		metrics: &metrics{},
	}
}

func (s *service) Start() error {
	s.Lock()
	defer s.Unlock()

	if s.started {
		return nil
	}

	log.Info("starting with %s", opt)

	if err := s.http.Start(opt.HTTPEndpoint); err != nil {
		return instrumentationError("HTTP server: %v", err)
	}
	if err := s.tracing.start(opt.JaegerAgent, opt.JaegerCollector, opt.Sampling); err != nil {
		s.http.Stop()
		return instrumentationError("tracing: %v", err)
	}
	err := s.metrics.start(s.http.GetMux(), opt.ReportPeriod.Duration(), opt.PrometheusExport)
	if err != nil {
		s.tracing.stop()
		s.http.Stop()
		return instrumentationError("metrics: %v", err)
	}

	s.started = true
	return nil
}

// Stop tears down in reverse order of Start.
func (s *service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.metrics.stop()
	s.tracing.stop()
	s.http.Stop()
	s.started = false
}

func (s *service) Restart() error {
	s.Stop()
	return s.Start()
}

func (s *service) running() bool {
	s.RLock()
	defer s.RUnlock()
	return s.started
}

// reconfigure applies the current options to running services, restarting
// only the parts whose settings changed.
func (s *service) reconfigure() error {
	s.Lock()
	defer s.Unlock()

	log.Info("reconfiguring with %s", opt)

	if err := s.http.Reconfigure(opt.HTTPEndpoint); err != nil {
		return instrumentationError("HTTP server: %v", err)
	}
	if err := s.tracing.reconfigure(opt.JaegerAgent, opt.JaegerCollector, opt.Sampling); err != nil {
		return instrumentationError("tracing: %v", err)
	}
	err := s.metrics.reconfigure(s.http.GetMux(), opt.ReportPeriod.Duration(), opt.PrometheusExport)
	if err != nil {
		return instrumentationError("metrics: %v", err)
	}
	return nil
}

func (s *service) TracingEnabled() bool {
	s.RLock()
	defer s.RUnlock()
	return s.tracing.enabled()
}

func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
