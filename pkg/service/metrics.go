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

package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/session"
)

const metricsNamespace = "pmsvc"

var (
	sessionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "sessions"),
		"Number of open sessions by state.",
		[]string{"state"}, nil,
	)
	writerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "write_lock_holder"),
		"PID of the process holding the write lock, 0 if unlocked.",
		nil, nil,
	)
)

// stats are the counters of a service.
type stats struct {
	requests *prometheus.CounterVec
	restores *prometheus.CounterVec
	denials  prometheus.Counter
}

func newStats() *stats {
	return &stats{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Number of requests by operation and result.",
			},
			[]string{"op", "result"},
		),
		restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restores_total",
				Help:      "Number of saved-control restorations by outcome.",
			},
			[]string{"outcome"},
		),
		denials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "write_denials_total",
				Help:      "Number of refused write lock requests.",
			},
		),
	}
}

func (st *stats) request(op Op, err error) {
	result := "ok"
	if err != nil {
		result = string(api.KindOf(err))
	}
	st.requests.WithLabelValues(op.String(), result).Inc()
}

func (st *stats) restore(err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(api.KindOf(err))
	}
	st.restores.WithLabelValues(outcome).Inc()
}

func (st *stats) denied() {
	st.denials.Inc()
}

// collector exports the state and counters of a service.
type collector struct {
	s *Service
}

// Collector returns a prometheus collector for the service.
func (s *Service) Collector() (prometheus.Collector, error) {
	return &collector{s: s}, nil
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
	ch <- writerDesc
	c.s.stats.requests.Describe(ch)
	c.s.stats.restores.Describe(ch)
	c.s.stats.denials.Describe(ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.s

	s.Lock()
	count := map[session.State]int{}
	for _, sess := range s.sessions.List() {
		count[sess.State]++
	}
	holder, err := s.lock.Holder()
	s.Unlock()

	for _, state := range []session.State{session.StateReadOnly, session.StateWriteActive} {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue,
			float64(count[state]), state.String())
	}
	if err != nil {
		s.Error("failed to collect write lock holder: %v", err)
	} else {
		ch <- prometheus.MustNewConstMetric(writerDesc, prometheus.GaugeValue, float64(holder))
	}

	s.stats.requests.Collect(ch)
	s.stats.restores.Collect(ch)
	s.stats.denials.Collect(ch)
}
