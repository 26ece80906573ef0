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

package instrumentation

import (
	"contrib.go.opencensus.io/exporter/jaeger"
	"go.opencensus.io/trace"
)

// tracing is the Jaeger span exporter and the sampling applied to requests.
type tracing struct {
	exporter  *jaeger.Exporter
	agent     string
	collector string
	sampling  Sampling
}

func (t *tracing) enabled() bool {
	return t.exporter != nil && t.sampling > Disabled
}

func (t *tracing) start(agent, collector string, sampling Sampling) error {
	if agent == "" && collector == "" {
		log.Info("no Jaeger agent or collector, tracing off")
		applySampling(Disabled)
		return nil
	}

	exp, err := jaeger.NewExporter(jaeger.Options{
		AgentEndpoint:     agent,
		CollectorEndpoint: collector,
		Process:           jaeger.Process{ServiceName: ServiceName},
		OnError:           func(err error) { log.Error("jaeger: %v", err) },
	})
	if err != nil {
		return instrumentationError("jaeger exporter: %v", err)
	}

	log.Info("tracing to Jaeger (agent %q, collector %q), sampling %s", agent, collector, sampling)

	t.exporter, t.agent, t.collector, t.sampling = exp, agent, collector, sampling
	trace.RegisterExporter(exp)
	applySampling(sampling)

	return nil
}

func (t *tracing) stop() {
	if t.exporter == nil {
		return
	}

	applySampling(Disabled)
	trace.UnregisterExporter(t.exporter)
	t.exporter.Flush()
	*t = tracing{}

	log.Info("tracing stopped")
}

// reconfigure keeps the exporter if the endpoints are unchanged, only
// updating the sampling.
func (t *tracing) reconfigure(agent, collector string, sampling Sampling) error {
	if t.exporter != nil && t.agent == agent && t.collector == collector {
		t.sampling = sampling
		applySampling(sampling)
		return nil
	}

	t.stop()
	return t.start(agent, collector, sampling)
}

func applySampling(s Sampling) {
	trace.ApplyConfig(trace.Config{DefaultSampler: s.Sampler()})
}
