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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opencensus.io/trace"

	"github.com/intel/pmsvc/pkg/config"
)

// Sampling is the probability of tracing a request.
type Sampling float64

// Well-known sampling probabilities.
const (
	Disabled   Sampling = 0.0
	Production Sampling = 0.1
	Testing    Sampling = 1.0
)

// Defaults are overridden by PMSVC_<NAME> environment variables.
const envPrefix = "PMSVC_"

var envDefaults = []struct {
	name   string
	defval string
	set    func(*options, string) error
}{
	{"HTTP_ENDPOINT", "", func(o *options, v string) error { o.HTTPEndpoint = v; return nil }},
	{"PROMETHEUS_EXPORT", "false", func(o *options, v string) (err error) {
		o.PrometheusExport, err = parseEnabled(v)
		return err
	}},
	{"SAMPLING_FREQUENCY", "0", func(o *options, v string) error { return o.Sampling.Parse(v) }},
	{"REPORT_PERIOD", "15s", func(o *options, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		o.ReportPeriod = config.Duration(d)
		return nil
	}},
	{"JAEGER_AGENT", "", func(o *options, v string) error { o.JaegerAgent = v; return nil }},
	{"JAEGER_COLLECTOR", "", func(o *options, v string) error { o.JaegerCollector = v; return nil }},
}

const configHelp = `
Instrumentation for traces and metrics.

HTTPEndpoint is the address serving Prometheus /metrics if PrometheusExport
is enabled. Sampling is the probability of tracing a request ('disabled',
'production', 'testing' or a number between 0 and 1). Traces are sent to
the Jaeger agent or collector if either JaegerAgent or JaegerCollector is
set. Defaults are taken from the environment variables PMSVC_HTTP_ENDPOINT,
PMSVC_PROMETHEUS_EXPORT, PMSVC_SAMPLING_FREQUENCY, PMSVC_REPORT_PERIOD,
PMSVC_JAEGER_AGENT and PMSVC_JAEGER_COLLECTOR.
`

// options is the configuration of instrumentation.
type options struct {
	HTTPEndpoint     string
	PrometheusExport bool
	ReportPeriod     config.Duration
	Sampling         Sampling
	JaegerAgent      string
	JaegerCollector  string
}

var opt = defaultOptions().(*options)

// UnmarshalJSON resets omitted fields to their zero value.
func (o *options) UnmarshalJSON(raw []byte) error {
	type plain options
	var p plain
	if err := json.Unmarshal(raw, &p); err != nil {
		return instrumentationError("invalid configuration: %v", err)
	}
	*o = options(p)
	return nil
}

func (o *options) String() string {
	return fmt.Sprintf("http=%q prometheus=%v period=%s sampling=%s jaeger-agent=%q jaeger-collector=%q",
		o.HTTPEndpoint, o.PrometheusExport, o.ReportPeriod.Duration(), o.Sampling,
		o.JaegerAgent, o.JaegerCollector)
}

// defaultOptions returns options initialized from the environment, falling
// back to built-in defaults for unset or invalid variables.
func defaultOptions() interface{} {
	o := &options{}
	for _, d := range envDefaults {
		name := envPrefix + d.name
		if v := os.Getenv(name); v != "" {
			err := d.set(o, v)
			if err == nil {
				continue
			}
			log.Error("ignoring %s=%q: %v", name, v, err)
		}
		if err := d.set(o, d.defval); err != nil {
			log.Error("invalid built-in default for %s: %v", name, err)
		}
	}
	return o
}

func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "on", "yes", "true", "enable", "enabled":
		return true, nil
	case "0", "off", "no", "false", "disable", "disabled":
		return false, nil
	}
	return false, instrumentationError("invalid boolean %q", value)
}

// Parse sets s from a well-known name or a probability.
func (s *Sampling) Parse(value string) error {
	switch strings.ToLower(value) {
	case "disabled":
		*s = Disabled
	case "production":
		*s = Production
	case "testing":
		*s = Testing
	default:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return instrumentationError("invalid sampling %q", value)
		}
		*s = Sampling(f)
	}
	return nil
}

func (s Sampling) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	return strconv.FormatFloat(float64(s), 'f', -1, 64)
}

func (s Sampling) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a name or a number.
func (s *Sampling) UnmarshalJSON(raw []byte) error {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		*s = Sampling(f)
		return nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return instrumentationError("invalid sampling %s", string(raw))
	}
	return s.Parse(name)
}

// Sampler returns the trace sampler for s.
func (s Sampling) Sampler() trace.Sampler {
	if s <= Disabled {
		return trace.NeverSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

func configNotify(_ config.Event, _ config.Source) error {
	if !svc.running() {
		return nil
	}
	if err := svc.reconfigure(); err != nil {
		log.Error("%v", err)
	}
	return nil
}

func init() {
	config.Register("instrumentation", configHelp, opt, defaultOptions,
		config.WithNotify(configNotify))
}
