// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as the label on SubmissionsRejected.
const (
	RejectValidation = "validation"
	RejectQuota      = "quota"
	RejectRouting    = "routing"
	RejectInfra      = "infrastructure"
)

// Metrics exposes the gateway's counters. A nil *Metrics disables
// instrumentation.
type Metrics struct {
	SubmissionsAccepted   prometheus.Counter
	SubmissionsRejected   *prometheus.CounterVec
	ProbesDispatched      prometheus.Counter
	ProgressReports       prometheus.Counter
	ConsistencyViolations prometheus.Counter
}

// NewMetrics creates the gateway metrics registered with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	f := promauto.With(registerer)
	return &Metrics{
		SubmissionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_submissions_accepted_total",
			Help: "Total number of accepted probe submissions.",
		}),
		SubmissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_submissions_rejected_total",
			Help: "Total number of rejected probe submissions.",
		}, []string{"reason"}),
		ProbesDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_probes_dispatched_total",
			Help: "Total number of probes dispatched to agents.",
		}),
		ProgressReports: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_progress_reports_total",
			Help: "Total number of accepted agent progress reports.",
		}),
		ConsistencyViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_consistency_violations_total",
			Help: "Total number of progress reports for unknown measurement/agent pairs.",
		}),
	}
}

func (m *Metrics) accepted() {
	if m != nil {
		m.SubmissionsAccepted.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.SubmissionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) dispatched(probes int) {
	if m != nil {
		m.ProbesDispatched.Add(float64(probes))
	}
}

func (m *Metrics) progress() {
	if m != nil {
		m.ProgressReports.Inc()
	}
}

func (m *Metrics) violation() {
	if m != nil {
		m.ConsistencyViolations.Inc()
	}
}
