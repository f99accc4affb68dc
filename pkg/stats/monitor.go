// Copyright 2025 Peercall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"errors"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Durations are in seconds
var (
	// durBucketsCall lists histogram buckets for call durations.
	durBucketsCall = []float64{
		1, 10, 30, 60, 5 * 60, 10 * 60, 30 * 60, 3600, 3 * 3600,
	}
)

type CallDir bool

func (d CallDir) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

const (
	Inbound  = CallDir(false)
	Outbound = CallDir(true)
)

type Monitor struct {
	nodeID string

	callsActive     *prometheus.GaugeVec
	callsTerminated *prometheus.CounterVec
	durCall         *prometheus.HistogramVec
	signals         *prometheus.CounterVec
	mediaErrors     *prometheus.CounterVec

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(nodeID string) *Monitor {
	return &Monitor{nodeID: nodeID}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "peercall",
		Subsystem:   "call",
		Name:        "active",
		Help:        "Number of currently active call sessions",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir"}))

	m.callsTerminated = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "peercall",
		Subsystem:   "call",
		Name:        "terminated",
		Help:        "Number of call sessions terminated, by reason",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir", "reason"}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "peercall",
		Subsystem:   "call",
		Name:        "duration_sec",
		Help:        "Connected call duration",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsCall,
	}, []string{"dir"}))

	m.signals = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "peercall",
		Subsystem:   "signaling",
		Name:        "messages",
		Help:        "Signaling messages sent and received, by type",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"dir", "type"}))

	m.mediaErrors = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "peercall",
		Subsystem:   "media",
		Name:        "acquire_errors",
		Help:        "Local media acquisition failures, by kind",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"kind"}))

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) ready() bool { return m != nil && m.started.IsBroken() }

func (m *Monitor) CallStarted(dir CallDir) {
	if !m.ready() {
		return
	}
	m.callsActive.WithLabelValues(dir.String()).Inc()
}

func (m *Monitor) CallTerminated(dir CallDir, reason string, dur time.Duration) {
	if !m.ready() {
		return
	}
	m.callsActive.WithLabelValues(dir.String()).Dec()
	m.callsTerminated.WithLabelValues(dir.String(), reason).Inc()
	if dur > 0 {
		m.durCall.WithLabelValues(dir.String()).Observe(dur.Seconds())
	}
}

func (m *Monitor) SignalMessage(dir CallDir, typ string) {
	if !m.ready() {
		return
	}
	m.signals.WithLabelValues(dir.String(), typ).Inc()
}

func (m *Monitor) MediaError(kind string) {
	if !m.ready() {
		return
	}
	m.mediaErrors.WithLabelValues(kind).Inc()
}
