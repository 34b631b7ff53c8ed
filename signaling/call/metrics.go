/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsSubsystem = "call"
)

var (
	callOutgoing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "outgoing_total",
			Help:      "Total number of started outgoing calls",
		},
		[]string{"id"},
	)
	callIncoming = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "incoming_total",
			Help:      "Total number of received incoming calls",
		},
		[]string{"id"},
	)
	callBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "busy_rejects_total",
			Help:      "Total number of incoming calls rejected as busy",
		},
		[]string{"id"},
	)
	callAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "accepted_total",
			Help:      "Total number of accepted incoming calls",
		},
		[]string{"id"},
	)
	callConnected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "connected_total",
			Help:      "Total number of calls which reached connected",
		},
		[]string{"id"},
	)
	callEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "ended_total",
			Help:      "Total number of ended calls",
		},
		[]string{"id"},
	)
	callTimeout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "timeouts_total",
			Help:      "Total number of calls ended by a signaling timeout",
		},
		[]string{"id"},
	)
	offerRetry = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "offer_retries_total",
			Help:      "Total number of retried offer creations",
		},
		[]string{"id"},
	)
	acceptResend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "accept_resends_total",
			Help:      "Total number of resent call accepted messages",
		},
		[]string{"id"},
	)
)

// MustRegister registers all call metrics with the provided registerer and
// panics upon the first registration that causes an error.
func MustRegister(reg prometheus.Registerer, cs ...prometheus.Collector) {
	reg.MustRegister(
		callOutgoing,
		callIncoming,
		callBusy,
		callAccepted,
		callConnected,
		callEnded,
		callTimeout,
		offerRetry,
		acceptResend,
	)
	reg.MustRegister(cs...)
}

type managerCollector struct {
	m *Manager

	statusDesc  *prometheus.Desc
	elapsedDesc *prometheus.Desc
}

// NewManagerCollector return as a collector that exports metrics of the
// provided Manager,
func NewManagerCollector(manager *Manager) prometheus.Collector {
	return &managerCollector{
		m: manager,

		statusDesc: prometheus.NewDesc(
			prometheus.BuildFQName("", metricsSubsystem, "status_current"),
			"Current call status (0 idle, 1 outgoing, 2 incoming, 3 connected)",
			[]string{"id"},
			nil,
		),
		elapsedDesc: prometheus.NewDesc(
			prometheus.BuildFQName("", metricsSubsystem, "elapsed_seconds_current"),
			"Elapsed seconds of the current connected call",
			[]string{"id"},
			nil,
		),
	}
}

// Describe is implemented with DescribeByCollect.
func (mc *managerCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(mc, ch)
}

// Collect creates constant metrics from the accociated manager's state.
func (mc *managerCollector) Collect(ch chan<- prometheus.Metric) {
	state := mc.m.State()

	ch <- prometheus.MustNewConstMetric(
		mc.statusDesc,
		prometheus.GaugeValue,
		float64(state.Status),
		mc.m.id,
	)
	ch <- prometheus.MustNewConstMetric(
		mc.elapsedDesc,
		prometheus.GaugeValue,
		float64(state.Elapsed),
		mc.m.id,
	)
}
