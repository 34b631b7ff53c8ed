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

package connection

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsSubsystem = "connection"
)

var (
	connectionAdd = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "connected_total",
			Help:      "Total number of established server connections",
		},
		[]string{"id"},
	)
	connectionRemove = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "disconnected_total",
			Help:      "Total number of ended server connections",
		},
		[]string{"id"},
	)
	reconnectAttempt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
		[]string{"id"},
	)
	reconnectExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "reconnect_exhausted_total",
			Help:      "Total number of times reconnecting was given up",
		},
		[]string{"id"},
	)
	heartbeatTimeout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of connections declared dead by heartbeat",
		},
		[]string{"id"},
	)
	messageReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "messages_received_total",
			Help:      "Total number of received messages",
		},
		[]string{"id"},
	)
	messageSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "messages_sent_total",
			Help:      "Total number of queued outbound messages",
		},
		[]string{"id"},
	)
	decodeError = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "messages_malformed_total",
			Help:      "Total number of dropped malformed messages",
		},
		[]string{"id"},
	)
	handlerPanic = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "handler_failures_total",
			Help:      "Total number of recovered message handler panics",
		},
		[]string{"id"},
	)
)

// MustRegister registers all connection metrics with the provided registerer
// and panics upon the first registration that causes an error.
func MustRegister(reg prometheus.Registerer, cs ...prometheus.Collector) {
	reg.MustRegister(
		connectionAdd,
		connectionRemove,
		reconnectAttempt,
		reconnectExhausted,
		heartbeatTimeout,
		messageReceived,
		messageSent,
		decodeError,
		handlerPanic,
	)
	reg.MustRegister(cs...)
}

type managerCollector struct {
	m *Manager

	stateDesc             *prometheus.Desc
	reconnectAttemptsDesc *prometheus.Desc
	handlersCountDesc     *prometheus.Desc
}

// NewManagerCollector return as a collector that exports metrics of the
// provided Manager,
func NewManagerCollector(manager *Manager) prometheus.Collector {
	return &managerCollector{
		m: manager,

		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName("", metricsSubsystem, "state_current"),
			"Current connection state (0 disconnected, 1 connecting, 2 connected)",
			[]string{"id"},
			nil,
		),
		reconnectAttemptsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("", metricsSubsystem, "reconnect_attempts_current"),
			"Current number of reconnect attempts since the last open",
			[]string{"id"},
			nil,
		),
		handlersCountDesc: prometheus.NewDesc(
			prometheus.BuildFQName("", metricsSubsystem, "handlers_registered_current"),
			"Current number of registered message handlers",
			[]string{"id"},
			nil,
		),
	}
}

// Describe is implemented with DescribeByCollect. That's possible because the
// Collect method will always return the same metrics with the same
// descriptors.
func (mc *managerCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(mc, ch)
}

// Collect creates constant metrics from the accociated manager's state.
func (mc *managerCollector) Collect(ch chan<- prometheus.Metric) {
	mc.m.mutex.Lock()
	state := mc.m.state
	attempts := mc.m.reconnectAttempts
	mc.m.mutex.Unlock()

	ch <- prometheus.MustNewConstMetric(
		mc.stateDesc,
		prometheus.GaugeValue,
		float64(state),
		mc.m.id,
	)
	ch <- prometheus.MustNewConstMetric(
		mc.reconnectAttemptsDesc,
		prometheus.GaugeValue,
		float64(attempts),
		mc.m.id,
	)
	ch <- prometheus.MustNewConstMetric(
		mc.handlersCountDesc,
		prometheus.GaugeValue,
		float64(mc.m.handlers.count()),
		mc.m.id,
	)
}
