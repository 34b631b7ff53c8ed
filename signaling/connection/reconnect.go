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
	"github.com/sirupsen/logrus"
)

// reconnect schedules the next connection attempt after the reconnect
// interval. It returns true when the attempts are exhausted, the caller then
// must notify the failure callbacks after releasing the mutex. Must be called
// with the accociated manager's mutex held.
func (m *Manager) reconnect() bool {
	m.timers.Stop(timerHeartbeat)
	m.state = StateDisconnected

	if m.ctx.Err() != nil {
		return false
	}
	if m.timers.Has(timerReconnect) {
		// Already scheduled, do not stack.
		return false
	}

	if m.reconnectAttempts >= m.config.MaxReconnectAttempts {
		reconnectExhausted.WithLabelValues(m.id).Inc()
		m.logger.WithField("attempts", m.reconnectAttempts).Errorln("reconnect failed, giving up")
		return true
	}

	m.reconnectAttempts++
	reconnectAttempt.WithLabelValues(m.id).Inc()
	m.logger.WithFields(logrus.Fields{
		"attempt": m.reconnectAttempts,
		"max":     m.config.MaxReconnectAttempts,
		"delay":   m.config.ReconnectInterval,
	}).Infoln("reconnecting")

	gen := m.gen
	m.timers.Start(timerReconnect, m.config.ReconnectInterval, func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		if gen != m.gen {
			return
		}
		if err := m.connect(); err != nil {
			m.logger.WithError(err).Errorln("reconnect failed")
		}
	})

	return false
}
