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
	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

// startHeartbeat must be called with the accociated manager's mutex held.
func (m *Manager) startHeartbeat(gen uint64) {
	m.timers.Start(timerHeartbeat, m.config.HeartbeatInterval, func() {
		m.heartbeat(gen)
	})
}

func (m *Manager) heartbeat(gen uint64) {
	m.mutex.Lock()
	if gen != m.gen || m.state != StateConnected || m.conn == nil {
		m.mutex.Unlock()
		return
	}

	c := m.conn
	now := m.clock.Now()
	if elapsed := now.Sub(m.lastHeartbeatAckAt); elapsed > m.config.HeartbeatTimeout {
		heartbeatTimeout.WithLabelValues(m.id).Inc()
		c.Logger().WithField("elapsed", elapsed).Warnln("heartbeat timeout, connection is dead")

		m.conn = nil
		exhausted := m.reconnect()
		m.mutex.Unlock()

		c.Close()
		if exhausted {
			m.notifyFailure(ErrReconnectFailed)
		}
		return
	}

	m.startHeartbeat(gen)
	m.mutex.Unlock()

	err := c.Send(api.RTMTypeNamePing, &api.RTMTypePingPong{
		Timestamp: now.UnixNano() / 1e6,
	})
	if err != nil {
		c.Logger().WithError(err).Debugln("failed to queue ping")
		m.onTransportError(c, err)
	}
}
