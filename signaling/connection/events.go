/*
 * Copyright 2017 Kopano and its licensors
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
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

// OnText is called when the provided connection received a text message. The
// message payload is provided as []byte in the msg parameter.
func (m *Manager) OnText(c *Connection, msg []byte) error {
	envelope, err := api.Decode(msg)
	if err != nil {
		return err
	}
	messageReceived.WithLabelValues(m.id).Inc()

	if envelope.Type == api.RTMTypeNamePong {
		m.mutex.Lock()
		if c == m.conn {
			m.lastHeartbeatAckAt = m.clock.Now()
		}
		m.mutex.Unlock()
		return nil
	}

	m.dispatch(envelope)
	return nil
}

// OnError is called, when the provided connection has encountered an error
// while processing received data. Protocol errors are logged and dropped,
// everything else is returned which ends the connection.
func (m *Manager) OnError(c *Connection, err error) error {
	decodeError.WithLabelValues(m.id).Inc()
	c.Logger().WithError(err).Warnln("dropped malformed message")

	return nil
}

// OnDisconnect is called after a connection has ended.
func (m *Manager) OnDisconnect(c *Connection, err error) {
	m.mutex.Lock()
	if c != m.conn {
		// Not our current transport, it was closed on purpose.
		m.mutex.Unlock()
		return
	}

	m.conn = nil
	m.timers.Stop(timerHeartbeat)

	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.state = StateDisconnected
		m.mutex.Unlock()
		c.Logger().WithField("duration", c.Duration()).Infoln("connection closed")
		return
	}

	c.Logger().WithError(err).Warnln("connection lost")
	exhausted := m.reconnect()
	m.mutex.Unlock()

	if exhausted {
		m.notifyFailure(ErrReconnectFailed)
	}
}

// onTransportError closes the provided connection and starts reconnecting if
// it is the current transport.
func (m *Manager) onTransportError(c *Connection, err error) {
	m.mutex.Lock()
	if c != m.conn {
		m.mutex.Unlock()
		return
	}

	m.conn = nil
	exhausted := m.reconnect()
	m.mutex.Unlock()

	c.Close()
	if exhausted {
		m.notifyFailure(ErrReconnectFailed)
	}
}

// dispatch runs all handlers registered for the envelope's type.
func (m *Manager) dispatch(envelope *api.Envelope) {
	subscriptions := m.handlers.subscriptions(envelope.Type)
	if len(subscriptions) == 0 {
		m.logger.WithField("type", envelope.Type).Debugln("no handler for message type")
		return
	}

	for _, s := range subscriptions {
		m.invoke(s, envelope)
	}
}

func (m *Manager) invoke(s *Subscription, envelope *api.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanic.WithLabelValues(m.id).Inc()
			m.logger.WithFields(logrus.Fields{
				"type":  envelope.Type,
				"panic": fmt.Sprintf("%v", r),
			}).Errorln("message handler failed")
		}
	}()

	s.handler(envelope)
}
