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
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"stash.kopano.io/kgol/rndm"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/timers"
)

// State is the connectivity state of a Manager.
type State int

// Manager states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Timer registry keys.
const (
	timerConnect   = "connect"
	timerHeartbeat = "heartbeat"
	timerReconnect = "reconnect"
)

// FailureFunc is a type for functions usable as terminal failure callback.
type FailureFunc func(err error)

// Manager owns the persistent connection to the server. It keeps at most one
// transport handle, authenticates it on open, watches it with a heartbeat,
// reconnects on failure and dispatches received messages to the handlers
// registered for their type.
type Manager struct {
	id     string
	ctx    context.Context
	config *Config
	logger logrus.FieldLogger

	clock    clock.Clock
	timers   *timers.Registry
	handlers *registry

	mutex              sync.Mutex
	token              string
	state              State
	connecting         bool
	conn               *Connection
	gen                uint64
	cancelDial         context.CancelFunc
	reconnectAttempts  int
	lastHeartbeatAckAt time.Time

	onFailure []FailureFunc
}

// NewManager creates a new Manager with an id.
func NewManager(ctx context.Context, id string, config *Config, logger logrus.FieldLogger) *Manager {
	config = config.withDefaults()

	m := &Manager{
		id:     id,
		ctx:    ctx,
		config: config,
		logger: logger.WithField("manager", "connection"),

		clock:    config.Clock,
		timers:   timers.New(config.Clock),
		handlers: newRegistry(),
	}

	return m
}

// Init stores the provided token and starts connecting. Init is a no-op when
// the accociated manager is already connected or connecting.
func (m *Manager) Init(token string) error {
	if token == "" {
		m.logger.Warnln("init without token")
		return ErrEmptyToken
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state == StateConnected || m.connecting {
		m.logger.Debugln("init while connection is active, ignored")
		return nil
	}

	m.token = token
	m.reconnectAttempts = 0

	return m.connect()
}

// Connect starts a new connection attempt with the current token.
func (m *Manager) Connect() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.connect()
}

// connect must be called with the accociated manager's mutex held.
func (m *Manager) connect() error {
	if m.connecting {
		m.logger.Debugln("connect while connecting, ignored")
		return nil
	}
	if m.token == "" {
		return ErrEmptyToken
	}
	uri, err := api.BuildURL(m.config.URL, m.token)
	if err != nil {
		return err
	}

	m.timers.Stop(timerReconnect)
	m.timers.Stop(timerHeartbeat)

	m.gen++
	gen := m.gen
	if m.conn != nil {
		old := m.conn
		m.conn = nil
		old.Close()
	}

	m.connecting = true
	m.state = StateConnecting

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel
	m.timers.Start(timerConnect, m.config.ConnectTimeout, func() {
		m.onConnectTimeout(gen)
	})

	m.logger.WithField("attempt", m.reconnectAttempts).Debugln("connecting")
	go m.dial(ctx, gen, uri)

	return nil
}

func (m *Manager) dial(ctx context.Context, gen uint64, uri string) {
	ws, _, err := m.config.Dialer.DialContext(ctx, uri, nil)

	m.mutex.Lock()
	if gen != m.gen {
		// Superseded by close, timeout or a newer attempt.
		m.mutex.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}

	m.timers.Stop(timerConnect)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.connecting = false

	if err != nil {
		m.logger.WithError(err).Debugln("connect failed")
		exhausted := m.reconnect()
		m.mutex.Unlock()
		if exhausted {
			m.notifyFailure(ErrReconnectFailed)
		}
		return
	}

	id := rndm.GenerateRandomString(12)
	c := New(ws, m, m.logger.WithField("rtm_connection", id), id)
	m.conn = c
	m.onOpen(c, gen)
	m.mutex.Unlock()

	connectionAdd.WithLabelValues(m.id).Inc()
	go func() {
		c.ServeWS(m.ctx)
		connectionRemove.WithLabelValues(m.id).Inc()
	}()
}

// onOpen must be called with the accociated manager's mutex held.
func (m *Manager) onOpen(c *Connection, gen uint64) {
	m.state = StateConnected
	m.reconnectAttempts = 0
	m.lastHeartbeatAckAt = m.clock.Now()
	m.startHeartbeat(gen)

	c.Logger().Infoln("connected")

	err := c.Send(api.RTMTypeNameAuth, &api.RTMTypeAuth{
		Token: m.token,
	})
	if err != nil {
		c.Logger().WithError(err).Warnln("failed to queue auth message")
	}
}

func (m *Manager) onConnectTimeout(gen uint64) {
	m.mutex.Lock()
	if gen != m.gen || !m.connecting {
		m.mutex.Unlock()
		return
	}

	m.logger.WithField("timeout", m.config.ConnectTimeout).Warnln("connect timeout")
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	m.connecting = false
	exhausted := m.reconnect()
	m.mutex.Unlock()

	if exhausted {
		m.notifyFailure(ErrReconnectFailed)
	}
}

// Close stops all timers and closes the transport if there is one. Close never
// triggers a reconnect and is safe to call multiple times.
func (m *Manager) Close() error {
	m.mutex.Lock()
	m.gen++
	m.timers.StopAll()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.connecting = false
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mutex.Unlock()

	if c != nil {
		c.Logger().Debugln("closing connection")
		return c.Close()
	}

	return nil
}

// Send encodes the provided data with the provided type and queues it for
// the current connection. Messages are never queued while not connected.
func (m *Manager) Send(msgType string, data interface{}) error {
	b, err := api.Encode(msgType, data)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	c := m.conn
	connected := m.state == StateConnected
	m.mutex.Unlock()

	if !connected || c == nil {
		m.logger.WithField("type", msgType).Debugln("send while not connected, dropped")
		return ErrNotConnected
	}

	if err = c.RawSend(b); err != nil {
		c.Logger().WithError(err).WithField("type", msgType).Warnln("send failed")
		m.onTransportError(c, err)
		return err
	}
	messageSent.WithLabelValues(m.id).Inc()

	return nil
}

// On registers the provided handler for msgType. Handlers of the same type run
// in registration order, registering the same function twice is allowed.
func (m *Manager) On(msgType string, handler HandlerFunc) *Subscription {
	return m.handlers.on(msgType, handler)
}

// Off unregisters the provided subscription. Unknown subscriptions are
// ignored.
func (m *Manager) Off(s *Subscription) {
	m.handlers.off(s)
}

// Clear unregisters all handlers for msgType.
func (m *Manager) Clear(msgType string) {
	m.handlers.clear(msgType)
}

// OnFailure registers a callback which is called when the connection failed
// terminally and will not be retried anymore.
func (m *Manager) OnFailure(cb FailureFunc) {
	m.mutex.Lock()
	m.onFailure = append(m.onFailure, cb)
	m.mutex.Unlock()
}

func (m *Manager) notifyFailure(err error) {
	m.mutex.Lock()
	onFailure := m.onFailure
	m.mutex.Unlock()

	for _, cb := range onFailure {
		cb(err)
	}
}

// State returns the current state of the accociated manager.
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.state
}

// ReconnectAttempts returns the number of reconnect attempts since the last
// successful open.
func (m *Manager) ReconnectAttempts() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.reconnectAttempts
}

// Context Returns the accociated manager's context.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// NumActive returns the number of the currently active connections at the
// accociated manager.
func (m *Manager) NumActive() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.conn != nil {
		return 1
	}
	return 0
}
