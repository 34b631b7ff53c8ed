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
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Defaults for Config values which are left empty.
const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5

	websocketReadBufferSize  = 1024
	websocketWriteBufferSize = 1024
)

// Errors returned by the Manager.
var (
	ErrEmptyToken      = errors.New("empty auth token")
	ErrNotConnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// Config bundles the settings of a Manager.
type Config struct {
	// URL is the base URL of the server, http(s) and ws(s) are supported.
	URL string

	Dialer *websocket.Dialer
	Clock  clock.Clock

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (config *Config) withDefaults() *Config {
	c := *config

	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: DefaultConnectTimeout,
			ReadBufferSize:   websocketReadBufferSize,
			WriteBufferSize:  websocketWriteBufferSize,
		}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	return &c
}
