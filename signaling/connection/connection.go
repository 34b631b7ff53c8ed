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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

const (
	// Maximum message size allowed from peer.
	websocketMaxMessageSize = 1048576 // 1 MiB

	// Time allowed to write a message to the peer.
	websocketWriteWait = 10 * time.Second

	// Size of the outbound frame queue.
	websocketSendQueueSize = 256
)

// Events is the interface for receivers of Connection events.
type Events interface {
	OnText(c *Connection, msg []byte) error
	OnError(c *Connection, err error) error
	OnDisconnect(c *Connection, err error)
}

// A Connection binds a single websocket transport handle to its events
// receiver.
type Connection struct {
	ws     *websocket.Conn
	events Events
	logger logrus.FieldLogger

	send   chan []byte
	mutex  sync.RWMutex
	closed bool

	id       string
	start    time.Time
	duration time.Duration

	onClosedCallbacks []ClosedFunc
}

// New creates a new Connection with the provided options and settings.
func New(ws *websocket.Conn, events Events, logger logrus.FieldLogger, id string) *Connection {
	return &Connection{
		ws:     ws,
		events: events,
		logger: logger,
		id:     id,

		start: time.Now(),
		send:  make(chan []byte, websocketSendQueueSize),
	}
}

// ClosedFunc is a type for functions usable as closed callback.
type ClosedFunc func(*Connection)

// readPump reads from the underlaying websocket connection until close. The
// returned error is the reason why reading stopped.
func (c *Connection) readPump(ctx context.Context) error {
	c.ws.SetReadLimit(websocketMaxMessageSize)

	for {
		// Wait on incoming data from websocket.
		op, r, err := c.ws.NextReader()
		if err != nil {
			return err
		}

		switch op {
		case websocket.TextMessage:
			var b []byte
			b, err = io.ReadAll(io.LimitReader(r, websocketMaxMessageSize))
			if err != nil {
				c.logger.WithError(err).Debugln("websocket read text error")
				return err
			}
			err = c.events.OnText(c, b)
			if err != nil {
				err = c.events.OnError(c, err)
				if err != nil {
					c.logger.WithError(err).Debugln("websocket text error")
					return err
				}
			}

		default:
			c.logger.Warnf("websocket received unsupported op: %v", op)
		}
	}
}

// writePump writes to the underlaying websocket connection.
func (c *Connection) writePump(ctx context.Context) error {
	var err error

	defer func() {
		if err == nil {
			// Clean exit, tell the server.
			errClose := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(websocketWriteWait))
			if errClose != nil {
				c.logger.WithError(errClose).Debugln("websocket close write error")
			}
		}

		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case payload, ok := <-c.send:
			if !ok || payload == nil {
				c.logger.Debugln("websocket send channel closed or nil sent")
				return nil
			}

			err = c.Write(payload, websocket.TextMessage)
			if err != nil {
				c.logger.WithError(err).Debugln("websocket write pump error")
				return err
			}
		}
	}
}

// Close closes the underlaying websocket connection.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	// Close send channel, this aborts writePump, which closes our underlaying
	// websocket which then will result in abort of readPump.
	close(c.send)

	c.mutex.Lock()
	c.duration = time.Since(c.start)
	onClosedCallbacks := c.onClosedCallbacks
	c.onClosedCallbacks = nil
	c.mutex.Unlock()

	for _, cb := range onClosedCallbacks {
		cb(c)
	}

	return nil
}

// OnClosed registers a callback to be caled after the connection has closed.
func (c *Connection) OnClosed(cb ClosedFunc) {
	c.mutex.Lock()
	c.onClosedCallbacks = append(c.onClosedCallbacks, cb)
	c.mutex.Unlock()
}

// IsClosed returns whever or not the accociated Connection is closed.
func (c *Connection) IsClosed() bool {
	c.mutex.RLock()
	closed := c.closed
	c.mutex.RUnlock()

	return closed
}

// Duration returns the duration since the start of the connection until the
// client was closed or until now when the accociated connection is not yet
// closed.
func (c *Connection) Duration() time.Duration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.duration > 0 {
		return c.duration
	}
	return time.Since(c.start)
}

// Send encodes the provided data with the provided type name and then adds
// the encoded message into the send queue in a non-blocking way.
func (c *Connection) Send(msgType string, data interface{}) error {
	b, err := api.Encode(msgType, data)
	if err != nil {
		c.logger.WithError(err).Errorln("websocket send marshal failed")
		return err
	}

	return c.RawSend(b)
}

// RawSend adds the pprovided payload data into the send queue in a non blocking
// way.
func (c *Connection) RawSend(payload []byte) error {
	c.mutex.RLock()
	if c.closed {
		c.mutex.RUnlock()
		return fmt.Errorf("send to closed connection")
	}

	select {
	case c.send <- payload:
		// ok
	default:
		c.mutex.RUnlock()
		// channel full?
		c.logger.Warnln("websocket send channel full")
		return fmt.Errorf("queue full")
	}
	c.mutex.RUnlock()

	return nil
}

func (c *Connection) Write(payload []byte, messageType int) error {
	c.ws.SetWriteDeadline(time.Now().Add(websocketWriteWait))

	w, err := c.ws.NextWriter(messageType)
	if err != nil {
		return fmt.Errorf("failed to get writer: %w", err)
	}
	w.Write(payload)
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}

	return nil
}

// ServeWS serves the Websocket protocol for the accociated connection and
// returns once the connection is closed. The events receiver is informed
// about the disconnect with the error which ended the read loop.
func (c *Connection) ServeWS(ctx context.Context) {
	go func() {
		err := c.writePump(ctx)
		if err != nil {
			c.logger.WithError(err).Debugln("websocket write pump exit")
		}
	}()
	err := c.readPump(ctx)
	c.Close()

	c.events.OnDisconnect(c, err)
}

// Logger returns the accociated connection's logger.
func (c *Connection) Logger() logrus.FieldLogger {
	return c.logger
}

// ID returns the connection's ID.
func (c *Connection) ID() string {
	return c.id
}
