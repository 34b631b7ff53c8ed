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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type testServer struct {
	*httptest.Server

	connected int32
	tokens    chan string
	conns     chan *websocket.Conn
	frames    chan *api.Envelope
	closes    chan error
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		tokens: make(chan string, 16),
		conns:  make(chan *websocket.Conn, 16),
		frames: make(chan *api.Envelope, 64),
		closes: make(chan error, 16),
	}
	upgrader := &websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			t.Errorf("test server upgrade failed: %v", err)
			return
		}
		atomic.AddInt32(&s.connected, 1)
		s.tokens <- req.URL.Query().Get("token")
		s.conns <- ws

		for {
			_, b, readErr := ws.ReadMessage()
			if readErr != nil {
				s.closes <- readErr
				return
			}
			envelope, decodeErr := api.Decode(b)
			if decodeErr != nil {
				t.Errorf("test server received malformed frame: %v", decodeErr)
				continue
			}
			s.frames <- envelope
		}
	}))

	return s
}

func (s *testServer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

func (s *testServer) nextFrame(t *testing.T) *api.Envelope {
	select {
	case envelope := <-s.frames:
		return envelope
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for frame")
	}
	return nil
}

func (s *testServer) nextClose(t *testing.T) error {
	select {
	case err := <-s.closes:
		return err
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for close")
	}
	return nil
}

var managerSeq int32

// newTestManager uses a fresh id per call, so metrics labelled with the
// manager id start at zero even when tests are repeated.
func newTestManager(ctx context.Context, t *testing.T, config *Config) *Manager {
	logger, _ := test.NewNullLogger()
	id := fmt.Sprintf("%s-%d", t.Name(), atomic.AddInt32(&managerSeq, 1))
	return NewManager(ctx, id, config, logger)
}

func writeText(t *testing.T, ws *websocket.Conn, text string) {
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(text)))
}

func TestManagerInit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: clock.NewMock(),
	})
	defer m.Close()

	assert.ErrorIs(t, m.Init(""), ErrEmptyToken)
	assert.Equal(t, StateDisconnected, m.State())

	require.NoError(t, m.Init("secret"))
	s.nextConn(t)
	assert.Equal(t, "secret", <-s.tokens)

	auth := s.nextFrame(t)
	assert.Equal(t, api.RTMTypeNameAuth, auth.Type)
	var data api.RTMTypeAuth
	require.NoError(t, auth.Unmarshal(&data))
	assert.Equal(t, "secret", data.Token)

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, waitFor, tick)
	assert.EqualValues(t, 1, m.NumActive())

	// Init while active keeps the current token and transport.
	require.NoError(t, m.Init("other"))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&s.connected))

	// Connect replaces the transport, the old one is closed first.
	require.NoError(t, m.Connect())
	s.nextClose(t)
	s.nextConn(t)
	assert.Equal(t, "secret", <-s.tokens)
	assert.Equal(t, api.RTMTypeNameAuth, s.nextFrame(t).Type)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, waitFor, tick)
	assert.EqualValues(t, 2, atomic.LoadInt32(&s.connected))
	assert.EqualValues(t, 1, m.NumActive())
}

func TestManagerSendNotConnected(t *testing.T) {
	m := newTestManager(context.Background(), t, &Config{
		URL:   "http://127.0.0.1:1",
		Clock: clock.NewMock(),
	})

	err := m.Send(api.RTMTypeNameTyping, map[string]string{"chatId": "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: clock.NewMock(),
	})
	defer m.Close()

	var mutex sync.Mutex
	var calls []string
	record := func(name string) HandlerFunc {
		return func(envelope *api.Envelope) {
			mutex.Lock()
			calls = append(calls, name)
			mutex.Unlock()
		}
	}
	recorded := func() []string {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]string{}, calls...)
	}

	m.On(api.RTMTypeNameNewMessage, record("a"))
	subB := m.On(api.RTMTypeNameNewMessage, record("b"))
	m.On(api.RTMTypeNameNewMessage, func(envelope *api.Envelope) {
		panic("handler failure")
	})
	m.On(api.RTMTypeNameNewMessage, record("c"))
	m.On(api.RTMTypeNameTyping, record("typing"))
	m.On(api.RTMTypeNamePong, record("pong"))

	require.NoError(t, m.Init("secret"))
	ws := s.nextConn(t)
	s.nextFrame(t)

	writeText(t, ws, `{"type":"pong","data":{"timestamp":1}}`)
	writeText(t, ws, `this is not json`)
	writeText(t, ws, `{"type":"new-message","data":{"chatId":"c1"}}`)
	require.Eventually(t, func() bool {
		return len(recorded()) == 3
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c"}, recorded())

	m.Off(subB)
	m.Off(subB)
	m.Off(nil)
	writeText(t, ws, `{"type":"new-message","data":{"chatId":"c1"}}`)
	require.Eventually(t, func() bool {
		return len(recorded()) == 5
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c", "a", "c"}, recorded())

	m.Clear(api.RTMTypeNameNewMessage)
	writeText(t, ws, `{"type":"new-message","data":{"chatId":"c1"}}`)
	writeText(t, ws, `{"type":"typing","data":{"chatId":"c1"}}`)
	require.Eventually(t, func() bool {
		return len(recorded()) == 6
	}, waitFor, tick)
	assert.Equal(t, "typing", recorded()[5])

	assert.Equal(t, StateConnected, m.State())
	assert.EqualValues(t, 1, testutil.ToFloat64(decodeError.WithLabelValues(m.id)))
	// The panicking handler stays registered until Clear and ran twice.
	assert.EqualValues(t, 2, testutil.ToFloat64(handlerPanic.WithLabelValues(m.id)))
}

func TestManagerHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: mock,
	})
	defer m.Close()

	require.NoError(t, m.Init("secret"))
	ws := s.nextConn(t)
	s.nextFrame(t)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, waitFor, tick)

	mock.Add(30 * time.Second)
	ping := s.nextFrame(t)
	require.Equal(t, api.RTMTypeNamePing, ping.Type)
	var data api.RTMTypePingPong
	require.NoError(t, ping.Unmarshal(&data))
	assert.Equal(t, mock.Now().UnixNano()/1e6, data.Timestamp)

	// Acknowledge the first ping only.
	writeText(t, ws, `{"type":"pong","data":{"timestamp":1}}`)
	ackAt := mock.Now()
	require.Eventually(t, func() bool {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		return m.lastHeartbeatAckAt.Equal(ackAt)
	}, waitFor, tick)

	// One missed ping is tolerated.
	mock.Add(30 * time.Second)
	assert.Equal(t, api.RTMTypeNamePing, s.nextFrame(t).Type)
	mock.Add(30 * time.Second)
	assert.Equal(t, api.RTMTypeNamePing, s.nextFrame(t).Type)

	// More than 60s without pong, connection is dead.
	mock.Add(30 * time.Second)
	s.nextClose(t)
	require.Eventually(t, func() bool {
		return m.ReconnectAttempts() == 1
	}, waitFor, tick)
	assert.Equal(t, StateDisconnected, m.State())
	assert.EqualValues(t, 1, testutil.ToFloat64(heartbeatTimeout.WithLabelValues(m.id)))

	mock.Add(3 * time.Second)
	s.nextConn(t)
	assert.Equal(t, api.RTMTypeNameAuth, s.nextFrame(t).Type)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected && m.ReconnectAttempts() == 0
	}, waitFor, tick)
	assert.EqualValues(t, 1, testutil.ToFloat64(heartbeatTimeout.WithLabelValues(m.id)))
	assert.EqualValues(t, 2, atomic.LoadInt32(&s.connected))
}

func TestManagerCleanCloseDoesNotReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: mock,
	})
	defer m.Close()

	require.NoError(t, m.Init("secret"))
	ws := s.nextConn(t)
	s.nextFrame(t)

	require.NoError(t, ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected && m.NumActive() == 0
	}, waitFor, tick)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.EqualValues(t, 1, atomic.LoadInt32(&s.connected))
}

func TestManagerAbnormalCloseReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: mock,
	})
	defer m.Close()

	require.NoError(t, m.Init("secret"))
	ws := s.nextConn(t)
	s.nextFrame(t)

	// Drop the transport without close handshake.
	ws.Close()
	require.Eventually(t, func() bool {
		return m.ReconnectAttempts() == 1
	}, waitFor, tick)
	assert.Equal(t, StateDisconnected, m.State())

	mock.Add(3 * time.Second)
	s.nextConn(t)
	assert.Equal(t, api.RTMTypeNameAuth, s.nextFrame(t).Type)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, waitFor, tick)
	assert.Equal(t, 0, m.ReconnectAttempts())
}

func TestManagerReconnectExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dials int32
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
	}

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:    "http://127.0.0.1:1",
		Dialer: dialer,
		Clock:  mock,
	})
	defer m.Close()

	failures := make(chan error, 2)
	m.OnFailure(func(err error) {
		failures <- err
	})

	require.NoError(t, m.Init("secret"))
	for attempt := 1; attempt <= DefaultMaxReconnectAttempts; attempt++ {
		require.Eventually(t, func() bool {
			return m.ReconnectAttempts() == attempt && atomic.LoadInt32(&dials) == int32(attempt)
		}, waitFor, tick, "attempt %d", attempt)
		mock.Add(3 * time.Second)
	}

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrReconnectFailed)
	case <-time.After(waitFor):
		t.Fatal("no failure notification")
	}
	assert.EqualValues(t, DefaultMaxReconnectAttempts+1, atomic.LoadInt32(&dials))

	// No further automatic attempt.
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, DefaultMaxReconnectAttempts+1, atomic.LoadInt32(&dials))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Len(t, failures, 0)

	// Init again starts over.
	require.NoError(t, m.Init("fresh"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == DefaultMaxReconnectAttempts+2 && m.ReconnectAttempts() == 1
	}, waitFor, tick)
}

func TestManagerConnectTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dials int32
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:    "http://127.0.0.1:1",
		Dialer: dialer,
		Clock:  mock,
	})
	defer m.Close()

	require.NoError(t, m.Init("secret"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == 1
	}, waitFor, tick)
	assert.Equal(t, StateConnecting, m.State())

	// A second attempt while connecting is a no-op.
	require.NoError(t, m.Connect())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		return m.ReconnectAttempts() == 1
	}, waitFor, tick)
	assert.Equal(t, StateDisconnected, m.State())

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) == 2
	}, waitFor, tick)
}

func TestManagerClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestServer(t)
	defer s.Close()

	mock := clock.NewMock()
	m := newTestManager(ctx, t, &Config{
		URL:   s.URL,
		Clock: mock,
	})

	require.NoError(t, m.Init("secret"))
	s.nextConn(t)
	s.nextFrame(t)
	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, waitFor, tick)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, m.timers.Len())

	err := s.nextClose(t)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&s.connected))
	assert.ErrorIs(t, m.Send(api.RTMTypeNameTyping, nil), ErrNotConnected)
}
