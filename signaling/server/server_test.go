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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/auth"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

type fakeConnection struct {
	closed bool
}

func (c *fakeConnection) State() connection.State { return connection.StateConnected }
func (c *fakeConnection) ReconnectAttempts() int  { return 2 }
func (c *fakeConnection) Close() error            { c.closed = true; return nil }
func (c *fakeConnection) NumActive() uint64       { return 0 }

type fakeCall struct {
	sync.Mutex

	state     call.State
	makeErr   error
	target    *api.User
	reason    string
	accepted  int
	endCalled int
}

func (f *fakeCall) MakeCall(target *api.User) error {
	f.Lock()
	defer f.Unlock()
	if f.makeErr != nil {
		return f.makeErr
	}
	if target == nil || target.ID == "" {
		return call.ErrInvalidTarget
	}
	f.target = target
	f.state.Status = call.StatusOutgoing
	return nil
}

func (f *fakeCall) AcceptCall() error {
	f.Lock()
	defer f.Unlock()
	f.accepted++
	return nil
}

func (f *fakeCall) RejectCall(reason string) {
	f.Lock()
	defer f.Unlock()
	f.reason = reason
	f.state.Status = call.StatusIdle
}

func (f *fakeCall) EndCall(reason string) {
	f.Lock()
	defer f.Unlock()
	f.endCalled++
	f.reason = reason
	f.state.Status = call.StatusIdle
}

func (f *fakeCall) ToggleMicrophone() bool {
	f.Lock()
	defer f.Unlock()
	f.state.MicrophoneMuted = !f.state.MicrophoneMuted
	return f.state.MicrophoneMuted
}

func (f *fakeCall) ToggleSpeaker() bool {
	f.Lock()
	defer f.Unlock()
	f.state.SpeakerOn = !f.state.SpeakerOn
	return f.state.SpeakerOn
}

func (f *fakeCall) State() call.State {
	f.Lock()
	defer f.Unlock()
	return f.state
}

func (f *fakeCall) NumActive() uint64 { return 0 }

func (f *fakeCall) setStatus(status call.Status) {
	f.Lock()
	f.state.Status = status
	f.Unlock()
}

func newTestServer(t *testing.T, modify func(c *Config)) (*httptest.Server, *fakeCall) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	fc := &fakeCall{}
	config := &Config{
		Logger:     logger,
		Connection: &fakeConnection{},
		Call:       fc,
	}
	if modify != nil {
		modify(config)
	}

	s, err := NewServer(config)
	require.NoError(t, err)

	router := mux.NewRouter()
	s.AddRoutes(context.Background(), router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return ts, fc
}

func doRequest(t *testing.T, method, uri, body string, header http.Header) (*http.Response, map[string]interface{}) {
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, uri, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, uri, nil)
	}
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	response, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer response.Body.Close()

	result := make(map[string]interface{})
	if response.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(response.Body).Decode(&result))
	}
	return response, result
}

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	response, _ := doRequest(t, http.MethodPost, ts.URL+"/health-check", "", nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	response, result := doRequest(t, http.MethodGet, ts.URL+URIPrefix+"/status", "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)

	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "connected", result["connection"])
	assert.Equal(t, float64(2), result["reconnectAttempts"])
	require.Contains(t, result, "call")
	assert.Equal(t, "idle", result["call"].(map[string]interface{})["status"])
}

func TestCallControl(t *testing.T) {
	tests := []struct {
		description string
		status      call.Status
		makeErr     error
		path        string
		body        string
		code        int
	}{
		{"make call", call.StatusIdle, nil, "/call", `{"_id":"bob","username":"Bob"}`, http.StatusOK},
		{"make call without target", call.StatusIdle, nil, "/call", `{}`, http.StatusBadRequest},
		{"make call with invalid body", call.StatusIdle, nil, "/call", `{`, http.StatusBadRequest},
		{"make call while busy", call.StatusIdle, call.ErrAlreadyInCall, "/call", `{"_id":"bob"}`, http.StatusConflict},
		{"accept incoming", call.StatusIncoming, nil, "/call/accept", "", http.StatusOK},
		{"accept without incoming", call.StatusIdle, nil, "/call/accept", "", http.StatusConflict},
		{"reject incoming", call.StatusIncoming, nil, "/call/reject", `{"reason":"busy"}`, http.StatusOK},
		{"reject without incoming", call.StatusOutgoing, nil, "/call/reject", "", http.StatusConflict},
		{"end call", call.StatusConnected, nil, "/call/end", "", http.StatusOK},
		{"end without call", call.StatusIdle, nil, "/call/end", "", http.StatusConflict},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			ts, fc := newTestServer(t, nil)
			fc.setStatus(tc.status)
			fc.makeErr = tc.makeErr

			response, result := doRequest(t, http.MethodPost, ts.URL+URIPrefix+tc.path, tc.body, nil)
			assert.Equal(t, tc.code, response.StatusCode)
			if tc.code == http.StatusOK {
				assert.Equal(t, true, result["ok"])
			} else {
				assert.NotEmpty(t, result["error"])
			}
		})
	}
}

func TestCallControlEffects(t *testing.T) {
	ts, fc := newTestServer(t, nil)

	doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call", `{"_id":"bob","username":"Bob"}`, nil)
	require.NotNil(t, fc.target)
	assert.Equal(t, "bob", fc.target.ID)
	assert.Equal(t, "Bob", fc.target.Username)

	fc.setStatus(call.StatusIncoming)
	doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call/accept", "", nil)
	assert.Equal(t, 1, fc.accepted)

	doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call/end", `{"reason":"bye"}`, nil)
	assert.Equal(t, 1, fc.endCalled)
	assert.Equal(t, "bye", fc.reason)
}

func TestToggles(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	callState := func() map[string]interface{} {
		_, result := doRequest(t, http.MethodGet, ts.URL+URIPrefix+"/status", "", nil)
		require.Contains(t, result, "call")
		return result["call"].(map[string]interface{})
	}

	// The first toggle mutes the live microphone.
	_, result := doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call/microphone", "", nil)
	assert.Equal(t, false, result["enabled"])
	assert.Equal(t, true, callState()["microphoneMuted"])
	_, result = doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call/microphone", "", nil)
	assert.Equal(t, true, result["enabled"])
	assert.Equal(t, false, callState()["microphoneMuted"])

	_, result = doRequest(t, http.MethodPost, ts.URL+URIPrefix+"/call/speaker", "", nil)
	assert.Equal(t, true, result["enabled"])
	assert.Equal(t, true, callState()["speakerOn"])
}

func TestControlAuth(t *testing.T) {
	signer, err := auth.NewControlSigner("", map[string][]byte{
		"": []byte("0123456789abcdef0123456789abcdef"),
	}, nil)
	require.NoError(t, err)

	ts, _ := newTestServer(t, func(c *Config) {
		c.Control = signer
	})

	response, _ := doRequest(t, http.MethodGet, ts.URL+URIPrefix+"/status", "", nil)
	assert.Equal(t, http.StatusForbidden, response.StatusCode)

	response, _ = doRequest(t, http.MethodGet, ts.URL+URIPrefix+"/status", "", http.Header{
		"Authorization": []string{"Bearer invalid"},
	})
	assert.Equal(t, http.StatusForbidden, response.StatusCode)

	token, err := signer.Sign("tester", time.Minute)
	require.NoError(t, err)
	response, _ = doRequest(t, http.MethodGet, ts.URL+URIPrefix+"/status", "", http.Header{
		"Authorization": []string{auth.ControlTokenType + " " + token},
	})
	assert.Equal(t, http.StatusOK, response.StatusCode)

	// Health check stays open.
	response, _ = doRequest(t, http.MethodGet, ts.URL+"/health-check", "", nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, func(c *Config) {
		c.CORSAllowedOrigins = []string{"https://app.example.com"}
	})

	response, _ := doRequest(t, http.MethodOptions, ts.URL+URIPrefix+"/call", "", http.Header{
		"Origin":                        []string{"https://app.example.com"},
		"Access-Control-Request-Method": []string{http.MethodPost},
	})
	assert.Equal(t, "https://app.example.com", response.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewPedanticRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kwmclient_test_total",
		Help: "Test counter",
	})
	registry.MustRegister(counter)
	counter.Inc()

	ts, _ := newTestServer(t, func(c *Config) {
		c.WithMetrics = true
		c.Gatherer = registry
	})

	response, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	without, _ := newTestServer(t, nil)
	response, err = http.Get(without.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}
