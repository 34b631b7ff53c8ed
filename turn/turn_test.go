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

package turn

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticServer(t *testing.T) {
	_, err := NewStaticServer(nil, "user", "pass")
	assert.Error(t, err)

	s, err := NewStaticServer([]string{"turn:turn.example.com:3478"}, "user", "pass")
	require.NoError(t, err)

	config, err := s.GetConfig(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, &ClientConfig{
		Username: "user",
		Password: "pass",
		URIs:     []string{"turn:turn.example.com:3478"},
	}, config)

	config.URIs[0] = "changed"
	again, _ := s.GetConfig(context.Background(), "ignored")
	assert.Equal(t, "turn:turn.example.com:3478", again.URIs[0])
}

func TestSharedsecretServer(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1500000000, 0))

	_, err := NewSharedsecretServer(nil, nil, 0, mock)
	assert.Error(t, err)

	s, err := NewSharedsecretServer([]string{"turn:turn.example.com:3478"}, []byte("secret"), 0, mock)
	require.NoError(t, err)

	_, err = s.GetConfig(context.Background(), "")
	assert.Error(t, err)

	config, err := s.GetConfig(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, "1500003600:alice", config.Username)
	assert.EqualValues(t, DefaultServerTTL, config.TTL)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, config.URIs)

	h := hmac.New(sha1.New, []byte("secret"))
	h.Write([]byte("1500003600:alice"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), config.Password)
}

func TestServerAuthServer(t *testing.T) {
	tests := []struct {
		description string
		status      int
		response    interface{}
		expected    *ClientConfig
	}{
		{
			description: "valid",
			status:      http.StatusOK,
			response: &serverResponse{
				Username: "u",
				Password: "p",
				TTL:      600,
				URIs:     []string{"turns:turn.example.com:443"},
			},
			expected: &ClientConfig{
				Username: "u",
				Password: "p",
				TTL:      600,
				URIs:     []string{"turns:turn.example.com:443"},
			},
		},
		{
			description: "ttl clamped",
			status:      http.StatusOK,
			response: &serverResponse{
				Username: "u",
				Password: "p",
				TTL:      5,
				URIs:     []string{"turn:turn.example.com"},
			},
			expected: &ClientConfig{
				Username: "u",
				Password: "p",
				TTL:      60,
				URIs:     []string{"turn:turn.example.com"},
			},
		},
		{
			description: "no uris",
			status:      http.StatusOK,
			response:    &serverResponse{Username: "u"},
		},
		{
			description: "bad status",
			status:      http.StatusForbidden,
			response:    map[string]string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				username, password, ok := req.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "service", username)
				assert.Equal(t, "secret", password)
				assert.NotEmpty(t, req.Header.Get(UserHTTPHeaderName))
				assert.NotEqual(t, "alice", req.Header.Get(UserHTTPHeaderName))

				rw.WriteHeader(tc.status)
				_ = json.NewEncoder(rw).Encode(tc.response)
			}))
			defer srv.Close()

			s, err := NewServerAuthServer(srv.URL, "service", "secret", nil)
			require.NoError(t, err)

			config, err := s.GetConfig(context.Background(), "alice")
			if tc.expected == nil {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, config)
		})
	}
}
