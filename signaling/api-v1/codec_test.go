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

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b, err := Encode(RTMTypeNameCallRequest, &RTMDataCallRequest{
		TargetUserID: "u2",
		CallType:     CallTypeAudio,
		RoomID:       "call_1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"call-request","data":{"targetUserId":"u2","callType":"audio","roomId":"call_1"}}`, string(b))

	b, err = Encode(RTMTypeNamePing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(b))

	_, err = Encode("", nil)
	assert.ErrorIs(t, err, ErrEmptyType)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		description  string
		frame        string
		expectedType string
		expectError  bool
	}{
		{
			description:  "with data",
			frame:        `{"type":"call-ended","data":{"roomId":"call_1","reason":"busy"}}`,
			expectedType: RTMTypeNameCallEnded,
		},
		{
			description:  "without data",
			frame:        `{"type":"pong"}`,
			expectedType: RTMTypeNamePong,
		},
		{
			description: "malformed json",
			frame:       `{"type":`,
			expectError: true,
		},
		{
			description: "missing type",
			frame:       `{"data":{}}`,
			expectError: true,
		},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			envelope, err := Decode([]byte(test.frame))
			if test.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expectedType, envelope.Type)
		})
	}
}

func TestEnvelopeUnmarshal(t *testing.T) {
	envelope, err := Decode([]byte(`{"type":"incoming-call","data":{"caller":{"_id":"u1","username":"alice"},"roomId":"call_42"}}`))
	require.NoError(t, err)

	var data RTMDataIncomingCall
	require.NoError(t, envelope.Unmarshal(&data))
	assert.Equal(t, "call_42", data.RoomID)
	require.NotNil(t, data.Caller)
	assert.Equal(t, "u1", data.Caller.ID)
	assert.Equal(t, "alice", data.Caller.Name())

	envelope, err = Decode([]byte(`{"type":"connected","data":null}`))
	require.NoError(t, err)
	assert.Error(t, envelope.Unmarshal(&data))
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		description string
		base        string
		token       string
		expected    string
		expectError bool
	}{
		{"http maps to ws", "http://localhost:3000", "abc", "ws://localhost:3000?token=abc", false},
		{"https maps to wss", "https://chat.example.com/ws", "abc", "wss://chat.example.com/ws?token=abc", false},
		{"ws is kept", "ws://127.0.0.1:8778", "a b", "ws://127.0.0.1:8778?token=a+b", false},
		{"unsupported scheme", "ftp://example.com", "abc", "", true},
		{"missing host", "http://", "abc", "", true},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			u, err := BuildURL(test.base, test.token)
			if test.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, u)
		})
	}
}
