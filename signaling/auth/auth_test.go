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

package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return s
}

func TestInspectToken(t *testing.T) {
	tests := []struct {
		description string
		token       string
		subject     string
		username    string
		expiresAt   int64
		err         bool
	}{
		{
			description: "sub claim",
			token:       signed(t, jwt.MapClaims{"sub": "alice", "exp": 1500003600, "iat": 1500000000}),
			subject:     "alice",
			expiresAt:   1500003600,
		},
		{
			description: "userId claim",
			token:       signed(t, jwt.MapClaims{"userId": "bob", "username": "Bob"}),
			subject:     "bob",
			username:    "Bob",
		},
		{
			description: "_id claim",
			token:       signed(t, jwt.MapClaims{"_id": "carol"}),
			subject:     "carol",
		},
		{
			description: "no subject",
			token:       signed(t, jwt.MapClaims{"foo": "bar"}),
			err:         true,
		},
		{
			description: "garbage",
			token:       "not-a-token",
			err:         true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			info, err := InspectToken(tc.token)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.subject, info.Subject)
			assert.Equal(t, tc.username, info.Username)
			if tc.expiresAt != 0 {
				assert.Equal(t, tc.expiresAt, info.ExpiresAt.Unix())
				assert.False(t, info.Expired(time.Unix(1500000000, 0)))
				assert.True(t, info.Expired(time.Unix(1500003601, 0)))
			} else {
				assert.True(t, info.ExpiresAt.IsZero())
				assert.False(t, info.Expired(time.Now()))
			}
		})
	}
}

func TestControlSigner(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1500000000, 0))

	_, err := NewControlSigner("missing", map[string][]byte{"k1": []byte("secret")}, mock)
	assert.Error(t, err)

	signer, err := NewControlSigner("k1", map[string][]byte{"k1": []byte("secret")}, mock)
	require.NoError(t, err)

	token, err := signer.Sign("cli", time.Minute)
	require.NoError(t, err)

	subject, err := signer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "cli", subject)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	_, err = signer.ValidateRequest(req)
	assert.ErrorIs(t, err, ErrMissingControlToken)

	req.Header.Set("Authorization", "Bearer "+token)
	subject, err = signer.ValidateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "cli", subject)

	other, err := NewControlSigner("k1", map[string][]byte{"k1": []byte("other")}, mock)
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidControlToken)

	mock.Add(2 * time.Minute)
	_, err = signer.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidControlToken)
}
