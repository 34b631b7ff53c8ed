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

// Package auth provides inspection of the RTM session token and signing of
// control API tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// ErrNoSubject is returned when a token carries no user identity.
var ErrNoSubject = errors.New("token has no subject")

// subjectClaims lists the claims checked for the user id, in order.
var subjectClaims = []string{"sub", "userId", "_id", "id"}

// TokenInfo holds what the client can learn from its session token without
// knowing the server's keys.
type TokenInfo struct {
	Subject   string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired returns true if the token has an expiry before now.
func (ti *TokenInfo) Expired(now time.Time) bool {
	return !ti.ExpiresAt.IsZero() && now.After(ti.ExpiresAt)
}

// InspectToken decodes the claims of the provided JWT without verifying its
// signature. The session token is only verified by the server.
func InspectToken(tokenString string) (*TokenInfo, error) {
	parser := &jwt.Parser{}
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	info := &TokenInfo{}
	for _, name := range subjectClaims {
		if v, ok := claims[name].(string); ok && v != "" {
			info.Subject = v
			break
		}
	}
	if info.Subject == "" {
		return nil, ErrNoSubject
	}
	if v, ok := claims["username"].(string); ok {
		info.Username = v
	}
	if v, ok := numericClaim(claims, "iat"); ok {
		info.IssuedAt = time.Unix(v, 0)
	}
	if v, ok := numericClaim(claims, "exp"); ok {
		info.ExpiresAt = time.Unix(v, 0)
	}

	return info, nil
}

func numericClaim(claims jwt.MapClaims, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
