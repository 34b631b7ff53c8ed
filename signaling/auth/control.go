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

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgrijalva/jwt-go"
)

// ControlTokenType is the Authorization header scheme for control tokens.
const ControlTokenType = "Bearer"

// Errors returned by the ControlSigner.
var (
	ErrInvalidControlToken = errors.New("invalid control token")
	ErrMissingControlToken = errors.New("missing control token")
)

// ControlSigner signs and validates the HS256 tokens protecting the local
// control API.
type ControlSigner struct {
	keyID string
	keys  map[string][]byte
	clock clock.Clock
}

// NewControlSigner creates a new ControlSigner which signs with the key
// identified by keyID. If c is nil, the wall clock is used.
func NewControlSigner(keyID string, keys map[string][]byte, c clock.Clock) (*ControlSigner, error) {
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("unknown key id: %v", keyID)
	}
	if c == nil {
		c = clock.New()
	}

	return &ControlSigner{
		keyID: keyID,
		keys:  keys,
		clock: c,
	}, nil
}

// Sign returns a signed token for subject which expires after d.
func (s *ControlSigner) Sign(subject string, d time.Duration) (string, error) {
	now := s.clock.Now()
	claims := &jwt.StandardClaims{
		ExpiresAt: now.Add(d).Unix(),
		IssuedAt:  now.Unix(),
		Subject:   subject,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = s.keyID

	return t.SignedString(s.keys[s.keyID])
}

// Validate checks the signature and expiry of tokenString and returns its
// subject.
func (s *ControlSigner) Validate(tokenString string) (string, error) {
	parser := &jwt.Parser{
		SkipClaimsValidation: true,
	}
	token, err := parser.ParseWithClaims(tokenString, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := (token.Header["kid"]).(string)
		if !ok {
			return nil, fmt.Errorf("invalid key id: %v", token.Header["kid"])
		}
		key, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id: %v", kid)
		}

		return key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidControlToken, err)
	}

	claims := token.Claims.(*jwt.StandardClaims)
	if !claims.VerifyExpiresAt(s.clock.Now().Unix(), true) {
		return "", fmt.Errorf("%w: expired", ErrInvalidControlToken)
	}

	return claims.Subject, nil
}

// ValidateRequest validates the control token of the request's
// Authorization header.
func (s *ControlSigner) ValidateRequest(req *http.Request) (string, error) {
	auth := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(auth) != 2 || auth[0] != ControlTokenType {
		return "", ErrMissingControlToken
	}

	return s.Validate(auth[1])
}
