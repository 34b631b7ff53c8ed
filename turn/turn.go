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

// Package turn provides the TURN relay credentials used for call media.
package turn

import (
	"context"
	"errors"
)

// DefaultServerTTL specifies the default time in seconds how long TURN
// credentials created by this module will be valid.
const DefaultServerTTL = 3600

// ClientConfig holds the TURN server URIs with the credentials to use them.
type ClientConfig struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris"`
}

// A Server is an interface to retrieve TURN server connectivity configuration.
type Server interface {
	GetConfig(ctx context.Context, username string) (*ClientConfig, error)
}

// StaticServer returns fixed long term TURN credentials.
type StaticServer struct {
	config *ClientConfig
}

// NewStaticServer creates a new StaticServer with the provided options.
func NewStaticServer(uris []string, username, password string) (*StaticServer, error) {
	if len(uris) == 0 {
		return nil, errors.New("no TURN uris")
	}

	return &StaticServer{
		config: &ClientConfig{
			Username: username,
			Password: password,
			URIs:     uris,
		},
	}, nil
}

// GetConfig returns a copy of the accociated server's static configuration.
// The username is ignored.
func (s *StaticServer) GetConfig(ctx context.Context, username string) (*ClientConfig, error) {
	config := *s.config
	config.URIs = append([]string(nil), s.config.URIs...)
	return &config, nil
}
