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
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Errors returned by the codec.
var (
	ErrEmptyType = errors.New("envelope without type")
)

// Envelope is the {type, data} wrapper of every RTM message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Unmarshal decodes the data of the accociated envelope into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: envelope without data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Encode wraps data with the provided type name and returns the JSON encoding.
func Encode(msgType string, data interface{}) ([]byte, error) {
	if msgType == "" {
		return nil, ErrEmptyType
	}

	envelope := &Envelope{
		Type: msgType,
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s data: %w", msgType, err)
		}
		envelope.Data = b
	}

	return json.Marshal(envelope)
}

// Decode parses a JSON text frame into an Envelope.
func Decode(b []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, ErrEmptyType
	}
	// JSON null data is the same as no data.
	if string(envelope.Data) == "null" {
		envelope.Data = nil
	}

	return &envelope, nil
}

// BuildURL returns the websocket URL for the provided server base URL with the
// token added as query parameter. http and https base URLs are mapped to their
// websocket schemes.
func BuildURL(base string, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server url scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url without host")
	}

	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	return u.String(), nil
}
