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

package api

import (
	"bytes"
	"encoding/json"
)

// User contains a user ID conected to a name.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Name returns the best display name of the accociated user.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// UnmarshalJSON implements the json.Unmarshaler interface. Besides the
// object form, a plain string is accepted as user ID.
func (u *User) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*u = User{ID: id}
		return nil
	}

	type user User
	var v user
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*u = User(v)
	return nil
}

// Chat identifies a conversation.
type Chat struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}
