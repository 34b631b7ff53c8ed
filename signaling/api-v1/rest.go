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

// ResponseOK is the most basic response type with boolean OK flag.
type ResponseOK struct {
	OK bool `json:"ok"`
}

// ResponseOKValue is a response value with true OK status.
var ResponseOKValue = &ResponseOK{true}

// ResponseError is the most basic error response with error string.
type ResponseError struct {
	ResponseOK

	Error string `json:"error"`
}

// NewResponseError creates a new error response with the provided error.
func NewResponseError(s string) *ResponseError {
	return &ResponseError{
		Error: s,
	}
}

// ControlCallRequest is the request body to start an outgoing call.
type ControlCallRequest struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

// ControlReasonRequest is the optional request body to reject or end a call.
type ControlReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ControlToggleResponse is the response of toggling a call media device.
// Enabled is true when the device is on, that is the microphone is not muted
// or the speaker is active.
type ControlToggleResponse struct {
	ResponseOK

	Enabled bool `json:"enabled"`
}

// ControlMessageRequest is the request body to send a chat message.
type ControlMessageRequest struct {
	Content     string                 `json:"content"`
	MessageType string                 `json:"messageType,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// ControlTypingRequest is the request body to change the typing status.
type ControlTypingRequest struct {
	Typing bool `json:"typing"`
}

// ControlPresenceResponse is the response of the presence endpoint.
type ControlPresenceResponse struct {
	ResponseOK

	Self   *User   `json:"self,omitempty"`
	Online []*User `json:"online"`
}

// ControlChatResponse is the response of the chat status endpoint.
type ControlChatResponse struct {
	ResponseOK

	ChatID string  `json:"chatId"`
	Unread int     `json:"unread"`
	Typing []*User `json:"typing"`
}
