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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
)

const maxRequestSize = 1024 * 10

// Status is the response of the status endpoint.
type Status struct {
	api.ResponseOK

	Connection        string      `json:"connection,omitempty"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	Call              *call.State `json:"call,omitempty"`
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, api.NewResponseError(err.Error()))
}

// decodeRequest decodes the optional JSON request body into v.
func decodeRequest(req *http.Request, v interface{}) error {
	if req.Body == nil {
		return nil
	}
	msg, err := io.ReadAll(io.LimitReader(req.Body, maxRequestSize))
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	if len(msg) == 0 {
		return nil
	}
	if err = json.Unmarshal(msg, v); err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}
	return nil
}

// HealthCheckHandler a http handler return 200 OK when server health is fine.
func (s *Server) HealthCheckHandler(rw http.ResponseWriter, req *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

// StatusHandler reports the connection and call state.
func (s *Server) StatusHandler(rw http.ResponseWriter, req *http.Request) {
	response := &Status{
		ResponseOK: *api.ResponseOKValue,
	}
	if s.config.Connection != nil {
		response.Connection = s.config.Connection.State().String()
		response.ReconnectAttempts = s.config.Connection.ReconnectAttempts()
	}
	if s.config.Call != nil {
		state := s.config.Call.State()
		response.Call = &state
	}

	writeJSON(rw, http.StatusOK, response)
}

// MakeCallHandler starts an outgoing call.
func (s *Server) MakeCallHandler(rw http.ResponseWriter, req *http.Request) {
	var request api.ControlCallRequest
	if err := decodeRequest(req, &request); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	err := s.config.Call.MakeCall(&api.User{
		ID:       request.ID,
		Username: request.Username,
	})
	switch {
	case err == nil:
	case errors.Is(err, call.ErrInvalidTarget):
		writeError(rw, http.StatusBadRequest, err)
		return
	case errors.Is(err, call.ErrAlreadyInCall):
		writeError(rw, http.StatusConflict, err)
		return
	default:
		s.logger.WithError(err).Errorln("make call failed")
		writeError(rw, http.StatusInternalServerError, err)
		return
	}

	s.StatusHandler(rw, req)
}

// AcceptCallHandler accepts the incoming call.
func (s *Server) AcceptCallHandler(rw http.ResponseWriter, req *http.Request) {
	if s.config.Call.State().Status != call.StatusIncoming {
		writeError(rw, http.StatusConflict, call.ErrNoActiveCall)
		return
	}

	if err := s.config.Call.AcceptCall(); err != nil {
		s.logger.WithError(err).Errorln("accept call failed")
		writeError(rw, http.StatusInternalServerError, err)
		return
	}

	s.StatusHandler(rw, req)
}

// RejectCallHandler rejects the incoming call.
func (s *Server) RejectCallHandler(rw http.ResponseWriter, req *http.Request) {
	var request api.ControlReasonRequest
	if err := decodeRequest(req, &request); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if s.config.Call.State().Status != call.StatusIncoming {
		writeError(rw, http.StatusConflict, call.ErrNoActiveCall)
		return
	}

	s.config.Call.RejectCall(request.Reason)
	s.StatusHandler(rw, req)
}

// EndCallHandler ends the current call.
func (s *Server) EndCallHandler(rw http.ResponseWriter, req *http.Request) {
	var request api.ControlReasonRequest
	if err := decodeRequest(req, &request); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if s.config.Call.State().Status == call.StatusIdle {
		writeError(rw, http.StatusConflict, call.ErrNoActiveCall)
		return
	}

	s.config.Call.EndCall(request.Reason)
	s.StatusHandler(rw, req)
}

// ToggleMicrophoneHandler flips the microphone mute flag. The response reports
// whether the microphone is live, which is the inverse of the mute flag.
func (s *Server) ToggleMicrophoneHandler(rw http.ResponseWriter, req *http.Request) {
	muted := s.config.Call.ToggleMicrophone()
	writeJSON(rw, http.StatusOK, &api.ControlToggleResponse{
		ResponseOK: *api.ResponseOKValue,
		Enabled:    !muted,
	})
}

// ToggleSpeakerHandler flips the speaker flag.
func (s *Server) ToggleSpeakerHandler(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, &api.ControlToggleResponse{
		ResponseOK: *api.ResponseOKValue,
		Enabled:    s.config.Call.ToggleSpeaker(),
	})
}
