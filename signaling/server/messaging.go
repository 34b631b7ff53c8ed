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
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
	"stash.kopano.io/kwm/kwmclient/signaling/messaging"
)

// A Messenger sends chat messages and status.
type Messenger interface {
	SendChatMessage(chatID, content, messageType string, extra map[string]interface{}) error
	SendTypingStatus(chatID string) error
	SendStopTypingStatus(chatID string) error
	MarkMessageAsRead(chatID, messageID string) error
}

// A PresenceView provides the tracked presence state.
type PresenceView interface {
	CurrentUser() *api.User
	OnlineUsers() []*api.User
	TypingUsers(chatID string) []*api.User
	UnreadCount(chatID string) int
}

func (s *Server) addMessagingRoutes(router *mux.Router, wrapper func(http.HandlerFunc) http.Handler) {
	if s.config.Presence != nil {
		router.Handle("/presence", wrapper(s.PresenceHandler)).Methods(http.MethodGet, http.MethodOptions)
		router.Handle("/chats/{chatID}", wrapper(s.ChatHandler)).Methods(http.MethodGet, http.MethodOptions)
	}
	if s.config.Messenger != nil {
		router.Handle("/chats/{chatID}/messages", wrapper(s.SendMessageHandler)).Methods(http.MethodPost, http.MethodOptions)
		router.Handle("/chats/{chatID}/typing", wrapper(s.TypingHandler)).Methods(http.MethodPost, http.MethodOptions)
		router.Handle("/chats/{chatID}/read/{messageID}", wrapper(s.MarkReadHandler)).Methods(http.MethodPost, http.MethodOptions)
	}
}

func (s *Server) writeSendError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyChatID),
		errors.Is(err, messaging.ErrEmptyMessageID),
		errors.Is(err, messaging.ErrEmptyUserID):
		writeError(rw, http.StatusBadRequest, err)
	case errors.Is(err, connection.ErrNotConnected):
		writeError(rw, http.StatusServiceUnavailable, err)
	default:
		s.logger.WithError(err).Errorln("messaging send failed")
		writeError(rw, http.StatusInternalServerError, err)
	}
}

// PresenceHandler reports the current user and the online users.
func (s *Server) PresenceHandler(rw http.ResponseWriter, req *http.Request) {
	online := s.config.Presence.OnlineUsers()
	if online == nil {
		online = []*api.User{}
	}

	writeJSON(rw, http.StatusOK, &api.ControlPresenceResponse{
		ResponseOK: *api.ResponseOKValue,
		Self:       s.config.Presence.CurrentUser(),
		Online:     online,
	})
}

// ChatHandler reports the unread count and typing users of a chat.
func (s *Server) ChatHandler(rw http.ResponseWriter, req *http.Request) {
	chatID := mux.Vars(req)["chatID"]

	typing := s.config.Presence.TypingUsers(chatID)
	if typing == nil {
		typing = []*api.User{}
	}

	writeJSON(rw, http.StatusOK, &api.ControlChatResponse{
		ResponseOK: *api.ResponseOKValue,
		ChatID:     chatID,
		Unread:     s.config.Presence.UnreadCount(chatID),
		Typing:     typing,
	})
}

// SendMessageHandler sends a chat message.
func (s *Server) SendMessageHandler(rw http.ResponseWriter, req *http.Request) {
	var request api.ControlMessageRequest
	if err := decodeRequest(req, &request); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	chatID := mux.Vars(req)["chatID"]
	if err := s.config.Messenger.SendChatMessage(chatID, request.Content, request.MessageType, request.Extra); err != nil {
		s.writeSendError(rw, err)
		return
	}

	writeJSON(rw, http.StatusOK, api.ResponseOKValue)
}

// TypingHandler sends the typing status of a chat.
func (s *Server) TypingHandler(rw http.ResponseWriter, req *http.Request) {
	var request api.ControlTypingRequest
	if err := decodeRequest(req, &request); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	chatID := mux.Vars(req)["chatID"]
	var err error
	if request.Typing {
		err = s.config.Messenger.SendTypingStatus(chatID)
	} else {
		err = s.config.Messenger.SendStopTypingStatus(chatID)
	}
	if err != nil {
		s.writeSendError(rw, err)
		return
	}

	writeJSON(rw, http.StatusOK, api.ResponseOKValue)
}

// MarkReadHandler marks a message of a chat as read.
func (s *Server) MarkReadHandler(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if err := s.config.Messenger.MarkMessageAsRead(vars["chatID"], vars["messageID"]); err != nil {
		s.writeSendError(rw, err)
		return
	}

	writeJSON(rw, http.StatusOK, api.ResponseOKValue)
}
