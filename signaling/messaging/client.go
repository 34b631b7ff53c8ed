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

// Package messaging implements the chat, typing, read receipt and friend
// notification parts of the RTM protocol.
package messaging

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

// DefaultMessageType is used for chat messages sent without type.
const DefaultMessageType = "text"

// Errors returned by the Client.
var (
	ErrEmptyChatID    = errors.New("empty chat id")
	ErrEmptyMessageID = errors.New("empty message id")
	ErrEmptyUserID    = errors.New("empty user id")
)

// A Signaler sends and receives RTM messages. It is implemented by
// *connection.Manager.
type Signaler interface {
	On(msgType string, handler connection.HandlerFunc) *connection.Subscription
	Off(s *connection.Subscription)
	Send(msgType string, data interface{}) error
}

// Client sends chat related messages.
type Client struct {
	signaler Signaler
	presence *Presence
	clock    clock.Clock
	logger   logrus.FieldLogger
}

// NewClient creates a new Client sending with the provided signaler. If
// presence is not nil, its unread counters are cleared when messages are
// marked as read.
func NewClient(signaler Signaler, presence *Presence, c clock.Clock, logger logrus.FieldLogger) *Client {
	if c == nil {
		c = clock.New()
	}

	return &Client{
		signaler: signaler,
		presence: presence,
		clock:    c,
		logger:   logger.WithField("manager", "messaging"),
	}
}

// SendChatMessage sends a chat message. Extra fields like fileUrl and
// duration are added to the message data as is and take precedence.
func (c *Client) SendChatMessage(chatID, content, messageType string, extra map[string]interface{}) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	if messageType == "" {
		messageType = DefaultMessageType
	}

	data := map[string]interface{}{
		"chatId":      chatID,
		"content":     content,
		"messageType": messageType,
		"timestamp":   c.clock.Now().UnixNano() / int64(time.Millisecond),
	}
	for k, v := range extra {
		data[k] = v
	}

	return c.signaler.Send(api.RTMTypeNameSendMessage, data)
}

// SendTypingStatus tells the chat that the user is typing.
func (c *Client) SendTypingStatus(chatID string) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	return c.signaler.Send(api.RTMTypeNameTyping, &api.RTMDataTyping{
		ChatID: chatID,
	})
}

// SendStopTypingStatus tells the chat that the user stopped typing.
func (c *Client) SendStopTypingStatus(chatID string) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	return c.signaler.Send(api.RTMTypeNameStopTyping, &api.RTMDataTyping{
		ChatID: chatID,
	})
}

// MarkMessageAsRead sends a read receipt for the message and clears the
// unread counter of its chat.
func (c *Client) MarkMessageAsRead(chatID, messageID string) error {
	if messageID == "" {
		return ErrEmptyMessageID
	}
	err := c.signaler.Send(api.RTMTypeNameMarkRead, &api.RTMDataMarkReadRequest{
		MessageID: messageID,
	})
	if err != nil {
		return err
	}

	if c.presence != nil && chatID != "" {
		c.presence.ClearUnread(chatID)
	}
	return nil
}

// SendFriendRequestNotification notifies the target user about a new friend
// request.
func (c *Client) SendFriendRequestNotification(targetUserID string) error {
	if targetUserID == "" {
		return ErrEmptyUserID
	}
	return c.signaler.Send(api.RTMTypeNameFriendRequest, &api.RTMDataFriendRequest{
		TargetUserID: targetUserID,
	})
}

// SendFriendRequestResponseNotification notifies the sender of a friend
// request about the response.
func (c *Client) SendFriendRequestResponseNotification(senderID, response string) error {
	if senderID == "" {
		return ErrEmptyUserID
	}
	c.logger.WithFields(logrus.Fields{
		"sender":   senderID,
		"response": response,
	}).Debugln("sending friend request response")
	return c.signaler.Send(api.RTMTypeNameFriendRequestResponse, &api.RTMDataFriendRequestResponse{
		SenderID: senderID,
		Response: response,
	})
}
