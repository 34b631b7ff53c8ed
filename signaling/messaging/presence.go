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

package messaging

import (
	"errors"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

var errMissingChat = errors.New("message without chat")

// MessageFunc is a type for functions usable as new message observer.
type MessageFunc func(message *api.RTMDataNewMessage)

type typingRecord struct {
	sync.Mutex
	users map[string]*api.User
}

type unreadRecord struct {
	sync.Mutex
	count int
}

type readRecord struct {
	sync.Mutex
	userIDs []string
}

// Presence keeps track of the session user, online users, typing users and
// unread messages from inbound notifications.
type Presence struct {
	signaler Signaler
	logger   logrus.FieldLogger

	mutex         sync.RWMutex
	currentUser   *api.User
	onlineUsers   []*api.User
	observers     []MessageFunc
	subscriptions []*connection.Subscription

	typing cmap.ConcurrentMap
	unread cmap.ConcurrentMap
	read   cmap.ConcurrentMap
}

// NewPresence creates a new Presence for the provided signaler.
func NewPresence(signaler Signaler, logger logrus.FieldLogger) *Presence {
	return &Presence{
		signaler: signaler,
		logger:   logger.WithField("manager", "presence"),

		typing: cmap.New(),
		unread: cmap.New(),
		read:   cmap.New(),
	}
}

// Attach registers the accociated presence's handlers with its signaler.
// Attach is a no-op when already attached.
func (p *Presence) Attach() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.subscriptions) > 0 {
		return
	}
	p.subscriptions = []*connection.Subscription{
		p.signaler.On(api.RTMTypeNameConnected, p.onConnected),
		p.signaler.On(api.RTMTypeNameUsersOnline, p.onUsersOnline),
		p.signaler.On(api.RTMTypeNameNewMessage, p.onNewMessage),
		p.signaler.On(api.RTMTypeNameTyping, p.onTyping),
		p.signaler.On(api.RTMTypeNameStopTyping, p.onStopTyping),
		p.signaler.On(api.RTMTypeNameMessageRead, p.onMessageRead),
	}
}

// Detach unregisters all handlers registered by Attach.
func (p *Presence) Detach() {
	p.mutex.Lock()
	subscriptions := p.subscriptions
	p.subscriptions = nil
	p.mutex.Unlock()

	for _, s := range subscriptions {
		p.signaler.Off(s)
	}
}

func (p *Presence) drop(envelope *api.Envelope, err error) {
	p.logger.WithError(err).WithField("type", envelope.Type).Warnln("dropped undecodable message")
}

func (p *Presence) onConnected(envelope *api.Envelope) {
	user := &api.User{}
	if err := envelope.Unmarshal(user); err != nil {
		p.drop(envelope, err)
		return
	}

	p.mutex.Lock()
	p.currentUser = user
	p.mutex.Unlock()

	p.logger.WithField("user_id", user.ID).Debugln("session user")
}

func (p *Presence) onUsersOnline(envelope *api.Envelope) {
	var users []*api.User
	if err := envelope.Unmarshal(&users); err != nil {
		p.drop(envelope, err)
		return
	}

	p.mutex.Lock()
	p.onlineUsers = users
	p.mutex.Unlock()
}

func (p *Presence) onNewMessage(envelope *api.Envelope) {
	message := &api.RTMDataNewMessage{}
	if err := envelope.Unmarshal(message); err != nil {
		p.drop(envelope, err)
		return
	}
	chatID := message.ChatID()
	if chatID == "" {
		p.drop(envelope, errMissingChat)
		return
	}

	p.mutex.RLock()
	currentUser := p.currentUser
	observers := p.observers
	p.mutex.RUnlock()

	own := currentUser != nil && message.Sender != nil && message.Sender.ID == currentUser.ID
	if !own {
		p.unread.Upsert(chatID, nil, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
			if !exist {
				return &unreadRecord{count: 1}
			}
			record := valueInMap.(*unreadRecord)
			record.Lock()
			record.count++
			record.Unlock()
			return record
		})
	}

	for _, cb := range observers {
		cb(message)
	}
}

func (p *Presence) onTyping(envelope *api.Envelope) {
	data := &api.RTMDataTyping{}
	if err := envelope.Unmarshal(data); err != nil {
		p.drop(envelope, err)
		return
	}
	if data.ChatID == "" || data.User == nil || data.User.ID == "" {
		return
	}

	user := data.User
	p.typing.Upsert(data.ChatID, nil, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
		var record *typingRecord
		if exist {
			record = valueInMap.(*typingRecord)
		} else {
			record = &typingRecord{
				users: make(map[string]*api.User),
			}
		}
		record.Lock()
		record.users[user.ID] = user
		record.Unlock()
		return record
	})
}

func (p *Presence) onStopTyping(envelope *api.Envelope) {
	data := &api.RTMDataTyping{}
	if err := envelope.Unmarshal(data); err != nil {
		p.drop(envelope, err)
		return
	}
	if data.ChatID == "" || data.User == nil {
		return
	}

	if record, ok := p.typing.Get(data.ChatID); ok {
		tr := record.(*typingRecord)
		tr.Lock()
		delete(tr.users, data.User.ID)
		tr.Unlock()
	}
}

func (p *Presence) onMessageRead(envelope *api.Envelope) {
	data := &api.RTMDataMessageRead{}
	if err := envelope.Unmarshal(data); err != nil {
		p.drop(envelope, err)
		return
	}
	if data.MessageID == "" || data.UserID == "" {
		return
	}

	userID := data.UserID
	p.read.Upsert(data.MessageID, nil, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
		if !exist {
			return &readRecord{userIDs: []string{userID}}
		}
		record := valueInMap.(*readRecord)
		record.Lock()
		defer record.Unlock()
		for _, id := range record.userIDs {
			if id == userID {
				return record
			}
		}
		record.userIDs = append(record.userIDs, userID)
		return record
	})
}

// OnMessage registers an observer which is called for every inbound chat
// message.
func (p *Presence) OnMessage(cb MessageFunc) {
	p.mutex.Lock()
	p.observers = append(p.observers, cb)
	p.mutex.Unlock()
}

// CurrentUser returns the session user as announced by the server.
func (p *Presence) CurrentUser() *api.User {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.currentUser
}

// OnlineUsers returns the last announced list of online users.
func (p *Presence) OnlineUsers() []*api.User {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]*api.User(nil), p.onlineUsers...)
}

// IsOnline returns true if the user with the provided id is online.
func (p *Presence) IsOnline(userID string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, user := range p.onlineUsers {
		if user != nil && user.ID == userID {
			return true
		}
	}
	return false
}

// TypingUsers returns the users currently typing in the chat, ordered by
// user id.
func (p *Presence) TypingUsers(chatID string) []*api.User {
	record, ok := p.typing.Get(chatID)
	if !ok {
		return nil
	}

	tr := record.(*typingRecord)
	tr.Lock()
	users := make([]*api.User, 0, len(tr.users))
	for _, user := range tr.users {
		users = append(users, user)
	}
	tr.Unlock()

	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users
}

// UnreadCount returns the number of unread messages in the chat.
func (p *Presence) UnreadCount(chatID string) int {
	record, ok := p.unread.Get(chatID)
	if !ok {
		return 0
	}

	ur := record.(*unreadRecord)
	ur.Lock()
	defer ur.Unlock()
	return ur.count
}

// ClearUnread resets the unread counter of the chat.
func (p *Presence) ClearUnread(chatID string) {
	p.unread.Remove(chatID)
}

// ReadBy returns the ids of the users which have read the message.
func (p *Presence) ReadBy(messageID string) []string {
	record, ok := p.read.Get(messageID)
	if !ok {
		return nil
	}

	rr := record.(*readRecord)
	rr.Lock()
	defer rr.Unlock()
	return append([]string(nil), rr.userIDs...)
}

// Reset forgets the session user and the online users. It is used when the
// connection is closed.
func (p *Presence) Reset() {
	p.mutex.Lock()
	p.currentUser = nil
	p.onlineUsers = nil
	p.mutex.Unlock()

	for entry := range p.typing.IterBuffered() {
		p.typing.Remove(entry.Key)
	}
}
