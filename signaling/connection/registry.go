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

package connection

import (
	"sync"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

// HandlerFunc is a type for functions usable as message handler.
type HandlerFunc func(envelope *api.Envelope)

// A Subscription is the registration of a HandlerFunc for one message type.
// It is the reference which unregisters the handler again.
type Subscription struct {
	msgType string
	handler HandlerFunc
}

// Type returns the message type of the accociated subscription.
func (s *Subscription) Type() string {
	return s.msgType
}

// registry maps message types to their ordered handlers.
type registry struct {
	sync.RWMutex
	handlers map[string][]*Subscription
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string][]*Subscription),
	}
}

func (r *registry) on(msgType string, handler HandlerFunc) *Subscription {
	s := &Subscription{
		msgType: msgType,
		handler: handler,
	}

	r.Lock()
	r.handlers[msgType] = append(r.handlers[msgType], s)
	r.Unlock()

	return s
}

func (r *registry) off(s *Subscription) bool {
	if s == nil {
		return false
	}

	r.Lock()
	defer r.Unlock()

	subscriptions := r.handlers[s.msgType]
	for idx, existing := range subscriptions {
		if existing == s {
			updated := make([]*Subscription, 0, len(subscriptions)-1)
			updated = append(updated, subscriptions[:idx]...)
			updated = append(updated, subscriptions[idx+1:]...)
			if len(updated) == 0 {
				delete(r.handlers, s.msgType)
			} else {
				r.handlers[s.msgType] = updated
			}
			return true
		}
	}

	return false
}

func (r *registry) clear(msgType string) {
	r.Lock()
	delete(r.handlers, msgType)
	r.Unlock()
}

// subscriptions returns the handlers for msgType in registration order. The
// returned slice is never modified by the registry.
func (r *registry) subscriptions(msgType string) []*Subscription {
	r.RLock()
	subscriptions := r.handlers[msgType]
	r.RUnlock()

	return subscriptions
}

func (r *registry) count() int {
	r.RLock()
	defer r.RUnlock()

	n := 0
	for _, subscriptions := range r.handlers {
		n += len(subscriptions)
	}
	return n
}
