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

package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

type sentMessage struct {
	Type string
	Data json.RawMessage
}

type subscription struct {
	msgType string
	handler connection.HandlerFunc
}

type fakeSignaler struct {
	sync.Mutex

	sent          []sentMessage
	subscriptions map[*connection.Subscription]*subscription
	order         []*connection.Subscription
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		subscriptions: make(map[*connection.Subscription]*subscription),
	}
}

func (s *fakeSignaler) On(msgType string, handler connection.HandlerFunc) *connection.Subscription {
	s.Lock()
	defer s.Unlock()

	token := &connection.Subscription{}
	s.subscriptions[token] = &subscription{msgType, handler}
	s.order = append(s.order, token)
	return token
}

func (s *fakeSignaler) Off(token *connection.Subscription) {
	s.Lock()
	defer s.Unlock()

	delete(s.subscriptions, token)
}

func (s *fakeSignaler) Send(msgType string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.Lock()
	s.sent = append(s.sent, sentMessage{msgType, b})
	s.Unlock()
	return nil
}

func (s *fakeSignaler) numSubscriptions() int {
	s.Lock()
	defer s.Unlock()
	return len(s.subscriptions)
}

// deliver passes data to all handlers registered for msgType, like the
// connection manager does for received messages.
func (s *fakeSignaler) deliver(t *testing.T, msgType string, data interface{}) {
	b, err := api.Encode(msgType, data)
	require.NoError(t, err)
	envelope, err := api.Decode(b)
	require.NoError(t, err)

	s.Lock()
	var handlers []connection.HandlerFunc
	for _, token := range s.order {
		if sub, ok := s.subscriptions[token]; ok && sub.msgType == msgType {
			handlers = append(handlers, sub.handler)
		}
	}
	s.Unlock()

	for _, handler := range handlers {
		handler(envelope)
	}
}

func (s *fakeSignaler) sentOf(msgType string) []sentMessage {
	s.Lock()
	defer s.Unlock()

	var result []sentMessage
	for _, msg := range s.sent {
		if msg.Type == msgType {
			result = append(result, msg)
		}
	}
	return result
}

func (s *fakeSignaler) count(msgType string) int {
	return len(s.sentOf(msgType))
}

type fakeMedia struct {
	sync.Mutex

	prepareErr error

	prepared     []string
	events       MediaEvents
	offers       int
	answers      []*api.SessionDescription
	remoteAnswer []*api.SessionDescription
	candidates   []*api.ICECandidateInit
	closed       int
	muted        []bool
	speaker      []bool

	warmed int
	onWarm func()
}

func (f *fakeMedia) Warm(ctx context.Context) {
	f.Lock()
	f.warmed++
	onWarm := f.onWarm
	f.Unlock()

	if onWarm != nil {
		onWarm()
	}
}

func (f *fakeMedia) currentEvents() MediaEvents {
	f.Lock()
	defer f.Unlock()
	return f.events
}

func (f *fakeMedia) Prepare(roomID string, events MediaEvents) error {
	f.Lock()
	defer f.Unlock()

	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.prepared = append(f.prepared, roomID)
	f.events = events
	return nil
}

func (f *fakeMedia) CreateOffer() {
	f.Lock()
	f.offers++
	f.Unlock()
}

func (f *fakeMedia) CreateAnswer(offer *api.SessionDescription) {
	f.Lock()
	f.answers = append(f.answers, offer)
	f.Unlock()
}

func (f *fakeMedia) SetAnswer(answer *api.SessionDescription) {
	f.Lock()
	f.remoteAnswer = append(f.remoteAnswer, answer)
	f.Unlock()
}

func (f *fakeMedia) AddICECandidate(candidate *api.ICECandidateInit) {
	f.Lock()
	f.candidates = append(f.candidates, candidate)
	f.Unlock()
}

func (f *fakeMedia) SetMicrophoneMuted(muted bool) {
	f.Lock()
	f.muted = append(f.muted, muted)
	f.Unlock()
}

func (f *fakeMedia) SetSpeakerOn(on bool) {
	f.Lock()
	f.speaker = append(f.speaker, on)
	f.Unlock()
}

func (f *fakeMedia) Close() {
	f.Lock()
	f.closed++
	f.Unlock()
}

func (f *fakeMedia) numOffers() int {
	f.Lock()
	defer f.Unlock()
	return f.offers
}

type fakePresenter struct {
	sync.Mutex

	notified []*api.RTMDataIncomingCall
	hidden   int
}

func (p *fakePresenter) NotifyIncomingCall(data *api.RTMDataIncomingCall) {
	p.Lock()
	p.notified = append(p.notified, data)
	p.Unlock()
}

func (p *fakePresenter) HideIncomingCallNotice() {
	p.Lock()
	p.hidden++
	p.Unlock()
}

func (p *fakePresenter) numHidden() int {
	p.Lock()
	defer p.Unlock()
	return p.hidden
}
