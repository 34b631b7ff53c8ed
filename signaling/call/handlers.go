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
	"fmt"

	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

// Attach registers the accociated manager's handlers for all call signaling
// message types with its signaler. Attach is a no-op when already attached.
func (m *Manager) Attach() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.subscriptions) > 0 {
		return
	}

	m.subscriptions = []*connection.Subscription{
		m.signaler.On(api.RTMTypeNameIncomingCall, decodeWith(m, m.ReceiveCall)),
		m.signaler.On(api.RTMTypeNameCallAccepted, decodeWith(m, m.HandleCallAccepted)),
		m.signaler.On(api.RTMTypeNameCallRejected, decodeWith(m, m.HandleCallRejected)),
		m.signaler.On(api.RTMTypeNameCallEnded, decodeWith(m, m.HandleCallEnded)),
		m.signaler.On(api.RTMTypeNameOffer, decodeWith(m, m.HandleOffer)),
		m.signaler.On(api.RTMTypeNameAnswer, decodeWith(m, m.HandleAnswer)),
		m.signaler.On(api.RTMTypeNameICECandidate, decodeWith(m, m.HandleICECandidate)),
	}
}

// Detach unregisters all handlers registered by Attach.
func (m *Manager) Detach() {
	m.mutex.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.mutex.Unlock()

	for _, s := range subscriptions {
		m.signaler.Off(s)
	}
}

// decodeWith returns a connection.HandlerFunc which decodes the envelope data
// into a new T and passes it to handler. Undecodable messages are dropped.
func decodeWith[T any](m *Manager, handler func(*T)) connection.HandlerFunc {
	return func(envelope *api.Envelope) {
		data := new(T)
		if err := envelope.Unmarshal(data); err != nil {
			m.logger.WithError(err).WithField("type", envelope.Type).Warnln("dropped undecodable signaling message")
			return
		}
		handler(data)
	}
}

// isCurrentRoom must be called with the accociated manager's mutex held.
func (m *Manager) isCurrentRoom(roomID string) bool {
	return m.status != StatusIdle && roomID != "" && roomID == m.roomID
}

// ignore must be called with the accociated manager's mutex held.
func (m *Manager) ignore(msgType string, roomID string) {
	m.logger.WithFields(logrus.Fields{
		"type":         msgType,
		"status":       m.status,
		"room_id":      roomID,
		"current_room": m.roomID,
	}).Debugln("ignored signaling message")
}

// HandleCallAccepted handles the callee's acceptance of the outgoing call and
// starts the offer creation.
func (m *Manager) HandleCallAccepted(data *api.RTMDataCallAccepted) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) || m.status != StatusOutgoing || m.offerRequested {
		m.ignore(api.RTMTypeNameCallAccepted, data.RoomID)
		return
	}

	roomID := m.roomID
	m.timers.Stop(timerNoAnswer)
	m.offerRequested = true
	m.media.CreateOffer()

	for idx, delay := range m.config.OfferRetryDelays {
		m.timers.Start(fmt.Sprintf("%s%d", timerOfferRetryPrefix, idx+1), delay, func() {
			m.onOfferRetry(roomID)
		})
	}

	m.logger.WithField("room_id", roomID).Infoln("call accepted by callee, creating offer")
	m.changed()
}

func (m *Manager) onOfferRetry(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusOutgoing || m.roomID != roomID {
		return
	}
	offerRetry.WithLabelValues(m.id).Inc()
	m.logger.WithField("room_id", roomID).Debugln("offer not created yet, retrying")
	m.media.CreateOffer()
}

// HandleCallRejected handles the callee's rejection of the current call.
func (m *Manager) HandleCallRejected(data *api.RTMDataCallRejected) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) {
		m.ignore(api.RTMTypeNameCallRejected, data.RoomID)
		return
	}

	reason := data.Reason
	if reason == "" {
		reason = ReasonCallRejected
	}
	m.endCall(reason, false)
}

// HandleCallEnded handles the peer ending the current call.
func (m *Manager) HandleCallEnded(data *api.RTMDataCallEnded) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) {
		m.ignore(api.RTMTypeNameCallEnded, data.RoomID)
		return
	}

	reason := data.Reason
	if reason == "" {
		reason = ReasonCallEnded
	}
	m.endCall(reason, false)
}

// HandleOffer passes the caller's offer of an accepted incoming call to the
// media adapter to create the answer.
func (m *Manager) HandleOffer(data *api.RTMDataOffer) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) || m.status != StatusIncoming || !m.accepted || data.Offer == nil {
		m.ignore(api.RTMTypeNameOffer, data.RoomID)
		return
	}

	m.offerReceived = true
	m.stopRetryTimers(timerAcceptRetryPrefix, len(m.config.AcceptRetryDelays))
	m.media.CreateAnswer(data.Offer)
}

// HandleAnswer passes the callee's answer to the media adapter.
func (m *Manager) HandleAnswer(data *api.RTMDataAnswer) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) || (m.status != StatusOutgoing && m.status != StatusConnected) || data.Answer == nil {
		m.ignore(api.RTMTypeNameAnswer, data.RoomID)
		return
	}

	m.media.SetAnswer(data.Answer)
}

// HandleICECandidate passes the peer's ICE candidate to the media adapter.
func (m *Manager) HandleICECandidate(data *api.RTMDataICECandidate) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isCurrentRoom(data.RoomID) || data.Candidate == nil {
		m.ignore(api.RTMTypeNameICECandidate, data.RoomID)
		return
	}
	if m.status == StatusIncoming && !m.accepted {
		m.ignore(api.RTMTypeNameICECandidate, data.RoomID)
		return
	}

	m.media.AddICECandidate(data.Candidate)
}
