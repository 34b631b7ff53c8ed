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
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

// roomEvents delivers the media events of the session prepared for roomID.
// Events arriving after the manager moved on to another room are dropped.
type roomEvents struct {
	m      *Manager
	roomID string
}

func (m *Manager) mediaEvents(roomID string) MediaEvents {
	return &roomEvents{m: m, roomID: roomID}
}

func (e *roomEvents) OnOfferCreated(offer *api.SessionDescription) {
	e.m.onOfferCreated(e.roomID, offer)
}

func (e *roomEvents) OnAnswerCreated(answer *api.SessionDescription) {
	e.m.onAnswerCreated(e.roomID, answer)
}

func (e *roomEvents) OnICECandidateCreated(candidate *api.ICECandidateInit) {
	e.m.onICECandidateCreated(e.roomID, candidate)
}

func (e *roomEvents) OnRemoteStream() {
	e.m.onRemoteStream(e.roomID)
}

func (e *roomEvents) OnConnectionStateChanged(state string) {
	e.m.onConnectionStateChanged(e.roomID, state)
}

func (e *roomEvents) OnMediaError(err error) {
	e.m.onMediaError(e.roomID, err)
}

// isMediaRoom must be called with the accociated manager's mutex held.
func (m *Manager) isMediaRoom(roomID string) bool {
	if m.status == StatusIdle || roomID == "" || roomID != m.roomID {
		m.logger.WithFields(logrus.Fields{
			"status":  m.status,
			"room_id": roomID,
		}).Debugln("media event for other room, dropped")
		return false
	}
	return true
}

// onOfferCreated sends the local offer to the callee and marks the call
// connected.
func (m *Manager) onOfferCreated(roomID string, offer *api.SessionDescription) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) {
		return
	}
	if m.remoteUser == nil || m.roomID == "" || m.status != StatusOutgoing || offer == nil {
		m.logger.WithField("status", m.status).Debugln("offer created without outgoing call, dropped")
		return
	}

	m.send(api.RTMTypeNameOffer, &api.RTMDataSessionDescriptionRequest{
		TargetUserID: m.remoteUser.ID,
		SDP:          offer,
		RoomID:       m.roomID,
	})
	m.timers.Stop(timerNoAnswer)
	m.stopRetryTimers(timerOfferRetryPrefix, len(m.config.OfferRetryDelays))

	m.connected()
}

// onAnswerCreated sends the local answer to the caller and marks the call
// connected.
func (m *Manager) onAnswerCreated(roomID string, answer *api.SessionDescription) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) {
		return
	}
	if m.remoteUser == nil || m.roomID == "" || m.status != StatusIncoming || !m.accepted || answer == nil {
		m.logger.WithField("status", m.status).Debugln("answer created without accepted call, dropped")
		return
	}

	m.send(api.RTMTypeNameAnswer, &api.RTMDataSessionDescriptionRequest{
		TargetUserID: m.remoteUser.ID,
		SDP:          answer,
		RoomID:       m.roomID,
	})
	m.timers.Stop(timerIncoming)
	m.timers.Stop(timerOfferWait)
	m.stopRetryTimers(timerAcceptRetryPrefix, len(m.config.AcceptRetryDelays))

	m.connected()
}

// connected must be called with the accociated manager's mutex held.
func (m *Manager) connected() {
	m.status = StatusConnected
	m.startDuration(m.roomID)

	callConnected.WithLabelValues(m.id).Inc()
	m.logger.WithField("room_id", m.roomID).Infoln("call connected")
	m.changed()
}

// onICECandidateCreated sends a local ICE candidate to the peer.
func (m *Manager) onICECandidateCreated(roomID string, candidate *api.ICECandidateInit) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) || m.remoteUser == nil || candidate == nil {
		return
	}

	m.send(api.RTMTypeNameICECandidate, &api.RTMDataICECandidateRequest{
		TargetUserID: m.remoteUser.ID,
		Candidate:    candidate,
		RoomID:       m.roomID,
	})
}

func (m *Manager) onRemoteStream(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) || m.remoteStream {
		return
	}
	m.remoteStream = true
	m.logger.WithField("room_id", m.roomID).Debugln("remote stream available")
	m.changed()
}

// onConnectionStateChanged ends the call when the media connection is lost.
func (m *Manager) onConnectionStateChanged(roomID string, state string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) {
		return
	}
	m.logger.WithField("state", state).Debugln("media connection state changed")
	switch state {
	case "disconnected", "failed":
		m.endCall(ReasonConnectionLost, true)
	}
}

// onMediaError ends the call with the error as reason.
func (m *Manager) onMediaError(roomID string, err error) {
	if err == nil {
		return
	}

	m.mutex.Lock()
	defer m.unlockAndRun()

	if !m.isMediaRoom(roomID) {
		m.logger.WithError(err).Debugln("media error without call")
		return
	}
	m.logger.WithError(err).Warnln("media error")
	m.endCall(err.Error(), true)
}
