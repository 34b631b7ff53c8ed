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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kennygrant/sanitize"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
	"stash.kopano.io/kwm/kwmclient/signaling/timers"
)

// Timer registry keys.
const (
	timerNoAnswer  = "noAnswer"
	timerIncoming  = "incoming"
	timerOfferWait = "offerWait"
	timerDuration  = "duration"

	timerAcceptRetryPrefix = "acceptRetry"
	timerOfferRetryPrefix  = "offerRetry"
)

// Manager tracks a single call session at a time and drives it through its
// states from user operations, inbound signaling and media events.
type Manager struct {
	id     string
	ctx    context.Context
	config *Config
	logger logrus.FieldLogger

	signaler  Signaler
	media     MediaAdapter
	presenter Presenter
	clock     clock.Clock
	timers    *timers.Registry

	mutex          sync.Mutex
	status         Status
	roomID         string
	remoteUser     *api.User
	accepted       bool
	offerRequested bool
	offerReceived  bool
	remoteStream   bool
	startedAt      time.Time
	elapsed        uint64
	reason         string

	microphoneMuted bool
	speakerOn       bool

	subscriptions []*connection.Subscription
	observers     []StateChangeFunc
	pending       []func()
}

// NewManager creates a new Manager with an id.
func NewManager(ctx context.Context, id string, config *Config, logger logrus.FieldLogger) (*Manager, error) {
	if config.Signaler == nil {
		return nil, errors.New("call manager requires a signaler")
	}
	if config.Media == nil {
		return nil, errors.New("call manager requires a media adapter")
	}
	config = config.withDefaults()

	m := &Manager{
		id:     id,
		ctx:    ctx,
		config: config,
		logger: logger.WithField("manager", "call"),

		signaler:  config.Signaler,
		media:     config.Media,
		presenter: config.Presenter,
		clock:     config.Clock,
		timers:    timers.New(config.Clock),
	}

	return m, nil
}

// unlockAndRun releases the accociated manager's mutex and then runs all
// callbacks which were queued while it was held.
func (m *Manager) unlockAndRun() {
	pending := m.pending
	m.pending = nil
	m.mutex.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// after queues fn to run once the mutex is released. Must be called with the
// accociated manager's mutex held.
func (m *Manager) after(fn func()) {
	m.pending = append(m.pending, fn)
}

// changed queues the state change notification. Must be called with the
// accociated manager's mutex held.
func (m *Manager) changed() {
	if len(m.observers) == 0 {
		return
	}
	state := m.snapshot()
	observers := m.observers
	m.after(func() {
		for _, cb := range observers {
			cb(state)
		}
	})
}

func (m *Manager) snapshot() State {
	state := State{
		Status:          m.status,
		RoomID:          m.roomID,
		Elapsed:         m.elapsed,
		RemoteStream:    m.remoteStream,
		MicrophoneMuted: m.microphoneMuted,
		SpeakerOn:       m.speakerOn,
		Reason:          m.reason,
	}
	if m.remoteUser != nil {
		remoteUser := *m.remoteUser
		state.RemoteUser = &remoteUser
	}
	return state
}

func (m *Manager) send(msgType string, data interface{}) {
	if err := m.signaler.Send(msgType, data); err != nil {
		m.logger.WithError(err).WithField("type", msgType).Warnln("failed to send signaling message")
	}
}

func (m *Manager) stopRetryTimers(prefix string, n int) {
	for idx := 1; idx <= n; idx++ {
		m.timers.Stop(fmt.Sprintf("%s%d", prefix, idx))
	}
}

// warmMedia must be called without the accociated manager's mutex held.
func (m *Manager) warmMedia() {
	if w, ok := m.media.(MediaWarmer); ok {
		w.Warm(m.ctx)
	}
}

// MakeCall starts an outgoing call to the provided user. It fails with
// ErrAlreadyInCall if a call is active.
func (m *Manager) MakeCall(target *api.User) error {
	if target == nil || target.ID == "" {
		return ErrInvalidTarget
	}
	m.warmMedia()

	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIdle {
		m.logger.WithFields(logrus.Fields{
			"status":  m.status,
			"room_id": m.roomID,
		}).Debugln("make call while not idle")
		return ErrAlreadyInCall
	}

	roomID := fmt.Sprintf("call_%d", m.clock.Now().UnixNano()/int64(time.Millisecond))
	if err := m.media.Prepare(roomID, m.mediaEvents(roomID)); err != nil {
		m.media.Close()
		return fmt.Errorf("failed to prepare media: %w", err)
	}
	m.applyMediaFlags()

	m.status = StatusOutgoing
	m.roomID = roomID
	m.remoteUser = target
	m.reason = ""

	m.send(api.RTMTypeNameCallRequest, &api.RTMDataCallRequest{
		TargetUserID: target.ID,
		CallType:     api.CallTypeAudio,
		RoomID:       roomID,
	})

	m.timers.Start(timerNoAnswer, m.config.CallTimeout, func() {
		m.onNoAnswer(roomID)
	})

	callOutgoing.WithLabelValues(m.id).Inc()
	m.logger.WithFields(logrus.Fields{
		"room_id": roomID,
		"target":  target.ID,
	}).Infoln("outgoing call")
	m.changed()

	return nil
}

func (m *Manager) onNoAnswer(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusOutgoing || m.roomID != roomID {
		return
	}
	callTimeout.WithLabelValues(m.id).Inc()
	m.endCall(ReasonCallTimeout, true)
}

// ReceiveCall handles an incoming call request. While another call is active,
// the request is rejected as busy and the active call is left untouched. A
// repeated request for the active room is dropped.
func (m *Manager) ReceiveCall(data *api.RTMDataIncomingCall) {
	if data == nil || data.Caller == nil || data.Caller.ID == "" || data.RoomID == "" {
		m.logger.Warnln("incoming call without caller or room, ignored")
		return
	}

	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIdle && data.RoomID == m.roomID {
		m.logger.WithFields(logrus.Fields{
			"status":  m.status,
			"room_id": data.RoomID,
			"caller":  data.Caller.ID,
		}).Debugln("duplicate incoming call ignored")
		return
	}
	if m.status != StatusIdle {
		m.logger.WithFields(logrus.Fields{
			"status":  m.status,
			"room_id": data.RoomID,
			"caller":  data.Caller.ID,
		}).Infoln("incoming call while busy, rejecting")
		m.send(api.RTMTypeNameCallRejected, &api.RTMDataCallRejectRequest{
			CallerID: data.Caller.ID,
			Reason:   ReasonBusy,
			RoomID:   data.RoomID,
		})
		callBusy.WithLabelValues(m.id).Inc()
		return
	}

	caller := *data.Caller
	caller.Username = sanitize.HTML(caller.Username)
	caller.Nickname = sanitize.HTML(caller.Nickname)
	roomID := data.RoomID

	m.status = StatusIncoming
	m.roomID = roomID
	m.remoteUser = &caller
	m.reason = ""

	notice := &api.RTMDataIncomingCall{
		Caller: &caller,
		RoomID: roomID,
	}
	m.after(func() {
		m.presenter.NotifyIncomingCall(notice)
	})

	m.timers.Start(timerIncoming, m.config.IncomingTimeout, func() {
		m.onIncomingTimeout(roomID)
	})

	callIncoming.WithLabelValues(m.id).Inc()
	m.logger.WithFields(logrus.Fields{
		"room_id": roomID,
		"caller":  caller.ID,
	}).Infoln("incoming call")
	m.changed()
}

func (m *Manager) onIncomingTimeout(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIncoming || m.roomID != roomID || m.accepted {
		return
	}
	callTimeout.WithLabelValues(m.id).Inc()
	m.rejectCall(ReasonNoAnswer)
}

// AcceptCall accepts the incoming call. The session stays incoming until the
// caller's offer has been answered. Calling AcceptCall without an incoming
// call is a no-op.
func (m *Manager) AcceptCall() error {
	m.warmMedia()

	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIncoming || m.accepted {
		m.logger.WithField("status", m.status).Debugln("accept call without incoming call, ignored")
		return nil
	}

	roomID := m.roomID
	m.timers.Stop(timerIncoming)
	m.after(m.presenter.HideIncomingCallNotice)

	if err := m.media.Prepare(roomID, m.mediaEvents(roomID)); err != nil {
		m.logger.WithError(err).Errorln("failed to prepare media for call")
		m.endCall(err.Error(), true)
		return fmt.Errorf("failed to prepare media: %w", err)
	}
	m.applyMediaFlags()
	m.accepted = true

	m.sendCallAccepted()
	for idx, delay := range m.config.AcceptRetryDelays {
		m.timers.Start(fmt.Sprintf("%s%d", timerAcceptRetryPrefix, idx+1), delay, func() {
			m.onAcceptRetry(roomID)
		})
	}
	m.timers.Start(timerOfferWait, m.config.OfferWaitTimeout, func() {
		m.onOfferWaitTimeout(roomID)
	})

	callAccepted.WithLabelValues(m.id).Inc()
	m.logger.WithField("room_id", roomID).Infoln("call accepted, waiting for offer")
	m.changed()

	return nil
}

// sendCallAccepted must be called with the accociated manager's mutex held.
func (m *Manager) sendCallAccepted() {
	m.send(api.RTMTypeNameCallAccepted, &api.RTMDataCallAcceptedRequest{
		TargetUserID: m.remoteUser.ID,
		RoomID:       m.roomID,
	})
}

func (m *Manager) onAcceptRetry(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIncoming || m.roomID != roomID || !m.accepted || m.offerReceived {
		return
	}
	acceptResend.WithLabelValues(m.id).Inc()
	m.logger.WithField("room_id", roomID).Debugln("no offer yet, resending call accepted")
	m.sendCallAccepted()
}

func (m *Manager) onOfferWaitTimeout(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIncoming || m.roomID != roomID {
		return
	}
	callTimeout.WithLabelValues(m.id).Inc()
	m.endCall(ReasonOfferNotReceived, true)
}

// RejectCall declines the incoming call with the provided reason.
func (m *Manager) RejectCall(reason string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusIncoming {
		m.logger.WithField("status", m.status).Debugln("reject call without incoming call, ignored")
		return
	}
	if reason == "" {
		reason = ReasonCallRejected
	}
	m.rejectCall(reason)
}

// rejectCall must be called with the accociated manager's mutex held.
func (m *Manager) rejectCall(reason string) {
	m.send(api.RTMTypeNameCallRejected, &api.RTMDataCallRejectRequest{
		CallerID: m.remoteUser.ID,
		Reason:   reason,
		RoomID:   m.roomID,
	})
	m.endCall(reason, false)
}

// EndCall ends the current call and tears down all call resources. Calling
// EndCall without an active call is a safe no-op.
func (m *Manager) EndCall(reason string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	m.endCall(reason, true)
}

// endCall must be called with the accociated manager's mutex held. The peer
// is told with call-ended when notifyPeer is true and a call is set.
func (m *Manager) endCall(reason string, notifyPeer bool) {
	if reason == "" {
		reason = ReasonCallEnded
	}
	wasActive := m.status != StatusIdle

	if notifyPeer && m.roomID != "" && m.remoteUser != nil {
		m.send(api.RTMTypeNameCallEnded, &api.RTMDataCallEndRequest{
			TargetUserID: m.remoteUser.ID,
			RoomID:       m.roomID,
			Reason:       reason,
		})
	}
	if m.status == StatusIncoming && !m.accepted {
		m.after(m.presenter.HideIncomingCallNotice)
	}

	m.media.Close()
	m.timers.StopAll()

	if wasActive {
		m.logger.WithFields(logrus.Fields{
			"room_id":  m.roomID,
			"reason":   reason,
			"status":   m.status,
			"duration": m.elapsed,
		}).Infoln("call ended")
		callEnded.WithLabelValues(m.id).Inc()
		m.reason = reason
	}

	m.status = StatusIdle
	m.roomID = ""
	m.remoteUser = nil
	m.accepted = false
	m.offerRequested = false
	m.offerReceived = false
	m.remoteStream = false
	m.startedAt = time.Time{}
	m.elapsed = 0

	if wasActive {
		m.changed()
	}
}

// startDuration must be called with the accociated manager's mutex held.
func (m *Manager) startDuration(roomID string) {
	m.startedAt = m.clock.Now()
	m.elapsed = 0
	m.timers.Start(timerDuration, m.config.TickInterval, func() {
		m.onDurationTick(roomID)
	})
}

func (m *Manager) onDurationTick(roomID string) {
	m.mutex.Lock()
	defer m.unlockAndRun()

	if m.status != StatusConnected || m.roomID != roomID {
		return
	}
	m.elapsed++
	m.timers.Start(timerDuration, m.config.TickInterval, func() {
		m.onDurationTick(roomID)
	})
	m.changed()
}

// ToggleMicrophone flips the microphone mute flag and returns the new value.
func (m *Manager) ToggleMicrophone() bool {
	m.mutex.Lock()
	defer m.unlockAndRun()

	m.microphoneMuted = !m.microphoneMuted
	if m.status != StatusIdle {
		m.media.SetMicrophoneMuted(m.microphoneMuted)
	}
	m.changed()

	return m.microphoneMuted
}

// ToggleSpeaker flips the speaker flag and returns the new value.
func (m *Manager) ToggleSpeaker() bool {
	m.mutex.Lock()
	defer m.unlockAndRun()

	m.speakerOn = !m.speakerOn
	if m.status != StatusIdle {
		m.media.SetSpeakerOn(m.speakerOn)
	}
	m.changed()

	return m.speakerOn
}

// applyMediaFlags must be called with the accociated manager's mutex held.
func (m *Manager) applyMediaFlags() {
	m.media.SetMicrophoneMuted(m.microphoneMuted)
	m.media.SetSpeakerOn(m.speakerOn)
}

// State returns a snapshot of the current call session.
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.snapshot()
}

// OnStateChange registers an observer which is called with a snapshot after
// every change of the call session.
func (m *Manager) OnStateChange(cb StateChangeFunc) {
	m.mutex.Lock()
	m.observers = append(m.observers, cb)
	m.mutex.Unlock()
}

// Context Returns the accociated manager's context.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// NumActive returns the number of the currently active calls at the
// accociated manager.
func (m *Manager) NumActive() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.status != StatusIdle {
		return 1
	}
	return 0
}
